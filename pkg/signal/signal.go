// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package signal defines the plugin contract for matching failure signatures
// in workflow run logs, plus the built-in plugin registry.
package signal

// RunContext carries the metadata of the workflow run a log belongs to.
// JobName and StepName are filled per job as the pipeline walks the run.
type RunContext struct {
	RepoFullName string
	Owner        string
	RunID        int64
	HTMLURL      string
	WorkflowName string
	Conclusion   string
	UpdatedAt    string
	JobName      string
	StepName     string
}

// Match is a positive plugin result. Evidence values must be
// JSON-marshalable; matched log lines must already be normalized and free
// of secrets.
type Match struct {
	Signature  string
	Evidence   map[string]any
	Confidence float64
}

// Plugin inspects a single job's log text and reports the first matching
// signature, or nil when the log is unremarkable.
type Plugin interface {
	Name() string
	Match(runCtx *RunContext, logText string) *Match
}

// Plugins returns the built-in plugin registry.
func Plugins() []Plugin {
	return []Plugin{
		&NpmAuthTokenExpired{},
	}
}
