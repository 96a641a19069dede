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

package signal

import (
	"regexp"
	"strings"
)

var (
	expiredRE          = regexp.MustCompile(`(?i)access token expired or revoked`)
	unableAuthRE       = regexp.MustCompile(`(?i)npm ERR!\s+Unable to authenticate`)
	e401CodeRE         = regexp.MustCompile(`(?i)npm ERR!\s+code\s+E401`)
	e401UnauthorizedRE = regexp.MustCompile(`(?i)E401\s+Unauthorized`)

	timestampPrefixRE = regexp.MustCompile(`^\s*(\[[^\]]+\]|\d{4}-\d{2}-\d{2}T[^\s]+|\d{4}-\d{2}-\d{2}\s+[0-9:.]+)\s*`)
	whitespaceRE      = regexp.MustCompile(`\s+`)
)

const maxMatchedLineLen = 200

// normalizeLine strips a leading timestamp, collapses whitespace, and caps
// the line so evidence stays compact.
func normalizeLine(line string) string {
	line = timestampPrefixRE.ReplaceAllString(line, "")
	line = strings.TrimSpace(whitespaceRE.ReplaceAllString(line, " "))
	if r := []rune(line); len(r) > maxMatchedLineLen {
		line = string(r[:maxMatchedLineLen-3]) + "..."
	}
	return line
}

// NpmAuthTokenExpired matches npm registry authentication failures, the
// signature of a revoked or expired npm token breaking CI installs.
type NpmAuthTokenExpired struct{}

// Name implements Plugin.
func (p *NpmAuthTokenExpired) Name() string { return "npm_auth_token_expired" }

// Match implements Plugin. Explicit expired/revoked messages match with
// confidence 0.9; bare E401 errors match with confidence 0.7. The first
// matching line wins.
func (p *NpmAuthTokenExpired) Match(runCtx *RunContext, logText string) *Match {
	var matchedLine string
	var confidence float64

	for _, raw := range strings.Split(logText, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if expiredRE.MatchString(line) || unableAuthRE.MatchString(line) {
			matchedLine = normalizeLine(line)
			confidence = 0.9
			break
		}
		if e401CodeRE.MatchString(line) || e401UnauthorizedRE.MatchString(line) {
			matchedLine = normalizeLine(line)
			confidence = 0.7
			break
		}
	}

	if matchedLine == "" {
		return nil
	}
	return &Match{
		Signature:  "npm_auth_token_expired",
		Confidence: confidence,
		Evidence: map[string]any{
			"matched_line": matchedLine,
			"job_name":     runCtx.JobName,
			"step_name":    runCtx.StepName,
			"run_id":       runCtx.RunID,
		},
	}
}
