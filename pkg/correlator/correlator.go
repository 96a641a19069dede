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

// Package correlator aggregates repo-level signal matches into ecosystem
// incidents when the same signature fires across enough distinct
// repositories and owners inside a sliding time window.
package correlator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/signal"
)

const (
	defaultWindow    = 60 * time.Minute
	defaultMinRepos  = 5
	defaultMinOwners = 3
	defaultCooldown  = 30 * time.Minute
)

// Config tunes the correlation thresholds. Zero values fall back to the
// defaults.
type Config struct {
	Window    time.Duration
	MinRepos  int
	MinOwners int
	Cooldown  time.Duration
}

// Bundle is an emitted ecosystem incident together with the canned summary
// that describes the correlated signature.
type Bundle struct {
	Incident *incident.Incident
	Summary  map[string]any
}

type entry struct {
	repoFullName string
	owner        string
	occurredAt   time.Time
	match        *signal.Match
	sourceIDs    map[string]any
}

// Correlator keeps per-signature sliding windows of matches. It is safe for
// concurrent use.
type Correlator struct {
	window    time.Duration
	minRepos  int
	minOwners int
	cooldown  time.Duration

	mu       sync.Mutex
	entries  map[string][]*entry
	lastEmit map[string]time.Time
	now      func() time.Time
}

// Option customizes a Correlator.
type Option func(*Correlator)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Correlator) {
		c.now = fn
	}
}

// New creates a Correlator from the given config.
func New(cfg *Config, opts ...Option) *Correlator {
	c := &Correlator{
		window:    cfg.Window,
		minRepos:  cfg.MinRepos,
		minOwners: cfg.MinOwners,
		cooldown:  cfg.Cooldown,
		entries:   make(map[string][]*entry),
		lastEmit:  make(map[string]time.Time),
		now:       time.Now,
	}
	if c.window <= 0 {
		c.window = defaultWindow
	}
	if c.minRepos <= 0 {
		c.minRepos = defaultMinRepos
	}
	if c.minOwners <= 0 {
		c.minOwners = defaultMinOwners
	}
	if c.cooldown <= 0 {
		c.cooldown = defaultCooldown
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest records a match and returns a bundle when the window crosses the
// repo and owner thresholds outside the per-signature cooldown, or nil.
func (c *Correlator) Ingest(m *signal.Match, repoFullName, owner, occurredAt string, sourceIDs map[string]any, source string) *Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.parseTime(occurredAt)
	signature := m.Signature

	cutoff := c.now().Add(-c.window)
	entries := c.entries[signature][:0]
	for _, e := range c.entries[signature] {
		if !e.occurredAt.Before(cutoff) {
			entries = append(entries, e)
		}
	}
	entries = append(entries, &entry{
		repoFullName: repoFullName,
		owner:        owner,
		occurredAt:   ts,
		match:        m,
		sourceIDs:    sourceIDs,
	})
	c.entries[signature] = entries

	uniqueRepos := make(map[string]struct{}, len(entries))
	uniqueOwners := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		uniqueRepos[e.repoFullName] = struct{}{}
		uniqueOwners[e.owner] = struct{}{}
	}
	if len(uniqueRepos) < c.minRepos || len(uniqueOwners) < c.minOwners {
		return nil
	}

	now := c.now()
	if last, ok := c.lastEmit[signature]; ok && now.Sub(last) < c.cooldown {
		return nil
	}
	c.lastEmit[signature] = now

	return c.buildBundle(signature, entries, source, now)
}

// WindowSizes reports the current number of entries per signature.
func (c *Correlator) WindowSizes() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizes := make(map[string]int, len(c.entries))
	for sig, entries := range c.entries {
		sizes[sig] = len(entries)
	}
	return sizes
}

func (c *Correlator) buildBundle(signature string, entries []*entry, source string, now time.Time) *Bundle {
	repoSet := make(map[string]struct{}, len(entries))
	ownerSet := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		repoSet[e.repoFullName] = struct{}{}
		ownerSet[e.owner] = struct{}{}
	}
	uniqueRepos := sortedKeys(repoSet)
	sampleRepos := uniqueRepos
	if len(sampleRepos) > 10 {
		sampleRepos = sampleRepos[:10]
	}

	evidenceSamples := make([]map[string]any, 0, 5)
	for _, e := range entries {
		if len(evidenceSamples) >= 5 {
			break
		}
		evidenceSamples = append(evidenceSamples, map[string]any{
			"repo":         e.repoFullName,
			"matched_line": e.match.Evidence["matched_line"],
			"run_id":       e.match.Evidence["run_id"],
			"job_name":     e.match.Evidence["job_name"],
		})
	}

	var confidence float64
	for _, e := range entries {
		if e.match.Confidence > confidence {
			confidence = e.match.Confidence
		}
	}

	rootCauseHypothesis := "Widespread npm authentication failures consistent with token expiration/revocation (often from tokens stored in .npmrc or short-lived tokens in CI)."
	impact := "CI fails during npm install / npm ci across multiple repositories in a short window."
	nextSteps := []string{
		"Rotate/regenerate npm token used in CI secrets.",
		"Avoid committing tokens to .npmrc; use CI secrets or automation tokens.",
		"Re-run failed workflows after updating credentials.",
	}

	evidence := incident.Evidence{
		"type":                  "ECOSYSTEM_INCIDENT",
		"signature":             signature,
		"plugin":                signature,
		"confidence":            confidence,
		"window_minutes":        int(c.window.Minutes()),
		"affected_repos_count":  len(repoSet),
		"unique_owners_count":   len(ownerSet),
		"sample_repos":          sampleRepos,
		"evidence_samples":      evidenceSamples,
		"root_cause_hypothesis": rootCauseHypothesis,
		"impact":                impact,
		"next_steps":            nextSteps,
		"source":                source,
	}

	summary := map[string]any{
		"root_cause": []string{rootCauseHypothesis},
		"impact":     []string{impact},
		"next_steps": nextSteps,
	}

	dedupeKey := fmt.Sprintf("ecosystem:%s:%d", signature, now.Unix()/int64(c.cooldown.Seconds()))
	nowStr := now.UTC().Format(time.RFC3339)
	inc := &incident.Incident{
		ID:           incident.ID(dedupeKey),
		Kind:         incident.KindEcosystemIncident,
		RunID:        incident.StableRunID(dedupeKey),
		DedupeKey:    dedupeKey,
		RepoFullName: "ecosystem",
		WorkflowName: signature,
		Status:       "detected",
		Conclusion:   "high",
		HTMLURL:      "https://www.npmjs.com/",
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
		Title:        fmt.Sprintf("Ecosystem incident: %s", signature),
		Tags: []string{
			"ecosystem",
			"incident",
			fmt.Sprintf("signature:%s", signature),
			fmt.Sprintf("repos:%d", len(repoSet)),
			fmt.Sprintf("owners:%d", len(ownerSet)),
			fmt.Sprintf("source:%s", source),
		},
		Evidence: evidence,
	}

	return &Bundle{Incident: inc, Summary: summary}
}

func (c *Correlator) parseTime(value string) time.Time {
	if value == "" {
		return c.now()
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return c.now()
	}
	return ts
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
