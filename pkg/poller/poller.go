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

// Package poller tails the Forge global event feed, deduplicates events
// into the store, and hands new push events to the workflow risk
// detectors.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/forge"
	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/metrics"
	"github.com/abcxyz/github-sentinel/pkg/scheduler"
	"github.com/abcxyz/github-sentinel/pkg/store"
	"github.com/abcxyz/github-sentinel/pkg/workflowrisk"
)

const (
	defaultInterval    = 10 * time.Second
	defaultFetchBudget = 5
)

// Forge is the subset of the Forge client the poller needs.
type Forge interface {
	ListGlobalEvents(ctx context.Context) ([]*github.Event, error)
}

// Store persists normalized events.
type Store interface {
	InsertEvent(ctx context.Context, ev *store.Event) (bool, error)
}

// Detector inspects new push events for workflow exfiltration risk.
type Detector interface {
	GhostAction(ctx context.Context, ev *workflowrisk.PushEvent, budget *forge.Budget) []*incident.Incident
	PersonalizedExfil(ctx context.Context, ev *workflowrisk.PushEvent, budget *forge.Budget) []*incident.Incident
}

// Emitter routes new incidents to the store, queues, and broadcast.
type Emitter interface {
	EmitIncident(ctx context.Context, inc *incident.Incident) (bool, error)
}

// Config wires the poller's collaborators and tunes the loop.
type Config struct {
	Forge    Forge
	Store    Store
	Detector Detector
	Emitter  Emitter

	// Recent receives the repo of every newly inserted event so the
	// checker can schedule it.
	Recent *scheduler.RecentBuffer

	// Metrics may be nil, in which case no counters are recorded.
	Metrics *metrics.Metrics

	// Interval between polls of the global feed. Defaults to 10s.
	Interval time.Duration

	// FetchBudget caps the extra Forge calls the detectors may spend per
	// cycle. Defaults to 5.
	FetchBudget int
}

// Poller tails the Forge global event feed.
type Poller struct {
	forge       Forge
	store       Store
	detector    Detector
	emitter     Emitter
	recent      *scheduler.RecentBuffer
	metrics     *metrics.Metrics
	interval    time.Duration
	fetchBudget int
	now         func() time.Time
}

// Option customizes a Poller.
type Option func(*Poller)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(p *Poller) {
		p.now = fn
	}
}

// New creates a Poller from the given config.
func New(cfg *Config, opts ...Option) *Poller {
	p := &Poller{
		forge:       cfg.Forge,
		store:       cfg.Store,
		detector:    cfg.Detector,
		emitter:     cfg.Emitter,
		recent:      cfg.Recent,
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		fetchBudget: cfg.FetchBudget,
		now:         time.Now,
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.fetchBudget <= 0 {
		p.fetchBudget = defaultFetchBudget
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is canceled. Cycle errors are logged and do not stop
// the loop.
func (p *Poller) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	for {
		if _, err := p.PollOnce(ctx); err != nil {
			logger.ErrorContext(ctx, "poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // Want passthrough
		case <-time.After(p.interval):
		}
	}
}

// PollOnce fetches the global feed once and processes every event. All
// detectors in a cycle share one fetch budget. It returns the number of
// newly inserted events.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)

	budget := forge.NewBudget(p.fetchBudget)
	events, err := p.forge.ListGlobalEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list global events: %w", err)
	}

	newCount := 0
	for _, ev := range events {
		if p.metrics != nil {
			p.metrics.EventsSeen.Inc()
		}
		row := p.normalizeEvent(ev)
		if row.EventID == "" {
			continue
		}
		inserted, err := p.store.InsertEvent(ctx, row)
		if err != nil {
			logger.WarnContext(ctx, "failed to insert event",
				"event_id", row.EventID,
				"error", err)
			continue
		}
		if !inserted {
			continue
		}
		newCount++
		if p.metrics != nil {
			p.metrics.EventsInserted.Inc()
		}
		p.recent.Add(row.RepoFullName)

		push := pushEventView(ev, row.CreatedAt)
		if push == nil {
			continue
		}
		if p.metrics != nil {
			p.metrics.PushEventsInspected.Inc()
		}
		incidents := p.detector.GhostAction(ctx, push, budget)
		incidents = append(incidents, p.detector.PersonalizedExfil(ctx, push, budget)...)
		for _, inc := range incidents {
			if _, err := p.emitter.EmitIncident(ctx, inc); err != nil {
				logger.ErrorContext(ctx, "failed to emit incident",
					"incident_id", inc.ID,
					"kind", inc.Kind,
					"error", err)
			}
		}
	}

	if newCount > 0 {
		logger.InfoContext(ctx, "poll cycle complete",
			"new_events", newCount,
			"recent_repos", p.recent.Len())
	}
	return newCount, nil
}

// normalizeEvent flattens a feed event into a store row. A missing
// created_at falls back to the current time.
func (p *Poller) normalizeEvent(ev *github.Event) *store.Event {
	createdAt := ev.GetCreatedAt()
	created := createdAt.UTC().Format(time.RFC3339)
	if createdAt.IsZero() {
		created = p.now().UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		raw = []byte("{}")
	}
	return &store.Event{
		EventID:      ev.GetID(),
		EventType:    ev.GetType(),
		RepoFullName: ev.GetRepo().GetName(),
		ActorLogin:   ev.GetActor().GetLogin(),
		CreatedAt:    created,
		RawJSON:      string(raw),
	}
}

// pushEventView extracts the detector view from a push event, or nil when
// the event is not a push or its payload does not parse.
func pushEventView(ev *github.Event, createdAt string) *workflowrisk.PushEvent {
	if ev.GetType() != "PushEvent" {
		return nil
	}
	payload, err := ev.ParsePayload()
	if err != nil {
		return nil
	}
	push, ok := payload.(*github.PushEvent)
	if !ok {
		return nil
	}

	commits := make([]*workflowrisk.PushCommit, 0, len(push.Commits))
	for _, c := range push.Commits {
		commits = append(commits, &workflowrisk.PushCommit{
			SHA:      c.GetSHA(),
			Added:    c.Added,
			Modified: c.Modified,
			Removed:  c.Removed,
		})
	}
	return &workflowrisk.PushEvent{
		RepoFullName: ev.GetRepo().GetName(),
		ActorLogin:   ev.GetActor().GetLogin(),
		CreatedAt:    createdAt,
		HeadSHA:      push.GetHead(),
		BeforeSHA:    push.GetBefore(),
		AfterSHA:     push.GetAfter(),
		Commits:      commits,
	}
}
