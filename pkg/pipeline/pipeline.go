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

// Package pipeline routes detected incidents through the store, the worker
// queues, and the live broadcast, and runs fetched run logs through the
// signal plugins and the ecosystem correlator.
package pipeline

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/correlator"
	"github.com/abcxyz/github-sentinel/pkg/enrich"
	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/metrics"
	"github.com/abcxyz/github-sentinel/pkg/runlogs"
	"github.com/abcxyz/github-sentinel/pkg/signal"
)

// Store is the subset of the incident store the pipeline needs.
type Store interface {
	InsertIncident(ctx context.Context, inc *incident.Incident) (bool, error)
	SetEnrichment(ctx context.Context, id string, enrichment map[string]any) error
}

// Queue accepts incident ids for background work.
type Queue interface {
	Enqueue(ctx context.Context, incidentID string) error
}

// Broadcaster fans cards out to live-stream subscribers.
type Broadcaster interface {
	Publish(card *incident.Card)
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store           Store
	Broadcaster     Broadcaster
	SummaryQueue    Queue
	EnrichmentQueue Queue
	Correlator      *correlator.Correlator

	// Plugins defaults to the built-in registry when nil.
	Plugins []signal.Plugin

	// Metrics may be nil, in which case no counters are recorded.
	Metrics *metrics.Metrics
}

// Pipeline is safe for concurrent use by the polling and checking loops.
type Pipeline struct {
	store           Store
	broadcaster     Broadcaster
	summaryQueue    Queue
	enrichmentQueue Queue
	correlator      *correlator.Correlator
	plugins         []signal.Plugin
	metrics         *metrics.Metrics
}

// New creates a Pipeline from the given config.
func New(cfg *Config) *Pipeline {
	plugins := cfg.Plugins
	if plugins == nil {
		plugins = signal.Plugins()
	}
	return &Pipeline{
		store:           cfg.Store,
		broadcaster:     cfg.Broadcaster,
		summaryQueue:    cfg.SummaryQueue,
		enrichmentQueue: cfg.EnrichmentQueue,
		correlator:      cfg.Correlator,
		plugins:         plugins,
		metrics:         cfg.Metrics,
	}
}

// EmitIncident inserts the incident and, when it is new, enqueues the
// summary job, routes or short-circuits enrichment, and publishes the card.
// It reports whether the incident was newly inserted. Duplicate ids and
// dedupe keys produce no side effects.
func (p *Pipeline) EmitIncident(ctx context.Context, inc *incident.Incident) (bool, error) {
	logger := logging.FromContext(ctx)

	inserted, err := p.store.InsertIncident(ctx, inc)
	if err != nil {
		return false, fmt.Errorf("failed to insert incident: %w", err)
	}
	if !inserted {
		return false, nil
	}
	if p.metrics != nil {
		p.metrics.IncidentsEmitted.WithLabelValues(string(inc.Kind)).Inc()
	}

	if err := p.summaryQueue.Enqueue(ctx, inc.ID); err != nil {
		logger.WarnContext(ctx, "failed to enqueue summary job",
			"incident_id", inc.ID,
			"error", err)
	}

	if enrich.Relevant(inc) {
		if err := p.enrichmentQueue.Enqueue(ctx, inc.ID); err != nil {
			logger.WarnContext(ctx, "failed to enqueue enrichment job",
				"incident_id", inc.ID,
				"error", err)
		}
	} else if err := p.store.SetEnrichment(ctx, inc.ID, enrich.NotApplicable()); err != nil {
		logger.WarnContext(ctx, "failed to mark enrichment not applicable",
			"incident_id", inc.ID,
			"error", err)
	}

	p.broadcaster.Publish(inc.Card())
	return true, nil
}

// ProcessRunLogs runs each job log through every signal plugin and feeds
// matches to the correlator. Emitted ecosystem incidents flow through
// EmitIncident. It returns the number of incidents newly inserted.
func (p *Pipeline) ProcessRunLogs(ctx context.Context, runCtx *signal.RunContext, logs []*runlogs.JobLog, source string) int {
	logger := logging.FromContext(ctx)

	emitted := 0
	for _, entry := range logs {
		jobCtx := *runCtx
		jobCtx.JobName = entry.JobName

		for _, plugin := range p.plugins {
			m := plugin.Match(&jobCtx, entry.LogText)
			if m == nil {
				continue
			}
			sourceIDs := map[string]any{
				"run_id":   jobCtx.RunID,
				"job_name": jobCtx.JobName,
			}
			bundle := p.correlator.Ingest(m, jobCtx.RepoFullName, jobCtx.Owner, jobCtx.UpdatedAt, sourceIDs, source)
			p.updateWindowGauge()
			if bundle == nil {
				continue
			}

			inserted, err := p.EmitIncident(ctx, bundle.Incident)
			if err != nil {
				logger.ErrorContext(ctx, "failed to emit ecosystem incident",
					"signature", m.Signature,
					"error", err)
				continue
			}
			if inserted {
				emitted++
			}
		}
	}
	return emitted
}

func (p *Pipeline) updateWindowGauge() {
	if p.metrics == nil {
		return
	}
	for sig, n := range p.correlator.WindowSizes() {
		p.metrics.CorrelatorWindow.WithLabelValues(sig).Set(float64(n))
	}
}
