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

// Package engine assembles the sentinel: store, Forge client, detectors,
// pipeline, loops, and workers, built from one Config and supervised by a
// single Run call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/github-sentinel/pkg/broadcast"
	"github.com/abcxyz/github-sentinel/pkg/checker"
	"github.com/abcxyz/github-sentinel/pkg/correlator"
	"github.com/abcxyz/github-sentinel/pkg/enrich"
	"github.com/abcxyz/github-sentinel/pkg/forge"
	"github.com/abcxyz/github-sentinel/pkg/metrics"
	"github.com/abcxyz/github-sentinel/pkg/pipeline"
	"github.com/abcxyz/github-sentinel/pkg/poller"
	"github.com/abcxyz/github-sentinel/pkg/queue"
	"github.com/abcxyz/github-sentinel/pkg/replay"
	"github.com/abcxyz/github-sentinel/pkg/runlogs"
	"github.com/abcxyz/github-sentinel/pkg/scheduler"
	"github.com/abcxyz/github-sentinel/pkg/store"
	"github.com/abcxyz/github-sentinel/pkg/summary"
	"github.com/abcxyz/github-sentinel/pkg/workflowrisk"
)

const (
	// enrichmentQueueSize caps the in-process enrichment queue at half the
	// summary queue; enrichment jobs are heavier and strictly optional.
	summaryQueueSize    = 1000
	enrichmentQueueSize = 500

	// replayRepeatInterval is the cadence of the always-on replay driver.
	replayRepeatInterval = 10 * time.Minute
)

// Engine owns every long-lived component of the sentinel.
type Engine struct {
	cfg *Config

	store       *store.Store
	forge       *forge.Client
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	broadcaster *broadcast.Broadcaster
	recent      *scheduler.RecentBuffer
	scheduler   *scheduler.Scheduler
	pipeline    *pipeline.Pipeline
	poller      *poller.Poller
	checker     *checker.Checker
	summarizer  *summary.Worker
	enricher    *enrich.Worker
	replay      *replay.Harness

	closers []func() error
}

// New opens the store and builds every component. The caller owns the
// returned Engine and must Close it.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	e := &Engine{
		cfg:      cfg,
		store:    st,
		registry: registry,
		metrics:  m,
		closers:  []func() error{st.Close},
	}

	e.forge = forge.NewClient(cfg.GitHubToken, forge.WithMetrics(m))
	e.broadcaster = broadcast.New(m.BroadcastDrops.Inc)

	summaryQueue, enrichmentQueue, err := e.buildQueues()
	if err != nil {
		e.Close()
		return nil, err
	}

	corr := correlator.New(&correlator.Config{
		Window:    cfg.CorrelationWindow(),
		MinRepos:  cfg.MinRepos,
		MinOwners: cfg.MinOwners,
		Cooldown:  cfg.CorrelationCooldown(),
	})

	e.pipeline = pipeline.New(&pipeline.Config{
		Store:           st,
		Broadcaster:     e.broadcaster,
		SummaryQueue:    summaryQueue,
		EnrichmentQueue: enrichmentQueue,
		Correlator:      corr,
		Metrics:         m,
	})

	e.recent = scheduler.NewRecentBuffer()
	e.scheduler = scheduler.New(cfg.HighTrafficRepos, cfg.MinRepoInterval())

	detector := workflowrisk.NewDetector(e.forge, cfg.GhostActionScoreThreshold)

	e.poller = poller.New(&poller.Config{
		Forge:       e.forge,
		Store:       st,
		Detector:    detector,
		Emitter:     e.pipeline,
		Recent:      e.recent,
		Metrics:     m,
		Interval:    cfg.PollInterval(),
		FetchBudget: cfg.MaxWorkflowFetchesPerCycle,
	})

	logs := runlogs.NewFetcher(e.forge, cfg.LogFetchPerMinute, 0)

	e.checker = checker.New(&checker.Config{
		Forge:                e.forge,
		Logs:                 logs,
		Pipeline:             e.pipeline,
		Scheduler:            e.scheduler,
		Recent:               e.recent,
		Metrics:              m,
		Interval:             cfg.CheckInterval(),
		MaxReposPerCycle:     cfg.MaxReposPerCycle,
		RunsPerRepo:          cfg.RunsPerRepo,
		SingleFailurePerRepo: cfg.SingleFailurePerRepo,
	})

	summaryCfg, err := summary.NewEnvConfig(ctx)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load summary worker config: %w", err)
	}
	e.summarizer = summary.NewWorker(&summary.Config{
		Store:       st,
		Queue:       summaryQueue,
		Broadcaster: e.broadcaster,
		LLM:         summaryCfg.NewLLM(),
	})

	e.enricher = enrich.NewWorker(st, enrichmentQueue, e.forge, enrich.NewOSVClient(), e.broadcaster)

	e.replay = replay.New(e.pipeline)

	return e, nil
}

// buildQueues picks the queue backend: Redis lists when REDIS_URL is set,
// bounded in-process queues otherwise.
func (e *Engine) buildQueues() (summaryQueue, enrichmentQueue queue.Queue, _ error) {
	if e.cfg.RedisURL == "" {
		sq := queue.NewMemory(summaryQueueSize, func() {
			e.metrics.QueueDrops.WithLabelValues(queue.SummaryQueueName).Inc()
		})
		eq := queue.NewMemory(enrichmentQueueSize, func() {
			e.metrics.QueueDrops.WithLabelValues(queue.EnrichmentQueueName).Inc()
		})
		return sq, eq, nil
	}

	sq, err := queue.NewRedis(e.cfg.RedisURL, queue.SummaryQueueName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create summary queue: %w", err)
	}
	e.closers = append(e.closers, sq.Close)

	eq, err := queue.NewRedis(e.cfg.RedisURL, queue.EnrichmentQueueName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create enrichment queue: %w", err)
	}
	e.closers = append(e.closers, eq.Close)

	return sq, eq, nil
}

// Run starts every background task and blocks until the context is
// canceled or one of them fails. Cancellation is a clean exit.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(task(ctx, "event poller", e.poller.Run))
	g.Go(task(ctx, "run checker", e.checker.Run))
	g.Go(task(ctx, "summary worker", e.summarizer.Run))
	g.Go(task(ctx, "enrichment worker", e.enricher.Run))
	if e.cfg.ReplayFixtures || e.cfg.ReplayAlways {
		g.Go(task(ctx, "replay driver", e.runReplay))
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine task failed: %w", err)
	}
	return nil
}

// task adapts a blocking loop for the errgroup, treating context
// cancellation as a clean stop.
func task(ctx context.Context, name string, run func(context.Context) error) func() error {
	return func() error {
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

// runReplay feeds the fixtures through the pipeline once at startup and,
// when configured, again on every tick.
func (e *Engine) runReplay(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	e.replayOnce(ctx, logger)
	if !e.cfg.ReplayAlways {
		return nil
	}

	ticker := time.NewTicker(replayRepeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // Want passthrough
		case <-ticker.C:
			e.replayOnce(ctx, logger)
		}
	}
}

func (e *Engine) replayOnce(ctx context.Context, logger *slog.Logger) {
	emitted, err := e.replay.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.ErrorContext(ctx, "replay failed", "error", err)
		}
		return
	}
	logger.InfoContext(ctx, "replayed fixtures", "ecosystem_incidents", emitted)
}

// Close releases the store and any queue connections. Safe to call after a
// partial New.
func (e *Engine) Close() error {
	var merr error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			merr = errors.Join(merr, err)
		}
	}
	return merr
}

// Accessors for the HTTP surface.

// Store returns the incident store.
func (e *Engine) Store() *store.Store { return e.store }

// Forge returns the shared Forge client.
func (e *Engine) Forge() *forge.Client { return e.forge }

// Pipeline returns the signal pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Broadcaster returns the live-stream fan-out.
func (e *Engine) Broadcaster() *broadcast.Broadcaster { return e.broadcaster }

// Checker returns the run checker.
func (e *Engine) Checker() *checker.Checker { return e.checker }

// Replay returns the fixture harness.
func (e *Engine) Replay() *replay.Harness { return e.replay }

// Recent returns the recent-repos buffer.
func (e *Engine) Recent() *scheduler.RecentBuffer { return e.recent }

// Scheduler returns the repo check scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Metrics returns the collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Registry returns the Prometheus registry backing Metrics.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }
