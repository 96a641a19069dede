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

// Package checker polls scheduled repositories for failing workflow runs,
// emits workflow_failure incidents, and routes the failing runs' logs
// through the signal pipeline.
package checker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/metrics"
	"github.com/abcxyz/github-sentinel/pkg/runlogs"
	"github.com/abcxyz/github-sentinel/pkg/scheduler"
	"github.com/abcxyz/github-sentinel/pkg/signal"
)

const (
	defaultInterval    = 10 * time.Second
	defaultMaxRepos    = 8
	defaultRunsPerRepo = 25

	// recentSnapshotSize is how many of the newest recent repos feed the
	// scheduler each cycle.
	recentSnapshotSize = 50
)

var failConclusions = map[string]struct{}{
	"failure":   {},
	"timed_out": {},
}

// Forge is the subset of the Forge client the checker needs.
type Forge interface {
	ListWorkflowRuns(ctx context.Context, owner, repo string, perPage int) ([]*github.WorkflowRun, error)
}

// LogFetcher retrieves job logs for a run, or nil when rate-limited.
type LogFetcher interface {
	FetchRunLogs(ctx context.Context, owner, repo string, runID int64) ([]*runlogs.JobLog, error)
}

// Pipeline routes incidents and run logs downstream.
type Pipeline interface {
	EmitIncident(ctx context.Context, inc *incident.Incident) (bool, error)
	ProcessRunLogs(ctx context.Context, runCtx *signal.RunContext, logs []*runlogs.JobLog, source string) int
}

// Config wires the checker's collaborators and tunes the loop.
type Config struct {
	Forge     Forge
	Logs      LogFetcher
	Pipeline  Pipeline
	Scheduler *scheduler.Scheduler

	// Recent is the buffer the poller feeds; its newest entries seed the
	// scheduler each cycle.
	Recent *scheduler.RecentBuffer

	// Metrics may be nil, in which case no counters are recorded.
	Metrics *metrics.Metrics

	// Interval between check cycles. Defaults to 10s.
	Interval time.Duration

	// MaxReposPerCycle bounds each batch. Defaults to 8.
	MaxReposPerCycle int

	// RunsPerRepo is the page size for the run listing. Defaults to 25.
	RunsPerRepo int

	// SingleFailurePerRepo stops after the first failing run found in a
	// repo during a cycle.
	SingleFailurePerRepo bool
}

// Checker polls repositories for failing workflow runs.
type Checker struct {
	forge     Forge
	logs      LogFetcher
	pipeline  Pipeline
	scheduler *scheduler.Scheduler
	recent    *scheduler.RecentBuffer
	metrics   *metrics.Metrics

	interval      time.Duration
	maxRepos      int
	runsPerRepo   int
	singleFailure bool
	now           func() time.Time
}

// Option customizes a Checker.
type Option func(*Checker)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Checker) {
		c.now = fn
	}
}

// New creates a Checker from the given config.
func New(cfg *Config, opts ...Option) *Checker {
	c := &Checker{
		forge:         cfg.Forge,
		logs:          cfg.Logs,
		pipeline:      cfg.Pipeline,
		scheduler:     cfg.Scheduler,
		recent:        cfg.Recent,
		metrics:       cfg.Metrics,
		interval:      cfg.Interval,
		maxRepos:      cfg.MaxReposPerCycle,
		runsPerRepo:   cfg.RunsPerRepo,
		singleFailure: cfg.SingleFailurePerRepo,
		now:           time.Now,
	}
	if c.interval <= 0 {
		c.interval = defaultInterval
	}
	if c.maxRepos <= 0 {
		c.maxRepos = defaultMaxRepos
	}
	if c.runsPerRepo <= 0 {
		c.runsPerRepo = defaultRunsPerRepo
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks until ctx is canceled.
func (c *Checker) Run(ctx context.Context) error {
	for {
		c.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // Want passthrough
		case <-time.After(c.interval):
		}
	}
}

// CheckOnce seeds the scheduler from the recent buffer, picks one batch,
// and checks every repo in it. Per-repo failures are logged and skipped.
// It returns the number of incidents newly emitted.
func (c *Checker) CheckOnce(ctx context.Context) int {
	logger := logging.FromContext(ctx)

	for _, repo := range c.recent.Snapshot(recentSnapshotSize) {
		c.scheduler.AddRecent(repo)
	}
	repos := c.scheduler.NextBatch(c.maxRepos)

	emitted := 0
	for _, repoFullName := range repos {
		n, err := c.CheckRepo(ctx, repoFullName)
		if err != nil {
			logger.WarnContext(ctx, "repo check failed",
				"repo", repoFullName,
				"error", err)
			continue
		}
		emitted += n
	}

	if emitted > 0 {
		logger.InfoContext(ctx, "check cycle complete",
			"emitted", emitted,
			"repos_checked", len(repos))
	}
	return emitted
}

// CheckRepo lists the repo's newest workflow runs and emits an incident
// for each failing one. With SingleFailurePerRepo only the first failing
// run is handled. Newly inserted failures additionally have their logs
// fetched and routed through the signal pipeline.
func (c *Checker) CheckRepo(ctx context.Context, repoFullName string) (int, error) {
	owner, name, ok := strings.Cut(repoFullName, "/")
	if !ok {
		return 0, fmt.Errorf("malformed repo name %q", repoFullName)
	}
	if c.metrics != nil {
		c.metrics.RepoChecks.Inc()
	}

	runs, err := c.forge.ListWorkflowRuns(ctx, owner, name, c.runsPerRepo)
	if err != nil {
		return 0, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	emitted := 0
	for _, run := range runs {
		if _, failing := failConclusions[run.GetConclusion()]; !failing {
			continue
		}

		inserted, err := c.pipeline.EmitIncident(ctx, c.runToIncident(run, repoFullName))
		if err != nil {
			return emitted, fmt.Errorf("failed to emit workflow failure: %w", err)
		}
		if inserted {
			emitted++
			c.routeRunLogs(ctx, repoFullName, owner, name, run)
		}

		if c.singleFailure {
			break
		}
	}
	return emitted, nil
}

func (c *Checker) runToIncident(run *github.WorkflowRun, repoFullName string) *incident.Incident {
	workflowName := run.GetName()
	conclusion := run.GetConclusion()
	status := run.GetStatus()

	titleName := workflowName
	if titleName == "" {
		titleName = "Workflow"
	}

	return &incident.Incident{
		ID:           incident.RandomID(),
		Kind:         incident.KindWorkflowFailure,
		RunID:        run.GetID(),
		RepoFullName: repoFullName,
		WorkflowName: workflowName,
		RunNumber:    int64(run.GetRunNumber()),
		Status:       status,
		Conclusion:   conclusion,
		HTMLURL:      run.GetHTMLURL(),
		CreatedAt:    timestampString(run.GetCreatedAt()),
		UpdatedAt:    timestampString(run.GetUpdatedAt()),
		Title:        fmt.Sprintf("%s failed in %s", titleName, repoFullName),
		Tags: []string{
			"workflow",
			"failure",
			fmt.Sprintf("conclusion:%s", conclusion),
			fmt.Sprintf("status:%s", status),
		},
		Evidence: incident.Evidence{
			"repo":        repoFullName,
			"run":         run,
			"detected_at": c.now().UTC().Format(time.RFC3339),
			"source":      "actions_runs",
		},
	}
}

// routeRunLogs feeds a failing run's logs to the signal plugins. A nil log
// list means the per-minute fetch budget is spent; the run is simply
// skipped this cycle.
func (c *Checker) routeRunLogs(ctx context.Context, repoFullName, owner, name string, run *github.WorkflowRun) {
	logger := logging.FromContext(ctx)

	logs, err := c.logs.FetchRunLogs(ctx, owner, name, run.GetID())
	if err != nil {
		if c.metrics != nil {
			c.metrics.LogFetches.WithLabelValues("error").Inc()
		}
		logger.WarnContext(ctx, "failed to fetch run logs",
			"repo", repoFullName,
			"run_id", run.GetID(),
			"error", err)
		return
	}
	if logs == nil {
		if c.metrics != nil {
			c.metrics.LogFetches.WithLabelValues("rate_limited").Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.LogFetches.WithLabelValues("ok").Inc()
	}

	runCtx := &signal.RunContext{
		RepoFullName: repoFullName,
		Owner:        owner,
		RunID:        run.GetID(),
		HTMLURL:      run.GetHTMLURL(),
		WorkflowName: run.GetName(),
		Conclusion:   run.GetConclusion(),
		UpdatedAt:    timestampString(run.GetUpdatedAt()),
	}
	c.pipeline.ProcessRunLogs(ctx, runCtx, logs, "actions_runs")
}

func timestampString(ts github.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
