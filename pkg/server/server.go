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

// Package server is the HTTP surface of the sentinel: the incident summary
// API, the live event stream, and the dev and debug endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/google/go-github/v56/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/metrics"
	"github.com/abcxyz/github-sentinel/pkg/scheduler"
)

// IncidentStore reads committed incident cards.
type IncidentStore interface {
	ListCards(ctx context.Context, since string, limit int) ([]*incident.Card, error)
}

// Emitter routes a synthetic incident through the full pipeline.
type Emitter interface {
	EmitIncident(ctx context.Context, inc *incident.Incident) (bool, error)
}

// RunChecker runs one check pass against a single repository.
type RunChecker interface {
	CheckRepo(ctx context.Context, repoFullName string) (int, error)
}

// Replayer feeds the built-in fixtures through the pipeline once.
type Replayer interface {
	Run(ctx context.Context) (int, error)
}

// RunLister lists workflow runs for the debug sample endpoint.
type RunLister interface {
	ListWorkflowRuns(ctx context.Context, owner, repo string, perPage int) ([]*github.WorkflowRun, error)
}

// Subscriber attaches live-stream subscribers.
type Subscriber interface {
	Subscribe() (<-chan *incident.Card, func())
}

// Config wires the server's collaborators.
type Config struct {
	Store    IncidentStore
	Emitter  Emitter
	Checker  RunChecker
	Replayer Replayer
	Forge    RunLister
	Stream   Subscriber

	// Recent and Scheduler back the recent-repos debug endpoint.
	Recent    *scheduler.RecentBuffer
	Scheduler *scheduler.Scheduler

	// Registry serves /metrics. Metrics may be nil, in which case the
	// subscriber gauge is not maintained.
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// DevMode exposes the /api/dev endpoints.
	DevMode bool
}

// Server provides the server implementation.
type Server struct {
	h        *renderer.Renderer
	store    IncidentStore
	emitter  Emitter
	checker  RunChecker
	replayer Replayer
	forge    RunLister
	stream   Subscriber

	recent    *scheduler.RecentBuffer
	scheduler *scheduler.Scheduler

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	devMode  bool
}

// NewServer creates a new HTTP server implementation that serves the
// incident API.
func NewServer(ctx context.Context, h *renderer.Renderer, cfg *Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("incident store is required")
	}

	return &Server{
		h:         h,
		store:     cfg.Store,
		emitter:   cfg.Emitter,
		checker:   cfg.Checker,
		replayer:  cfg.Replayer,
		forge:     cfg.Forge,
		stream:    cfg.Stream,
		recent:    cfg.Recent,
		scheduler: cfg.Scheduler,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		devMode:   cfg.DevMode,
	}, nil
}

// Routes creates a ServeMux of all of the routes that
// this Router supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/api/health", s.handleHealth())
	mux.Handle("/api/summary", s.handleSummary())
	mux.Handle("/api/stream", s.handleStream())
	mux.Handle("/api/dev/seed_failure", s.requireDevMode(s.handleSeedFailure()))
	mux.Handle("/api/debug/replay_now", s.handleReplayNow())
	mux.Handle("/api/debug/check_repo_once", s.handleCheckRepoOnce())
	mux.Handle("/api/debug/runs_sample", s.handleRunsSample())
	mux.Handle("/api/debug/recent_repos", s.handleRecentRepos())
	mux.Handle("/api/version", s.handleVersion())
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Middleware
	root := logging.HTTPInterceptor(logger, "")(mux)

	return root
}

// requireDevMode hides a handler unless dev mode is on. Production
// deployments respond 404 so the endpoint is indistinguishable from an
// unknown path.
func (s *Server) requireDevMode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.devMode {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
