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

package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/version"
)

const (
	// runsSamplePageSize is the page size for the debug runs listing.
	runsSamplePageSize = 5

	// recentReposSnapshot is how many recent repos the debug endpoint
	// returns, matching what the checker drains per cycle.
	recentReposSnapshot = 50
)

var (
	errMethodNotAllowed = fmt.Errorf("method not allowed")
	errInvalidLimit     = fmt.Errorf("limit must be an integer")
	errMissingRepo      = fmt.Errorf("repo query parameter is required, as owner/name")
	errListingCards     = fmt.Errorf("failed to list incidents")
	errListingRuns      = fmt.Errorf("failed to list workflow runs")
	errSeedingFailure   = fmt.Errorf("failed to seed workflow failure")
	errReplaying        = fmt.Errorf("failed to replay fixtures")
	errCheckingRepo     = fmt.Errorf("failed to check repository")
)

// handleHealth is the liveness probe for dashboards; infra probes use
// /healthz.
func (s *Server) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

// handleSummary lists committed incident cards, newest first.
func (s *Server) handleSummary() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				s.h.RenderJSON(w, http.StatusBadRequest, errInvalidLimit)
				return
			}
			limit = n
		}

		cards, err := s.store.ListCards(ctx, r.URL.Query().Get("since"), limit)
		if err != nil {
			logger.ErrorContext(ctx, "failed to list cards",
				"code", http.StatusInternalServerError,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errListingCards)
			return
		}
		if cards == nil {
			cards = []*incident.Card{}
		}

		s.h.RenderJSON(w, http.StatusOK, map[string]any{"cards": cards})
	})
}

// handleSeedFailure inserts a synthetic workflow failure and routes it
// through the pipeline like a real one, so dashboards have something to
// show without waiting for the Forge.
func (s *Server) handleSeedFailure() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}

		now := time.Now().UTC()
		runID := now.UnixNano()
		inc := &incident.Incident{
			ID:           incident.RandomID(),
			Kind:         incident.KindWorkflowFailure,
			RunID:        runID,
			RepoFullName: "dev/sample-repo",
			WorkflowName: "CI",
			RunNumber:    1,
			Status:       "completed",
			Conclusion:   "failure",
			HTMLURL:      fmt.Sprintf("https://github.com/dev/sample-repo/actions/runs/%d", runID),
			CreatedAt:    now.Format(time.RFC3339),
			Title:        "CI failed in dev/sample-repo",
			Tags:         []string{"workflow", "failure", "dev_seed"},
			Evidence: incident.Evidence{
				"repo":        "dev/sample-repo",
				"detected_at": now.Format(time.RFC3339),
				"source":      "dev_seed",
			},
		}

		if _, err := s.emitter.EmitIncident(ctx, inc); err != nil {
			logger.ErrorContext(ctx, "failed to seed failure",
				"code", http.StatusInternalServerError,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errSeedingFailure)
			return
		}

		s.h.RenderJSON(w, http.StatusOK, inc.Card())
	})
}

// handleReplayNow runs the fixture replay once, synchronously.
func (s *Server) handleReplayNow() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}

		emitted, err := s.replayer.Run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "failed to replay fixtures",
				"code", http.StatusInternalServerError,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errReplaying)
			return
		}

		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"emitted": emitted,
		})
	})
}

// handleCheckRepoOnce runs one checker pass against the named repository.
func (s *Server) handleCheckRepoOnce() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}

		repo := r.URL.Query().Get("repo")
		if !strings.Contains(repo, "/") {
			s.h.RenderJSON(w, http.StatusBadRequest, errMissingRepo)
			return
		}

		emitted, err := s.checker.CheckRepo(ctx, repo)
		if err != nil {
			logger.ErrorContext(ctx, "failed to check repo",
				"code", http.StatusInternalServerError,
				"repo", repo,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errCheckingRepo)
			return
		}

		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"repo":    repo,
			"emitted": emitted,
		})
	})
}

// handleRunsSample returns the first page of workflow runs for a repo, for
// triage without digging through the Forge UI.
func (s *Server) handleRunsSample() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		repo := r.URL.Query().Get("repo")
		owner, name, ok := strings.Cut(repo, "/")
		if !ok {
			s.h.RenderJSON(w, http.StatusBadRequest, errMissingRepo)
			return
		}

		runs, err := s.forge.ListWorkflowRuns(ctx, owner, name, runsSamplePageSize)
		if err != nil {
			logger.ErrorContext(ctx, "failed to list workflow runs",
				"code", http.StatusInternalServerError,
				"repo", repo,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errListingRuns)
			return
		}

		sample := make([]map[string]any, 0, len(runs))
		for _, run := range runs {
			sample = append(sample, runSummary(run))
		}

		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"repo": repo,
			"runs": sample,
		})
	})
}

func runSummary(run *github.WorkflowRun) map[string]any {
	return map[string]any{
		"id":         run.GetID(),
		"name":       run.GetName(),
		"run_number": run.GetRunNumber(),
		"status":     run.GetStatus(),
		"conclusion": run.GetConclusion(),
		"html_url":   run.GetHTMLURL(),
		"created_at": run.GetCreatedAt().Format(time.RFC3339),
	}
}

// handleRecentRepos reports what the poller has fed the scheduler.
func (s *Server) handleRecentRepos() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recent := s.recent.Snapshot(recentReposSnapshot)
		if recent == nil {
			recent = []string{}
		}
		highTraffic, queued := s.scheduler.Stats()

		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"recent":       recent,
			"recent_total": s.recent.Len(),
			"scheduler": map[string]int{
				"high_traffic": highTraffic,
				"queued":       queued,
			},
		})
	})
}

// handleVersion is a simple http.HandlerFunc that responds
// with version information for the server.
func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{
			"name":    version.Name,
			"version": version.Version,
			"commit":  version.Commit,
		})
	})
}
