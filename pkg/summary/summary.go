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

// Package summary consumes the summary queue and annotates incidents with
// root cause, impact, and next-step bullets. With an Anthropic API key the
// bullets come from the model; otherwise a deterministic template is used.
package summary

import (
	"context"
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/store"
)

const (
	// recentIncidentLimit caps how many same-repo incidents are offered to
	// the model as trend context.
	recentIncidentLimit = 5

	maxWhyLen = 120

	defaultTrajectoryReason = "Insufficient trend data; defaulting to stable."
)

// Store is the subset of the incident store the worker needs.
type Store interface {
	GetIncident(ctx context.Context, id string) (*incident.Incident, error)
	RecentRepoIncidents(ctx context.Context, repoFullName string, limit int) ([]map[string]any, error)
	SetSummary(ctx context.Context, id string, summary map[string]any, why, trajectory, reason string) error
}

// Queue provides incident ids to summarize.
type Queue interface {
	Dequeue(ctx context.Context) (string, error)
}

// Broadcaster publishes updated cards to live subscribers.
type Broadcaster interface {
	Publish(card *incident.Card)
}

// LLM produces a summary payload for an incident. Implementations return
// an error when the model output is unusable; the worker then falls back
// to the template.
type LLM interface {
	Summarize(ctx context.Context, inc *incident.Incident, recent []map[string]any) (map[string]any, error)
}

// Config wires the worker's collaborators.
type Config struct {
	Store       Store
	Queue       Queue
	Broadcaster Broadcaster

	// LLM may be nil, in which case every summary uses the fallback
	// template.
	LLM LLM
}

// Worker consumes the summary queue.
type Worker struct {
	store       Store
	queue       Queue
	broadcaster Broadcaster
	llm         LLM
}

// NewWorker creates a Worker from the given config.
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		store:       cfg.Store,
		queue:       cfg.Queue,
		broadcaster: cfg.Broadcaster,
		llm:         cfg.LLM,
	}
}

// Run consumes the queue until ctx is canceled. Per-incident failures are
// logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() //nolint:wrapcheck // Want passthrough
			}
			logger.WarnContext(ctx, "failed to dequeue summary job", "error", err)
			continue
		}
		if id == "" {
			continue
		}
		if err := w.SummarizeIncident(ctx, id); err != nil {
			logger.ErrorContext(ctx, "failed to summarize incident",
				"incident_id", id,
				"error", err)
		}
	}
}

// SummarizeIncident builds and stores the summary for one incident, then
// publishes the updated card. Unknown ids are skipped silently.
func (w *Worker) SummarizeIncident(ctx context.Context, id string) error {
	logger := logging.FromContext(ctx)

	inc, err := w.store.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to fetch incident: %w", err)
	}

	recent, err := w.store.RecentRepoIncidents(ctx, inc.RepoFullName, recentIncidentLimit)
	if err != nil {
		logger.WarnContext(ctx, "failed to fetch recent repo incidents",
			"incident_id", id,
			"error", err)
		recent = nil
	}

	summary := w.buildSummary(ctx, inc, recent)
	why, _ := summary["why_this_fired"].(string)
	trajectory, _ := summary["risk_trajectory"].(string)
	reason, _ := summary["risk_trajectory_reason"].(string)

	if err := w.store.SetSummary(ctx, id, summary, why, trajectory, reason); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}

	inc.Summary = summary
	inc.WhyThisFired = why
	inc.RiskTrajectory = trajectory
	inc.RiskTrajectoryReason = reason
	w.broadcaster.Publish(inc.Card())
	return nil
}

func (w *Worker) buildSummary(ctx context.Context, inc *incident.Incident, recent []map[string]any) map[string]any {
	if w.llm != nil {
		payload, err := w.llm.Summarize(ctx, inc, recent)
		if err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "model summary failed, using fallback",
				"incident_id", inc.ID,
				"error", err)
		} else if payload != nil {
			return payload
		}
	}
	return fallbackSummary(inc)
}

// fallbackSummary is the deterministic template used when no model is
// configured or the model output is unusable.
func fallbackSummary(inc *incident.Incident) map[string]any {
	repo := inc.RepoFullName
	if repo == "" {
		repo = "unknown repo"
	}
	workflow := inc.WorkflowName
	if workflow == "" {
		workflow = "Workflow"
	}
	conclusion := inc.Conclusion
	if conclusion == "" {
		conclusion = "unknown"
	}
	runLabel := "a recent run"
	if inc.RunNumber != 0 {
		runLabel = fmt.Sprintf("run #%d", inc.RunNumber)
	}

	return map[string]any{
		"root_cause": []string{
			fmt.Sprintf("%s reported %s for %s.", workflow, conclusion, repo),
			fmt.Sprintf("The failing signal comes from %s on GitHub Actions.", runLabel),
			"No additional diagnostics were captured yet.",
		},
		"impact": []string{
			"Recent changes may be blocked from clean CI validation.",
			"Downstream workflows could be delayed until this clears.",
			"Confidence in the latest commit state is reduced.",
		},
		"next_steps": []string{
			"Open the run logs and identify the first failing step.",
			"Check recent commits or configuration changes in the repo.",
			"Re-run the workflow after applying a fix or rollback.",
		},
		"why_this_fired":         "",
		"risk_trajectory":        incident.TrajectoryStable,
		"risk_trajectory_reason": defaultTrajectoryReason,
	}
}

// validateTrajectory coerces the model's trajectory fields to known-good
// values.
func validateTrajectory(payload map[string]any) (trajectory, reason string) {
	trajectory, _ = payload["risk_trajectory"].(string)
	switch trajectory {
	case incident.TrajectoryIncreasing, incident.TrajectoryStable, incident.TrajectoryRecovering:
	default:
		trajectory = incident.TrajectoryStable
	}
	reason, _ = payload["risk_trajectory_reason"].(string)
	if reason == "" {
		reason = defaultTrajectoryReason
	}
	return trajectory, reason
}

// validateWhy drops non-string why_this_fired values and truncates to 120
// characters.
func validateWhy(payload map[string]any) string {
	why, _ := payload["why_this_fired"].(string)
	if r := []rune(why); len(r) > maxWhyLen {
		why = string(r[:maxWhyLen])
	}
	return why
}
