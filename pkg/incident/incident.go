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

// Package incident defines the incident record persisted by the store, the
// derived classification fields, and the card shape streamed to subscribers.
package incident

// Kind enumerates the incident kinds the detectors emit.
type Kind string

const (
	KindWorkflowFailure   Kind = "workflow_failure"
	KindGhostActionRisk   Kind = "ghostaction_risk"
	KindPersonalizedExfil Kind = "personalized_secret_exfiltration"
	KindEcosystemIncident Kind = "ecosystem_incident"
)

// Scope describes the blast radius of an incident.
type Scope string

const (
	ScopeRepo      Scope = "repo"
	ScopeEcosystem Scope = "ecosystem"
)

// Surface describes the attack or failure surface an incident concerns.
type Surface string

const (
	SurfaceCredentials  Surface = "credentials"
	SurfaceDependencies Surface = "dependencies"
	SurfaceOps          Surface = "ops"
	SurfaceAutomation   Surface = "automation"
)

// ActorType classifies the account behind an incident.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorBot     ActorType = "bot"
	ActorOrg     ActorType = "org"
	ActorUnknown ActorType = "unknown"
)

// Trajectory values accepted for risk_trajectory.
const (
	TrajectoryIncreasing = "increasing"
	TrajectoryStable     = "stable"
	TrajectoryRecovering = "recovering"
)

// Actor is the derived account classification stored alongside an incident.
type Actor struct {
	Login string    `json:"login"`
	Type  ActorType `json:"type"`
	IsBot bool      `json:"is_bot"`
}

// Evidence is the free-form JSON bag detectors attach to an incident. Values
// must be JSON-marshalable.
type Evidence map[string]any

// String returns the string value stored under key, or "" when absent or not
// a string.
func (e Evidence) String(key string) string {
	if e == nil {
		return ""
	}
	s, _ := e[key].(string)
	return s
}

// Incident is a detected security or reliability finding. An incident is
// immutable after insertion except for the worker-written summary and
// enrichment annotations.
type Incident struct {
	ID           string   `json:"incident_id"`
	Kind         Kind     `json:"kind"`
	RunID        int64    `json:"run_id"`
	DedupeKey    string   `json:"dedupe_key,omitempty"`
	RepoFullName string   `json:"repo_full_name"`
	WorkflowName string   `json:"workflow_name,omitempty"`
	RunNumber    int64    `json:"run_number,omitempty"`
	Status       string   `json:"status,omitempty"`
	Conclusion   string   `json:"conclusion,omitempty"`
	HTMLURL      string   `json:"html_url,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags"`
	Evidence     Evidence `json:"evidence"`

	// Derived before insertion, never mutated afterwards.
	Scope   Scope   `json:"scope,omitempty"`
	Surface Surface `json:"surface,omitempty"`
	Actor   *Actor  `json:"actor,omitempty"`

	// Written asynchronously by the summary and enrichment workers.
	Summary              map[string]any `json:"summary,omitempty"`
	Enrichment           map[string]any `json:"enrichment,omitempty"`
	WhyThisFired         string         `json:"why_this_fired,omitempty"`
	RiskTrajectory       string         `json:"risk_trajectory,omitempty"`
	RiskTrajectoryReason string         `json:"risk_trajectory_reason,omitempty"`

	InsertedAt string `json:"inserted_at,omitempty"`
}

// Card is the JSON payload streamed to live subscribers. Event selects the
// stream event name; an empty Event means "incident".
type Card struct {
	Event                string         `json:"_event,omitempty"`
	IncidentID           string         `json:"incident_id"`
	Kind                 Kind           `json:"kind,omitempty"`
	RepoFullName         string         `json:"repo_full_name,omitempty"`
	Title                string         `json:"title,omitempty"`
	WorkflowName         string         `json:"workflow_name,omitempty"`
	RunID                int64          `json:"run_id,omitempty"`
	RunNumber            int64          `json:"run_number,omitempty"`
	Conclusion           string         `json:"conclusion,omitempty"`
	Status               string         `json:"status,omitempty"`
	HTMLURL              string         `json:"html_url,omitempty"`
	CreatedAt            string         `json:"created_at,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	Evidence             Evidence       `json:"evidence,omitempty"`
	Scope                Scope          `json:"scope,omitempty"`
	Surface              Surface        `json:"surface,omitempty"`
	Actor                *Actor         `json:"actor,omitempty"`
	Summary              map[string]any `json:"summary,omitempty"`
	Enrichment           map[string]any `json:"enrichment,omitempty"`
	WhyThisFired         string         `json:"why_this_fired,omitempty"`
	RiskTrajectory       string         `json:"risk_trajectory,omitempty"`
	RiskTrajectoryReason string         `json:"risk_trajectory_reason,omitempty"`
}

// EventName returns the stream event name for the card.
func (c *Card) EventName() string {
	if c.Event != "" {
		return c.Event
	}
	return "incident"
}

// Card builds the live-stream payload for an incident. Worker annotations
// are copied when present and omitted from the JSON otherwise.
func (i *Incident) Card() *Card {
	return &Card{
		IncidentID:           i.ID,
		Kind:                 i.Kind,
		RepoFullName:         i.RepoFullName,
		Title:                i.Title,
		WorkflowName:         i.WorkflowName,
		RunID:                i.RunID,
		RunNumber:            i.RunNumber,
		Conclusion:           i.Conclusion,
		Status:               i.Status,
		HTMLURL:              i.HTMLURL,
		CreatedAt:            i.CreatedAt,
		Tags:                 i.Tags,
		Evidence:             i.Evidence,
		Scope:                i.Scope,
		Surface:              i.Surface,
		Actor:                i.Actor,
		Summary:              i.Summary,
		Enrichment:           i.Enrichment,
		WhyThisFired:         i.WhyThisFired,
		RiskTrajectory:       i.RiskTrajectory,
		RiskTrajectoryReason: i.RiskTrajectoryReason,
	}
}

// EnrichedCard builds the follow-up payload the enrichment worker publishes.
func EnrichedCard(incidentID string, enrichment map[string]any) *Card {
	return &Card{
		Event:      "incident_enriched",
		IncidentID: incidentID,
		Enrichment: enrichment,
	}
}
