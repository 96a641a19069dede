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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abcxyz/github-sentinel/pkg/incident"
)

const (
	defaultCardLimit = 50
	maxCardLimit     = 500
)

var incidentColumnsSQL = `
	incident_id, kind, run_id, dedupe_key, repo_full_name, workflow_name,
	run_number, status, conclusion, html_url, created_at, updated_at, title,
	tags_json, evidence_json, summary_json, enrichment_json, why_this_fired,
	risk_trajectory, risk_trajectory_reason, scope, surface, actor_json,
	inserted_at`

// InsertIncident inserts an incident, filling the derived scope, surface,
// and actor fields when the caller left them unset. It returns true when
// the row is new and false when the run id or dedupe key already exists.
func (s *Store) InsertIncident(ctx context.Context, inc *incident.Incident) (bool, error) {
	incident.ApplyDerivedFields(inc)

	tagsJSON, err := marshalOr(inc.Tags, "[]")
	if err != nil {
		return false, fmt.Errorf("failed to marshal tags: %w", err)
	}
	evidenceJSON, err := marshalOr(inc.Evidence, "{}")
	if err != nil {
		return false, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	actorJSON, err := marshalOrNil(inc.Actor)
	if err != nil {
		return false, fmt.Errorf("failed to marshal actor: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO incidents
			(incident_id, kind, run_id, dedupe_key, repo_full_name,
			 workflow_name, run_number, status, conclusion, html_url,
			 created_at, updated_at, title, tags_json, evidence_json,
			 scope, surface, actor_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, string(inc.Kind), inc.RunID, nullIfEmpty(inc.DedupeKey),
		inc.RepoFullName, nullIfEmpty(inc.WorkflowName), nullIfZero(inc.RunNumber),
		nullIfEmpty(inc.Status), nullIfEmpty(inc.Conclusion), nullIfEmpty(inc.HTMLURL),
		nullIfEmpty(inc.CreatedAt), nullIfEmpty(inc.UpdatedAt), inc.Title,
		tagsJSON, evidenceJSON, nullIfEmpty(string(inc.Scope)),
		nullIfEmpty(string(inc.Surface)), actorJSON)
	if err != nil {
		return false, fmt.Errorf("failed to insert incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// GetIncident loads a single incident by id. It returns ErrNotFound when no
// such incident exists.
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumnsSQL+` FROM incidents WHERE incident_id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// SetSummary writes the summary annotation produced by the summary worker.
// Writing a summary twice overwrites the previous one.
func (s *Store) SetSummary(ctx context.Context, id string, summary map[string]any, why, trajectory, trajectoryReason string) error {
	summaryJSON, err := marshalOr(summary, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET summary_json = ?, why_this_fired = ?, risk_trajectory = ?, risk_trajectory_reason = ?
		WHERE incident_id = ?`,
		summaryJSON, why, trajectory, trajectoryReason, id); err != nil {
		return fmt.Errorf("failed to set summary: %w", err)
	}
	return nil
}

// SetEnrichment writes the enrichment annotation produced by the enrichment
// worker.
func (s *Store) SetEnrichment(ctx context.Context, id string, enrichment map[string]any) error {
	enrichmentJSON, err := marshalOr(enrichment, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal enrichment: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET enrichment_json = ? WHERE incident_id = ?`,
		enrichmentJSON, id); err != nil {
		return fmt.Errorf("failed to set enrichment: %w", err)
	}
	return nil
}

// ListCards returns incident cards newest-first. A non-empty since filters
// on inserted_at; limit is clamped to [1, 500] with a default of 50.
func (s *Store) ListCards(ctx context.Context, since string, limit int) ([]*incident.Card, error) {
	if limit <= 0 {
		limit = defaultCardLimit
	}
	if limit > maxCardLimit {
		limit = maxCardLimit
	}

	q := `SELECT ` + incidentColumnsSQL + ` FROM incidents`
	args := []any{}
	if since != "" {
		q += ` WHERE inserted_at >= ?`
		args = append(args, since)
	}
	q += ` ORDER BY inserted_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var cards []*incident.Card
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, inc.Card())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incidents: %w", err)
	}
	return cards, nil
}

// RecentRepoIncidents returns compact context rows for the repo's incidents
// from the last hour, newest-first, for use as summarizer context.
func (s *Store) RecentRepoIncidents(ctx context.Context, repoFullName string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, created_at, kind, conclusion, summary_json, evidence_json
		FROM incidents
		WHERE repo_full_name = ? AND created_at >= datetime('now', '-1 hour')
		ORDER BY created_at DESC LIMIT ?`,
		repoFullName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent incidents: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			id, kind                  string
			createdAt, conclusion     sql.NullString
			summaryJSON, evidenceJSON sql.NullString
		)
		if err := rows.Scan(&id, &createdAt, &kind, &conclusion, &summaryJSON, &evidenceJSON); err != nil {
			return nil, fmt.Errorf("failed to scan recent incident: %w", err)
		}
		var summary, evidence map[string]any
		if summaryJSON.Valid {
			_ = json.Unmarshal([]byte(summaryJSON.String), &summary)
		}
		if evidenceJSON.Valid {
			_ = json.Unmarshal([]byte(evidenceJSON.String), &evidence)
		}
		out = append(out, map[string]any{
			"incident_id": id,
			"created_at":  createdAt.String,
			"kind":        kind,
			"conclusion":  conclusion.String,
			"summary":     summary,
			"evidence":    evidence,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recent incidents: %w", err)
	}
	return out, nil
}

// CountIncidentsByKind returns the number of incidents with the given kind.
func (s *Store) CountIncidentsByKind(ctx context.Context, kind incident.Kind) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incidents WHERE kind = ?`, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*incident.Incident, error) {
	var (
		inc incident.Incident

		dedupeKey, workflowName, status, conclusion sql.NullString
		htmlURL, createdAt, updatedAt               sql.NullString
		runNumber                                   sql.NullInt64
		tagsJSON, evidenceJSON                      string
		summaryJSON, enrichmentJSON                 sql.NullString
		why, trajectory, trajectoryReason           sql.NullString
		scope, surface, actorJSON                   sql.NullString
	)
	if err := row.Scan(&inc.ID, &inc.Kind, &inc.RunID, &dedupeKey, &inc.RepoFullName,
		&workflowName, &runNumber, &status, &conclusion, &htmlURL, &createdAt,
		&updatedAt, &inc.Title, &tagsJSON, &evidenceJSON, &summaryJSON,
		&enrichmentJSON, &why, &trajectory, &trajectoryReason, &scope, &surface,
		&actorJSON, &inc.InsertedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	inc.DedupeKey = dedupeKey.String
	inc.WorkflowName = workflowName.String
	inc.RunNumber = runNumber.Int64
	inc.Status = status.String
	inc.Conclusion = conclusion.String
	inc.HTMLURL = htmlURL.String
	inc.CreatedAt = createdAt.String
	inc.UpdatedAt = updatedAt.String
	inc.WhyThisFired = why.String
	inc.RiskTrajectory = trajectory.String
	inc.RiskTrajectoryReason = trajectoryReason.String
	inc.Scope = incident.Scope(scope.String)
	inc.Surface = incident.Surface(surface.String)

	if err := json.Unmarshal([]byte(tagsJSON), &inc.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(evidenceJSON), &inc.Evidence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &inc.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
	}
	if enrichmentJSON.Valid && enrichmentJSON.String != "" {
		if err := json.Unmarshal([]byte(enrichmentJSON.String), &inc.Enrichment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enrichment: %w", err)
		}
	}
	if actorJSON.Valid && actorJSON.String != "" {
		var actor incident.Actor
		if err := json.Unmarshal([]byte(actorJSON.String), &actor); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actor: %w", err)
		}
		inc.Actor = &actor
	}
	return &inc, nil
}

// marshalOr marshals v, substituting empty for nil values so NOT NULL
// columns always hold valid JSON.
func marshalOr(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if s := string(b); s != "null" {
		return s, nil
	}
	return empty, nil
}

func marshalOrNil(v *incident.Actor) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
