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
	"fmt"
)

// Event is a normalized Forge event row. RawJSON carries the original
// payload verbatim; the other columns exist for filtering.
type Event struct {
	EventID      string
	EventType    string
	RepoFullName string
	ActorLogin   string
	CreatedAt    string
	RawJSON      string
}

// InsertEvent inserts a normalized event. It returns true when the row is
// new and false when the event id was already present.
func (s *Store) InsertEvent(ctx context.Context, ev *Event) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(event_id, event_type, repo_full_name, actor_login, created_at, raw_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, nullIfEmpty(ev.RepoFullName),
		nullIfEmpty(ev.ActorLogin), ev.CreatedAt, ev.RawJSON)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
