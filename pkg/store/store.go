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

// Package store persists events and incidents in an embedded SQLite database.
// Inserts are idempotent: unique-constraint conflicts are reported as a false
// return value, never as an error.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
  event_id       TEXT PRIMARY KEY,
  event_type     TEXT NOT NULL,
  repo_full_name TEXT,
  actor_login    TEXT,
  created_at     TEXT NOT NULL,
  raw_json       TEXT NOT NULL,
  inserted_at    TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_repo ON events(repo_full_name);

CREATE TABLE IF NOT EXISTS incidents (
  incident_id    TEXT PRIMARY KEY,
  kind           TEXT NOT NULL,
  run_id         INTEGER NOT NULL UNIQUE,
  dedupe_key     TEXT UNIQUE,
  repo_full_name TEXT NOT NULL,
  workflow_name  TEXT,
  run_number     INTEGER,
  status         TEXT,
  conclusion     TEXT,
  html_url       TEXT,
  created_at     TEXT,
  updated_at     TEXT,
  title          TEXT NOT NULL,
  tags_json      TEXT NOT NULL,
  evidence_json  TEXT NOT NULL,
  summary_json   TEXT,
  enrichment_json TEXT,
  why_this_fired TEXT,
  risk_trajectory TEXT,
  risk_trajectory_reason TEXT,
  scope          TEXT,
  surface        TEXT,
  actor_json     TEXT,
  inserted_at    TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_incidents_repo ON incidents(repo_full_name);
CREATE INDEX IF NOT EXISTS idx_incidents_inserted ON incidents(inserted_at);
`

// migratedColumns are added to existing databases that predate them. The
// schema only ever grows; columns are never dropped or retyped.
var migratedColumns = []struct {
	name, ddl string
}{
	{"summary_json", "ALTER TABLE incidents ADD COLUMN summary_json TEXT"},
	{"dedupe_key", "ALTER TABLE incidents ADD COLUMN dedupe_key TEXT"},
	{"enrichment_json", "ALTER TABLE incidents ADD COLUMN enrichment_json TEXT"},
	{"why_this_fired", "ALTER TABLE incidents ADD COLUMN why_this_fired TEXT"},
	{"risk_trajectory", "ALTER TABLE incidents ADD COLUMN risk_trajectory TEXT"},
	{"risk_trajectory_reason", "ALTER TABLE incidents ADD COLUMN risk_trajectory_reason TEXT"},
	{"scope", "ALTER TABLE incidents ADD COLUMN scope TEXT"},
	{"surface", "ALTER TABLE incidents ADD COLUMN surface TEXT"},
	{"actor_json", "ALTER TABLE incidents ADD COLUMN actor_json TEXT"},
}

// Store wraps the SQLite database. It is safe for concurrent use; SQLite's
// write-ahead log serializes writers while readers proceed.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, applies the schema,
// and runs the additive column migration.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	existing, err := s.incidentColumns(ctx)
	if err != nil {
		return err
	}
	for _, col := range migratedColumns {
		if existing[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *Store) incidentColumns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(incidents)")
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table info: %w", err)
	}
	return cols, nil
}
