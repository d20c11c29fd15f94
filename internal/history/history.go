// Copyright 2025 The Kite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history records ride runs in a per-workspace SQLite database
// so past results survive across invocations.
//
// Database location: <workspace>/.kite/history.db
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gianluz/kite/pkg/ride"
)

// DefaultPath is the history database path relative to the workspace.
const DefaultPath = ".kite/history.db"

// Store is the run-history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if necessary) the history database
// for a workspace.
func Open(workspace string) (*Store, error) {
	path := filepath.Join(workspace, filepath.FromSlash(DefaultPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	// WAL mode tolerates a reader (kite history) while a run records.
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to history database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			ride TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_segments (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			segment TEXT NOT NULL,
			status TEXT NOT NULL,
			skip_reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, segment)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a completed ride result.
func (s *Store) Record(ctx context.Context, result *ride.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	status := "success"
	if result.Failed() {
		status = "failure"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, ride, status, started_at, ended_at) VALUES (?, ?, ?, ?, ?)`,
		result.RunID, result.Ride, status,
		result.StartedAt.UTC().Format(time.RFC3339Nano),
		result.EndedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, name := range result.Order {
		sr := result.Segments[name]
		errText := ""
		if sr.Err != nil {
			errText = sr.Err.Error()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_segments (run_id, segment, status, skip_reason, attempts, duration_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, sr.Segment, string(sr.Status), string(sr.SkipReason),
			sr.Attempts, sr.Duration().Milliseconds(), errText,
		); err != nil {
			return fmt.Errorf("insert segment result: %w", err)
		}
	}

	return tx.Commit()
}

// Run is one recorded ride run.
type Run struct {
	ID        string
	Ride      string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the recorded wall time of the run.
func (r Run) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ride, status, started_at, ended_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, ended string
		if err := rows.Scan(&r.ID, &r.Ride, &r.Status, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse run timestamp: %w", err)
		}
		if r.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, fmt.Errorf("parse run timestamp: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SegmentRow is one recorded segment result.
type SegmentRow struct {
	Segment    string
	Status     string
	SkipReason string
	Attempts   int
	DurationMS int64
	Error      string
}

// Segments returns the recorded segment results of one run, in the
// order they completed.
func (s *Store) Segments(ctx context.Context, runID string) ([]SegmentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment, status, skip_reason, attempts, duration_ms, error
		 FROM run_segments WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var row SegmentRow
		if err := rows.Scan(&row.Segment, &row.Status, &row.SkipReason,
			&row.Attempts, &row.DurationMS, &row.Error); err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
