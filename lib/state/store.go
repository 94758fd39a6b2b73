// Package state durably records run and task metadata: status, timing, exit
// codes. It never holds artifact content, so a corrupted store can never
// destroy logs or outputs.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNoRecord = errors.New("state: no record")

// Store wraps the per-project SQLite database.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the state database and applies the schema.
// SQLite allows only one writer; a single pooled connection keeps WAL and
// busy_timeout consistently applied and serializes writes in-process.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: enable WAL: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			project    TEXT NOT NULL,
			dir        TEXT NOT NULL,
			status     TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name          TEXT NOT NULL,
			status        TEXT NOT NULL,
			started_at    TEXT,
			ended_at      TEXT,
			exit_code     INTEGER,
			content_hash  TEXT,
			inputs_digest TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_run ON task_runs(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_name ON task_runs(name);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("state: migrate: %w", err)
		}
	}
	return nil
}

// Fixed-width, so lexical comparison inside SQL (MAX, cutoff filters) matches
// chronological order. RFC3339Nano trims trailing fractional zeros and breaks
// that property.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
