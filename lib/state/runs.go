package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"weft/lib/defs"
)

// run/task statuses as persisted
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
)

type RunRecord struct {
	Id        string
	Project   defs.ProjectId
	Dir       string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
}

type TaskRecord struct {
	RunId        string
	Name         defs.TaskId
	Status       string
	StartedAt    time.Time
	EndedAt      time.Time
	ExitCode     int
	ContentHash  string
	InputsDigest string
	// dir of the run this record belongs to, from the joined runs row.
	// Populated by LastSuccess, not a task_runs column.
	RunDir string
}

// BeginRun inserts the run row and returns its id.
func (s *Store) BeginRun(ctx context.Context, project defs.ProjectId, dir string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, project, dir, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, project, dir, StatusRunning, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("state: begin run: %w", err)
	}
	return id, nil
}

// FinishRun closes the run row. After this the run is never mutated again
// except by the retention sweep.
func (s *Store) FinishRun(ctx context.Context, id string, status string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ? WHERE id = ?
	`, status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("state: finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoRecord
	}
	return nil
}

// RecordTask appends one task row as the task reaches a terminal state.
func (s *Store) RecordTask(ctx context.Context, rec TaskRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, name, status, started_at, ended_at, exit_code, content_hash, inputs_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunId, string(rec.Name), rec.Status,
		nullableTime(rec.StartedAt), nullableTime(rec.EndedAt),
		rec.ExitCode, rec.ContentHash, rec.InputsDigest)
	if err != nil {
		return fmt.Errorf("state: record task: %w", err)
	}
	return nil
}

// LastSuccess returns the most recent record for the task where the prior
// execution is known good: either it completed, or it was skipped against an
// earlier success (skips carry the hash forward). Scoped by project so two
// projects' same-named tasks never conflate.
func (s *Store) LastSuccess(ctx context.Context, project defs.ProjectId, name defs.TaskId) (*TaskRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT tr.run_id, tr.name, tr.status, tr.started_at, tr.ended_at, tr.exit_code, tr.content_hash, tr.inputs_digest, r.dir
		FROM task_runs tr
		JOIN runs r ON r.id = tr.run_id
		WHERE r.project = ? AND tr.name = ? AND tr.status IN (?, ?)
		ORDER BY tr.id DESC
		LIMIT 1
	`, project, string(name), StatusCompleted, StatusSkipped)

	rec, err := scanTaskRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRecord(row rowScanner) (*TaskRecord, error) {
	var rec TaskRecord
	var name string
	var started, ended sql.NullString
	var exitCode sql.NullInt64
	var hash, digest sql.NullString
	err := row.Scan(&rec.RunId, &name, &rec.Status, &started, &ended, &exitCode, &hash, &digest, &rec.RunDir)
	if err != nil {
		return nil, err
	}
	rec.Name = defs.TaskId(name)
	rec.StartedAt = parseTime(started)
	rec.EndedAt = parseTime(ended)
	rec.ExitCode = int(exitCode.Int64)
	rec.ContentHash = hash.String
	rec.InputsDigest = digest.String
	return &rec, nil
}
