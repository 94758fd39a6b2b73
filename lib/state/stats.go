package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"weft/lib/defs"
)

// StatsFilter scopes an aggregate query. Project is required: statistics are
// never aggregated across projects.
type StatsFilter struct {
	Project defs.ProjectId
	Task    defs.TaskId // optional, "" means all tasks
}

// TaskStats is the per-task aggregate consumed by the history CLI.
type TaskStats struct {
	Project   defs.ProjectId
	Task      defs.TaskId
	Runs      int
	Completed int
	Failed    int
	Skipped   int
	AvgMillis int64
	LastRunAt time.Time
}

// QueryStats aggregates task history grouped by task name.
func (s *Store) QueryStats(ctx context.Context, filter StatsFilter) ([]TaskStats, error) {
	if filter.Project == "" {
		return nil, fmt.Errorf("state: stats filter requires a project")
	}

	query := `
		SELECT tr.name,
		       COUNT(*),
		       SUM(CASE WHEN tr.status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN tr.status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN tr.status = ? THEN 1 ELSE 0 END),
		       COALESCE(AVG(CASE WHEN tr.status = ? AND tr.started_at IS NOT NULL AND tr.ended_at IS NOT NULL
		           THEN (julianday(tr.ended_at) - julianday(tr.started_at)) * 86400000.0 END), 0),
		       MAX(COALESCE(tr.ended_at, tr.started_at))
		FROM task_runs tr
		JOIN runs r ON r.id = tr.run_id
		WHERE r.project = ?`
	args := []interface{}{StatusCompleted, StatusFailed, StatusSkipped, StatusCompleted, filter.Project}
	if filter.Task != "" {
		query += ` AND tr.name = ?`
		args = append(args, string(filter.Task))
	}
	query += ` GROUP BY tr.name ORDER BY tr.name`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: query stats: %w", err)
	}
	defer rows.Close()

	var out []TaskStats
	for rows.Next() {
		var st TaskStats
		var name string
		var avg float64
		var last sql.NullString
		if err := rows.Scan(&name, &st.Runs, &st.Completed, &st.Failed, &st.Skipped, &avg, &last); err != nil {
			return nil, fmt.Errorf("state: scan stats: %w", err)
		}
		st.Project = filter.Project
		st.Task = defs.TaskId(name)
		st.AvgMillis = int64(avg)
		st.LastRunAt = parseTime(last)
		out = append(out, st)
	}
	return out, rows.Err()
}
