package state

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"weft/lib/defs"
)

// Cleanup is the one operation allowed to delete history: it removes run and
// task rows older than the threshold and the corresponding run directories.
func (s *Store) Cleanup(ctx context.Context, ctxLogger *log.Entry, project defs.ProjectId, olderThan time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, dir FROM runs
		WHERE project = ? AND started_at < ?
	`, project, cutoff)
	if err != nil {
		return 0, fmt.Errorf("state: cleanup query: %w", err)
	}
	type doomed struct{ id, dir string }
	var victims []doomed
	for rows.Next() {
		var d doomed
		if err := rows.Scan(&d.id, &d.dir); err != nil {
			rows.Close()
			return 0, fmt.Errorf("state: cleanup scan: %w", err)
		}
		victims = append(victims, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, v := range victims {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return removed, fmt.Errorf("state: cleanup tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE run_id = ?`, v.id); err != nil {
			tx.Rollback()
			return removed, fmt.Errorf("state: cleanup task rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, v.id); err != nil {
			tx.Rollback()
			return removed, fmt.Errorf("state: cleanup run row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return removed, fmt.Errorf("state: cleanup commit: %w", err)
		}

		if err := os.RemoveAll(v.dir); err != nil {
			ctxLogger.Warnf("cleanup: run rows removed but dir %q remains: %v", v.dir, err)
		}
		ctxLogger.Debug("cleaned up run ", v.id, " @ ", v.dir)
		removed++
	}
	return removed, nil
}
