package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/bsk-engine/audit"
)

// =============================================================================
// AUDIT RUNS (audit.RunStore interface)
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, r audit.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_runs (id, kind, status, checked, findings, repaired, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			checked = excluded.checked,
			findings = excluded.findings,
			repaired = excluded.repaired,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID, r.Kind, r.Status, r.Checked, r.Findings, r.Repaired, nullString(r.Error),
		formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save audit run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]audit.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, checked, findings, repaired, error, started_at, completed_at
		FROM audit_runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}
	defer rows.Close()

	var runs []audit.Run
	for rows.Next() {
		var (
			r                    audit.Run
			errText, completedAt sql.NullString
			startedAt            string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Checked, &r.Findings, &r.Repaired,
			&errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Error = errText.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
