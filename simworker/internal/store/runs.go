package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// InsertRun creates a run in PENDING unless a status is set.
func (s *Store) InsertRun(ctx context.Context, r *model.Run) error {
	now := nowMs()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = model.RunPending
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, mode, status, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FlowID, r.Mode, r.Status, marshal(r.Config), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var (
		r   model.Run
		cfg string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, flow_id, mode, status, config_json, created_at, updated_at FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.FlowID, &r.Mode, &r.Status, &cfg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
		return nil, fmt.Errorf("store: run %s config: %w", id, err)
	}
	return &r, nil
}

// RunStatus reads only the status column. Runners poll it for cancellation.
func (s *Store) RunStatus(ctx context.Context, id string) (model.RunStatus, error) {
	var st model.RunStatus
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&st)
	if err != nil {
		return "", notFound(err)
	}
	return st, nil
}

// TransitionRun sets the run to `to` if its current status is one of from.
// It reports whether the row changed, which makes it a compare-and-set.
func (s *Store) TransitionRun(ctx context.Context, id string, to model.RunStatus, from ...model.RunStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("store: transition run %s: no source status", id)
	}
	args := []any{to, nowMs(), id}
	for _, f := range from {
		args = append(args, f)
	}
	q := `UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?` +
		strings.Repeat(", ?", len(from)-1) + `)`
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("store: transition run %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelRun moves a non-terminal run to CANCELLED.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	return s.TransitionRun(ctx, id, model.RunCancelled,
		model.RunPending, model.RunSimulating, model.RunAggregating)
}

// ListRuns returns the most recent runs, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status model.RunStatus, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, flow_id, mode, status, config_json, created_at, updated_at FROM runs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (*model.Run, error) {
	var (
		r   model.Run
		cfg string
	)
	if err := rows.Scan(&r.ID, &r.FlowID, &r.Mode, &r.Status, &cfg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
		return nil, fmt.Errorf("store: run %s config: %w", r.ID, err)
	}
	return &r, nil
}
