package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/uxsim/dbopen"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// ReplaceFindings deletes the run's findings and inserts fs in a single
// transaction, so a retried aggregation never leaves a mixed set.
func (s *Store) ReplaceFindings(ctx context.Context, runID string, fs []model.Finding) error {
	now := nowMs()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("store: clear findings: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO findings (id, run_id, rank, issue, evidence, severity, frequency,
				affected_personas, element_ref, screen_index, screen_label,
				avg_friction, avg_dropoff_risk, recommended_fix, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range fs {
			f := &fs[i]
			if f.CreatedAt == 0 {
				f.CreatedAt = now
			}
			personas := f.AffectedPersonas
			if personas == nil {
				personas = []string{}
			}
			if _, err := stmt.ExecContext(ctx, f.ID, runID, f.Rank, f.Issue, f.Evidence, f.Severity,
				f.Frequency, marshal(personas), f.ElementRef, f.ScreenIndex, f.ScreenLabel,
				f.AvgFriction, f.AvgDropoffRisk, f.RecommendedFix, f.CreatedAt); err != nil {
				return fmt.Errorf("store: insert finding %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

// ListFindings returns a run's findings by rank.
func (s *Store) ListFindings(ctx context.Context, runID string) ([]model.Finding, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, run_id, rank, issue, evidence, severity, frequency, affected_personas,
			element_ref, screen_index, screen_label, avg_friction, avg_dropoff_risk,
			recommended_fix, created_at
		FROM findings WHERE run_id = ? ORDER BY rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list findings: %w", err)
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var (
			f        model.Finding
			personas string
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.Rank, &f.Issue, &f.Evidence, &f.Severity, &f.Frequency,
			&personas, &f.ElementRef, &f.ScreenIndex, &f.ScreenLabel, &f.AvgFriction, &f.AvgDropoffRisk,
			&f.RecommendedFix, &f.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(personas), &f.AffectedPersonas)
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFindingFix sets the recommended fix of one finding.
func (s *Store) UpdateFindingFix(ctx context.Context, id, fix string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE findings SET recommended_fix = ? WHERE id = ?`, fix, id)
	if err != nil {
		return fmt.Errorf("store: update finding fix: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReport upserts the run's report.
func (s *Store) SaveReport(ctx context.Context, r *model.Report) error {
	if r.GeneratedAt == 0 {
		r.GeneratedAt = nowMs()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO reports (run_id, report_json, generated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET report_json = excluded.report_json, generated_at = excluded.generated_at`,
		r.RunID, marshal(r), r.GeneratedAt)
	if err != nil {
		return fmt.Errorf("store: save report: %w", err)
	}
	return nil
}

// GetReport returns the run's report.
func (s *Store) GetReport(ctx context.Context, runID string) (*model.Report, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT report_json FROM reports WHERE run_id = ?`, runID).Scan(&raw)
	if err != nil {
		return nil, notFound(err)
	}
	var r model.Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("store: report %s: %w", runID, err)
	}
	return &r, nil
}
