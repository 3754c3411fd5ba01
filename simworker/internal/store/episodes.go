package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/uxsim/dbopen"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

const episodeCols = `id, run_id, persona_id, status, reason, step_count, created_at, updated_at`

// InsertEpisode creates an episode in PENDING unless a status is set.
func (s *Store) InsertEpisode(ctx context.Context, e *model.Episode) error {
	now := nowMs()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = now
	}
	if e.Status == "" {
		e.Status = model.EpisodePending
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO episodes (`+episodeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.PersonaID, e.Status, e.Reason, e.StepCount, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert episode: %w", err)
	}
	return nil
}

// GetEpisode returns an episode by ID.
func (s *Store) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+episodeCols+` FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// ListEpisodes returns a run's episodes ordered by creation.
func (s *Store) ListEpisodes(ctx context.Context, runID string) ([]*model.Episode, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+episodeCols+` FROM episodes WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list episodes: %w", err)
	}
	defer rows.Close()

	var out []*model.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartEpisode marks a PENDING episode RUNNING. An episode that is already
// RUNNING (a replayed job) is accepted too and restarts from step 0, so the
// traces of the interrupted attempt are deleted in the same transaction. It
// reports false when the episode is terminal.
func (s *Store) StartEpisode(ctx context.Context, id string) (bool, error) {
	var started bool
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE episodes SET status = ?, step_count = 0, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			model.EpisodeRunning, nowMs(), id, model.EpisodePending, model.EpisodeRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		started = true
		_, err = tx.ExecContext(ctx, `DELETE FROM step_traces WHERE episode_id = ?`, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: start episode: %w", err)
	}
	return started, nil
}

// TouchEpisode records progress. updated_at is the liveness signal startup
// recovery relies on.
func (s *Store) TouchEpisode(ctx context.Context, id string, steps int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE episodes SET step_count = ?, updated_at = ? WHERE id = ? AND status = ?`,
		steps, nowMs(), id, model.EpisodeRunning)
	if err != nil {
		return fmt.Errorf("store: touch episode: %w", err)
	}
	return nil
}

// FinishEpisode sets a terminal status. Episodes that are already terminal
// are left untouched; the return value reports whether the row changed.
func (s *Store) FinishEpisode(ctx context.Context, id string, status model.EpisodeStatus, reason string, steps int) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("store: finish episode %s: %s is not terminal", id, status)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE episodes SET status = ?, reason = ?, step_count = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		status, reason, steps, nowMs(), id, model.EpisodePending, model.EpisodeRunning)
	if err != nil {
		return false, fmt.Errorf("store: finish episode: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountActiveEpisodes counts a run's PENDING and RUNNING episodes.
func (s *Store) CountActiveEpisodes(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE run_id = ? AND status IN (?, ?)`,
		runID, model.EpisodePending, model.EpisodeRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active episodes: %w", err)
	}
	return n, nil
}

// FailStaleEpisodes marks RUNNING episodes not updated since cutoffMs as
// FAILED with reason and returns the distinct run IDs affected.
func (s *Store) FailStaleEpisodes(ctx context.Context, cutoffMs int64, reason string) ([]string, error) {
	var runIDs []string
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		runIDs = runIDs[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT run_id FROM episodes WHERE status = ? AND updated_at < ? ORDER BY run_id`,
			model.EpisodeRunning, cutoffMs)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			runIDs = append(runIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE episodes SET status = ?, reason = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
			model.EpisodeFailed, reason, nowMs(), model.EpisodeRunning, cutoffMs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: fail stale episodes: %w", err)
	}
	return runIDs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row scanner) (*model.Episode, error) {
	var e model.Episode
	err := row.Scan(&e.ID, &e.RunID, &e.PersonaID, &e.Status, &e.Reason, &e.StepCount, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
