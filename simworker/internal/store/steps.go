package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// UpsertStep writes a trace keyed by (episode, step index). A replayed step
// overwrites the previous row instead of duplicating it.
func (s *Store) UpsertStep(ctx context.Context, st *model.StepTrace) error {
	if st.CreatedAt == 0 {
		st.CreatedAt = nowMs()
	}
	if st.Reasoning.Confusions == nil {
		st.Reasoning.Confusions = []model.Confusion{}
	}
	var action sql.NullString
	if st.Action != nil {
		action = sql.NullString{String: marshal(st.Action), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO step_traces (episode_id, step_index, observation_json, reasoning_json,
			action_json, screenshot_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id, step_index) DO UPDATE SET
			observation_json = excluded.observation_json,
			reasoning_json = excluded.reasoning_json,
			action_json = excluded.action_json,
			screenshot_key = excluded.screenshot_key,
			created_at = excluded.created_at`,
		st.EpisodeID, st.StepIndex, marshal(st.Observation), marshal(st.Reasoning),
		action, st.ScreenshotKey, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert step %s/%d: %w", st.EpisodeID, st.StepIndex, err)
	}
	return nil
}

// ListSteps returns an episode's traces ordered by step index.
func (s *Store) ListSteps(ctx context.Context, episodeID string) ([]*model.StepTrace, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT episode_id, step_index, observation_json, reasoning_json, action_json, screenshot_key, created_at
		FROM step_traces WHERE episode_id = ? ORDER BY step_index`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("store: list steps: %w", err)
	}
	defer rows.Close()

	var out []*model.StepTrace
	for rows.Next() {
		var (
			st          model.StepTrace
			obs, reason string
			action      sql.NullString
		)
		if err := rows.Scan(&st.EpisodeID, &st.StepIndex, &obs, &reason, &action, &st.ScreenshotKey, &st.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(obs), &st.Observation); err != nil {
			return nil, fmt.Errorf("store: step %d observation: %w", st.StepIndex, err)
		}
		if err := json.Unmarshal([]byte(reason), &st.Reasoning); err != nil {
			return nil, fmt.Errorf("store: step %d reasoning: %w", st.StepIndex, err)
		}
		if action.Valid {
			st.Action = &model.ActionRecord{}
			if err := json.Unmarshal([]byte(action.String), st.Action); err != nil {
				return nil, fmt.Errorf("store: step %d action: %w", st.StepIndex, err)
			}
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
