package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// InsertPersona adds a persona. Used by fixtures and the control plane.
func (s *Store) InsertPersona(ctx context.Context, p *model.Persona) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO personas (id, name, description, traits_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, marshal(p.Traits), nowMs())
	if err != nil {
		return fmt.Errorf("store: insert persona: %w", err)
	}
	s.personas.Remove(p.ID)
	return nil
}

// GetPersona returns a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*model.Persona, error) {
	if p, ok := s.personas.Get(id); ok {
		return p, nil
	}
	var (
		p      model.Persona
		traits string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, description, traits_json FROM personas WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &traits)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(traits), &p.Traits); err != nil {
		return nil, fmt.Errorf("store: persona %s traits: %w", id, err)
	}
	s.personas.Add(id, &p)
	return &p, nil
}

// InsertFlow adds a flow.
func (s *Store) InsertFlow(ctx context.Context, f *model.Flow) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO flows (id, name, goal, start_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Goal, f.StartURL, nowMs())
	if err != nil {
		return fmt.Errorf("store: insert flow: %w", err)
	}
	s.flows.Remove(f.ID)
	return nil
}

// GetFlow returns a flow by ID.
func (s *Store) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	if f, ok := s.flows.Get(id); ok {
		return f, nil
	}
	var f model.Flow
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, goal, start_url FROM flows WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Goal, &f.StartURL)
	if err != nil {
		return nil, notFound(err)
	}
	s.flows.Add(id, &f)
	return &f, nil
}

// InsertFrame adds a frame to a flow.
func (s *Store) InsertFrame(ctx context.Context, fr *model.Frame) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO frames (flow_id, position, label, blob_key) VALUES (?, ?, ?, ?)`,
		fr.FlowID, fr.Position, fr.Label, fr.BlobKey)
	if err != nil {
		return fmt.Errorf("store: insert frame: %w", err)
	}
	return nil
}

// ListFrames returns a flow's frames ordered by position.
func (s *Store) ListFrames(ctx context.Context, flowID string) ([]model.Frame, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT flow_id, position, label, blob_key FROM frames WHERE flow_id = ? ORDER BY position`, flowID)
	if err != nil {
		return nil, fmt.Errorf("store: list frames: %w", err)
	}
	defer rows.Close()

	var frames []model.Frame
	for rows.Next() {
		var fr model.Frame
		if err := rows.Scan(&fr.FlowID, &fr.Position, &fr.Label, &fr.BlobKey); err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	return frames, rows.Err()
}
