// Package completion is the worker's client for generative model calls. Every
// call asks for a single JSON object (optionally conditioned on an image)
// and returns it untyped; callers repair and validate it themselves.
package completion

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResponse means the provider returned no content.
	ErrEmptyResponse = errors.New("completion: empty response")
	// ErrNotJSON means the content could not be read as a JSON object, even
	// after syntactic repair.
	ErrNotJSON = errors.New("completion: response is not a JSON object")
)

// Request is one structured completion.
type Request struct {
	// Model overrides the client's default model.
	Model string
	// System is prepended as the system message.
	System string
	// Prompt is the user message.
	Prompt string
	// Schema describes the expected JSON object. It is sent as text in the
	// system message since not every backend enforces schemas.
	Schema string
}

// Provider is the completion backend. The model is selected per request so
// runs can use different backends and models.
type Provider interface {
	CompleteJSON(ctx context.Context, req Request) (map[string]any, error)
	CompleteJSONWithImage(ctx context.Context, image []byte, req Request) (map[string]any, error)
	DescribeImage(ctx context.Context, image []byte, prompt, model string) (string, error)
}
