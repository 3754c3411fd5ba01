// Package browser drives one live page for an agent episode: observation
// (URL, title, screenshot, scroll state, overlays, interactive elements) and
// execution of the fixed action vocabulary.
//
// Session is the primitive surface; RodSession implements it over Chrome
// DevTools with go-rod. Executor maps model.Action values onto Session
// primitives and is what the agent runner calls.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSuchElement means an action referenced an index outside the
	// element list shown to the model.
	ErrNoSuchElement = errors.New("browser: no such element")
	// ErrOffscreen means the target's centre lies outside the viewport.
	ErrOffscreen = errors.New("browser: element is off-screen")
)

// ScrollInfo describes the primary scroller and the viewport.
type ScrollInfo struct {
	ScrollY        float64 `json:"scrollY"`
	ViewportHeight float64 `json:"viewportHeight"`
	ViewportWidth  float64 `json:"viewportWidth"`
	PageHeight     float64 `json:"pageHeight"`
}

// ViewedBottom is the fraction of the page height seen at this position.
func (s ScrollInfo) ViewedBottom() float64 {
	if s.PageHeight <= 0 {
		return 1
	}
	f := (s.ScrollY + s.ViewportHeight) / s.PageHeight
	if f > 1 {
		return 1
	}
	return f
}

// Remaining is the number of pixels below the viewport.
func (s ScrollInfo) Remaining() float64 {
	r := s.PageHeight - (s.ScrollY + s.ViewportHeight)
	if r < 0 {
		return 0
	}
	return r
}

// Overlay reports a blocking modal. Kind is "semantic" (dialog roles) or
// "geometric" (a large fixed element at the viewport centre).
type Overlay struct {
	Present bool   `json:"present"`
	Kind    string `json:"kind,omitempty"`
	Label   string `json:"label,omitempty"`
}

// Session is the browser-session collaborator of an agent episode.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context) ([]byte, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	ScrollInfo(ctx context.Context) (ScrollInfo, error)
	DetectOverlay(ctx context.Context) (Overlay, error)
	// Elements returns the raw interactive elements, unprioritized.
	Elements(ctx context.Context) ([]Element, error)
	// MainHTML returns the HTML of the page's main content region.
	MainHTML(ctx context.Context) (string, error)

	ClickAt(ctx context.Context, x, y float64) error
	// ClearFocused selects and empties the focused field.
	ClearFocused(ctx context.Context) error
	InsertText(ctx context.Context, text string) error
	PressEnter(ctx context.Context) error
	// ScrollBy scrolls the primary scroller by dy pixels and returns how far
	// it actually moved.
	ScrollBy(ctx context.Context, dy float64) (float64, error)
	Wheel(ctx context.Context, x, y, dy float64) error
	Back(ctx context.Context) error
	// WaitSettle waits for network and DOM quiet, at most timeout. It never
	// fails the caller; a page that never settles is treated as settled.
	WaitSettle(ctx context.Context, timeout time.Duration)

	Close() error
}
