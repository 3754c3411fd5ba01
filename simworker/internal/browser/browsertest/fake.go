// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/uxsim/simworker/internal/browser"
)

// Page is one scripted page of a Fake.
type Page struct {
	URL        string
	Title      string
	Elements   []browser.Element
	Overlay    browser.Overlay
	PageHeight float64
	HTML       string
}

// Fake is a scripted Session. Clicking an element with an Href that matches
// a known page navigates to it. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	Pages          map[string]*Page
	Current        string
	ScrollY        float64
	ViewportWidth  float64
	ViewportHeight float64

	// ScrollStuck makes ScrollBy report no movement, forcing the wheel
	// fallback.
	ScrollStuck bool
	// ClickErr is returned by ClickAt when set.
	ClickErr error
	// OnClick runs after every click with the lock released.
	OnClick func(f *Fake, x, y float64)

	Calls  []string
	Typed  []string
	Closed bool

	history []string
}

// New returns a Fake with a 1280x800 viewport open on start.
func New(start string, pages ...*Page) *Fake {
	f := &Fake{
		Pages:          map[string]*Page{},
		ViewportWidth:  1280,
		ViewportHeight: 800,
	}
	for _, p := range pages {
		f.Pages[p.URL] = p
	}
	f.Current = start
	return f
}

func (f *Fake) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// CallLog returns a copy of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// Go switches to url without recording a call.
func (f *Fake) Go(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goLocked(url)
}

func (f *Fake) goLocked(url string) {
	if f.Current != "" {
		f.history = append(f.history, f.Current)
	}
	f.Current = url
	f.ScrollY = 0
}

func (f *Fake) page() *Page {
	if p, ok := f.Pages[f.Current]; ok {
		return p
	}
	return &Page{URL: f.Current}
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("navigate %s", url)
	f.goLocked(url)
	return nil
}

func (f *Fake) Screenshot(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte("\x89PNG fake " + f.Current), nil
}

func (f *Fake) URL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Current, nil
}

func (f *Fake) Title(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page().Title, nil
}

func (f *Fake) ScrollInfo(context.Context) (browser.ScrollInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.page().PageHeight
	if h < f.ViewportHeight {
		h = f.ViewportHeight
	}
	return browser.ScrollInfo{
		ScrollY:        f.ScrollY,
		ViewportHeight: f.ViewportHeight,
		ViewportWidth:  f.ViewportWidth,
		PageHeight:     h,
	}, nil
}

func (f *Fake) DetectOverlay(context.Context) (browser.Overlay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page().Overlay, nil
}

func (f *Fake) Elements(context.Context) ([]browser.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.Element(nil), f.page().Elements...), nil
}

func (f *Fake) MainHTML(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page().HTML, nil
}

func (f *Fake) ClickAt(_ context.Context, x, y float64) error {
	f.mu.Lock()
	f.record("click %.0f,%.0f", x, y)
	if f.ClickErr != nil {
		err := f.ClickErr
		f.mu.Unlock()
		return err
	}
	for _, e := range f.page().Elements {
		if x >= e.X && x <= e.X+e.Width && y >= e.Y && y <= e.Y+e.Height {
			if _, ok := f.Pages[e.Href]; ok && e.Href != "" {
				f.goLocked(e.Href)
			}
			break
		}
	}
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(f, x, y)
	}
	return nil
}

func (f *Fake) ClearFocused(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clear")
	return nil
}

func (f *Fake) InsertText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("insert %s", text)
	f.Typed = append(f.Typed, text)
	return nil
}

func (f *Fake) PressEnter(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("enter")
	return nil
}

func (f *Fake) ScrollBy(_ context.Context, dy float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("scrollby %.0f", dy)
	if f.ScrollStuck {
		return 0, nil
	}
	maxY := f.page().PageHeight - f.ViewportHeight
	if maxY < 0 {
		maxY = 0
	}
	next := f.ScrollY + dy
	if next < 0 {
		next = 0
	}
	if next > maxY {
		next = maxY
	}
	moved := next - f.ScrollY
	f.ScrollY = next
	return moved, nil
}

func (f *Fake) Wheel(_ context.Context, x, y, dy float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wheel %.0f,%.0f %.0f", x, y, dy)
	return nil
}

func (f *Fake) Back(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("back")
	if len(f.history) == 0 {
		return errors.New("browsertest: no history")
	}
	f.Current = f.history[len(f.history)-1]
	f.history = f.history[:len(f.history)-1]
	f.ScrollY = 0
	return nil
}

func (f *Fake) WaitSettle(context.Context, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("settle")
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

var _ browser.Session = (*Fake)(nil)
