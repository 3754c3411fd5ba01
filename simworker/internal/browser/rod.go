package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ConnectOptions configures a RodSession.
type ConnectOptions struct {
	// Stealth opens the page with go-rod/stealth evasions.
	Stealth bool
	// Incognito isolates the session in its own browser context, for
	// shared remote browsers. Close disposes the context.
	Incognito bool
	// Viewport size in CSS pixels. Default: 1280x800.
	ViewportWidth  int
	ViewportHeight int
	// NavigateTimeout bounds Navigate. Default: 30s.
	NavigateTimeout time.Duration
	Logger          *slog.Logger
}

func (o *ConnectOptions) defaults() {
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1280
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 800
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// RodSession is a Session over one Chrome tab.
type RodSession struct {
	browser *rod.Browser
	page    *rod.Page
	opts    ConnectOptions
}

// Connect attaches to the DevTools endpoint controlURL (a ws:// URL) and
// opens one tab.
func Connect(ctx context.Context, controlURL string, opts ConnectOptions) (*RodSession, error) {
	opts.defaults()
	log := opts.Logger

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if opts.Incognito {
		inc, err := b.Incognito()
		if err != nil {
			return nil, fmt.Errorf("browser: incognito: %w", err)
		}
		b = inc
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}

	var (
		page *rod.Page
		err  error
	)
	if opts.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.ViewportWidth,
		Height:            opts.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		log.Warn("browser: set viewport failed", "error", err)
	}
	return &RodSession{browser: b, page: page, opts: opts}, nil
}

func (s *RodSession) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.opts.NavigateTimeout)
	defer cancel()
	if err := s.page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := s.page.Context(navCtx).WaitLoad(); err != nil {
		s.opts.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	return nil
}

func (s *RodSession) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return img, nil
}

func (s *RodSession) URL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}

func (s *RodSession) Title(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return SanitizeLabel(info.Title), nil
}

func (s *RodSession) evalJSON(ctx context.Context, js string, out any, args ...any) error {
	res, err := s.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(res.Value.Str()), out)
}

func (s *RodSession) ScrollInfo(ctx context.Context) (ScrollInfo, error) {
	var info ScrollInfo
	if err := s.evalJSON(ctx, scrollInfoJS, &info); err != nil {
		return info, fmt.Errorf("browser: scroll info: %w", err)
	}
	return info, nil
}

func (s *RodSession) DetectOverlay(ctx context.Context) (Overlay, error) {
	var ov Overlay
	if err := s.evalJSON(ctx, overlayJS, &ov); err != nil {
		return ov, fmt.Errorf("browser: detect overlay: %w", err)
	}
	ov.Label = SanitizeLabel(ov.Label)
	return ov, nil
}

func (s *RodSession) Elements(ctx context.Context) ([]Element, error) {
	var elems []Element
	if err := s.evalJSON(ctx, elementsJS, &elems); err != nil {
		return nil, fmt.Errorf("browser: extract elements: %w", err)
	}
	return elems, nil
}

func (s *RodSession) MainHTML(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(mainHTMLJS)
	if err != nil {
		return "", fmt.Errorf("browser: main html: %w", err)
	}
	return res.Value.Str(), nil
}

func (s *RodSession) ClickAt(ctx context.Context, x, y float64) error {
	p := s.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (s *RodSession) ClearFocused(ctx context.Context) error {
	var res struct {
		OK bool `json:"ok"`
	}
	if err := s.evalJSON(ctx, clearFocusedJS, &res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("browser: nothing focused")
	}
	return nil
}

func (s *RodSession) InsertText(ctx context.Context, text string) error {
	return s.page.Context(ctx).InsertText(text)
}

func (s *RodSession) PressEnter(ctx context.Context) error {
	return s.page.Context(ctx).Keyboard.Press(input.Enter)
}

func (s *RodSession) ScrollBy(ctx context.Context, dy float64) (float64, error) {
	var res struct {
		Moved float64 `json:"moved"`
	}
	if err := s.evalJSON(ctx, scrollByJS, &res, dy); err != nil {
		return 0, fmt.Errorf("browser: scroll by: %w", err)
	}
	return res.Moved, nil
}

func (s *RodSession) Wheel(ctx context.Context, x, y, dy float64) error {
	p := s.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return p.Mouse.Scroll(0, dy, 4)
}

func (s *RodSession) Back(ctx context.Context) error {
	return s.page.Context(ctx).NavigateBack()
}

func (s *RodSession) WaitSettle(ctx context.Context, timeout time.Duration) {
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()
	if err := p.WaitStable(300 * time.Millisecond); err != nil {
		s.opts.Logger.Debug("browser: settle wait gave up", "timeout", timeout, "error", err)
	}
}

// Close closes the tab, and the browser context when incognito. The browser
// process belongs to the sandbox and is torn down there.
func (s *RodSession) Close() error {
	var firstErr error
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			firstErr = err
		}
	}
	if s.opts.Incognito && s.browser != nil {
		if err := s.browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
