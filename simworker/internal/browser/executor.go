package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// ExecConfig tunes action execution.
type ExecConfig struct {
	// SettleTimeout bounds the post-action settle wait. Default: 5s.
	SettleTimeout time.Duration
	// WaitPause is the duration of a wait action. Default: 1.5s.
	WaitPause time.Duration
	// ScrollFraction of the viewport height moved by one scroll. Default: 0.65.
	ScrollFraction float64
	// NoiseThreshold is the smallest scroll_to delta worth acting on, in
	// pixels. Default: 8.
	NoiseThreshold float64
}

func (c *ExecConfig) defaults() {
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
	if c.WaitPause <= 0 {
		c.WaitPause = 1500 * time.Millisecond
	}
	if c.ScrollFraction <= 0 {
		c.ScrollFraction = 0.65
	}
	if c.NoiseThreshold <= 0 {
		c.NoiseThreshold = 8
	}
}

// Executor runs actions against a Session.
type Executor struct {
	s      Session
	cfg    ExecConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewExecutor creates an executor over s.
func NewExecutor(s Session, cfg ExecConfig, logger *slog.Logger) *Executor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{s: s, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Execute performs a against the page. elems is the prioritized list that
// was shown to the model; element indexes refer to it.
func (x *Executor) Execute(ctx context.Context, a model.Action, elems []Element) error {
	switch a := a.(type) {
	case model.Click:
		return x.click(ctx, a, elems)
	case model.Type:
		return x.typeText(ctx, a, elems)
	case model.Scroll:
		return x.scroll(ctx, a.Direction)
	case model.ScrollTo:
		return x.scrollTo(ctx, a, elems)
	case model.NavigateBack:
		if err := x.s.Back(ctx); err != nil {
			return fmt.Errorf("browser: navigate back: %w", err)
		}
		x.s.WaitSettle(ctx, x.cfg.SettleTimeout)
		return nil
	case model.Wait:
		x.sleep(ctx, x.cfg.WaitPause)
		return nil
	case model.Done:
		return nil
	default:
		return fmt.Errorf("browser: unsupported action %T", a)
	}
}

func lookup(elems []Element, i int) (Element, error) {
	if i < 0 || i >= len(elems) {
		return Element{}, fmt.Errorf("%w: index %d of %d", ErrNoSuchElement, i, len(elems))
	}
	return elems[i], nil
}

// target returns the on-screen centre of element i.
func (x *Executor) target(ctx context.Context, elems []Element, i int) (float64, float64, error) {
	e, err := lookup(elems, i)
	if err != nil {
		return 0, 0, err
	}
	info, err := x.s.ScrollInfo(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("browser: scroll info: %w", err)
	}
	cx, cy := e.Center()
	if cx < 0 || cy < 0 || cx > info.ViewportWidth || cy > info.ViewportHeight {
		return 0, 0, fmt.Errorf("%w: [%d] at (%.0f,%.0f)", ErrOffscreen, i, cx, cy)
	}
	return cx, cy, nil
}

func (x *Executor) click(ctx context.Context, a model.Click, elems []Element) error {
	cx, cy, err := x.target(ctx, elems, a.ElementIndex)
	if err != nil {
		return err
	}
	if err := x.s.ClickAt(ctx, cx, cy); err != nil {
		return fmt.Errorf("browser: click [%d]: %w", a.ElementIndex, err)
	}
	x.s.WaitSettle(ctx, x.cfg.SettleTimeout)
	return nil
}

func (x *Executor) typeText(ctx context.Context, a model.Type, elems []Element) error {
	cx, cy, err := x.target(ctx, elems, a.ElementIndex)
	if err != nil {
		return err
	}
	if err := x.s.ClickAt(ctx, cx, cy); err != nil {
		return fmt.Errorf("browser: focus [%d]: %w", a.ElementIndex, err)
	}
	if err := x.s.ClearFocused(ctx); err != nil {
		return fmt.Errorf("browser: clear [%d]: %w", a.ElementIndex, err)
	}
	if err := x.s.InsertText(ctx, a.Text); err != nil {
		return fmt.Errorf("browser: type [%d]: %w", a.ElementIndex, err)
	}
	if a.Submit {
		if err := x.s.PressEnter(ctx); err != nil {
			return fmt.Errorf("browser: submit [%d]: %w", a.ElementIndex, err)
		}
		x.s.WaitSettle(ctx, x.cfg.SettleTimeout)
	}
	return nil
}

func (x *Executor) scroll(ctx context.Context, dir model.Direction) error {
	info, err := x.s.ScrollInfo(ctx)
	if err != nil {
		return fmt.Errorf("browser: scroll info: %w", err)
	}
	dy := info.ViewportHeight * x.cfg.ScrollFraction
	if dir == model.Up {
		dy = -dy
	}
	moved, err := x.s.ScrollBy(ctx, dy)
	if err != nil {
		x.logger.Debug("browser: scroll by failed, falling back to wheel", "error", err)
	}
	if err != nil || moved == 0 {
		if err := x.s.Wheel(ctx, info.ViewportWidth/2, info.ViewportHeight/2, dy); err != nil {
			return fmt.Errorf("browser: wheel: %w", err)
		}
	}
	return nil
}

func (x *Executor) scrollTo(ctx context.Context, a model.ScrollTo, elems []Element) error {
	e, err := lookup(elems, a.ElementIndex)
	if err != nil {
		return err
	}
	info, err := x.s.ScrollInfo(ctx)
	if err != nil {
		return fmt.Errorf("browser: scroll info: %w", err)
	}
	if e.Y >= 0 && e.Y+e.Height <= info.ViewportHeight {
		return nil
	}
	_, cy := e.Center()
	delta := cy - info.ViewportHeight/2
	if math.Abs(delta) < x.cfg.NoiseThreshold {
		return nil
	}
	if _, err := x.s.ScrollBy(ctx, delta); err != nil {
		return fmt.Errorf("browser: scroll to [%d]: %w", a.ElementIndex, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
