// Package sandbox provisions one isolated browser per agent episode.
//
// Three backends implement Provisioner:
//
//   - Docker runs a headless-Chrome container per episode and publishes its
//     DevTools port on loopback.
//   - Local launches a Chrome process on the host via the rod launcher.
//   - Remote hands out a fixed DevTools endpoint; sessions isolate
//     themselves in incognito contexts.
//
// Start blocks until the DevTools endpoint answers or the readiness
// deadline passes (ErrNotReady). Callers pair every successful Start with
// Stop, usually via defer.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/uxsim/observability"
)

// ErrNotReady means the browser did not answer before the readiness deadline.
var ErrNotReady = errors.New("sandbox: browser not ready before deadline")

// Sandbox is one provisioned browser.
type Sandbox struct {
	ID string
	// ControlURL is the DevTools websocket URL.
	ControlURL string
	// Incognito asks the session to isolate itself in a browser context,
	// set when the browser is shared.
	Incognito bool
	StartedAt time.Time
}

// Provisioner acquires and releases sandboxes.
type Provisioner interface {
	Start(ctx context.Context) (*Sandbox, error)
	Stop(ctx context.Context, sb *Sandbox) error
}

// Options are shared by all backends.
type Options struct {
	// ReadyTimeout bounds Start. Default: 45s.
	ReadyTimeout time.Duration
	// PollInterval between readiness probes. Default: 500ms.
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      observability.Recorder
	// Resolve turns a host:port (or http URL) into a DevTools websocket URL.
	// Default: launcher.ResolveURL.
	Resolve func(hostport string) (string, error)
}

func (o *Options) defaults() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 45 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = observability.Discard
	}
	if o.Resolve == nil {
		o.Resolve = launcher.ResolveURL
	}
}

// waitReady polls resolve until it yields a websocket URL or ctx ends.
func waitReady(ctx context.Context, opts Options, hostport string) (string, error) {
	var lastErr error
	t := time.NewTicker(opts.PollInterval)
	defer t.Stop()
	for {
		u, err := opts.Resolve(hostport)
		if err == nil && u != "" {
			return u, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return "", errors.Join(ErrNotReady, lastErr)
			}
			return "", ErrNotReady
		case <-t.C:
		}
	}
}

func recordStartup(opts Options, backend string, started time.Time) {
	opts.Metrics.Observe(observability.MetricSandboxStartupMs,
		float64(time.Since(started).Milliseconds()), "ms",
		map[string]string{"backend": backend})
}
