package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/uxsim/idgen"
)

// Local launches a headless Chrome process on the host per sandbox.
type Local struct {
	// Bin is the Chrome binary. Empty lets the launcher find or download one.
	Bin  string
	opts Options

	mu        sync.Mutex
	launchers map[string]*launcher.Launcher
}

// NewLocal returns a Local provisioner.
func NewLocal(bin string, opts Options) *Local {
	opts.defaults()
	return &Local{Bin: bin, opts: opts, launchers: make(map[string]*launcher.Launcher)}
}

func (l *Local) Start(ctx context.Context) (*Sandbox, error) {
	started := time.Now()
	readyCtx, cancel := context.WithTimeout(ctx, l.opts.ReadyTimeout)
	defer cancel()

	ln := launcher.New().
		Context(readyCtx).
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("no-first-run")
	if l.Bin != "" {
		ln = ln.Bin(l.Bin)
	}
	u, err := ln.Launch()
	if err != nil {
		ln.Kill()
		if errors.Is(readyCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		return nil, fmt.Errorf("sandbox: launch chrome: %w", err)
	}

	sb := &Sandbox{ID: "local-" + idgen.New(), ControlURL: u, StartedAt: started}
	l.mu.Lock()
	l.launchers[sb.ID] = ln
	l.mu.Unlock()

	recordStartup(l.opts, "local", started)
	l.opts.Logger.Info("sandbox: launched local chrome", "sandbox", sb.ID, "control_url", u)
	return sb, nil
}

func (l *Local) Stop(_ context.Context, sb *Sandbox) error {
	if sb == nil {
		return nil
	}
	l.mu.Lock()
	ln, ok := l.launchers[sb.ID]
	delete(l.launchers, sb.ID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox: unknown local sandbox %s", sb.ID)
	}
	ln.Kill()
	ln.Cleanup()
	return nil
}

// Active reports how many local browsers are running.
func (l *Local) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launchers)
}
