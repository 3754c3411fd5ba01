package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hazyhaar/uxsim/idgen"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// DefaultImage is a headless Chrome image exposing DevTools on 9222.
const DefaultImage = "chromedp/headless-shell:latest"

// Docker starts one container per sandbox with the DevTools port published
// on a random loopback port.
type Docker struct {
	Image  string
	Runner Runner
	opts   Options
}

// NewDocker returns a Docker provisioner. runner defaults to ExecRunner.
func NewDocker(image string, runner Runner, opts Options) *Docker {
	opts.defaults()
	if image == "" {
		image = DefaultImage
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Docker{Image: image, Runner: runner, opts: opts}
}

func (d *Docker) Start(ctx context.Context) (*Sandbox, error) {
	started := time.Now()
	name := "uxsim-" + idgen.New()
	log := d.opts.Logger.With("sandbox", name)

	if _, err := d.Runner.Run(ctx, "docker", "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::9222",
		d.Image); err != nil {
		return nil, fmt.Errorf("sandbox: docker run: %w", err)
	}
	sb := &Sandbox{ID: name, StartedAt: started}

	readyCtx, cancel := context.WithTimeout(ctx, d.opts.ReadyTimeout)
	defer cancel()

	hostport, err := d.publishedPort(readyCtx, name)
	if err == nil {
		sb.ControlURL, err = waitReady(readyCtx, d.opts, hostport)
	}
	if err != nil {
		log.Warn("sandbox: container not ready, removing", "error", err)
		if stopErr := d.Stop(context.Background(), sb); stopErr != nil {
			log.Warn("sandbox: remove after failed start", "error", stopErr)
		}
		return nil, err
	}

	recordStartup(d.opts, "docker", started)
	log.Info("sandbox: container ready", "control_url", sb.ControlURL, "startup", time.Since(started))
	return sb, nil
}

// publishedPort asks docker for the host side of 9222/tcp. The mapping can
// lag the container start, so it is polled.
func (d *Docker) publishedPort(ctx context.Context, name string) (string, error) {
	t := time.NewTicker(d.opts.PollInterval)
	defer t.Stop()
	var lastErr error
	for {
		out, err := d.Runner.Run(ctx, "docker", "port", name, "9222/tcp")
		if err == nil {
			if hp := firstLine(out); hp != "" {
				return hp, nil
			}
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return "", fmt.Errorf("%w: docker port: %v", ErrNotReady, lastErr)
			}
			return "", ErrNotReady
		case <-t.C:
		}
	}
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (d *Docker) Stop(ctx context.Context, sb *Sandbox) error {
	if sb == nil {
		return nil
	}
	if _, err := d.Runner.Run(ctx, "docker", "rm", "-f", sb.ID); err != nil {
		return fmt.Errorf("sandbox: docker rm %s: %w", sb.ID, err)
	}
	d.opts.Logger.Debug("sandbox: container removed", "sandbox", sb.ID)
	return nil
}
