package sandbox

import (
	"context"
	"time"

	"github.com/hazyhaar/uxsim/idgen"
)

// Remote hands out one shared DevTools endpoint. Every sandbox asks for an
// incognito context; Stop has nothing to release.
type Remote struct {
	URL  string
	opts Options
}

// NewRemote returns a Remote provisioner for url (ws://, http:// or host:port).
func NewRemote(url string, opts Options) *Remote {
	opts.defaults()
	return &Remote{URL: url, opts: opts}
}

func (r *Remote) Start(ctx context.Context) (*Sandbox, error) {
	started := time.Now()
	readyCtx, cancel := context.WithTimeout(ctx, r.opts.ReadyTimeout)
	defer cancel()

	u, err := waitReady(readyCtx, r.opts, r.URL)
	if err != nil {
		return nil, err
	}
	recordStartup(r.opts, "remote", started)
	return &Sandbox{ID: "remote-" + idgen.New(), ControlURL: u, Incognito: true, StartedAt: started}, nil
}

func (r *Remote) Stop(context.Context, *Sandbox) error { return nil }
