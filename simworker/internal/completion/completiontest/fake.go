// Package completiontest provides a scripted completion.Provider for tests.
package completiontest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/hazyhaar/uxsim/simworker/internal/completion"
)

// Call is one recorded request.
type Call struct {
	Req   completion.Request
	Image []byte
}

// Fake answers CompleteJSON and CompleteJSONWithImage with Fn. Every
// returned object is a fresh JSON-decoded copy, so numbers are float64 as
// they would be off the wire.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	Fn func(n int, req completion.Request) (map[string]any, error)
	// Description is returned by DescribeImage.
	Description string
}

// Queue returns a Fake that replies with objs in order and repeats the last
// one once exhausted.
func Queue(objs ...map[string]any) *Fake {
	return &Fake{Fn: func(n int, _ completion.Request) (map[string]any, error) {
		if len(objs) == 0 {
			return nil, errors.New("completiontest: no responses")
		}
		if n >= len(objs) {
			n = len(objs) - 1
		}
		return objs[n], nil
	}}
}

// Failing returns a Fake whose every call fails with err.
func Failing(err error) *Fake {
	return &Fake{Fn: func(int, completion.Request) (map[string]any, error) { return nil, err }}
}

func (f *Fake) call(req completion.Request, image []byte) (map[string]any, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, Call{Req: req, Image: image})
	f.mu.Unlock()

	obj, err := f.Fn(n, req)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fake) CompleteJSON(_ context.Context, req completion.Request) (map[string]any, error) {
	return f.call(req, nil)
}

func (f *Fake) CompleteJSONWithImage(_ context.Context, image []byte, req completion.Request) (map[string]any, error) {
	return f.call(req, image)
}

func (f *Fake) DescribeImage(_ context.Context, image []byte, prompt, model string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Req: completion.Request{Model: model, Prompt: prompt}, Image: image})
	f.mu.Unlock()
	return f.Description, nil
}

// Calls returns a copy of the recorded requests.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

var _ completion.Provider = (*Fake)(nil)
