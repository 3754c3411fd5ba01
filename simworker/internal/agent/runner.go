// Package agent runs persona episodes against a live website. Each episode
// owns one sandboxed browser for its whole life; every step observes the
// page, asks the model for one action, repairs and validates the answer,
// records a step trace and executes the action.
//
// Termination rules, checked in order each step:
//
//   - 3 consecutive steps without navigation or a direct interaction
//     (click, type) end ABANDONED;
//   - a cancelled run ends CANCELLED;
//   - 6 consecutive steps facing an overlay without navigating end ABANDONED;
//   - done ends COMPLETED or ABANDONED per its success flag;
//   - completesGoal ends COMPLETED after the action executes;
//   - an exhausted step budget ends ABANDONED.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/uxsim/observability"
	"github.com/hazyhaar/uxsim/simworker/internal/blob"
	"github.com/hazyhaar/uxsim/simworker/internal/browser"
	"github.com/hazyhaar/uxsim/simworker/internal/completion"
	"github.com/hazyhaar/uxsim/simworker/internal/episode"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/sandbox"
	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

// Limits.
const (
	StuckLimit    = 3
	OverlayLimit  = 6
	AbandonGuards = 3
	// MinViewedToAbandon is the page fraction that must have been seen
	// before done(success=false) is honoured.
	MinViewedToAbandon = 0.5
)

// Termination reasons.
const (
	ReasonStuck       = "stuck: no progress for 3 steps"
	ReasonOverlayLoop = "overlay loop"
	ReasonGoalReached = "goal reached"
)

// Connector opens a browser session on a provisioned sandbox.
type Connector func(ctx context.Context, sb *sandbox.Sandbox) (browser.Session, error)

// Config tunes the runner.
type Config struct {
	// MaxSteps is the step budget when neither job nor run sets one.
	// Default: 30.
	MaxSteps int
	// MaxElements caps the element list. Default: browser.DefaultMaxElements.
	MaxElements int
	// Policy is the repair policy. Default: PolicyCoerce.
	Policy Policy
	// ExcerptChars caps the page text excerpt in prompts; 0 disables it.
	ExcerptChars int
	Model        string
	Exec         browser.ExecConfig
	Logger       *slog.Logger
	Metrics      observability.Recorder
}

func (c *Config) defaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 30
	}
	if c.MaxElements <= 0 {
		c.MaxElements = browser.DefaultMaxElements
	}
	if c.Policy == "" {
		c.Policy = PolicyCoerce
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.Discard
	}
}

// Runner executes simulate-agent-episode jobs.
type Runner struct {
	store   *store.Store
	blobs   blob.Store
	llm     completion.Provider
	sandbox sandbox.Provisioner
	connect Connector
	cfg     Config
}

// NewRunner creates an agent runner.
func NewRunner(st *store.Store, blobs blob.Store, llm completion.Provider, prov sandbox.Provisioner, connect Connector, cfg Config) *Runner {
	cfg.defaults()
	return &Runner{store: st, blobs: blobs, llm: llm, sandbox: prov, connect: connect, cfg: cfg}
}

// RodConnector connects with browser.Connect.
func RodConnector(opts browser.ConnectOptions) Connector {
	return func(ctx context.Context, sb *sandbox.Sandbox) (browser.Session, error) {
		o := opts
		o.Incognito = o.Incognito || sb.Incognito
		return browser.Connect(ctx, sb.ControlURL, o)
	}
}

// Handle runs the episode named by job to a terminal status.
func (r *Runner) Handle(ctx context.Context, job model.SimulateAgentEpisodeJob) error {
	deps := episode.Deps{Store: r.store, Logger: r.cfg.Logger, Metrics: r.cfg.Metrics}
	return episode.Run(ctx, deps, model.ModeAgent, job.EpisodeID,
		func(ctx context.Context, ep *model.Episode, run *model.Run) (episode.Outcome, error) {
			return r.loop(ctx, ep, run, job)
		})
}

// state is carried across steps.
type state struct {
	prevURL       string
	lastAction    model.Action
	stuck         int
	overlayStreak int
	guardsUsed    int
	maxViewed     float64 // of the current URL
	memory        string
}

// directInteraction reports whether a counts as progress for the stuck
// counter even when the URL stays the same.
func directInteraction(a model.Action) bool {
	switch a.(type) {
	case model.Click, model.Type:
		return true
	}
	return false
}

func (r *Runner) loop(ctx context.Context, ep *model.Episode, run *model.Run, job model.SimulateAgentEpisodeJob) (out episode.Outcome, err error) {
	log := r.cfg.Logger.With("run_id", run.ID, "episode_id", ep.ID)

	persona, err := r.store.GetPersona(ctx, ep.PersonaID)
	if err != nil {
		return out, err
	}
	flow, err := r.store.GetFlow(ctx, run.FlowID)
	if err != nil {
		return out, err
	}
	startURL := firstNonEmpty(job.URL, flow.StartURL)
	if startURL == "" {
		return out, fmt.Errorf("agent: no start url for flow %s", flow.ID)
	}
	goal := firstNonEmpty(job.Goal, flow.Goal, "Explore "+flow.Name)
	maxSteps := firstPositive(job.MaxSteps, run.Config.MaxSteps, r.cfg.MaxSteps)
	modelName := firstNonEmpty(job.Model, run.Config.Model, r.cfg.Model)

	if cancelled, err := episode.Cancelled(ctx, r.store, run.ID); err != nil {
		return out, err
	} else if cancelled {
		return episode.Outcome{Status: model.EpisodeCancelled, Reason: episode.ReasonRunCancelled}, nil
	}

	sb, err := r.sandbox.Start(ctx)
	if err != nil {
		return out, fmt.Errorf("agent: sandbox: %w", err)
	}
	defer func() {
		if err := r.sandbox.Stop(context.Background(), sb); err != nil {
			log.Warn("agent: sandbox stop failed", "sandbox", sb.ID, "error", err)
		}
	}()

	sess, err := r.connect(ctx, sb)
	if err != nil {
		return out, fmt.Errorf("agent: connect: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("agent: session close", "error", err)
		}
	}()

	if err := sess.Navigate(ctx, startURL); err != nil {
		return out, err
	}
	exec := browser.NewExecutor(sess, r.cfg.Exec, log)
	system := systemPrompt(persona)

	var st state
	for step := 0; step < maxSteps; step++ {
		out.Steps = step
		done, res, err := r.step(ctx, log, sess, exec, &st, stepEnv{
			ep: ep, run: run, goal: goal, system: system, model: modelName,
			step: step, maxSteps: maxSteps,
		})
		if err != nil {
			return out, err
		}
		if done {
			return res, nil
		}
	}
	return episode.Outcome{Status: model.EpisodeAbandoned, Reason: episode.ReasonMaxSteps, Steps: maxSteps}, nil
}

type stepEnv struct {
	ep       *model.Episode
	run      *model.Run
	goal     string
	system   string
	model    string
	step     int
	maxSteps int
}

// step runs one step. It returns true with an outcome when the episode
// ends at this step.
func (r *Runner) step(ctx context.Context, log *slog.Logger, sess browser.Session, exec *browser.Executor, st *state, env stepEnv) (bool, episode.Outcome, error) {
	step := env.step
	end := func(status model.EpisodeStatus, reason string, steps int) (bool, episode.Outcome, error) {
		return true, episode.Outcome{Status: status, Reason: reason, Steps: steps}, nil
	}

	// Location.
	url, err := sess.URL(ctx)
	if err != nil {
		return false, episode.Outcome{}, fmt.Errorf("agent: step %d: %w", step, err)
	}
	title, err := sess.Title(ctx)
	if err != nil {
		log.Debug("agent: title unavailable", "error", err)
	}
	changed := step > 0 && url != st.prevURL
	if changed {
		// The abandon guard looks at how much of the current page was seen.
		st.maxViewed = 0
	}

	// Stuck detection.
	if step > 0 {
		if changed || directInteraction(st.lastAction) {
			st.stuck = 0
		} else {
			st.stuck++
		}
		if st.stuck >= StuckLimit {
			log.Info("agent: stuck, abandoning", "step", step, "url", url)
			return end(model.EpisodeAbandoned, ReasonStuck, step)
		}
	}

	if cancelled, err := episode.Cancelled(ctx, r.store, env.run.ID); err != nil {
		return false, episode.Outcome{}, err
	} else if cancelled {
		return end(model.EpisodeCancelled, episode.ReasonRunCancelled, step)
	}

	ov, err := sess.DetectOverlay(ctx)
	if err != nil {
		log.Debug("agent: overlay detection failed", "error", err)
		ov = browser.Overlay{}
	}
	switch {
	case !ov.Present || changed:
		st.overlayStreak = 0
	default:
		st.overlayStreak++
	}
	if ov.Present && !changed && st.overlayStreak >= OverlayLimit {
		log.Info("agent: overlay loop, abandoning", "step", step, "overlay", ov.Label)
		return end(model.EpisodeAbandoned, ReasonOverlayLoop, step)
	}

	shot, err := sess.Screenshot(ctx)
	if err != nil {
		return false, episode.Outcome{}, fmt.Errorf("agent: step %d: %w", step, err)
	}
	key := blob.StepKey(env.run.ID, env.ep.ID, step)
	if err := r.blobs.Save(ctx, key, shot); err != nil {
		return false, episode.Outcome{}, err
	}
	scroll, err := sess.ScrollInfo(ctx)
	if err != nil {
		log.Debug("agent: scroll info unavailable", "error", err)
	} else {
		st.maxViewed = max(st.maxViewed, scroll.ViewedBottom())
	}

	raw, err := sess.Elements(ctx)
	if err != nil {
		log.Warn("agent: element extraction failed", "step", step, "error", err)
	}
	elems, dropped := browser.Prioritize(raw, r.cfg.MaxElements)
	if dropped > 0 {
		r.cfg.Metrics.Observe(observability.MetricElementsDroppedCount, float64(dropped), "elements", nil)
	}

	excerpt := ""
	if r.cfg.ExcerptChars > 0 {
		if html, err := sess.MainHTML(ctx); err == nil {
			excerpt = browser.Excerpt(html, url, r.cfg.ExcerptChars)
		}
	}

	resp, err := r.llm.CompleteJSONWithImage(ctx, shot, completion.Request{
		Model:  env.model,
		System: env.system,
		Schema: schema,
		Prompt: stepPrompt(stepInput{
			Goal: env.goal, URL: url, Title: title, Memory: st.memory,
			Scroll: scroll, Overlay: ov, Elements: elems, Dropped: dropped,
			Excerpt: excerpt, Step: step, MaxSteps: env.maxSteps,
		}),
	})
	if err != nil {
		return false, episode.Outcome{}, fmt.Errorf("agent: step %d: %w", step, err)
	}
	fixed, repairs := Repair(resp, r.cfg.Policy)
	dec, err := Validate(fixed)
	if err != nil {
		return false, episode.Outcome{}, fmt.Errorf("agent: step %d: %w", step, err)
	}
	if len(repairs) > 0 {
		r.cfg.Metrics.Observe(observability.MetricRepairedDecisions, float64(len(repairs)), "repairs",
			map[string]string{"policy": string(r.cfg.Policy)})
	}
	reasoning := dec.Reasoning
	reasoning.Repairs = repairs
	act := dec.Action

	// Do not let the persona give up on a page it has mostly not seen.
	if d, ok := act.(model.Done); ok && !d.Success && st.maxViewed < MinViewedToAbandon && st.guardsUsed < AbandonGuards {
		st.guardsUsed++
		log.Info("agent: abandon overridden, page mostly unseen", "step", step,
			"viewed", st.maxViewed, "overrides", st.guardsUsed)
		act = model.Scroll{Direction: model.Down}
		reasoning.AbandonOverridden = true
		reasoning.Intent = model.IntentScroll
		reasoning.CompletesGoal = false
	}

	trace := &model.StepTrace{
		EpisodeID: env.ep.ID,
		StepIndex: step,
		Observation: model.Observation{
			URL:             url,
			Title:           title,
			ScrollY:         scroll.ScrollY,
			ViewportHeight:  scroll.ViewportHeight,
			PageHeight:      scroll.PageHeight,
			Overlay:         ov.Present,
			OverlayKind:     ov.Kind,
			ElementCount:    len(elems),
			ElementsDropped: dropped,
		},
		Reasoning:     reasoning,
		Action:        model.Record(act),
		ScreenshotKey: key,
	}
	if err := r.store.UpsertStep(ctx, trace); err != nil {
		return false, episode.Outcome{}, err
	}

	if reasoning.Memory != "" {
		st.memory = reasoning.Memory
	}
	st.prevURL = url
	st.lastAction = act
	if err := r.store.TouchEpisode(ctx, env.ep.ID, step+1); err != nil {
		log.Warn("agent: touch episode failed", "error", err)
	}

	// done ends without touching the page.
	if d, ok := act.(model.Done); ok {
		if d.Success {
			return end(model.EpisodeCompleted, d.Reason, step+1)
		}
		return end(model.EpisodeAbandoned, d.Reason, step+1)
	}

	// A failed action is recorded as friction and the episode goes on.
	if err := exec.Execute(ctx, act, elems); err != nil {
		if ctx.Err() != nil {
			return false, episode.Outcome{}, ctx.Err()
		}
		log.Warn("agent: action failed", "step", step, "action", act.Kind(), "error", err)
		trace.Reasoning.ExecError = err.Error()
		if err := r.store.UpsertStep(ctx, trace); err != nil {
			return false, episode.Outcome{}, err
		}
	}

	if reasoning.CompletesGoal {
		return end(model.EpisodeCompleted, ReasonGoalReached, step+1)
	}
	return false, episode.Outcome{}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
