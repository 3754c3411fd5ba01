// Package screenshot runs persona episodes over a static, ordered sequence
// of uploaded frames. Each step shows the persona one frame, asks the model
// for a classified next move and applies a deterministic transition:
//
//	ABANDON                   -> ABANDONED
//	BACK                      -> max(0, i-1)
//	HESITATE, SCROLL, SEEK_INFO -> stay on i
//	anything else             -> i+1, or COMPLETED past the last frame
//
// Two stall guards keep episodes moving: three consecutive steps on one
// frame force an advance, and a second consecutive SCROLL on one frame is
// read as CLICK_PRIMARY_CTA (a frame is a full-page capture, scrolling
// cannot reveal anything new).
package screenshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/uxsim/observability"
	"github.com/hazyhaar/uxsim/simworker/internal/blob"
	"github.com/hazyhaar/uxsim/simworker/internal/completion"
	"github.com/hazyhaar/uxsim/simworker/internal/decision"
	"github.com/hazyhaar/uxsim/simworker/internal/episode"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

// StallLimit is the number of consecutive steps on one frame that forces an
// advance.
const StallLimit = 3

// Config tunes the runner.
type Config struct {
	// MaxSteps is the step budget when the run does not set one. Default: 25.
	MaxSteps int
	// Model is the completion model when neither job nor run names one.
	Model   string
	Logger  *slog.Logger
	Metrics observability.Recorder
}

func (c *Config) defaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 25
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.Discard
	}
}

// Runner executes simulate-screenshot-episode jobs.
type Runner struct {
	store *store.Store
	blobs blob.Store
	llm   completion.Provider
	cfg   Config
}

// NewRunner creates a screenshot runner.
func NewRunner(st *store.Store, blobs blob.Store, llm completion.Provider, cfg Config) *Runner {
	cfg.defaults()
	return &Runner{store: st, blobs: blobs, llm: llm, cfg: cfg}
}

// Handle runs the episode named by job to a terminal status.
func (r *Runner) Handle(ctx context.Context, job model.SimulateEpisodeJob) error {
	deps := episode.Deps{Store: r.store, Logger: r.cfg.Logger, Metrics: r.cfg.Metrics}
	return episode.Run(ctx, deps, model.ModeScreenshot, job.EpisodeID,
		func(ctx context.Context, ep *model.Episode, run *model.Run) (episode.Outcome, error) {
			return r.loop(ctx, ep, run, job.Model)
		})
}

// state is carried across steps.
type state struct {
	index      int
	memory     string
	stay       int
	prevIntent model.Intent
}

func (r *Runner) loop(ctx context.Context, ep *model.Episode, run *model.Run, jobModel string) (episode.Outcome, error) {
	log := r.cfg.Logger.With("run_id", run.ID, "episode_id", ep.ID)

	persona, err := r.store.GetPersona(ctx, ep.PersonaID)
	if err != nil {
		return episode.Outcome{}, err
	}
	flow, err := r.store.GetFlow(ctx, run.FlowID)
	if err != nil {
		return episode.Outcome{}, err
	}
	frames, err := r.store.ListFrames(ctx, flow.ID)
	if err != nil {
		return episode.Outcome{}, err
	}
	if len(frames) == 0 {
		return episode.Outcome{}, fmt.Errorf("screenshot: flow %s has no frames", flow.ID)
	}

	maxSteps := r.cfg.MaxSteps
	if run.Config.MaxSteps > 0 {
		maxSteps = run.Config.MaxSteps
	}
	modelName := firstNonEmpty(jobModel, run.Config.Model, r.cfg.Model)
	system := systemPrompt(persona)

	var st state
	for step := 0; step < maxSteps; step++ {
		if cancelled, err := episode.Cancelled(ctx, r.store, run.ID); err != nil {
			return episode.Outcome{Steps: step}, err
		} else if cancelled {
			return episode.Outcome{Status: model.EpisodeCancelled, Reason: episode.ReasonRunCancelled, Steps: step}, nil
		}

		frame := frames[st.index]
		img, err := r.blobs.Get(ctx, frame.BlobKey)
		if err != nil {
			return episode.Outcome{Steps: step}, fmt.Errorf("screenshot: frame %d: %w", st.index, err)
		}

		raw, err := r.llm.CompleteJSONWithImage(ctx, img, completion.Request{
			Model:  modelName,
			System: system,
			Prompt: stepPrompt(flow, frame, st.index, len(frames), st.memory, st.stay > 0),
			Schema: schema,
		})
		if err != nil {
			return episode.Outcome{Steps: step}, fmt.Errorf("screenshot: step %d: %w", step, err)
		}
		decision.ToArray(raw, "confusions")
		reasoning, err := decision.Parse(raw, model.ScreenshotIntents)
		if err != nil {
			return episode.Outcome{Steps: step}, fmt.Errorf("screenshot: step %d: %w", step, err)
		}
		decision.ClampScores(&reasoning)

		next, status := advance(&st, &reasoning, len(frames))

		idx := st.index
		trace := &model.StepTrace{
			EpisodeID: ep.ID,
			StepIndex: step,
			Observation: model.Observation{
				FrameIndex: &idx,
				FrameLabel: frame.Label,
			},
			Reasoning:     reasoning,
			ScreenshotKey: frame.BlobKey,
		}
		if err := r.store.UpsertStep(ctx, trace); err != nil {
			return episode.Outcome{Steps: step}, err
		}
		if err := r.store.TouchEpisode(ctx, ep.ID, step+1); err != nil {
			log.Warn("screenshot: touch episode failed", "error", err)
		}
		log.Debug("screenshot: step", "step", step, "frame", idx, "intent", reasoning.Intent,
			"next", next, "forced", reasoning.ForcedAdvance, "rewritten", reasoning.ScrollRewritten)

		if reasoning.Memory != "" {
			st.memory = reasoning.Memory
		}
		if status != "" {
			return episode.Outcome{Status: status, Steps: step + 1}, nil
		}
		st.index = next
	}
	return episode.Outcome{Status: model.EpisodeAbandoned, Reason: episode.ReasonMaxSteps, Steps: maxSteps}, nil
}

// advance applies the stall guards to reasoning, then the transition. It
// returns the next frame index, or a terminal status.
func advance(st *state, r *model.Reasoning, frames int) (int, model.EpisodeStatus) {
	if r.Intent == model.IntentScroll && st.prevIntent == model.IntentScroll && st.stay > 0 {
		r.Intent = model.IntentClickPrimaryCTA
		r.ScrollRewritten = true
	}
	next, status := transition(st.index, frames, r.Intent)
	if status == "" && next == st.index {
		if st.stay+1 >= StallLimit {
			r.ForcedAdvance = true
			next, status = transition(st.index, frames, model.IntentClickPrimaryCTA)
		}
	}
	if status == "" && next == st.index {
		st.stay++
	} else {
		st.stay = 0
	}
	st.prevIntent = r.Intent
	return next, status
}

// transition is the frame state machine without guards.
func transition(i, frames int, in model.Intent) (int, model.EpisodeStatus) {
	switch in {
	case model.IntentAbandon:
		return i, model.EpisodeAbandoned
	case model.IntentBack:
		return max(0, i-1), ""
	case model.IntentHesitate, model.IntentScroll, model.IntentSeekInfo:
		return i, ""
	default:
		if i+1 >= frames {
			return i, model.EpisodeCompleted
		}
		return i + 1, ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
