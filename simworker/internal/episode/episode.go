// Package episode wraps a runner's step loop with the lifecycle every
// episode job shares: replay skip, RUNNING transition, panic recovery,
// terminal status write and episode metrics.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/uxsim/observability"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

// Outcome is how a step loop ended.
type Outcome struct {
	Status model.EpisodeStatus
	Reason string
	Steps  int
}

// Loop runs the steps of one episode. A returned error fails the episode
// unless the context was cancelled.
type Loop func(ctx context.Context, ep *model.Episode, run *model.Run) (Outcome, error)

// Deps are the collaborators of Run.
type Deps struct {
	Store   *store.Store
	Logger  *slog.Logger
	Metrics observability.Recorder
}

// Reasons written on terminal episodes.
const (
	ReasonMaxSteps     = "max_steps"
	ReasonRunCancelled = "run cancelled"
)

// Run executes loop for episodeID. Terminal episodes (a replayed job) are
// skipped. When ctx is cancelled mid-loop the episode is left RUNNING and
// the context error is returned so the job is retried.
func Run(ctx context.Context, d Deps, mode model.RunMode, episodeID string, loop Loop) error {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = observability.Discard
	}
	log = log.With("episode_id", episodeID, "mode", mode)

	ep, err := d.Store.GetEpisode(ctx, episodeID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("episode: not found, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	if ep.Status.Terminal() {
		log.Info("episode: already terminal, skipping", "status", ep.Status)
		return nil
	}
	run, err := d.Store.GetRun(ctx, ep.RunID)
	if err != nil {
		return err
	}
	log = log.With("run_id", run.ID)
	if run.Status == model.RunCancelled {
		_, err := d.Store.FinishEpisode(ctx, ep.ID, model.EpisodeCancelled, ReasonRunCancelled, ep.StepCount)
		return err
	}

	started, err := d.Store.StartEpisode(ctx, ep.ID)
	if err != nil {
		return err
	}
	if !started {
		log.Info("episode: finished concurrently, skipping")
		return nil
	}
	if moved, err := d.Store.TransitionRun(ctx, run.ID, model.RunSimulating, model.RunPending); err != nil {
		log.Warn("episode: run transition failed", "error", err)
	} else if moved {
		log.Info("episode: run simulating")
	}

	begin := time.Now()
	out, err := safeLoop(ctx, log, loop, ep, run)
	if err != nil && ctx.Err() != nil {
		log.Info("episode: interrupted, leaving for replay", "steps", out.Steps, "error", err)
		return err
	}
	if err != nil {
		out.Status = model.EpisodeFailed
		out.Reason = err.Error()
		log.Error("episode: failed", "steps", out.Steps, "error", err)
	}

	if _, ferr := d.Store.FinishEpisode(ctx, ep.ID, out.Status, out.Reason, out.Steps); ferr != nil {
		return ferr
	}
	labels := map[string]string{"mode": string(mode), "status": string(out.Status)}
	metrics.Observe(observability.MetricEpisodeDurationMs, float64(time.Since(begin).Milliseconds()), "ms", labels)
	metrics.Observe(observability.MetricEpisodeSteps, float64(out.Steps), "steps", labels)
	log.Info("episode: finished", "status", out.Status, "reason", out.Reason, "steps", out.Steps,
		"duration", time.Since(begin))
	return nil
}

func safeLoop(ctx context.Context, log *slog.Logger, loop Loop, ep *model.Episode, run *model.Run) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("episode: panic in step loop", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("episode: panic: %v", r)
		}
	}()
	return loop(ctx, ep, run)
}

// Cancelled polls the run's persisted status.
func Cancelled(ctx context.Context, st *store.Store, runID string) (bool, error) {
	status, err := st.RunStatus(ctx, runID)
	if err != nil {
		return false, err
	}
	return status == model.RunCancelled, nil
}
