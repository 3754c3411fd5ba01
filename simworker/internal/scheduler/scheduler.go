// Package scheduler consumes the worker's three job kinds with independently
// bounded pools, advances runs to aggregation once their last episode
// finishes, and heals episodes orphaned by a previous process at startup.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/uxsim/observability"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/queue"
	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

// Reasons written on episodes the scheduler fails itself.
const (
	ReasonOrphaned    = "orphaned by previous process"
	ReasonMaxAttempts = "max attempts exceeded"
)

// Queues are the three job queues, one per kind.
type Queues struct {
	Screenshot *queue.Q
	Agent      *queue.Q
	Aggregate  *queue.Q
}

// Handlers execute one decoded job each. A returned error nacks the job.
type Handlers struct {
	Screenshot func(ctx context.Context, job model.SimulateEpisodeJob) error
	Agent      func(ctx context.Context, job model.SimulateAgentEpisodeJob) error
	Aggregate  func(ctx context.Context, job model.AggregateReportJob) error
}

// Config tunes the scheduler.
type Config struct {
	// Pool sizes. Defaults: 2, 2, 1.
	ScreenshotConcurrency int
	AgentConcurrency      int
	AggregateConcurrency  int
	// StaleAfter is how long a RUNNING episode may go without progress
	// before startup recovery fails it. Default: 20m.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    observability.Recorder
}

func (c *Config) defaults() {
	if c.ScreenshotConcurrency <= 0 {
		c.ScreenshotConcurrency = 2
	}
	if c.AgentConcurrency <= 0 {
		c.AgentConcurrency = 2
	}
	if c.AggregateConcurrency <= 0 {
		c.AggregateConcurrency = 1
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 20 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.Discard
	}
}

// Scheduler dispatches jobs to the runners.
type Scheduler struct {
	store  *store.Store
	queues Queues
	h      Handlers
	cfg    Config
}

// New creates a scheduler and installs its discard callbacks on queues.
func New(st *store.Store, queues Queues, h Handlers, cfg Config) *Scheduler {
	cfg.defaults()
	s := &Scheduler{store: st, queues: queues, h: h, cfg: cfg}
	if queues.Screenshot != nil {
		queues.Screenshot.SetOnDiscard(episodeDiscard(s, model.KindScreenshotEpisode, screenshotIDs))
	}
	if queues.Agent != nil {
		queues.Agent.SetOnDiscard(episodeDiscard(s, model.KindAgentEpisode, agentIDs))
	}
	if queues.Aggregate != nil {
		queues.Aggregate.SetOnDiscard(s.aggregateDiscard)
	}
	return s
}

func screenshotIDs(j model.SimulateEpisodeJob) (string, string) { return j.RunID, j.EpisodeID }

func agentIDs(j model.SimulateAgentEpisodeJob) (string, string) { return j.RunID, j.EpisodeID }

// Run recovers orphaned work, then consumes all three queues until ctx is
// cancelled. In-flight jobs are drained before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("scheduler: recover: %w", err)
	}

	var wg sync.WaitGroup
	pool := func(q *queue.Q, n int, h queue.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Consume(ctx, n, h)
		}()
	}
	pool(s.queues.Screenshot, s.cfg.ScreenshotConcurrency,
		episodeHandler(s, model.KindScreenshotEpisode, s.h.Screenshot, screenshotIDs))
	pool(s.queues.Agent, s.cfg.AgentConcurrency,
		episodeHandler(s, model.KindAgentEpisode, s.h.Agent, agentIDs))
	pool(s.queues.Aggregate, s.cfg.AggregateConcurrency, s.aggregateHandler())

	s.cfg.Logger.Info("scheduler: started",
		"screenshot", s.cfg.ScreenshotConcurrency,
		"agent", s.cfg.AgentConcurrency,
		"aggregate", s.cfg.AggregateConcurrency)
	wg.Wait()
	s.cfg.Logger.Info("scheduler: stopped")
	return nil
}

// Recover fails RUNNING episodes that made no progress within StaleAfter
// and re-evaluates their runs. Runs left AGGREGATING get their aggregation
// job re-published (a no-op when it is still queued).
func (s *Scheduler) Recover(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StaleAfter).UnixMilli()
	runIDs, err := s.store.FailStaleEpisodes(ctx, cutoff, ReasonOrphaned)
	if err != nil {
		return err
	}
	if len(runIDs) > 0 {
		s.cfg.Logger.Warn("scheduler: failed orphaned episodes", "runs", len(runIDs))
	}
	for _, id := range runIDs {
		if _, err := s.AdvanceRun(ctx, id); err != nil {
			return err
		}
	}

	aggregating, err := s.store.ListRuns(ctx, model.RunAggregating, 1000)
	if err != nil {
		return err
	}
	for _, r := range aggregating {
		if _, err := s.publishAggregate(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceRun moves the run to AGGREGATING and enqueues its aggregation job
// once no episode is PENDING or RUNNING. The status compare-and-set and the
// run-derived job ID both keep concurrent callers from enqueueing twice. It
// reports whether this call advanced the run.
func (s *Scheduler) AdvanceRun(ctx context.Context, runID string) (bool, error) {
	active, err := s.store.CountActiveEpisodes(ctx, runID)
	if err != nil {
		return false, err
	}
	if active > 0 {
		return false, nil
	}
	moved, err := s.store.TransitionRun(ctx, runID, model.RunAggregating, model.RunPending, model.RunSimulating)
	if err != nil || !moved {
		return false, err
	}
	if _, err := s.publishAggregate(ctx, runID); err != nil {
		return true, err
	}
	s.cfg.Logger.Info("scheduler: run ready for aggregation", "run_id", runID)
	return true, nil
}

func (s *Scheduler) publishAggregate(ctx context.Context, runID string) (bool, error) {
	payload, err := json.Marshal(model.AggregateReportJob{RunID: runID})
	if err != nil {
		return false, err
	}
	return s.queues.Aggregate.PublishOnce(ctx, model.AggregateJobID(runID), payload)
}

// episodeHandler decodes an episode job, runs it and re-checks the owning
// run whatever the outcome.
func episodeHandler[J any](s *Scheduler, kind string, run func(context.Context, J) error, ids func(J) (string, string)) queue.Handler {
	return func(ctx context.Context, qj *queue.Job) error {
		var job J
		if err := json.Unmarshal(qj.Payload, &job); err != nil {
			s.outcome(kind, "poison")
			s.cfg.Logger.Error("scheduler: undecodable job, dropping", "kind", kind, "id", qj.ID, "error", err)
			return nil
		}
		runID, episodeID := ids(job)

		err := run(ctx, job)
		switch {
		case err == nil:
			s.outcome(kind, "ok")
		case ctx.Err() != nil:
			s.outcome(kind, "interrupted")
		default:
			s.outcome(kind, "error")
		}

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		s.advanceAfter(actx, runID, episodeID)
		return err
	}
}

// episodeDiscard fails the episode of a job dropped after too many
// attempts, then re-checks its run.
func episodeDiscard[J any](s *Scheduler, kind string, ids func(J) (string, string)) func(context.Context, *queue.Job) {
	return func(ctx context.Context, qj *queue.Job) {
		s.outcome(kind, "discarded")
		var job J
		if err := json.Unmarshal(qj.Payload, &job); err != nil {
			return
		}
		runID, episodeID := ids(job)
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		ep, err := s.store.GetEpisode(ctx, episodeID)
		if err != nil {
			s.cfg.Logger.Warn("scheduler: discarded job without episode", "id", qj.ID, "episode_id", episodeID, "error", err)
			return
		}
		failed, err := s.store.FinishEpisode(ctx, ep.ID, model.EpisodeFailed, ReasonMaxAttempts, ep.StepCount)
		if err != nil {
			s.cfg.Logger.Error("scheduler: fail discarded episode", "episode_id", ep.ID, "error", err)
			return
		}
		if failed {
			s.cfg.Logger.Warn("scheduler: episode failed after max attempts", "episode_id", ep.ID, "attempts", qj.Attempts)
		}
		s.advanceAfter(ctx, firstNonEmpty(runID, ep.RunID), ep.ID)
	}
}

// aggregateDiscard fails a run whose aggregation kept failing. A run that
// is not AGGREGATING yet is left alone: AdvanceRun publishes a fresh job
// once its episodes finish.
func (s *Scheduler) aggregateDiscard(ctx context.Context, qj *queue.Job) {
	s.outcome(model.KindAggregateReport, "discarded")
	var job model.AggregateReportJob
	if err := json.Unmarshal(qj.Payload, &job); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	failed, err := s.store.TransitionRun(ctx, job.RunID, model.RunFailed, model.RunAggregating)
	if err != nil {
		s.cfg.Logger.Error("scheduler: fail run after max attempts", "run_id", job.RunID, "error", err)
		return
	}
	if failed {
		s.cfg.Logger.Warn("scheduler: run failed, aggregation exceeded max attempts", "run_id", job.RunID, "attempts", qj.Attempts)
	}
}

// advanceAfter re-checks the run owning episodeID. runID may be empty, in
// which case it is looked up.
func (s *Scheduler) advanceAfter(ctx context.Context, runID, episodeID string) {
	if runID == "" {
		runID = s.runOf(ctx, episodeID)
	}
	if runID == "" {
		return
	}
	if _, err := s.AdvanceRun(ctx, runID); err != nil {
		s.cfg.Logger.Error("scheduler: advance run", "run_id", runID, "error", err)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (s *Scheduler) runOf(ctx context.Context, episodeID string) string {
	ep, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.cfg.Logger.Warn("scheduler: episode lookup", "episode_id", episodeID, "error", err)
		}
		return ""
	}
	return ep.RunID
}

func (s *Scheduler) aggregateHandler() queue.Handler {
	return func(ctx context.Context, qj *queue.Job) error {
		var job model.AggregateReportJob
		if err := json.Unmarshal(qj.Payload, &job); err != nil {
			s.outcome(model.KindAggregateReport, "poison")
			s.cfg.Logger.Error("scheduler: undecodable job, dropping", "kind", model.KindAggregateReport, "id", qj.ID, "error", err)
			return nil
		}
		err := s.h.Aggregate(ctx, job)
		if err != nil {
			s.outcome(model.KindAggregateReport, "error")
			return err
		}
		s.outcome(model.KindAggregateReport, "ok")
		return nil
	}
}

func (s *Scheduler) outcome(kind, outcome string) {
	s.cfg.Metrics.Observe(observability.MetricJobOutcome, 1, "jobs",
		map[string]string{"kind": kind, "outcome": outcome})
}
