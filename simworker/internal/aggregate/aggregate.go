// Package aggregate turns a run's step traces into ranked findings and the
// final report.
//
// Confusions are grouped by screen (the frame index in screenshot mode, the
// interned URL path in agent mode) and clustered within each screen by
// Jaccard similarity of their word sets against each cluster's first issue.
// Each cluster becomes a finding scored
//
//	severity = sqrt(frequency) * (avgFriction + avgDropoffRisk) / 2
//
// Clustering and scoring are deterministic for a fixed input; only the
// generated fix text varies between runs.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/uxsim/idgen"
	"github.com/hazyhaar/uxsim/observability"
	"github.com/hazyhaar/uxsim/simworker/internal/completion"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

// ErrEpisodesActive means the run still has PENDING or RUNNING episodes.
var ErrEpisodesActive = errors.New("aggregate: run has active episodes")

// Config tunes the engine.
type Config struct {
	// SimilarityThreshold is the minimum Jaccard similarity to join a
	// cluster. Default: 0.25.
	SimilarityThreshold float64
	// FixTopN is how many top findings get a generated fix. Default: 5.
	FixTopN int
	// FixConcurrency bounds parallel fix generation. Default: 2.
	FixConcurrency int
	// Model is the completion model when the run does not name one.
	Model   string
	Logger  *slog.Logger
	Metrics observability.Recorder
	// NewID generates finding IDs. Default: idgen.Finding.
	NewID idgen.Generator
}

func (c *Config) defaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultThreshold
	}
	if c.FixTopN <= 0 {
		c.FixTopN = 5
	}
	if c.FixConcurrency <= 0 {
		c.FixConcurrency = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.Discard
	}
	if c.NewID == nil {
		c.NewID = idgen.Finding
	}
}

// Engine executes aggregate-report jobs.
type Engine struct {
	store *store.Store
	llm   completion.Provider
	cfg   Config
}

// New creates an aggregation engine.
func New(st *store.Store, llm completion.Provider, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{store: st, llm: llm, cfg: cfg}
}

// Handle aggregates the run named by job. Cancelled and already terminal
// runs are skipped. A failed aggregation marks the run FAILED; a cancelled
// context returns its error so the job is retried.
func (e *Engine) Handle(ctx context.Context, job model.AggregateReportJob) error {
	log := e.cfg.Logger.With("run_id", job.RunID)

	run, err := e.store.GetRun(ctx, job.RunID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("aggregate: run not found, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case run.Status == model.RunCancelled:
		log.Info("aggregate: run cancelled, skipping")
		return nil
	case run.Status.Terminal():
		log.Info("aggregate: run already terminal, skipping", "status", run.Status)
		return nil
	}

	if run.Status != model.RunAggregating {
		active, err := e.store.CountActiveEpisodes(ctx, run.ID)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: %d", ErrEpisodesActive, active)
		}
		if _, err := e.store.TransitionRun(ctx, run.ID, model.RunAggregating, model.RunPending, model.RunSimulating); err != nil {
			return err
		}
	}

	begin := time.Now()
	n, err := e.aggregate(ctx, run)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Error("aggregate: failed", "error", err)
		if _, terr := e.store.TransitionRun(context.WithoutCancel(ctx), run.ID, model.RunFailed, model.RunAggregating); terr != nil {
			return errors.Join(err, terr)
		}
		return nil
	}

	ok, err := e.store.TransitionRun(ctx, run.ID, model.RunCompleted, model.RunAggregating)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("aggregate: run left AGGREGATING meanwhile, report kept")
	}
	e.cfg.Metrics.Observe(observability.MetricFindingsPerRun, float64(n), "findings",
		map[string]string{"mode": string(run.Mode)})
	log.Info("aggregate: done", "findings", n, "duration_ms", time.Since(begin).Milliseconds())
	return nil
}

func (e *Engine) aggregate(ctx context.Context, run *model.Run) (int, error) {
	traces, err := e.load(ctx, run.ID)
	if err != nil {
		return 0, err
	}
	res := Compute(run.ID, run.Mode, traces, e.cfg.SimilarityThreshold)
	for i := range res.Findings {
		res.Findings[i].ID = e.cfg.NewID()
	}

	modelName := run.Config.Model
	if modelName == "" {
		modelName = e.cfg.Model
	}
	if err := e.recommend(ctx, res.Findings, modelName); err != nil {
		return 0, err
	}

	if err := e.store.ReplaceFindings(ctx, run.ID, res.Findings); err != nil {
		return 0, err
	}
	report := res.Report
	report.Findings = res.Findings
	report.GeneratedAt = time.Now().UnixMilli()
	if err := e.store.SaveReport(ctx, &report); err != nil {
		return 0, err
	}
	return len(res.Findings), nil
}

// load reads every episode of the run with its steps and persona name.
func (e *Engine) load(ctx context.Context, runID string) ([]EpisodeTrace, error) {
	eps, err := e.store.ListEpisodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	out := make([]EpisodeTrace, 0, len(eps))
	for _, ep := range eps {
		name, ok := names[ep.PersonaID]
		if !ok {
			p, err := e.store.GetPersona(ctx, ep.PersonaID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				name = ep.PersonaID
			case err != nil:
				return nil, err
			default:
				name = p.Name
			}
			names[ep.PersonaID] = name
		}
		steps, err := e.store.ListSteps(ctx, ep.ID)
		if err != nil {
			return nil, fmt.Errorf("aggregate: steps of %s: %w", ep.ID, err)
		}
		out = append(out, EpisodeTrace{Episode: ep, PersonaName: name, Steps: steps})
	}
	return out, nil
}
