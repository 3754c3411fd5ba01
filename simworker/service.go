// Package simworker is the persona UX simulation worker: it consumes episode
// and aggregation jobs from SQLite-backed queues, drives screenshot and live
// browser episodes, and writes ranked findings and reports.
//
// Usage:
//
//	cfg, _ := simworker.LoadConfigFile("simworker.yaml")
//	db, _ := simworker.OpenDB(cfg)
//	svc, _ := simworker.New(db, cfg, logger)
//	svc.Run(ctx) // blocks until ctx is cancelled
package simworker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/uxsim/dbopen"
	"github.com/hazyhaar/uxsim/idgen"
	"github.com/hazyhaar/uxsim/observability"
	"github.com/hazyhaar/uxsim/simworker/internal/agent"
	"github.com/hazyhaar/uxsim/simworker/internal/aggregate"
	"github.com/hazyhaar/uxsim/simworker/internal/blob"
	"github.com/hazyhaar/uxsim/simworker/internal/browser"
	"github.com/hazyhaar/uxsim/simworker/internal/completion"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/queue"
	"github.com/hazyhaar/uxsim/simworker/internal/sandbox"
	"github.com/hazyhaar/uxsim/simworker/internal/scheduler"
	"github.com/hazyhaar/uxsim/simworker/internal/screenshot"
	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

// Version is reported by the MCP server.
const Version = "0.3.0"

var (
	// ErrUnknownKind means a job kind the worker does not consume.
	ErrUnknownKind = errors.New("simworker: unknown job kind")
	// ErrBadPayload means a job payload failed to decode or lacks a field.
	ErrBadPayload = errors.New("simworker: bad job payload")
)

// OpenDB opens the worker database with every schema applied.
func OpenDB(cfg *Config) (*sql.DB, error) {
	return dbopen.Open(cfg.Database,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(queue.Schema),
		dbopen.WithSchema(observability.Schema),
	)
}

// Service wires the store, queues, runners and ops surfaces together.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	db     *sql.DB

	store   *store.Store
	blobs   blob.Store
	llm     completion.Provider
	prov    sandbox.Provisioner
	connect agent.Connector
	metrics observability.Recorder
	mm      *observability.MetricsManager

	queues    scheduler.Queues
	sched     *scheduler.Scheduler
	heartbeat *observability.HeartbeatWriter
	mcp       *mcp.Server
}

// Option overrides a collaborator, mostly for tests.
type Option func(*Service)

// WithProvider replaces the HTTP completion client.
func WithProvider(p completion.Provider) Option { return func(s *Service) { s.llm = p } }

// WithProvisioner replaces the configured sandbox backend.
func WithProvisioner(p sandbox.Provisioner) Option { return func(s *Service) { s.prov = p } }

// WithConnector replaces the rod session connector.
func WithConnector(c agent.Connector) Option { return func(s *Service) { s.connect = c } }

// WithBlobStore replaces the filesystem object store.
func WithBlobStore(b blob.Store) Option { return func(s *Service) { s.blobs = b } }

// WithMetrics replaces the SQLite metrics manager.
func WithMetrics(r observability.Recorder) Option { return func(s *Service) { s.metrics = r } }

// New builds a Service on db, which must carry the schemas OpenDB applies.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger, db: db, store: store.NewStore(db)}
	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.mm = observability.NewMetricsManager(db, 100, 10*time.Second, logger)
		s.metrics = s.mm
	}
	if s.blobs == nil {
		s.blobs = blob.NewFS(cfg.BlobDir)
	}
	if s.llm == nil {
		s.llm = completion.NewClient(completion.Config{
			BaseURL:       cfg.Completion.BaseURL,
			APIKey:        cfg.Completion.APIKey,
			DefaultModel:  cfg.Completion.DefaultModel,
			Timeout:       cfg.Completion.Timeout,
			RatePerSecond: cfg.Completion.RatePerSecond,
			Burst:         cfg.Completion.Burst,
			MaxTokens:     cfg.Completion.MaxTokens,
		}, logger, s.metrics)
	}
	if s.prov == nil {
		s.prov = s.provisioner()
	}
	if s.connect == nil {
		s.connect = agent.RodConnector(browser.ConnectOptions{
			Stealth:        cfg.Browser.Stealth,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Logger:         logger,
		})
	}

	mk := func(kind string) *queue.Q {
		return queue.New(db, queue.Options{
			Queue:        kind,
			Visibility:   cfg.Workers.Visibility,
			PollInterval: cfg.Workers.PollInterval,
			MaxAttempts:  cfg.Workers.MaxAttempts,
			Logger:       logger,
		})
	}
	s.queues = scheduler.Queues{
		Screenshot: mk(model.KindScreenshotEpisode),
		Agent:      mk(model.KindAgentEpisode),
		Aggregate:  mk(model.KindAggregateReport),
	}

	shots := screenshot.NewRunner(s.store, s.blobs, s.llm, screenshot.Config{
		MaxSteps: cfg.Screenshot.MaxSteps,
		Model:    cfg.Completion.DefaultModel,
		Logger:   logger,
		Metrics:  s.metrics,
	})
	agents := agent.NewRunner(s.store, s.blobs, s.llm, s.prov, s.connect, agent.Config{
		MaxSteps:     cfg.Agent.MaxSteps,
		MaxElements:  cfg.Agent.MaxElements,
		Policy:       agent.ParsePolicy(cfg.Agent.RepairPolicy),
		ExcerptChars: cfg.Agent.PageExcerptChars,
		Model:        cfg.Completion.DefaultModel,
		Exec: browser.ExecConfig{
			SettleTimeout: cfg.Browser.SettleTimeout,
			WaitPause:     cfg.Browser.WaitPause,
		},
		Logger:  logger,
		Metrics: s.metrics,
	})
	agg := aggregate.New(s.store, s.llm, aggregate.Config{
		SimilarityThreshold: cfg.Aggregate.SimilarityThreshold,
		FixTopN:             cfg.Aggregate.FixTopN,
		Model:               cfg.Completion.DefaultModel,
		Logger:              logger,
		Metrics:             s.metrics,
	})

	s.sched = scheduler.New(s.store, s.queues, scheduler.Handlers{
		Screenshot: shots.Handle,
		Agent:      agents.Handle,
		Aggregate:  agg.Handle,
	}, scheduler.Config{
		ScreenshotConcurrency: cfg.Workers.ScreenshotConcurrency,
		AgentConcurrency:      cfg.Workers.AgentConcurrency,
		AggregateConcurrency:  cfg.Workers.AggregateConcurrency,
		StaleAfter:            cfg.Workers.StaleAfter,
		Logger:                logger,
		Metrics:               s.metrics,
	})
	s.heartbeat = observability.NewHeartbeatWriter(db, cfg.WorkerName, cfg.Workers.HeartbeatInterval, s.inFlight, logger)

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "uxsim-simworker", Version: Version}, nil)
	s.RegisterMCP(s.mcp)
	return s, nil
}

func (s *Service) provisioner() sandbox.Provisioner {
	opts := sandbox.Options{
		ReadyTimeout: s.cfg.Browser.ReadyTimeout,
		Logger:       s.logger,
		Metrics:      s.metrics,
	}
	switch s.cfg.Browser.Provisioner {
	case ProvisionerLocal:
		return sandbox.NewLocal(s.cfg.Browser.Bin, opts)
	case ProvisionerRemote:
		return sandbox.NewRemote(s.cfg.Browser.RemoteURL, opts)
	default:
		return sandbox.NewDocker(s.cfg.Browser.Image, nil, opts)
	}
}

func (s *Service) inFlight() int {
	return s.queues.Screenshot.InFlight() + s.queues.Agent.InFlight() + s.queues.Aggregate.InFlight()
}

// Run starts the scheduler pools, the heartbeat and, when configured, the
// HTTP server. It blocks until ctx is cancelled or one of them fails, and
// flushes buffered metrics before returning.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sched.Run(gctx) })
	g.Go(func() error { return s.heartbeat.Run(gctx) })

	if s.cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              s.cfg.HTTPAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("simworker: http listening", "addr", s.cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("simworker: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if s.mm != nil {
		if cerr := s.mm.Close(); cerr != nil {
			s.logger.Warn("simworker: metrics close", "error", cerr)
		}
	}
	return err
}

// Enqueue validates payload for kind and publishes it. Aggregation jobs use
// the run-derived ID so a duplicate request is a no-op.
func (s *Service) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	var (
		q  *queue.Q
		id = idgen.Job()
	)
	switch kind {
	case model.KindScreenshotEpisode:
		var j model.SimulateEpisodeJob
		if err := decodeJob(payload, &j); err != nil {
			return "", err
		}
		if j.EpisodeID == "" {
			return "", fmt.Errorf("%w: episodeId is required", ErrBadPayload)
		}
		q = s.queues.Screenshot
	case model.KindAgentEpisode:
		var j model.SimulateAgentEpisodeJob
		if err := decodeJob(payload, &j); err != nil {
			return "", err
		}
		if j.EpisodeID == "" {
			return "", fmt.Errorf("%w: episodeId is required", ErrBadPayload)
		}
		q = s.queues.Agent
	case model.KindAggregateReport:
		var j model.AggregateReportJob
		if err := decodeJob(payload, &j); err != nil {
			return "", err
		}
		if j.RunID == "" {
			return "", fmt.Errorf("%w: runId is required", ErrBadPayload)
		}
		id = model.AggregateJobID(j.RunID)
		if _, err := s.queues.Aggregate.PublishOnce(ctx, id, payload); err != nil {
			return "", err
		}
		return id, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := q.Publish(ctx, id, payload); err != nil {
		return "", err
	}
	return id, nil
}

func decodeJob(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// QueueStats reports the three queues.
func (s *Service) QueueStats(ctx context.Context) ([]queue.Stats, error) {
	var out []queue.Stats
	for _, q := range []*queue.Q{s.queues.Screenshot, s.queues.Agent, s.queues.Aggregate} {
		st, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RunView is a run with its episodes.
type RunView struct {
	Run      *model.Run                  `json:"run"`
	Episodes []*model.Episode            `json:"episodes"`
	Counts   map[model.EpisodeStatus]int `json:"counts"`
}

// RunStatus returns the run and its episodes.
func (s *Service) RunStatus(ctx context.Context, runID string) (*RunView, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	eps, err := s.store.ListEpisodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	v := &RunView{Run: run, Episodes: eps, Counts: make(map[model.EpisodeStatus]int)}
	if v.Episodes == nil {
		v.Episodes = []*model.Episode{}
	}
	for _, e := range eps {
		v.Counts[e.Status]++
	}
	return v, nil
}

// Report returns the run's report.
func (s *Service) Report(ctx context.Context, runID string) (*model.Report, error) {
	return s.store.GetReport(ctx, runID)
}

// Findings returns the run's findings by rank, limited to limit when
// positive.
func (s *Service) Findings(ctx context.Context, runID string, limit int) ([]model.Finding, error) {
	fs, err := s.store.ListFindings(ctx, runID)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		fs = []model.Finding{}
	}
	if limit > 0 && len(fs) > limit {
		fs = fs[:limit]
	}
	return fs, nil
}

// EpisodeView is an episode with its step traces.
type EpisodeView struct {
	Episode *model.Episode     `json:"episode"`
	Steps   []*model.StepTrace `json:"steps"`
}

// EpisodeTrace returns an episode with its steps in order.
func (s *Service) EpisodeTrace(ctx context.Context, episodeID string) (*EpisodeView, error) {
	ep, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []*model.StepTrace{}
	}
	return &EpisodeView{Episode: ep, Steps: steps}, nil
}
