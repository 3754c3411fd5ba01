package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uxsim/dbopen"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/queue"
	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

type fixture struct {
	store  *store.Store
	queues Queues
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(queue.Schema))
	mk := func(kind string) *queue.Q {
		return queue.New(db, queue.Options{Queue: kind, PollInterval: 10 * time.Millisecond, Visibility: time.Minute})
	}
	f := &fixture{
		store: store.NewStore(db),
		queues: Queues{
			Screenshot: mk(model.KindScreenshotEpisode),
			Agent:      mk(model.KindAgentEpisode),
			Aggregate:  mk(model.KindAggregateReport),
		},
	}
	ctx := context.Background()
	if err := f.store.InsertPersona(ctx, &model.Persona{ID: "p1", Name: "Ann"}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.InsertFlow(ctx, &model.Flow{ID: "flow1", Name: "Checkout"}); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) run(t *testing.T, id string, status model.RunStatus) {
	t.Helper()
	if err := f.store.InsertRun(context.Background(), &model.Run{ID: id, FlowID: "flow1", Mode: model.ModeScreenshot, Status: status}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) episode(t *testing.T, id, runID string, status model.EpisodeStatus, updated time.Time) {
	t.Helper()
	ep := &model.Episode{ID: id, RunID: runID, PersonaID: "p1", Status: status, UpdatedAt: updated.UnixMilli()}
	if err := f.store.InsertEpisode(context.Background(), ep); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) aggregateJobs(t *testing.T) int {
	t.Helper()
	st, err := f.queues.Aggregate.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st.Visible + st.Hidden
}

func TestRecoverOrphanedEpisode(t *testing.T) {
	// WHAT: an episode stuck RUNNING for 25 minutes is failed at startup and its run advances.
	// WHY: a crashed worker must not leave a run waiting forever for an episode nobody runs.
	f := setup(t)
	ctx := context.Background()
	f.run(t, "run_e", model.RunSimulating)
	f.episode(t, "ep_done", "run_e", model.EpisodeCompleted, time.Now())
	f.episode(t, "ep_orphan", "run_e", model.EpisodeRunning, time.Now().Add(-25*time.Minute))

	s := New(f.store, f.queues, Handlers{}, Config{})
	if err := s.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	ep, _ := f.store.GetEpisode(ctx, "ep_orphan")
	if ep.Status != model.EpisodeFailed || ep.Reason != ReasonOrphaned {
		t.Fatalf("episode = %s %q", ep.Status, ep.Reason)
	}
	run, _ := f.store.GetRun(ctx, "run_e")
	if run.Status != model.RunAggregating {
		t.Fatalf("run = %s, want AGGREGATING", run.Status)
	}
	if n := f.aggregateJobs(t); n != 1 {
		t.Fatalf("aggregate jobs = %d, want 1", n)
	}
	j, _ := f.queues.Aggregate.Claim(ctx)
	if j == nil || j.ID != model.AggregateJobID("run_e") {
		t.Fatalf("job = %+v", j)
	}
	var payload model.AggregateReportJob
	if err := json.Unmarshal(j.Payload, &payload); err != nil || payload.RunID != "run_e" {
		t.Fatalf("payload = %s", j.Payload)
	}
}

func TestRecover_LeavesFreshEpisodes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.run(t, "run_f", model.RunSimulating)
	f.episode(t, "ep_live", "run_f", model.EpisodeRunning, time.Now().Add(-5*time.Minute))

	s := New(f.store, f.queues, Handlers{}, Config{})
	if err := s.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	ep, _ := f.store.GetEpisode(ctx, "ep_live")
	if ep.Status != model.EpisodeRunning {
		t.Fatalf("fresh episode touched: %s", ep.Status)
	}
	if n := f.aggregateJobs(t); n != 0 {
		t.Fatalf("aggregate jobs = %d", n)
	}
}

func TestRecover_OrphanWithSiblingPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.run(t, "run_p", model.RunSimulating)
	f.episode(t, "ep_orphan", "run_p", model.EpisodeRunning, time.Now().Add(-time.Hour))
	f.episode(t, "ep_pending", "run_p", model.EpisodePending, time.Now())

	s := New(f.store, f.queues, Handlers{}, Config{})
	if err := s.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	run, _ := f.store.GetRun(ctx, "run_p")
	if run.Status != model.RunSimulating {
		t.Fatalf("run = %s, a pending episode remains", run.Status)
	}
}

func TestRecover_RepublishesAggregatingRuns(t *testing.T) {
	f := setup(t)
	f.run(t, "run_a", model.RunAggregating)
	s := New(f.store, f.queues, Handlers{}, Config{})
	for i := 0; i < 2; i++ {
		if err := s.Recover(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.aggregateJobs(t); n != 1 {
		t.Fatalf("aggregate jobs = %d, want 1", n)
	}
}

func TestAdvanceRun_OnlyOnce(t *testing.T) {
	// WHAT: concurrent completions of a run's last episodes enqueue one aggregation job.
	// WHY: both callers observe zero active episodes; the status CAS must pick one winner.
	f := setup(t)
	f.run(t, "run_c", model.RunSimulating)
	f.episode(t, "ep1", "run_c", model.EpisodeCompleted, time.Now())
	f.episode(t, "ep2", "run_c", model.EpisodeFailed, time.Now())
	s := New(f.store, f.queues, Handlers{}, Config{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AdvanceRun(context.Background(), "run_c")
			if err != nil {
				t.Error(err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("advanced %d times, want 1", wins.Load())
	}
	if n := f.aggregateJobs(t); n != 1 {
		t.Fatalf("aggregate jobs = %d, want 1", n)
	}
}

func TestAdvanceRun_Guards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.run(t, "run_busy", model.RunSimulating)
	f.episode(t, "ep_busy", "run_busy", model.EpisodeRunning, time.Now())
	for _, st := range []model.RunStatus{model.RunCancelled, model.RunCompleted, model.RunFailed, model.RunAggregating} {
		f.run(t, "run_"+string(st), st)
	}
	s := New(f.store, f.queues, Handlers{}, Config{})

	for _, id := range []string{"run_busy", "run_CANCELLED", "run_COMPLETED", "run_FAILED", "run_AGGREGATING"} {
		ok, err := s.AdvanceRun(ctx, id)
		if err != nil || ok {
			t.Errorf("%s: advanced=%v err=%v", id, ok, err)
		}
	}
	run, _ := f.store.GetRun(ctx, "run_CANCELLED")
	if run.Status != model.RunCancelled {
		t.Fatalf("cancelled run moved to %s", run.Status)
	}
	if n := f.aggregateJobs(t); n != 0 {
		t.Fatalf("aggregate jobs = %d", n)
	}
}

func TestEpisodeHandler_AdvancesOnFailure(t *testing.T) {
	// WHAT: the run is re-checked after an episode job even when the handler errors.
	// WHY: a failed episode is terminal too; skipping the check would strand the run.
	f := setup(t)
	ctx := context.Background()
	f.run(t, "run_h", model.RunSimulating)
	f.episode(t, "ep_h", "run_h", model.EpisodeFailed, time.Now())
	s := New(f.store, f.queues, Handlers{}, Config{})

	boom := errors.New("boom")
	h := episodeHandler(s, model.KindScreenshotEpisode,
		func(context.Context, model.SimulateEpisodeJob) error { return boom },
		func(j model.SimulateEpisodeJob) (string, string) { return j.RunID, j.EpisodeID })
	payload, _ := json.Marshal(model.SimulateEpisodeJob{EpisodeID: "ep_h"})
	if err := h(ctx, &queue.Job{ID: "j1", Payload: payload}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	run, _ := f.store.GetRun(ctx, "run_h")
	if run.Status != model.RunAggregating {
		t.Fatalf("run = %s; run ID must be resolved from the episode", run.Status)
	}
}

func TestEpisodeHandler_PoisonAcked(t *testing.T) {
	f := setup(t)
	s := New(f.store, f.queues, Handlers{}, Config{})
	called := false
	h := episodeHandler(s, model.KindAgentEpisode,
		func(context.Context, model.SimulateAgentEpisodeJob) error { called = true; return nil },
		func(j model.SimulateAgentEpisodeJob) (string, string) { return j.RunID, j.EpisodeID })
	if err := h(context.Background(), &queue.Job{ID: "bad", Payload: []byte("{not json")}); err != nil {
		t.Fatalf("poison job should be acked, got %v", err)
	}
	if called {
		t.Fatal("handler ran on undecodable payload")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	// WHAT: a published episode job flows through its pool, the run advances and aggregation runs once.
	// WHY: this is the whole control flow of the worker.
	f := setup(t)
	f.run(t, "run_x", model.RunPending)
	f.episode(t, "ep_x", "run_x", model.EpisodePending, time.Now())

	aggregated := make(chan string, 4)
	h := Handlers{
		Screenshot: func(ctx context.Context, j model.SimulateEpisodeJob) error {
			_, err := f.store.FinishEpisode(ctx, j.EpisodeID, model.EpisodeCompleted, "", 3)
			return err
		},
		Agent: func(context.Context, model.SimulateAgentEpisodeJob) error { return nil },
		Aggregate: func(ctx context.Context, j model.AggregateReportJob) error {
			aggregated <- j.RunID
			_, err := f.store.TransitionRun(ctx, j.RunID, model.RunCompleted, model.RunAggregating)
			return err
		},
	}
	s := New(f.store, f.queues, h, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	payload, _ := json.Marshal(model.SimulateEpisodeJob{EpisodeID: "ep_x", RunID: "run_x"})
	if err := f.queues.Screenshot.Publish(context.Background(), "job_1", payload); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-aggregated:
		if id != "run_x" {
			t.Fatalf("aggregated %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("aggregation never ran")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(aggregated) != 0 {
		t.Fatal("aggregation ran twice")
	}
	run, _ := f.store.GetRun(context.Background(), "run_x")
	if run.Status != model.RunCompleted {
		t.Fatalf("run = %s", run.Status)
	}
}

func TestDiscardedEpisodeJobFailsEpisode(t *testing.T) {
	// WHAT: an episode job that keeps failing is discarded, its episode FAILED and the run aggregated.
	// WHY: a dropped job leaves nobody to finish the episode; the run would wait forever.
	f := setup(t)
	f.run(t, "run_d", model.RunSimulating)
	f.episode(t, "ep_ok", "run_d", model.EpisodeCompleted, time.Now())
	f.episode(t, "ep_d", "run_d", model.EpisodePending, time.Now())

	db := f.store.DB
	f.queues.Screenshot = queue.New(db, queue.Options{
		Queue: model.KindScreenshotEpisode, PollInterval: 5 * time.Millisecond,
		Visibility: time.Minute, MaxAttempts: 2,
	})

	var attempts atomic.Int32
	aggregated := make(chan string, 4)
	h := Handlers{
		Screenshot: func(context.Context, model.SimulateEpisodeJob) error {
			attempts.Add(1)
			return errors.New("database is locked")
		},
		Agent: func(context.Context, model.SimulateAgentEpisodeJob) error { return nil },
		Aggregate: func(ctx context.Context, j model.AggregateReportJob) error {
			aggregated <- j.RunID
			return nil
		},
	}
	s := New(f.store, f.queues, h, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	payload, _ := json.Marshal(model.SimulateEpisodeJob{EpisodeID: "ep_d", RunID: "run_d"})
	if err := f.queues.Screenshot.Publish(context.Background(), "job_d", payload); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-aggregated:
		if id != "run_d" {
			t.Fatalf("aggregated %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached aggregation after the job was discarded")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if n := attempts.Load(); n != 2 {
		t.Errorf("handler attempts = %d, want 2", n)
	}
	ep, _ := f.store.GetEpisode(context.Background(), "ep_d")
	if ep.Status != model.EpisodeFailed || ep.Reason != ReasonMaxAttempts {
		t.Fatalf("episode = %s %q", ep.Status, ep.Reason)
	}
}

func TestAggregateDiscard(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.run(t, "run_agg", model.RunAggregating)
	f.run(t, "run_sim", model.RunSimulating)
	s := New(f.store, f.queues, Handlers{}, Config{})

	for _, id := range []string{"run_agg", "run_sim"} {
		payload, _ := json.Marshal(model.AggregateReportJob{RunID: id})
		s.aggregateDiscard(ctx, &queue.Job{ID: model.AggregateJobID(id), Payload: payload, Attempts: 6})
	}

	if run, _ := f.store.GetRun(ctx, "run_agg"); run.Status != model.RunFailed {
		t.Errorf("aggregating run = %s, want FAILED", run.Status)
	}
	if run, _ := f.store.GetRun(ctx, "run_sim"); run.Status != model.RunSimulating {
		t.Errorf("simulating run = %s, want untouched", run.Status)
	}
}
