package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uxsim/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestMetricsManager_CloseFlushes(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	mm.Observe(MetricEpisodeSteps, 7, "count", map[string]string{"kind": "agent"})
	mm.Observe(MetricEpisodeDurationMs, 1200, "milliseconds", nil)
	mm.Close()
	mm.Close()

	got, err := mm.Query(context.Background(), MetricEpisodeSteps, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d datapoints, want 1", len(got))
	}
	if got[0].Value != 7 || got[0].Labels["kind"] != "agent" {
		t.Fatalf("unexpected datapoint: %+v", got[0])
	}

	all, err := mm.Query(context.Background(), "", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d datapoints, want 2", len(all))
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	mm.Observe(MetricJobOutcome, 1, "count", nil)
	mm.Observe(MetricJobOutcome, 1, "count", nil)

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2 after buffer filled", n)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-48 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "new", Value: 1})
	mm.Close()

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
}

func TestHeartbeat_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	hs, err := LatestHeartbeat(ctx, db, "sim-1", time.Minute)
	if err != nil || hs != nil {
		t.Fatalf("want nil, nil before first beat; got %v, %v", hs, err)
	}

	hw := NewHeartbeatWriter(db, "sim-1", time.Hour, func() int { return 3 }, nil)
	if err := hw.Write(ctx); err != nil {
		t.Fatal(err)
	}

	hs, err = LatestHeartbeat(ctx, db, "sim-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !hs.Alive || hs.InFlight != 3 {
		t.Fatalf("unexpected status: %+v", hs)
	}
}

func TestHeartbeat_RunStopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	hw := NewHeartbeatWriter(db, "sim-2", time.Hour, nil, nil)

	done := make(chan struct{})
	go func() {
		hw.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		var n int
		db.QueryRow(`SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name = 'sim-2'`).Scan(&n)
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeat written")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestDiscard(t *testing.T) {
	var r Recorder = Discard
	r.Observe("x", 1, "", nil)
	r.Record(&Metric{Name: "y"})
}
