package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter writes a liveness row for this worker process at a fixed
// interval, including how many jobs it is currently running.
type HeartbeatWriter struct {
	db         *sql.DB
	logger     *slog.Logger
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	inFlight   func() int
}

// NewHeartbeatWriter creates a writer. inFlight may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, inFlight func() int, logger *slog.Logger) *HeartbeatWriter {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if inFlight == nil {
		inFlight = func() int { return 0 }
	}
	return &HeartbeatWriter{
		db:         db,
		logger:     logger,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		inFlight:   inFlight,
	}
}

// Run writes one heartbeat immediately, then one per interval until ctx is
// cancelled.
func (hw *HeartbeatWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.Write(ctx); err != nil {
			hw.logger.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Write inserts a single heartbeat row.
func (hw *HeartbeatWriter) Write(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			in_flight, goroutines_count, memory_alloc_mb
		) VALUES (?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().UnixMilli(),
		hw.inFlight(), runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatStatus is the latest heartbeat of a worker.
type HeartbeatStatus struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	InFlight   int       `json:"in_flight"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeat returns the newest heartbeat for workerName, or nil if none
// was written yet. Alive is false once the beat is older than staleAfter.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	var (
		hs HeartbeatStatus
		ts int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, in_flight
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName).
		Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts, &hs.InFlight)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.UnixMilli(ts)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	return &hs, nil
}
