// Package queue is a visibility-timeout job queue backed by SQLite.
//
// A claimed job is invisible to other consumers for the visibility window.
// The consumer acks it on success (delete) or nacks it on failure (visible
// again after a backoff that grows with the attempt count). While a handler
// runs, its job's window is extended periodically, so a long episode is
// never handed to a second worker, but a job held by a crashed process
// reappears once the window lapses.
//
// Several named queues share one table:
//
//	CREATE TABLE IF NOT EXISTS queue_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL,
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- ms since epoch
//	    created_at  INTEGER NOT NULL,            -- ms since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Schema creates the jobs table.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL,
    payload     BLOB,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_visible ON queue_jobs (queue, visible_at);
`

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name (the job kind).
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 2m.
	Visibility time.Duration
	// PollInterval is the delay between claim rounds. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts discards a job redelivered more often. 0 means unlimited.
	MaxAttempts int
	// OnDiscard is called with a job dropped for exceeding MaxAttempts,
	// before it is deleted.
	OnDiscard func(ctx context.Context, job *Job)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the handle on one named queue.
type Q struct {
	db       *sql.DB
	opts     Options
	inFlight atomic.Int64
}

// New creates a queue handle. The schema must already be applied.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// SetOnDiscard replaces the discard callback. Call it before Consume.
func (q *Q) SetOnDiscard(fn func(ctx context.Context, job *Job)) { q.opts.OnDiscard = fn }

// Name returns the queue name.
func (q *Q) Name() string { return q.opts.Queue }

// InFlight returns how many handlers are currently running.
func (q *Q) InFlight() int { return int(q.inFlight.Load()) }

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now)
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", id, err)
	}
	return nil
}

// PublishOnce inserts the job unless a job with the same ID is queued. It
// reports whether a row was inserted.
func (q *Q) PublishOnce(ctx context.Context, id string, payload []byte) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now)
	if err != nil {
		return false, fmt.Errorf("queue: publish %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Claim picks the oldest visible job and hides it for the visibility window.
// It returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli())

	var (
		j            Job
		visAt, creAt int64
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job visible again immediately.
func (q *Q) Nack(ctx context.Context, id string) error {
	return q.NackAfter(ctx, id, 0)
}

// NackAfter makes a job visible again once delay has passed.
func (q *Q) NackAfter(ctx context.Context, id string, delay time.Duration) error {
	var visibleAt int64
	if delay > 0 {
		visibleAt = time.Now().Add(delay).UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`, visibleAt, id, q.opts.Queue)
	return err
}

// backoff grows linearly with the attempt count and never exceeds the
// visibility window.
func (q *Q) backoff(attempts int) time.Duration {
	return min(time.Duration(attempts)*q.opts.PollInterval, q.opts.Visibility)
}

// Extend hides a claimed job for another extra duration from now.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), id, q.opts.Queue)
	return err
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Queue    string `json:"queue"`
	Visible  int    `json:"visible"`
	Hidden   int    `json:"hidden"`
	InFlight int    `json:"in_flight"`
}

// Stats counts visible and hidden jobs.
func (q *Q) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Queue: q.opts.Queue, InFlight: q.InFlight()}
	now := time.Now().UnixMilli()
	err := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(visible_at <= ?), 0), COALESCE(SUM(visible_at > ?), 0)
		FROM queue_jobs WHERE queue = ?`, now, now, q.opts.Queue).Scan(&st.Visible, &st.Hidden)
	if err != nil {
		return st, fmt.Errorf("queue: stats: %w", err)
	}
	return st, nil
}

// Handler processes a claimed job. nil acks, an error nacks.
type Handler func(ctx context.Context, job *Job) error

// Consume claims jobs whenever one of concurrency slots is free and runs
// handler for each. It blocks until ctx is cancelled, then waits for
// in-flight handlers before returning.
func (q *Q) Consume(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	log := q.opts.Logger
	log.Info("queue: consumer started",
		"queue", q.opts.Queue,
		"concurrency", concurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("queue: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.fill(ctx, sem, &wg, handler)
		}
	}
}

// fill claims jobs until every slot is busy or nothing is visible.
func (q *Q) fill(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, handler Handler) {
	log := q.opts.Logger
	for {
		select {
		case sem <- struct{}{}:
		default:
			return
		}

		job, err := q.Claim(ctx)
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				log.Warn("queue: claim failed", "error", err, "queue", q.opts.Queue)
			}
			return
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("queue: job exceeded max attempts, discarding",
				"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
			if q.opts.OnDiscard != nil {
				q.opts.OnDiscard(context.WithoutCancel(ctx), job)
			}
			_ = q.Ack(context.WithoutCancel(ctx), job.ID)
			<-sem
			continue
		}

		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			q.handle(ctx, j, handler)
		}(job)
	}
}

func (q *Q) handle(ctx context.Context, j *Job, handler Handler) {
	log := q.opts.Logger
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	stopBeat := q.keepHidden(j.ID)
	err := q.runHandler(ctx, j, handler)
	stopBeat()

	if err != nil {
		delay := q.backoff(j.Attempts)
		log.Warn("queue: handler failed, nacking", "id", j.ID, "error", err, "retry_in", delay, "queue", q.opts.Queue)
		_ = q.NackAfter(context.Background(), j.ID, delay)
		return
	}
	_ = q.Ack(context.Background(), j.ID)
}

func (q *Q) runHandler(ctx context.Context, j *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return handler(ctx, j)
}

// keepHidden extends the job's visibility every third of the window until
// the returned stop function is called.
func (q *Q) keepHidden(id string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(q.opts.Visibility / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := q.Extend(context.Background(), id, q.opts.Visibility); err != nil {
					q.opts.Logger.Warn("queue: extend failed", "id", id, "error", err, "queue", q.opts.Queue)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
