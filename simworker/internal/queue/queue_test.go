package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uxsim/dbopen"
)

func openTestQueue(t *testing.T, opts Options) (*Q, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db, opts), db
}

func TestPublishClaimAck(t *testing.T) {
	q, _ := openTestQueue(t, Options{Queue: "q", Visibility: time.Minute})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	j, err := q.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: %v, %v", j, err)
	}
	if j.Attempts != 1 || string(j.Payload) != `{"a":1}` {
		t.Fatalf("job = %+v", j)
	}

	// Hidden while claimed.
	if again, _ := q.Claim(ctx); again != nil {
		t.Fatal("claimed an invisible job")
	}
	if err := q.Ack(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	st, _ := q.Stats(ctx)
	if st.Visible+st.Hidden != 0 {
		t.Fatalf("stats after ack = %+v", st)
	}
}

func TestNackRedelivers(t *testing.T) {
	q, _ := openTestQueue(t, Options{Queue: "q", Visibility: time.Minute})
	ctx := context.Background()
	q.Publish(ctx, "j1", nil)

	j, _ := q.Claim(ctx)
	q.Nack(ctx, j.ID)
	j2, _ := q.Claim(ctx)
	if j2 == nil || j2.Attempts != 2 {
		t.Fatalf("redelivered = %+v", j2)
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	a := New(db, Options{Queue: "a"})
	b := New(db, Options{Queue: "b"})
	ctx := context.Background()
	a.Publish(ctx, "j1", nil)

	if j, _ := b.Claim(ctx); j != nil {
		t.Fatal("queue b claimed a job of queue a")
	}
	if j, _ := a.Claim(ctx); j == nil {
		t.Fatal("queue a lost its job")
	}
}

func TestPublishOnce(t *testing.T) {
	q, _ := openTestQueue(t, Options{Queue: "agg"})
	ctx := context.Background()

	ok, err := q.PublishOnce(ctx, "aggregate-run1", nil)
	if err != nil || !ok {
		t.Fatalf("first publish: %v %v", ok, err)
	}
	ok, err = q.PublishOnce(ctx, "aggregate-run1", nil)
	if err != nil || ok {
		t.Fatalf("duplicate publish: %v %v", ok, err)
	}
	if err := q.Publish(ctx, "aggregate-run1", nil); err == nil {
		t.Fatal("plain publish of a duplicate ID must fail")
	}
}

func TestConsume_BoundedConcurrency(t *testing.T) {
	// WHAT: no more than `concurrency` handlers run at once and all jobs finish.
	// WHY: each agent handler owns a browser sandbox; the pool bound caps them.
	q, _ := openTestQueue(t, Options{Queue: "q", PollInterval: 5 * time.Millisecond, Visibility: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		q.Publish(ctx, id, nil)
	}

	var (
		running, peak, done atomic.Int64
		mu                  sync.Mutex
	)
	handler := func(ctx context.Context, j *Job) error {
		n := running.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	}

	finished := make(chan struct{})
	go func() {
		q.Consume(ctx, 2, handler)
		close(finished)
	}()

	deadline := time.After(5 * time.Second)
	for done.Load() < 6 {
		select {
		case <-deadline:
			t.Fatalf("only %d jobs done", done.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-finished

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d > 2", peak.Load())
	}
	st, _ := q.Stats(context.Background())
	if st.Visible+st.Hidden != 0 {
		t.Fatalf("jobs left: %+v", st)
	}
}

func TestConsume_FailureNacksAndPoisonDiscarded(t *testing.T) {
	// WHAT: a job failing past MaxAttempts is handed to OnDiscard, then deleted.
	// WHY: the owner of the job must learn it will never run again.
	var discarded []string
	var mu sync.Mutex
	q, _ := openTestQueue(t, Options{
		Queue: "q", PollInterval: 5 * time.Millisecond, Visibility: time.Minute, MaxAttempts: 2,
		OnDiscard: func(ctx context.Context, j *Job) {
			mu.Lock()
			defer mu.Unlock()
			discarded = append(discarded, j.ID)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Publish(ctx, "bad", nil)

	var calls atomic.Int64
	finished := make(chan struct{})
	go func() {
		q.Consume(ctx, 1, func(ctx context.Context, j *Job) error {
			calls.Add(1)
			return errors.New("boom")
		})
		close(finished)
	}()

	deadline := time.After(5 * time.Second)
	for {
		st, _ := q.Stats(context.Background())
		if st.Visible+st.Hidden == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("poison job never discarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-finished
	if calls.Load() != 2 {
		t.Fatalf("handler calls = %d, want 2", calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(discarded) != 1 || discarded[0] != "bad" {
		t.Fatalf("discarded = %v", discarded)
	}
}

func TestNackAfterHidesUntilDelay(t *testing.T) {
	q, _ := openTestQueue(t, Options{Queue: "q", Visibility: time.Minute})
	ctx := context.Background()
	q.Publish(ctx, "j", nil)

	j, _ := q.Claim(ctx)
	if err := q.NackAfter(ctx, j.ID, time.Hour); err != nil {
		t.Fatal(err)
	}
	if again, _ := q.Claim(ctx); again != nil {
		t.Fatal("job visible before its backoff elapsed")
	}
	st, _ := q.Stats(ctx)
	if st.Hidden != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBackoff(t *testing.T) {
	q := New(nil, Options{Queue: "q", PollInterval: time.Second, Visibility: 3 * time.Second})
	for attempts, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 9: 3 * time.Second} {
		if got := q.backoff(attempts); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestConsume_PanicNacks(t *testing.T) {
	q, _ := openTestQueue(t, Options{Queue: "q", PollInterval: 5 * time.Millisecond, Visibility: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	q.Publish(ctx, "j", nil)

	var calls atomic.Int64
	finished := make(chan struct{})
	go func() {
		q.Consume(ctx, 1, func(ctx context.Context, j *Job) error {
			if calls.Add(1) == 1 {
				panic("first attempt")
			}
			return nil
		})
		close(finished)
	}()

	deadline := time.After(5 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("job not redelivered after panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-finished
}

func TestKeepHiddenExtends(t *testing.T) {
	q, _ := openTestQueue(t, Options{Queue: "q", Visibility: 60 * time.Millisecond})
	ctx := context.Background()
	q.Publish(ctx, "j", nil)
	j, _ := q.Claim(ctx)

	stop := q.keepHidden(j.ID)
	time.Sleep(150 * time.Millisecond)
	if again, _ := q.Claim(ctx); again != nil {
		t.Fatal("job became visible while its handler was alive")
	}
	stop()
}
