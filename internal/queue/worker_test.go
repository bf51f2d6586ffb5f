package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eclaire-labs/eclaire/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// TestWorkerSweepLoopRunsPeriodically covers the stale-lease reclaim wiring
// (SPEC_FULL.md §4.2 "Stale Lease Reclaim", scenario S6): a Worker with a
// non-nil Sweep func invokes it on SweepInterval alongside its normal poll
// loop, independent of whether any jobs are claimed.
func TestWorkerSweepLoopRunsPeriodically(t *testing.T) {
	driver := newMemDriver()
	ctx := context.Background()

	var calls int32
	var mu sync.Mutex
	sweep := func(context.Context) (int64, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return 0, nil
	}

	handler := HandlerFunc(func(jc *JobContext) error { return nil })
	w := NewWorker(driver, handler, WorkerConfig{
		Queue:         "test",
		Concurrency:   1,
		PollInterval:  time.Hour,
		LockDuration:  time.Second,
		SweepInterval: 10 * time.Millisecond,
		Sweep:         sweep,
	}, SystemClock{}, testLogger(t), "")

	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)
	defer func() { cancel(); w.Stop() }()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	})
}

// TestWorkerPermanentErrorFails covers scenario S1: a job enqueued with
// attempts:1 whose handler raises a PermanentError ends failed with the
// error message recorded and exactly one OnJobFail callback.
func TestWorkerPermanentErrorFails(t *testing.T) {
	driver := newMemDriver()
	client := NewClient(driver)
	ctx := context.Background()

	id, err := client.Enqueue(ctx, "test", map[string]any{"v": 42}, EnqueueOptions{Key: "k1", Attempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var failCount int
	var mu sync.Mutex
	events := EventCallbacks{
		OnJobFail: func(jobID string, job *Job) {
			mu.Lock()
			failCount++
			mu.Unlock()
		},
	}

	handler := HandlerFunc(func(jc *JobContext) error {
		return NewPermanentError("boom", nil)
	})

	w := NewWorker(driver, handler, WorkerConfig{
		Queue:        "test",
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		LockDuration: time.Second,
		Events:       events,
	}, SystemClock{}, testLogger(t), "")

	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)
	defer func() { cancel(); w.Stop() }()

	waitFor(t, 2*time.Second, func() bool {
		job, _ := client.GetJob(ctx, id)
		return job != nil && job.Status == StatusFailed
	})

	job, _ := client.GetJob(ctx, id)
	if job.LastError != "boom" {
		t.Fatalf("expected lastError=boom, got %q", job.LastError)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", job.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if failCount != 1 {
		t.Fatalf("expected exactly one OnJobFail, got %d", failCount)
	}
}

// TestWorkerPriorityOrdering covers scenario S2: with concurrency=1, three
// jobs enqueued in reverse priority order are processed in priority order.
func TestWorkerPriorityOrdering(t *testing.T) {
	driver := newMemDriver()
	client := NewClient(driver)
	ctx := context.Background()

	if _, err := client.Enqueue(ctx, "test", map[string]any{"o": 3}, EnqueueOptions{Priority: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Enqueue(ctx, "test", map[string]any{"o": 1}, EnqueueOptions{Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Enqueue(ctx, "test", map[string]any{"o": 2}, EnqueueOptions{Priority: 5}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int

	handler := HandlerFunc(func(jc *JobContext) error {
		job := jc.Job()
		o := int(job.Data["o"].(int))
		mu.Lock()
		order = append(order, o)
		mu.Unlock()
		return nil
	})

	w := NewWorker(driver, handler, WorkerConfig{
		Queue:        "test",
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		LockDuration: time.Second,
	}, SystemClock{}, testLogger(t), "")

	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)
	defer func() { cancel(); w.Stop() }()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected order [1 2 3], got %v", order)
	}
}

// TestWorkerRetryThenFail covers scenario S5: maxAttempts=3, handler always
// raises a retryable error; the job is invoked 3 times then fails.
func TestWorkerRetryThenFail(t *testing.T) {
	driver := newMemDriver()
	client := NewClient(driver)
	ctx := context.Background()

	id, err := client.Enqueue(ctx, "test", map[string]any{}, EnqueueOptions{Attempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	invocations := 0
	var failCount int

	handler := HandlerFunc(func(jc *JobContext) error {
		mu.Lock()
		invocations++
		mu.Unlock()
		return NewRetryableError("transient", nil)
	})

	w := NewWorker(driver, handler, WorkerConfig{
		Queue:        "test",
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		LockDuration: time.Second,
		Backoff:      BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Jitter: 0},
		Events: EventCallbacks{
			OnJobFail: func(jobID string, job *Job) {
				mu.Lock()
				failCount++
				mu.Unlock()
			},
		},
	}, SystemClock{}, testLogger(t), "")

	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)
	defer func() { cancel(); w.Stop() }()

	waitFor(t, 2*time.Second, func() bool {
		job, _ := client.GetJob(ctx, id)
		return job != nil && job.Status == StatusFailed
	})

	mu.Lock()
	defer mu.Unlock()
	if invocations != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", invocations)
	}
	if failCount != 1 {
		t.Fatalf("expected exactly one OnJobFail, got %d", failCount)
	}
}

func TestClientCancelNoopOnTerminal(t *testing.T) {
	driver := newMemDriver()
	client := NewClient(driver)
	ctx := context.Background()

	id, _ := client.Enqueue(ctx, "q", map[string]any{}, EnqueueOptions{Attempts: 1})
	_ = driver.jobs[id]
	driver.mu.Lock()
	driver.jobs[id].Status = StatusCompleted
	driver.mu.Unlock()

	ok, err := client.Cancel(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected Cancel on a completed job to be a no-op")
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	driver := newMemDriver()
	client := NewClient(driver)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Enqueue(context.Background(), "q", nil, EnqueueOptions{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
