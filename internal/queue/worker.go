package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eclaire-labs/eclaire/internal/pkg/ctxutil"
	"github.com/eclaire-labs/eclaire/internal/pkg/logger"
)

// WorkerConfig configures a Worker instance. SPEC_FULL.md §6.4.
type WorkerConfig struct {
	Queue             string
	Concurrency       int // default 1
	PollInterval      time.Duration
	LockDuration      time.Duration
	HeartbeatInterval time.Duration // must be < LockDuration/2
	Backoff           BackoffConfig
	Events            EventCallbacks

	// SweepInterval and Sweep together drive the optional stale-lease
	// reaper (SPEC_FULL.md §4.2 "Stale Lease Reclaim", scenario S6): a
	// crashed worker leaves a job locked_by/expires_at set but never
	// renewed. Sweep is the backend's StalenessSweep, closed over its
	// queue name where the backend requires one (redisqueue); nil
	// disables the reaper. SweepInterval defaults to LockDuration when
	// Sweep is set.
	SweepInterval time.Duration
	Sweep         func(ctx context.Context) (int64, error)
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LockDuration/2 {
		c.HeartbeatInterval = c.LockDuration / 3
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.LockDuration
	}
	return c
}

// Worker binds to one queue and runs a single poll loop plus a bounded pool
// of concurrency handler slots. Grounded directly in
// internal/jobs/worker/worker.go: Start spawns one poll-loop goroutine (plus
// the optional sweep loop); each claimed job gets its own heartbeat goroutine
// and panic-recovering handler invocation. The teacher's job_type registry
// is dropped — this Worker is constructed with a single Handler, matching
// the spec's "worker binds to one queue" model — but the concurrency,
// heartbeat, and panic-recovery shapes are kept as-is.
type Worker struct {
	id      string
	driver  Driver
	handler Handler
	cfg     WorkerConfig
	clock   Clock
	log     *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneWG  sync.WaitGroup

	inflight int32
	slotMu   sync.Mutex
}

// NewWorker constructs a Worker. workerID should be a stable UUID surviving
// for the process lifetime (SPEC_FULL.md §3.4 Ownership); if empty, a
// random one is generated.
func NewWorker(driver Driver, handler Handler, cfg WorkerConfig, clock Clock, log *logger.Logger, workerID string) *Worker {
	if workerID == "" {
		workerID = uuid.NewString()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Worker{
		id:      workerID,
		driver:  driver,
		handler: handler,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		log:     log.With("component", "Worker", "worker_id", workerID, "queue", cfg.Queue),
	}
}

// ID returns this worker's stable instance id.
func (w *Worker) ID() string { return w.id }

// Start launches the poll loop. Idempotent: calling Start while already
// running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	ctx = ctxutil.Default(ctx)
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("starting worker", "concurrency", w.cfg.Concurrency)
	w.doneWG.Add(1)
	go w.pollLoop(ctx)

	if w.cfg.Sweep != nil {
		w.doneWG.Add(1)
		go w.sweepLoop(ctx)
	}
}

// Stop cancels the poll loop and waits for inflight handlers to drain.
// Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.doneWG.Wait()
	w.log.Info("worker stopped")
}

// pollLoop is the single poller: it computes free slots, claims up to that
// many jobs, and spawns a handler task per claimed job. SPEC_FULL.md §4.5
// "Scheduling model".
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.doneWG.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var slotWG sync.WaitGroup
	defer slotWG.Wait()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			free := w.freeSlots()
			if free <= 0 {
				continue
			}
			jobs, err := w.driver.Claim(ctx, w.cfg.Queue, w.id, free, w.cfg.LockDuration)
			if err != nil {
				w.log.Warn("claim failed", "error", err)
				continue
			}
			for i := range jobs {
				job := jobs[i]
				w.addInflight(1)
				slotWG.Add(1)
				go func() {
					defer slotWG.Done()
					defer w.addInflight(-1)
					w.runOne(ctx, &job)
				}()
			}
		}
	}
}

// sweepLoop periodically reclaims leases abandoned by crashed workers so
// scenario S6 ("after expiresAt, worker B claims J") can actually happen;
// reclaimed jobs are flipped back to pending/wait and picked up on the
// poll loop's next tick like any other due job.
func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.doneWG.Done()
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.cfg.Sweep(ctx)
			if err != nil {
				w.log.Warn("staleness sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("staleness sweep reclaimed jobs", "count", n)
			}
		}
	}
}

func (w *Worker) freeSlots() int {
	w.slotMu.Lock()
	defer w.slotMu.Unlock()
	free := w.cfg.Concurrency - int(w.inflight)
	if free < 0 {
		free = 0
	}
	return free
}

func (w *Worker) addInflight(delta int32) {
	w.slotMu.Lock()
	w.inflight += delta
	w.slotMu.Unlock()
}

// runOne executes a single claimed job end to end: heartbeat ticker, panic
// recovery, handler invocation, and commit. Grounded in worker.go's runLoop
// inner closure.
func (w *Worker) runOne(parent context.Context, job *Job) {
	jc := newJobContext(parent, w.driver, job, w.id, w.clock, w.log, w.cfg.Events)
	stopHB := w.startHeartbeat(jc)
	defer stopHB()

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("handler panic", "job_id", job.ID, "panic", r)
				runErr = NewPermanentError("panic", panicAsError(r))
			}
		}()
		runErr = w.handler.Run(jc)
	}()

	// A handler may return nil (or an unrelated error) without noticing its
	// context was cancelled out from under it; a *Cancelled cause (set on
	// lease loss), when present, takes precedence over whatever the handler
	// returned. Cancellation of the parent context alone does not override
	// the handler's result.
	if c, ok := context.Cause(jc.ctx).(*Cancelled); ok && c != nil {
		runErr = c
	}

	w.commit(jc, runErr)
}

// startHeartbeat spawns a goroutine renewing the job's lease at
// HeartbeatInterval. On lease loss, the job context is cancelled. Grounded
// in worker.go's startHeartbeat.
func (w *Worker) startHeartbeat(jc *JobContext) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-jc.ctx.Done():
				return
			case <-t.C:
				jc.Heartbeat(w.cfg.LockDuration)
			}
		}
	}()
	return func() { close(done) }
}

// commit applies the worker's commit-path rules (SPEC_FULL.md §4.5,
// §7): normal return completes; PermanentError fails immediately;
// Cancelled from lease loss skips the commit entirely; any other error
// retries with backoff until maxAttempts, then fails.
func (w *Worker) commit(jc *JobContext, runErr error) {
	job := jc.Job()

	if runErr == nil {
		ok, err := w.driver.Complete(jc.ctx, job.ID, w.id)
		if err != nil {
			w.log.Warn("complete failed", "job_id", job.ID, "error", err)
			return
		}
		if !ok {
			w.log.Info("complete skipped: lease no longer owned", "job_id", job.ID)
			return
		}
		job.Status = StatusCompleted
		w.cfg.Events.jobComplete(w.log, job.ID, &job)
		return
	}

	permanent, cancelled, _ := Classify(runErr)

	if cancelled != nil {
		// Either the lease was lost to another worker, or Cancel(id) already
		// flipped status=failed in storage. Both cases fail RenewLease's
		// WHERE lockedBy=? AND status='processing' guard the same way, so
		// there is nothing for this worker to commit: the row is either
		// already terminal or owned elsewhere. SPEC_FULL.md §7 items 4-5.
		w.log.Info("job execution cancelled; skipping commit", "job_id", job.ID, "reason", cancelled.Error())
		return
	}

	if permanent != nil {
		ok, err := w.driver.Fail(jc.ctx, job.ID, w.id, permanent.Error(), nil)
		if err != nil {
			w.log.Warn("fail failed", "job_id", job.ID, "error", err)
			return
		}
		if ok {
			job.Status = StatusFailed
			job.LastError = permanent.Error()
			w.cfg.Events.jobFail(w.log, job.ID, &job)
		}
		return
	}

	// Generic retryable error.
	if job.Attempts < job.MaxAttempts {
		delay := Backoff(w.cfg.Backoff, job.Attempts)
		requeueAt := w.clock.Now().Add(delay)
		ok, err := w.driver.Fail(jc.ctx, job.ID, w.id, runErr.Error(), &requeueAt)
		if err != nil {
			w.log.Warn("requeue failed", "job_id", job.ID, "error", err)
		}
		if ok {
			w.log.Info("job requeued with backoff", "job_id", job.ID, "attempts", job.Attempts, "delay", delay)
		}
		return
	}

	ok, err := w.driver.Fail(jc.ctx, job.ID, w.id, runErr.Error(), nil)
	if err != nil {
		w.log.Warn("fail failed", "job_id", job.ID, "error", err)
		return
	}
	if ok {
		job.Status = StatusFailed
		job.LastError = runErr.Error()
		w.cfg.Events.jobFail(w.log, job.ID, &job)
	}
}

func panicAsError(v any) error { return &panicErr{v: v} }

type panicErr struct{ v any }

func (e *panicErr) Error() string { return "panic: unexpected error" }
