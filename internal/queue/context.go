package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eclaire-labs/eclaire/internal/pkg/logger"
)

// Handler is the contract between the Worker and business code. A Handler
// never touches the Driver directly; it only ever goes through the
// JobContext handed to it, mirroring the teacher's runtime.Context design
// ("pipelines never touch job_run directly").
type Handler interface {
	Run(jc *JobContext) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(jc *JobContext) error

func (f HandlerFunc) Run(jc *JobContext) error { return f(jc) }

// JobContext is the capability-scoped execution handle for a single claimed
// job. SPEC_FULL.md §4.5 "JobContext methods". Grounded in
// runtime.Context: a mutable in-memory mirror of the job row, a
// driver/repo handle for persistence, and a notification side channel —
// generalized from GORM-specific repo calls to the Driver interface and
// from JobNotifier to EventCallbacks.
type JobContext struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	driver   Driver
	job      *Job
	workerID string
	clock    Clock
	log      *logger.Logger
	events   EventCallbacks

	mu           sync.Mutex
	currentStage string
}

func newJobContext(parent context.Context, driver Driver, job *Job, workerID string, clock Clock, log *logger.Logger, events EventCallbacks) *JobContext {
	ctx, cancel := context.WithCancelCause(parent)
	return &JobContext{
		ctx:      ctx,
		cancel:   cancel,
		driver:   driver,
		job:      job,
		workerID: workerID,
		clock:    clock,
		log:      log,
		events:   events,
	}
}

// Context returns the handler's cancellation context. I/O must be threaded
// through this so lease loss and explicit Cancel can abort promptly.
func (jc *JobContext) Context() context.Context { return jc.ctx }

// Cancelled reports whether the context has been cancelled (lease lost or
// explicit Cancel observed).
func (jc *JobContext) Cancelled() bool {
	select {
	case <-jc.ctx.Done():
		return true
	default:
		return false
	}
}

// Job returns a snapshot of the in-memory job row. Callers must not mutate
// the returned value; use the stage/progress methods below instead.
func (jc *JobContext) Job() Job {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return *jc.job
}

// Metadata returns the job's opaque metadata, propagated unchanged to
// event callbacks.
func (jc *JobContext) Metadata() map[string]any {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.job.Metadata
}

// Heartbeat explicitly renews the lease. Safe to call even when an
// automatic heartbeat ticker is active; a no-op error-wise if the ticker
// already renewed moments ago.
func (jc *JobContext) Heartbeat(leaseMs time.Duration) {
	ok, err := jc.driver.RenewLease(jc.ctx, jc.job.ID, jc.workerID, leaseMs)
	if err != nil {
		jc.log.Warn("heartbeat renew failed", "job_id", jc.job.ID, "error", err)
		return
	}
	if !ok {
		jc.cancel(NewCancelled("lease lost"))
	}
}

// Log writes an observational message to the structured logger, tagged
// with the job id and current stage if any.
func (jc *JobContext) Log(msg string, keysAndValues ...any) {
	jc.mu.Lock()
	stage := jc.currentStage
	jc.mu.Unlock()
	kv := append([]any{"job_id", jc.job.ID, "stage", stage}, keysAndValues...)
	jc.log.Info(msg, kv...)
}

// Progress is observational shorthand: it logs and, if a stage is
// currently active, updates that stage's progress.
func (jc *JobContext) Progress(percent int) {
	jc.mu.Lock()
	stage := jc.currentStage
	jc.mu.Unlock()
	jc.Log(fmt.Sprintf("progress %d%%", percent))
	if stage != "" {
		jc.UpdateStageProgress(stage, percent)
	}
}

// InitStages sets the job's stage list. Permitted only when the current
// list is empty (SPEC_FULL.md §3.2 invariant d).
func (jc *JobContext) InitStages(names []string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if len(jc.job.Stages) != 0 {
		return fmt.Errorf("queue: InitStages called with a non-empty stage list")
	}
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n, Status: StageStatusPending, Progress: 0}
	}
	jc.job.Stages = stages
	jc.job.OverallProgress = OverallProgress(stages)
	return jc.persistStagesLocked()
}

// AddStages appends stages to the existing list; it never reorders.
func (jc *JobContext) AddStages(names []string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	for _, n := range names {
		jc.job.Stages = append(jc.job.Stages, Stage{Name: n, Status: StageStatusPending, Progress: 0})
	}
	jc.job.OverallProgress = OverallProgress(jc.job.Stages)
	return jc.persistStagesLocked()
}

// StartStage transitions a stage to processing and fires OnStageStart.
func (jc *JobContext) StartStage(name string) error {
	jc.mu.Lock()
	idx := jc.findStageLocked(name)
	if idx < 0 {
		jc.mu.Unlock()
		return fmt.Errorf("queue: unknown stage %q", name)
	}
	now := jc.clock.Now()
	jc.job.Stages[idx].Status = StageStatusProcessing
	jc.job.Stages[idx].StartedAt = &now
	jc.currentStage = name
	jc.job.OverallProgress = OverallProgress(jc.job.Stages)
	stage := jc.job.Stages[idx]
	err := jc.persistStagesLocked()
	metadata := jc.job.Metadata
	jobID := jc.job.ID
	jc.mu.Unlock()
	jc.events.stageStart(jc.log, jobID, stage, metadata)
	return err
}

// CompleteStage transitions a stage to completed (progress forced to 100)
// and fires OnStageComplete.
func (jc *JobContext) CompleteStage(name string, artifacts map[string]any) error {
	jc.mu.Lock()
	idx := jc.findStageLocked(name)
	if idx < 0 {
		jc.mu.Unlock()
		return fmt.Errorf("queue: unknown stage %q", name)
	}
	now := jc.clock.Now()
	jc.job.Stages[idx].Status = StageStatusCompleted
	jc.job.Stages[idx].Progress = 100
	jc.job.Stages[idx].CompletedAt = &now
	jc.job.Stages[idx].Artifacts = artifacts
	jc.currentStage = ""
	jc.job.OverallProgress = OverallProgress(jc.job.Stages)
	stage := jc.job.Stages[idx]
	err := jc.persistStagesLocked()
	metadata := jc.job.Metadata
	jobID := jc.job.ID
	jc.mu.Unlock()
	jc.events.stageComplete(jc.log, jobID, stage, metadata)
	return err
}

// FailStage transitions a stage to failed and fires OnStageFail.
func (jc *JobContext) FailStage(name string, cause error) error {
	jc.mu.Lock()
	idx := jc.findStageLocked(name)
	if idx < 0 {
		jc.mu.Unlock()
		return fmt.Errorf("queue: unknown stage %q", name)
	}
	now := jc.clock.Now()
	jc.job.Stages[idx].Status = StageStatusFailed
	jc.job.Stages[idx].CompletedAt = &now
	if cause != nil {
		jc.job.Stages[idx].Error = cause.Error()
	}
	jc.currentStage = ""
	jc.job.OverallProgress = OverallProgress(jc.job.Stages)
	stage := jc.job.Stages[idx]
	err := jc.persistStagesLocked()
	metadata := jc.job.Metadata
	jobID := jc.job.ID
	jc.mu.Unlock()
	jc.events.stageFail(jc.log, jobID, stage, metadata)
	return err
}

// UpdateStageProgress sets a stage's progress (0-100) without changing its
// status, and fires OnStageProgress.
func (jc *JobContext) UpdateStageProgress(name string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	jc.mu.Lock()
	idx := jc.findStageLocked(name)
	if idx < 0 {
		jc.mu.Unlock()
		return fmt.Errorf("queue: unknown stage %q", name)
	}
	jc.job.Stages[idx].Progress = percent
	jc.job.OverallProgress = OverallProgress(jc.job.Stages)
	stage := jc.job.Stages[idx]
	err := jc.persistStagesLocked()
	metadata := jc.job.Metadata
	jobID := jc.job.ID
	jc.mu.Unlock()
	jc.events.stageProgress(jc.log, jobID, stage, metadata)
	return err
}

// findStageLocked must be called with jc.mu held.
func (jc *JobContext) findStageLocked(name string) int {
	for i := range jc.job.Stages {
		if jc.job.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// persistStagesLocked must be called with jc.mu held.
func (jc *JobContext) persistStagesLocked() error {
	ok, err := jc.driver.UpdateStages(jc.ctx, jc.job.ID, jc.workerID, jc.job.Stages, jc.job.OverallProgress)
	if err != nil {
		return err
	}
	if !ok {
		jc.cancel(NewCancelled("lease lost"))
	}
	return nil
}
