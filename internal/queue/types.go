// Package queue implements a driver-agnostic durable job queue: unique-keyed
// enqueue with dedup/replace policies, lease-based exclusive execution,
// cooperative cancellation, exponential retry, delayed/priority ordering,
// cron-driven schedules, and multi-stage progress tracking with callbacks.
//
// The package itself is backend-neutral; concrete backends live in
// internal/queue/relational (SQLite/PostgreSQL via GORM) and
// internal/queue/redisqueue (BullMQ-compatible Redis layout).
package queue

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StageStatus is the lifecycle state of a Stage.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
)

// ReplacePolicy controls what Enqueue does when a row with the same
// (queue, key) already exists.
type ReplacePolicy string

const (
	// ReplaceNever leaves the existing row untouched; Enqueue returns its id.
	ReplaceNever ReplacePolicy = "never"
	// ReplaceIfNotActive (default) resets the existing row to pending with
	// the new data/options unless it is currently processing, in which case
	// it is left alone and its id is returned.
	ReplaceIfNotActive ReplacePolicy = "if_not_active"
	// ReplaceAlways additionally supersedes a processing row. The relational
	// and Redis drivers both reject this against a processing row with
	// ErrReplaceActiveUnsupported (see SPEC_FULL.md §9, Open Question 1).
	ReplaceAlways ReplacePolicy = "always"
)

// CatchupPolicy controls how the Scheduler handles cron boundaries that
// elapsed while it was not running.
type CatchupPolicy string

const (
	// CatchupCoalesce enqueues a single job and advances nextRunAt to the
	// first future cron boundary. Default.
	CatchupCoalesce CatchupPolicy = "coalesce"
	// CatchupReplay enqueues one job per missed boundary.
	CatchupReplay CatchupPolicy = "replay"
)

// Stage is a named sub-step of a job, used for observability and progress
// roll-up. Stage names are unique within a job; addStages appends and never
// reorders; initStages is only permitted when the list is empty.
type Stage struct {
	Name        string         `json:"name"`
	Status      StageStatus    `json:"status"`
	Progress    int            `json:"progress"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Job is a persistent unit of work with a lifecycle. See SPEC_FULL.md §3.1
// for field semantics and invariants.
type Job struct {
	ID           string         `json:"id"`
	Queue        string         `json:"queue"`
	Key          string         `json:"key,omitempty"`
	Data         map[string]any `json:"data"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Priority     int            `json:"priority"`
	ScheduledFor time.Time      `json:"scheduledFor"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"maxAttempts"`
	Status       Status         `json:"status"`
	LockedBy     string         `json:"lockedBy,omitempty"`
	LockedAt     *time.Time     `json:"lockedAt,omitempty"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	Stages       []Stage        `json:"stages,omitempty"`

	OverallProgress int       `json:"overallProgress"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Owns reports whether workerID currently holds this job's lease.
func (j *Job) Owns(workerID string, now time.Time) bool {
	if j == nil || j.LockedBy == "" || j.LockedBy != workerID {
		return false
	}
	if j.ExpiresAt == nil || !j.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Terminal reports whether the job is in a state Retry/Cancel must treat
// specially (completed/failed are terminal; pending/processing are not).
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Schedule is a cron-driven job factory. See SPEC_FULL.md §3.3.
type Schedule struct {
	Key         string         `json:"key"`
	Queue       string         `json:"queue"`
	Cron        string         `json:"cron"`
	Data        map[string]any `json:"data"`
	Enabled     bool           `json:"enabled"`
	LastRunAt   *time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt   time.Time      `json:"nextRunAt"`
}

// Stats is a point-in-time, advisory snapshot of queue depth by status
// (SPEC_FULL.md §9, Open Question 3).
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Delayed    int64 `json:"delayed"`
}

// EnqueueOptions customizes Enqueue behavior. Zero value enqueues a plain,
// unkeyed, priority-0, immediately-runnable job with a single attempt.
type EnqueueOptions struct {
	Key           string
	Priority      int
	Delay         time.Duration
	RunAt         *time.Time
	Attempts      int
	Metadata      map[string]any
	InitialStages []string
	Replace       ReplacePolicy
}

// ResolvedAttempts returns opts.Attempts, defaulting to 1.
func (o EnqueueOptions) ResolvedAttempts() int {
	if o.Attempts <= 0 {
		return 1
	}
	return o.Attempts
}

// ResolvedReplace returns opts.Replace, defaulting to ReplaceIfNotActive.
func (o EnqueueOptions) ResolvedReplace() ReplacePolicy {
	if o.Replace == "" {
		return ReplaceIfNotActive
	}
	return o.Replace
}

// ScheduledFor computes the job's scheduledFor timestamp from RunAt/Delay
// relative to now, per SPEC_FULL.md §4.2 Enqueue.
func (o EnqueueOptions) ScheduledFor(now time.Time) time.Time {
	if o.RunAt != nil {
		return *o.RunAt
	}
	if o.Delay > 0 {
		return now.Add(o.Delay)
	}
	return now
}

// BackoffConfig parameterizes exponential retry delay.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, e.g. 0.1 for ±10%
}

// DefaultBackoff is the backoff a Worker uses when WorkerConfig.Backoff is
// left zero: 1s base, 5m cap, ±10% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 1 * time.Second, Max: 5 * time.Minute, Jitter: 0.1}
}
