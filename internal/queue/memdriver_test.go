package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memDriver is a minimal in-memory Driver used to exercise Client/Worker/
// Scheduler logic without a real backend. It implements the same
// predicate/ordering/ownership-guard semantics the relational and Redis
// drivers must, just over a Go map instead of rows or hashes.
type memDriver struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	byKey  map[string]string // queue|key -> id
	closed bool
}

func newMemDriver() *memDriver {
	return &memDriver{jobs: map[string]*Job{}, byKey: map[string]string{}}
}

func keyOf(queue, key string) string { return queue + "|" + key }

func (d *memDriver) Enqueue(ctx context.Context, queue string, data map[string]any, opts EnqueueOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()

	if opts.Key != "" {
		if id, ok := d.byKey[keyOf(queue, opts.Key)]; ok {
			existing := d.jobs[id]
			switch opts.ResolvedReplace() {
			case ReplaceNever:
				return id, nil
			case ReplaceAlways:
				if existing.Status == StatusProcessing {
					return "", ErrReplaceActiveUnsupported
				}
				fallthrough
			default: // ReplaceIfNotActive
				if existing.Status == StatusProcessing {
					return id, nil
				}
				existing.Data = data
				existing.Metadata = opts.Metadata
				existing.Priority = opts.Priority
				existing.ScheduledFor = opts.ScheduledFor(now)
				existing.Attempts = 0
				existing.MaxAttempts = opts.ResolvedAttempts()
				existing.Status = StatusPending
				existing.LockedBy = ""
				existing.LockedAt = nil
				existing.ExpiresAt = nil
				existing.LastError = ""
				existing.Stages = initialStages(opts.InitialStages)
				existing.OverallProgress = 0
				existing.UpdatedAt = now
				return id, nil
			}
		}
	}

	id := uuid.NewString()
	job := &Job{
		ID:              id,
		Queue:           queue,
		Key:             opts.Key,
		Data:            data,
		Metadata:        opts.Metadata,
		Priority:        opts.Priority,
		ScheduledFor:    opts.ScheduledFor(now),
		Attempts:        0,
		MaxAttempts:     opts.ResolvedAttempts(),
		Status:          StatusPending,
		Stages:          initialStages(opts.InitialStages),
		OverallProgress: 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	d.jobs[id] = job
	if opts.Key != "" {
		d.byKey[keyOf(queue, opts.Key)] = id
	}
	return id, nil
}

func initialStages(names []string) []Stage {
	if len(names) == 0 {
		return nil
	}
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n, Status: StageStatusPending}
	}
	return stages
}

func (d *memDriver) GetJob(ctx context.Context, idOrKey string) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[idOrKey]; ok {
		cp := *j
		return &cp, nil
	}
	for _, j := range d.jobs {
		if j.Key == idOrKey {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *memDriver) Retry(ctx context.Context, idOrKey string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := d.find(idOrKey)
	if j == nil || j.Status != StatusFailed {
		return false, nil
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.ScheduledFor = time.Now()
	j.LastError = ""
	return true, nil
}

func (d *memDriver) Cancel(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := d.jobs[id]
	if j == nil || j.Terminal() {
		return false, nil
	}
	j.Status = StatusFailed
	j.LastError = "cancelled"
	j.LockedBy = ""
	j.LockedAt = nil
	j.ExpiresAt = nil
	return true, nil
}

func (d *memDriver) Stats(ctx context.Context, queue string) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s Stats
	for _, j := range d.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.Status {
		case StatusPending:
			s.Pending++
			if j.ScheduledFor.After(time.Now()) {
				s.Delayed++
			}
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (d *memDriver) Claim(ctx context.Context, queue string, workerID string, n int, leaseMs time.Duration) ([]Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()

	var candidates []*Job
	for _, j := range d.jobs {
		if j.Queue != queue || j.Status != StatusPending {
			continue
		}
		if j.ScheduledFor.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		if !candidates[i].ScheduledFor.Equal(candidates[k].ScheduledFor) {
			return candidates[i].ScheduledFor.Before(candidates[k].ScheduledFor)
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	var claimed []Job
	for _, j := range candidates {
		if len(claimed) >= n {
			break
		}
		expires := now.Add(leaseMs)
		j.Status = StatusProcessing
		j.LockedBy = workerID
		j.LockedAt = &now
		j.ExpiresAt = &expires
		j.Attempts++
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (d *memDriver) RenewLease(ctx context.Context, id string, workerID string, leaseMs time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := d.jobs[id]
	if j == nil || j.LockedBy != workerID || j.Status != StatusProcessing {
		return false, nil
	}
	expires := time.Now().Add(leaseMs)
	j.ExpiresAt = &expires
	return true, nil
}

func (d *memDriver) Complete(ctx context.Context, id string, workerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := d.jobs[id]
	if j == nil || j.LockedBy != workerID || j.Status != StatusProcessing {
		return false, nil
	}
	j.Status = StatusCompleted
	j.OverallProgress = 100
	j.LockedBy = ""
	j.LockedAt = nil
	j.ExpiresAt = nil
	j.UpdatedAt = time.Now()
	return true, nil
}

func (d *memDriver) Fail(ctx context.Context, id string, workerID string, errStr string, requeueAt *time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := d.jobs[id]
	if j == nil || j.LockedBy != workerID || j.Status != StatusProcessing {
		return false, nil
	}
	now := time.Now()
	j.LastError = errStr
	j.LockedBy = ""
	j.LockedAt = nil
	j.ExpiresAt = nil
	j.UpdatedAt = now
	if requeueAt != nil {
		j.Status = StatusPending
		j.ScheduledFor = *requeueAt
	} else {
		j.Status = StatusFailed
	}
	return true, nil
}

func (d *memDriver) UpdateStages(ctx context.Context, id string, workerID string, stages []Stage, overallProgress int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := d.jobs[id]
	if j == nil || j.LockedBy != workerID || j.Status != StatusProcessing {
		return false, nil
	}
	j.Stages = stages
	j.OverallProgress = overallProgress
	return true, nil
}

func (d *memDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *memDriver) find(idOrKey string) *Job {
	if j, ok := d.jobs[idOrKey]; ok {
		return j
	}
	for _, j := range d.jobs {
		if j.Key == idOrKey {
			return j
		}
	}
	return nil
}

var _ Driver = (*memDriver)(nil)
