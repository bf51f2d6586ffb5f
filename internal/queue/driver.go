package queue

import (
	"context"
	"time"
)

// Driver is the backend-specific implementation of the storage/coordination
// interface consumed by Client and Worker. SPEC_FULL.md §6.1. Boolean
// returns are false on ownership or state mismatch; callers must log, not
// treat as an error.
type Driver interface {
	Enqueue(ctx context.Context, queue string, data map[string]any, opts EnqueueOptions) (string, error)
	GetJob(ctx context.Context, idOrKey string) (*Job, error)
	Retry(ctx context.Context, idOrKey string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context, queue string) (Stats, error)

	Claim(ctx context.Context, queue string, workerID string, n int, leaseMs time.Duration) ([]Job, error)
	RenewLease(ctx context.Context, id string, workerID string, leaseMs time.Duration) (bool, error)
	Complete(ctx context.Context, id string, workerID string) (bool, error)
	Fail(ctx context.Context, id string, workerID string, errStr string, requeueAt *time.Time) (bool, error)
	UpdateStages(ctx context.Context, id string, workerID string, stages []Stage, overallProgress int) (bool, error)

	Close() error
}
