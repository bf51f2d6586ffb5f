package queue

import (
	"context"
	"sync"
)

// Client is the driver-independent public facade. SPEC_FULL.md §4.4,
// grounded in the teacher's internal/services/job_service.go JobService:
// the same enqueue/cancel/restart shapes, generalized off GORM onto the
// Driver interface so the facade works unchanged over either backend.
type Client struct {
	driver Driver

	mu     sync.Mutex
	closed bool
}

// NewClient wraps a Driver in the public facade.
func NewClient(driver Driver) *Client {
	return &Client{driver: driver}
}

// Enqueue inserts a job (or applies the replace policy against an existing
// keyed row) and returns its id. SPEC_FULL.md §4.2 Enqueue.
func (c *Client) Enqueue(ctx context.Context, queue string, data map[string]any, opts EnqueueOptions) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	return c.driver.Enqueue(ctx, queue, data, opts)
}

// GetJob looks up a job by id; if no match, by key. Returns (nil, nil) when
// not found — absence is not an error.
func (c *Client) GetJob(ctx context.Context, idOrKey string) (*Job, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.driver.GetJob(ctx, idOrKey)
}

// Retry resets a failed job to pending with attempts=0, scheduledFor=now.
// Returns false for non-existent/completed/pending/processing jobs.
func (c *Client) Retry(ctx context.Context, idOrKey string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.driver.Retry(ctx, idOrKey)
}

// Cancel moves a pending or processing job to failed with
// lastError="cancelled". For a processing job it also signals the owning
// worker's context (handled by the Worker, which watches for the status
// flip on its next heartbeat/claim check). No-op on terminal states.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.driver.Cancel(ctx, id)
}

// Stats returns an advisory snapshot of queue depth by status.
func (c *Client) Stats(ctx context.Context, queue string) (Stats, error) {
	if err := c.checkOpen(); err != nil {
		return Stats{}, err
	}
	return c.driver.Stats(ctx, queue)
}

// Close is idempotent; it flushes and releases driver resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.driver.Close()
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Driver exposes the underlying Driver for components (Worker, Scheduler)
// that need the lower-level Claim/RenewLease/Complete/Fail/UpdateStages
// surface the public Client does not expose.
func (c *Client) Driver() Driver { return c.driver }
