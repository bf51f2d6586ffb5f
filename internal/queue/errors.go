package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by Client/Driver methods. Handler errors use the
// RetryableError/PermanentError/Cancelled wrappers below instead; these
// sentinels are for the Driver/Client contract itself.
var (
	// ErrReplaceActiveUnsupported is returned by Enqueue when
	// ReplaceAlways targets a row that is currently processing.
	// SPEC_FULL.md §9, Open Question 1.
	ErrReplaceActiveUnsupported = errors.New("queue: replace=always against a processing job is not supported")
	// ErrClosed is returned by any Client method called after Close. The
	// drivers do not return it themselves.
	ErrClosed = errors.New("queue: driver closed")
	// ErrInvalidConfig is not returned by any function in this package:
	// WorkerConfig and SchedulerConfig replace out-of-range values with
	// defaults instead of rejecting them.
	ErrInvalidConfig = errors.New("queue: invalid configuration")
)

// PermanentError marks a handler failure as non-retryable: the job is
// failed immediately regardless of remaining attempts.
type PermanentError struct {
	Reason string
	Err    error
}

func NewPermanentError(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableError marks a handler failure as transient: it counts an
// attempt, backs off, and retries until maxAttempts. Any error a handler
// returns that is neither *PermanentError nor *Cancelled is treated the
// same way, so wrapping in RetryableError is optional but documents intent.
type RetryableError struct {
	Reason string
	Err    error
}

func NewRetryableError(reason string, err error) *RetryableError {
	return &RetryableError{Reason: reason, Err: err}
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Cancelled marks a handler failure as cooperative-cancellation-induced.
// If the cancellation originated from an explicit Client.Cancel call, the
// job is already failed in storage and the worker's commit is a no-op; if
// it originated from lease loss, the worker skips the commit entirely.
type Cancelled struct {
	Reason string
}

func NewCancelled(reason string) *Cancelled { return &Cancelled{Reason: reason} }

func (e *Cancelled) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return e.Reason
}

// Classify buckets a handler error into one of the three taxonomy members
// the worker's commit path branches on (SPEC_FULL.md §7).
func Classify(err error) (permanent *PermanentError, cancelled *Cancelled, retryable bool) {
	if err == nil {
		return nil, nil, false
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return p, nil, false
	}
	var c *Cancelled
	if errors.As(err, &c) {
		return nil, c, false
	}
	return nil, nil, true
}
