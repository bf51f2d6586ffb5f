package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n+1, given that n
// attempts have already been made (n ≥ 1). SPEC_FULL.md §4.2 Commit:
// baseDelay * 2^(attempts-1) capped at maxBackoff, with ±jitter.
func Backoff(cfg BackoffConfig, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := cfg.Base
	if base <= 0 {
		base = DefaultBackoff().Base
	}
	max := cfg.Max
	if max <= 0 {
		max = DefaultBackoff().Max
	}
	jitter := cfg.Jitter
	if jitter < 0 {
		jitter = 0
	}

	mult := math.Pow(2, float64(attempts-1))
	d := time.Duration(float64(base) * mult)
	if d > max || d <= 0 {
		d = max
	}
	if jitter == 0 {
		return d
	}
	// ±jitter fraction, uniformly distributed.
	delta := (rand.Float64()*2 - 1) * jitter
	jittered := time.Duration(float64(d) * (1 + delta))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
