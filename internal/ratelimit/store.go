package ratelimit

import (
	"context"
	"time"
)

// Result describes one rate-limit decision.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// ResetAfter is the time until the current window ends.
	ResetAfter time.Duration
	// Degraded is set when the shared store failed and the decision came
	// from the configured failure policy.
	Degraded bool
}

// RetryAfter is the wait a rejected client should observe, rounded up to
// whole seconds as the Retry-After header requires.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	d := r.ResetAfter.Round(time.Second)
	if d < r.ResetAfter {
		d += time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Store counts hits for key within a fixed window of the given length and
// reports whether the hit fits within limit.
type Store interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error)
}

func decide(count, limit int64, resetAfter time.Duration) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	if resetAfter < 0 {
		resetAfter = 0
	}
	return Result{
		Allowed:    count <= limit,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
}
