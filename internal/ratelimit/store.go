// Package ratelimit enforces the three-tier message budget: per connection,
// per subject, per organization. Counters live in fixed windows keyed by the
// window start, so distributed nodes sharing a store converge on the same
// buckets without coordination.
package ratelimit

import (
	"context"
	"time"
)

// Store counts messages per key inside the fixed window containing now.
type Store interface {
	// Incr bumps the counter for key within the current window and returns
	// the updated count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// windowStart returns the start of the fixed window containing now.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
