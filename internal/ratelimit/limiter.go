// Package ratelimit provides the per-key sliding-window rate limiter used on
// the validation hot path. The check-and-consume step is atomic per key: two
// concurrent calls against the same key can never both take the last slot.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a call against a key fits within its rate ceiling
// and, if so, counts it.
type Limiter interface {
	// CheckAndConsume checks whether one more call for keyID fits under
	// ceiling within the trailing window and consumes a slot when it does.
	// The ceiling is inclusive: exactly ceiling calls are allowed, the next
	// one is denied. A ceiling of zero denies every call.
	CheckAndConsume(ctx context.Context, keyID string, ceiling int) (*Result, error)

	// Reset clears the rate limit state for the given key.
	Reset(ctx context.Context, keyID string) error
}

// Result represents the outcome of one check-and-consume call.
type Result struct {
	// Allowed indicates whether the call was within budget and counted.
	Allowed bool

	// Ceiling is the rate ceiling that was applied.
	Ceiling int

	// Remaining is the number of calls left in the current window.
	Remaining int

	// RetryAfter is an estimate of how long to wait before a denied call
	// could succeed. Zero when the call was allowed.
	RetryAfter time.Duration
}
