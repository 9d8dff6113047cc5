// Package ratelimit provides pure fixed-window rate limiting math.
// All functions are deterministic - same input always produces same output.
package ratelimit

import (
	"strconv"
	"time"
)

// Counter is the stored state for one (identity, route, window) bucket
// (value type). Count only grows within a window; a new window start means
// a fresh counter. The store expires it via TTL.
type Counter struct {
	Key         string
	WindowStart time.Time
	Count       int64
}

// Result is the outcome of a rate limit check (value type, never persisted).
type Result struct {
	Allowed    bool
	Count      int64
	Limit      int64
	Remaining  int64
	ResetAt    time.Time     // When the current window ends
	RetryAfter time.Duration // Zero when allowed
}

// Reasons for denial.
const (
	ReasonLimitExceeded = "rate_limit_exceeded"
)

// WindowStart returns the start of the fixed window containing now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

// CounterKey builds the store key for a logical key within a window.
// Embedding the window start makes each window a distinct counter, so
// rollover needs no read-modify-write.
func CounterKey(key string, windowStart time.Time) string {
	return key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

// Evaluate turns an already-incremented counter value into a check result.
// This is a PURE function - no side effects.
func Evaluate(count, limit int64, windowStart time.Time, window time.Duration, now time.Time) Result {
	r := Result{
		Count:   count,
		Limit:   limit,
		ResetAt: windowStart.Add(window),
		Allowed: count <= limit,
	}
	if rem := limit - count; rem > 0 {
		r.Remaining = rem
	}
	if !r.Allowed {
		if d := r.ResetAt.Sub(now); d > 0 {
			r.RetryAfter = d
		}
	}
	return r
}

// FailOpen returns the result used when the counter store is unavailable:
// the request is admitted as if the window were empty. Availability wins
// over strict enforcement for an infrastructure fault.
func FailOpen(limit int64, windowStart time.Time, window time.Duration) Result {
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   windowStart.Add(window),
	}
}
