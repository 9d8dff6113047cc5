// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldloom/gatekeeper/adapters/metrics"
	"github.com/worldloom/gatekeeper/domain/ratelimit"
	"github.com/worldloom/gatekeeper/ports"
)

// Default store policy values.
const (
	DefaultStoreTimeout    = 250 * time.Millisecond
	DefaultFailOpenAfter   = 3
	DefaultRetryStoreEvery = 5 * time.Second
)

// RateLimiter enforces fixed-window request limits per (identity, route)
// key. It is a stateless coordinator over the counter store: no counts are
// cached across calls.
//
// Storage policy: the first connection or timeout error from the primary
// store switches all later checks to the in-process fallback for the rest
// of the process lifetime, logged exactly once. A cancelled caller
// context is never blamed on the store: that request is admitted and no
// failover state changes. If the active store keeps failing, checks fail
// open without a store call, retrying the store on an interval so a
// recovered store resumes enforcement.
type RateLimiter struct {
	primary  ports.CounterStore
	fallback ports.CounterStore
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  *metrics.Collector

	storeTimeout    time.Duration
	failOpenAfter   int64
	retryStoreEvery time.Duration

	usingFallback atomic.Bool
	fallbackOnce  sync.Once
	consecErrors  atomic.Int64
	nextRetry     atomic.Int64 // unix nanos; earliest store retry while failing open
}

// RateLimiterDeps contains dependencies for RateLimiter.
type RateLimiterDeps struct {
	Primary  ports.CounterStore
	Fallback ports.CounterStore
	Clock    ports.Clock
	Logger   zerolog.Logger
	Metrics  *metrics.Collector // optional
}

// RateLimiterConfig contains configuration for RateLimiter.
type RateLimiterConfig struct {
	StoreTimeout    time.Duration // per store call; a timeout counts as an outage
	FailOpenAfter   int           // consecutive store errors before failing open without a store call
	RetryStoreEvery time.Duration // how often to retry the store while failing open
}

// NewRateLimiter creates a rate limiter. Primary may equal Fallback in
// single-instance deployments that run without a shared store.
func NewRateLimiter(deps RateLimiterDeps, cfg RateLimiterConfig) *RateLimiter {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.FailOpenAfter <= 0 {
		cfg.FailOpenAfter = DefaultFailOpenAfter
	}
	if cfg.RetryStoreEvery <= 0 {
		cfg.RetryStoreEvery = DefaultRetryStoreEvery
	}
	return &RateLimiter{
		primary:         deps.Primary,
		fallback:        deps.Fallback,
		clock:           deps.Clock,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		storeTimeout:    cfg.StoreTimeout,
		failOpenAfter:   int64(cfg.FailOpenAfter),
		retryStoreEvery: cfg.RetryStoreEvery,
	}
}

// UsingFallback reports whether checks are served by the in-process store.
func (l *RateLimiter) UsingFallback() bool {
	return l.usingFallback.Load()
}

// Check counts one request against the key's current window and decides
// admission. It never returns an error: store faults degrade to the
// fallback store or to an allowed result.
func (l *RateLimiter) Check(ctx context.Context, key string, limit int64, window time.Duration) ratelimit.Result {
	now := l.clock.Now()
	windowStart := ratelimit.WindowStart(now, window)
	// Key embeds the window start so rollover needs no store coordination.
	storeKey := ratelimit.CounterKey(key, windowStart)

	if ctx.Err() != nil {
		// The caller already gave up; there is nothing left to enforce.
		l.count("ratelimit", "fail_open")
		return ratelimit.FailOpen(limit, windowStart, window)
	}

	if l.consecErrors.Load() >= l.failOpenAfter && now.UnixNano() < l.nextRetry.Load() {
		// The store has been failing persistently; skip it rather than
		// add its timeout to every request, until the next retry is due.
		l.count("ratelimit", "fail_open")
		return ratelimit.FailOpen(limit, windowStart, window)
	}

	count, err := l.incr(ctx, storeKey, window)
	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation surfaced mid-call; the store is not
			// to blame, so the failover counters stay untouched.
			l.count("ratelimit", "fail_open")
			return ratelimit.FailOpen(limit, windowStart, window)
		}
		errs := l.consecErrors.Add(1)
		if errs >= l.failOpenAfter {
			l.nextRetry.Store(now.Add(l.retryStoreEvery).UnixNano())
		}
		if l.metrics != nil {
			l.metrics.StoreErrors.Inc()
		}
		l.logger.Warn().Err(err).Str("key", key).Int64("consecutive_errors", errs).
			Msg("counter store error, failing open")
		l.count("ratelimit", "fail_open")
		return ratelimit.FailOpen(limit, windowStart, window)
	}
	l.consecErrors.Store(0)

	result := ratelimit.Evaluate(count, limit, windowStart, window, now)
	if result.Allowed {
		l.count("ratelimit", "allowed")
	} else {
		l.count("ratelimit", "denied")
	}
	return result
}

// incr runs one atomic increment against the active store, switching to
// the fallback permanently on a primary failure.
func (l *RateLimiter) incr(ctx context.Context, storeKey string, window time.Duration) (int64, error) {
	tctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	if l.usingFallback.Load() {
		return l.fallback.Incr(tctx, storeKey, window)
	}

	count, err := l.primary.Incr(tctx, storeKey, window)
	if err == nil {
		return count, nil
	}
	if ctx.Err() != nil {
		// The request context is done, not the store. A disconnecting
		// client must not demote a healthy primary.
		return 0, err
	}

	// Connection errors and our own per-call timeout are
	// indistinguishable to the caller; both mean the shared store is
	// unusable for this process.
	l.failover(err)

	fctx, fcancel := context.WithTimeout(ctx, l.storeTimeout)
	defer fcancel()
	return l.fallback.Incr(fctx, storeKey, window)
}

func (l *RateLimiter) failover(cause error) {
	l.fallbackOnce.Do(func() {
		l.usingFallback.Store(true)
		if l.metrics != nil {
			l.metrics.StoreFallbacks.Inc()
		}
		l.logger.Warn().Err(cause).
			Msg("distributed counter store unavailable, switching to in-process store for the remaining process lifetime")
	})
}

func (l *RateLimiter) count(gate, outcome string) {
	if l.metrics != nil {
		l.metrics.AdmissionChecks.WithLabelValues(gate, outcome).Inc()
	}
}
