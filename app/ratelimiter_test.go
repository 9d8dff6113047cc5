package app_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldloom/gatekeeper/adapters/clock"
	"github.com/worldloom/gatekeeper/adapters/memory"
	"github.com/worldloom/gatekeeper/app"
	"github.com/worldloom/gatekeeper/ports"
)

// flakyStore fails every call until recovered.
type flakyStore struct {
	calls   int
	failing bool
}

func (f *flakyStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.calls++
	if f.failing {
		return 0, errors.New("dial tcp 10.0.0.5:6379: connection refused")
	}
	return 1, nil
}

var _ ports.CounterStore = (*flakyStore)(nil)

func newTestLimiter(t *testing.T, primary ports.CounterStore, logger zerolog.Logger) (*app.RateLimiter, *clock.Fake) {
	t.Helper()
	fallback := memory.NewCounterStore(time.Minute)
	t.Cleanup(func() { fallback.Close() })
	fc := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	l := app.NewRateLimiter(app.RateLimiterDeps{
		Primary:  primary,
		Fallback: fallback,
		Clock:    fc,
		Logger:   logger,
	}, app.RateLimiterConfig{})
	return l, fc
}

func TestRateLimiter_WindowLifecycle(t *testing.T) {
	store := memory.NewCounterStore(time.Minute)
	defer store.Close()
	l, fc := newTestLimiter(t, store, zerolog.Nop())
	ctx := context.Background()

	// Five requests at t=0..4s pass with shrinking headroom.
	for i, wantRemaining := range []int64{4, 3, 2, 1, 0} {
		res := l.Check(ctx, "u1:text", 5, time.Minute)
		if !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if res.Remaining != wantRemaining {
			t.Errorf("request %d remaining = %d, want %d", i+1, res.Remaining, wantRemaining)
		}
		fc.Advance(time.Second)
	}

	// Sixth request at t=5s is denied until the window resets at t=60s.
	res := l.Check(ctx, "u1:text", 5, time.Minute)
	if res.Allowed {
		t.Fatal("sixth request allowed")
	}
	if res.RetryAfter != 55*time.Second {
		t.Errorf("retry after = %v, want 55s", res.RetryAfter)
	}

	// The next window starts fresh.
	fc.Set(time.Date(2026, 3, 10, 12, 1, 1, 0, time.UTC))
	res = l.Check(ctx, "u1:text", 5, time.Minute)
	if !res.Allowed || res.Remaining != 4 {
		t.Errorf("after rollover: allowed=%v remaining=%d, want allowed with 4 left", res.Allowed, res.Remaining)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	store := memory.NewCounterStore(time.Minute)
	defer store.Close()
	l, _ := newTestLimiter(t, store, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "u1:text", 3, time.Minute)
	}
	if res := l.Check(ctx, "u1:text", 3, time.Minute); res.Allowed {
		t.Fatal("u1 should be exhausted")
	}
	if res := l.Check(ctx, "u2:text", 3, time.Minute); !res.Allowed {
		t.Error("u2 must not share u1's counter")
	}
	if res := l.Check(ctx, "u1:image", 3, time.Minute); !res.Allowed {
		t.Error("routes must not share a counter")
	}
}

func TestRateLimiter_FallbackLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	primary := &flakyStore{failing: true}
	l, _ := newTestLimiter(t, primary, logger)
	ctx := context.Background()

	// Three checks against a dead primary. Service must continue.
	for i := 0; i < 3; i++ {
		res := l.Check(ctx, "u1:text", 5, time.Minute)
		if !res.Allowed {
			t.Fatalf("check %d denied during store outage", i+1)
		}
	}

	if !l.UsingFallback() {
		t.Error("limiter did not switch to the in-process store")
	}
	if primary.calls != 1 {
		t.Errorf("primary called %d times, want 1 (failover is permanent)", primary.calls)
	}
	if got := strings.Count(buf.String(), "switching to in-process store"); got != 1 {
		t.Errorf("fallback logged %d times, want exactly once\nlog: %s", got, buf.String())
	}
}

func TestRateLimiter_FallbackStillEnforces(t *testing.T) {
	l, _ := newTestLimiter(t, &flakyStore{failing: true}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := l.Check(ctx, "u1:text", 2, time.Minute); !res.Allowed {
			t.Fatalf("check %d denied", i+1)
		}
	}
	if res := l.Check(ctx, "u1:text", 2, time.Minute); res.Allowed {
		t.Error("fallback store must keep enforcing the limit")
	}
}

// cancellingStore cancels the caller's context mid-call, as a client
// disconnect during a store round trip does, then fails.
type cancellingStore struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.calls++
	c.cancel()
	return 0, context.Canceled
}

func TestRateLimiter_PreCancelledContextLeavesStoreTrusted(t *testing.T) {
	store := memory.NewCounterStore(time.Minute)
	defer store.Close()
	l, _ := newTestLimiter(t, store, zerolog.Nop())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// Disconnected callers are admitted without touching the store.
	for i := 0; i < 5; i++ {
		if res := l.Check(cancelled, "u1:text", 2, time.Minute); !res.Allowed {
			t.Fatalf("check %d with cancelled context denied", i+1)
		}
	}
	if l.UsingFallback() {
		t.Fatal("cancelled callers must not demote the primary store")
	}

	// The store is still consulted and still enforces for live callers.
	ctx := context.Background()
	l.Check(ctx, "u1:text", 2, time.Minute)
	l.Check(ctx, "u1:text", 2, time.Minute)
	if res := l.Check(ctx, "u1:text", 2, time.Minute); res.Allowed {
		t.Error("limit not enforced after cancelled-caller checks")
	}
}

func TestRateLimiter_MidCallCancellationLeavesStoreTrusted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &cancellingStore{cancel: cancel}
	l, _ := newTestLimiter(t, primary, zerolog.Nop())

	if res := l.Check(ctx, "u1:text", 5, time.Minute); !res.Allowed {
		t.Fatal("cancelled caller must be admitted")
	}
	if l.UsingFallback() {
		t.Error("mid-call cancellation must not demote the primary store")
	}

	// A later live caller reaches the primary again.
	l.Check(context.Background(), "u1:text", 5, time.Minute)
	if primary.calls != 2 {
		t.Errorf("primary called %d times, want 2", primary.calls)
	}
}

func TestRateLimiter_FailOpenLatchRecovers(t *testing.T) {
	store := &flakyStore{failing: true}
	fc := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	l := app.NewRateLimiter(app.RateLimiterDeps{
		Primary:  store,
		Fallback: store,
		Clock:    fc,
		Logger:   zerolog.Nop(),
	}, app.RateLimiterConfig{FailOpenAfter: 3, RetryStoreEvery: 5 * time.Second})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "u1:text", 5, time.Minute)
	}
	latched := store.calls

	// Latched: the store is left alone until the retry interval elapses.
	if res := l.Check(ctx, "u1:text", 5, time.Minute); res.Remaining != 5 {
		t.Fatalf("latched remaining = %d, want 5 (fail open)", res.Remaining)
	}
	if store.calls != latched {
		t.Fatalf("store called before the retry interval elapsed")
	}

	// Once the store heals, the next retry restores enforcement.
	store.failing = false
	fc.Advance(6 * time.Second)
	res := l.Check(ctx, "u1:text", 5, time.Minute)
	if store.calls != latched+1 {
		t.Errorf("store calls = %d, want %d (one retry)", store.calls, latched+1)
	}
	if res.Remaining != 4 {
		t.Errorf("remaining = %d, want 4 (counted against the store again)", res.Remaining)
	}
}

func TestRateLimiter_FailsOpenAfterConsecutiveErrors(t *testing.T) {
	// Primary and fallback both fail: after the threshold the limiter
	// stops calling the store and admits everything.
	dead := &flakyStore{failing: true}
	fc := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	l := app.NewRateLimiter(app.RateLimiterDeps{
		Primary:  dead,
		Fallback: dead,
		Clock:    fc,
		Logger:   zerolog.Nop(),
	}, app.RateLimiterConfig{FailOpenAfter: 3})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if res := l.Check(ctx, "u1:text", 1, time.Minute); !res.Allowed {
			t.Fatalf("check %d denied while store is down", i+1)
		}
	}
	// One primary attempt, then three fallback attempts, then no store calls.
	if dead.calls != 4 {
		t.Errorf("store called %d times, want 4", dead.calls)
	}
}
