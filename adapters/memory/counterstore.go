// Package memory provides in-process implementations of storage ports.
// They back tests and the rate limiter's fallback path. Under fallback,
// counts are per-process: a deployment of N instances effectively
// multiplies the configured limit by N. That is an accepted limitation -
// the rate limit is a soft protective ceiling, not a security boundary.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/worldloom/gatekeeper/ports"
)

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// CounterStore is an in-process implementation of ports.CounterStore.
// A periodic sweep evicts expired windows to bound memory.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]*counterEntry

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCounterStore creates an in-process counter store. sweepEvery controls
// how often expired entries are evicted; typically the window length.
func NewCounterStore(sweepEvery time.Duration) *CounterStore {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}

	s := &CounterStore{
		counters: make(map[string]*counterEntry),
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop(sweepEvery)

	return s
}

// Incr atomically increments the counter at key, creating it with the
// given ttl on first hit. Expired entries restart from zero.
func (s *CounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || now.After(e.expiresAt) {
		e = &counterEntry{expiresAt: now.Add(ttl)}
		s.counters[key] = e
	}
	e.count++
	return e.count, nil
}

// Len returns the number of live entries (for testing).
func (s *CounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *CounterStore) sweepLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *CounterStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.counters {
		if now.After(e.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// Close stops the sweep goroutine.
func (s *CounterStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
