// Package clock implements the Clock port. Window and period boundaries
// are all derived from Clock.Now, so tests drive time through Fake
// instead of sleeping.
package clock

import (
	"sync"
	"time"
)

// Real reads the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a manually driven clock. Tests position it at a known instant
// and step it across window or billing-period boundaries.
type Fake struct {
	mu      sync.RWMutex
	current time.Time
}

// NewFake returns a fake clock frozen at t.
func NewFake(t time.Time) *Fake {
	return &Fake{current: t}
}

// Now returns the clock's current instant.
func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Set jumps the clock to t, forward or backward.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}
