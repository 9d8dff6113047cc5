// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/worldloom/gatekeeper/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// CounterStore is the atomic counter backend used for admission control.
// The shared implementation lives in adapters/redis; the in-process
// fallback lives in adapters/memory.
type CounterStore interface {
	// Incr atomically increments the counter stored at key and returns the
	// resulting count in a single round trip. The entry expires ttl after
	// it is first created; an expired key counts from zero again.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// LedgerStore persists the append-only usage ledger.
type LedgerStore interface {
	// Append stores one immutable usage record.
	Append(ctx context.Context, rec usage.Record) error

	// SumPeriod returns aggregated totals for a user within [start, end).
	SumPeriod(ctx context.Context, userID string, start, end time.Time) (usage.PeriodTotals, error)

	// Recent returns the most recent records for a user, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]usage.Record, error)

	// Cleanup removes records older than the given time and returns how
	// many were deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
