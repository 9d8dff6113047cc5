package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/worldloom/gatekeeper/domain/usage"
	"github.com/worldloom/gatekeeper/ports"
)

// LedgerStore is an in-memory implementation of ports.LedgerStore,
// used as a deterministic fake in tests.
type LedgerStore struct {
	mu      sync.RWMutex
	records []usage.Record
}

// NewLedgerStore creates an in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

// Append stores one immutable usage record.
func (s *LedgerStore) Append(ctx context.Context, rec usage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy the metadata so the stored record cannot be mutated later.
	if rec.Metadata != nil {
		md := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// SumPeriod returns aggregated totals for a user within [start, end).
func (s *LedgerStore) SumPeriod(ctx context.Context, userID string, start, end time.Time) (usage.PeriodTotals, error) {
	if err := ctx.Err(); err != nil {
		return usage.PeriodTotals{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var in []usage.Record
	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		in = append(in, r)
	}
	return usage.Totals(in), nil
}

// Recent returns the most recent records for a user, newest first.
func (s *LedgerStore) Recent(ctx context.Context, userID string, limit int) ([]usage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.Record
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup removes records older than the given time.
func (s *LedgerStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if r.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

// Count returns the total number of stored records (for testing).
func (s *LedgerStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
