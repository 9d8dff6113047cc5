// Package usage provides the usage ledger record type and pure aggregation
// functions. Records are immutable once written: the ledger is an
// audit/billing log, not a cache.
package usage

import "time"

// Currency code used for all ledger amounts.
const CurrencyUSD = "USD"

// Record is a single metered operation (immutable value type). One record
// is written per attempt, win or lose; a rejected or failed attempt carries
// Success=false and a zero cost so the rejection itself is auditable.
type Record struct {
	ID               string
	UserID           string
	Operation        string
	Model            string
	Provider         string
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	Currency         string
	Success          bool
	Error            string
	Metadata         map[string]string
	Timestamp        time.Time
}

// PeriodTotals is the aggregate of a user's records within one period
// (value type, derived at query time, never stored).
type PeriodTotals struct {
	Requests int64
	CostUSD  float64
}

// Period is a calendar-aligned aggregation window. Calendar alignment lets
// the aggregate come from a single indexed range query; the trade-off is a
// possible usage burst spanning two periods at the boundary.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p == PeriodDay || p == PeriodMonth
}

// Bounds returns the UTC-aligned [start, end) of the period containing t.
// This is a PURE function.
func (p Period) Bounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	switch p {
	case PeriodMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	}
	return
}

// Totals aggregates records into period totals.
// This is a PURE function.
func Totals(records []Record) PeriodTotals {
	var t PeriodTotals
	for _, r := range records {
		t.Requests++
		t.CostUSD += r.CostUSD
	}
	return t
}
