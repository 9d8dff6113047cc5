// Package quota provides pure functions for budget enforcement over the
// usage ledger. All functions are deterministic with no side effects.
package quota

import (
	"time"

	"github.com/worldloom/gatekeeper/domain/usage"
)

// Unit selects what a budget counts.
type Unit string

const (
	UnitCost     Unit = "cost"     // USD spent in the period
	UnitRequests Unit = "requests" // attempts in the period
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	return u == UnitCost || u == UnitRequests
}

// Config holds the per-user budget (value type).
type Config struct {
	Unit           Unit
	BudgetUSD      float64 // used when Unit == UnitCost
	BudgetRequests int64   // used when Unit == UnitRequests
	Period         usage.Period
}

// Reasons for denial.
const (
	ReasonBudgetExhausted = "quota_exceeded"
)

// costEpsilon absorbs float error from summing many 6-decimal ledger rows.
const costEpsilon = 1e-9

// Decision is the outcome of a quota check (value type).
type Decision struct {
	Allowed        bool
	Unit           Unit
	UsedUSD        float64
	UsedRequests   int64
	BudgetUSD      float64
	BudgetRequests int64
	ResetAt        time.Time // next period boundary
	Reason         string
}

// Check compares period totals against the configured budget. The gate
// closes exactly when usage reaches the budget.
// This is a PURE function.
func Check(totals usage.PeriodTotals, cfg Config, periodEnd time.Time) Decision {
	d := Decision{
		Unit:           cfg.Unit,
		UsedUSD:        totals.CostUSD,
		UsedRequests:   totals.Requests,
		BudgetUSD:      cfg.BudgetUSD,
		BudgetRequests: cfg.BudgetRequests,
		ResetAt:        periodEnd,
	}

	switch cfg.Unit {
	case UnitRequests:
		d.Allowed = cfg.BudgetRequests <= 0 || totals.Requests < cfg.BudgetRequests
	default:
		d.Allowed = cfg.BudgetUSD <= 0 || totals.CostUSD < cfg.BudgetUSD-costEpsilon
	}

	if !d.Allowed {
		d.Reason = ReasonBudgetExhausted
	}
	return d
}

// RetryAfter returns how long a denied caller should wait for the next
// period. This is a PURE function.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
