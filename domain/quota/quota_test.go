package quota_test

import (
	"testing"
	"time"

	"github.com/worldloom/gatekeeper/domain/quota"
	"github.com/worldloom/gatekeeper/domain/usage"
)

var periodEnd = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

func costConfig(budget float64) quota.Config {
	return quota.Config{Unit: quota.UnitCost, BudgetUSD: budget, Period: usage.PeriodDay}
}

func TestCheck_UnderBudgetAllowed(t *testing.T) {
	d := quota.Check(usage.PeriodTotals{Requests: 3, CostUSD: 0.40}, costConfig(1.00), periodEnd)
	if !d.Allowed {
		t.Error("expected allowed under budget")
	}
	if d.Reason != "" {
		t.Errorf("reason = %q, want empty", d.Reason)
	}
}

func TestCheck_DeniesExactlyAtBudget(t *testing.T) {
	// The gate closes exactly when the aggregate reaches the budget.
	d := quota.Check(usage.PeriodTotals{CostUSD: 1.00}, costConfig(1.00), periodEnd)
	if d.Allowed {
		t.Error("usage at budget must be denied")
	}
	if d.Reason != quota.ReasonBudgetExhausted {
		t.Errorf("reason = %q, want %q", d.Reason, quota.ReasonBudgetExhausted)
	}
	if !d.ResetAt.Equal(periodEnd) {
		t.Errorf("resetAt = %v, want %v", d.ResetAt, periodEnd)
	}
}

func TestCheck_JustUnderBudgetAllowed(t *testing.T) {
	d := quota.Check(usage.PeriodTotals{CostUSD: 0.999999}, costConfig(1.00), periodEnd)
	if !d.Allowed {
		t.Error("usage one rounding step under budget must be allowed")
	}
}

func TestCheck_SummedRoundedRowsAtBudget(t *testing.T) {
	// A budget assembled from many 6-decimal rows still trips exactly.
	var sum float64
	for i := 0; i < 1000; i++ {
		sum += 0.001
	}
	d := quota.Check(usage.PeriodTotals{CostUSD: sum}, costConfig(1.00), periodEnd)
	if d.Allowed {
		t.Errorf("sum %v at budget must be denied", sum)
	}
}

func TestCheck_RequestUnit(t *testing.T) {
	cfg := quota.Config{Unit: quota.UnitRequests, BudgetRequests: 10, Period: usage.PeriodDay}

	d := quota.Check(usage.PeriodTotals{Requests: 9}, cfg, periodEnd)
	if !d.Allowed {
		t.Error("9 of 10 requests must be allowed")
	}

	d = quota.Check(usage.PeriodTotals{Requests: 10}, cfg, periodEnd)
	if d.Allowed {
		t.Error("10 of 10 requests must be denied")
	}
}

func TestCheck_ZeroBudgetUnlimited(t *testing.T) {
	d := quota.Check(usage.PeriodTotals{CostUSD: 1e9}, costConfig(0), periodEnd)
	if !d.Allowed {
		t.Error("zero budget means no budget configured")
	}
}

func TestRetryAfter(t *testing.T) {
	denied := quota.Check(usage.PeriodTotals{CostUSD: 2}, costConfig(1), periodEnd)
	now := periodEnd.Add(-90 * time.Second)
	if got := denied.RetryAfter(now); got != 90*time.Second {
		t.Errorf("retryAfter = %v, want 90s", got)
	}

	allowed := quota.Check(usage.PeriodTotals{}, costConfig(1), periodEnd)
	if got := allowed.RetryAfter(now); got != 0 {
		t.Errorf("allowed retryAfter = %v, want 0", got)
	}
}
