package usage_test

import (
	"testing"
	"time"

	"github.com/worldloom/gatekeeper/domain/usage"
)

func TestPeriodBounds_Day(t *testing.T) {
	// Bounds are UTC-aligned regardless of the input location.
	loc := time.FixedZone("UTC+5", 5*3600)
	at := time.Date(2026, 3, 10, 2, 30, 0, 0, loc) // 2026-03-09 21:30 UTC

	start, end := usage.PeriodDay.Bounds(at)

	wantStart := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Errorf("end = %v, want %v", end, wantStart.AddDate(0, 0, 1))
	}
}

func TestPeriodBounds_Month(t *testing.T) {
	at := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)

	start, end := usage.PeriodMonth.Bounds(at)

	if !start.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !end.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", end)
	}
}

func TestPeriodValid(t *testing.T) {
	if !usage.PeriodDay.Valid() || !usage.PeriodMonth.Valid() {
		t.Error("day and month must be valid periods")
	}
	if usage.Period("week").Valid() {
		t.Error("week is not a supported period")
	}
}

func TestTotals(t *testing.T) {
	records := []usage.Record{
		{CostUSD: 0.10, Success: true},
		{CostUSD: 0.25, Success: true},
		{CostUSD: 0, Success: false}, // rejected attempt still counts a request
	}

	got := usage.Totals(records)

	if got.Requests != 3 {
		t.Errorf("requests = %d, want 3", got.Requests)
	}
	if got.CostUSD != 0.35 {
		t.Errorf("cost = %v, want 0.35", got.CostUSD)
	}
}

func TestTotals_Empty(t *testing.T) {
	if got := usage.Totals(nil); got != (usage.PeriodTotals{}) {
		t.Errorf("empty totals = %+v, want zero", got)
	}
}
