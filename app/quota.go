package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldloom/gatekeeper/adapters/metrics"
	"github.com/worldloom/gatekeeper/domain/quota"
	"github.com/worldloom/gatekeeper/ports"
)

// QuotaGate enforces a per-user budget over the usage ledger for the
// current calendar period. Unlike the rate limiter it holds no counters
// of its own: the ledger is the single source of truth, so a check is a
// range aggregate over it.
type QuotaGate struct {
	ledger  ports.LedgerStore
	clock   ports.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	ledgerTimeout time.Duration

	cfg atomic.Pointer[quota.Config]
}

// QuotaGateDeps contains dependencies for QuotaGate.
type QuotaGateDeps struct {
	Ledger  ports.LedgerStore
	Clock   ports.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Collector // optional
}

// NewQuotaGate creates a quota gate with the given budget config.
func NewQuotaGate(deps QuotaGateDeps, cfg quota.Config) *QuotaGate {
	g := &QuotaGate{
		ledger:        deps.Ledger,
		clock:         deps.Clock,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		ledgerTimeout: DefaultLedgerTimeout,
	}
	g.cfg.Store(&cfg)
	return g
}

// UpdateConfig swaps the budget config. Thread-safe; used by config hot
// reload. The new budget applies to the next check, including usage
// already accrued this period.
func (g *QuotaGate) UpdateConfig(cfg quota.Config) {
	g.cfg.Store(&cfg)
}

// Config returns the current budget config.
func (g *QuotaGate) Config() quota.Config {
	return *g.cfg.Load()
}

// Check decides whether userID may spend more this period. A ledger
// fault fails open: blocking paying users over a metering outage is the
// worse failure mode.
func (g *QuotaGate) Check(ctx context.Context, userID string) quota.Decision {
	cfg := g.Config()
	now := g.clock.Now()
	start, end := cfg.Period.Bounds(now)

	tctx, cancel := context.WithTimeout(ctx, g.ledgerTimeout)
	defer cancel()

	totals, err := g.ledger.SumPeriod(tctx, userID, start, end)
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", userID).
			Msg("ledger unavailable for quota check, failing open")
		g.count("quota", "fail_open")
		return quota.Decision{
			Allowed:        true,
			Unit:           cfg.Unit,
			BudgetUSD:      cfg.BudgetUSD,
			BudgetRequests: cfg.BudgetRequests,
			ResetAt:        end,
		}
	}

	d := quota.Check(totals, cfg, end)
	if d.Allowed {
		g.count("quota", "allowed")
	} else {
		g.count("quota", "denied")
		g.logger.Info().Str("user_id", userID).
			Float64("used_usd", d.UsedUSD).
			Int64("used_requests", d.UsedRequests).
			Time("reset_at", d.ResetAt).
			Msg("budget exhausted")
	}
	return d
}

func (g *QuotaGate) count(gate, outcome string) {
	if g.metrics != nil {
		g.metrics.AdmissionChecks.WithLabelValues(gate, outcome).Inc()
	}
}
