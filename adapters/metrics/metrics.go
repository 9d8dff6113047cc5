// Package metrics provides Prometheus metrics collection for Gatekeeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for Gatekeeper.
type Collector struct {
	// Admission metrics
	AdmissionChecks *prometheus.CounterVec // gate: ratelimit|quota, outcome: allowed|denied|fail_open

	// Counter store metrics
	StoreFallbacks prometheus.Counter
	StoreErrors    prometheus.Counter

	// Ledger metrics
	LedgerAppendFailures prometheus.Counter
	MeteredCostUSD       prometheus.Counter
	MeteredTokens        *prometheus.CounterVec // direction: prompt|completion

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
}

// New creates a new metrics collector registered on the default registry.
func New() *Collector {
	return newWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newWith(promauto.With(reg))
}

func newWith(factory promauto.Factory) *Collector {
	return &Collector{
		AdmissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "admission_checks_total",
				Help:      "Admission checks by gate and outcome",
			},
			[]string{"gate", "outcome"},
		),
		StoreFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "counter_store_fallbacks_total",
				Help:      "Times the limiter switched to the in-process store",
			},
		),
		StoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "counter_store_errors_total",
				Help:      "Counter store operations that returned an error",
			},
		),
		LedgerAppendFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "ledger_append_failures_total",
				Help:      "Usage records that could not be persisted",
			},
		),
		MeteredCostUSD: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "metered_cost_usd_total",
				Help:      "Total metered cost in USD",
			},
		),
		MeteredTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "metered_tokens_total",
				Help:      "Total metered tokens by direction",
			},
			[]string{"direction"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
	}
}
