package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldloom/gatekeeper/adapters/metrics"
	"github.com/worldloom/gatekeeper/domain/pricing"
	"github.com/worldloom/gatekeeper/domain/usage"
	"github.com/worldloom/gatekeeper/ports"
)

// DefaultLedgerTimeout bounds every ledger write and aggregate query.
const DefaultLedgerTimeout = 2 * time.Second

// Sample is one metered attempt as reported by a generation handler.
type Sample struct {
	UserID           string
	Operation        string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	CachedInput      bool
	ImageQuality     pricing.ImageQuality // set for image generations
	Success          bool
	Error            string
	Metadata         map[string]string
}

// MeteringService prices token/image usage and appends immutable ledger
// records. TrackUsage never fails the operation it measures: a metering
// fault is logged and swallowed, an availability-over-consistency
// trade-off made deliberately.
type MeteringService struct {
	ledger  ports.LedgerStore
	clock   ports.Clock
	idGen   ports.IDGenerator
	logger  zerolog.Logger
	metrics *metrics.Collector

	ledgerTimeout time.Duration

	// Hot-reloadable rate sheet.
	table atomic.Pointer[pricing.Table]
}

// MeteringDeps contains dependencies for MeteringService.
type MeteringDeps struct {
	Ledger  ports.LedgerStore
	Clock   ports.Clock
	IDGen   ports.IDGenerator
	Logger  zerolog.Logger
	Metrics *metrics.Collector // optional
}

// NewMeteringService creates a metering service with the given rate sheet.
func NewMeteringService(deps MeteringDeps, table pricing.Table) *MeteringService {
	s := &MeteringService{
		ledger:        deps.Ledger,
		clock:         deps.Clock,
		idGen:         deps.IDGen,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		ledgerTimeout: DefaultLedgerTimeout,
	}
	s.table.Store(&table)
	return s
}

// UpdatePricing swaps the rate sheet. Thread-safe; used by config hot
// reload so rates change without a redeploy.
func (s *MeteringService) UpdatePricing(table pricing.Table) {
	s.table.Store(&table)
}

// Pricing returns the current rate sheet.
func (s *MeteringService) Pricing() pricing.Table {
	return *s.table.Load()
}

// TrackUsage appends one ledger record for an attempt, win or lose. Cost
// is computed from the sample's tokens (and image quality, if any); a
// rejected or failed attempt with zero tokens naturally carries zero cost.
// Errors never propagate to the caller.
func (s *MeteringService) TrackUsage(ctx context.Context, smp Sample) {
	rec := s.buildRecord(smp)

	tctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	if err := s.ledger.Append(tctx, rec); err != nil {
		if s.metrics != nil {
			s.metrics.LedgerAppendFailures.Inc()
		}
		s.logger.Error().Err(err).
			Str("user_id", smp.UserID).
			Str("operation", smp.Operation).
			Msg("usage record not persisted")
		return
	}

	if s.metrics != nil {
		s.metrics.MeteredCostUSD.Add(rec.CostUSD)
		s.metrics.MeteredTokens.WithLabelValues("prompt").Add(float64(rec.PromptTokens))
		s.metrics.MeteredTokens.WithLabelValues("completion").Add(float64(rec.CompletionTokens))
	}
}

func (s *MeteringService) buildRecord(smp Sample) usage.Record {
	rec := usage.Record{
		ID:               s.idGen.New(),
		UserID:           smp.UserID,
		Operation:        smp.Operation,
		Model:            smp.Model,
		Provider:         pricing.SupportedModels[smp.Model],
		PromptTokens:     smp.PromptTokens,
		CompletionTokens: smp.CompletionTokens,
		Currency:         usage.CurrencyUSD,
		Success:          smp.Success,
		Error:            smp.Error,
		Metadata:         smp.Metadata,
		Timestamp:        s.clock.Now().UTC(),
	}

	if smp.Model == "" {
		return rec
	}

	table := s.Pricing()

	var cost float64
	if smp.PromptTokens > 0 || smp.CompletionTokens > 0 {
		c, err := table.Cost(smp.Model, smp.PromptTokens, smp.CompletionTokens, smp.CachedInput)
		if err != nil {
			// A model outside the rate sheet is a configuration bug;
			// surface it loudly but keep the record auditable.
			s.logger.Error().Err(err).Str("model", smp.Model).Msg("cannot price usage sample")
			return rec
		}
		cost = c.Total
	}
	if smp.ImageQuality != "" {
		img, err := table.ImageCost(smp.Model, smp.ImageQuality)
		if err != nil {
			s.logger.Error().Err(err).Str("model", smp.Model).Msg("cannot price image sample")
			return rec
		}
		cost = pricing.Round6(cost + img)
	}

	rec.CostUSD = pricing.Round6(cost)
	return rec
}

// ComputeCost prices a token usage against the current rate sheet.
// Unknown models are a ConfigurationError.
func (s *MeteringService) ComputeCost(model string, promptTokens, completionTokens int64, cachedInput bool) (pricing.Cost, error) {
	return s.Pricing().Cost(model, promptTokens, completionTokens, cachedInput)
}

// ComputeImageCost returns the flat price for one image. An unsupported
// quality is a ConfigurationError, raised immediately.
func (s *MeteringService) ComputeImageCost(model string, quality pricing.ImageQuality) (float64, error) {
	return s.Pricing().ImageCost(model, quality)
}

// EstimateCost returns an advisory pre-flight estimate for UI display.
// Never used for enforcement.
func (s *MeteringService) EstimateCost(model, prompt string, estimatedOutputTokens int64) (float64, error) {
	return s.Pricing().Estimate(model, prompt, estimatedOutputTokens)
}

// Recent returns a user's most recent ledger records.
func (s *MeteringService) Recent(ctx context.Context, userID string, limit int) ([]usage.Record, error) {
	tctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()
	return s.ledger.Recent(tctx, userID, limit)
}
