// Package pricing provides the model rate sheet and pure cost computation.
// All monetary figures are USD. Rates are injected from configuration; the
// table is never hardcoded at call sites so rates can change without a
// redeploy.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ConfigurationError marks a caller or configuration bug (unknown model,
// unknown image quality, malformed rate sheet). It fails fast rather than
// degrading: silently defaulting to zero cost would corrupt the ledger.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

func configErrf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ImageQuality selects a row of the flat per-image price table.
type ImageQuality string

const (
	QualityLow    ImageQuality = "low"
	QualityMedium ImageQuality = "medium"
	QualityHigh   ImageQuality = "high"
)

// TextRates are USD per token.
type TextRates struct {
	Input       float64
	CachedInput float64
	Output      float64
}

// ImageRates are flat USD per generated image, by quality.
type ImageRates struct {
	Low    float64
	Medium float64
	High   float64
}

// Entry is the rate structure for one model. Text rates are always present;
// Image is set only for the image model.
type Entry struct {
	Provider string
	Text     TextRates
	Image    *ImageRates
}

// SupportedModels is the closed enum of provider+model pairs this service
// meters. Validating identifiers against it at the boundary keeps the
// cardinality of the pricing table and the ledger bounded.
var SupportedModels = map[string]string{
	"gpt-5":       "openai",
	"gpt-5-mini":  "openai",
	"gpt-5-nano":  "openai",
	"gpt-image-1": "openai",
}

// Supported reports whether model is in the closed enum.
func Supported(model string) bool {
	_, ok := SupportedModels[model]
	return ok
}

// Table is an immutable rate sheet (value type). Build a new one to change
// rates; callers swap tables atomically.
type Table struct {
	entries map[string]Entry
}

// NewTable builds a table from per-model entries. The input map is copied.
func NewTable(entries map[string]Entry) Table {
	m := make(map[string]Entry, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Table{entries: m}
}

// Entry returns the rate structure for a model.
func (t Table) Entry(model string) (Entry, error) {
	e, ok := t.entries[model]
	if !ok {
		return Entry{}, configErrf("pricing: unknown model %q", model)
	}
	return e, nil
}

// Models returns the configured model identifiers, sorted.
func (t Table) Models() []string {
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks the rate sheet for internal consistency.
func (t Table) Validate() error {
	for model, e := range t.entries {
		if !Supported(model) {
			return configErrf("pricing: model %q is not in the supported set", model)
		}
		if e.Provider != SupportedModels[model] {
			return configErrf("pricing: model %q has provider %q, want %q", model, e.Provider, SupportedModels[model])
		}
		if e.Text.Input < 0 || e.Text.CachedInput < 0 || e.Text.Output < 0 {
			return configErrf("pricing: model %q has a negative rate", model)
		}
		if e.Text.CachedInput > e.Text.Input {
			return configErrf("pricing: model %q cached input rate exceeds input rate", model)
		}
		if e.Image != nil && (e.Image.Low < 0 || e.Image.Medium < 0 || e.Image.High < 0) {
			return configErrf("pricing: model %q has a negative image rate", model)
		}
	}
	return nil
}

// Cost is a token-usage cost breakdown. Every field is rounded to 6 decimal
// places so drift cannot accumulate across millions of ledger rows.
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// Round6 rounds a USD amount to 6 decimal places (half away from zero).
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Cost computes the USD cost of a token usage against the model's rates.
// cachedInput selects the cached-input rate for prompt tokens.
func (t Table) Cost(model string, promptTokens, completionTokens int64, cachedInput bool) (Cost, error) {
	e, err := t.Entry(model)
	if err != nil {
		return Cost{}, err
	}

	inRate := e.Text.Input
	if cachedInput {
		inRate = e.Text.CachedInput
	}

	c := Cost{
		Input:  Round6(float64(promptTokens) * inRate),
		Output: Round6(float64(completionTokens) * e.Text.Output),
	}
	c.Total = Round6(c.Input + c.Output)
	return c, nil
}

// ImageCost returns the flat USD price for one image at the given quality.
func (t Table) ImageCost(model string, quality ImageQuality) (float64, error) {
	e, err := t.Entry(model)
	if err != nil {
		return 0, err
	}
	if e.Image == nil {
		return 0, configErrf("pricing: model %q has no image rates", model)
	}
	switch quality {
	case QualityLow:
		return e.Image.Low, nil
	case QualityMedium:
		return e.Image.Medium, nil
	case QualityHigh:
		return e.Image.High, nil
	default:
		return 0, configErrf("pricing: unsupported image quality %q", quality)
	}
}

// CharsPerToken is the fixed heuristic used for pre-flight estimates.
const CharsPerToken = 4

// DefaultEstimatedOutputTokens is assumed when the caller passes no output
// estimate.
const DefaultEstimatedOutputTokens = 100

// EstimateTokens approximates the token count of a prompt.
func EstimateTokens(text string) int64 {
	return int64((len(text) + CharsPerToken - 1) / CharsPerToken)
}

// Estimate returns an approximate pre-flight cost for a prompt. Advisory
// only (UI display); never used to gate or enforce quota.
func (t Table) Estimate(model, prompt string, estimatedOutputTokens int64) (float64, error) {
	if estimatedOutputTokens <= 0 {
		estimatedOutputTokens = DefaultEstimatedOutputTokens
	}
	c, err := t.Cost(model, EstimateTokens(prompt), estimatedOutputTokens, false)
	if err != nil {
		return 0, err
	}
	return c.Total, nil
}
