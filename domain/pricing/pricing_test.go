package pricing_test

import (
	"math"
	"testing"

	"github.com/worldloom/gatekeeper/domain/pricing"
)

// perMtok converts a USD-per-million-token figure to a per-token rate, the
// same conversion config loading applies.
func perMtok(v float64) float64 { return v / 1e6 }

func testTable() pricing.Table {
	return pricing.NewTable(map[string]pricing.Entry{
		"gpt-5": {
			Provider: "openai",
			Text:     pricing.TextRates{Input: perMtok(1.25), CachedInput: perMtok(0.125), Output: perMtok(10)},
		},
		"gpt-5-mini": {
			Provider: "openai",
			Text:     pricing.TextRates{Input: perMtok(0.15), CachedInput: perMtok(0.015), Output: perMtok(0.75)},
		},
		"gpt-image-1": {
			Provider: "openai",
			Text:     pricing.TextRates{Input: perMtok(5), CachedInput: perMtok(1.25), Output: perMtok(40)},
			Image:    &pricing.ImageRates{Low: 0.01, Medium: 0.04, High: 0.17},
		},
	})
}

func TestCost_KnownRates(t *testing.T) {
	// gpt-5-mini, 1M input + 500k output => $0.15 + $0.375 = $0.525.
	c, err := testTable().Cost("gpt-5-mini", 1_000_000, 500_000, false)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if c.Input != 0.15 {
		t.Errorf("input cost = %v, want 0.15", c.Input)
	}
	if c.Output != 0.375 {
		t.Errorf("output cost = %v, want 0.375", c.Output)
	}
	if c.Total != 0.525 {
		t.Errorf("total cost = %v, want 0.525", c.Total)
	}
}

func TestCost_CachedInputRate(t *testing.T) {
	tbl := testTable()
	full, err := tbl.Cost("gpt-5", 10_000, 0, false)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	cached, err := tbl.Cost("gpt-5", 10_000, 0, true)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if cached.Input >= full.Input {
		t.Errorf("cached input cost %v should be below full %v", cached.Input, full.Input)
	}
}

func TestCost_Additive(t *testing.T) {
	// cost(a) + cost(b) == cost(a+b) within 1e-6 for a fixed token type.
	tbl := testTable()
	cases := []struct{ a, b int64 }{
		{1, 1},
		{333, 667},
		{250_000, 750_000},
		{999_999, 1},
	}
	for _, tc := range cases {
		ca, _ := tbl.Cost("gpt-5-mini", tc.a, 0, false)
		cb, _ := tbl.Cost("gpt-5-mini", tc.b, 0, false)
		cab, _ := tbl.Cost("gpt-5-mini", tc.a+tc.b, 0, false)
		if diff := math.Abs(ca.Total + cb.Total - cab.Total); diff > 1e-6 {
			t.Errorf("a=%d b=%d: additivity off by %v", tc.a, tc.b, diff)
		}
	}
}

func TestCost_RoundedToSixDecimals(t *testing.T) {
	c, err := testTable().Cost("gpt-5-mini", 1, 1, false)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	for _, v := range []float64{c.Input, c.Output, c.Total} {
		if pricing.Round6(v) != v {
			t.Errorf("value %v not rounded to 6 decimals", v)
		}
	}
}

func TestCost_UnknownModel(t *testing.T) {
	_, err := testTable().Cost("gpt-3.5-turbo", 100, 100, false)
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	if !pricing.IsConfigurationError(err) {
		t.Errorf("error %v should be a ConfigurationError", err)
	}
}

func TestImageCost(t *testing.T) {
	tbl := testTable()

	got, err := tbl.ImageCost("gpt-image-1", pricing.QualityMedium)
	if err != nil {
		t.Fatalf("image cost: %v", err)
	}
	if got != 0.04 {
		t.Errorf("medium image cost = %v, want 0.04", got)
	}

	_, err = tbl.ImageCost("gpt-image-1", pricing.ImageQuality("extreme"))
	if err == nil {
		t.Fatal("expected error for unsupported quality")
	}
	if !pricing.IsConfigurationError(err) {
		t.Errorf("error %v should be a ConfigurationError", err)
	}

	_, err = tbl.ImageCost("gpt-5", pricing.QualityLow)
	if !pricing.IsConfigurationError(err) {
		t.Errorf("text model image lookup: error %v should be a ConfigurationError", err)
	}
}

func TestValidate(t *testing.T) {
	if err := testTable().Validate(); err != nil {
		t.Errorf("valid table rejected: %v", err)
	}

	bad := pricing.NewTable(map[string]pricing.Entry{
		"gpt-5-mini": {
			Provider: "openai",
			Text:     pricing.TextRates{Input: perMtok(0.15), CachedInput: perMtok(0.30), Output: perMtok(0.75)},
		},
	})
	if err := bad.Validate(); err == nil {
		t.Error("cached rate above input rate should be rejected")
	}

	unknown := pricing.NewTable(map[string]pricing.Entry{
		"llama-7b": {Provider: "meta"},
	})
	if err := unknown.Validate(); err == nil {
		t.Error("model outside the supported set should be rejected")
	}
}

func TestValidate_CachedNeverAboveInput(t *testing.T) {
	// For every model offering both rates, cached <= input.
	tbl := testTable()
	for _, model := range tbl.Models() {
		e, err := tbl.Entry(model)
		if err != nil {
			t.Fatalf("entry %s: %v", model, err)
		}
		if e.Text.CachedInput > e.Text.Input {
			t.Errorf("model %s: cached rate %v above input rate %v", model, e.Text.CachedInput, e.Text.Input)
		}
	}
}

func TestEstimate(t *testing.T) {
	tbl := testTable()

	// 400 chars => 100 prompt tokens; default 100 output tokens.
	prompt := make([]byte, 400)
	for i := range prompt {
		prompt[i] = 'a'
	}
	got, err := tbl.Estimate("gpt-5-mini", string(prompt), 0)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	want, _ := tbl.Cost("gpt-5-mini", 100, 100, false)
	if got != want.Total {
		t.Errorf("estimate = %v, want %v", got, want.Total)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tc := range cases {
		if got := pricing.EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestRound6(t *testing.T) {
	if got := pricing.Round6(0.0000014); got != 0.000001 {
		t.Errorf("Round6 down = %v", got)
	}
	if got := pricing.Round6(0.0000015); got != 0.000002 {
		t.Errorf("Round6 up = %v", got)
	}
	if got := pricing.Round6(0.525); got != 0.525 {
		t.Errorf("Round6 stable = %v", got)
	}
}
