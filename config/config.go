// Package config provides configuration loading, validation, and hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/worldloom/gatekeeper/domain/pricing"
	"github.com/worldloom/gatekeeper/domain/quota"
	"github.com/worldloom/gatekeeper/domain/usage"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Store     StoreConfig             `yaml:"store"`
	Ledger    LedgerConfig            `yaml:"ledger"`
	RateLimit RateLimitConfig         `yaml:"rate_limit"`
	Quota     QuotaConfig             `yaml:"quota"`
	Pricing   map[string]ModelPricing `yaml:"pricing"`
	Logging   LoggingConfig           `yaml:"logging"`
	Metrics   MetricsConfig           `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig configures the counter store. An empty redis_addr selects
// the in-process store as primary.
type StoreConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Timeout       time.Duration `yaml:"timeout"`         // per store call
	FailOpenAfter int           `yaml:"fail_open_after"` // consecutive errors before failing open
}

// LedgerConfig configures the usage ledger.
type LedgerConfig struct {
	Path            string        `yaml:"path"` // SQLite file; empty means in-memory
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	IdentityHeader string       `yaml:"identity_header"`
	Rules          []RuleConfig `yaml:"rules"`
}

// RuleConfig binds a route category to its fixed-window limit.
type RuleConfig struct {
	Category   string `yaml:"category"`
	PathPrefix string `yaml:"path_prefix"`
	Limit      int64  `yaml:"limit"`
	WindowSecs int    `yaml:"window_secs"`
	Quota      bool   `yaml:"quota"` // also check the spend budget
}

// Window returns the rule's window as a duration.
func (r RuleConfig) Window() time.Duration {
	return time.Duration(r.WindowSecs) * time.Second
}

// QuotaConfig configures the per-user budget.
type QuotaConfig struct {
	Unit           string  `yaml:"unit"`   // "cost" or "requests"
	BudgetUSD      float64 `yaml:"budget_usd"`
	BudgetRequests int64   `yaml:"budget_requests"`
	Period         string  `yaml:"period"` // "day" or "month"
}

// ModelPricing is the per-model rate sheet entry. Text rates are USD per
// 1M tokens, the unit providers publish; image rates are flat USD per
// image.
type ModelPricing struct {
	Provider    string        `yaml:"provider"`
	Input       float64       `yaml:"input"`
	CachedInput float64       `yaml:"cached_input"`
	Output      float64       `yaml:"output"`
	Image       *ImagePricing `yaml:"image,omitempty"`
}

// ImagePricing is the flat per-image price by quality.
type ImagePricing struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

const mTok = 1_000_000

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// Useful for container deployments where no config file is mounted.
//
// Environment variables:
//
//	GATEKEEPER_SERVER_HOST        - Server host (default: 0.0.0.0)
//	GATEKEEPER_SERVER_PORT        - Server port (default: 8080)
//	GATEKEEPER_STORE_REDIS_ADDR   - Redis address; empty = in-process store
//	GATEKEEPER_LEDGER_PATH        - SQLite ledger path (default: gatekeeper.db)
//	GATEKEEPER_QUOTA_BUDGET_USD   - Daily spend budget in USD
//	GATEKEEPER_LOG_LEVEL          - Log level: debug, info, warn, error
//	GATEKEEPER_LOG_FORMAT         - Log format: json or console
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment
// variables plus defaults.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// PricingTable converts the configured per-1M rates into the per-token
// rate sheet the metering service consumes.
func (c *Config) PricingTable() (pricing.Table, error) {
	entries := make(map[string]pricing.Entry, len(c.Pricing))
	for model, mp := range c.Pricing {
		e := pricing.Entry{
			Provider: mp.Provider,
			Text: pricing.TextRates{
				Input:       mp.Input / mTok,
				CachedInput: mp.CachedInput / mTok,
				Output:      mp.Output / mTok,
			},
		}
		if mp.Image != nil {
			e.Image = &pricing.ImageRates{
				Low:    mp.Image.Low,
				Medium: mp.Image.Medium,
				High:   mp.Image.High,
			}
		}
		entries[model] = e
	}
	table := pricing.NewTable(entries)
	if err := table.Validate(); err != nil {
		return pricing.Table{}, err
	}
	return table, nil
}

// QuotaSettings converts the quota section into the domain config.
func (c *Config) QuotaSettings() quota.Config {
	return quota.Config{
		Unit:           quota.Unit(c.Quota.Unit),
		BudgetUSD:      c.Quota.BudgetUSD,
		BudgetRequests: c.Quota.BudgetRequests,
		Period:         usage.Period(c.Quota.Period),
	}
}

// applyEnvOverrides applies GATEKEEPER_* environment variables.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEKEEPER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GATEKEEPER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("GATEKEEPER_STORE_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("GATEKEEPER_STORE_REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv("GATEKEEPER_STORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.Timeout = d
		}
	}
	if v := os.Getenv("GATEKEEPER_STORE_FAIL_OPEN_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.FailOpenAfter = n
		}
	}

	if v := os.Getenv("GATEKEEPER_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("GATEKEEPER_LEDGER_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ledger.RetentionDays = n
		}
	}

	if v := os.Getenv("GATEKEEPER_IDENTITY_HEADER"); v != "" {
		cfg.RateLimit.IdentityHeader = v
	}

	if v := os.Getenv("GATEKEEPER_QUOTA_UNIT"); v != "" {
		cfg.Quota.Unit = v
	}
	if v := os.Getenv("GATEKEEPER_QUOTA_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Quota.BudgetUSD = f
		}
	}
	if v := os.Getenv("GATEKEEPER_QUOTA_BUDGET_REQUESTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Quota.BudgetRequests = n
		}
	}
	if v := os.Getenv("GATEKEEPER_QUOTA_PERIOD"); v != "" {
		cfg.Quota.Period = v
	}

	if v := os.Getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEKEEPER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GATEKEEPER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = 250 * time.Millisecond
	}
	if cfg.Store.FailOpenAfter == 0 {
		cfg.Store.FailOpenAfter = 3
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "gatekeeper.db"
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 90
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = 6 * time.Hour
	}

	if len(cfg.RateLimit.Rules) == 0 {
		cfg.RateLimit.Rules = []RuleConfig{
			{Category: "text", PathPrefix: "/v1/generate/text", Limit: 5, WindowSecs: 60, Quota: true},
			{Category: "image", PathPrefix: "/v1/generate/image", Limit: 5, WindowSecs: 60, Quota: true},
		}
	}

	if cfg.Quota.Unit == "" {
		cfg.Quota.Unit = string(quota.UnitCost)
	}
	if cfg.Quota.Period == "" {
		cfg.Quota.Period = string(usage.PeriodDay)
	}
	if cfg.Quota.Unit == string(quota.UnitCost) && cfg.Quota.BudgetUSD == 0 {
		cfg.Quota.BudgetUSD = 5.00
	}

	if len(cfg.Pricing) == 0 {
		cfg.Pricing = DefaultPricing()
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// DefaultPricing returns the built-in rate sheet, USD per 1M tokens.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"gpt-5":      {Provider: "openai", Input: 1.25, CachedInput: 0.125, Output: 10.00},
		"gpt-5-mini": {Provider: "openai", Input: 0.15, CachedInput: 0.015, Output: 0.75},
		"gpt-5-nano": {Provider: "openai", Input: 0.05, CachedInput: 0.005, Output: 0.40},
		"gpt-image-1": {
			Provider:    "openai",
			Input:       5.00,
			CachedInput: 1.25,
			Output:      0,
			Image:       &ImagePricing{Low: 0.01, Medium: 0.04, High: 0.17},
		},
	}
}

func validate(cfg *Config) error {
	for i, r := range cfg.RateLimit.Rules {
		if r.Category == "" {
			return fmt.Errorf("rate_limit.rules[%d].category is required", i)
		}
		if r.PathPrefix == "" {
			return fmt.Errorf("rate_limit.rules[%d].path_prefix is required", i)
		}
		if r.Limit <= 0 {
			return fmt.Errorf("rate_limit.rules[%d].limit must be positive", i)
		}
		if r.WindowSecs <= 0 {
			return fmt.Errorf("rate_limit.rules[%d].window_secs must be positive", i)
		}
	}

	if !quota.Unit(cfg.Quota.Unit).Valid() {
		return fmt.Errorf("quota.unit must be 'cost' or 'requests', got %q", cfg.Quota.Unit)
	}
	if !usage.Period(cfg.Quota.Period).Valid() {
		return fmt.Errorf("quota.period must be 'day' or 'month', got %q", cfg.Quota.Period)
	}
	if cfg.Quota.BudgetUSD < 0 || cfg.Quota.BudgetRequests < 0 {
		return fmt.Errorf("quota budget must not be negative")
	}

	if _, err := cfg.PricingTable(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
