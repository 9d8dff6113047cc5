// Package bootstrap wires all dependencies and starts the service.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldloom/gatekeeper/adapters/clock"
	gatehttp "github.com/worldloom/gatekeeper/adapters/http"
	"github.com/worldloom/gatekeeper/adapters/idgen"
	"github.com/worldloom/gatekeeper/adapters/memory"
	"github.com/worldloom/gatekeeper/adapters/metrics"
	redisadapter "github.com/worldloom/gatekeeper/adapters/redis"
	"github.com/worldloom/gatekeeper/adapters/sqlite"
	"github.com/worldloom/gatekeeper/app"
	"github.com/worldloom/gatekeeper/config"
	"github.com/worldloom/gatekeeper/ports"
)

// App represents the running service.
type App struct {
	Logger     zerolog.Logger
	Holder     *config.Holder
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	Limiter   *app.RateLimiter
	Quota     *app.QuotaGate
	Metering  *app.MeteringService
	Admission *gatehttp.Admission

	primaryStore  ports.CounterStore
	fallbackStore *memory.CounterStore
	redisStore    *redisadapter.CounterStore

	cleanupStop chan struct{}
}

// Options provides optional pieces for application initialization.
type Options struct {
	ConfigPath string
	// Protected is the application handler mounted behind admission
	// control. Nil is fine for a standalone deployment that only serves
	// the operational endpoints.
	Protected http.Handler
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	holder, err := newHolder(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg := holder.Get()

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing gatekeeper")

	a := &App{
		Logger:      logger,
		Holder:      holder,
		cleanupStop: make(chan struct{}),
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	if err := a.initLedger(cfg); err != nil {
		return nil, err
	}
	a.initCounterStores(cfg)
	if err := a.initServices(cfg); err != nil {
		return nil, err
	}
	a.initHTTPServer(cfg, opts.Protected)
	a.watchConfig()

	return a, nil
}

func newHolder(path string) (*config.Holder, error) {
	// The holder needs a logger before the config that configures
	// logging is loaded; bootstrap with the env-driven default.
	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if path == "" {
		path = os.Getenv("GATEKEEPER_CONFIG")
	}
	if path == "" {
		path = "gatekeeper.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		// No file: run on env + defaults, without hot reload.
		cfg, lerr := config.LoadFromEnv()
		if lerr != nil {
			return nil, fmt.Errorf("load config: %w", lerr)
		}
		return config.NewStaticHolder(cfg, bootLogger), nil
	}

	holder, err := config.NewHolder(path, bootLogger)
	if err != nil {
		return nil, err
	}
	return holder, nil
}

func (a *App) initLedger(cfg *config.Config) error {
	db, err := sqlite.Open(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate ledger: %w", err)
	}
	a.DB = db
	a.Logger.Info().Str("path", cfg.Ledger.Path).Msg("ledger ready")
	return nil
}

// initCounterStores selects the primary counter store. A dead Redis at
// startup is handled the same way as a dead Redis at runtime: run on the
// in-process store rather than refuse to start.
func (a *App) initCounterStores(cfg *config.Config) {
	a.fallbackStore = memory.NewCounterStore(time.Minute)
	a.primaryStore = a.fallbackStore

	if cfg.Store.RedisAddr == "" {
		a.Logger.Info().Msg("no redis configured, counters are in-process")
		return
	}

	rs, err := redisadapter.New(redisadapter.Config{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	if err != nil {
		a.Logger.Warn().Err(err).Str("addr", cfg.Store.RedisAddr).
			Msg("redis unavailable at startup, counters are in-process")
		return
	}
	a.redisStore = rs
	a.primaryStore = rs
	a.Logger.Info().Str("addr", cfg.Store.RedisAddr).Msg("redis counter store ready")
}

func (a *App) initServices(cfg *config.Config) error {
	clk := clock.Real{}
	ledger := sqlite.NewLedgerStore(a.DB)

	a.Limiter = app.NewRateLimiter(app.RateLimiterDeps{
		Primary:  a.primaryStore,
		Fallback: a.fallbackStore,
		Clock:    clk,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	}, app.RateLimiterConfig{
		StoreTimeout:  cfg.Store.Timeout,
		FailOpenAfter: cfg.Store.FailOpenAfter,
	})

	a.Quota = app.NewQuotaGate(app.QuotaGateDeps{
		Ledger:  ledger,
		Clock:   clk,
		Logger:  a.Logger,
		Metrics: a.Metrics,
	}, cfg.QuotaSettings())

	table, err := cfg.PricingTable()
	if err != nil {
		return fmt.Errorf("pricing table: %w", err)
	}
	a.Metering = app.NewMeteringService(app.MeteringDeps{
		Ledger:  ledger,
		Clock:   clk,
		IDGen:   idgen.UUID{},
		Logger:  a.Logger,
		Metrics: a.Metrics,
	}, table)

	a.Admission = gatehttp.NewAdmission(gatehttp.AdmissionDeps{
		Limiter:  a.Limiter,
		Quota:    a.Quota,
		Metering: a.Metering,
		Logger:   a.Logger,
	}, cfg.RateLimit.IdentityHeader, rulesFromConfig(cfg.RateLimit.Rules))

	return nil
}

func (a *App) initHTTPServer(cfg *config.Config, protected http.Handler) {
	router := gatehttp.NewRouter(a.Admission, a.Metering, a.Logger, gatehttp.RouterConfig{
		Protected: protected,
	})

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// watchConfig propagates hot reloads into the running services.
func (a *App) watchConfig() {
	a.Holder.OnChange(func(cfg *config.Config) {
		table, err := cfg.PricingTable()
		if err != nil {
			a.Logger.Error().Err(err).Msg("reloaded pricing table rejected, keeping old rates")
			if a.Metrics != nil {
				a.Metrics.ConfigReloadErrors.Inc()
			}
		} else {
			a.Metering.UpdatePricing(table)
		}
		a.Quota.UpdateConfig(cfg.QuotaSettings())
		a.Admission.UpdateRules(rulesFromConfig(cfg.RateLimit.Rules))
		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
		}
	})
	a.Holder.OnReloadError(func(error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})

	if err := a.Holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable, SIGHUP reload only")
	}
	a.Holder.WatchSignals()
}

// Run starts the server and the retention loop, then blocks until
// SIGINT/SIGTERM or a server error.
func (a *App) Run() error {
	go a.cleanupLoop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// cleanupLoop enforces ledger retention on a fixed interval.
func (a *App) cleanupLoop() {
	cfg := a.Holder.Get()
	ticker := time.NewTicker(cfg.Ledger.CleanupInterval)
	defer ticker.Stop()

	ledger := sqlite.NewLedgerStore(a.DB)
	for {
		select {
		case <-ticker.C:
			retention := time.Duration(a.Holder.Get().Ledger.RetentionDays) * 24 * time.Hour
			cutoff := time.Now().UTC().Add(-retention)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := ledger.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				a.Logger.Error().Err(err).Msg("ledger cleanup failed")
				continue
			}
			if removed > 0 {
				a.Logger.Info().Int64("removed", removed).Time("cutoff", cutoff).
					Msg("ledger retention applied")
			}
		case <-a.cleanupStop:
			return
		}
	}
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(a.cleanupStop)
	a.Holder.Stop()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("redis close error")
		}
	}
	if a.fallbackStore != nil {
		a.fallbackStore.Close()
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("ledger close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func rulesFromConfig(rules []config.RuleConfig) []gatehttp.Rule {
	out := make([]gatehttp.Rule, len(rules))
	for i, r := range rules {
		out[i] = gatehttp.Rule{
			Category:   r.Category,
			PathPrefix: r.PathPrefix,
			Limit:      r.Limit,
			Window:     r.Window(),
			Quota:      r.Quota,
		}
	}
	return out
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
