package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/worldloom/gatekeeper/app"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// RouterConfig carries the optional pieces of the router.
type RouterConfig struct {
	MetricsHandler http.Handler // defaults to promhttp.Handler
	Protected      http.Handler // application routes behind admission control
}

// NewRouter builds the service router: operational endpoints outside
// admission control, everything else behind it.
func NewRouter(adm *Admission, metering *app.MeteringService, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mh := cfg.MetricsHandler
	if mh == nil {
		mh = promhttp.Handler()
	}
	r.Handle("/metrics", mh)

	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"service": "gatekeeper",
			"version": Version,
		})
	})

	// Operator inspection of a user's recent ledger records.
	r.Get("/v1/usage/recent", recentUsageHandler(metering))

	if cfg.Protected != nil {
		r.Group(func(r chi.Router) {
			r.Use(adm.Handler)
			r.Handle("/*", cfg.Protected)
		})
	}

	return r
}

// UsageRecordResponse is the wire form of one ledger record.
type UsageRecordResponse struct {
	ID               string            `json:"id"`
	UserID           string            `json:"userId"`
	Operation        string            `json:"operation"`
	Model            string            `json:"model,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	PromptTokens     int64             `json:"promptTokens"`
	CompletionTokens int64             `json:"completionTokens"`
	CostUSD          float64           `json:"costUsd"`
	Currency         string            `json:"currency"`
	Success          bool              `json:"success"`
	Error            string            `json:"error,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

func recentUsageHandler(metering *app.MeteringService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, `{"success":false,"error":{"code":"BAD_REQUEST","message":"user_id is required"}}`, http.StatusBadRequest)
			return
		}
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}

		recs, err := metering.Recent(r.Context(), userID, limit)
		if err != nil {
			http.Error(w, `{"success":false,"error":{"code":"INTERNAL","message":"ledger unavailable"}}`, http.StatusInternalServerError)
			return
		}
		out := make([]UsageRecordResponse, len(recs))
		for i, rec := range recs {
			out[i] = UsageRecordResponse{
				ID:               rec.ID,
				UserID:           rec.UserID,
				Operation:        rec.Operation,
				Model:            rec.Model,
				Provider:         rec.Provider,
				PromptTokens:     rec.PromptTokens,
				CompletionTokens: rec.CompletionTokens,
				CostUSD:          rec.CostUSD,
				Currency:         rec.Currency,
				Success:          rec.Success,
				Error:            rec.Error,
				Metadata:         rec.Metadata,
				Timestamp:        rec.Timestamp,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"records": out,
		})
	}
}

// requestLogger emits one structured line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int64("latency_ms", time.Since(start).Milliseconds()).
				Str("trace_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
