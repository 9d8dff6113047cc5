// Package http provides the chi integration surface: the admission
// middleware, the 429 envelope, and the operational endpoints.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldloom/gatekeeper/app"
	"github.com/worldloom/gatekeeper/domain/ratelimit"
)

// Error codes surfaced in the 429 envelope.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
)

// DefaultIdentityHeader names the header the upstream auth layer uses to
// convey the caller identity. Identity extraction is otherwise out of
// scope here.
const DefaultIdentityHeader = "X-User-ID"

// Rule binds a route category to its fixed-window limit. Requests are
// matched by path prefix, first match wins; an unmatched path is exempt.
type Rule struct {
	Category   string        // label used in the limiter key and logs
	PathPrefix string        // e.g. "/v1/generate"
	Limit      int64         // requests per window
	Window     time.Duration // e.g. time.Minute
	Quota      bool          // also check the spend budget (AI routes)
}

// Admission is the HTTP middleware enforcing rate limits and budgets in
// front of the application's routes.
type Admission struct {
	limiter  *app.RateLimiter
	quota    *app.QuotaGate
	metering *app.MeteringService
	logger   zerolog.Logger

	identityHeader string
	rules          atomic.Pointer[[]Rule]
}

// AdmissionDeps contains dependencies for Admission.
type AdmissionDeps struct {
	Limiter  *app.RateLimiter
	Quota    *app.QuotaGate
	Metering *app.MeteringService
	Logger   zerolog.Logger
}

// NewAdmission creates the admission middleware. identityHeader may be
// empty to use the default.
func NewAdmission(deps AdmissionDeps, identityHeader string, rules []Rule) *Admission {
	if identityHeader == "" {
		identityHeader = DefaultIdentityHeader
	}
	a := &Admission{
		limiter:        deps.Limiter,
		quota:          deps.Quota,
		metering:       deps.Metering,
		logger:         deps.Logger,
		identityHeader: identityHeader,
	}
	a.UpdateRules(rules)
	return a
}

// UpdateRules swaps the rule set. Thread-safe; used by config hot reload.
func (a *Admission) UpdateRules(rules []Rule) {
	rs := make([]Rule, len(rules))
	copy(rs, rules)
	a.rules.Store(&rs)
}

// Identity returns the caller identity for a request: the configured
// header when the auth layer set it, the remote IP otherwise.
func (a *Admission) Identity(r *http.Request) string {
	if id := r.Header.Get(a.identityHeader); id != "" {
		return id
	}
	return remoteIP(r)
}

func (a *Admission) match(path string) *Rule {
	for _, rule := range *a.rules.Load() {
		if strings.HasPrefix(path, rule.PathPrefix) {
			return &rule
		}
	}
	return nil
}

// CheckRateLimit counts the request against its matching rule and returns
// the result. A nil result means the path matches no rule and is exempt.
func (a *Admission) CheckRateLimit(r *http.Request) *ratelimit.Result {
	rule := a.match(r.URL.Path)
	if rule == nil {
		return nil
	}
	key := a.Identity(r) + ":" + rule.Category
	res := a.limiter.Check(r.Context(), key, rule.Limit, rule.Window)
	return &res
}

// Handler wraps next with admission control. The rate limit gate runs
// first; on AI routes the budget gate runs after it, so a rate-limited
// burst never reaches the ledger query.
func (a *Admission) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := a.match(r.URL.Path)
		if rule == nil {
			next.ServeHTTP(w, r)
			return
		}

		userID := a.Identity(r)
		res := a.limiter.Check(r.Context(), userID+":"+rule.Category, rule.Limit, rule.Window)
		setRateHeaders(w, res)
		if !res.Allowed {
			a.writeRateLimited(w, res)
			return
		}

		if rule.Quota && a.quota != nil {
			d := a.quota.Check(r.Context(), userID)
			if !d.Allowed {
				a.recordRejection(r, rule, userID)
				a.writeQuotaExceeded(w, d.RetryAfter(time.Now()), d.ResetAt)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// recordRejection appends the zero-cost audit record for a denied attempt.
func (a *Admission) recordRejection(r *http.Request, rule *Rule, userID string) {
	if a.metering == nil {
		return
	}
	a.metering.TrackUsage(r.Context(), app.Sample{
		UserID:    userID,
		Operation: "generation." + rule.Category,
		Success:   false,
		Error:     "quota exceeded",
		Metadata:  map[string]string{"path": r.URL.Path},
	})
}

func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

type errorEnvelope struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details errorDetails `json:"details"`
}

type errorDetails struct {
	RetryAfter int64  `json:"retryAfter"` // seconds
	ResetTime  string `json:"resetTime"`  // RFC 3339
}

func (a *Admission) writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retry := int64(res.RetryAfter / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	writeEnvelope(w, errorEnvelope{
		Error: errorDetail{
			Code:    CodeRateLimitExceeded,
			Message: "Too many requests, slow down",
			Details: errorDetails{
				RetryAfter: retry,
				ResetTime:  res.ResetAt.UTC().Format(time.RFC3339),
			},
		},
	})
}

func (a *Admission) writeQuotaExceeded(w http.ResponseWriter, retryAfter time.Duration, resetAt time.Time) {
	retry := int64(retryAfter / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	writeEnvelope(w, errorEnvelope{
		Error: errorDetail{
			Code:    CodeQuotaExceeded,
			Message: "Generation budget exhausted for the current period",
			Details: errorDetails{
				RetryAfter: retry,
				ResetTime:  resetAt.UTC().Format(time.RFC3339),
			},
		},
	})
}

func writeEnvelope(w http.ResponseWriter, env errorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(env)
}

// remoteIP extracts the client IP, honoring the usual proxy headers.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
