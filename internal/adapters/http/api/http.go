// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/internal/domain/submission"
	"github.com/okian/guidepulse/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	EvaluationDependencies
	GuidelineDependencies
	ConsentDependencies
}

// EvaluationDependencies submits evaluation batches.
type EvaluationDependencies interface {
	Submit(ctx context.Context, req submission.Request) (submission.Result, error)
}

// GuidelineDependencies reads snapshots and history.
type GuidelineDependencies interface {
	Guidelines(ctx context.Context, date string) (string, []model.GuidelineSnapshot, error)
	History(ctx context.Context, days int) ([]model.GuidelineHistory, error)
}

// ConsentDependencies manages the consent registry.
type ConsentDependencies interface {
	RecordConsent(ctx context.Context, c model.Consent) (model.Consent, error)
	WithdrawConsent(ctx context.Context, deviceID, version string) (model.Consent, error)
	ConsentStatus(ctx context.Context, deviceID, version string) (string, error)
}

// Limits bounds request sizes and history defaults.
type Limits struct {
	MaxEvaluations     int
	BodyLimitBytes     int64
	DefaultHistoryDays int
	MaxHistoryDays     int
	SharedKey          string
}

// ServerOption configures a Server.
type ServerOption func(*Limits)

// WithMaxEvaluations caps the number of items per submission.
func WithMaxEvaluations(n int) ServerOption {
	return func(l *Limits) {
		if n > 0 {
			l.MaxEvaluations = n
		}
	}
}

// WithBodyLimit caps request bodies in bytes.
func WithBodyLimit(n int64) ServerOption {
	return func(l *Limits) {
		if n > 0 {
			l.BodyLimitBytes = n
		}
	}
}

// WithDefaultHistoryDays sets the window used when days is omitted.
func WithDefaultHistoryDays(days int) ServerOption {
	return func(l *Limits) {
		if days > 0 {
			l.DefaultHistoryDays = days
		}
	}
}

// WithSharedKey requires x-client-key to match key on submissions.
func WithSharedKey(key string) ServerOption {
	return func(l *Limits) {
		l.SharedKey = key
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	limits            Limits
	healthHandler     *HealthHandler
	statsHandler      *StatsHandler
	evaluationHandler *EvaluationsHandler
	guidelineHandler  *GuidelinesHandler
	consentHandler    *ConsentsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...ServerOption) *Server {
	limits := Limits{
		MaxEvaluations:     200,
		BodyLimitBytes:     defaultBodyLimitBytes,
		DefaultHistoryDays: 30,
		MaxHistoryDays:     180,
	}
	for _, opt := range opts {
		opt(&limits)
	}
	return &Server{
		limits:            limits,
		healthHandler:     NewHealthHandler(),
		statsHandler:      NewStatsHandler(statsProvider),
		evaluationHandler: NewEvaluationsHandler(deps, limits.MaxEvaluations),
		guidelineHandler:  NewGuidelinesHandler(deps, limits.DefaultHistoryDays, limits.MaxHistoryDays),
		consentHandler:    NewConsentsHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	limit := func(h http.HandlerFunc) http.HandlerFunc { return BodyLimit(h, s.limits.BodyLimitBytes) }

	// Specific paths first (most specific to least specific)
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/metrics", s.healthHandler.HandleMetrics)
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/evaluations", MetricsMiddleware(
		RequireClientKey(limit(s.evaluationHandler.HandlePostEvaluations), s.limits.SharedKey), "evaluations"))
	mux.HandleFunc("/guidelines", MetricsMiddleware(s.guidelineHandler.HandleGetGuidelines, "guidelines"))
	mux.HandleFunc("/guidelines/history", MetricsMiddleware(s.guidelineHandler.HandleGetHistory, "guidelines_history"))
	mux.HandleFunc("/consents", MetricsMiddleware(limit(s.consentHandler.HandlePostConsent), "consents"))
	mux.HandleFunc("/consents/withdraw", MetricsMiddleware(limit(s.consentHandler.HandleWithdraw), "consents_withdraw"))
	mux.HandleFunc("/consents/status", MetricsMiddleware(s.consentHandler.HandleStatus, "consents_status"))
	mux.HandleFunc("/consents/status/", MetricsMiddleware(s.consentHandler.HandleStatus, "consents_status"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeErr maps err to its status and code. Server-side failures are logged
// and answered with the status text only.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Get().Named("api").Error(r.Context(), "request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Error(err),
		)
		writeError(w, status, code, nil)
		return
	}
	writeError(w, status, code, err)
}

// decodeJSON decodes a single JSON object from r's body.
func decodeJSON(r *http.Request, op string, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return WrapKind(op, ErrPayloadTooLarge, err)
		}
		return WrapKind(op, ErrBadRequest, err)
	}
	return nil
}
