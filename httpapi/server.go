// Package httpapi exposes an Engine over HTTP for services that cannot link
// the library directly.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/tokenmeter"
)

// Server serves the ledger API.
type Server struct {
	engine  *tokenmeter.Engine
	logger  *slog.Logger
	metrics http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a Server over engine.
func New(engine *tokenmeter.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the chi router with every route registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Get("/price", s.handlePrice)
		api.Get("/estimate", s.handleEstimate)

		api.Route("/tenants/{tenant}", func(t chi.Router) {
			t.Get("/ledger", s.handleLedger)
			t.Get("/reservations", s.handleOpenReservations)
			t.Post("/authorize", s.handleAuthorize)
			t.Post("/reservations/{id}/finalize", s.handleFinalize)
			t.Post("/reservations/{id}/cancel", s.handleCancel)
			t.Post("/purchases", s.handlePurchase)
			t.Put("/included-pool", s.handleReplacePool)
		})
	})
	return r
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string                   `json:"error"`
	Message   string                   `json:"message,omitempty"`
	Feature   string                   `json:"feature,omitempty"`
	Required  int64                    `json:"required,omitempty"`
	Available int64                    `json:"available,omitempty"`
	Shortfall int64                    `json:"shortfall,omitempty"`
	Hint      tokenmeter.FundingSource `json:"hint,omitempty"`
	Remedy    tokenmeter.Remedy        `json:"remedy,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps engine errors to HTTP status codes. Denials carry the
// shortfall so clients can offer the right top-up.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	var de *tokenmeter.DenialError
	var ie *tokenmeter.InsufficientBalanceError
	switch {
	case errors.As(err, &de):
		resp.Feature = string(de.Feature)
		resp.Required, resp.Available, resp.Shortfall = de.Required, de.Available, de.Shortfall()
		resp.Hint, resp.Remedy = de.Hint, de.Remedy()
	case errors.As(err, &ie):
		resp.Feature = ie.Feature
		resp.Required, resp.Available, resp.Shortfall = ie.Required, ie.Available, ie.Shortfall()
		resp.Hint, resp.Remedy = tokenmeter.FundingPurchased, tokenmeter.RemedyBuyTokens
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, tokenmeter.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, tokenmeter.ErrTrialRestricted):
		return http.StatusForbidden, "trial_restricted"
	case errors.Is(err, tokenmeter.ErrDuplicateCharge):
		return http.StatusConflict, "duplicate_charge"
	case errors.Is(err, tokenmeter.ErrDuplicateReservation):
		return http.StatusConflict, "duplicate_reservation"
	case errors.Is(err, tokenmeter.ErrUnknownFeature):
		return http.StatusBadRequest, "unknown_feature"
	case errors.Is(err, tokenmeter.ErrInvalidPurchase):
		return http.StatusBadRequest, "invalid_purchase"
	case errors.Is(err, tokenmeter.ErrInvalidAmount), errors.Is(err, tokenmeter.ErrTenantRequired), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}
