package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ineyio/tokenmeter"
)

var errBadRequest = errors.New("bad request")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return n, nil
}

// LedgerResponse is a ledger with its derived balances.
type LedgerResponse struct {
	*tokenmeter.Ledger
	PurchasedRemaining int64 `json:"purchasedRemaining"`
	OpenReservations   int   `json:"openReservations"`
}

// PlanRequest is the subscription snapshot sent with an authorization.
type PlanRequest struct {
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	TrialEndsAt time.Time `json:"trialEndsAt,omitzero"`
}

// AuthorizeRequest asks to reserve tokens for a feature.
type AuthorizeRequest struct {
	Feature       string            `json:"feature"`
	Languages     int               `json:"languages"`
	ProductCount  int               `json:"productCount"`
	Plan          PlanRequest       `json:"plan"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ReservationID string            `json:"reservationId,omitempty"`
}

// AuthorizeResponse reports the policy decision and the reservation, if any.
type AuthorizeResponse struct {
	Estimated     int64                    `json:"estimated"`
	WithMargin    int64                    `json:"withMargin"`
	Source        tokenmeter.FundingSource `json:"source"`
	ReservationID string                   `json:"reservationId,omitempty"`
	Reserved      int64                    `json:"reserved,omitempty"`
	FromIncluded  int64                    `json:"fromIncluded,omitempty"`
	BalanceAfter  int64                    `json:"balanceAfter,omitempty"`
}

// SettlementResponse is the outcome of finalize or cancel.
type SettlementResponse struct {
	ReservationID string                 `json:"reservationId"`
	Status        tokenmeter.EntryStatus `json:"status"`
	Applied       bool                   `json:"applied"`
	Reserved      int64                  `json:"reserved"`
	Actual        int64                  `json:"actual"`
	Refunded      int64                  `json:"refunded"`
	BalanceAfter  int64                  `json:"balanceAfter"`
}

func toSettlementResponse(s tokenmeter.Settlement) SettlementResponse {
	return SettlementResponse{
		ReservationID: s.ReservationID,
		Status:        s.Status,
		Applied:       s.Applied,
		Reserved:      s.Reserved,
		Actual:        s.Actual,
		Refunded:      s.Refunded,
		BalanceAfter:  s.BalanceAfter,
	}
}

// handlePrice handles GET /v1/price
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price := s.engine.Converter().Prices.UnitPrice(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"unitPrice": price})
}

// handleEstimate handles GET /v1/estimate?feature=&languages=&products=
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	f, err := tokenmeter.ParseFeature(r.URL.Query().Get("feature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	languages, err := queryInt(r, "languages", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	products, err := queryInt(r, "products", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	est, err := s.engine.Estimate(f, tokenmeter.CostOptions{Languages: languages, ProductCount: products})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	usd, err := s.engine.Converter().TokensToUSD(r.Context(), est.WithMargin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feature":    est.Feature,
		"estimated":  est.Estimated,
		"withMargin": est.WithMargin,
		"usd":        usd,
	})
}

// handleLedger handles GET /v1/tenants/{tenant}/ledger
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.Ledger(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerResponse{
		Ledger:             l,
		PurchasedRemaining: l.PurchasedRemaining(),
		OpenReservations:   len(l.OpenReservations()),
	})
}

// handleOpenReservations handles GET /v1/tenants/{tenant}/reservations
func (s *Server) handleOpenReservations(w http.ResponseWriter, r *http.Request) {
	open, err := s.engine.OpenReservations(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": open, "count": len(open)})
}

// handleAuthorize handles POST /v1/tenants/{tenant}/authorize
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := tokenmeter.ParseFeature(req.Feature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	auth, err := s.engine.Authorize(r.Context(), tokenmeter.Request{
		Tenant:  chi.URLParam(r, "tenant"),
		Feature: f,
		Options: tokenmeter.CostOptions{Languages: req.Languages, ProductCount: req.ProductCount},
		Plan: tokenmeter.PlanSnapshot{
			Name:        req.Plan.Name,
			Active:      req.Plan.Active,
			TrialEndsAt: req.Plan.TrialEndsAt,
		},
		Metadata:      req.Metadata,
		ReservationID: req.ReservationID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := AuthorizeResponse{
		Estimated:  auth.Estimate.Estimated,
		WithMargin: auth.Estimate.WithMargin,
		Source:     auth.Decision.Source,
	}
	status := http.StatusOK
	if res := auth.Reservation; res != nil {
		resp.ReservationID = res.ID
		resp.Reserved = res.Amount
		resp.FromIncluded = res.FromIncluded
		resp.BalanceAfter = res.BalanceAfter
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// handleFinalize handles POST /v1/tenants/{tenant}/reservations/{id}/finalize
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActualTokens *int64 `json:"actualTokens"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ActualTokens == nil {
		s.writeError(w, r, fmt.Errorf("%w: actualTokens is required", errBadRequest))
		return
	}

	st, err := s.engine.Finalize(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"), *req.ActualTokens)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(st))
}

// handleCancel handles POST /v1/tenants/{tenant}/reservations/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(st))
}

// handlePurchase handles POST /v1/tenants/{tenant}/purchases
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		USD      decimal.Decimal `json:"usd"`
		ChargeID string          `json:"chargeId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.engine.Purchase(r.Context(), chi.URLParam(r, "tenant"), req.USD, req.ChargeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleReplacePool handles PUT /v1/tenants/{tenant}/included-pool
func (s *Server) handleReplacePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tokens   int64  `json:"tokens"`
		Plan     string `json:"plan"`
		ReasonID string `json:"reasonId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	pc, err := s.engine.ReplaceIncludedPool(r.Context(), chi.URLParam(r, "tenant"), req.Tokens, req.Plan, req.ReasonID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":       pc.Tenant,
		"plan":         pc.Plan,
		"oldIncluded":  pc.OldIncluded,
		"newIncluded":  pc.NewIncluded,
		"delta":        pc.Delta,
		"balanceAfter": pc.BalanceAfter,
	})
}
