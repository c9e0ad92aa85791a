package tokenmeter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine meters token usage: it estimates, checks the plan policy, reserves
// against the tenant ledger and settles to the actual cost.
type Engine struct {
	store  LedgerStore
	policy Policy
	prices PriceSource
	meter  Meter
	plans  PlanTable
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the plan policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithPriceSource sets the unit price source used for purchases.
func WithPriceSource(ps PriceSource) Option {
	return func(e *Engine) { e.prices = ps }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithPlans sets the plan table used by RenewPlan.
func WithPlans(plans []PlanConfig) Option {
	return func(e *Engine) { e.plans = NewPlanTable(plans) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator sets the reservation id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an Engine over store. Default components (balance-only
// policy, DefaultUnitPrice, no-op meter, slog.Default) are used unless
// overridden via options.
func NewEngine(store LedgerStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("tokenmeter: a ledger store is required")
	}

	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}

	if e.policy == nil {
		e.policy = balancePolicy{}
	}
	if e.prices == nil {
		e.prices = StaticPrice(DefaultUnitPrice)
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	if e.plans == nil {
		e.plans = NewPlanTable(DefaultPlans)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.New().String() }
	}
	return e, nil
}

// Request asks to run a metered feature for a tenant.
type Request struct {
	Tenant   string
	Feature  Feature
	Options  CostOptions
	Plan     PlanSnapshot
	Metadata map[string]string

	// ReservationID is optional; one is generated when empty.
	ReservationID string
}

// Authorization is the result of a successful Authorize. Reservation is nil
// when the feature does not consume tokens.
type Authorization struct {
	Tenant      string
	Estimate    Estimate
	Decision    Decision
	Reservation *Reservation
}

// Operation performs the external work and reports its actual token cost.
type Operation func(ctx context.Context) (actualTokens int64, err error)

// Result is the outcome of Run.
type Result struct {
	Authorization Authorization
	Settlement    Settlement
}

// Converter returns a USD/token converter backed by the engine's price source.
func (e *Engine) Converter() *Converter {
	return NewConverter(e.prices)
}

// Estimate returns the cost estimate of a feature with its safety margin.
func (e *Engine) Estimate(f Feature, opts CostOptions) (Estimate, error) {
	est, err := EstimateWithMargin(f, opts)
	if err != nil {
		e.logger.Error("cost estimate failed", "feature", string(f), "error", err)
	}
	return est, err
}

// Authorize runs the policy and, when tokens are required, reserves the
// estimate with margin. The returned reservation must be finalized or
// cancelled by the caller.
func (e *Engine) Authorize(ctx context.Context, req Request) (Authorization, error) {
	auth := Authorization{Tenant: req.Tenant}
	if req.Tenant == "" {
		return auth, ErrTenantRequired
	}

	est, err := e.Estimate(req.Feature, req.Options)
	if err != nil {
		return auth, err
	}
	auth.Estimate = est

	ledger, err := e.store.GetOrCreate(ctx, req.Tenant)
	if err != nil {
		return auth, fmt.Errorf("tokenmeter: load ledger: %w", err)
	}

	d := e.policy.Resolve(PolicyInput{
		Tenant:   req.Tenant,
		Plan:     req.Plan,
		Ledger:   ledger,
		Feature:  req.Feature,
		Required: est.WithMargin,
		Now:      e.now(),
	})
	auth.Decision = d

	if !d.Allowed() {
		e.logger.Info("request denied",
			"tenant", req.Tenant,
			"feature", string(req.Feature),
			"plan", req.Plan.Name,
			"stage", string(d.Stage),
			"required", d.Required,
			"available", d.Available,
			"error", d.Err,
		)
		e.meter.OnReserve(ReserveEvent{
			Tenant:    req.Tenant,
			Feature:   req.Feature,
			Source:    d.Source,
			Estimated: est.Estimated,
			Err:       d.Err,
		})
		return auth, d.Err
	}

	if d.Source == FundingNotRequired {
		return auth, nil
	}

	res, err := e.reserve(ctx, ReserveRequest{
		Tenant:        req.Tenant,
		ReservationID: req.ReservationID,
		Feature:       string(req.Feature),
		Amount:        est.WithMargin,
		Source:        d.Source,
		Metadata:      req.Metadata,
	}, est.Estimated)
	if err != nil {
		auth.Decision.Stage = StageDenied
		auth.Decision.Err = err
		return auth, err
	}

	auth.Decision.Stage = StageReserved
	auth.Reservation = &res
	return auth, nil
}

// Reserve debits amount from the tenant's balance and opens a reservation.
func (e *Engine) Reserve(ctx context.Context, tenant string, amount int64, f Feature, source FundingSource, metadata map[string]string) (Reservation, error) {
	if tenant == "" {
		return Reservation{}, ErrTenantRequired
	}
	if !f.Valid() {
		return Reservation{}, fmt.Errorf("%w: %q", ErrUnknownFeature, string(f))
	}
	if source == "" {
		source = FundingIncluded
	}
	return e.reserve(ctx, ReserveRequest{
		Tenant:   tenant,
		Feature:  string(f),
		Amount:   amount,
		Source:   source,
		Metadata: metadata,
	}, amount)
}

func (e *Engine) reserve(ctx context.Context, req ReserveRequest, estimated int64) (Reservation, error) {
	if req.ReservationID == "" {
		req.ReservationID = e.newID()
	}
	req.At = e.now()

	res, err := e.store.Reserve(ctx, req)
	e.meter.OnReserve(ReserveEvent{
		Tenant:        req.Tenant,
		Feature:       Feature(req.Feature),
		ReservationID: req.ReservationID,
		Source:        req.Source,
		Estimated:     estimated,
		Reserved:      res.Amount,
		BalanceAfter:  res.BalanceAfter,
		Err:           err,
	})
	if err != nil {
		return Reservation{}, err
	}

	e.logger.Debug("tokens reserved",
		"tenant", req.Tenant,
		"feature", req.Feature,
		"reservation_id", res.ID,
		"source", string(res.Source),
		"amount", res.Amount,
		"from_included", res.FromIncluded,
		"balance", res.BalanceAfter,
	)
	return res, nil
}

// Finalize settles a reservation to the actual token cost. An unknown or
// already settled reservation is logged and ignored: the external work has
// already happened and cannot be undone.
func (e *Engine) Finalize(ctx context.Context, tenant, reservationID string, actual int64) (Settlement, error) {
	return e.finalize(ctx, tenant, reservationID, "", actual, 0)
}

func (e *Engine) finalize(ctx context.Context, tenant, reservationID string, f Feature, actual int64, took time.Duration) (Settlement, error) {
	s, err := e.store.Finalize(ctx, tenant, reservationID, actual, e.now())
	return e.settled(tenant, reservationID, f, EntryFinalized, s, err, took)
}

// Cancel releases a reservation whose operation failed before incurring any
// cost. An unknown or already settled reservation is logged and ignored.
func (e *Engine) Cancel(ctx context.Context, tenant, reservationID string) (Settlement, error) {
	return e.cancel(ctx, tenant, reservationID, "", 0)
}

func (e *Engine) cancel(ctx context.Context, tenant, reservationID string, f Feature, took time.Duration) (Settlement, error) {
	s, err := e.store.Cancel(ctx, tenant, reservationID, e.now())
	return e.settled(tenant, reservationID, f, EntryCancelled, s, err, took)
}

func (e *Engine) settled(tenant, reservationID string, f Feature, status EntryStatus, s Settlement, err error, took time.Duration) (Settlement, error) {
	if errors.Is(err, ErrReservationNotFound) {
		e.logger.Warn("reservation not found, settlement skipped",
			"tenant", tenant,
			"reservation_id", reservationID,
			"status", string(status),
		)
		s = Settlement{ReservationID: reservationID, Tenant: tenant, Status: status}
		err = nil
	}
	if err != nil {
		e.logger.Error("settlement failed",
			"tenant", tenant,
			"reservation_id", reservationID,
			"status", string(status),
			"error", err,
		)
		return Settlement{}, err
	}

	e.meter.OnSettle(SettleEvent{
		Tenant:        tenant,
		Feature:       f,
		ReservationID: reservationID,
		Status:        status,
		Reserved:      s.Reserved,
		Actual:        s.Actual,
		Refunded:      s.Refunded,
		BalanceAfter:  s.BalanceAfter,
		Applied:       s.Applied,
		Duration:      took,
	})
	return s, nil
}

// Run authorizes req, runs op outside of any ledger lock and settles the
// reservation: finalize on success, cancel when op fails. Settlement uses a
// context detached from ctx's cancellation so an aborted request still
// releases its tokens.
func (e *Engine) Run(ctx context.Context, req Request, op Operation) (Result, error) {
	auth, err := e.Authorize(ctx, req)
	if err != nil {
		return Result{Authorization: auth}, err
	}
	if auth.Reservation == nil {
		_, err := op(ctx)
		return Result{Authorization: auth}, err
	}

	res := auth.Reservation
	start := e.now()
	actual, opErr := op(ctx)
	took := e.now().Sub(start)
	settleCtx := context.WithoutCancel(ctx)

	if opErr != nil {
		s, err := e.cancel(settleCtx, res.Tenant, res.ID, req.Feature, took)
		if err != nil {
			return Result{Authorization: auth}, errors.Join(opErr, err)
		}
		return Result{Authorization: auth, Settlement: s}, opErr
	}

	s, err := e.finalize(settleCtx, res.Tenant, res.ID, req.Feature, actual, took)
	return Result{Authorization: auth, Settlement: s}, err
}

// Purchase converts usd to tokens at the current unit price and credits the
// tenant. chargeID is the payment provider's charge reference; a repeated
// chargeID is rejected with ErrDuplicateCharge.
func (e *Engine) Purchase(ctx context.Context, tenant string, usd decimal.Decimal, chargeID string) (Purchase, error) {
	if tenant == "" {
		return Purchase{}, ErrTenantRequired
	}

	price := e.prices.UnitPrice(ctx)
	p, err := NewPurchase(usd, price, chargeID)
	if err == nil {
		p.Timestamp = e.now()
		err = e.store.RecordPurchase(ctx, tenant, p)
	}

	e.meter.OnPurchase(PurchaseEvent{
		Tenant:           tenant,
		ExternalChargeID: chargeID,
		USDAmount:        usd.StringFixed(2),
		TokensReceived:   p.TokensReceived,
		Err:              err,
	})
	if err != nil {
		e.logger.Warn("purchase rejected",
			"tenant", tenant,
			"usd", usd.StringFixed(2),
			"charge_id", chargeID,
			"error", err,
		)
		return Purchase{}, err
	}

	e.logger.Info("tokens purchased",
		"tenant", tenant,
		"usd", usd.StringFixed(2),
		"unit_price", price.String(),
		"tokens", p.TokensReceived,
		"charge_id", chargeID,
	)
	return p, nil
}

// ReplaceIncludedPool swaps the tenant's included allotment for pool tokens.
func (e *Engine) ReplaceIncludedPool(ctx context.Context, tenant string, pool int64, plan, reasonID string) (PoolChange, error) {
	if tenant == "" {
		return PoolChange{}, ErrTenantRequired
	}

	pc, err := e.store.ReplaceIncludedPool(ctx, PoolReplacement{
		Tenant:   tenant,
		Pool:     pool,
		Plan:     NormalizePlanName(plan),
		ReasonID: reasonID,
		EntryID:  e.newID(),
		At:       e.now(),
	})
	if err != nil {
		return PoolChange{}, err
	}

	e.meter.OnPoolReplace(PoolEvent(pc))
	e.logger.Info("included pool replaced",
		"tenant", tenant,
		"plan", pc.Plan,
		"old_included", pc.OldIncluded,
		"new_included", pc.NewIncluded,
		"delta", pc.Delta,
		"balance", pc.BalanceAfter,
	)
	return pc, nil
}

// RenewPlan grants the included pool of plan for a new billing cycle or a
// plan change. Inactive plans grant nothing.
func (e *Engine) RenewPlan(ctx context.Context, tenant string, plan PlanSnapshot, reasonID string) (PoolChange, error) {
	var pool int64
	if plan.Active {
		pool = e.plans.IncludedTokens(plan.Name)
	}
	return e.ReplaceIncludedPool(ctx, tenant, pool, plan.Name, reasonID)
}

// Ledger returns a snapshot of the tenant's ledger.
func (e *Engine) Ledger(ctx context.Context, tenant string) (*Ledger, error) {
	if tenant == "" {
		return nil, ErrTenantRequired
	}
	return e.store.GetOrCreate(ctx, tenant)
}

// HasBalance reports whether the tenant's balance covers amount.
func (e *Engine) HasBalance(ctx context.Context, tenant string, amount int64) (bool, error) {
	l, err := e.Ledger(ctx, tenant)
	if err != nil {
		return false, err
	}
	return l.HasBalance(amount), nil
}

// OpenReservations lists reservations that were never settled. Entries that
// stay open are leaked tokens and need manual review.
func (e *Engine) OpenReservations(ctx context.Context, tenant string) ([]UsageEntry, error) {
	l, err := e.Ledger(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return l.OpenReservations(), nil
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnReserve(ReserveEvent)   {}
func (noopMeter) OnSettle(SettleEvent)     {}
func (noopMeter) OnPurchase(PurchaseEvent) {}
func (noopMeter) OnPoolReplace(PoolEvent)  {}
