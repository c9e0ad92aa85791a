package tokenmeter

import (
	"fmt"
	"maps"
	"time"
)

// PoolReplacement is the input to LedgerStore.ReplaceIncludedPool.
type PoolReplacement struct {
	Tenant   string
	Pool     int64
	Plan     string
	ReasonID string
	EntryID  string
	At       time.Time
}

// SettleMath is the balance movement produced by settling a reservation.
type SettleMath struct {
	BalanceDelta  int64
	IncludedDelta int64
	Refunded      int64
}

// DebitSplit returns how much of amount is drawn from the included pool.
// Included-pool funding drains the pool first; purchased funding never
// touches it.
func DebitSplit(includedPool, amount int64, source FundingSource) int64 {
	if source != FundingIncluded || includedPool <= 0 {
		return 0
	}
	return min(includedPool, amount)
}

// SettleFinal computes the settlement of a reservation of reserved tokens, of
// which fromIncluded came from the included pool, against the actual cost.
// The balance always moves by reserved-actual. Refunds return purchased
// tokens before included ones; over-spend drains the included pool first.
func SettleFinal(reserved, fromIncluded, actual, includedPool int64, source FundingSource) SettleMath {
	diff := reserved - actual
	m := SettleMath{BalanceDelta: diff}
	if diff >= 0 {
		m.Refunded = diff
		m.IncludedDelta = fromIncluded - min(actual, fromIncluded)
		return m
	}
	if source == FundingIncluded && includedPool > 0 {
		m.IncludedDelta = -min(includedPool, -diff)
	}
	return m
}

// SettleCancel releases a reservation in full.
func SettleCancel(reserved, fromIncluded int64) SettleMath {
	return SettleMath{BalanceDelta: reserved, IncludedDelta: fromIncluded, Refunded: reserved}
}

// ReplacePool computes the balance after swapping the included pool for
// newPool. Purchased tokens (balance minus the included remainder) carry over
// untouched. delta is positive when tokens are removed.
func ReplacePool(balance, includedPool, newPool int64) (newBalance, delta int64) {
	purchased := balance - includedPool
	return purchased + newPool, includedPool - newPool
}

// NewLedger returns an empty ledger for tenant.
func NewLedger(tenant string, at time.Time) *Ledger {
	return &Ledger{
		Tenant:       tenant,
		Purchases:    []Purchase{},
		UsageEntries: []UsageEntry{},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// HasBalance reports whether the balance covers amount. It never mutates.
func (l *Ledger) HasBalance(amount int64) bool {
	return l.Balance >= amount
}

// PurchasedRemaining is the part of the balance that was bought with money.
func (l *Ledger) PurchasedRemaining() int64 {
	return l.Balance - l.IncludedPool
}

// Available returns the spendable tokens for a funding source.
func (l *Ledger) Available(source FundingSource) int64 {
	if source == FundingPurchased {
		return l.PurchasedRemaining()
	}
	return l.Balance
}

// CheckReserve validates a reservation against a ledger's balance and
// included pool and returns the part drawn from the included pool. Stores that
// keep the ledger in rows use it to apply the same rules as Ledger.Reserve.
func CheckReserve(tenant string, balance, includedPool int64, req ReserveRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, fmt.Errorf("%w: reserve %d", ErrInvalidAmount, req.Amount)
	}
	available := balance
	if req.Source == FundingPurchased {
		available = balance - includedPool
	}
	if available < req.Amount {
		return 0, &InsufficientBalanceError{
			Tenant:    tenant,
			Feature:   req.Feature,
			Source:    req.Source,
			Required:  req.Amount,
			Available: available,
		}
	}
	return DebitSplit(includedPool, req.Amount, req.Source), nil
}

// Reserve debits req.Amount and appends a reserved usage entry. A
// reservation id can be used once, whatever state its entry is in.
func (l *Ledger) Reserve(req ReserveRequest) (Reservation, error) {
	if l.hasEntry(req.ReservationID) {
		return Reservation{}, fmt.Errorf("%w: %s", ErrDuplicateReservation, req.ReservationID)
	}
	from, err := CheckReserve(l.Tenant, l.Balance, l.IncludedPool, req)
	if err != nil {
		return Reservation{}, err
	}

	l.Balance -= req.Amount
	l.IncludedPool -= from
	l.UsageEntries = append(l.UsageEntries, UsageEntry{
		ID:             req.ReservationID,
		ReservationID:  req.ReservationID,
		Feature:        req.Feature,
		Status:         EntryReserved,
		Source:         req.Source,
		TokensReserved: req.Amount,
		FromIncluded:   from,
		Metadata:       maps.Clone(req.Metadata),
		Timestamp:      req.At,
	})
	l.touch(req.At)

	return Reservation{
		ID:           req.ReservationID,
		Tenant:       l.Tenant,
		Feature:      req.Feature,
		Amount:       req.Amount,
		Source:       req.Source,
		FromIncluded: from,
		BalanceAfter: l.Balance,
		CreatedAt:    req.At,
	}, nil
}

// Finalize settles an open reservation to the actual cost.
func (l *Ledger) Finalize(reservationID string, actual int64, at time.Time) (Settlement, error) {
	if actual < 0 {
		return Settlement{}, fmt.Errorf("%w: actual %d", ErrInvalidAmount, actual)
	}
	e := l.openEntry(reservationID)
	if e == nil {
		return Settlement{}, ErrReservationNotFound
	}

	m := SettleFinal(e.TokensReserved, e.FromIncluded, actual, l.IncludedPool, e.Source)
	l.Balance += m.BalanceDelta
	l.IncludedPool += m.IncludedDelta
	l.TotalUsed += actual

	e.Status = EntryFinalized
	e.TokensActual = &actual
	e.RefundedAmount = m.Refunded
	settled := at
	e.SettledAt = &settled
	l.touch(at)

	return Settlement{
		ReservationID: reservationID,
		Tenant:        l.Tenant,
		Status:        EntryFinalized,
		Reserved:      e.TokensReserved,
		Actual:        actual,
		Difference:    m.BalanceDelta,
		Refunded:      m.Refunded,
		BalanceAfter:  l.Balance,
		Applied:       true,
	}, nil
}

// Cancel releases an open reservation and refunds it in full.
func (l *Ledger) Cancel(reservationID string, at time.Time) (Settlement, error) {
	e := l.openEntry(reservationID)
	if e == nil {
		return Settlement{}, ErrReservationNotFound
	}

	m := SettleCancel(e.TokensReserved, e.FromIncluded)
	l.Balance += m.BalanceDelta
	l.IncludedPool += m.IncludedDelta

	e.Status = EntryCancelled
	e.RefundedAmount = m.Refunded
	settled := at
	e.SettledAt = &settled
	l.touch(at)

	return Settlement{
		ReservationID: reservationID,
		Tenant:        l.Tenant,
		Status:        EntryCancelled,
		Reserved:      e.TokensReserved,
		Difference:    m.BalanceDelta,
		Refunded:      m.Refunded,
		BalanceAfter:  l.Balance,
		Applied:       true,
	}, nil
}

// RecordPurchase appends a purchase and credits its tokens.
func (l *Ledger) RecordPurchase(p Purchase) error {
	if p.TokensReceived < 0 {
		return fmt.Errorf("%w: tokens %d", ErrInvalidAmount, p.TokensReceived)
	}
	if p.ExternalChargeID != "" {
		for _, existing := range l.Purchases {
			if existing.ExternalChargeID == p.ExternalChargeID {
				return fmt.Errorf("%w: %s", ErrDuplicateCharge, p.ExternalChargeID)
			}
		}
	}
	if p.Status == "" {
		p.Status = PurchaseCompleted
	}

	l.Purchases = append(l.Purchases, p)
	l.Balance += p.TokensReceived
	l.TotalPurchased += p.TokensReceived
	l.LastPurchase = &PurchaseSummary{
		USDAmount:      p.USDAmount,
		TokensReceived: p.TokensReceived,
		Timestamp:      p.Timestamp,
	}
	l.touch(p.Timestamp)
	return nil
}

// ReplaceIncludedPool swaps the included allotment for r.Pool and appends an
// adjustment entry carrying the delta.
func (l *Ledger) ReplaceIncludedPool(r PoolReplacement) (PoolChange, error) {
	if r.Pool < 0 {
		return PoolChange{}, fmt.Errorf("%w: pool %d", ErrInvalidAmount, r.Pool)
	}

	old := l.IncludedPool
	balance, delta := ReplacePool(l.Balance, old, r.Pool)
	l.Balance = balance
	l.IncludedPool = r.Pool
	l.IncludedPlan = r.Plan
	l.UsageEntries = append(l.UsageEntries, PoolAdjustmentEntry(r, delta))
	l.touch(r.At)

	return PoolChange{
		Tenant:       l.Tenant,
		Plan:         r.Plan,
		OldIncluded:  old,
		NewIncluded:  r.Pool,
		Delta:        delta,
		BalanceAfter: l.Balance,
	}, nil
}

// PoolAdjustmentEntry builds the audit row for a pool replacement.
func PoolAdjustmentEntry(r PoolReplacement, delta int64) UsageEntry {
	md := map[string]string{"plan": r.Plan}
	if r.ReasonID != "" {
		md["reason"] = r.ReasonID
	}
	return UsageEntry{
		ID:        r.EntryID,
		Feature:   PoolAdjustmentFeature,
		Status:    EntryAdjustment,
		Delta:     delta,
		Metadata:  md,
		Timestamp: r.At,
	}
}

// OpenReservations returns the entries still in the reserved state.
func (l *Ledger) OpenReservations() []UsageEntry {
	var open []UsageEntry
	for _, e := range l.UsageEntries {
		if e.Status == EntryReserved {
			open = append(open, e)
		}
	}
	return open
}

// Reconcile checks balance conservation against the ledger history.
func (l *Ledger) Reconcile() error {
	var expected int64
	for _, p := range l.Purchases {
		if p.Status == PurchaseCompleted {
			expected += p.TokensReceived
		}
	}
	for _, e := range l.UsageEntries {
		switch e.Status {
		case EntryAdjustment:
			expected -= e.Delta
		case EntryReserved:
			expected -= e.TokensReserved
		}
	}
	expected -= l.TotalUsed

	if expected != l.Balance {
		return fmt.Errorf("tokenmeter: ledger %s out of balance: balance=%d expected=%d", l.Tenant, l.Balance, expected)
	}
	return nil
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	c := *l
	if l.LastPurchase != nil {
		lp := *l.LastPurchase
		c.LastPurchase = &lp
	}
	c.Purchases = append([]Purchase(nil), l.Purchases...)
	c.UsageEntries = make([]UsageEntry, len(l.UsageEntries))
	for i, e := range l.UsageEntries {
		if e.TokensActual != nil {
			v := *e.TokensActual
			e.TokensActual = &v
		}
		if e.SettledAt != nil {
			v := *e.SettledAt
			e.SettledAt = &v
		}
		e.Metadata = maps.Clone(e.Metadata)
		c.UsageEntries[i] = e
	}
	return &c
}

func (l *Ledger) openEntry(reservationID string) *UsageEntry {
	for i := range l.UsageEntries {
		e := &l.UsageEntries[i]
		if e.ReservationID == reservationID && e.Status == EntryReserved {
			return e
		}
	}
	return nil
}

func (l *Ledger) hasEntry(id string) bool {
	if id == "" {
		return false
	}
	for _, e := range l.UsageEntries {
		if e.ID == id || e.ReservationID == id {
			return true
		}
	}
	return false
}

func (l *Ledger) touch(at time.Time) {
	l.Revision++
	if !at.IsZero() {
		l.UpdatedAt = at
	}
}
