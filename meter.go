package tokenmeter

import "time"

// Meter observes ledger events for monitoring/logging.
type Meter interface {
	// OnReserve is called after a reservation succeeds or is refused.
	OnReserve(event ReserveEvent)

	// OnSettle is called after a reservation is finalized or cancelled.
	OnSettle(event SettleEvent)

	// OnPurchase is called after a purchase is recorded.
	OnPurchase(event PurchaseEvent)

	// OnPoolReplace is called after an included pool is replaced.
	OnPoolReplace(event PoolEvent)
}

// ReserveEvent describes a reservation attempt.
type ReserveEvent struct {
	Tenant        string
	Feature       Feature
	ReservationID string
	Source        FundingSource
	Estimated     int64
	Reserved      int64
	BalanceAfter  int64
	Err           error
}

// SettleEvent describes a settled (or missed) reservation.
type SettleEvent struct {
	Tenant        string
	Feature       Feature
	ReservationID string
	Status        EntryStatus
	Reserved      int64
	Actual        int64
	Refunded      int64
	BalanceAfter  int64
	Applied       bool
	Duration      time.Duration
}

// PurchaseEvent describes a recorded purchase.
type PurchaseEvent struct {
	Tenant           string
	ExternalChargeID string
	USDAmount        string
	TokensReceived   int64
	Err              error
}

// PoolEvent describes an included pool replacement.
type PoolEvent struct {
	Tenant       string
	Plan         string
	OldIncluded  int64
	NewIncluded  int64
	Delta        int64
	BalanceAfter int64
}
