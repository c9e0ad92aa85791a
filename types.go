package tokenmeter

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingSource says which part of a tenant's balance pays for a request.
type FundingSource string

const (
	FundingNotRequired FundingSource = "not-required"
	FundingIncluded    FundingSource = "included-pool"
	FundingPurchased   FundingSource = "purchased-tokens"
	FundingDenied      FundingSource = "denied"
)

// EntryStatus is the lifecycle state of a usage entry.
type EntryStatus string

const (
	EntryReserved   EntryStatus = "reserved"
	EntryFinalized  EntryStatus = "finalized"
	EntryCancelled  EntryStatus = "cancelled"
	EntryAdjustment EntryStatus = "adjustment"
)

// PurchaseStatus is the state of a token purchase.
type PurchaseStatus string

const (
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// PoolAdjustmentFeature tags the audit entries written by ReplaceIncludedPool.
const PoolAdjustmentFeature = "included-pool"

// Ledger is the durable per-tenant token account.
type Ledger struct {
	Tenant         string           `json:"tenant"`
	Balance        int64            `json:"balance"`
	IncludedPool   int64            `json:"includedPool"`
	IncludedPlan   string           `json:"includedPlan,omitempty"`
	TotalPurchased int64            `json:"totalPurchased"`
	TotalUsed      int64            `json:"totalUsed"`
	LastPurchase   *PurchaseSummary `json:"lastPurchase,omitempty"`
	Purchases      []Purchase       `json:"purchases"`
	UsageEntries   []UsageEntry     `json:"usageEntries"`
	Revision       int64            `json:"revision"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Purchase is one paid top-up of the token balance.
type Purchase struct {
	USDAmount        decimal.Decimal `json:"usdAmount"`
	AppRevenueShare  decimal.Decimal `json:"appRevenueShare"`
	TokenBudgetShare decimal.Decimal `json:"tokenBudgetShare"`
	UnitPrice        decimal.Decimal `json:"unitPrice"`
	TokensReceived   int64           `json:"tokensReceived"`
	Timestamp        time.Time       `json:"timestamp"`
	ExternalChargeID string          `json:"externalChargeId"`
	Status           PurchaseStatus  `json:"status"`
}

// PurchaseSummary mirrors the most recent purchase for quick display.
type PurchaseSummary struct {
	USDAmount      decimal.Decimal `json:"usdAmount"`
	TokensReceived int64           `json:"tokensReceived"`
	Timestamp      time.Time       `json:"timestamp"`
}

// UsageEntry is one row of the append-only usage history. Reservations are
// usage entries in the reserved state; pool replacements are adjustment rows.
type UsageEntry struct {
	ID             string            `json:"id"`
	ReservationID  string            `json:"reservationId,omitempty"`
	Feature        string            `json:"feature"`
	Status         EntryStatus       `json:"status"`
	Source         FundingSource     `json:"source,omitempty"`
	TokensReserved int64             `json:"tokensReserved"`
	TokensActual   *int64            `json:"tokensActual"`
	RefundedAmount int64             `json:"refundedAmount"`
	FromIncluded   int64             `json:"fromIncluded"`
	Delta          int64             `json:"delta,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	SettledAt      *time.Time        `json:"settledAt,omitempty"`
}

// ReserveRequest is the input to LedgerStore.Reserve.
type ReserveRequest struct {
	Tenant        string
	ReservationID string
	Feature       string
	Amount        int64
	Source        FundingSource
	Metadata      map[string]string
	At            time.Time
}

// Reservation is an open pre-deduction against a ledger.
type Reservation struct {
	ID           string
	Tenant       string
	Feature      string
	Amount       int64
	Source       FundingSource
	FromIncluded int64
	BalanceAfter int64
	CreatedAt    time.Time
}

// Settlement describes the outcome of Finalize or Cancel.
type Settlement struct {
	ReservationID string
	Tenant        string
	Status        EntryStatus
	Reserved      int64
	Actual        int64
	Difference    int64
	Refunded      int64
	BalanceAfter  int64
	Applied       bool
}

// PoolChange describes the outcome of ReplaceIncludedPool.
type PoolChange struct {
	Tenant       string
	Plan         string
	OldIncluded  int64
	NewIncluded  int64
	Delta        int64
	BalanceAfter int64
}
