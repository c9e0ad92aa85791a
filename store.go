package tokenmeter

import (
	"context"
	"time"
)

// LedgerStore persists tenant ledgers. Every mutating method must be atomic
// per tenant: two concurrent Reserve calls may never both be approved against
// the same balance.
type LedgerStore interface {
	// GetOrCreate returns a snapshot of the tenant's ledger, creating an empty
	// one on first use.
	GetOrCreate(ctx context.Context, tenant string) (*Ledger, error)

	// Reserve debits req.Amount and records an open reservation. Returns an
	// *InsufficientBalanceError when the funding source cannot cover it.
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)

	// Finalize settles a reservation to the actual cost. Returns
	// ErrReservationNotFound if the reservation is unknown or already settled.
	Finalize(ctx context.Context, tenant, reservationID string, actual int64, at time.Time) (Settlement, error)

	// Cancel refunds an open reservation in full. Returns
	// ErrReservationNotFound if the reservation is unknown or already settled.
	Cancel(ctx context.Context, tenant, reservationID string, at time.Time) (Settlement, error)

	// RecordPurchase appends a purchase and credits its tokens. Returns
	// ErrDuplicateCharge if the external charge id was already recorded.
	RecordPurchase(ctx context.Context, tenant string, p Purchase) error

	// ReplaceIncludedPool swaps the tenant's included allotment.
	ReplaceIncludedPool(ctx context.Context, r PoolReplacement) (PoolChange, error)
}

// TenantLister is implemented by stores that can enumerate the tenants they
// hold a ledger for.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}
