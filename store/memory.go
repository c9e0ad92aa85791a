// Package store provides an in-memory tokenmeter.LedgerStore. Durable stores
// live in the subpackages.
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ineyio/tokenmeter"
)

// MemoryStore is an in-memory LedgerStore. Mutations are serialized per
// tenant; different tenants never contend on the same lock.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantLedger
	now     func() time.Time
}

type tenantLedger struct {
	mu     sync.Mutex
	ledger *tokenmeter.Ledger
}

var (
	_ tokenmeter.LedgerStore  = (*MemoryStore)(nil)
	_ tokenmeter.TenantLister = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*tenantLedger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) tenant(tenant string) *tenantLedger {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.tenants[tenant]
	if !ok {
		tl = &tenantLedger{ledger: tokenmeter.NewLedger(tenant, s.now())}
		s.tenants[tenant] = tl
	}
	return tl
}

// update applies fn to a copy of the tenant's ledger and keeps the copy only
// if fn succeeds, so a failed mutation leaves no partial state behind.
func (s *MemoryStore) update(tenant string, fn func(l *tokenmeter.Ledger) error) error {
	if tenant == "" {
		return tokenmeter.ErrTenantRequired
	}
	tl := s.tenant(tenant)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	next := tl.ledger.Clone()
	if err := fn(next); err != nil {
		return err
	}
	tl.ledger = next
	return nil
}

// GetOrCreate returns a copy of the tenant's ledger.
func (s *MemoryStore) GetOrCreate(_ context.Context, tenant string) (*tokenmeter.Ledger, error) {
	if tenant == "" {
		return nil, tokenmeter.ErrTenantRequired
	}
	tl := s.tenant(tenant)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.ledger.Clone(), nil
}

// Reserve debits the reservation amount.
func (s *MemoryStore) Reserve(_ context.Context, req tokenmeter.ReserveRequest) (tokenmeter.Reservation, error) {
	var res tokenmeter.Reservation
	err := s.update(req.Tenant, func(l *tokenmeter.Ledger) error {
		var err error
		res, err = l.Reserve(req)
		return err
	})
	return res, err
}

// Finalize settles a reservation to its actual cost.
func (s *MemoryStore) Finalize(_ context.Context, tenant, reservationID string, actual int64, at time.Time) (tokenmeter.Settlement, error) {
	var st tokenmeter.Settlement
	err := s.update(tenant, func(l *tokenmeter.Ledger) error {
		var err error
		st, err = l.Finalize(reservationID, actual, at)
		return err
	})
	return st, err
}

// Cancel refunds a reservation in full.
func (s *MemoryStore) Cancel(_ context.Context, tenant, reservationID string, at time.Time) (tokenmeter.Settlement, error) {
	var st tokenmeter.Settlement
	err := s.update(tenant, func(l *tokenmeter.Ledger) error {
		var err error
		st, err = l.Cancel(reservationID, at)
		return err
	})
	return st, err
}

// RecordPurchase credits a purchase.
func (s *MemoryStore) RecordPurchase(_ context.Context, tenant string, p tokenmeter.Purchase) error {
	return s.update(tenant, func(l *tokenmeter.Ledger) error {
		return l.RecordPurchase(p)
	})
}

// ReplaceIncludedPool swaps the included allotment.
func (s *MemoryStore) ReplaceIncludedPool(_ context.Context, r tokenmeter.PoolReplacement) (tokenmeter.PoolChange, error) {
	var pc tokenmeter.PoolChange
	err := s.update(r.Tenant, func(l *tokenmeter.Ledger) error {
		var err error
		pc, err = l.ReplaceIncludedPool(r)
		return err
	})
	return pc, err
}

// Tenants lists every tenant with a ledger, sorted.
func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}
