// Package storetest is a conformance suite shared by every LedgerStore
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) tokenmeter.LedgerStore

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s tokenmeter.LedgerStore)
	}{
		{"GetOrCreateEmpty", testGetOrCreateEmpty},
		{"RecordPurchase", testRecordPurchase},
		{"DuplicateCharge", testDuplicateCharge},
		{"ReserveInsufficient", testReserveInsufficient},
		{"FinalizeUnderSpend", testFinalizeUnderSpend},
		{"FinalizeOverSpend", testFinalizeOverSpend},
		{"FinalizeTwice", testFinalizeTwice},
		{"ReservationIDReuse", testReservationIDReuse},
		{"Cancel", testCancel},
		{"ReplaceIncludedPool", testReplaceIncludedPool},
		{"IncludedFirstSettlement", testIncludedFirstSettlement},
		{"PurchasedSourceSkipsPool", testPurchasedSourceSkipsPool},
		{"ConcurrentReserve", testConcurrentReserve},
		{"TenantIsolation", testTenantIsolation},
		{"ReconcileWithOpenReservation", testReconcileWithOpenReservation},
		{"Tenants", testTenants},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func tenantName(t *testing.T) string {
	return "shop-" + t.Name()
}

func purchase(tokens int64, chargeID string) tokenmeter.Purchase {
	return tokenmeter.Purchase{
		USDAmount:        decimal.NewFromInt(10),
		AppRevenueShare:  decimal.NewFromInt(7),
		TokenBudgetShare: decimal.NewFromInt(3),
		UnitPrice:        decimal.RequireFromString("0.24"),
		TokensReceived:   tokens,
		Timestamp:        baseTime,
		ExternalChargeID: chargeID,
		Status:           tokenmeter.PurchaseCompleted,
	}
}

func fund(t *testing.T, s tokenmeter.LedgerStore, tenant string, tokens int64) {
	t.Helper()
	require.NoError(t, s.RecordPurchase(context.Background(), tenant, purchase(tokens, fmt.Sprintf("ch_%s_%d", tenant, tokens))))
}

func reserve(t *testing.T, s tokenmeter.LedgerStore, tenant, id string, amount int64, source tokenmeter.FundingSource) tokenmeter.Reservation {
	t.Helper()
	res, err := s.Reserve(context.Background(), tokenmeter.ReserveRequest{
		Tenant:        tenant,
		ReservationID: id,
		Feature:       string(tokenmeter.FeatureEnhancedItemSEO),
		Amount:        amount,
		Source:        source,
		Metadata:      map[string]string{"product": "gid://shop/Product/1"},
		At:            baseTime,
	})
	require.NoError(t, err)
	return res
}

func ledger(t *testing.T, s tokenmeter.LedgerStore, tenant string) *tokenmeter.Ledger {
	t.Helper()
	l, err := s.GetOrCreate(context.Background(), tenant)
	require.NoError(t, err)
	return l
}

func entry(t *testing.T, l *tokenmeter.Ledger, reservationID string) tokenmeter.UsageEntry {
	t.Helper()
	for _, e := range l.UsageEntries {
		if e.ReservationID == reservationID {
			return e
		}
	}
	t.Fatalf("usage entry %s not found", reservationID)
	return tokenmeter.UsageEntry{}
}

func testGetOrCreateEmpty(t *testing.T, s tokenmeter.LedgerStore) {
	tenant := tenantName(t)
	l := ledger(t, s, tenant)
	assert.Equal(t, tenant, l.Tenant)
	assert.Zero(t, l.Balance)
	assert.Zero(t, l.TotalPurchased)
	assert.Zero(t, l.TotalUsed)
	assert.Empty(t, l.Purchases)
	assert.Empty(t, l.UsageEntries)

	again := ledger(t, s, tenant)
	assert.Equal(t, l.Balance, again.Balance)

	_, err := s.GetOrCreate(context.Background(), "")
	assert.ErrorIs(t, err, tokenmeter.ErrTenantRequired)
}

func testRecordPurchase(t *testing.T, s tokenmeter.LedgerStore) {
	tenant := tenantName(t)
	require.NoError(t, s.RecordPurchase(context.Background(), tenant, purchase(12_500, "ch_1")))

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(12_500), l.Balance)
	assert.Equal(t, int64(12_500), l.TotalPurchased)
	require.Len(t, l.Purchases, 1)
	p := l.Purchases[0]
	assert.Equal(t, "ch_1", p.ExternalChargeID)
	assert.Equal(t, tokenmeter.PurchaseCompleted, p.Status)
	assert.True(t, p.USDAmount.Equal(decimal.NewFromInt(10)))
	assert.True(t, p.TokenBudgetShare.Equal(decimal.NewFromInt(3)))
	require.NotNil(t, l.LastPurchase)
	assert.Equal(t, int64(12_500), l.LastPurchase.TokensReceived)
	assert.NoError(t, l.Reconcile())
}

func testDuplicateCharge(t *testing.T, s tokenmeter.LedgerStore) {
	tenant := tenantName(t)
	require.NoError(t, s.RecordPurchase(context.Background(), tenant, purchase(100, "ch_dup")))

	err := s.RecordPurchase(context.Background(), tenant, purchase(100, "ch_dup"))
	assert.ErrorIs(t, err, tokenmeter.ErrDuplicateCharge)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(100), l.Balance)
	assert.Len(t, l.Purchases, 1)
}

func testReserveInsufficient(t *testing.T, s tokenmeter.LedgerStore) {
	tenant := tenantName(t)
	fund(t, s, tenant, 500)

	_, err := s.Reserve(context.Background(), tokenmeter.ReserveRequest{
		Tenant:        tenant,
		ReservationID: "r-1",
		Feature:       string(tokenmeter.FeatureSimulationTest),
		Amount:        501,
		Source:        tokenmeter.FundingIncluded,
		At:            baseTime,
	})
	require.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	var ibe *tokenmeter.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, int64(501), ibe.Required)
	assert.Equal(t, int64(500), ibe.Available)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(500), l.Balance)
	assert.Empty(t, l.UsageEntries)
}

func testFinalizeUnderSpend(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)
	fund(t, s, tenant, 1000)

	res := reserve(t, s, tenant, "r-1", 550, tokenmeter.FundingIncluded)
	assert.Equal(t, int64(450), res.BalanceAfter)

	l := ledger(t, s, tenant)
	e := entry(t, l, "r-1")
	assert.Equal(t, tokenmeter.EntryReserved, e.Status)
	assert.Nil(t, e.TokensActual)
	assert.Equal(t, "gid://shop/Product/1", e.Metadata["product"])

	st, err := s.Finalize(ctx, tenant, "r-1", 400, baseTime.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, st.Applied)
	assert.Equal(t, int64(150), st.Refunded)
	assert.Equal(t, int64(600), st.BalanceAfter)

	l = ledger(t, s, tenant)
	assert.Equal(t, int64(600), l.Balance)
	assert.Equal(t, int64(400), l.TotalUsed)
	e = entry(t, l, "r-1")
	assert.Equal(t, tokenmeter.EntryFinalized, e.Status)
	require.NotNil(t, e.TokensActual)
	assert.Equal(t, int64(400), *e.TokensActual)
	assert.Equal(t, int64(150), e.RefundedAmount)
	assert.NoError(t, l.Reconcile())
}

func testFinalizeOverSpend(t *testing.T, s tokenmeter.LedgerStore) {
	tenant := tenantName(t)
	fund(t, s, tenant, 1000)
	reserve(t, s, tenant, "r-1", 550, tokenmeter.FundingIncluded)

	st, err := s.Finalize(context.Background(), tenant, "r-1", 700, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(-150), st.Difference)
	assert.Zero(t, st.Refunded)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(300), l.Balance)
	assert.Equal(t, int64(700), l.TotalUsed)
	assert.Zero(t, entry(t, l, "r-1").RefundedAmount)
	assert.NoError(t, l.Reconcile())
}

func testFinalizeTwice(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)
	fund(t, s, tenant, 1000)
	reserve(t, s, tenant, "r-1", 550, tokenmeter.FundingIncluded)

	_, err := s.Finalize(ctx, tenant, "r-1", 400, baseTime)
	require.NoError(t, err)

	_, err = s.Finalize(ctx, tenant, "r-1", 400, baseTime)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)
	_, err = s.Finalize(ctx, tenant, "does-not-exist", 1, baseTime)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(600), l.Balance)
	assert.Equal(t, int64(400), l.TotalUsed)
}

func testReservationIDReuse(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)
	fund(t, s, tenant, 10000)
	reserve(t, s, tenant, "job-42", 3300, tokenmeter.FundingIncluded)

	again := tokenmeter.ReserveRequest{
		Tenant:        tenant,
		ReservationID: "job-42",
		Feature:       string(tokenmeter.FeatureSimulationTest),
		Amount:        3300,
		Source:        tokenmeter.FundingIncluded,
		At:            baseTime,
	}
	_, err := s.Reserve(ctx, again)
	assert.ErrorIs(t, err, tokenmeter.ErrDuplicateReservation)
	assert.Equal(t, int64(6700), ledger(t, s, tenant).Balance)

	_, err = s.Finalize(ctx, tenant, "job-42", 3000, baseTime)
	require.NoError(t, err)
	_, err = s.Finalize(ctx, tenant, "job-42", 3000, baseTime)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)

	// A settled id stays used.
	_, err = s.Reserve(ctx, again)
	assert.ErrorIs(t, err, tokenmeter.ErrDuplicateReservation)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(7000), l.Balance)
	assert.Equal(t, int64(3000), l.TotalUsed)
	assert.Len(t, l.OpenReservations(), 0)
}

func testCancel(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)
	fund(t, s, tenant, 1000)
	reserve(t, s, tenant, "r-1", 550, tokenmeter.FundingIncluded)

	st, err := s.Cancel(ctx, tenant, "r-1", baseTime)
	require.NoError(t, err)
	assert.Equal(t, tokenmeter.EntryCancelled, st.Status)
	assert.Equal(t, int64(550), st.Refunded)

	_, err = s.Cancel(ctx, tenant, "r-1", baseTime)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)
	_, err = s.Finalize(ctx, tenant, "r-1", 10, baseTime)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(1000), l.Balance)
	assert.Zero(t, l.TotalUsed)
	assert.Equal(t, tokenmeter.EntryCancelled, entry(t, l, "r-1").Status)
	assert.NoError(t, l.Reconcile())
}

func testReplaceIncludedPool(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)

	pc, err := s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{
		Tenant: tenant, Pool: 100, Plan: "pro", ReasonID: "cycle-1", EntryID: "adj-1", At: baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-100), pc.Delta)
	assert.Equal(t, int64(100), pc.BalanceAfter)

	fund(t, s, tenant, 20)

	pc, err = s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{
		Tenant: tenant, Pool: 50, Plan: "pro", ReasonID: "cycle-2", EntryID: "adj-2", At: baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), pc.OldIncluded)
	assert.Equal(t, int64(50), pc.NewIncluded)
	assert.Equal(t, int64(50), pc.Delta)
	assert.Equal(t, int64(70), pc.BalanceAfter)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(70), l.Balance)
	assert.Equal(t, int64(50), l.IncludedPool)
	assert.Equal(t, int64(20), l.PurchasedRemaining())
	assert.Equal(t, int64(20), l.TotalPurchased)
	assert.Equal(t, "pro", l.IncludedPlan)

	var adjustments []tokenmeter.UsageEntry
	for _, e := range l.UsageEntries {
		if e.Status == tokenmeter.EntryAdjustment {
			adjustments = append(adjustments, e)
		}
	}
	require.Len(t, adjustments, 2)
	assert.Equal(t, int64(-100), adjustments[0].Delta)
	assert.Equal(t, int64(50), adjustments[1].Delta)
	assert.Equal(t, "cycle-2", adjustments[1].Metadata["reason"])
	assert.NoError(t, l.Reconcile())

	_, err = s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{Tenant: tenant, Pool: -1, EntryID: "adj-3"})
	assert.ErrorIs(t, err, tokenmeter.ErrInvalidAmount)
}

func testIncludedFirstSettlement(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)
	_, err := s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{Tenant: tenant, Pool: 100, Plan: "pro", EntryID: "adj-1", At: baseTime})
	require.NoError(t, err)
	fund(t, s, tenant, 20)

	res := reserve(t, s, tenant, "r-1", 110, tokenmeter.FundingIncluded)
	assert.Equal(t, int64(100), res.FromIncluded)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(10), l.Balance)
	assert.Zero(t, l.IncludedPool)

	_, err = s.Finalize(ctx, tenant, "r-1", 60, baseTime)
	require.NoError(t, err)

	l = ledger(t, s, tenant)
	assert.Equal(t, int64(60), l.Balance)
	assert.Equal(t, int64(40), l.IncludedPool)
	assert.Equal(t, int64(20), l.PurchasedRemaining())
	assert.NoError(t, l.Reconcile())
}

func testPurchasedSourceSkipsPool(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)
	_, err := s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{Tenant: tenant, Pool: 100, Plan: "pro", EntryID: "adj-1", At: baseTime})
	require.NoError(t, err)
	fund(t, s, tenant, 20)

	_, err = s.Reserve(ctx, tokenmeter.ReserveRequest{
		Tenant: tenant, ReservationID: "r-big", Feature: string(tokenmeter.FeatureCollectionSEO),
		Amount: 30, Source: tokenmeter.FundingPurchased, At: baseTime,
	})
	require.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	res := reserve(t, s, tenant, "r-1", 20, tokenmeter.FundingPurchased)
	assert.Zero(t, res.FromIncluded)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(100), l.Balance)
	assert.Equal(t, int64(100), l.IncludedPool)
	assert.Zero(t, l.PurchasedRemaining())
}

func testConcurrentReserve(t *testing.T, s tokenmeter.LedgerStore) {
	tenant := tenantName(t)
	fund(t, s, tenant, 1000)

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		refused atomic.Int32
	)
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(context.Background(), tokenmeter.ReserveRequest{
				Tenant:        tenant,
				ReservationID: fmt.Sprintf("r-%d", i),
				Feature:       string(tokenmeter.FeatureValidationTest),
				Amount:        100,
				Source:        tokenmeter.FundingIncluded,
				At:            baseTime,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, tokenmeter.ErrInsufficientBalance):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(20), refused.Load())

	l := ledger(t, s, tenant)
	assert.Zero(t, l.Balance)
	assert.Len(t, l.OpenReservations(), 10)
	assert.NoError(t, l.Reconcile())
}

func testTenantIsolation(t *testing.T, s tokenmeter.LedgerStore) {
	a, b := tenantName(t)+"-a", tenantName(t)+"-b"
	fund(t, s, a, 300)

	_, err := s.Reserve(context.Background(), tokenmeter.ReserveRequest{
		Tenant: b, ReservationID: "r-1", Feature: string(tokenmeter.FeatureBasicItemSEO),
		Amount: 100, Source: tokenmeter.FundingIncluded, At: baseTime,
	})
	assert.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	reserve(t, s, a, "r-1", 100, tokenmeter.FundingIncluded)
	_, err = s.Finalize(context.Background(), b, "r-1", 10, baseTime)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)

	assert.Equal(t, int64(200), ledger(t, s, a).Balance)
	assert.Zero(t, ledger(t, s, b).Balance)
}

func testReconcileWithOpenReservation(t *testing.T, s tokenmeter.LedgerStore) {
	ctx := context.Background()
	tenant := tenantName(t)
	_, err := s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{Tenant: tenant, Pool: 5000, Plan: "pro", EntryID: "adj-1", At: baseTime})
	require.NoError(t, err)
	fund(t, s, tenant, 2000)

	reserve(t, s, tenant, "r-1", 1650, tokenmeter.FundingIncluded)
	reserve(t, s, tenant, "r-2", 800, tokenmeter.FundingPurchased)
	_, err = s.Finalize(ctx, tenant, "r-1", 1900, baseTime)
	require.NoError(t, err)

	l := ledger(t, s, tenant)
	assert.Equal(t, int64(7000-1900-800), l.Balance)
	require.Len(t, l.OpenReservations(), 1)
	assert.Equal(t, "r-2", l.OpenReservations()[0].ReservationID)
	assert.NoError(t, l.Reconcile())
}

func testTenants(t *testing.T, s tokenmeter.LedgerStore) {
	lister, ok := s.(tokenmeter.TenantLister)
	if !ok {
		t.Skip("store does not list tenants")
	}
	ctx := context.Background()
	a, b := tenantName(t)+"-a", tenantName(t)+"-b"

	_, err := s.GetOrCreate(ctx, b)
	require.NoError(t, err)
	require.NoError(t, s.RecordPurchase(ctx, a, purchase(100, "ch-a")))

	tenants, err := lister.Tenants(ctx)
	require.NoError(t, err)
	assert.Contains(t, tenants, a)
	assert.Contains(t, tenants, b)
}
