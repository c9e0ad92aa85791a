package tokenmeter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tm "github.com/ineyio/tokenmeter"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestDebitSplit(t *testing.T) {
	assert.Equal(t, int64(100), tm.DebitSplit(100, 110, tm.FundingIncluded))
	assert.Equal(t, int64(40), tm.DebitSplit(100, 40, tm.FundingIncluded))
	assert.Zero(t, tm.DebitSplit(100, 40, tm.FundingPurchased))
	assert.Zero(t, tm.DebitSplit(0, 40, tm.FundingIncluded))
}

func TestSettleFinal(t *testing.T) {
	tests := []struct {
		name                                 string
		reserved, fromIncluded, actual, pool int64
		source                               tm.FundingSource
		want                                 tm.SettleMath
	}{
		{"refund purchased part first", 110, 100, 60, 0, tm.FundingIncluded, tm.SettleMath{BalanceDelta: 50, IncludedDelta: 40, Refunded: 50}},
		{"refund purchased only", 110, 100, 105, 0, tm.FundingIncluded, tm.SettleMath{BalanceDelta: 5, IncludedDelta: 0, Refunded: 5}},
		{"exact", 550, 550, 550, 0, tm.FundingIncluded, tm.SettleMath{}},
		{"over-spend drains pool", 550, 550, 700, 1000, tm.FundingIncluded, tm.SettleMath{BalanceDelta: -150, IncludedDelta: -150}},
		{"over-spend beyond pool", 550, 550, 700, 100, tm.FundingIncluded, tm.SettleMath{BalanceDelta: -150, IncludedDelta: -100}},
		{"over-spend purchased keeps pool", 550, 0, 700, 1000, tm.FundingPurchased, tm.SettleMath{BalanceDelta: -150}},
		{"zero actual", 550, 300, 0, 0, tm.FundingIncluded, tm.SettleMath{BalanceDelta: 550, IncludedDelta: 300, Refunded: 550}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tm.SettleFinal(tt.reserved, tt.fromIncluded, tt.actual, tt.pool, tt.source)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplacePool(t *testing.T) {
	balance, delta := tm.ReplacePool(120, 100, 50)
	assert.Equal(t, int64(70), balance)
	assert.Equal(t, int64(50), delta)

	balance, delta = tm.ReplacePool(20, 0, 1_000_000)
	assert.Equal(t, int64(1_000_020), balance)
	assert.Equal(t, int64(-1_000_000), delta)
}

func TestLedger_ReserveFinalizeConservation(t *testing.T) {
	pairs := []struct{ estimate, actual int64 }{
		{500, 300}, {500, 600}, {500, 500}, {500, 0}, {1100, 1000}, {1, 5000},
	}
	for _, p := range pairs {
		l := tm.NewLedger("shop-1", t0)
		require.NoError(t, l.RecordPurchase(tm.Purchase{TokensReceived: 10_000, ExternalChargeID: "ch_1", Timestamp: t0}))
		before := l.Balance

		_, err := l.Reserve(tm.ReserveRequest{ReservationID: "r-1", Feature: "basic-item-seo", Amount: p.estimate, Source: tm.FundingIncluded, At: t0})
		require.NoError(t, err)
		_, err = l.Finalize("r-1", p.actual, t0)
		require.NoError(t, err)

		assert.Equal(t, before-p.actual, l.Balance, "estimate %d actual %d", p.estimate, p.actual)
		assert.NoError(t, l.Reconcile())
	}
}

func TestLedger_ReserveInsufficient(t *testing.T) {
	l := tm.NewLedger("shop-1", t0)
	_, err := l.Reserve(tm.ReserveRequest{ReservationID: "r-1", Feature: "simulation-test", Amount: 3300, At: t0})

	var ibe *tm.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, int64(3300), ibe.Shortfall())
	assert.True(t, tm.IsDenial(err))
	assert.Empty(t, l.UsageEntries)
	assert.Zero(t, l.Revision)
}

func TestLedger_OverSpendDipsNegativeAndRecovers(t *testing.T) {
	l := tm.NewLedger("shop-1", t0)
	require.NoError(t, l.RecordPurchase(tm.Purchase{TokensReceived: 1000, ExternalChargeID: "ch_1"}))

	_, err := l.Reserve(tm.ReserveRequest{ReservationID: "r-1", Feature: "validation-test", Amount: 1000, Source: tm.FundingIncluded})
	require.NoError(t, err)
	_, err = l.Finalize("r-1", 1100, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), l.Balance)
	assert.False(t, l.HasBalance(1))

	require.NoError(t, l.RecordPurchase(tm.Purchase{TokensReceived: 6_250_000, ExternalChargeID: "ch_2"}))
	assert.Equal(t, int64(6_249_900), l.Balance)
	assert.NoError(t, l.Reconcile())
}

func TestLedger_FinalizeRejectsNegativeActual(t *testing.T) {
	l := tm.NewLedger("shop-1", t0)
	require.NoError(t, l.RecordPurchase(tm.Purchase{TokensReceived: 1000}))
	_, err := l.Reserve(tm.ReserveRequest{ReservationID: "r-1", Amount: 100, Source: tm.FundingIncluded})
	require.NoError(t, err)

	_, err = l.Finalize("r-1", -1, t0)
	assert.ErrorIs(t, err, tm.ErrInvalidAmount)
	assert.Len(t, l.OpenReservations(), 1)
}

func TestLedger_ReconcileDetectsDrift(t *testing.T) {
	l := tm.NewLedger("shop-1", t0)
	require.NoError(t, l.RecordPurchase(tm.Purchase{TokensReceived: 1000}))
	require.NoError(t, l.Reconcile())

	l.Balance += 5
	assert.Error(t, l.Reconcile())
}

func TestLedger_CloneIsDeep(t *testing.T) {
	l := tm.NewLedger("shop-1", t0)
	require.NoError(t, l.RecordPurchase(tm.Purchase{TokensReceived: 1000, ExternalChargeID: "ch_1"}))
	_, err := l.Reserve(tm.ReserveRequest{ReservationID: "r-1", Amount: 100, Source: tm.FundingIncluded, Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)

	c := l.Clone()
	c.UsageEntries[0].Metadata["k"] = "changed"
	c.Purchases[0].TokensReceived = 1
	c.LastPurchase.TokensReceived = 1
	_, err = c.Finalize("r-1", 50, t0)
	require.NoError(t, err)

	assert.Equal(t, "v", l.UsageEntries[0].Metadata["k"])
	assert.Equal(t, int64(1000), l.Purchases[0].TokensReceived)
	assert.Equal(t, int64(1000), l.LastPurchase.TokensReceived)
	assert.Equal(t, tm.EntryReserved, l.UsageEntries[0].Status)
}

func TestLedger_ReserveRejectsUsedID(t *testing.T) {
	l := tm.NewLedger("shop-1", t0)
	require.NoError(t, l.RecordPurchase(tm.Purchase{TokensReceived: 10_000, ExternalChargeID: "ch_1", Timestamp: t0}))
	_, err := l.ReplaceIncludedPool(tm.PoolReplacement{Tenant: "shop-1", Pool: 500, Plan: "pro", EntryID: "adj-1", At: t0})
	require.NoError(t, err)

	req := tm.ReserveRequest{ReservationID: "job-42", Feature: "simulation-test", Amount: 3300, Source: tm.FundingIncluded, At: t0}
	_, err = l.Reserve(req)
	require.NoError(t, err)

	_, err = l.Reserve(req)
	assert.ErrorIs(t, err, tm.ErrDuplicateReservation)

	_, err = l.Finalize("job-42", 3000, t0)
	require.NoError(t, err)
	_, err = l.Reserve(req)
	assert.ErrorIs(t, err, tm.ErrDuplicateReservation, "settled ids stay used")

	req.ReservationID = "adj-1"
	_, err = l.Reserve(req)
	assert.ErrorIs(t, err, tm.ErrDuplicateReservation)

	assert.Equal(t, int64(10_500-3000), l.Balance)
	assert.NoError(t, l.Reconcile())
}
