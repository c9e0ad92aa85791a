package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/store/sqlite"
	"github.com/ineyio/tokenmeter/store/storetest"
)

func newTestStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tokenmeter.LedgerStore {
		return newTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordPurchase(ctx, "shop-1", tokenmeter.Purchase{
		USDAmount:        decimal.NewFromInt(25),
		AppRevenueShare:  decimal.RequireFromString("17.50"),
		TokenBudgetShare: decimal.RequireFromString("7.50"),
		UnitPrice:        decimal.RequireFromString("0.24"),
		TokensReceived:   31_250_000,
		ExternalChargeID: "ch_25",
	}))
	_, err = s.Reserve(ctx, tokenmeter.ReserveRequest{
		Tenant: "shop-1", ReservationID: "r-1", Feature: string(tokenmeter.FeatureAdvancedSchema),
		Amount: 2750, Source: tokenmeter.FundingPurchased,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := newTestStore(t, path)
	l, err := reopened.GetOrCreate(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(31_250_000-2750), l.Balance)
	require.Len(t, l.Purchases, 1)
	assert.True(t, l.Purchases[0].AppRevenueShare.Equal(decimal.RequireFromString("17.5")))
	require.Len(t, l.OpenReservations(), 1)

	_, err = reopened.Finalize(ctx, "shop-1", "r-1", 2500, l.UpdatedAt)
	require.NoError(t, err)
	l, err = reopened.GetOrCreate(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(31_250_000-2500), l.Balance)
	assert.NoError(t, l.Reconcile())
}
