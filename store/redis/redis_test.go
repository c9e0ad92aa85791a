package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
	ledgerredis "github.com/ineyio/tokenmeter/store/redis"
	"github.com/ineyio/tokenmeter/store/storetest"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tokenmeter.LedgerStore {
		_, client := newTestClient(t)
		return ledgerredis.New(client, ledgerredis.WithKeyPrefix("test:"))
	})
}

func TestStore_KeysShareTenantHashTag(t *testing.T) {
	mr, client := newTestClient(t)
	s := ledgerredis.New(client, ledgerredis.WithKeyPrefix("tm:"))
	ctx := context.Background()

	_, err := s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{
		Tenant: "shop-1", Pool: 1_000_000, Plan: "pro", EntryID: "adj-1", At: time.Now(),
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("tm:{shop-1}:ledger"))
	assert.True(t, mr.Exists("tm:{shop-1}:entries"))
	assert.True(t, mr.Exists("tm:{shop-1}:entry:adj-1"))
	assert.Equal(t, "1000000", mr.HGet("tm:{shop-1}:ledger", "balance"))
}

func TestStore_ReusedReservationIDRejected(t *testing.T) {
	_, client := newTestClient(t)
	s := ledgerredis.New(client)
	ctx := context.Background()

	require.NoError(t, s.RecordPurchase(ctx, "shop-1", tokenmeter.Purchase{TokensReceived: 1000, ExternalChargeID: "ch_1"}))
	req := tokenmeter.ReserveRequest{
		Tenant: "shop-1", ReservationID: "r-1", Feature: string(tokenmeter.FeatureBasicItemSEO),
		Amount: 100, Source: tokenmeter.FundingIncluded, At: time.Now(),
	}
	_, err := s.Reserve(ctx, req)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, req)
	require.ErrorIs(t, err, tokenmeter.ErrDuplicateReservation)

	l, err := s.GetOrCreate(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), l.Balance)
}

func TestStore_LargeBalancesStayIntegral(t *testing.T) {
	mr, client := newTestClient(t)
	s := ledgerredis.New(client, ledgerredis.WithKeyPrefix("tm:"))
	ctx := context.Background()

	_, err := s.ReplaceIncludedPool(ctx, tokenmeter.PoolReplacement{
		Tenant: "shop-1", Pool: 123_456_789_012_345, Plan: "enterprise", EntryID: "adj-1", At: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "123456789012345", mr.HGet("tm:{shop-1}:ledger", "balance"))
}
