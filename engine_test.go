package tokenmeter_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tm "github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/policy"
	"github.com/ineyio/tokenmeter/store"
)

type recordingMeter struct {
	mu       sync.Mutex
	reserves []tm.ReserveEvent
	settles  []tm.SettleEvent
	buys     []tm.PurchaseEvent
	pools    []tm.PoolEvent
}

func (m *recordingMeter) OnReserve(e tm.ReserveEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves = append(m.reserves, e)
}

func (m *recordingMeter) OnSettle(e tm.SettleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settles = append(m.settles, e)
}

func (m *recordingMeter) OnPurchase(e tm.PurchaseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buys = append(m.buys, e)
}

func (m *recordingMeter) OnPoolReplace(e tm.PoolEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = append(m.pools, e)
}

func newTestEngine(t *testing.T, opts ...tm.Option) (*tm.Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	var seq atomic.Int64
	base := []tm.Option{
		tm.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tm.WithClock(func() time.Time { return t0 }),
		tm.WithIDGenerator(func() string { return fmt.Sprintf("res-%d", seq.Add(1)) }),
		tm.WithPriceSource(tm.StaticPrice(unitPrice)),
	}
	e, err := tm.NewEngine(s, append(base, opts...)...)
	require.NoError(t, err)
	return e, s
}

func fund(t *testing.T, s tm.LedgerStore, tenant string, tokens int64) {
	t.Helper()
	require.NoError(t, s.RecordPurchase(context.Background(), tenant, tm.Purchase{
		TokensReceived:   tokens,
		ExternalChargeID: fmt.Sprintf("seed-%s-%d", tenant, tokens),
		Timestamp:        t0,
	}))
}

func balance(t *testing.T, e *tm.Engine, tenant string) int64 {
	t.Helper()
	l, err := e.Ledger(context.Background(), tenant)
	require.NoError(t, err)
	return l.Balance
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := tm.NewEngine(nil)
	assert.Error(t, err)
}

// Scenario: under-estimate refund.
func TestReserveFinalize_Refund(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "shop-a", 1000)

	res, err := e.Reserve(ctx, "shop-a", 500, tm.FeatureEnhancedItemSEO, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.BalanceAfter)
	assert.Equal(t, int64(500), balance(t, e, "shop-a"))

	st, err := e.Finalize(ctx, "shop-a", res.ID, 300)
	require.NoError(t, err)
	assert.True(t, st.Applied)
	assert.Equal(t, int64(200), st.Refunded)

	l, err := e.Ledger(ctx, "shop-a")
	require.NoError(t, err)
	assert.Equal(t, int64(700), l.Balance)
	assert.Equal(t, int64(300), l.TotalUsed)
}

// Scenario: over-estimate extra debit.
func TestReserveFinalize_ExtraDebit(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "shop-b", 1000)

	res, err := e.Reserve(ctx, "shop-b", 500, tm.FeatureEnhancedItemSEO, "", nil)
	require.NoError(t, err)
	_, err = e.Finalize(ctx, "shop-b", res.ID, 600)
	require.NoError(t, err)

	l, err := e.Ledger(ctx, "shop-b")
	require.NoError(t, err)
	assert.Equal(t, int64(400), l.Balance)
	assert.Equal(t, int64(600), l.TotalUsed)
}

func TestFinalize_Twice_IsNoop(t *testing.T) {
	m := &recordingMeter{}
	e, s := newTestEngine(t, tm.WithMeter(m))
	ctx := context.Background()
	fund(t, s, "shop-1", 1000)

	res, err := e.Reserve(ctx, "shop-1", 500, tm.FeatureEnhancedItemSEO, "", nil)
	require.NoError(t, err)
	_, err = e.Finalize(ctx, "shop-1", res.ID, 300)
	require.NoError(t, err)

	st, err := e.Finalize(ctx, "shop-1", res.ID, 300)
	require.NoError(t, err)
	assert.False(t, st.Applied)
	assert.Equal(t, int64(700), balance(t, e, "shop-1"))

	st, err = e.Cancel(ctx, "shop-1", res.ID)
	require.NoError(t, err)
	assert.False(t, st.Applied)
	assert.Equal(t, int64(700), balance(t, e, "shop-1"))

	require.Len(t, m.settles, 3)
	assert.True(t, m.settles[0].Applied)
	assert.False(t, m.settles[1].Applied)
}

func TestCancel_RefundsInFull(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "shop-1", 1000)

	res, err := e.Reserve(ctx, "shop-1", 700, tm.FeatureSimulationTest, "", nil)
	require.NoError(t, err)
	st, err := e.Cancel(ctx, "shop-1", res.ID)
	require.NoError(t, err)
	assert.True(t, st.Applied)
	assert.Equal(t, int64(1000), st.BalanceAfter)

	open, err := e.OpenReservations(ctx, "shop-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

// Scenario: concurrent reserves never overspend.
func TestReserve_ConcurrentSameTenant(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	for i := range 50 {
		tenant := fmt.Sprintf("shop-%d", i)
		fund(t, s, tenant, 1000)

		var (
			wg      sync.WaitGroup
			ok      atomic.Int32
			refused atomic.Int32
		)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Reserve(ctx, tenant, 600, tm.FeatureSimulationTest, "", nil)
				if err == nil {
					ok.Add(1)
				} else if errors.Is(err, tm.ErrInsufficientBalance) {
					refused.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load(), tenant)
		assert.Equal(t, int32(1), refused.Load(), tenant)
		assert.Equal(t, int64(400), balance(t, e, tenant))
	}
}

func TestRun_FinalizesActualCost(t *testing.T) {
	m := &recordingMeter{}
	e, s := newTestEngine(t, tm.WithMeter(m))
	fund(t, s, "shop-1", 10_000)

	res, err := e.Run(context.Background(), tm.Request{
		Tenant:   "shop-1",
		Feature:  tm.FeatureBasicItemSEO,
		Options:  tm.CostOptions{Languages: 1},
		Metadata: map[string]string{"product": "42"},
	}, func(ctx context.Context) (int64, error) {
		return 480, nil
	})
	require.NoError(t, err)

	require.NotNil(t, res.Authorization.Reservation)
	assert.Equal(t, int64(550), res.Authorization.Reservation.Amount)
	assert.Equal(t, tm.StageReserved, res.Authorization.Decision.Stage)
	assert.Equal(t, int64(70), res.Settlement.Refunded)
	assert.Equal(t, int64(10_000-480), balance(t, e, "shop-1"))

	require.Len(t, m.reserves, 1)
	assert.Equal(t, int64(500), m.reserves[0].Estimated)
	require.Len(t, m.settles, 1)
	assert.Equal(t, tm.FeatureBasicItemSEO, m.settles[0].Feature)
}

func TestRun_OperationErrorCancels(t *testing.T) {
	e, s := newTestEngine(t)
	fund(t, s, "shop-1", 10_000)
	boom := errors.New("provider timeout")

	res, err := e.Run(context.Background(), tm.Request{Tenant: "shop-1", Feature: tm.FeatureAdvancedSchema},
		func(ctx context.Context) (int64, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, tm.EntryCancelled, res.Settlement.Status)
	assert.Equal(t, int64(10_000), balance(t, e, "shop-1"))

	l, err := e.Ledger(context.Background(), "shop-1")
	require.NoError(t, err)
	assert.Zero(t, l.TotalUsed)
	assert.NoError(t, l.Reconcile())
}

func TestRun_SettlesAfterContextCancelled(t *testing.T) {
	e, s := newTestEngine(t)
	fund(t, s, "shop-1", 10_000)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := e.Run(ctx, tm.Request{Tenant: "shop-1", Feature: tm.FeatureValidationTest},
		func(ctx context.Context) (int64, error) {
			cancel()
			return 0, ctx.Err()
		})
	require.ErrorIs(t, err, context.Canceled)

	open, err := e.OpenReservations(context.Background(), "shop-1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, int64(10_000), balance(t, e, "shop-1"))
}

func TestAuthorize_InsufficientBalanceCarriesShortfall(t *testing.T) {
	m := &recordingMeter{}
	e, s := newTestEngine(t, tm.WithMeter(m))
	fund(t, s, "shop-1", 100)

	_, err := e.Authorize(context.Background(), tm.Request{Tenant: "shop-1", Feature: tm.FeatureBasicItemSEO})
	require.ErrorIs(t, err, tm.ErrInsufficientBalance)
	assert.True(t, tm.IsDenial(err))
	assert.True(t, tm.IsRecoverable(err))

	var de *tm.DenialError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, int64(550), de.Required)
	assert.Equal(t, int64(100), de.Available)
	assert.Equal(t, int64(450), de.Shortfall())
	assert.Equal(t, tm.FundingPurchased, de.Hint)
	assert.Equal(t, tm.RemedyBuyTokens, de.Remedy())

	open, err := e.OpenReservations(context.Background(), "shop-1")
	require.NoError(t, err)
	assert.Empty(t, open)
	require.Len(t, m.reserves, 1)
	assert.Error(t, m.reserves[0].Err)
}

func TestAuthorize_InputErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Authorize(ctx, tm.Request{Feature: tm.FeatureBasicItemSEO})
	assert.ErrorIs(t, err, tm.ErrTenantRequired)

	_, err = e.Authorize(ctx, tm.Request{Tenant: "shop-1", Feature: "translate-blog"})
	assert.ErrorIs(t, err, tm.ErrUnknownFeature)
	assert.False(t, tm.IsDenial(err))

	_, err = e.Reserve(ctx, "shop-1", 10, "translate-blog", "", nil)
	assert.ErrorIs(t, err, tm.ErrUnknownFeature)
}

// Scenario: trial tenant on an included-pool plan asks for a trial-blocked
// feature that only the included pool could fund.
func TestAuthorize_TrialRestrictedDespiteBalance(t *testing.T) {
	plans := []tm.PlanConfig{{Name: "growth", IncludedTokens: 100_000}}
	e, s := newTestEngine(t, tm.WithPolicy(policy.NewPlanPolicy(policy.WithPlans(plans))), tm.WithPlans(plans))
	ctx := context.Background()
	snapshot := tm.PlanSnapshot{Name: "Growth Plan", Active: true, TrialEndsAt: t0.Add(72 * time.Hour)}

	_, err := e.RenewPlan(ctx, "shop-1", snapshot, "sub-1")
	require.NoError(t, err)
	fund(t, s, "shop-1", 20_000)

	req := tm.Request{
		Tenant:  "shop-1",
		Feature: tm.FeatureOptimizedSitemap,
		Options: tm.CostOptions{ProductCount: 1000},
		Plan:    snapshot,
	}
	auth, err := e.Authorize(ctx, req)
	require.ErrorIs(t, err, tm.ErrTrialRestricted)
	assert.False(t, errors.Is(err, tm.ErrInsufficientBalance))
	assert.Equal(t, tm.FundingDenied, auth.Decision.Source)
	assert.Equal(t, int64(120_000), balance(t, e, "shop-1"))
	assert.Greater(t, int64(120_000), auth.Estimate.WithMargin)

	// Some purchased tokens, but too few: still a trial restriction, and the
	// way out is activating the plan.
	var de *tm.DenialError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, tm.RemedyActivatePlan, de.Remedy())
	assert.Equal(t, tm.FundingIncluded, de.Hint)
	assert.Equal(t, int64(20_000), de.Available)

	// A smaller job fits in the purchased tokens and is funded by them.
	req.Options = tm.CostOptions{ProductCount: 10}
	auth, err = e.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tm.FundingPurchased, auth.Decision.Source)

	l, err := e.Ledger(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), l.IncludedPool)
	assert.Equal(t, int64(20_000-auth.Estimate.WithMargin), l.PurchasedRemaining())
}

func TestAuthorize_UngatedFeatureSkipsReservation(t *testing.T) {
	e, _ := newTestEngine(t, tm.WithPolicy(policy.NewPlanPolicy()))
	called := false

	res, err := e.Run(context.Background(), tm.Request{Tenant: "shop-1", Feature: tm.FeatureBasicItemSEO},
		func(ctx context.Context) (int64, error) {
			called = true
			return 500, nil
		})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Nil(t, res.Authorization.Reservation)
	assert.Equal(t, tm.FundingNotRequired, res.Authorization.Decision.Source)
	assert.Zero(t, balance(t, e, "shop-1"))
}

func TestPurchase(t *testing.T) {
	m := &recordingMeter{}
	e, _ := newTestEngine(t, tm.WithMeter(m))
	ctx := context.Background()

	p, err := e.Purchase(ctx, "shop-1", usd("10"), "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(12_500_000), p.TokensReceived)
	assert.Equal(t, t0, p.Timestamp)

	_, err = e.Purchase(ctx, "shop-1", usd("10"), "ch_1")
	assert.ErrorIs(t, err, tm.ErrDuplicateCharge)

	_, err = e.Purchase(ctx, "shop-1", usd("7"), "ch_2")
	assert.ErrorIs(t, err, tm.ErrInvalidPurchase)
	assert.True(t, tm.IsRecoverable(err))

	l, err := e.Ledger(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12_500_000), l.Balance)
	assert.Equal(t, int64(12_500_000), l.TotalPurchased)
	require.NotNil(t, l.LastPurchase)
	assert.True(t, l.LastPurchase.USDAmount.Equal(usd("10")))

	require.Len(t, m.buys, 3)
	assert.NoError(t, m.buys[0].Err)
	assert.Error(t, m.buys[1].Err)
}

func TestReplaceIncludedPool_PreservesPurchased(t *testing.T) {
	m := &recordingMeter{}
	e, s := newTestEngine(t, tm.WithMeter(m))
	ctx := context.Background()

	_, err := e.ReplaceIncludedPool(ctx, "shop-1", 100, "Pro Plan", "cycle-1")
	require.NoError(t, err)
	fund(t, s, "shop-1", 20)

	pc, err := e.ReplaceIncludedPool(ctx, "shop-1", 50, "pro", "cycle-2")
	require.NoError(t, err)
	assert.Equal(t, int64(70), pc.BalanceAfter)
	assert.Equal(t, int64(50), pc.Delta)
	assert.Equal(t, "pro", pc.Plan)

	l, err := e.Ledger(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), l.Balance)
	assert.Equal(t, int64(20), l.TotalPurchased)
	assert.NoError(t, l.Reconcile())
	require.Len(t, m.pools, 2)
}

func TestRenewPlan(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "shop-1", 5000)

	pc, err := e.RenewPlan(ctx, "shop-1", tm.PlanSnapshot{Name: "pro", Active: true}, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), pc.NewIncluded)
	assert.Equal(t, int64(1_005_000), pc.BalanceAfter)

	pc, err = e.RenewPlan(ctx, "shop-1", tm.PlanSnapshot{Name: "pro", Active: false}, "cancelled")
	require.NoError(t, err)
	assert.Zero(t, pc.NewIncluded)
	assert.Equal(t, int64(5000), pc.BalanceAfter)
}

func TestHasBalance(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "shop-1", 1000)

	ok, err := e.HasBalance(ctx, "shop-1", 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasBalance(ctx, "shop-1", 1001)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.HasBalance(ctx, "", 1)
	assert.ErrorIs(t, err, tm.ErrTenantRequired)
}

func TestOpenReservations_ShowsLeaks(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "shop-1", 10_000)

	auth, err := e.Authorize(ctx, tm.Request{Tenant: "shop-1", Feature: tm.FeatureCollectionSEO, Options: tm.CostOptions{ProductCount: 4}})
	require.NoError(t, err)

	open, err := e.OpenReservations(ctx, "shop-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, auth.Reservation.ID, open[0].ReservationID)
	assert.Equal(t, int64(2860), open[0].TokensReserved)
}

func TestCancel_UnknownReservation(t *testing.T) {
	e, s := newTestEngine(t)
	fund(t, s, "shop-1", 1000)

	st, err := e.Cancel(context.Background(), "shop-1", "res-missing")
	require.NoError(t, err)
	assert.False(t, st.Applied)
	assert.Equal(t, "res-missing", st.ReservationID)
	assert.Equal(t, int64(1000), balance(t, e, "shop-1"))
}

func TestAuthorize_ReusedReservationID(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "shop-1", 10_000)

	req := tm.Request{Tenant: "shop-1", Feature: tm.FeatureSimulationTest, ReservationID: "job-42"}
	_, err := e.Authorize(ctx, req)
	require.NoError(t, err)
	_, err = e.Authorize(ctx, req)
	assert.ErrorIs(t, err, tm.ErrDuplicateReservation)
	assert.Equal(t, int64(6700), balance(t, e, "shop-1"))

	st, err := e.Finalize(ctx, "shop-1", "job-42", 3000)
	require.NoError(t, err)
	assert.True(t, st.Applied)
	st, err = e.Finalize(ctx, "shop-1", "job-42", 3000)
	require.NoError(t, err)
	assert.False(t, st.Applied)

	l, err := e.Ledger(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), l.Balance)
	assert.Equal(t, int64(3000), l.TotalUsed)
}
