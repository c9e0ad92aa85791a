package meter_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/meter"
)

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewJSONHandler(&buf, nil)))

	m.OnReserve(tokenmeter.ReserveEvent{
		Tenant: "shop-1", Feature: tokenmeter.FeatureCollectionSEO, ReservationID: "r-1",
		Source: tokenmeter.FundingIncluded, Estimated: 2000, Reserved: 2200, BalanceAfter: 7800,
	})
	m.OnSettle(tokenmeter.SettleEvent{Tenant: "shop-1", ReservationID: "r-9", Status: tokenmeter.EntryFinalized})

	out := buf.String()
	assert.Contains(t, out, `"msg":"reserve"`)
	assert.Contains(t, out, `"reserved_tokens":2200`)
	assert.Contains(t, out, `"msg":"settle_skipped"`)
	assert.Contains(t, out, `"level":"WARN"`)
}

func TestNewLogMeter_NilLoggerUsesDefault(t *testing.T) {
	m := meter.NewLogMeter(nil)
	require.NotNil(t, m.Logger)
}

func TestPrometheusMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPrometheusMeter(reg)

	m.OnReserve(tokenmeter.ReserveEvent{Feature: tokenmeter.FeatureValidationTest, Source: tokenmeter.FundingPurchased, Reserved: 1320})
	m.OnReserve(tokenmeter.ReserveEvent{
		Feature: tokenmeter.FeatureAdvancedSchema,
		Source:  tokenmeter.FundingDenied,
		Err:     &tokenmeter.DenialError{Reason: tokenmeter.ErrTrialRestricted},
	})
	m.OnSettle(tokenmeter.SettleEvent{
		Feature: tokenmeter.FeatureValidationTest, Status: tokenmeter.EntryFinalized,
		Reserved: 1320, Actual: 1000, Refunded: 320, Applied: true, Duration: 2 * time.Second,
	})
	m.OnSettle(tokenmeter.SettleEvent{Status: tokenmeter.EntryCancelled})
	m.OnPurchase(tokenmeter.PurchaseEvent{TokensReceived: 12_500_000})
	m.OnPoolReplace(tokenmeter.PoolEvent{Plan: "pro"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reservations("validation-test", "purchased-tokens", "reserved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reservations("advanced-schema", "denied", "trial_restricted")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.UsedTokens("validation-test")))
	assert.Equal(t, 12_500_000.0, testutil.ToFloat64(m.PurchasedTokens()))

	n, err := testutil.GatherAndCount(reg, "tokenmeter_settlements_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMultiMeter(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	prom := meter.NewPrometheusMeter(reg)
	m := meter.Multi(meter.NewLogMeter(slog.New(slog.NewJSONHandler(&buf, nil))), nil, prom, &meter.NoopMeter{})
	require.Len(t, m, 3)

	m.OnPurchase(tokenmeter.PurchaseEvent{Tenant: "shop-1", TokensReceived: 500})

	assert.Contains(t, buf.String(), `"msg":"purchase"`)
	assert.Equal(t, 500.0, testutil.ToFloat64(prom.PurchasedTokens()))
}
