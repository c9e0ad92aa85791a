package tokenmeter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tm "github.com/ineyio/tokenmeter"
)

var unitPrice = decimal.RequireFromString("0.24")

func usd(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestUSDToTokens(t *testing.T) {
	tests := []struct {
		usd  string
		want int64
	}{
		{"5", 6_250_000},
		{"10", 12_500_000},
		{"1000", 1_250_000_000},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := tm.USDToTokensAt(usd(tt.usd), unitPrice)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "usd %s", tt.usd)
	}

	got, err := tm.USDToTokensAt(usd("10"), usd("0.21"))
	require.NoError(t, err)
	assert.Equal(t, int64(14_285_714), got)
}

func TestUSDToTokens_Errors(t *testing.T) {
	_, err := tm.USDToTokensAt(usd("10"), decimal.Zero)
	assert.ErrorIs(t, err, tm.ErrInvalidPrice)
	_, err = tm.USDToTokensAt(usd("-5"), unitPrice)
	assert.ErrorIs(t, err, tm.ErrInvalidAmount)
}

func TestTokensToUSD_RoundsUpToCent(t *testing.T) {
	got, err := tm.TokensToUSDAt(12_500_000, unitPrice)
	require.NoError(t, err)
	assert.Equal(t, "10", got.String())

	got, err = tm.TokensToUSDAt(1, unitPrice)
	require.NoError(t, err)
	assert.Equal(t, "0.01", got.String())

	got, err = tm.TokensToUSDAt(0, unitPrice)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestConverter(t *testing.T) {
	c := tm.NewConverter(tm.StaticPrice(unitPrice))

	tokens, price, err := c.USDToTokens(context.Background(), usd("25"))
	require.NoError(t, err)
	assert.Equal(t, int64(31_250_000), tokens)
	assert.True(t, price.Equal(unitPrice))

	back, err := c.TokensToUSD(context.Background(), tokens)
	require.NoError(t, err)
	assert.True(t, back.Equal(usd("25")))
}

func TestValidatePurchaseAmount(t *testing.T) {
	for _, ok := range []string{"5", "10", "25", "100", "995", "1000"} {
		assert.NoError(t, tm.ValidatePurchaseAmount(usd(ok)), ok)
	}
	for _, bad := range []string{"0", "4.99", "7", "12.5", "1005", "-5"} {
		err := tm.ValidatePurchaseAmount(usd(bad))
		require.Error(t, err, bad)
		assert.ErrorIs(t, err, tm.ErrInvalidPurchase)

		var ve *tm.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "usdAmount", ve.Field)
	}
	for _, p := range tm.PurchasePresets {
		assert.NoError(t, tm.ValidatePurchaseAmount(p))
	}
}

func TestSplitPurchase(t *testing.T) {
	app, budget := tm.SplitPurchase(usd("25"))
	assert.Equal(t, "17.5", app.String())
	assert.Equal(t, "7.5", budget.String())
	assert.True(t, app.Add(budget).Equal(usd("25")))
}

func TestNewPurchase(t *testing.T) {
	p, err := tm.NewPurchase(usd("50"), unitPrice, "ch_50")
	require.NoError(t, err)
	assert.Equal(t, int64(62_500_000), p.TokensReceived)
	assert.True(t, p.AppRevenueShare.Equal(usd("35")))
	assert.True(t, p.TokenBudgetShare.Equal(usd("15")))
	assert.Equal(t, tm.PurchaseCompleted, p.Status)
	assert.Equal(t, "ch_50", p.ExternalChargeID)

	_, err = tm.NewPurchase(usd("3"), unitPrice, "ch_3")
	assert.ErrorIs(t, err, tm.ErrInvalidPurchase)
	_, err = tm.NewPurchase(usd("10"), decimal.Zero, "ch_10")
	assert.ErrorIs(t, err, tm.ErrInvalidPrice)
}
