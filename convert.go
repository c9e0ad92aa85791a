package tokenmeter

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceSource supplies the current USD price per million tokens. It never
// fails: implementations degrade to a fallback price instead.
type PriceSource interface {
	UnitPrice(ctx context.Context) decimal.Decimal
}

// StaticPrice is a PriceSource with a fixed price, for tests and offline use.
type StaticPrice decimal.Decimal

// UnitPrice returns the fixed price.
func (p StaticPrice) UnitPrice(context.Context) decimal.Decimal {
	return decimal.Decimal(p)
}

var (
	// TokenBudgetShareRate is the part of a purchase that funds tokens.
	TokenBudgetShareRate = decimal.RequireFromString("0.30")
	// AppRevenueShareRate is the part of a purchase kept as app revenue.
	AppRevenueShareRate = decimal.RequireFromString("0.70")

	million = decimal.NewFromInt(1_000_000)
)

// Converter translates between USD and tokens at the current unit price.
type Converter struct {
	Prices PriceSource
}

// NewConverter creates a Converter backed by prices.
func NewConverter(prices PriceSource) *Converter {
	return &Converter{Prices: prices}
}

// USDToTokens returns floor(usd * TokenBudgetShareRate / unitPrice * 1e6).
func (c *Converter) USDToTokens(ctx context.Context, usd decimal.Decimal) (int64, decimal.Decimal, error) {
	price := c.Prices.UnitPrice(ctx)
	tokens, err := USDToTokensAt(usd, price)
	return tokens, price, err
}

// TokensToUSD returns the purchase amount that buys tokens, rounded up to the
// cent. Display only.
func (c *Converter) TokensToUSD(ctx context.Context, tokens int64) (decimal.Decimal, error) {
	return TokensToUSDAt(tokens, c.Prices.UnitPrice(ctx))
}

// USDToTokensAt converts at an explicit unit price.
func USDToTokensAt(usd, unitPrice decimal.Decimal) (int64, error) {
	if !unitPrice.IsPositive() {
		return 0, ErrInvalidPrice
	}
	if usd.IsNegative() {
		return 0, ErrInvalidAmount
	}
	return usd.Mul(TokenBudgetShareRate).Mul(million).Div(unitPrice).Floor().IntPart(), nil
}

// TokensToUSDAt converts at an explicit unit price.
func TokensToUSDAt(tokens int64, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if !unitPrice.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	if tokens < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return decimal.NewFromInt(tokens).Mul(unitPrice).Div(million).Div(TokenBudgetShareRate).RoundCeil(2), nil
}

// DefaultUnitPrice is the USD price per million tokens used when no live
// price is available.
var DefaultUnitPrice = decimal.RequireFromString("0.24")
