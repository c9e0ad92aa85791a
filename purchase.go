package tokenmeter

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Purchase sizing limits in USD.
var (
	PurchaseMinimum   = decimal.NewFromInt(5)
	PurchaseIncrement = decimal.NewFromInt(5)
	PurchaseMaximum   = decimal.NewFromInt(1000)

	// PurchasePresets are the amounts offered by default.
	PurchasePresets = []decimal.Decimal{
		decimal.NewFromInt(10),
		decimal.NewFromInt(25),
		decimal.NewFromInt(50),
		decimal.NewFromInt(100),
	}
)

// ValidatePurchaseAmount checks the minimum, maximum and increment rules.
func ValidatePurchaseAmount(usd decimal.Decimal) error {
	switch {
	case usd.LessThan(PurchaseMinimum):
		return &ValidationError{Field: "usdAmount", Message: fmt.Sprintf("must be at least $%s", PurchaseMinimum), Err: ErrInvalidPurchase}
	case usd.GreaterThan(PurchaseMaximum):
		return &ValidationError{Field: "usdAmount", Message: fmt.Sprintf("must be at most $%s", PurchaseMaximum), Err: ErrInvalidPurchase}
	case !usd.Mod(PurchaseIncrement).IsZero():
		return &ValidationError{Field: "usdAmount", Message: fmt.Sprintf("must be a multiple of $%s", PurchaseIncrement), Err: ErrInvalidPurchase}
	}
	return nil
}

// SplitPurchase divides a purchase into app revenue and token budget. The
// token budget is rounded down to the cent and the remainder goes to the app,
// so the two shares always add up to usd.
func SplitPurchase(usd decimal.Decimal) (appRevenue, tokenBudget decimal.Decimal) {
	tokenBudget = usd.Mul(TokenBudgetShareRate).RoundFloor(2)
	return usd.Sub(tokenBudget), tokenBudget
}

// NewPurchase builds a completed purchase record for usd at unitPrice.
func NewPurchase(usd, unitPrice decimal.Decimal, chargeID string) (Purchase, error) {
	if err := ValidatePurchaseAmount(usd); err != nil {
		return Purchase{}, err
	}
	tokens, err := USDToTokensAt(usd, unitPrice)
	if err != nil {
		return Purchase{}, err
	}
	app, budget := SplitPurchase(usd)
	return Purchase{
		USDAmount:        usd,
		AppRevenueShare:  app,
		TokenBudgetShare: budget,
		UnitPrice:        unitPrice,
		TokensReceived:   tokens,
		ExternalChargeID: chargeID,
		Status:           PurchaseCompleted,
	}, nil
}
