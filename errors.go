package tokenmeter

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientBalance  = errors.New("tokenmeter: insufficient balance")
	ErrUnknownFeature       = errors.New("tokenmeter: unknown feature")
	ErrReservationNotFound  = errors.New("tokenmeter: reservation not found")
	ErrTrialRestricted      = errors.New("tokenmeter: feature unavailable during trial")
	ErrPricingFetchFailed   = errors.New("tokenmeter: pricing fetch failed")
	ErrInvalidAmount        = errors.New("tokenmeter: invalid amount")
	ErrInvalidPurchase      = errors.New("tokenmeter: invalid purchase amount")
	ErrDuplicateCharge      = errors.New("tokenmeter: duplicate external charge")
	ErrDuplicateReservation = errors.New("tokenmeter: reservation id already used")
	ErrTenantRequired       = errors.New("tokenmeter: tenant is required")
	ErrInvalidPrice         = errors.New("tokenmeter: unit price must be positive")
)

// InsufficientBalanceError reports a reservation that the ledger cannot cover.
// It matches ErrInsufficientBalance with errors.Is.
type InsufficientBalanceError struct {
	Tenant    string
	Feature   string
	Source    FundingSource
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("tokenmeter: insufficient balance: tenant=%s feature=%s required=%d available=%d",
		e.Tenant, e.Feature, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall returns how many tokens the tenant needs to buy to proceed.
func (e *InsufficientBalanceError) Shortfall() int64 {
	if e.Available >= e.Required {
		return 0
	}
	return e.Required - e.Available
}

// DenialError is returned when the plan policy refuses a request before any
// reservation is attempted. Reason is one of the sentinel errors above.
type DenialError struct {
	Reason    error
	Tenant    string
	Feature   Feature
	Plan      string
	Required  int64
	Available int64
	Hint      FundingSource
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("tokenmeter: denied: tenant=%s feature=%s plan=%s required=%d available=%d: %v",
		e.Tenant, e.Feature, e.Plan, e.Required, e.Available, e.Reason)
}

func (e *DenialError) Unwrap() error {
	return e.Reason
}

// Shortfall returns the number of tokens missing for the request.
func (e *DenialError) Shortfall() int64 {
	if e.Available >= e.Required {
		return 0
	}
	return e.Required - e.Available
}

// Remedy names what a tenant can do to lift a denial.
type Remedy string

const (
	RemedyBuyTokens    Remedy = "buy-tokens"
	RemedyActivatePlan Remedy = "activate-plan"
)

// Remedy returns the action that lifts the denial. Trial restrictions are
// lifted by activating the plan; everything else by buying tokens.
func (e *DenialError) Remedy() Remedy {
	if errors.Is(e.Reason, ErrTrialRestricted) {
		return RemedyActivatePlan
	}
	return RemedyBuyTokens
}

// ValidationError describes a rejected input value.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tokenmeter: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsDenial returns true if the error is a user-facing refusal (buy tokens or
// activate a plan) rather than a system failure.
func IsDenial(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrTrialRestricted)
}

// IsRecoverable returns true if the caller can resolve the error by prompting
// the tenant. Recoverable errors are never retried automatically.
func IsRecoverable(err error) bool {
	return IsDenial(err) || errors.Is(err, ErrInvalidPurchase)
}
