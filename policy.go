package tokenmeter

import "time"

// Policy decides whether a feature may attempt a reservation and which part
// of the balance funds it.
type Policy interface {
	Resolve(in PolicyInput) Decision
}

// PolicyInput is everything a policy may look at. Policies keep no state
// between requests.
type PolicyInput struct {
	Tenant   string
	Plan     PlanSnapshot
	Ledger   *Ledger
	Feature  Feature
	Required int64
	Now      time.Time
}

// PolicyStage is the step of the per-request state machine a decision ended in.
type PolicyStage string

const (
	StagePlanCheck    PolicyStage = "plan-check"
	StageTrialCheck   PolicyStage = "trial-check"
	StageBalanceCheck PolicyStage = "balance-check"
	StageReserved     PolicyStage = "reserved"
	StageDenied       PolicyStage = "denied"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Feature   Feature
	Source    FundingSource
	Stage     PolicyStage
	Required  int64
	Available int64
	Err       error
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Err == nil
}

// Shortfall returns the number of tokens missing for the request.
func (d Decision) Shortfall() int64 {
	if d.Available >= d.Required {
		return 0
	}
	return d.Required - d.Available
}

// balancePolicy is the engine default: every feature needs tokens and the
// whole balance is spendable. Plan gating lives in the policy package.
type balancePolicy struct{}

func (balancePolicy) Resolve(in PolicyInput) Decision {
	d := Decision{Feature: in.Feature, Required: in.Required, Stage: StageBalanceCheck}
	if in.Ledger != nil {
		d.Available = in.Ledger.Balance
	}
	if d.Available < in.Required {
		d.Source = FundingDenied
		d.Stage = StageDenied
		d.Err = &DenialError{
			Reason:    ErrInsufficientBalance,
			Tenant:    in.Tenant,
			Feature:   in.Feature,
			Plan:      in.Plan.Name,
			Required:  in.Required,
			Available: d.Available,
			Hint:      FundingPurchased,
		}
		return d
	}
	d.Source = FundingIncluded
	return d
}
