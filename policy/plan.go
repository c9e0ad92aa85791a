package policy

import (
	"github.com/ineyio/tokenmeter"
)

var defaultGated = []tokenmeter.Feature{
	tokenmeter.FeatureEnhancedItemSEO,
	tokenmeter.FeatureCollectionSEO,
	tokenmeter.FeatureSimulationTest,
	tokenmeter.FeatureValidationTest,
	tokenmeter.FeatureAdvancedSchema,
	tokenmeter.FeatureOptimizedSitemap,
}

var defaultTrialBlocked = []tokenmeter.Feature{
	tokenmeter.FeatureCollectionSEO,
	tokenmeter.FeatureAdvancedSchema,
	tokenmeter.FeatureOptimizedSitemap,
}

// PlanPolicy gates features by subscription plan and trial state.
//
// A request walks PlanCheck -> TrialCheck -> BalanceCheck and stops at the
// first stage that denies it. Trial restrictions only apply when the cost
// would be paid from the included pool; purchased tokens are always usable.
type PlanPolicy struct {
	plans        tokenmeter.PlanTable
	gated        map[tokenmeter.Feature]bool
	trialBlocked map[tokenmeter.Feature]bool
}

var _ tokenmeter.Policy = (*PlanPolicy)(nil)

// Option configures PlanPolicy.
type Option func(*PlanPolicy)

// WithPlans replaces the plan table.
func WithPlans(plans []tokenmeter.PlanConfig) Option {
	return func(p *PlanPolicy) { p.plans = tokenmeter.NewPlanTable(plans) }
}

// WithGatedFeatures replaces the set of features that require tokens.
func WithGatedFeatures(features ...tokenmeter.Feature) Option {
	return func(p *PlanPolicy) { p.gated = toSet(features) }
}

// WithTrialBlocked replaces the set of features denied during trial.
func WithTrialBlocked(features ...tokenmeter.Feature) Option {
	return func(p *PlanPolicy) { p.trialBlocked = toSet(features) }
}

// NewPlanPolicy creates a PlanPolicy with the default plan table and feature sets.
func NewPlanPolicy(opts ...Option) *PlanPolicy {
	p := &PlanPolicy{
		plans:        tokenmeter.NewPlanTable(tokenmeter.DefaultPlans),
		gated:        toSet(defaultGated),
		trialBlocked: toSet(defaultTrialBlocked),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsFeatureGated reports whether f consumes tokens.
func (p *PlanPolicy) IsFeatureGated(f tokenmeter.Feature) bool {
	return p.gated[f]
}

// IsBlockedDuringTrial reports whether f is unavailable to trial tenants
// funded by the included pool.
func (p *PlanPolicy) IsBlockedDuringTrial(f tokenmeter.Feature) bool {
	return p.trialBlocked[f]
}

// IncludedPool returns the allotment the plan grants while active.
func (p *PlanPolicy) IncludedPool(plan tokenmeter.PlanSnapshot) int64 {
	if !plan.Active {
		return 0
	}
	return p.plans.IncludedTokens(plan.Name)
}

// Resolve implements tokenmeter.Policy.
func (p *PlanPolicy) Resolve(in tokenmeter.PolicyInput) tokenmeter.Decision {
	d := tokenmeter.Decision{
		Feature:  in.Feature,
		Required: in.Required,
		Stage:    tokenmeter.StagePlanCheck,
	}
	if !p.IsFeatureGated(in.Feature) {
		d.Source = tokenmeter.FundingNotRequired
		return d
	}

	var balance, purchased, included int64
	if in.Ledger != nil {
		balance = in.Ledger.Balance
		purchased = in.Ledger.PurchasedRemaining()
		included = in.Ledger.IncludedPool
	}

	if p.IncludedPool(in.Plan) == 0 {
		d.Stage = tokenmeter.StageBalanceCheck
		d.Available = purchased
		if purchased < in.Required {
			return deny(d, in, tokenmeter.ErrInsufficientBalance, tokenmeter.FundingPurchased)
		}
		d.Source = tokenmeter.FundingPurchased
		return d
	}

	d.Stage = tokenmeter.StageTrialCheck
	if in.Plan.InTrial(in.Now) && p.IsBlockedDuringTrial(in.Feature) {
		d.Available = purchased
		if purchased <= 0 || purchased < in.Required {
			return deny(d, in, tokenmeter.ErrTrialRestricted, tokenmeter.FundingIncluded)
		}
		d.Stage = tokenmeter.StageBalanceCheck
		d.Source = tokenmeter.FundingPurchased
		return d
	}

	d.Stage = tokenmeter.StageBalanceCheck
	d.Available = balance
	if balance < in.Required {
		return deny(d, in, tokenmeter.ErrInsufficientBalance, tokenmeter.FundingPurchased)
	}
	d.Source = tokenmeter.FundingPurchased
	if included > 0 {
		d.Source = tokenmeter.FundingIncluded
	}
	return d
}

func deny(d tokenmeter.Decision, in tokenmeter.PolicyInput, reason error, hint tokenmeter.FundingSource) tokenmeter.Decision {
	d.Source = tokenmeter.FundingDenied
	d.Stage = tokenmeter.StageDenied
	d.Err = &tokenmeter.DenialError{
		Reason:    reason,
		Tenant:    in.Tenant,
		Feature:   in.Feature,
		Plan:      in.Plan.Name,
		Required:  in.Required,
		Available: d.Available,
		Hint:      hint,
	}
	return d
}

func toSet(features []tokenmeter.Feature) map[tokenmeter.Feature]bool {
	s := make(map[tokenmeter.Feature]bool, len(features))
	for _, f := range features {
		s[f] = true
	}
	return s
}
