package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func ledger(purchased, included int64) *tokenmeter.Ledger {
	return &tokenmeter.Ledger{
		Tenant:         "shop-1",
		Balance:        purchased + included,
		IncludedPool:   included,
		TotalPurchased: purchased,
	}
}

func TestPlanPolicy_Resolve(t *testing.T) {
	pro := tokenmeter.PlanSnapshot{Name: "Pro Plan", Active: true}
	proTrial := tokenmeter.PlanSnapshot{Name: "pro", Active: true, TrialEndsAt: now.Add(24 * time.Hour)}
	proTrialOver := tokenmeter.PlanSnapshot{Name: "pro", Active: true, TrialEndsAt: now.Add(-time.Hour)}
	basic := tokenmeter.PlanSnapshot{Name: "basic", Active: true}
	proInactive := tokenmeter.PlanSnapshot{Name: "pro", Active: false}

	tests := []struct {
		name      string
		plan      tokenmeter.PlanSnapshot
		ledger    *tokenmeter.Ledger
		feature   tokenmeter.Feature
		required  int64
		source    tokenmeter.FundingSource
		stage     tokenmeter.PolicyStage
		err       error
		available int64
	}{
		{
			name: "ungated feature", plan: basic, ledger: ledger(0, 0),
			feature: tokenmeter.FeatureBasicItemSEO, required: 550,
			source: tokenmeter.FundingNotRequired, stage: tokenmeter.StagePlanCheck,
		},
		{
			name: "pool plan funds from included", plan: pro, ledger: ledger(0, 1_000_000),
			feature: tokenmeter.FeatureEnhancedItemSEO, required: 1650,
			source: tokenmeter.FundingIncluded, stage: tokenmeter.StageBalanceCheck, available: 1_000_000,
		},
		{
			name: "pool plan with empty pool uses purchased", plan: pro, ledger: ledger(5000, 0),
			feature: tokenmeter.FeatureEnhancedItemSEO, required: 1650,
			source: tokenmeter.FundingPurchased, stage: tokenmeter.StageBalanceCheck, available: 5000,
		},
		{
			name: "pool plan short on balance", plan: pro, ledger: ledger(100, 200),
			feature: tokenmeter.FeatureEnhancedItemSEO, required: 1650,
			source: tokenmeter.FundingDenied, stage: tokenmeter.StageDenied,
			err: tokenmeter.ErrInsufficientBalance, available: 300,
		},
		{
			name: "non-pool plan needs purchased", plan: basic, ledger: ledger(1000, 0),
			feature: tokenmeter.FeatureSimulationTest, required: 3300,
			source: tokenmeter.FundingDenied, stage: tokenmeter.StageDenied,
			err: tokenmeter.ErrInsufficientBalance, available: 1000,
		},
		{
			name: "non-pool plan ignores stale pool", plan: basic, ledger: ledger(1000, 50_000),
			feature: tokenmeter.FeatureValidationTest, required: 1320,
			source: tokenmeter.FundingDenied, stage: tokenmeter.StageDenied,
			err: tokenmeter.ErrInsufficientBalance, available: 1000,
		},
		{
			name: "inactive pool plan falls back to purchased", plan: proInactive, ledger: ledger(4000, 0),
			feature: tokenmeter.FeatureValidationTest, required: 1320,
			source: tokenmeter.FundingPurchased, stage: tokenmeter.StageBalanceCheck, available: 4000,
		},
		{
			name: "trial blocks pool-funded feature", plan: proTrial, ledger: ledger(0, 1_000_000),
			feature: tokenmeter.FeatureOptimizedSitemap, required: 26400,
			source: tokenmeter.FundingDenied, stage: tokenmeter.StageDenied,
			err: tokenmeter.ErrTrialRestricted,
		},
		{
			name: "trial waived by purchased tokens", plan: proTrial, ledger: ledger(30_000, 1_000_000),
			feature: tokenmeter.FeatureOptimizedSitemap, required: 26400,
			source: tokenmeter.FundingPurchased, stage: tokenmeter.StageBalanceCheck, available: 30_000,
		},
		{
			name: "trial allows unblocked feature", plan: proTrial, ledger: ledger(0, 1_000_000),
			feature: tokenmeter.FeatureEnhancedItemSEO, required: 1650,
			source: tokenmeter.FundingIncluded, stage: tokenmeter.StageBalanceCheck, available: 1_000_000,
		},
		{
			name: "expired trial is not restricted", plan: proTrialOver, ledger: ledger(0, 1_000_000),
			feature: tokenmeter.FeatureOptimizedSitemap, required: 26400,
			source: tokenmeter.FundingIncluded, stage: tokenmeter.StageBalanceCheck, available: 1_000_000,
		},
		{
			name: "nil ledger", plan: basic,
			feature: tokenmeter.FeatureCollectionSEO, required: 2200,
			source: tokenmeter.FundingDenied, stage: tokenmeter.StageDenied,
			err: tokenmeter.ErrInsufficientBalance,
		},
	}

	p := NewPlanPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Resolve(tokenmeter.PolicyInput{
				Tenant:   "shop-1",
				Plan:     tt.plan,
				Ledger:   tt.ledger,
				Feature:  tt.feature,
				Required: tt.required,
				Now:      now,
			})

			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, tt.stage, d.Stage)
			assert.Equal(t, tt.available, d.Available)
			if tt.err == nil {
				assert.NoError(t, d.Err)
				assert.True(t, d.Allowed())
				return
			}
			require.ErrorIs(t, d.Err, tt.err)
			assert.False(t, d.Allowed())

			var de *tokenmeter.DenialError
			require.ErrorAs(t, d.Err, &de)
			assert.Equal(t, tt.feature, de.Feature)
			assert.Equal(t, tt.required-tt.available, de.Shortfall())
		})
	}
}

func TestPlanPolicy_Options(t *testing.T) {
	p := NewPlanPolicy(
		WithPlans([]tokenmeter.PlanConfig{{Name: "growth", IncludedTokens: 100_000}}),
		WithGatedFeatures(tokenmeter.FeatureBasicItemSEO),
		WithTrialBlocked(tokenmeter.FeatureBasicItemSEO),
	)

	assert.True(t, p.IsFeatureGated(tokenmeter.FeatureBasicItemSEO))
	assert.False(t, p.IsFeatureGated(tokenmeter.FeatureOptimizedSitemap))
	assert.True(t, p.IsBlockedDuringTrial(tokenmeter.FeatureBasicItemSEO))
	assert.Equal(t, int64(100_000), p.IncludedPool(tokenmeter.PlanSnapshot{Name: "Growth", Active: true}))
	assert.Zero(t, p.IncludedPool(tokenmeter.PlanSnapshot{Name: "pro", Active: true}))
	assert.Zero(t, p.IncludedPool(tokenmeter.PlanSnapshot{Name: "growth"}))
}

func TestDefaultFeatureSets(t *testing.T) {
	p := NewPlanPolicy()
	for _, f := range tokenmeter.Features() {
		if p.IsBlockedDuringTrial(f) {
			assert.True(t, p.IsFeatureGated(f), "%s is trial-blocked but not gated", f)
		}
	}
	assert.False(t, p.IsFeatureGated(tokenmeter.FeatureBasicItemSEO))
}
