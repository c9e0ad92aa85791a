package tokenmeter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tm "github.com/ineyio/tokenmeter"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name    string
		feature tm.Feature
		opts    tm.CostOptions
		want    int64
	}{
		{"base only", tm.FeatureBasicItemSEO, tm.CostOptions{}, 500},
		{"one language is free", tm.FeatureBasicItemSEO, tm.CostOptions{Languages: 1}, 500},
		{"extra languages", tm.FeatureBasicItemSEO, tm.CostOptions{Languages: 3}, 1000},
		{"languages and products", tm.FeatureCollectionSEO, tm.CostOptions{Languages: 2, ProductCount: 10}, 4000},
		{"products ignored without per-product cost", tm.FeatureEnhancedItemSEO, tm.CostOptions{ProductCount: 50}, 1500},
		{"languages ignored without per-language cost", tm.FeatureSimulationTest, tm.CostOptions{Languages: 4, ProductCount: 5}, 4000},
		{"sitemap", tm.FeatureOptimizedSitemap, tm.CostOptions{ProductCount: 1000}, 24000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tm.EstimateCost(tt.feature, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEstimateCost_Errors(t *testing.T) {
	_, err := tm.EstimateCost(tm.Feature("image-alt-text"), tm.CostOptions{})
	assert.ErrorIs(t, err, tm.ErrUnknownFeature)

	_, err = tm.EstimateCost(tm.FeatureValidationTest, tm.CostOptions{ProductCount: -1})
	assert.ErrorIs(t, err, tm.ErrInvalidAmount)
}

func TestEstimateWithMargin(t *testing.T) {
	est, err := tm.EstimateWithMargin(tm.FeatureCollectionSEO, tm.CostOptions{Languages: 2, ProductCount: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), est.Estimated)
	assert.Equal(t, int64(4400), est.WithMargin)
	assert.Equal(t, int64(400), est.Margin)
}

func TestApplyMargin_RoundsUp(t *testing.T) {
	assert.Equal(t, int64(0), tm.ApplyMargin(0))
	assert.Equal(t, int64(2), tm.ApplyMargin(1))
	assert.Equal(t, int64(17), tm.ApplyMargin(15))
	assert.Equal(t, int64(110), tm.ApplyMargin(100))
	assert.Equal(t, int64(1_100_000_000_000), tm.ApplyMargin(1_000_000_000_000))
}

func TestEstimateCost_MonotonicInLanguages(t *testing.T) {
	for _, f := range tm.Features() {
		c, err := f.Cost()
		require.NoError(t, err)
		if c.PerLanguage == 0 {
			continue
		}
		prev := int64(-1)
		for n := 0; n <= 20; n++ {
			got, err := tm.EstimateCost(f, tm.CostOptions{Languages: n, ProductCount: 3})
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got, prev, "feature %s languages %d", f, n)
			prev = got
		}
	}
}

func TestParseFeature(t *testing.T) {
	f, err := tm.ParseFeature("advanced-schema")
	require.NoError(t, err)
	assert.Equal(t, tm.FeatureAdvancedSchema, f)

	_, err = tm.ParseFeature("Advanced Schema")
	assert.ErrorIs(t, err, tm.ErrUnknownFeature)

	assert.Len(t, tm.Features(), 7)
}
