package tokenmeter

import (
	"fmt"
	"slices"
)

// MarginRate is the safety margin added to every estimate before reserving.
const MarginRate = 0.10

const marginPercent = 10

// Feature is a metered operation. The set is closed: only the constants below
// carry a cost formula.
type Feature string

const (
	FeatureBasicItemSEO     Feature = "basic-item-seo"
	FeatureEnhancedItemSEO  Feature = "enhanced-item-seo"
	FeatureCollectionSEO    Feature = "collection-seo"
	FeatureSimulationTest   Feature = "simulation-test"
	FeatureValidationTest   Feature = "validation-test"
	FeatureAdvancedSchema   Feature = "advanced-schema"
	FeatureOptimizedSitemap Feature = "optimized-sitemap"
)

// FeatureCost is the integer cost formula of a feature. Zero fields do not
// contribute.
type FeatureCost struct {
	Base        int64
	PerLanguage int64
	PerProduct  int64
}

var featureCosts = map[Feature]FeatureCost{
	FeatureBasicItemSEO:     {Base: 500, PerLanguage: 250},
	FeatureEnhancedItemSEO:  {Base: 1500, PerLanguage: 750},
	FeatureCollectionSEO:    {Base: 2000, PerLanguage: 500, PerProduct: 150},
	FeatureSimulationTest:   {Base: 3000, PerProduct: 200},
	FeatureValidationTest:   {Base: 1200, PerProduct: 100},
	FeatureAdvancedSchema:   {Base: 2500, PerLanguage: 400},
	FeatureOptimizedSitemap: {Base: 4000, PerProduct: 20},
}

// Features returns every known feature in a stable order.
func Features() []Feature {
	out := make([]Feature, 0, len(featureCosts))
	for f := range featureCosts {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// ParseFeature converts an external name into a Feature.
func ParseFeature(name string) (Feature, error) {
	f := Feature(name)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownFeature, name)
	}
	return f, nil
}

// Valid reports whether f has a cost formula.
func (f Feature) Valid() bool {
	_, ok := featureCosts[f]
	return ok
}

// Cost returns the cost formula of f.
func (f Feature) Cost() (FeatureCost, error) {
	c, ok := featureCosts[f]
	if !ok {
		return FeatureCost{}, fmt.Errorf("%w: %q", ErrUnknownFeature, string(f))
	}
	return c, nil
}

func (f Feature) String() string { return string(f) }

// CostOptions parameterize a cost estimate.
type CostOptions struct {
	Languages    int
	ProductCount int
}

// Estimate is a cost estimate with its safety margin.
type Estimate struct {
	Feature    Feature
	Estimated  int64
	WithMargin int64
	Margin     int64
}

// EstimateCost returns base + (languages-1)*perLanguage + products*perProduct.
func EstimateCost(f Feature, opts CostOptions) (int64, error) {
	c, err := f.Cost()
	if err != nil {
		return 0, err
	}
	if opts.ProductCount < 0 {
		return 0, fmt.Errorf("%w: product count %d", ErrInvalidAmount, opts.ProductCount)
	}

	extraLanguages := int64(max(0, opts.Languages-1))
	return c.Base + extraLanguages*c.PerLanguage + int64(opts.ProductCount)*c.PerProduct, nil
}

// EstimateWithMargin returns the estimate and ceil(estimate * (1+MarginRate)).
func EstimateWithMargin(f Feature, opts CostOptions) (Estimate, error) {
	est, err := EstimateCost(f, opts)
	if err != nil {
		return Estimate{}, err
	}
	withMargin := ApplyMargin(est)
	return Estimate{
		Feature:    f,
		Estimated:  est,
		WithMargin: withMargin,
		Margin:     withMargin - est,
	}, nil
}

// ApplyMargin returns ceil(tokens * (1+MarginRate)) using integer arithmetic
// so large estimates do not lose precision.
func ApplyMargin(tokens int64) int64 {
	if tokens <= 0 {
		return tokens
	}
	return tokens + (tokens*marginPercent+99)/100
}
