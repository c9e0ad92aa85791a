package tokenmeter

import (
	"strings"
	"time"
)

// PlanConfig maps a subscription plan to its included tokens per cycle.
type PlanConfig struct {
	Name           string `yaml:"name"`
	IncludedTokens int64  `yaml:"included_tokens"`
}

// DefaultPlans is the built-in plan table.
var DefaultPlans = []PlanConfig{
	{Name: "free", IncludedTokens: 0},
	{Name: "basic", IncludedTokens: 0},
	{Name: "plus", IncludedTokens: 0},
	{Name: "pro", IncludedTokens: 1_000_000},
	{Name: "enterprise", IncludedTokens: 5_000_000},
}

// PlanTable resolves included tokens by normalized plan name.
type PlanTable map[string]int64

// NewPlanTable builds a table from plan configs.
func NewPlanTable(plans []PlanConfig) PlanTable {
	t := make(PlanTable, len(plans))
	for _, p := range plans {
		t[NormalizePlanName(p.Name)] = p.IncludedTokens
	}
	return t
}

// IncludedTokens returns the per-cycle allotment for a plan, 0 if unknown.
func (t PlanTable) IncludedTokens(plan string) int64 {
	return t[NormalizePlanName(plan)]
}

// NormalizePlanName is the single normalizer for plan names coming from the
// commerce platform: "Pro Plan", "pro_plan" and " PRO " all become "pro".
func NormalizePlanName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", "-", " ", "-").Replace(n)
	n = strings.TrimSuffix(n, "-plan")
	return strings.Trim(n, "-")
}

// PlanSnapshot is the tenant's subscription state at request time.
type PlanSnapshot struct {
	Name        string
	Active      bool
	TrialEndsAt time.Time
}

// InTrial reports whether now falls inside the trial window.
func (p PlanSnapshot) InTrial(now time.Time) bool {
	return !p.TrialEndsAt.IsZero() && now.Before(p.TrialEndsAt)
}
