// Package routing classifies each request's complexity and selects a
// model tier. Classification is advisory: an explicit per-request model
// override always wins.
package routing

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is a coarse capability/cost bucket a request is assigned to
// before a concrete model is selected.
type Tier string

const (
	TierHigh     Tier = "high"
	TierStandard Tier = "standard"
	TierBudget   Tier = "budget"
)

// Decision is the outcome of classifying one request. Produced fresh per
// request and never mutated.
type Decision struct {
	Tier       Tier    `json:"tier"`
	Model      string  `json:"model"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Rule maps a matching condition to a tier. Rules are evaluated by
// ascending Priority; the first match wins regardless of declaration
// order.
type Rule struct {
	Priority   int
	Name       string
	Tier       Tier
	Confidence float64
	Match      func(message string, historyLen int) bool
}

// Router evaluates rules and resolves tiers to provider-qualified model
// identifiers via the configured mapping.
type Router struct {
	rules      []Rule
	tierModels map[Tier][]string
}

// NewRouter creates a router with the given rules and tier-to-model
// mapping. Rules are sorted by priority once; a terminal catch-all rule
// is appended so every message resolves to exactly one tier. The first
// model listed for a tier is its primary; the rest are alternatives.
func NewRouter(rules []Rule, tierModels map[Tier][]string) (*Router, error) {
	for tier, models := range tierModels {
		if len(models) == 0 {
			return nil, fmt.Errorf("routing: tier %q has no models configured", tier)
		}
	}
	if len(tierModels[TierStandard]) == 0 {
		return nil, fmt.Errorf("routing: tier %q must be configured", TierStandard)
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	sorted = append(sorted, Rule{
		Priority:   1 << 30,
		Name:       "default",
		Tier:       TierStandard,
		Confidence: 0.5,
		Match:      func(string, int) bool { return true },
	})

	return &Router{rules: sorted, tierModels: tierModels}, nil
}

// Classify resolves a message and its conversation length to a tier and
// model. Deterministic and total: the lowest-priority-number matching
// rule always wins, and the catch-all guarantees a result.
func (r *Router) Classify(message string, historyLen int) Decision {
	for _, rule := range r.rules {
		if !rule.Match(message, historyLen) {
			continue
		}
		return Decision{
			Tier:       rule.Tier,
			Model:      r.modelFor(rule.Tier),
			Reason:     rule.Name,
			Confidence: rule.Confidence,
		}
	}
	// Unreachable: the catch-all rule always matches.
	return Decision{Tier: TierStandard, Model: r.modelFor(TierStandard), Reason: "default", Confidence: 0.5}
}

// Alternatives returns the other configured models for a tier, for
// manual override by the client.
func (r *Router) Alternatives(tier Tier) []string {
	models := r.tierModels[tier]
	if len(models) <= 1 {
		return nil
	}
	return append([]string(nil), models[1:]...)
}

func (r *Router) modelFor(tier Tier) string {
	if models := r.tierModels[tier]; len(models) > 0 {
		return models[0]
	}
	return r.tierModels[TierStandard][0]
}

// ParseTier parses a tier string from configuration.
func ParseTier(value string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierHigh:
		return TierHigh, nil
	case TierStandard:
		return TierStandard, nil
	case TierBudget:
		return TierBudget, nil
	default:
		return "", fmt.Errorf("routing: unknown tier %q", value)
	}
}
