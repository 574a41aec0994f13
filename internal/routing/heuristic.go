package routing

import (
	"regexp"
	"strings"
)

var (
	complexRegex  = regexp.MustCompile(`(?i)\b(plan|planning|architect|architecture|refactor|redesign|migrate|migration|comprehensive|in depth|step by step|design a|implement a)\b`)
	greetingRegex = regexp.MustCompile(`(?i)^\s*(hi|hey|hello|yo|thanks|thank you|ok|okay|good (morning|afternoon|evening))\b`)
)

const (
	complexLengthThreshold = 2000
	longHistoryThreshold   = 20
	shortMessageThreshold  = 200
	shortHistoryThreshold  = 5
)

// DefaultRules returns the reference rule set: complex-intent keywords,
// very long messages, or deep conversations route high; short greetings
// early in a conversation route budget; everything else falls through to
// the standard catch-all.
func DefaultRules() []Rule {
	return []Rule{
		{
			Priority:   10,
			Name:       "complex-intent",
			Tier:       TierHigh,
			Confidence: 0.9,
			Match: func(message string, _ int) bool {
				return complexRegex.MatchString(message)
			},
		},
		{
			Priority:   20,
			Name:       "long-message",
			Tier:       TierHigh,
			Confidence: 0.8,
			Match: func(message string, _ int) bool {
				return len(message) > complexLengthThreshold
			},
		},
		{
			Priority:   30,
			Name:       "deep-conversation",
			Tier:       TierHigh,
			Confidence: 0.7,
			Match: func(_ string, historyLen int) bool {
				return historyLen > longHistoryThreshold
			},
		},
		{
			Priority:   40,
			Name:       "simple-greeting",
			Tier:       TierBudget,
			Confidence: 0.85,
			Match: func(message string, historyLen int) bool {
				trimmed := strings.TrimSpace(message)
				return len(trimmed) < shortMessageThreshold &&
					historyLen < shortHistoryThreshold &&
					greetingRegex.MatchString(trimmed)
			},
		},
	}
}
