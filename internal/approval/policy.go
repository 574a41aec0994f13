// Package approval decides whether a named tool call needs human
// confirmation before it executes.
package approval

import (
	"fmt"
	"strings"
	"time"
)

// Tier classifies how a tool call is gated.
type Tier string

const (
	// TierAuto executes without confirmation.
	TierAuto Tier = "auto"
	// TierSession asks once, then honors a session-scoped waiver.
	TierSession Tier = "session"
	// TierAlways asks on every call.
	TierAlways Tier = "always"
)

// DefaultTimeout is how long a pending approval waits for a client
// response before it is treated as denied.
const DefaultTimeout = 60 * time.Second

// ParseTier parses a tier string from configuration.
func ParseTier(value string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierAuto:
		return TierAuto, nil
	case TierSession:
		return TierSession, nil
	case TierAlways:
		return TierAlways, nil
	default:
		return "", fmt.Errorf("approval: unknown tier %q", value)
	}
}

// Policy holds the approval configuration for one connection: a default
// tier, per-tool overrides, and the set of tools the user has waived for
// the remainder of the session.
//
// A Policy is owned by a single connection and is not safe for concurrent
// use. The waiver set only grows within a connection's lifetime and is
// never persisted beyond it.
type Policy struct {
	defaultTier Tier
	overrides   map[string]Tier
	waived      map[string]struct{}
}

// NewPolicy creates a policy with the given default tier and per-tool
// override tiers. An empty default falls back to TierSession.
func NewPolicy(defaultTier Tier, overrides map[string]Tier) *Policy {
	if defaultTier == "" {
		defaultTier = TierSession
	}
	p := &Policy{
		defaultTier: defaultTier,
		overrides:   make(map[string]Tier, len(overrides)),
		waived:      make(map[string]struct{}),
	}
	for name, tier := range overrides {
		p.overrides[name] = tier
	}
	return p
}

// TierFor returns the effective tier for a tool. A per-tool override wins
// over the connection default.
func (p *Policy) TierFor(tool string) Tier {
	if tier, ok := p.overrides[tool]; ok {
		return tier
	}
	return p.defaultTier
}

// NeedsApproval reports whether a call to the named tool requires a human
// confirmation round trip.
func (p *Policy) NeedsApproval(tool string) bool {
	switch p.TierFor(tool) {
	case TierAuto:
		return false
	case TierAlways:
		return true
	default:
		return !p.Waived(tool)
	}
}

// Waive records a session-scoped approval for the tool. Idempotent.
func (p *Policy) Waive(tool string) {
	p.waived[tool] = struct{}{}
}

// Waived reports whether the tool has a session waiver.
func (p *Policy) Waived(tool string) bool {
	_, ok := p.waived[tool]
	return ok
}

// HasOverride reports whether the tool has an explicit per-tool tier.
func (p *Policy) HasOverride(tool string) bool {
	_, ok := p.overrides[tool]
	return ok
}

// Override sets a per-tool tier, replacing any existing override.
func (p *Policy) Override(tool string, tier Tier) {
	p.overrides[tool] = tier
}
