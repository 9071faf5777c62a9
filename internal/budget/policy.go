// Package budget enforces per-sender, per-action-type daily usage limits.
package budget

import (
	"sort"
	"time"
)

// Wildcard is the per-tier default limit key.
const Wildcard = "*"

// Policy maps sender tiers to daily limits per action type.
type Policy struct {
	defaultTier     string
	tiers           map[string]map[string]int
	sessionOptional map[string]bool
}

// NewPolicy builds a Policy. Unknown tiers resolve to defaultTier. Action
// types listed in sessionOptional may be claimed for senders without an
// active session.
func NewPolicy(defaultTier string, tiers map[string]map[string]int, sessionOptional []string) *Policy {
	p := &Policy{
		defaultTier:     defaultTier,
		tiers:           tiers,
		sessionOptional: make(map[string]bool, len(sessionOptional)),
	}
	for _, t := range sessionOptional {
		p.sessionOptional[t] = true
	}
	return p
}

// Tier returns the tier name limits are actually read from.
func (p *Policy) Tier(tier string) string {
	if _, ok := p.tiers[tier]; ok {
		return tier
	}
	return p.defaultTier
}

// Limit returns the daily limit for actionType under tier. Types not listed
// fall back to the tier's wildcard entry, then to zero.
func (p *Policy) Limit(tier, actionType string) int {
	limits := p.tiers[p.Tier(tier)]
	if n, ok := limits[actionType]; ok {
		return n
	}
	return limits[Wildcard]
}

// Types returns the explicitly configured action types for tier, sorted.
func (p *Policy) Types(tier string) []string {
	limits := p.tiers[p.Tier(tier)]
	types := make([]string, 0, len(limits))
	for t := range limits {
		if t != Wildcard {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// RequiresSession reports whether actionType needs an authenticated session.
func (p *Policy) RequiresSession(actionType string) bool {
	return !p.sessionOptional[actionType]
}

// DayKey returns the UTC calendar day of t as "2006-01-02".
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
