// Package ratelimit derives per-request rate-limit decisions from the
// verified principal and enforces them against a local or Redis-backed token
// bucket.
package ratelimit

import (
	"fmt"
	"strings"
)

// Tier is a service level controlling the request quota.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// tierOrder lists tiers by ascending privilege. Quota tables must be
// non-decreasing along this order.
var tierOrder = []Tier{TierAnonymous, TierStandard, TierPremium, TierEnterprise}

// Limits maps each tier to its requests-per-minute quota.
type Limits map[Tier]int

// DefaultLimits is the quota table used when configuration provides none.
var DefaultLimits = Limits{
	TierAnonymous:  10,
	TierStandard:   60,
	TierPremium:    300,
	TierEnterprise: 1000,
}

// Validate checks that every tier has a positive quota and that quotas do
// not decrease with privilege (a premium user must never be allowed less
// than a standard one).
func (l Limits) Validate() error {
	prev := 0
	for _, t := range tierOrder {
		limit, ok := l[t]
		if !ok {
			return fmt.Errorf("ratelimit: missing quota for tier %q", t)
		}
		if limit <= 0 {
			return fmt.Errorf("ratelimit: quota for tier %q must be positive, got %d", t, limit)
		}
		if limit < prev {
			return fmt.Errorf("ratelimit: quota for tier %q (%d) is below the tier beneath it (%d)", t, limit, prev)
		}
		prev = limit
	}
	return nil
}

// tierFromPlan maps a billing plan claim to a tier. Unknown plans resolve to
// no tier so the caller can apply its default.
func tierFromPlan(plan string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(plan))) {
	case TierEnterprise:
		return TierEnterprise, true
	case TierPremium:
		return TierPremium, true
	case TierStandard:
		return TierStandard, true
	}
	return "", false
}
