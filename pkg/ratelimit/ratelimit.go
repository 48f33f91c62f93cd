package ratelimit

import (
	"context"

	"github.com/Mindburn-Labs/aegis/pkg/auth"
)

// Decision is the computed rate-limit identity for one request.
type Decision struct {
	// Key identifies the bucket: "user:<id>" for authenticated traffic,
	// "ip:<addr>" for anonymous traffic with a known address, and
	// "anonymous:global" otherwise. Only the opaque user id is embedded;
	// usernames, roles, and plan never appear in keys.
	Key   string
	Limit int
	Tier  Tier
}

// Limiter enforces a per-key requests-per-minute quota.
type Limiter interface {
	// Allow reports whether one more request under key fits the quota.
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// Resolver turns a principal (or its absence) into a Decision using a
// validated quota table.
type Resolver struct {
	limits Limits
}

// NewResolver builds a Resolver. A nil table uses DefaultLimits; invalid
// tables are rejected so misconfiguration surfaces at startup.
func NewResolver(limits Limits) (*Resolver, error) {
	if limits == nil {
		limits = DefaultLimits
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{limits: limits}, nil
}

// Resolve derives the bucket key and quota for a request. Precedence:
// authenticated principal, then client address, then the shared anonymous
// bucket.
func (r *Resolver) Resolve(p auth.Principal, addr string) Decision {
	if p != nil && p.GetID() != "" {
		tier := r.tierFor(p)
		return Decision{Key: "user:" + p.GetID(), Limit: r.limits[tier], Tier: tier}
	}
	if addr != "" {
		return Decision{Key: "ip:" + addr, Limit: r.limits[TierAnonymous], Tier: TierAnonymous}
	}
	return Decision{Key: "anonymous:global", Limit: r.limits[TierAnonymous], Tier: TierAnonymous}
}

// tierFor resolves the tier from roles first (highest wins), then from the
// billing plan claim, defaulting to standard.
func (r *Resolver) tierFor(p auth.Principal) Tier {
	for _, t := range []Tier{TierEnterprise, TierPremium, TierStandard} {
		if p.HasRole(string(t)) {
			return t
		}
	}
	if withPlan, ok := p.(interface{ GetPlan() string }); ok {
		if t, ok := tierFromPlan(withPlan.GetPlan()); ok {
			return t
		}
	}
	return TierStandard
}
