// Gate-specific instrumentation helpers and semantic attribute keys.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Gate-specific semantic convention attributes.
var (
	// Principal attributes
	AttrPrincipalID = attribute.Key("aegis.principal.id")
	AttrTier        = attribute.Key("aegis.principal.tier")

	// Gate decision attributes
	AttrDecision = attribute.Key("aegis.gate.decision")
	AttrReason   = attribute.Key("aegis.gate.reason")
	AttrPath     = attribute.Key("aegis.gate.path")

	// Authorization attributes
	AttrRelation     = attribute.Key("aegis.authz.relation")
	AttrResource     = attribute.Key("aegis.authz.resource")
	AttrUsedFallback = attribute.Key("aegis.authz.used_fallback")

	// Rate limit attributes
	AttrLimitKeyClass = attribute.Key("aegis.ratelimit.key_class")
	AttrLimitQuota    = attribute.Key("aegis.ratelimit.quota")

	// Circuit breaker attributes
	AttrBreakerName  = attribute.Key("aegis.breaker.name")
	AttrBreakerState = attribute.Key("aegis.breaker.state")
)

// GateDecision creates attributes for a gate verdict.
func GateDecision(principalID, decision, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrDecision.String(decision),
		AttrReason.String(reason),
	}
}

// AuthzCheck creates attributes for an authorization check.
func AuthzCheck(relation, resource string, usedFallback bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelation.String(relation),
		AttrResource.String(resource),
		AttrUsedFallback.Bool(usedFallback),
	}
}

// RateLimitDecision creates attributes for a rate limit decision.
func RateLimitDecision(tier, keyClass string, quota int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTier.String(tier),
		AttrLimitKeyClass.String(keyClass),
		AttrLimitQuota.Int(quota),
	}
}

// BreakerTransition creates attributes for a breaker state change.
func BreakerTransition(name, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBreakerName.String(name),
		AttrBreakerState.String(state),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
