// Package authz issues relationship-based permission checks against a remote
// authorization service, guarded by a circuit breaker. Verdicts are cached
// for a configurable TTL; when the service is unreachable a fail-open or
// fail-closed policy produces a fallback verdict instead of an error.
package authz

import (
	"strings"
	"time"
)

// BreakerName is the fixed circuit-breaker key for the authorization
// service. Admin reset surfaces address the breaker by this name.
const BreakerName = "authz_service"

// Verdict reasons. Fallback reasons distinguish a tripped breaker from a
// live call that failed.
const (
	ReasonDenied      = "not_authorized"
	ReasonBreakerOpen = "breaker_open"
	ReasonUnavailable = "authz_unavailable"
)

// Tuple is one (object, relation, user) grant, e.g.
// {"doc:readme", "viewer", "user:alice"}. User may be a userset reference
// such as "group:eng#member".
type Tuple struct {
	Object   string `json:"object"`
	Relation string `json:"relation"`
	User     string `json:"user"`
}

// Verdict is the transient outcome of one authorization check. It is never
// persisted; caches hold it only until the TTL lapses.
type Verdict struct {
	Authorized   bool      `json:"authorized"`
	UserID       string    `json:"user_id"`
	Relation     string    `json:"relation"`
	Resource     string    `json:"resource"`
	Reason       string    `json:"reason,omitempty"`
	UsedFallback bool      `json:"used_fallback"`
	CheckedAt    time.Time `json:"checked_at"`
}

// TypeRelations declares which relations exist per object type. Cascading
// cleanup walks every relation of the deleted object's type, including
// relations whose membership is computed from others.
type TypeRelations map[string][]string

// DefaultTypeRelations covers the core resource types of an agent-serving
// deployment.
var DefaultTypeRelations = TypeRelations{
	"tool":  {"owner", "executor"},
	"agent": {"owner", "operator", "viewer"},
	"doc":   {"owner", "editor", "viewer"},
}

// ObjectType extracts the type prefix of "type:id" object references.
func ObjectType(object string) (string, bool) {
	typ, _, ok := strings.Cut(object, ":")
	if !ok || typ == "" {
		return "", false
	}
	return typ, true
}
