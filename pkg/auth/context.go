package auth

import (
	"context"
	"errors"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// GetUserID returns the authenticated user's ID, or "" for anonymous
// requests. Callers deriving rate-limit keys rely on the empty-string
// convention rather than an error.
func GetUserID(ctx context.Context) string {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return ""
	}
	return p.GetID()
}

// MustGetUserID panics if no principal is present (use only behind the gate,
// where the middleware guarantees one).
func MustGetUserID(ctx context.Context) string {
	p, err := GetPrincipal(ctx)
	if err != nil {
		panic(err)
	}
	return p.GetID()
}
