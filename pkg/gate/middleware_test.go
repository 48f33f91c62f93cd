package gate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/api"
	"github.com/Mindburn-Labs/aegis/pkg/auth"
	"github.com/Mindburn-Labs/aegis/pkg/authz"
	"github.com/Mindburn-Labs/aegis/pkg/session"
)

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&p))
	return p
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var seen auth.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		require.NoError(t, err)
		seen = p
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	rr := httptest.NewRecorder()
	f.gate.Middleware(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-123", seen.GetID())
	assert.Equal(t, "alice", seen.GetUsername())
}

func TestMiddlewareMissingTokenProblem(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a token")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	rr := httptest.NewRecorder()
	f.gate.Middleware(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	p := decodeProblem(t, rr)
	assert.Equal(t, http.StatusUnauthorized, p.Status)
	assert.Equal(t, "Missing or malformed bearer token", p.Detail)
}

func TestMiddlewareSessionExpiredProblemType(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sid := strings.Repeat("d", 32)
	old := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	rec := &session.Record{
		SessionID:    sid,
		UserID:       "user-123",
		CreatedAt:    old,
		LastAccessed: old,
		ExpiresAt:    old.Add(30 * time.Minute),
	}
	require.NoError(t, f.store.Put(context.Background(), rec, time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, func(c *auth.Claims) { c.SessionID = sid }))
	rr := httptest.NewRecorder()
	f.gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	p := decodeProblem(t, rr)
	// Inactivity logoff carries its own problem type so clients can prompt
	// re-login instead of treating it as a bad credential.
	assert.Equal(t, api.TypeSessionExpired, p.Type)
	assert.Equal(t, "Session Expired", p.Title)
}

func TestMiddlewareRateLimitedSetsRetryAfter(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.limiter.allow = false

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	rr := httptest.NewRecorder()
	f.gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	p := decodeProblem(t, rr)
	assert.Contains(t, p.Detail, "premium")
	assert.Contains(t, p.Detail, "user")
	assert.NotContains(t, p.Detail, "user-123")
}

func TestMiddlewareSessionOutageReturns503(t *testing.T) {
	f := newFixture(t, fixtureOpts{sessionStore: brokenSessionStore{}})

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, func(c *auth.Claims) {
		c.SessionID = strings.Repeat("e", 32)
	}))
	rr := httptest.NewRecorder()
	f.gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "10", rr.Header().Get("Retry-After"))
}

func TestMiddlewareProtectDeniesWithoutRelationship(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when authorization is denied")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	rr := httptest.NewRecorder()
	f.gate.Protect("executor", "tool:chat")(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	p := decodeProblem(t, rr)
	assert.Equal(t, "Forbidden", p.Title)
}

func TestMiddlewareProtectAllowsWithRelationship(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	err := f.backend.Write(context.Background(), []authz.Tuple{
		{Object: "tool:chat", Relation: "executor", User: "user:user-123"},
	}, nil)
	require.NoError(t, err)

	var ran bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	rr := httptest.NewRecorder()
	f.gate.Protect("executor", "tool:chat")(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, ran)
}

func TestMiddlewarePublicPathBypassesAuth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var ran bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	f.gate.Middleware(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, ran)
}

func TestMiddlewareStripsPortFromClientAddr(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	rr := httptest.NewRecorder()
	f.gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, req)

	assert.Equal(t, "ip:192.0.2.7", f.limiter.lastKey())
}
