package authz

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/breaker"
)

type stubClient struct {
	calls int
}

func (s *stubClient) Check(context.Context, string, string, string) (bool, error) {
	s.calls++
	return true, nil
}

func (s *stubClient) Expand(context.Context, string, string) ([]string, error) { return nil, nil }

func (s *stubClient) Write(context.Context, []Tuple, []Tuple) error { return nil }

func TestEngineCacheEntriesExpire(t *testing.T) {
	client := &stubClient{}
	eng := NewEngine(client, breaker.NewRegistry(breaker.Settings{}), Config{
		CacheTTL: time.Minute,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return current }
	ctx := context.Background()

	// 1. First check populates the cache.
	eng.Check(ctx, "user:alice", "viewer", "doc:readme")
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}

	// 2. Within the TTL the cached verdict is served.
	current = current.Add(59 * time.Second)
	eng.Check(ctx, "user:alice", "viewer", "doc:readme")
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1 (cached)", client.calls)
	}

	// 3. Past the TTL the service is consulted again.
	current = current.Add(2 * time.Minute)
	eng.Check(ctx, "user:alice", "viewer", "doc:readme")
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2 (expired)", client.calls)
	}
}

func TestVerdictCacheDropsExpiredEntries(t *testing.T) {
	c := newVerdictCache()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	c.put("k", Verdict{Authorized: true}, base.Add(time.Minute))
	if _, ok := c.get("k", base); !ok {
		t.Fatal("fresh entry should be served")
	}
	if _, ok := c.get("k", base.Add(2*time.Minute)); ok {
		t.Fatal("expired entry should not be served")
	}
	if c.len() != 0 {
		t.Fatalf("len = %d, expired entry should be removed on read", c.len())
	}
}
