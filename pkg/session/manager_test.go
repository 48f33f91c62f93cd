package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testClock lets manager and store share one controllable time source.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(maxConcurrent int, timeout time.Duration) (*Manager, *MemoryStore, *testClock) {
	clock := &testClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now
	m := NewManager(store, Options{InactivityTimeout: timeout, MaxConcurrent: maxConcurrent})
	m.now = clock.Now
	return m, store, clock
}

func TestCreateRequiresUserID(t *testing.T) {
	m, _, _ := newTestManager(5, 30*time.Minute)
	if _, err := m.Create(context.Background(), "", "alice", nil, nil); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestCreatePopulatesRecord(t *testing.T) {
	m, _, clock := newTestManager(5, 30*time.Minute)
	rec, err := m.Create(context.Background(), "u1", "alice", []string{"standard"}, map[string]string{"device": "cli"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.SessionID) < MinIDLength {
		t.Errorf("session id too short: %d", len(rec.SessionID))
	}
	if !rec.CreatedAt.Equal(clock.Now()) || !rec.LastAccessed.Equal(clock.Now()) {
		t.Errorf("timestamps not anchored to creation: %+v", rec)
	}
	if want := clock.Now().Add(30 * time.Minute); !rec.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", rec.ExpiresAt, want)
	}

	got, err := m.Get(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Username != "alice" {
		t.Errorf("stored record mismatch: %+v", got)
	}
}

func TestTouchAdvancesSlidingWindow(t *testing.T) {
	m, _, clock := newTestManager(5, 30*time.Minute)
	rec, err := m.Create(context.Background(), "u1", "alice", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(10 * time.Minute)
	touched, err := m.Touch(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !touched.LastAccessed.Equal(clock.Now()) {
		t.Errorf("last_accessed = %v, want %v", touched.LastAccessed, clock.Now())
	}
	if want := clock.Now().Add(30 * time.Minute); !touched.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", touched.ExpiresAt, want)
	}

	// The renewed window keeps the session alive past the original deadline.
	clock.Advance(25 * time.Minute)
	if _, err := m.Touch(context.Background(), rec.SessionID); err != nil {
		t.Fatalf("touch after renewal: %v", err)
	}
}

func TestTouchExpiresInactiveSession(t *testing.T) {
	m, store, clock := newTestManager(5, 30*time.Minute)
	rec, err := m.Create(context.Background(), "u1", "alice", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Exactly at the timeout boundary the session is gone.
	clock.Advance(30 * time.Minute)
	if _, err := m.Touch(context.Background(), rec.SessionID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := store.Get(context.Background(), rec.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still retrievable: %v", err)
	}
	// A second touch reports the session as missing, not expired again.
	if _, err := m.Touch(context.Background(), rec.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on re-touch, got %v", err)
	}
}

func TestTouchUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(5, 30*time.Minute)
	if _, err := m.Touch(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentCapEvictsOldest(t *testing.T) {
	m, _, clock := newTestManager(2, time.Hour)
	ctx := context.Background()

	s1, _ := m.Create(ctx, "alice", "alice", nil, nil)
	clock.Advance(time.Minute)
	s2, _ := m.Create(ctx, "alice", "alice", nil, nil)
	clock.Advance(time.Minute)
	s3, _ := m.Create(ctx, "alice", "alice", nil, nil)

	if _, err := m.Get(ctx, s1.SessionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest session survived the cap: %v", err)
	}
	for _, s := range []*Record{s2, s3} {
		if _, err := m.Get(ctx, s.SessionID); err != nil {
			t.Errorf("session %s... unexpectedly gone: %v", s.SessionID[:8], err)
		}
	}
}

func TestSecondLoginEvictsFirstWithCapOne(t *testing.T) {
	m, _, clock := newTestManager(1, time.Hour)
	ctx := context.Background()

	first, err := m.Create(ctx, "alice", "alice", nil, nil)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	clock.Advance(time.Second)
	second, err := m.Create(ctx, "alice", "alice", nil, nil)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if _, err := m.Get(ctx, first.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatal("first session still retrievable after cap eviction")
	}
	if _, err := m.Get(ctx, second.SessionID); err != nil {
		t.Fatalf("second session missing: %v", err)
	}
}

func TestEvictionTieBreaksOnSessionID(t *testing.T) {
	m, _, _ := newTestManager(2, time.Hour)
	ctx := context.Background()

	// Same frozen creation instant for both: the tie falls to the
	// lexicographically smaller session ID.
	a, _ := m.Create(ctx, "alice", "alice", nil, nil)
	b, _ := m.Create(ctx, "alice", "alice", nil, nil)
	victim, survivor := a, b
	if b.SessionID < a.SessionID {
		victim, survivor = b, a
	}

	if _, err := m.Create(ctx, "alice", "alice", nil, nil); err != nil {
		t.Fatalf("third create: %v", err)
	}
	if _, err := m.Get(ctx, victim.SessionID); !errors.Is(err, ErrNotFound) {
		t.Error("tie-break victim survived")
	}
	if _, err := m.Get(ctx, survivor.SessionID); err != nil {
		t.Errorf("tie-break survivor gone: %v", err)
	}
}

func TestCapDoesNotCrossUsers(t *testing.T) {
	m, _, clock := newTestManager(1, time.Hour)
	ctx := context.Background()

	aliceSess, _ := m.Create(ctx, "alice", "alice", nil, nil)
	clock.Advance(time.Second)
	if _, err := m.Create(ctx, "bob", "bob", nil, nil); err != nil {
		t.Fatalf("bob create: %v", err)
	}

	if _, err := m.Get(ctx, aliceSess.SessionID); err != nil {
		t.Fatalf("bob's login evicted alice's session: %v", err)
	}
}

func TestRevokeUser(t *testing.T) {
	m, _, clock := newTestManager(5, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Create(ctx, "alice", "alice", nil, nil); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	bobSess, _ := m.Create(ctx, "bob", "bob", nil, nil)

	n, err := m.RevokeUser(ctx, "alice")
	if err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if n != 3 {
		t.Errorf("revoked %d sessions, want 3", n)
	}
	if _, err := m.Get(ctx, bobSess.SessionID); err != nil {
		t.Errorf("bob's session was revoked too: %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(5, time.Hour)
	ctx := context.Background()
	rec, _ := m.Create(ctx, "alice", "alice", nil, nil)

	if err := m.Revoke(ctx, rec.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := m.Revoke(ctx, rec.SessionID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}
