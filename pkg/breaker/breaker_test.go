package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errRemote = errors.New("remote unavailable")

func failing(context.Context) error { return errRemote }

func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("authz_service", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, failing); !errors.Is(err, errRemote) {
			t.Fatalf("call %d: got %v, want wrapped op error", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold failures = %q, want %q", got, StateOpen)
	}

	// Next call is rejected fast without invoking the operation.
	calls := 0
	err := b.Do(ctx, func(context.Context) error { calls++; return nil })
	if calls != 0 {
		t.Fatalf("operation invoked %d times through open breaker", calls)
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("got %T, want *OpenError", err)
	}
	if oe.Name != "authz_service" || oe.RetryAfter <= 0 {
		t.Fatalf("OpenError = %+v, want name and positive retry-after", oe)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker("db", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	// Interleaved successes keep the consecutive count below threshold.
	for i := 0; i < 10; i++ {
		b.Do(ctx, failing)
		b.Do(ctx, failing)
		if err := b.Do(ctx, succeeding); err != nil {
			t.Fatalf("success call returned %v", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %q, want %q", got, StateClosed)
	}
}

func TestBreakerRecoveryProbe(t *testing.T) {
	base := time.Now()
	now := base
	b := NewBreaker("svc", Settings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %q, want %q", got, StateOpen)
	}

	// Before the window elapses the breaker still fails fast.
	now = base.Add(29 * time.Second)
	if err := b.Do(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v before recovery window, want ErrOpen", err)
	}

	// After the window one probe runs; success closes and zeroes the count.
	now = base.Add(31 * time.Second)
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("probe returned %v", err)
	}
	snap := b.Snapshot()
	if snap.State != StateClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("after probe success snapshot = %+v", snap)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	base := time.Now()
	now := base
	b := NewBreaker("svc", Settings{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, failing)
	firstOpen := b.Snapshot().OpenSince

	now = base.Add(11 * time.Second)
	if err := b.Do(ctx, failing); !errors.Is(err, errRemote) {
		t.Fatalf("probe error = %v, want op error", err)
	}
	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("state after failed probe = %q, want %q", snap.State, StateOpen)
	}
	if !snap.OpenSince.After(firstOpen) {
		t.Fatalf("failed probe did not refresh open_since: %v vs %v", snap.OpenSince, firstOpen)
	}
}

func TestBreakerSingleProbePerWindow(t *testing.T) {
	base := time.Now()
	now := base
	b := NewBreaker("svc", Settings{FailureThreshold: 1, RecoveryTimeout: time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, failing)
	now = base.Add(2 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- b.Do(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// While the probe is in flight every other caller is rejected.
	calls := 0
	if err := b.Do(ctx, func(context.Context) error { calls++; return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent caller got %v, want ErrOpen", err)
	}
	if calls != 0 {
		t.Fatalf("second operation ran during probe")
	}

	close(release)
	if err := <-probeErr; err != nil {
		t.Fatalf("probe returned %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %q, want %q", got, StateClosed)
	}
}

func TestRegistryReturnsStableHandle(t *testing.T) {
	r := NewRegistry(Settings{})
	a := r.Get("authz_service")
	b := r.Get("authz_service")
	if a != b {
		t.Fatal("Get returned different instances for the same name")
	}
	if a == r.Get("other") {
		t.Fatal("distinct names share an instance")
	}
}

func TestRegistryResetPreservesIdentity(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	h := r.Get("authz_service")
	r.Do(ctx, "authz_service", failing)
	if h.State() != StateOpen {
		t.Fatalf("handle state = %q, want %q", h.State(), StateOpen)
	}

	r.Reset("authz_service")

	// The handle taken before the reset observes the new state: the breaker
	// was reinitialized in place, not replaced.
	if h != r.Get("authz_service") {
		t.Fatal("reset replaced the breaker object")
	}
	if h.State() != StateClosed {
		t.Fatalf("handle state after reset = %q, want %q", h.State(), StateClosed)
	}
	if err := r.Do(ctx, "authz_service", succeeding); err != nil {
		t.Fatalf("call after reset returned %v", err)
	}
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()
	r.Do(ctx, "a", failing)
	r.Do(ctx, "b", failing)

	r.ResetAll()
	for _, snap := range r.Snapshots() {
		if snap.State != StateClosed || snap.ConsecutiveFailures != 0 {
			t.Fatalf("snapshot after ResetAll = %+v", snap)
		}
	}
}

func TestRegistryResetUnknownNameIsNoop(t *testing.T) {
	r := NewRegistry(Settings{})
	r.Reset("never-registered")
	if len(r.Snapshots()) != 0 {
		t.Fatal("Reset created a breaker for an unknown name")
	}
}

func TestRegistryConcurrentGet(t *testing.T) {
	r := NewRegistry(Settings{})
	var wg sync.WaitGroup
	handles := make([]*Breaker, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(handles); i++ {
		if handles[i] != handles[0] {
			t.Fatal("concurrent Get returned different instances")
		}
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker("x", Settings{})
	if b.threshold != DefaultFailureThreshold {
		t.Fatalf("threshold = %d, want %d", b.threshold, DefaultFailureThreshold)
	}
	if b.recoveryTimeout != DefaultRecoveryTimeout {
		t.Fatalf("recovery timeout = %s, want %s", b.recoveryTimeout, DefaultRecoveryTimeout)
	}
	if b.State() != StateClosed {
		t.Fatalf("initial state = %q, want %q", b.State(), StateClosed)
	}
}

type transition struct {
	name string
	from State
	to   State
}

func TestBreakerOnStateChangeSequence(t *testing.T) {
	base := time.Now()
	now := base
	var seen []transition
	b := NewBreaker("authz_service", Settings{
		FailureThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
		OnStateChange: func(name string, from, to State) {
			seen = append(seen, transition{name, from, to})
		},
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, failing)
	b.Do(ctx, failing)
	now = base.Add(11 * time.Second)
	b.Do(ctx, succeeding)

	want := []transition{
		{"authz_service", StateClosed, StateOpen},
		{"authz_service", StateOpen, StateHalfOpen},
		{"authz_service", StateHalfOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestBreakerOnStateChangeProbeFailure(t *testing.T) {
	base := time.Now()
	now := base
	var seen []transition
	b := NewBreaker("svc", Settings{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Second,
		OnStateChange: func(name string, from, to State) {
			seen = append(seen, transition{name, from, to})
		},
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, failing)
	now = base.Add(11 * time.Second)
	b.Do(ctx, failing)

	want := []transition{
		{"svc", StateClosed, StateOpen},
		{"svc", StateOpen, StateHalfOpen},
		{"svc", StateHalfOpen, StateOpen},
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestBreakerOnStateChangeReset(t *testing.T) {
	var seen []transition
	r := NewRegistry(Settings{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		OnStateChange: func(name string, from, to State) {
			seen = append(seen, transition{name, from, to})
		},
	})
	ctx := context.Background()

	r.Do(ctx, "authz_service", failing)
	r.Reset("authz_service")
	// Resetting an already-closed breaker is not a transition.
	r.Reset("authz_service")

	want := []transition{
		{"authz_service", StateClosed, StateOpen},
		{"authz_service", StateOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestBreakerOnStateChangeMayReadState(t *testing.T) {
	var observed []State
	var b *Breaker
	b = NewBreaker("svc", Settings{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		// The callback runs after the transition commits and outside the
		// breaker's mutex, so querying the breaker must not deadlock.
		OnStateChange: func(string, State, State) {
			observed = append(observed, b.State())
		},
	})

	b.Do(context.Background(), failing)

	if len(observed) != 1 || observed[0] != StateOpen {
		t.Fatalf("callback observed %v, want [%q]", observed, StateOpen)
	}
}
