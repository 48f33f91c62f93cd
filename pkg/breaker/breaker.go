// Package breaker implements a named circuit breaker registry used to guard
// calls to remote dependencies. Breakers are keyed by dependency name and share
// a three-state machine: closed (calls pass through), open (calls fail fast),
// and half_open (a single probe is admitted to test recovery).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the current position of a breaker's state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// trips a breaker when no explicit setting is provided.
	DefaultFailureThreshold = 5

	// DefaultRecoveryTimeout is how long an open breaker waits before
	// admitting a probe.
	DefaultRecoveryTimeout = 30 * time.Second
)

// ErrOpen is the sentinel matched by errors.Is for fail-fast rejections.
var ErrOpen = errors.New("breaker: open")

// OpenError reports a call rejected without invoking the wrapped operation.
// RetryAfter is the remaining cool-down at the time of rejection.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: %s open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Settings configures breakers created by a Registry.
type Settings struct {
	// FailureThreshold is the count of consecutive failures that opens a
	// closed breaker. Values below 1 fall back to the default.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker rejects calls before a
	// probe is admitted. Non-positive values fall back to the default.
	RecoveryTimeout time.Duration

	// OnStateChange, when set, is called after a transition commits. It runs
	// outside the breaker's mutex, so callbacks may read breaker state.
	OnStateChange func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return s
}

// Breaker is a single named circuit breaker. All state transitions happen
// under the breaker's mutex, so observers never see a torn state.
type Breaker struct {
	mu              sync.Mutex
	name            string
	state           State
	failures        int
	threshold       int
	openSince       time.Time
	recoveryTimeout time.Duration
	probing         bool
	now             func() time.Time
	onChange        func(name string, from, to State)
}

// NewBreaker returns a closed breaker. Most callers should obtain breakers
// through a Registry instead so that wrappers share one instance per name.
func NewBreaker(name string, settings Settings) *Breaker {
	settings = settings.withDefaults()
	return &Breaker{
		name:            name,
		state:           StateClosed,
		threshold:       settings.FailureThreshold,
		recoveryTimeout: settings.RecoveryTimeout,
		now:             time.Now,
		onChange:        settings.OnStateChange,
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time copy of a breaker's observable state.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenSince           time.Time `json:"open_since,omitempty"`
}

// Snapshot returns the breaker's observable state for admin surfaces.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenSince:           b.openSince,
	}
}

// allow decides whether a call may proceed. It returns probe=true when the
// caller has been admitted as the single half-open probe for this recovery
// window.
func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openSince)
		if elapsed < b.recoveryTimeout {
			retry := b.recoveryTimeout - elapsed
			b.mu.Unlock()
			return false, &OpenError{Name: b.name, RetryAfter: retry}
		}
		// Cool-down elapsed: this caller becomes the probe.
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return true, nil
	case StateHalfOpen:
		if b.probing {
			retry := b.recoveryTimeout
			b.mu.Unlock()
			return false, &OpenError{Name: b.name, RetryAfter: retry}
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

func (b *Breaker) recordSuccess(probe bool) {
	b.mu.Lock()
	closed := probe && b.state != StateClosed
	if probe {
		b.state = StateClosed
		b.probing = false
	}
	b.failures = 0
	b.mu.Unlock()

	if closed {
		b.notify(StateHalfOpen, StateClosed)
	}
}

func (b *Breaker) recordFailure(probe bool) {
	b.mu.Lock()
	from := b.state
	opened := false
	b.failures++
	if probe {
		// Probe failed: reopen with a fresh cool-down window.
		b.state = StateOpen
		b.openSince = b.now()
		b.probing = false
		opened = from != StateOpen
	} else if b.state == StateClosed && b.failures >= b.threshold {
		b.state = StateOpen
		b.openSince = b.now()
		opened = true
	}
	b.mu.Unlock()

	if opened {
		b.notify(from, StateOpen)
	}
}

// Do runs fn guarded by the breaker. When the breaker is open the call is
// rejected with *OpenError and fn is never invoked; that rejection is not
// counted as a failure. When fn runs, its error is returned unchanged and the
// outcome is recorded exactly once.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.recordFailure(probe)
		return err
	}
	b.recordSuccess(probe)
	return nil
}

// reset reinitializes the breaker in place: closed, zero failures, no probe.
// The breaker object itself is preserved so handles held elsewhere keep
// observing it.
func (b *Breaker) reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.openSince = time.Time{}
	b.probing = false
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// Registry holds one breaker per dependency name. It is an explicit value
// wired through constructors rather than package-level state, so tests and
// admin operations can reset it without global coordination.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	settings Settings
}

// NewRegistry returns an empty registry whose breakers are created with the
// given settings.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: settings.withDefaults(),
	}
}

// Get returns the breaker for name, creating a closed one on first use.
// Repeated calls with the same name return the same instance.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.settings)
	r.breakers[name] = b
	return b
}

// Do runs fn guarded by the named breaker.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Do(ctx, fn)
}

// Reset reinitializes the named breaker in place. Unknown names are a no-op.
func (r *Registry) Reset(name string) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		b.reset()
	}
}

// ResetAll reinitializes every registered breaker in place. Breakers are
// collected first so state-change callbacks never run under the registry
// lock.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	for _, b := range all {
		b.reset()
	}
}

// Snapshots returns the observable state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
