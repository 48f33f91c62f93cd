package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const (
	// DefaultInactivityTimeout is the sliding-window logoff interval.
	DefaultInactivityTimeout = 30 * time.Minute

	// DefaultMaxConcurrent caps simultaneous sessions per user.
	DefaultMaxConcurrent = 5
)

// Options configures a Manager.
type Options struct {
	// InactivityTimeout is how long a session survives without activity.
	// Each successful Touch restarts the window.
	InactivityTimeout time.Duration

	// MaxConcurrent is the per-user session cap. Creating a session beyond
	// the cap evicts the user's oldest sessions first.
	MaxConcurrent int

	Logger *slog.Logger
}

// Manager applies session policy on top of a Store.
type Manager struct {
	store             Store
	inactivityTimeout time.Duration
	maxConcurrent     int
	logger            *slog.Logger
	now               func() time.Time
}

// NewManager creates a Manager with the given store and options.
func NewManager(store Store, opts Options) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:             store,
		inactivityTimeout: opts.InactivityTimeout,
		maxConcurrent:     opts.MaxConcurrent,
		logger:            logger.With("component", "session"),
		now:               time.Now,
	}
}

// Create issues a new session for the user, evicting the oldest sessions
// first when the concurrency cap is reached. Eviction order is by creation
// time; ties fall back to the lexicographically smaller session ID.
func (m *Manager) Create(ctx context.Context, userID, username string, roles []string, metadata map[string]string) (*Record, error) {
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}

	if err := m.enforceCap(ctx, userID); err != nil {
		return nil, err
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC().Truncate(time.Second)
	rec := &Record{
		SessionID:    id,
		UserID:       userID,
		Username:     username,
		Roles:        roles,
		Metadata:     metadata,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(m.inactivityTimeout),
	}
	if err := m.store.Put(ctx, rec, m.inactivityTimeout); err != nil {
		return nil, err
	}
	return rec, nil
}

// enforceCap deletes the user's oldest sessions until one slot is free.
func (m *Manager) enforceCap(ctx context.Context, userID string) error {
	existing, err := m.store.UserSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("session: list for cap check: %w", err)
	}
	if len(existing) < m.maxConcurrent {
		return nil
	}

	sort.Slice(existing, func(i, j int) bool {
		if existing[i].CreatedAt.Equal(existing[j].CreatedAt) {
			return existing[i].SessionID < existing[j].SessionID
		}
		return existing[i].CreatedAt.Before(existing[j].CreatedAt)
	})

	evict := len(existing) - m.maxConcurrent + 1
	for _, victim := range existing[:evict] {
		if err := m.store.Delete(ctx, victim.SessionID); err != nil {
			return fmt.Errorf("session: evict %s: %w", victim.SessionID[:8], err)
		}
		m.logger.Info("session evicted for concurrency cap",
			"user_id", userID,
			"created_at", victim.CreatedAt,
		)
	}
	return nil
}

// Get returns the record for sessionID, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Record, error) {
	return m.store.Get(ctx, sessionID)
}

// Touch validates and renews a session. When the inactivity window has
// lapsed the record is deleted and ErrExpired returned, implementing
// automatic logoff. Otherwise LastAccessed advances and the window restarts.
func (m *Manager) Touch(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Second)
	idle := now.Sub(rec.LastAccessed)
	if idle >= m.inactivityTimeout {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("failed to delete expired session", "error", err)
		}
		m.logger.Info("session expired through inactivity",
			"user_id", rec.UserID,
			"idle", idle,
		)
		return nil, ErrExpired
	}

	rec.LastAccessed = now
	rec.ExpiresAt = now.Add(m.inactivityTimeout)
	if err := m.store.Put(ctx, rec, m.inactivityTimeout); err != nil {
		return nil, err
	}
	return rec, nil
}

// Revoke deletes a session. Revoking an absent session is a no-op.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionID)
}

// RevokeUser deletes every session the user holds and reports how many.
func (m *Manager) RevokeUser(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, rec := range sessions {
		if err := m.store.Delete(ctx, rec.SessionID); err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}
