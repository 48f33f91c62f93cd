package session

import (
	"context"
	"sync"
	"time"
)

// Store persists session records. Implementations must treat Delete of an
// absent record as a no-op and must never return expired records from Get
// or UserSessions.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Record, error)
	Put(ctx context.Context, rec *Record, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
	UserSessions(ctx context.Context, userID string) ([]*Record, error)
}

type memoryEntry struct {
	rec       *Record
	expiresAt time.Time
}

// MemoryStore is the in-process Store used in development and tests.
// Expired entries are dropped lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, sessionID)
		return nil, ErrNotFound
	}
	return e.rec.clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record, ttl time.Duration) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[rec.SessionID] = memoryEntry{
		rec:       rec.clone(),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *MemoryStore) UserSessions(_ context.Context, userID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	now := s.now()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			continue
		}
		if e.rec.UserID == userID {
			out = append(out, e.rec.clone())
		}
	}
	return out, nil
}

// Len reports the number of live entries (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
