package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"
)

var ErrChainBroken = errors.New("audit: hash chain is broken")

const genesisHash = "genesis"

// ChainEntry is a single immutable link in the audit chain.
type ChainEntry struct {
	Sequence     uint64 `json:"sequence"`
	Event        Event  `json:"event"`
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// ChainStore is an append-only Recorder with hash chaining. Each entry's
// hash covers its canonicalized content plus the previous hash, so any
// after-the-fact edit breaks verification from that point on.
type ChainStore struct {
	mu       sync.RWMutex
	entries  []*ChainEntry
	sequence uint64
	head     string
}

// NewChainStore creates an empty chain.
func NewChainStore() *ChainStore {
	return &ChainStore{head: genesisHash}
}

// entryHash computes the chained hash of an entry. The JSON is canonicalized
// per RFC 8785 first so the digest does not depend on encoder details.
func entryHash(e *ChainEntry) (string, error) {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		Event        Event  `json:"event"`
		PreviousHash string `json:"previous_hash"`
	}{e.Sequence, e.Event, e.PreviousHash}

	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Record appends the event to the chain.
func (s *ChainStore) Record(ctx context.Context, event Event) error {
	event = event.withDefaults(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := &ChainEntry{
		Sequence:     s.sequence,
		Event:        event,
		PreviousHash: s.head,
	}
	hash, err := entryHash(entry)
	if err != nil {
		s.sequence--
		return err
	}
	entry.EntryHash = hash
	s.head = hash
	s.entries = append(s.entries, entry)
	return nil
}

// Head returns the current chain head hash.
func (s *ChainStore) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Len returns the number of entries.
func (s *ChainStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a snapshot of the chain for export or archiving.
func (s *ChainStore) Entries() []*ChainEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChainEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Verify walks the chain, recomputing every hash. It returns ErrChainBroken
// (wrapped with the offending position) on the first inconsistency.
func (s *ChainStore) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := genesisHash
	for i, entry := range s.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
