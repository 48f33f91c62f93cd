package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process relationship graph implementing Client.
// It backs development deployments and tests; production gates talk to a
// remote service through HTTPClient.
type MemoryBackend struct {
	mu     sync.RWMutex
	graph  map[string]struct{} // "object#relation@user" membership set
	tuples []Tuple
}

// NewMemoryBackend creates an empty graph.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		graph: make(map[string]struct{}),
	}
}

func tupleKey(t Tuple) string {
	return fmt.Sprintf("%s#%s@%s", t.Object, t.Relation, t.User)
}

// isUserset reports whether a tuple user references another relation
// ("group:eng#member") rather than a concrete user.
func isUserset(user string) bool {
	return strings.Contains(user, "#")
}

// splitUserset parses "object#relation"; ok is false for concrete users.
func splitUserset(user string) (object, relation string, ok bool) {
	object, relation, ok = strings.Cut(user, "#")
	return object, relation, ok && object != "" && relation != ""
}

// Check reports whether user holds relation on object, directly or through
// userset membership.
func (b *MemoryBackend) Check(_ context.Context, user, relation, object string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkLocked(user, relation, object, make(map[string]bool)), nil
}

func (b *MemoryBackend) checkLocked(user, relation, object string, visited map[string]bool) bool {
	if _, ok := b.graph[tupleKey(Tuple{Object: object, Relation: relation, User: user})]; ok {
		return true
	}

	visitKey := object + "#" + relation
	if visited[visitKey] {
		return false
	}
	visited[visitKey] = true

	for _, t := range b.tuples {
		if t.Object != object || t.Relation != relation {
			continue
		}
		if setObj, setRel, ok := splitUserset(t.User); ok {
			if b.checkLocked(user, setRel, setObj, visited) {
				return true
			}
		}
	}
	return false
}

// Expand returns the concrete users holding relation on object, resolving
// userset references transitively. The result is sorted and de-duplicated.
func (b *MemoryBackend) Expand(_ context.Context, object, relation string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	b.expandLocked(object, relation, seen, make(map[string]bool))

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (b *MemoryBackend) expandLocked(object, relation string, seen map[string]struct{}, visited map[string]bool) {
	visitKey := object + "#" + relation
	if visited[visitKey] {
		return
	}
	visited[visitKey] = true

	for _, t := range b.tuples {
		if t.Object != object || t.Relation != relation {
			continue
		}
		if setObj, setRel, ok := splitUserset(t.User); ok {
			b.expandLocked(setObj, setRel, seen, visited)
			continue
		}
		seen[t.User] = struct{}{}
	}
}

// Write applies deletes then writes atomically. Writing an existing tuple
// and deleting an absent one are no-ops.
func (b *MemoryBackend) Write(_ context.Context, writes, deletes []Tuple) error {
	for _, t := range append(append([]Tuple{}, writes...), deletes...) {
		if t.Object == "" || t.Relation == "" || t.User == "" {
			return errors.New("authz: incomplete tuple")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(deletes) > 0 {
		drop := make(map[string]struct{}, len(deletes))
		for _, t := range deletes {
			key := tupleKey(t)
			drop[key] = struct{}{}
			delete(b.graph, key)
		}
		kept := b.tuples[:0]
		for _, t := range b.tuples {
			if _, gone := drop[tupleKey(t)]; !gone {
				kept = append(kept, t)
			}
		}
		b.tuples = kept
	}

	for _, t := range writes {
		key := tupleKey(t)
		if _, exists := b.graph[key]; exists {
			continue
		}
		b.graph[key] = struct{}{}
		b.tuples = append(b.tuples, t)
	}
	return nil
}

// TupleCount reports the number of stored tuples.
func (b *MemoryBackend) TupleCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tuples)
}
