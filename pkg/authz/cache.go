package authz

import (
	"fmt"
	"sync"
	"time"
)

type cacheEntry struct {
	verdict   Verdict
	expiresAt time.Time
}

// verdictCache holds recent verdicts keyed by (user, relation, object).
// Entries are dropped lazily when read past their deadline.
type verdictCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newVerdictCache() *verdictCache {
	return &verdictCache{entries: make(map[string]cacheEntry)}
}

func cacheKey(user, relation, object string) string {
	return fmt.Sprintf("%s|%s|%s", user, relation, object)
}

func (c *verdictCache) get(key string, now time.Time) (Verdict, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Verdict{}, false
	}
	if now.After(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && now.After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Verdict{}, false
	}
	return e.verdict, true
}

func (c *verdictCache) put(key string, v Verdict, expiresAt time.Time) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{verdict: v, expiresAt: expiresAt}
	c.mu.Unlock()
}

// purge removes every entry (admin reset surface).
func (c *verdictCache) purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *verdictCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
