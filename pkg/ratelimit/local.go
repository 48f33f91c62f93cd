package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket tracks the limiter and last use for one key.
type bucket struct {
	limiter  *rate.Limiter
	limit    int
	lastSeen time.Time
}

// LocalLimiter enforces quotas with in-process token buckets, one per key.
// Suitable for single-instance deployments and tests; multi-instance
// deployments should use RedisLimiter so the quota is shared.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLocalLimiter creates the limiter and starts a janitor that drops
// buckets idle for more than three minutes.
func NewLocalLimiter() *LocalLimiter {
	l := &LocalLimiter{buckets: make(map[string]*bucket)}
	go l.cleanup()
	return l
}

// Allow consumes one token from the key's bucket. The bucket refills at
// limit/60 tokens per second with a burst of limit, so a full minute of
// quota can be spent at once.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		limit = 1
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.limit != limit {
		// New key, or the caller's tier changed: start a fresh bucket at
		// the new rate.
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit),
			limit:   limit,
		}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow(), nil
}

// cleanup removes stale buckets to prevent unbounded growth from anonymous
// IP churn. Checks every minute, removes entries idle over 3 minutes.
func (l *LocalLimiter) cleanup() {
	for {
		time.Sleep(1 * time.Minute)
		l.mu.Lock()
		for key, b := range l.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}
