package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/breaker"
)

// MaxDeleteBatch is the hard ceiling on tuples removed per write call during
// cascading cleanup. Larger configured batch sizes are clamped.
const MaxDeleteBatch = 100

// defaultWriteRelations are treated as write-classified when no guard
// expression overrides the set. In strict mode these checks always go to the
// live service.
var defaultWriteRelations = map[string]struct{}{
	"owner":      {},
	"editor":     {},
	"admin":      {},
	"writer":     {},
	"can_write":  {},
	"can_delete": {},
}

// Config tunes an Engine.
type Config struct {
	// StrictMode selects the fallback policy when the breaker is open or
	// the service errors: true denies (fail closed), false allows (fail
	// open). Both mark the verdict UsedFallback.
	StrictMode bool

	// CacheTTL bounds verdict reuse. Zero disables caching entirely.
	CacheTTL time.Duration

	// CallTimeout bounds each remote call. Keep it at or below half the
	// breaker recovery timeout.
	CallTimeout time.Duration

	// DeleteBatchSize caps tuples per delete call (clamped to
	// MaxDeleteBatch).
	DeleteBatchSize int

	// TypeRelations drives cascading cleanup; nil uses
	// DefaultTypeRelations.
	TypeRelations TypeRelations

	// Guard optionally reclassifies checks; nil uses the built-in
	// write-relation set and never forces strictness.
	Guard *Guard

	Logger *slog.Logger
}

// Engine is the authorization decision point. Every remote call runs through
// the shared breaker registry under the "authz_service" name, so wrappers
// holding that breaker observe resets immediately.
type Engine struct {
	client      Client
	breakers    *breaker.Registry
	strict      bool
	cacheTTL    time.Duration
	cache       *verdictCache
	callTimeout time.Duration
	deleteBatch int
	relations   TypeRelations
	guard       *Guard
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates an Engine using the given transport and breaker
// registry.
func NewEngine(client Client, breakers *breaker.Registry, cfg Config) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.DeleteBatchSize <= 0 || cfg.DeleteBatchSize > MaxDeleteBatch {
		cfg.DeleteBatchSize = MaxDeleteBatch
	}
	if cfg.TypeRelations == nil {
		cfg.TypeRelations = DefaultTypeRelations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:      client,
		breakers:    breakers,
		strict:      cfg.StrictMode,
		cacheTTL:    cfg.CacheTTL,
		cache:       newVerdictCache(),
		callTimeout: cfg.CallTimeout,
		deleteBatch: cfg.DeleteBatchSize,
		relations:   cfg.TypeRelations,
		guard:       cfg.Guard,
		logger:      logger.With("component", "authz"),
		now:         time.Now,
	}
}

// writeClassified reports whether the relation is treated as a write
// operation for cache-bypass purposes.
func (e *Engine) writeClassified(user, relation, object string) bool {
	if e.guard.HasWriteRule() {
		return e.guard.WriteClassified(user, relation, object)
	}
	_, ok := defaultWriteRelations[relation]
	return ok
}

// Check answers whether user holds relation on object. It never returns an
// error: service failures produce a fallback verdict per the fail policy,
// with UsedFallback set and the raw cause confined to logs.
func (e *Engine) Check(ctx context.Context, user, relation, object string) Verdict {
	// Strict mode never trusts a cached answer for write-classified
	// relations; those checks go to the live service every time.
	fresh := e.strict && e.writeClassified(user, relation, object)
	cacheable := e.cacheTTL > 0 && !fresh

	key := cacheKey(user, relation, object)
	if cacheable {
		if v, ok := e.cache.get(key, e.now()); ok {
			return v
		}
	}

	var allowed bool
	err := e.breakers.Do(ctx, BreakerName, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		ok, err := e.client.Check(cctx, user, relation, object)
		if err != nil {
			return err
		}
		allowed = ok
		return nil
	})

	now := e.now()
	if err != nil {
		return e.fallbackVerdict(user, relation, object, err, now)
	}

	v := Verdict{
		Authorized: allowed,
		UserID:     user,
		Relation:   relation,
		Resource:   object,
		CheckedAt:  now,
	}
	if !allowed {
		v.Reason = ReasonDenied
	}
	if cacheable {
		e.cache.put(key, v, now.Add(e.cacheTTL))
	}
	return v
}

// fallbackVerdict applies the fail policy when the live check could not be
// completed. Fallback verdicts are never cached.
func (e *Engine) fallbackVerdict(user, relation, object string, cause error, now time.Time) Verdict {
	reason := ReasonUnavailable
	if errors.Is(cause, breaker.ErrOpen) {
		reason = ReasonBreakerOpen
	}
	strict := e.strict || e.guard.ForceStrict(user, relation, object)

	v := Verdict{
		Authorized:   !strict,
		UserID:       user,
		Relation:     relation,
		Resource:     object,
		Reason:       reason,
		UsedFallback: true,
		CheckedAt:    now,
	}
	e.logger.Warn("authorization fallback verdict",
		"user_id", user,
		"relation", relation,
		"resource", object,
		"reason", reason,
		"authorized", v.Authorized,
		"error", cause,
	)
	return v
}

// Write applies tuple writes and deletes through the breaker.
func (e *Engine) Write(ctx context.Context, writes, deletes []Tuple) error {
	return e.breakers.Do(ctx, BreakerName, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return e.client.Write(cctx, writes, deletes)
	})
}

// PurgeCache drops every cached verdict (admin surface, used after bulk
// permission changes).
func (e *Engine) PurgeCache() {
	e.cache.purge()
}

// DeleteTuplesForObject removes every tuple referencing the object across
// all relations of its type. Expansion failures on individual relations are
// logged and skipped so one broken relation cannot orphan the rest; deletes
// are issued in batches no larger than the configured size. Returns the
// number of tuples deleted.
func (e *Engine) DeleteTuplesForObject(ctx context.Context, object string) (int, error) {
	typ, ok := ObjectType(object)
	if !ok {
		return 0, fmt.Errorf("authz: object %q has no type prefix", object)
	}
	relations := e.relations[typ]
	if len(relations) == 0 {
		e.logger.Debug("no relations configured for type, nothing to clean", "resource", object, "type", typ)
		return 0, nil
	}

	var tuples []Tuple
	for _, rel := range relations {
		var users []string
		err := e.breakers.Do(ctx, BreakerName, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
			u, err := e.client.Expand(cctx, object, rel)
			if err != nil {
				return err
			}
			users = u
			return nil
		})
		if err != nil {
			e.logger.Warn("expand failed during cascade cleanup, skipping relation",
				"resource", object,
				"relation", rel,
				"error", err,
			)
			continue
		}
		for _, u := range users {
			tuples = append(tuples, Tuple{Object: object, Relation: rel, User: u})
		}
	}
	if len(tuples) == 0 {
		return 0, nil
	}

	deleted := 0
	for start := 0; start < len(tuples); start += e.deleteBatch {
		end := start + e.deleteBatch
		if end > len(tuples) {
			end = len(tuples)
		}
		batch := tuples[start:end]
		err := e.breakers.Do(ctx, BreakerName, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
			return e.client.Write(cctx, nil, batch)
		})
		if err != nil {
			return deleted, fmt.Errorf("authz: cascade delete for %s: %w", object, err)
		}
		deleted += len(batch)
	}

	e.logger.Info("cascade tuple cleanup complete", "resource", object, "deleted", deleted)
	return deleted, nil
}
