// Package gate evaluates every inbound request against the full admission
// pipeline: token verification, sliding-window session enforcement,
// principal-keyed rate limiting, and relationship-based authorization. The
// outcome is a single allow/reject decision plus audit, usage, and telemetry
// events describing why.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/aegis/pkg/audit"
	"github.com/Mindburn-Labs/aegis/pkg/auth"
	"github.com/Mindburn-Labs/aegis/pkg/authz"
	"github.com/Mindburn-Labs/aegis/pkg/metering"
	"github.com/Mindburn-Labs/aegis/pkg/observability"
	"github.com/Mindburn-Labs/aegis/pkg/ratelimit"
	"github.com/Mindburn-Labs/aegis/pkg/session"
)

// Rejection reasons produced by the gate itself. Token failures reuse the
// verifier's reason strings; authorization denials reuse the engine's.
const (
	ReasonMissingToken       = "missing_token"
	ReasonSessionExpired     = "session_expired"
	ReasonSessionNotFound    = "session_not_found"
	ReasonSessionUnavailable = "session_unavailable"
	ReasonRateLimited        = "rate_limited"
)

// Request carries the facts the gate decides on. Relation and Resource are
// set by protected routes; when either is empty the authorization stage is
// skipped.
type Request struct {
	Token      string
	RemoteAddr string
	Path       string
	Relation   string
	Resource   string
}

// Response is the gate's decision. Status is the HTTP status the transport
// layer should answer with; Reason is a stable identifier set on rejection.
type Response struct {
	Allowed    bool
	Status     int
	Reason     string
	RetryAfter int // seconds, set with 429 and 503
	Principal  auth.Principal
	Session    *session.Record
	RateLimit  *ratelimit.Decision
	Verdict    *authz.Verdict
}

// Options wires the gate's dependencies. Verifier is required; every other
// dependency is optional and its stage is skipped when nil.
type Options struct {
	Verifier      auth.Verifier
	Sessions      *session.Manager
	Engine        *authz.Engine
	Resolver      *ratelimit.Resolver
	Limiter       ratelimit.Limiter
	Audit         audit.Recorder
	Meter         metering.Meter
	Observability *observability.Provider
	PublicPaths   auth.PublicPaths
	Logger        *slog.Logger
}

// Gate runs the admission pipeline.
type Gate struct {
	verifier auth.Verifier
	sessions *session.Manager
	engine   *authz.Engine
	resolver *ratelimit.Resolver
	limiter  ratelimit.Limiter
	audit    audit.Recorder
	meter    metering.Meter
	obs      *observability.Provider
	public   auth.PublicPaths
	logger   *slog.Logger
}

// New creates a Gate. A missing verifier is a configuration error: without
// one the gate could never admit an authenticated request.
func New(opts Options) (*Gate, error) {
	if opts.Verifier == nil {
		return nil, errors.New("gate: verifier is required")
	}
	resolver := opts.Resolver
	if resolver == nil {
		var err error
		resolver, err = ratelimit.NewResolver(nil)
		if err != nil {
			return nil, err
		}
	}
	public := opts.PublicPaths
	if public == nil {
		public = auth.DefaultPublicPaths
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		verifier: opts.Verifier,
		sessions: opts.Sessions,
		engine:   opts.Engine,
		resolver: resolver,
		limiter:  opts.Limiter,
		audit:    opts.Audit,
		meter:    opts.Meter,
		obs:      opts.Observability,
		public:   public,
		logger:   logger.With("component", "gate"),
	}, nil
}

// Evaluate runs the pipeline for one request. Stages run in a fixed order:
// public-path exemption, token verification, session touch, rate limit,
// authorization. The first rejecting stage wins.
func (g *Gate) Evaluate(ctx context.Context, req Request) Response {
	var finish func(error)
	if g.obs != nil {
		ctx, finish = g.obs.TrackOperation(ctx, "gate.evaluate",
			observability.AttrPath.String(req.Path))
		defer finish(nil)
	}

	// Public paths skip authentication and session enforcement, but
	// anonymous rate limiting still applies by client address.
	if g.public.Match(req.Path) {
		if resp, limited := g.rateLimit(ctx, nil, req); limited {
			return resp
		}
		return Response{Allowed: true, Status: http.StatusOK}
	}

	if req.Token == "" {
		g.observe(ctx, "", audit.Event{
			Type:     audit.EventAccess,
			Action:   "authenticate",
			Resource: req.Path,
			Decision: audit.DecisionDeny,
			Metadata: map[string]any{"reason": ReasonMissingToken},
		}, metering.EventAuthFailure)
		return g.reject(ctx, http.StatusUnauthorized, ReasonMissingToken, Response{})
	}

	result := g.verifier.Verify(ctx, req.Token)
	if !result.Valid {
		g.observe(ctx, "", audit.Event{
			Type:     audit.EventAccess,
			Action:   "authenticate",
			Resource: req.Path,
			Decision: audit.DecisionDeny,
			Metadata: map[string]any{"reason": result.Reason},
		}, metering.EventAuthFailure)
		return g.reject(ctx, http.StatusUnauthorized, result.Reason, Response{})
	}

	principal := auth.PrincipalFromClaims(result.Claims)

	var rec *session.Record
	if g.sessions != nil && result.Claims.SessionID != "" {
		var resp Response
		var rejected bool
		rec, resp, rejected = g.touchSession(ctx, principal, result.Claims.SessionID, req)
		if rejected {
			return resp
		}
	}

	if resp, limited := g.rateLimit(ctx, principal, req); limited {
		return resp
	}

	var verdict *authz.Verdict
	if g.engine != nil && req.Relation != "" && req.Resource != "" {
		v := g.engine.Check(ctx, "user:"+principal.GetID(), req.Relation, req.Resource)
		verdict = &v
		if v.UsedFallback {
			g.observe(ctx, principal.GetID(), audit.Event{
				Type:     audit.EventPolicy,
				Action:   "authorize",
				Resource: req.Resource,
				Decision: audit.DecisionFallback,
				Metadata: map[string]any{
					"relation":   req.Relation,
					"reason":     v.Reason,
					"authorized": v.Authorized,
				},
			}, metering.EventFallbackVerdict)
		}
		if !v.Authorized {
			g.observe(ctx, principal.GetID(), audit.Event{
				Type:     audit.EventPolicy,
				Action:   "authorize",
				Resource: req.Resource,
				Decision: audit.DecisionDeny,
				Metadata: map[string]any{"relation": req.Relation, "reason": v.Reason},
			}, metering.EventAuthzDenied)
			out := g.reject(ctx, http.StatusForbidden, v.Reason, Response{
				Principal: principal,
				Session:   rec,
				Verdict:   verdict,
			})
			return out
		}
	}

	g.observe(ctx, principal.GetID(), audit.Event{
		Type:     audit.EventAccess,
		Action:   "request",
		Resource: req.Path,
		Decision: audit.DecisionAllow,
	}, metering.EventRequest)
	if g.obs != nil {
		g.obs.RecordDecision(ctx, "allow", observability.AttrPrincipalID.String(principal.GetID()))
	}

	return Response{
		Allowed:   true,
		Status:    http.StatusOK,
		Principal: principal,
		Session:   rec,
		Verdict:   verdict,
	}
}

// touchSession renews the sliding window. Expiry deletes the record and
// rejects with a distinct reason so clients can tell an inactivity logoff
// from a bad credential. A store outage is a hard failure: admitting
// requests with unverifiable sessions would bypass automatic logoff.
func (g *Gate) touchSession(ctx context.Context, principal auth.Principal, sessionID string, req Request) (*session.Record, Response, bool) {
	rec, err := g.sessions.Touch(ctx, sessionID)
	switch {
	case err == nil:
		return rec, Response{}, false
	case errors.Is(err, session.ErrExpired):
		g.observe(ctx, principal.GetID(), audit.Event{
			Type:     audit.EventAccess,
			Action:   "session_timeout",
			Resource: req.Path,
			Decision: audit.DecisionDeny,
		}, metering.EventSessionLogoff)
		return nil, g.reject(ctx, http.StatusUnauthorized, ReasonSessionExpired, Response{}), true
	case errors.Is(err, session.ErrNotFound):
		g.observe(ctx, principal.GetID(), audit.Event{
			Type:     audit.EventAccess,
			Action:   "authenticate",
			Resource: req.Path,
			Decision: audit.DecisionDeny,
			Metadata: map[string]any{"reason": ReasonSessionNotFound},
		}, metering.EventAuthFailure)
		return nil, g.reject(ctx, http.StatusUnauthorized, ReasonSessionNotFound, Response{}), true
	default:
		g.logger.Error("session store unavailable", "error", err)
		resp := g.reject(ctx, http.StatusServiceUnavailable, ReasonSessionUnavailable, Response{})
		resp.RetryAfter = 10
		return nil, resp, true
	}
}

// rateLimit applies the quota for the resolved bucket. Limiter backend
// errors fail open: throttling is a protective layer, not an authorization
// boundary, and dropping traffic because the limiter store is down would
// turn a soft dependency into a hard one.
func (g *Gate) rateLimit(ctx context.Context, principal auth.Principal, req Request) (Response, bool) {
	if g.limiter == nil {
		return Response{}, false
	}
	decision := g.resolver.Resolve(principal, req.RemoteAddr)
	allowed, err := g.limiter.Allow(ctx, decision.Key, decision.Limit)
	if err != nil {
		g.logger.Warn("rate limiter unavailable, failing open",
			"key_class", keyClass(decision.Key),
			"error", err,
		)
		return Response{}, false
	}
	if allowed {
		return Response{}, false
	}

	actor := "anonymous"
	if principal != nil {
		actor = principal.GetID()
	}
	g.observe(ctx, actor, audit.Event{
		Type:     audit.EventSecurity,
		Action:   "rate_limit_exceeded",
		Resource: req.Path,
		Decision: audit.DecisionDeny,
		Metadata: map[string]any{
			"tier":      string(decision.Tier),
			"key_class": keyClass(decision.Key),
			"limit":     decision.Limit,
		},
	}, metering.EventRateLimited)

	resp := g.reject(ctx, http.StatusTooManyRequests, ReasonRateLimited, Response{
		Principal: principal,
		RateLimit: &decision,
	})
	resp.RetryAfter = retryAfterSeconds(decision.Limit)
	return resp, true
}

// reject finalizes a rejection, recording it to telemetry once.
func (g *Gate) reject(ctx context.Context, status int, reason string, resp Response) Response {
	resp.Allowed = false
	resp.Status = status
	resp.Reason = reason
	if g.obs != nil {
		g.obs.RecordDecision(ctx, "deny")
		g.obs.RecordRejection(ctx, reason)
	}
	return resp
}

// observe fans a decision out to the audit trail and the usage meter.
// Neither sink may veto the decision; failures are logged and dropped.
func (g *Gate) observe(ctx context.Context, actor string, ev audit.Event, usage metering.EventType) {
	if actor == "" {
		actor = "anonymous"
	}
	ev.Actor = actor
	if g.audit != nil {
		if err := g.audit.Record(ctx, ev); err != nil {
			g.logger.Warn("audit record failed", "action", ev.Action, "error", err)
		}
	}
	if g.meter != nil {
		err := g.meter.Record(ctx, metering.Event{
			Actor:     actor,
			EventType: usage,
			Quantity:  1,
			Metadata:  ev.Metadata,
		})
		if err != nil {
			g.logger.Warn("usage record failed", "event_type", usage, "error", err)
		}
	}
}

// keyClass reduces a bucket key to its class for logs and metrics, keeping
// the principal's id out of telemetry attributes.
func keyClass(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// retryAfterSeconds estimates when the bucket next refills a token under a
// per-minute quota.
func retryAfterSeconds(limit int) int {
	if limit <= 0 {
		return 60
	}
	secs := 60 / limit
	if secs < 1 {
		secs = 1
	}
	return secs
}
