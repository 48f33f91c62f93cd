package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/aegis/pkg/api"
	"github.com/Mindburn-Labs/aegis/pkg/archive"
	"github.com/Mindburn-Labs/aegis/pkg/audit"
	"github.com/Mindburn-Labs/aegis/pkg/auth"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/config"
	"github.com/Mindburn-Labs/aegis/pkg/gate"
	"github.com/Mindburn-Labs/aegis/pkg/metering"
	"github.com/Mindburn-Labs/aegis/pkg/observability"
	"github.com/Mindburn-Labs/aegis/pkg/session"
)

const tokenTTL = time.Hour

// gateServer exposes the gate over HTTP: health probes, the development login
// flow, a chat endpoint standing in for the agent runtime, and admin surfaces
// for breakers, usage, and audit export.
type gateServer struct {
	cfg      *config.Config
	gate     *gate.Gate
	sessions *session.Manager
	creds    *auth.CredentialStore
	secret   []byte
	breakers *breaker.Registry
	meter    metering.Meter
	exporter *audit.Exporter
	packs    archive.Store
	slos     *observability.SLOTracker
	slis     *observability.SLIRegistry
	logger   *slog.Logger
}

func (s *gateServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readiness", s.handleHealth)

	// Login sits on a public path: the gate skips authentication for it but
	// still rate-limits by client address.
	mux.Handle("/api/auth/login", s.gate.Middleware(http.HandlerFunc(s.handleLogin)))
	mux.Handle("/api/auth/logout", s.gate.Middleware(http.HandlerFunc(s.handleLogout)))
	mux.Handle("/api/auth/me", s.gate.Middleware(http.HandlerFunc(s.handleMe)))

	mux.Handle("/api/chat", s.gate.Protect("executor", "tool:chat")(http.HandlerFunc(s.handleChat)))

	mux.Handle("/api/admin/breakers", s.admin(s.handleBreakers))
	mux.Handle("/api/admin/breakers/reset", s.admin(s.handleBreakerReset))
	mux.Handle("/api/admin/usage", s.admin(s.handleUsage))
	mux.Handle("/api/admin/slos", s.admin(s.handleServiceLevels))
	mux.Handle("/api/admin/audit/export", s.admin(s.handleAuditExport))

	return auth.RequestIDMiddleware(auth.CORSMiddleware(nil)(s.recordServiceLevels(mux)))
}

// recordServiceLevels feeds the SLO tracker with one observation per API
// request. Probe endpoints stay out so cheap health checks cannot mask a
// burning error budget.
func (s *gateServer) recordServiceLevels(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.slos == nil || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.slos.Record(observability.SLOObservation{
			Operation: "evaluate",
			Latency:   time.Since(start),
			Success:   sw.status < http.StatusInternalServerError,
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// admin gates a handler behind authentication plus the admin role.
func (s *gateServer) admin(next http.HandlerFunc) http.Handler {
	return s.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := auth.GetPrincipal(r.Context())
		if err != nil {
			api.WriteUnauthorized(w, "Authentication required")
			return
		}
		if !principal.HasRole("admin") {
			api.WriteForbidden(w, "Administrator role required")
			return
		}
		next(w, r)
	}))
}

func (s *gateServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func (s *gateServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if s.creds == nil || len(s.secret) == 0 {
		api.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
			"Interactive login is not enabled on this deployment")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "Request body must be JSON with username and password")
		return
	}

	rec, ok := s.creds.Authenticate(req.Username, req.Password)
	if !ok {
		api.WriteUnauthorized(w, "Invalid username or password")
		return
	}

	sess, err := s.sessions.Create(r.Context(), rec.Username, rec.Username, rec.Roles, nil)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	now := time.Now()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   rec.Username,
			Issuer:    s.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		Username:  rec.Username,
		Roles:     rec.Roles,
		Plan:      rec.Plan,
		SessionID: sess.SessionID,
	}
	token, err := auth.SignHS256(s.secret, claims)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(tokenTTL.Seconds()),
		"session_id":   sess.SessionID,
	})
}

func (s *gateServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "Authentication required")
		return
	}

	// Tokens without a session claim have nothing to revoke.
	if base, ok := principal.(*auth.BasePrincipal); ok && base.SessionID != "" {
		if err := s.sessions.Revoke(r.Context(), base.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			api.WriteInternal(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *gateServer) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "Authentication required")
		return
	}

	resp := map[string]any{
		"user_id":  principal.GetID(),
		"username": principal.GetUsername(),
		"roles":    principal.GetRoles(),
	}
	if base, ok := principal.(*auth.BasePrincipal); ok && base.GetPlan() != "" {
		resp["plan"] = base.GetPlan()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChat stands in for the agent runtime behind the gate. Reaching it at
// all means the full admission pipeline passed, including the executor
// relationship on tool:chat.
func (s *gateServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		api.WriteBadRequest(w, "Request body must be JSON with a non-empty message")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  principal.GetUsername(),
		"reply": "acknowledged: " + req.Message,
	})
}

func (s *gateServer) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.breakers.Snapshots(),
	})
}

func (s *gateServer) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("name")
	if name != "" {
		s.breakers.Reset(name)
	} else {
		s.breakers.ResetAll()
		name = "all"
	}

	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		s.logger.Info("breaker reset", "name", name, "by", principal.GetID())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "name": name})
}

func (s *gateServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "Authentication required")
		return
	}

	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = principal.GetID()
	}

	var period metering.Period
	switch r.URL.Query().Get("period") {
	case "", "daily":
		period = metering.DailyPeriod()
	case "monthly":
		period = metering.MonthlyPeriod()
	default:
		api.WriteBadRequest(w, "period must be daily or monthly")
		return
	}

	usage, err := s.meter.GetUsage(r.Context(), actor, period)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"actor": usage.Actor,
		"period": map[string]any{
			"start": usage.Period.Start,
			"end":   usage.Period.End,
		},
		"totals":      usage.Totals,
		"last_update": usage.LastUpdate,
	})
}

func (s *gateServer) handleServiceLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	var statuses []*observability.SLOStatus
	var indicators []*observability.SLI
	for _, op := range []string{"verify", "session", "rate_limit", "authorize", "evaluate"} {
		if st, err := s.slos.Status(op); err == nil {
			statuses = append(statuses, st)
		}
		indicators = append(indicators, s.slis.ByOperation(op)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slos": statuses,
		"slis": indicators,
	})
}

// defaultServiceLevels declares the gate's objectives and the indicators
// backing them. The decision path is the one SLO that pages: every admitted
// or rejected request must be judged quickly and without server faults.
func defaultServiceLevels() (*observability.SLOTracker, *observability.SLIRegistry) {
	slos := observability.NewSLOTracker()
	slos.SetTarget(&observability.SLOTarget{
		SLOID:       "slo-gate-evaluate",
		Name:        "Gate decision latency and availability",
		Operation:   "evaluate",
		LatencyP99:  50 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})

	slis := observability.NewSLIRegistry()
	_ = slis.Register(&observability.SLI{
		SLIID:           "sli-evaluate-latency",
		Name:            "Decision latency",
		Operation:       "evaluate",
		Source:          observability.SLISourceMetric,
		Unit:            "ms",
		GoodEventQuery:  "gate_request_duration_seconds{le=0.05}",
		TotalEventQuery: "gate_request_duration_seconds_count",
	})
	_ = slis.Register(&observability.SLI{
		SLIID:           "sli-evaluate-availability",
		Name:            "Decision availability",
		Operation:       "evaluate",
		Source:          observability.SLISourceMetric,
		Unit:            "%",
		GoodEventQuery:  "gate_requests_total - gate_errors_total",
		TotalEventQuery: "gate_requests_total",
	})
	_ = slis.LinkToSLO("sli-evaluate-latency", "slo-gate-evaluate")
	_ = slis.LinkToSLO("sli-evaluate-availability", "slo-gate-evaluate")
	return slos, slis
}

func (s *gateServer) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	var req audit.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "Request body must be JSON with start_time and end_time")
		return
	}

	pack, checksum, err := s.exporter.GeneratePack(r.Context(), req)
	switch {
	case errors.Is(err, audit.ErrInvalidTimeRange):
		api.WriteBadRequest(w, "start_time must be before end_time")
		return
	case err != nil:
		api.WriteInternal(w, err)
		return
	}

	if s.packs != nil {
		addr, err := s.packs.Put(r.Context(), pack)
		if err != nil {
			s.logger.Warn("evidence pack archive failed", "error", err)
		} else {
			w.Header().Set("X-Archive-Address", addr)
		}
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=audit-pack-%s.zip", time.Now().UTC().Format("20060102T150405Z")))
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pack); err != nil {
		s.logger.Warn("evidence pack write aborted", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
