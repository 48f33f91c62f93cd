// Package config loads gate configuration from the environment, optionally
// overlaid with a schema-validated deployment profile. Configuration errors
// are the only errors the gate treats as fatal at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/ratelimit"
	"github.com/Mindburn-Labs/aegis/pkg/session"
)

// Config holds the full gate configuration.
type Config struct {
	Port     string
	LogLevel string

	// Token verification. Exactly one mode is active: a shared HS256 secret
	// (single-service deployments) or a JWKS URL (federated issuers).
	JWTSecret    string
	JWTIssuer    string
	JWKSURL      string
	JWKSCacheTTL time.Duration

	// Authorization. An empty service URL selects the embedded in-memory
	// relationship backend.
	StrictMode      bool
	AuthzServiceURL string
	AuthzStoreID    string
	AuthzModelID    string
	AuthzCacheTTL   time.Duration

	// Optional CEL expressions refining authorization behavior: which
	// check relations count as writes (cache bypass), and which checks
	// must fail closed even in permissive mode.
	AuthzWriteRule   string
	AuthzForceStrict string

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	SessionInactivityTimeout time.Duration
	SessionMaxConcurrent     int

	// RateLimits maps each tier to its requests-per-minute quota.
	RateLimits ratelimit.Limits

	// Redis backs sessions and rate limiting when set; empty keeps both
	// in-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// CredentialsFile enables the bundled development login endpoint.
	CredentialsFile string

	// MeterDSN selects the PostgreSQL usage meter; empty keeps metering
	// in-process. AuditDBPath enables the SQLite audit archive.
	MeterDSN    string
	AuditDBPath string

	// ProfilePath points at an optional deployment profile overlay.
	ProfilePath string

	// Observability. An empty OTLP endpoint disables export.
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRate   float64
	Environment  string
}

// env reads typed environment variables, remembering the first parse failure
// so Load can report it.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
	}
	if err != nil {
		return def
	}
	return parsed
}

func (e *env) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
	}
	if err != nil {
		return def
	}
	return parsed
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
	}
	if err != nil {
		return def
	}
	return parsed
}

func (e *env) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
	}
	if err != nil {
		return def
	}
	return parsed
}

// Load reads configuration from environment variables. Unset variables fall
// back to development defaults; malformed values are returned as errors so
// the caller can refuse to start.
func Load() (*Config, error) {
	var e env
	cfg := &Config{
		Port:     e.str("PORT", "8080"),
		LogLevel: e.str("LOG_LEVEL", "info"),

		JWTSecret:    e.str("AEGIS_JWT_SECRET", ""),
		JWTIssuer:    e.str("AEGIS_JWT_ISSUER", ""),
		JWKSURL:      e.str("AEGIS_JWKS_URL", ""),
		JWKSCacheTTL: e.duration("AEGIS_JWKS_CACHE_TTL", 5*time.Minute),

		StrictMode:      e.boolean("AEGIS_STRICT_MODE", false),
		AuthzServiceURL: e.str("AEGIS_AUTHZ_SERVICE_URL", ""),
		AuthzStoreID:    e.str("AEGIS_AUTHZ_STORE_ID", ""),
		AuthzModelID:    e.str("AEGIS_AUTHZ_MODEL_ID", ""),
		AuthzCacheTTL:   e.duration("AEGIS_AUTHZ_CACHE_TTL", 0),

		AuthzWriteRule:   e.str("AEGIS_AUTHZ_WRITE_RULE", ""),
		AuthzForceStrict: e.str("AEGIS_AUTHZ_FORCE_STRICT", ""),

		BreakerFailureThreshold: e.integer("AEGIS_BREAKER_FAILURE_THRESHOLD", breaker.DefaultFailureThreshold),
		BreakerRecoveryTimeout:  e.duration("AEGIS_BREAKER_RECOVERY_TIMEOUT", breaker.DefaultRecoveryTimeout),

		SessionInactivityTimeout: e.duration("AEGIS_SESSION_INACTIVITY_TIMEOUT", session.DefaultInactivityTimeout),
		SessionMaxConcurrent:     e.integer("AEGIS_SESSION_MAX_CONCURRENT", session.DefaultMaxConcurrent),

		RateLimits: ratelimit.Limits{
			ratelimit.TierAnonymous:  e.integer("AEGIS_RATE_LIMIT_ANONYMOUS", ratelimit.DefaultLimits[ratelimit.TierAnonymous]),
			ratelimit.TierStandard:   e.integer("AEGIS_RATE_LIMIT_STANDARD", ratelimit.DefaultLimits[ratelimit.TierStandard]),
			ratelimit.TierPremium:    e.integer("AEGIS_RATE_LIMIT_PREMIUM", ratelimit.DefaultLimits[ratelimit.TierPremium]),
			ratelimit.TierEnterprise: e.integer("AEGIS_RATE_LIMIT_ENTERPRISE", ratelimit.DefaultLimits[ratelimit.TierEnterprise]),
		},

		RedisAddr:     e.str("AEGIS_REDIS_ADDR", ""),
		RedisPassword: e.str("AEGIS_REDIS_PASSWORD", ""),
		RedisDB:       e.integer("AEGIS_REDIS_DB", 0),

		CredentialsFile: e.str("AEGIS_CREDENTIALS_FILE", ""),

		MeterDSN:    e.str("AEGIS_METER_DSN", ""),
		AuditDBPath: e.str("AEGIS_AUDIT_DB", ""),

		ProfilePath: e.str("AEGIS_PROFILE", ""),

		OTLPEndpoint: e.str("AEGIS_OTLP_ENDPOINT", ""),
		OTLPInsecure: e.boolean("AEGIS_OTLP_INSECURE", false),
		SampleRate:   e.float("AEGIS_TRACE_SAMPLE_RATE", 1.0),
		Environment:  e.str("AEGIS_ENVIRONMENT", "development"),
	}
	if e.err != nil {
		return nil, e.err
	}

	if cfg.ProfilePath != "" {
		profile, err := LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		if err := profile.Apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks cross-field invariants. Every violation here must abort
// startup; a gate running with a broken quota table or without a verifier
// key admits traffic it cannot judge.
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.JWKSURL == "" {
		return errors.New("config: AEGIS_JWT_SECRET or AEGIS_JWKS_URL is required")
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("config: breaker failure threshold must be at least 1, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerRecoveryTimeout <= 0 {
		return fmt.Errorf("config: breaker recovery timeout must be positive, got %s", c.BreakerRecoveryTimeout)
	}
	if c.SessionInactivityTimeout <= 0 {
		return fmt.Errorf("config: session inactivity timeout must be positive, got %s", c.SessionInactivityTimeout)
	}
	if c.SessionMaxConcurrent < 1 {
		return fmt.Errorf("config: session max concurrent must be at least 1, got %d", c.SessionMaxConcurrent)
	}
	if c.AuthzCacheTTL < 0 {
		return fmt.Errorf("config: authz cache ttl must not be negative, got %s", c.AuthzCacheTTL)
	}
	if err := c.RateLimits.Validate(); err != nil {
		return err
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("config: trace sample rate must be within [0, 1], got %v", c.SampleRate)
	}
	return nil
}
