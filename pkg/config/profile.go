package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/aegis/pkg/ratelimit"
)

// profileSchema is the JSON Schema every deployment profile must satisfy.
// Unknown keys are rejected so a typo in a profile fails startup instead of
// silently keeping the default.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "strict_mode": {"type": "boolean"},
    "circuit_breaker": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "failure_threshold": {"type": "integer", "minimum": 1},
        "recovery_timeout": {"type": "string", "minLength": 2}
      }
    },
    "session": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "inactivity_timeout": {"type": "string", "minLength": 2},
        "max_concurrent": {"type": "integer", "minimum": 1}
      }
    },
    "rate_limit_tiers": {
      "type": "object",
      "propertyNames": {"enum": ["anonymous", "standard", "premium", "enterprise"]},
      "additionalProperties": {"type": "integer", "minimum": 1}
    },
    "authz_cache_ttl": {"type": "string", "minLength": 2}
  }
}`

// Profile is a named deployment overlay (for example "production" or a
// customer-specific hardening profile). Only the fields a profile sets
// override the environment configuration.
type Profile struct {
	Name       string `yaml:"name"`
	StrictMode *bool  `yaml:"strict_mode,omitempty"`

	CircuitBreaker struct {
		FailureThreshold int    `yaml:"failure_threshold,omitempty"`
		RecoveryTimeout  string `yaml:"recovery_timeout,omitempty"`
	} `yaml:"circuit_breaker,omitempty"`

	Session struct {
		InactivityTimeout string `yaml:"inactivity_timeout,omitempty"`
		MaxConcurrent     int    `yaml:"max_concurrent,omitempty"`
	} `yaml:"session,omitempty"`

	RateLimitTiers map[string]int `yaml:"rate_limit_tiers,omitempty"`

	AuthzCacheTTL string `yaml:"authz_cache_ttl,omitempty"`
}

// LoadProfile reads and schema-validates a deployment profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}

	// Validate the raw document before binding it to the struct, so unknown
	// keys and type mismatches surface as schema violations.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	schema, err := compileProfileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: profile %s: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &profile, nil
}

func compileProfileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://aegis.schemas.local/deployment-profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
		return nil, fmt.Errorf("config: profile schema load failed: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("config: profile schema compile failed: %w", err)
	}
	return schema, nil
}

// Apply overlays the profile's set fields onto cfg. Duration strings use Go
// syntax ("90s", "45m").
func (p *Profile) Apply(cfg *Config) error {
	if p.StrictMode != nil {
		cfg.StrictMode = *p.StrictMode
	}

	if p.CircuitBreaker.FailureThreshold > 0 {
		cfg.BreakerFailureThreshold = p.CircuitBreaker.FailureThreshold
	}
	if p.CircuitBreaker.RecoveryTimeout != "" {
		d, err := time.ParseDuration(p.CircuitBreaker.RecoveryTimeout)
		if err != nil {
			return fmt.Errorf("config: profile %s: circuit_breaker.recovery_timeout: %w", p.Name, err)
		}
		cfg.BreakerRecoveryTimeout = d
	}

	if p.Session.InactivityTimeout != "" {
		d, err := time.ParseDuration(p.Session.InactivityTimeout)
		if err != nil {
			return fmt.Errorf("config: profile %s: session.inactivity_timeout: %w", p.Name, err)
		}
		cfg.SessionInactivityTimeout = d
	}
	if p.Session.MaxConcurrent > 0 {
		cfg.SessionMaxConcurrent = p.Session.MaxConcurrent
	}

	if len(p.RateLimitTiers) > 0 && cfg.RateLimits == nil {
		cfg.RateLimits = make(ratelimit.Limits, len(p.RateLimitTiers))
	}
	for name, limit := range p.RateLimitTiers {
		tier := ratelimit.Tier(name)
		switch tier {
		case ratelimit.TierAnonymous, ratelimit.TierStandard, ratelimit.TierPremium, ratelimit.TierEnterprise:
			cfg.RateLimits[tier] = limit
		default:
			return fmt.Errorf("config: profile %s: unknown rate limit tier %q", p.Name, name)
		}
	}

	if p.AuthzCacheTTL != "" {
		d, err := time.ParseDuration(p.AuthzCacheTTL)
		if err != nil {
			return fmt.Errorf("config: profile %s: authz_cache_ttl: %w", p.Name, err)
		}
		cfg.AuthzCacheTTL = d
	}

	return nil
}
