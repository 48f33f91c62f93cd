// Package auth verifies bearer tokens and carries the resulting principal
// through request contexts. Verification never returns a Go error for a bad
// token: callers always receive a Result whose Reason is a stable string they
// can log and branch on.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims expected by the gate.
type Claims struct {
	jwt.RegisteredClaims
	Username  string   `json:"username,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Plan      string   `json:"plan,omitempty"`
	SessionID string   `json:"sid,omitempty"`
}

// Verification failure reasons. These are stable identifiers, safe to log
// and to match in tests; they never contain token material.
const (
	ReasonExpired           = "expired"
	ReasonNotYetValid       = "not_yet_valid"
	ReasonMalformed         = "malformed"
	ReasonSignatureInvalid  = "signature_invalid"
	ReasonClaimsInvalid     = "claims_invalid"
	ReasonUnverifiable      = "unverifiable"
	ReasonMissingSubject    = "missing_subject"
	ReasonKeySetUnavailable = "key_set_unavailable"
	ReasonInvalid           = "invalid"
)

// Result is the outcome of verifying one token. Valid is false whenever
// Claims is nil; Reason is set only on failure.
type Result struct {
	Valid  bool
	Claims *Claims
	Reason string
}

func invalid(reason string) Result {
	return Result{Valid: false, Reason: reason}
}

// Verifier validates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) Result
}

// classifyTokenError maps jwt/v5 parse errors onto stable reasons.
func classifyTokenError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonSignatureInvalid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ReasonClaimsInvalid
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonUnverifiable
	default:
		return ReasonInvalid
	}
}

// SecretVerifier validates HS256 tokens against a shared secret. This is the
// single-service deployment mode; federated deployments use JWKSVerifier.
type SecretVerifier struct {
	secret []byte
	issuer string
}

// NewSecretVerifier creates a shared-secret verifier. issuer is optional;
// when set, tokens must carry it.
func NewSecretVerifier(secret []byte, issuer string) *SecretVerifier {
	return &SecretVerifier{secret: secret, issuer: issuer}
}

// Verify parses and validates an HS256 token.
func (v *SecretVerifier) Verify(_ context.Context, token string) Result {
	if len(v.secret) == 0 {
		return invalid(ReasonKeySetUnavailable)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return invalid(classifyTokenError(err))
	}
	if !parsed.Valid {
		return invalid(ReasonInvalid)
	}
	if claims.Subject == "" {
		return invalid(ReasonMissingSubject)
	}
	return Result{Valid: true, Claims: claims}
}

// SignHS256 mints an HS256 token for the given claims. Used by the bundled
// development login handler and by tests; production identity providers sign
// their own tokens.
func SignHS256(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// PrincipalFromClaims builds the request principal from verified claims.
func PrincipalFromClaims(c *Claims) *BasePrincipal {
	username := c.Username
	if username == "" {
		username = c.Subject
	}
	return &BasePrincipal{
		ID:        c.Subject,
		Username:  username,
		Roles:     c.Roles,
		Plan:      c.Plan,
		SessionID: c.SessionID,
	}
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
