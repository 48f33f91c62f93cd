package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultJWKSTTL is how long a fetched key set is trusted before a
// re-fetch is forced.
const DefaultJWKSTTL = 15 * time.Minute

var (
	errKeySetUnavailable = errors.New("auth: key set unavailable")
	errKeyNotFound       = errors.New("auth: signing key not found")
)

// CacheStats reports key-cache behavior for observability surfaces.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Refreshes int64 `json:"refreshes"`
}

// JWKSVerifier validates RS256 tokens against a remote JWKS endpoint. Keys
// are cached for a TTL; an unknown kid or a stale cache triggers a single
// re-fetch before the token is rejected.
type JWKSVerifier struct {
	url    string
	ttl    time.Duration
	issuer string
	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	refreshes atomic.Int64
}

// NewJWKSVerifier creates a verifier for the given JWKS URL. ttl <= 0 uses
// DefaultJWKSTTL. issuer is optional; when set, tokens must carry it.
func NewJWKSVerifier(url string, ttl time.Duration, issuer string) *JWKSVerifier {
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	return &JWKSVerifier{
		url:    url,
		ttl:    ttl,
		issuer: issuer,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// DiscoverJWKSURL resolves an issuer's JWKS endpoint through OIDC discovery.
func DiscoverJWKSURL(ctx context.Context, issuerURL string) (string, error) {
	url := fmt.Sprintf("%s/.well-known/openid-configuration", issuerURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery failed: %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", err
	}
	if doc.JWKSURI == "" {
		return "", errors.New("oidc discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// Verify parses and validates an RS256 token against the cached key set.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) Result {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token has no kid header", errKeyNotFound)
		}
		return v.keyFor(ctx, kid)
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, errKeySetUnavailable):
			return invalid(ReasonKeySetUnavailable)
		case errors.Is(err, errKeyNotFound):
			return invalid(ReasonSignatureInvalid)
		default:
			return invalid(classifyTokenError(err))
		}
	}
	if !parsed.Valid {
		return invalid(ReasonInvalid)
	}
	if claims.Subject == "" {
		return invalid(ReasonMissingSubject)
	}
	return Result{Valid: true, Claims: claims}
}

// Stats returns a snapshot of cache counters.
func (v *JWKSVerifier) Stats() CacheStats {
	return CacheStats{
		Hits:      v.hits.Load(),
		Misses:    v.misses.Load(),
		Refreshes: v.refreshes.Load(),
	}
}

// keyFor returns the public key for kid, refreshing the cache when it is
// stale or the kid is unknown.
func (v *JWKSVerifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := v.keys != nil && v.now().Sub(v.fetchedAt) < v.ttl
	if fresh {
		if key, ok := v.keys[kid]; ok {
			v.hits.Add(1)
			return key, nil
		}
	}

	v.misses.Add(1)
	if err := v.refreshLocked(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", errKeySetUnavailable, err)
	}
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", errKeyNotFound, kid)
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// refreshLocked fetches the key set. Caller holds v.mu.
func (v *JWKSVerifier) refreshLocked(ctx context.Context) error {
	v.refreshes.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch failed: %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("jwks decode failed: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks document contains no usable RSA keys")
	}

	v.keys = keys
	v.fetchedAt = v.now()
	return nil
}

func (k jwksKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, errors.New("bad exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
