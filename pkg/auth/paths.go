package auth

import "strings"

// PublicPaths is the allow-list of endpoints reachable without a bearer
// token. Entries ending in "/" match as prefixes; everything else matches
// exactly. Requests to public paths are also exempt from session timeout
// enforcement, though rate limiting still applies by client address.
type PublicPaths []string

// DefaultPublicPaths covers probes and the login endpoint.
var DefaultPublicPaths = PublicPaths{
	"/health",
	"/readiness",
	"/startup",
	"/api/auth/login",
	"/static/",
}

// Match reports whether path is exempt from authentication.
func (p PublicPaths) Match(path string) bool {
	for _, entry := range p {
		if strings.HasSuffix(entry, "/") {
			if strings.HasPrefix(path, entry) {
				return true
			}
			continue
		}
		if path == entry {
			return true
		}
	}
	return false
}
