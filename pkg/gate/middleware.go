package gate

import (
	"net"
	"net/http"

	"github.com/Mindburn-Labs/aegis/pkg/api"
	"github.com/Mindburn-Labs/aegis/pkg/auth"
)

// Middleware runs the pipeline without an authorization stage. Routes that
// guard a specific resource use Protect instead.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return g.handler(next, "", "")
}

// Protect runs the full pipeline including an authorization check of the
// request principal against the given relation on the given object.
func (g *Gate) Protect(relation, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.handler(next, relation, resource)
	}
}

func (g *Gate) handler(next http.Handler, relation, resource string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := auth.BearerFromHeader(r.Header.Get("Authorization"))
		resp := g.Evaluate(r.Context(), Request{
			Token:      token,
			RemoteAddr: clientAddr(r),
			Path:       r.URL.Path,
			Relation:   relation,
			Resource:   resource,
		})
		if !resp.Allowed {
			writeRejection(w, resp)
			return
		}
		ctx := r.Context()
		if resp.Principal != nil {
			ctx = auth.WithPrincipal(ctx, resp.Principal)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeRejection translates a Response into the wire error format. Session
// expiry gets its named problem type; everything else maps by status.
func writeRejection(w http.ResponseWriter, resp Response) {
	switch {
	case resp.Status == http.StatusUnauthorized && resp.Reason == ReasonSessionExpired:
		api.WriteSessionExpired(w)
	case resp.Status == http.StatusUnauthorized && resp.Reason == ReasonSessionNotFound:
		api.WriteUnauthorized(w, "Session is no longer active")
	case resp.Status == http.StatusUnauthorized && resp.Reason == ReasonMissingToken:
		api.WriteUnauthorized(w, "Missing or malformed bearer token")
	case resp.Status == http.StatusUnauthorized:
		api.WriteUnauthorized(w, "Invalid or expired token")
	case resp.Status == http.StatusForbidden:
		api.WriteForbidden(w, "")
	case resp.Status == http.StatusTooManyRequests:
		detail := "Rate limit exceeded"
		if resp.RateLimit != nil {
			detail = "Rate limit exceeded for " + string(resp.RateLimit.Tier) + " tier (" + keyClass(resp.RateLimit.Key) + " bucket)"
		}
		api.WriteTooManyRequests(w, resp.RetryAfter, detail)
	case resp.Status == http.StatusServiceUnavailable:
		api.WriteServiceUnavailable(w, resp.RetryAfter, "Session service unavailable")
	default:
		api.WriteError(w, resp.Status, http.StatusText(resp.Status), "")
	}
}

// clientAddr extracts the client host from the request, dropping the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
