// Package api writes RFC 7807 Problem Detail error responses for the gate's
// HTTP edge.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Problem type URIs. Rejections that clients are expected to branch on
// (session timeout versus plain authentication failure) get a named type;
// everything else uses the numeric form.
const (
	problemBase        = "https://aegis.mindburn.dev/errors"
	TypeSessionExpired = problemBase + "/session-expired"
	TypeBreakerOpen    = problemBase + "/dependency-open"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All gate rejections use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s/%d", problemBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s/%d", problemBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response for a missing or invalid
// credential.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteSessionExpired writes a 401 with the named session-expired problem
// type so clients can distinguish an inactivity logoff from a bad credential.
func WriteSessionExpired(w http.ResponseWriter) {
	writeProblem(w, &ProblemDetail{
		Type:   TypeSessionExpired,
		Title:  "Session Expired",
		Status: http.StatusUnauthorized,
		Detail: "Session ended after a period of inactivity. Sign in again to continue.",
	})
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
// The detail should carry the limit class (tier and key kind), never the
// principal's attributes.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int, detail string) {
	if detail == "" {
		detail = "Rate limit exceeded. Retry after the specified interval."
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", detail)
}

// WriteServiceUnavailable writes a 503 with Retry-After, used when a hard
// dependency (session store) cannot serve the request.
func WriteServiceUnavailable(w http.ResponseWriter, retryAfterSecs int, detail string) {
	if detail == "" {
		detail = "A required dependency is unavailable. Please retry."
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, &ProblemDetail{
		Type:   TypeBreakerOpen,
		Title:  "Service Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: detail,
	})
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
