// Package api implements the HTTP REST layer of the GreenOps server. It
// uses Chi as the router and exposes all resources under /api/v1, plus the
// unauthenticated /healthz and /metrics endpoints at the root.
//
// Two authentication schemes coexist: operators present a JWT Bearer token
// (Authenticate middleware), agents present their opaque machine token
// (AuthenticateAgent middleware). Role-based access (admin vs viewer) is
// applied at the route level via RequireRole.
package api

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/iamdevdhanush/Green/internal/protocol"
)

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response. Success payloads are written bare, not
// wrapped in an envelope: agents and the dashboard consume the documented
// body shapes directly.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, payload)
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code. Every non-2xx body has the same shape:
//
//	{"error": {"message": "...", "code": "..."}}
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, protocol.ErrorEnvelope{
		Error: protocol.ErrorBody{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response. The
// WWW-Authenticate challenge tells both token kinds apart from a plain 403.
func ErrUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 Conflict error response. Used when the request
// races a concurrent change: duplicate username, conflicting command result.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrStateConflict writes a 400 with code "conflict". Business-state
// violations ("shutdown only allowed for idle machines", "command does not
// belong to this machine") are client errors with a surfaced reason, not
// races.
func ErrStateConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "conflict")
}

// ErrValidation writes a 400 with code "validation_error" for well-formed
// JSON whose fields fail constraint checks (bad MAC, out-of-range idle).
func ErrValidation(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "validation_error")
}

// ErrTooManyRequests writes a 429 with a Retry-After header so well-behaved
// clients know when the bucket refills.
func ErrTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	errJSON(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// parseUUID extracts and parses the named Chi URL parameter. Returns false
// after writing a 400 when the segment is not a valid UUID.
func parseUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrBadRequest(w, "invalid "+name+": must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// clientIP returns the request's remote IP without the port. Chi's RealIP
// middleware has already folded X-Forwarded-For / X-Real-IP into RemoteAddr
// by the time handlers run.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
