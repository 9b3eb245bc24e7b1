package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/metrics"
	"github.com/iamdevdhanush/Green/internal/ratelimit"
	"github.com/iamdevdhanush/Green/internal/registry"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyUser is the context key under which the authenticated
	// operator's *auth.Claims are stored after successful JWT validation.
	contextKeyUser contextKey = iota

	// contextKeyMachine is the context key under which the authenticated
	// agent's *db.Machine is stored after token resolution.
	contextKeyMachine
)

// Authenticate is a middleware that validates the JWT Bearer token present in
// the Authorization header. On success it stores the parsed claims in the
// request context so downstream handlers can retrieve them via claimsFromCtx.
// On failure it writes a 401 and stops the chain.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(jwtMgr *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				ErrUnauthorized(w)
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(raw)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateAgent validates the machine token agents send on heartbeat,
// poll, and result requests. The token is accepted either as a Bearer token
// ("Authorization: Bearer agt_...") or in the X-API-Key header; the agt_
// prefix keeps agent credentials and operator JWTs apart on the shared
// Authorization header. The resolved machine is stored in the request
// context for machineFromCtx.
func AuthenticateAgent(reg *registry.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				raw = r.Header.Get("X-API-Key")
			}
			if raw == "" {
				ErrUnauthorized(w)
				return
			}

			machine, err := reg.ResolveAgentToken(r.Context(), raw)
			if err != nil {
				if errors.Is(err, registry.ErrInvalidToken) {
					ErrUnauthorized(w)
				} else {
					ErrInternal(w)
				}
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyMachine, machine)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns a middleware that allows the request to proceed only if
// the authenticated operator has the specified role. It must be used after
// Authenticate in the middleware chain, since it reads claims from context.
//
// Usage:
//
//	r.With(RequireRole("admin")).Get("/users", listUsers)
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromCtx(r.Context())
			if claims == nil {
				// Should never happen if Authenticate runs first.
				ErrUnauthorized(w)
				return
			}
			if claims.Role != role {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces a per-remote-address token bucket. Requests over the
// budget get a 429 with Retry-After; limiter backend failures fail open so a
// broken limiter cannot take the API down with it.
func RateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, _, retryAfter, err := l.Take(r.Context(), ratelimit.ClientKey(r))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RateLimited.Inc()
				ErrTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and bytes.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// bearerToken extracts the credential from an "Authorization: Bearer <x>"
// header, or "" when the header is absent or malformed.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// claimsFromCtx retrieves the JWT claims stored by the Authenticate middleware.
// Returns nil if no claims are present (i.e. the request is unauthenticated).
// Handler functions use this to access the current operator's ID and role.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}

// machineFromCtx retrieves the machine stored by AuthenticateAgent.
// Returns nil if the request did not pass agent authentication.
func machineFromCtx(ctx context.Context) *db.Machine {
	machine, _ := ctx.Value(contextKeyMachine).(*db.Machine)
	return machine
}
