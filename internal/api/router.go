package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/cache"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/dispatch"
	"github.com/iamdevdhanush/Green/internal/events"
	"github.com/iamdevdhanush/Green/internal/metrics"
	"github.com/iamdevdhanush/Green/internal/ratelimit"
	"github.com/iamdevdhanush/Green/internal/registry"
	"github.com/iamdevdhanush/Green/internal/repository"
	"github.com/iamdevdhanush/Green/internal/telemetry"
)

// RouterConfig holds the dependencies NewRouter wires into the HTTP tree.
type RouterConfig struct {
	Store       *repository.Store
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Registry    *registry.Service
	Telemetry   *telemetry.Service
	Dispatch    *dispatch.Service
	Hub         *events.Hub
	Cache       *cache.Cache
	Logger      *zap.Logger

	// GeneralLimiter covers every /api/v1 route; LoginLimiter additionally
	// throttles the login endpoint with a much smaller bucket.
	GeneralLimiter *ratelimit.Limiter
	LoginLimiter   *ratelimit.Limiter

	// CORSOrigins lists the origins allowed to call the API from a browser.
	// Empty means same-origin deployments only.
	CORSOrigins []string
}

// NewRouter builds and returns the fully configured Chi router.
// All resources live under /api/v1; /healthz and /metrics are served at the
// root without authentication.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy. Everything after
	// this middleware sees one normalized client address.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// HTTPMiddleware records the latency histogram by chi route pattern.
	r.Use(metrics.HTTPMiddleware)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// --- Initialize handlers ---
	agentHandler := NewAgentHandler(cfg.Registry, cfg.Telemetry, cfg.Dispatch, cfg.Logger)
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	machineHandler := NewMachineHandler(cfg.Store, cfg.Registry, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Dispatch, cfg.Store, cfg.Logger)
	userHandler := NewUserHandler(cfg.Store, cfg.Logger)
	dashboardHandler := NewDashboardHandler(cfg.Store, cfg.Cache, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.Store, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.JWTManager, cfg.Logger)

	// Liveness endpoints stay outside the rate limiter so load balancer
	// probes and scrapers cannot be starved by API traffic from the same
	// address.
	r.Get("/healthz", healthHandler(cfg.Store, cfg.Logger))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(cfg.GeneralLimiter))

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/agents/register", agentHandler.Register)
			r.With(RateLimit(cfg.LoginLimiter)).Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// --- Agent routes (machine token required) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateAgent(cfg.Registry))

			r.Post("/agents/heartbeat", agentHandler.Heartbeat)
			r.Get("/agents/commands/poll", agentHandler.Poll)
			r.Post("/agents/commands/result", agentHandler.Result)
		})

		// --- Operator routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/machines", machineHandler.List)
			r.Get("/machines/{id}", machineHandler.GetByID)
			r.Get("/machines/{id}/heartbeats", machineHandler.Heartbeats)

			r.Get("/dashboard/overview", dashboardHandler.Overview)
			r.Get("/dashboard/timeseries", dashboardHandler.FleetTimeseries)
			r.Get("/dashboard/timeseries/{id}", dashboardHandler.Timeseries)
			r.Get("/analytics/monthly", dashboardHandler.Monthly)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(db.RoleAdmin))

				r.Post("/commands/shutdown", commandHandler.IssueShutdown)
				r.Get("/commands", commandHandler.List)

				r.Patch("/machines/{id}", machineHandler.Update)
				r.Delete("/machines/{id}", machineHandler.Delete)

				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				r.Get("/audit", auditHandler.List)
			})
		})

		// WebSocket auth rides on a token query parameter, so the route
		// stays outside the Authenticate group; ServeWS validates the JWT
		// itself before upgrading.
		r.Get("/events/ws", wsHandler.ServeWS)
	})

	return r
}

// healthHandler reports process and database liveness. 200 means the server
// can reach its storage; 503 tells the supervisor to restart or reroute.
func healthHandler(store *repository.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
