// Package metrics exposes the server's Prometheus collectors. Collectors
// are registered on the default registry at package load; the /metrics
// endpoint serves them via promhttp.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HeartbeatsTotal counts accepted heartbeat submissions.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenops_heartbeats_total",
		Help: "Number of heartbeats accepted by the telemetry ingestor.",
	})

	// EnergyWastedKWh accumulates the energy credited to idle machines.
	EnergyWastedKWh = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenops_energy_wasted_kwh_total",
		Help: "Cumulative idle energy accounted across the fleet, in kWh.",
	})

	// CommandsTotal counts shutdown command lifecycle transitions by the
	// state entered (pending, executed, rejected, expired).
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenops_shutdown_commands_total",
		Help: "Shutdown command transitions by resulting status.",
	}, []string{"status"})

	// ReaperMarkedOffline counts machines the reaper transitioned to offline.
	ReaperMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenops_reaper_marked_offline_total",
		Help: "Machines marked offline by the stale-machine reaper.",
	})

	// LoginFailures counts rejected operator logins.
	LoginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenops_login_failures_total",
		Help: "Operator login attempts rejected for bad credentials or lockout.",
	})

	// RateLimited counts requests refused by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenops_rate_limited_total",
		Help: "Requests rejected with 429 by the rate limiter.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "greenops_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern, method and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// RegisterConnectedClients exposes the WebSocket client count as a gauge.
// Call once at startup with the hub's ConnectedCount.
func RegisterConnectedClients(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "greenops_ws_connected_clients",
		Help: "Currently connected dashboard WebSocket clients.",
	}, func() float64 { return float64(count()) })
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware records request latency labelled by chi route pattern.
// Unmatched requests are labelled "unmatched" so raw URLs never become
// label values.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpDuration.WithLabelValues(
			r.Method,
			route,
			strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}
