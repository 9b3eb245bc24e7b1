package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/cache"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// DashboardHandler serves the aggregate read endpoints behind the operator
// dashboard: fleet overview, per-machine time series, and the monthly
// analytics listing. The overview is the hottest query and is cached in
// redis when a cache is configured; writes invalidate the key.
type DashboardHandler struct {
	store  *repository.Store
	cache  *cache.Cache
	logger *zap.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(store *repository.Store, c *cache.Cache, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{
		store:  store,
		cache:  c,
		logger: logger.Named("dashboard_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// wasteTotals is the common shape for summed idle-waste counters.
type wasteTotals struct {
	IdleSeconds int64   `json:"idle_seconds"`
	EnergyKWh   float64 `json:"energy_kwh"`
	CostUSD     float64 `json:"cost_usd"`
	CO2Kg       float64 `json:"co2_kg"`
}

// machineCounts breaks the fleet down by liveness state.
type machineCounts struct {
	Total    int64 `json:"total"`
	Online   int64 `json:"online"`
	Idle     int64 `json:"idle"`
	Offline  int64 `json:"offline"`
	Shutdown int64 `json:"shutdown"`
}

// overviewResponse is the body of GET /api/v1/dashboard/overview.
type overviewResponse struct {
	Machines    machineCounts `json:"machines"`
	Totals      wasteTotals   `json:"totals"`
	Last24h     wasteTotals   `json:"last_24h"`
	GeneratedAt string        `json:"generated_at"`
}

// timeseriesPoint is one UTC-day bucket of summed heartbeat deltas.
type timeseriesPoint struct {
	Day         string  `json:"day"`
	IdleSeconds int64   `json:"idle_seconds"`
	EnergyKWh   float64 `json:"energy_kwh"`
	CostUSD     float64 `json:"cost_usd"`
	CO2Kg       float64 `json:"co2_kg"`
}

// timeseriesResponse is the body of the dashboard timeseries endpoints.
type timeseriesResponse struct {
	From   string            `json:"from"`
	To     string            `json:"to"`
	Points []timeseriesPoint `json:"points"`
}

// monthlyResponse is one monthly analytics row.
type monthlyResponse struct {
	MachineID       *string  `json:"machine_id"`
	Year            int      `json:"year"`
	Month           int      `json:"month"`
	IdleSeconds     int64    `json:"idle_seconds"`
	EnergyKWh       float64  `json:"energy_kwh"`
	CostUSD         float64  `json:"cost_usd"`
	CO2Kg           float64  `json:"co2_kg"`
	EnergyChangePct *float64 `json:"energy_change_pct"`
	CostChangePct   *float64 `json:"cost_change_pct"`
}

// listMonthlyResponse wraps the monthly analytics listing.
type listMonthlyResponse struct {
	Items []monthlyResponse `json:"items"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Overview handles GET /api/v1/dashboard/overview.
func (h *DashboardHandler) Overview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cached overviewResponse
	if h.cache.Get(ctx, cache.KeyDashboardSummary, &cached) {
		Ok(w, cached)
		return
	}

	counts, err := h.store.Machines.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to count machines", zap.Error(err))
		ErrInternal(w)
		return
	}

	totals, err := h.store.Machines.FleetTotals(ctx)
	if err != nil {
		h.logger.Error("failed to sum fleet totals", zap.Error(err))
		ErrInternal(w)
		return
	}

	now := time.Now().UTC()
	recent, err := h.store.Heartbeats.AggregateRange(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		h.logger.Error("failed to aggregate last 24h", zap.Error(err))
		ErrInternal(w)
		return
	}
	var last24 wasteTotals
	for _, p := range recent {
		last24.IdleSeconds += p.IdleSeconds
		last24.EnergyKWh += p.EnergyKWh
		last24.CostUSD += p.CostUSD
		last24.CO2Kg += p.CO2Kg
	}

	resp := overviewResponse{
		Machines: machineCounts{
			Total:    counts[db.StatusOnline] + counts[db.StatusIdle] + counts[db.StatusOffline] + counts[db.StatusShutdown],
			Online:   counts[db.StatusOnline],
			Idle:     counts[db.StatusIdle],
			Offline:  counts[db.StatusOffline],
			Shutdown: counts[db.StatusShutdown],
		},
		Totals: wasteTotals{
			IdleSeconds: totals.TotalIdleSeconds,
			EnergyKWh:   totals.EnergyKWh,
			CostUSD:     totals.CostUSD,
			CO2Kg:       totals.CO2Kg,
		},
		Last24h:     last24,
		GeneratedAt: now.Format(time.RFC3339),
	}

	h.cache.Set(ctx, cache.KeyDashboardSummary, resp)

	Ok(w, resp)
}

// Timeseries handles GET /api/v1/dashboard/timeseries/{id}: per-day summed
// deltas for one machine. ?days= bounds the window (default 30, max 365).
func (h *DashboardHandler) Timeseries(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.store.Machines.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.writeTimeseries(w, r, &id)
}

// FleetTimeseries handles GET /api/v1/dashboard/timeseries: per-day summed
// deltas across the whole fleet.
func (h *DashboardHandler) FleetTimeseries(w http.ResponseWriter, r *http.Request) {
	h.writeTimeseries(w, r, nil)
}

func (h *DashboardHandler) writeTimeseries(w http.ResponseWriter, r *http.Request, machineID *uuid.UUID) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			ErrValidation(w, "days must be a positive integer")
			return
		}
		days = n
	}
	if days > 365 {
		days = 365
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days).Truncate(24 * time.Hour)

	buckets, err := h.store.Heartbeats.DailyBuckets(r.Context(), machineID, from, to)
	if err != nil {
		h.logger.Error("failed to bucket heartbeats", zap.Error(err))
		ErrInternal(w)
		return
	}

	points := make([]timeseriesPoint, len(buckets))
	for i, b := range buckets {
		points[i] = timeseriesPoint{
			Day:         b.Day,
			IdleSeconds: b.IdleSeconds,
			EnergyKWh:   b.EnergyKWh,
			CostUSD:     b.CostUSD,
			CO2Kg:       b.CO2Kg,
		}
	}

	Ok(w, timeseriesResponse{
		From:   from.Format(time.RFC3339),
		To:     to.Format(time.RFC3339),
		Points: points,
	})
}

// Monthly handles GET /api/v1/analytics/monthly. Without parameters it
// returns fleet-level rows, newest first; ?machine_id= selects one
// machine's history instead. ?months= bounds the listing (default 12).
func (h *DashboardHandler) Monthly(w http.ResponseWriter, r *http.Request) {
	months := 12
	if v := r.URL.Query().Get("months"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			ErrValidation(w, "months must be a positive integer")
			return
		}
		months = n
	}
	if months > 60 {
		months = 60
	}

	var (
		rows []db.MonthlyAnalytics
		err  error
	)
	if v := r.URL.Query().Get("machine_id"); v != "" {
		machineID, parseErr := uuid.Parse(v)
		if parseErr != nil {
			ErrValidation(w, "machine_id must be a UUID")
			return
		}
		rows, err = h.store.Analytics.ListForMachine(r.Context(), machineID, months)
	} else {
		rows, err = h.store.Analytics.ListFleet(r.Context(), months)
	}
	if err != nil {
		h.logger.Error("failed to list monthly analytics", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]monthlyResponse, len(rows))
	for i, row := range rows {
		items[i] = monthlyResponse{
			Year:            row.Year,
			Month:           row.Month,
			IdleSeconds:     row.IdleSeconds,
			EnergyKWh:       row.EnergyKWh,
			CostUSD:         row.CostUSD,
			CO2Kg:           row.CO2Kg,
			EnergyChangePct: row.EnergyChangePct,
			CostChangePct:   row.CostChangePct,
		}
		if row.MachineID != nil {
			s := row.MachineID.String()
			items[i].MachineID = &s
		}
	}

	Ok(w, listMonthlyResponse{Items: items})
}
