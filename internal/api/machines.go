package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/registry"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// MachineHandler groups the operator-facing machine endpoints. Reads are
// open to any authenticated operator; PATCH and DELETE are admin-only,
// enforced in the router.
type MachineHandler struct {
	store    *repository.Store
	registry *registry.Service
	logger   *zap.Logger
}

// NewMachineHandler creates a new MachineHandler.
func NewMachineHandler(store *repository.Store, reg *registry.Service, logger *zap.Logger) *MachineHandler {
	return &MachineHandler{
		store:    store,
		registry: reg,
		logger:   logger.Named("machine_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// machineResponse is the JSON representation of a machine. The agent token
// digest is internal and never exposed here.
type machineResponse struct {
	ID               string  `json:"id"`
	Fingerprint      string  `json:"fingerprint"`
	Hostname         string  `json:"hostname"`
	OSType           string  `json:"os_type"`
	OSVersion        string  `json:"os_version"`
	IPAddress        string  `json:"ip_address"`
	Status           string  `json:"status"`
	AgentVersion     string  `json:"agent_version"`
	Notes            string  `json:"notes"`
	TotalIdleSeconds int64   `json:"total_idle_seconds"`
	EnergyWastedKWh  float64 `json:"energy_wasted_kwh"`
	EnergyCostUSD    float64 `json:"energy_cost_usd"`
	CO2EmittedKg     float64 `json:"co2_emitted_kg"`
	RegisteredAt     string  `json:"registered_at"`
	LastSeenAt       *string `json:"last_seen_at"`
}

// machineToResponse converts a db.Machine to a machineResponse.
func machineToResponse(m *db.Machine) machineResponse {
	resp := machineResponse{
		ID:               m.ID.String(),
		Fingerprint:      m.Fingerprint,
		Hostname:         m.Hostname,
		OSType:           m.OSType,
		OSVersion:        m.OSVersion,
		IPAddress:        m.IPAddress,
		Status:           m.Status,
		AgentVersion:     m.AgentVersion,
		Notes:            m.Notes,
		TotalIdleSeconds: m.TotalIdleSeconds,
		EnergyWastedKWh:  m.EnergyWastedKWh,
		EnergyCostUSD:    m.EnergyCostUSD,
		CO2EmittedKg:     m.CO2EmittedKg,
		RegisteredAt:     m.RegisteredAt.UTC().Format(time.RFC3339),
	}
	if m.LastSeenAt != nil {
		s := m.LastSeenAt.UTC().Format(time.RFC3339)
		resp.LastSeenAt = &s
	}
	return resp
}

// listMachinesResponse wraps a paginated list of machines.
type listMachinesResponse struct {
	Items []machineResponse `json:"items"`
	Total int64             `json:"total"`
}

// heartbeatResponse is one telemetry history row.
type heartbeatResponse struct {
	Timestamp      string   `json:"timestamp"`
	IdleSeconds    int      `json:"idle_seconds"`
	CPUUsage       *float64 `json:"cpu_usage"`
	MemoryUsage    *float64 `json:"memory_usage"`
	IsIdle         bool     `json:"is_idle"`
	EnergyDeltaKWh float64  `json:"energy_delta_kwh"`
	CostDeltaUSD   float64  `json:"cost_delta_usd"`
	CO2DeltaKg     float64  `json:"co2_delta_kg"`
}

// listHeartbeatsResponse wraps a paginated heartbeat history page.
type listHeartbeatsResponse struct {
	Items []heartbeatResponse `json:"items"`
	Total int64               `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/machines. Supports ?status=, ?sort= and the
// usual pagination parameters.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := repository.MachineListOptions{
		ListOptions: paginationOpts(r),
		Status:      r.URL.Query().Get("status"),
		Sort:        r.URL.Query().Get("sort"),
	}
	if opts.Status != "" && !db.ValidStatus(opts.Status) {
		ErrValidation(w, "status must be one of online, idle, offline, shutdown")
		return
	}

	machines, total, err := h.store.Machines.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list machines", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]machineResponse, len(machines))
	for i := range machines {
		items[i] = machineToResponse(&machines[i])
	}

	Ok(w, listMachinesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/machines/{id}.
func (h *MachineHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	machine, err := h.store.Machines.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, machineToResponse(machine))
}

// Heartbeats handles GET /api/v1/machines/{id}/heartbeats. The window is
// bounded by optional ?from= and ?to= (RFC 3339); absent bounds default to
// the last 24 hours.
func (h *MachineHandler) Heartbeats(w http.ResponseWriter, r *http.Request) {
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

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ErrValidation(w, "from must be an RFC 3339 timestamp")
			return
		}
		from = t.UTC()
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ErrValidation(w, "to must be an RFC 3339 timestamp")
			return
		}
		to = t.UTC()
	}
	if !from.Before(to) {
		ErrValidation(w, "from must be before to")
		return
	}

	rows, total, err := h.store.Heartbeats.ListByMachine(r.Context(), id, from, to, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list heartbeats", zap.String("machine_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]heartbeatResponse, len(rows))
	for i, hb := range rows {
		items[i] = heartbeatResponse{
			Timestamp:      hb.Timestamp.UTC().Format(time.RFC3339),
			IdleSeconds:    hb.IdleSeconds,
			CPUUsage:       hb.CPUUsage,
			MemoryUsage:    hb.MemoryUsage,
			IsIdle:         hb.IsIdle,
			EnergyDeltaKWh: hb.EnergyDeltaKWh,
			CostDeltaUSD:   hb.CostDeltaUSD,
			CO2DeltaKg:     hb.CO2DeltaKg,
		}
	}

	Ok(w, listHeartbeatsResponse{Items: items, Total: total})
}

// updateMachineRequest is the JSON body for PATCH /api/v1/machines/{id}
// (admin only). Only operator-owned fields are editable; telemetry fields
// belong to the agent.
type updateMachineRequest struct {
	Hostname *string `json:"hostname"`
	Notes    *string `json:"notes"`
}

// Update handles PATCH /api/v1/machines/{id} (admin only).
func (h *MachineHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateMachineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hostname == nil && req.Notes == nil {
		ErrValidation(w, "nothing to update")
		return
	}
	if req.Hostname != nil && *req.Hostname == "" {
		ErrValidation(w, "hostname cannot be empty")
		return
	}

	machine, err := h.store.Machines.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Hostname != nil {
		machine.Hostname = *req.Hostname
	}
	if req.Notes != nil {
		machine.Notes = *req.Notes
	}

	if err := h.store.Machines.Update(r.Context(), machine); err != nil {
		h.logger.Error("failed to update machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.auditChange(r, machine.ID)

	Ok(w, machineToResponse(machine))
}

// Delete handles DELETE /api/v1/machines/{id} (admin only). The machine is
// soft-deleted and its agent token revoked; telemetry history stays for the
// analytics rollup.
func (h *MachineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	actorID := callerUUID(r)
	if err := h.registry.Decommission(r.Context(), id, actorID, clientIP(r)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to decommission machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// auditChange records an admin edit. Best effort: the update succeeded, a
// missing trail row should not turn it into a 500.
func (h *MachineHandler) auditChange(r *http.Request, machineID uuid.UUID) {
	entry := &db.AuditLog{
		UserID:    callerUUID(r),
		MachineID: &machineID,
		Action:    db.AuditMachineUpdated,
		IPAddress: clientIP(r),
	}
	if err := h.store.Audit.Create(r.Context(), entry); err != nil {
		h.logger.Warn("failed to write audit entry",
			zap.String("action", db.AuditMachineUpdated),
			zap.Error(err),
		)
	}
}

// callerUUID extracts the authenticated operator's ID from the request
// context, or nil when the claims are missing or malformed.
func callerUUID(r *http.Request) *uuid.UUID {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		return nil
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil
	}
	return &id
}

// paginationOpts parses ?limit= and ?offset= with sane bounds.
func paginationOpts(r *http.Request) repository.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repository.ListOptions{Limit: limit, Offset: offset}
}
