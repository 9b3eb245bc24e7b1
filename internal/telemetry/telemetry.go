// Package telemetry ingests agent heartbeats. Each sample classifies the
// machine as idle or online, credits a bounded energy increment to its
// cumulative waste counters, and appends an immutable history row. The
// response piggybacks a pending-command hint so agents learn about shutdown
// requests without waiting for their next poll.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/cache"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/energy"
	"github.com/iamdevdhanush/Green/internal/events"
	"github.com/iamdevdhanush/Green/internal/metrics"
	"github.com/iamdevdhanush/Green/internal/protocol"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// Service applies heartbeats to machine state. All writes for one heartbeat
// happen in a single transaction with the machine row locked, so two
// concurrent heartbeats from a misbehaving agent cannot double-credit.
type Service struct {
	store  *repository.Store
	calc   energy.Calculator
	hub    *events.Hub
	cache  *cache.Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the ingestor. hub and cache may be nil.
func NewService(store *repository.Store, calc energy.Calculator, hub *events.Hub, c *cache.Cache, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		calc:   calc,
		hub:    hub,
		cache:  c,
		logger: logger.Named("telemetry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ingest applies one heartbeat to the machine identified by machineID.
// The caller has already authenticated the agent token and validated the
// request bounds.
//
// Status follows the classification: a machine the reaper marked offline
// comes back as online or idle the moment it reports again. A machine in
// shutdown always wakes to online first, even when its first sample
// reports an idle streak; the next sample reclassifies it.
func (s *Service) Ingest(ctx context.Context, machineID uuid.UUID, req protocol.HeartbeatRequest, clientIP string) (*protocol.HeartbeatResponse, error) {
	delta := s.calc.Compute(req.IdleSeconds)

	ip := req.IP
	if ip == "" {
		ip = clientIP
	}

	sampleTime := s.now()
	if req.Timestamp != nil {
		sampleTime = req.Timestamp.UTC()
	}

	var (
		resp          protocol.HeartbeatResponse
		newStatus     string
		hostname      string
		totalKWh      float64
		statusChanged bool
	)
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		machine, err := tx.Machines.GetByIDLocked(ctx, machineID)
		if err != nil {
			return err
		}

		newStatus = db.StatusOnline
		if delta.IsIdle {
			newStatus = db.StatusIdle
		}
		// A machine we believe shut down always wakes to online first, even
		// when its first heartbeat already reports an idle streak. The next
		// sample reclassifies it.
		if machine.Status == db.StatusShutdown {
			newStatus = db.StatusOnline
		}
		statusChanged = machine.Status != newStatus

		now := s.now()
		machine.Status = newStatus
		machine.LastSeenAt = &now
		if ip != "" {
			machine.IPAddress = ip
		}
		machine.TotalIdleSeconds += int64(delta.CreditedSeconds)
		machine.EnergyWastedKWh += delta.EnergyKWh
		machine.EnergyCostUSD += delta.CostUSD
		machine.CO2EmittedKg += delta.CO2Kg
		if err := tx.Machines.Update(ctx, machine); err != nil {
			return err
		}

		if err := tx.Heartbeats.Create(ctx, &db.Heartbeat{
			MachineID:      machine.ID,
			Timestamp:      sampleTime,
			IdleSeconds:    req.IdleSeconds,
			CPUUsage:       req.CPUUsage,
			MemoryUsage:    req.MemoryUsage,
			IsIdle:         delta.IsIdle,
			EnergyDeltaKWh: delta.EnergyKWh,
			CostDeltaUSD:   delta.CostUSD,
			CO2DeltaKg:     delta.CO2Kg,
		}); err != nil {
			return err
		}

		// Lazy expiry keeps the pending hint honest without waiting for
		// the next poll or sweeper pass.
		if _, err := tx.Commands.ExpireStale(ctx, machine.ID, now); err != nil {
			return err
		}

		resp = protocol.HeartbeatResponse{
			Status:          "ok",
			MachineStatus:   newStatus,
			EnergyWastedKWh: machine.EnergyWastedKWh,
		}
		pending, err := tx.Commands.GetPendingForMachine(ctx, machine.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// No command waiting.
		case err != nil:
			return err
		default:
			resp.HasPendingCommand = true
			resp.CommandID = pending.ID.String()
		}

		hostname = machine.Hostname
		totalKWh = machine.EnergyWastedKWh
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.HeartbeatsTotal.Inc()
	if delta.EnergyKWh > 0 {
		metrics.EnergyWastedKWh.Add(delta.EnergyKWh)
	}

	s.hub.Telemetry(machineID, newStatus, req.IdleSeconds, delta.IsIdle, totalKWh)
	if statusChanged {
		s.hub.MachineStatus(machineID, hostname, newStatus)
	}
	s.cache.Invalidate(ctx, cache.KeyDashboardSummary)

	s.logger.Debug("heartbeat ingested",
		zap.String("machine_id", machineID.String()),
		zap.String("status", newStatus),
		zap.Int("idle_seconds", req.IdleSeconds),
		zap.Float64("delta_kwh", delta.EnergyKWh),
	)

	return &resp, nil
}
