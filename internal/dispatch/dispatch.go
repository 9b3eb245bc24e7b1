// Package dispatch implements the shutdown command lifecycle: operators
// issue commands against idle machines, agents poll for them, and agents
// report the outcome after re-measuring idle locally.
//
// Safety rests on two independent checks. The server refuses to issue
// unless the machine's last heartbeat classified it idle, and the agent
// refuses to execute unless the machine is still idle at execution time.
// Either side saying no means no shutdown.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/cache"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/events"
	"github.com/iamdevdhanush/Green/internal/metrics"
	"github.com/iamdevdhanush/Green/internal/protocol"
	"github.com/iamdevdhanush/Green/internal/repository"
)

const (
	// DefaultCommandTTL is how long a pending command waits for the agent
	// before lazy expiry discards it. Kept short: a stale shutdown executed
	// minutes later would race the user's return.
	DefaultCommandTTL = 120 * time.Second

	// DefaultIdleThresholdMinutes is the re-validation threshold sent to the
	// agent when the operator does not pick one.
	DefaultIdleThresholdMinutes = 15
)

// Service owns shutdown command state transitions. Commands move
// pending -> executed | rejected | expired exactly once; every transition is
// a compare-and-set on the pending state.
type Service struct {
	store  *repository.Store
	hub    *events.Hub
	cache  *cache.Cache
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates the dispatcher. ttl <= 0 selects DefaultCommandTTL.
// hub and cache may be nil.
func NewService(store *repository.Store, hub *events.Hub, c *cache.Cache, logger *zap.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCommandTTL
	}
	return &Service{
		store:  store,
		hub:    hub,
		cache:  c,
		logger: logger.Named("dispatch"),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a pending shutdown command for an idle machine. Any previous
// pending commands are expired in the same transaction, so the machine never
// has more than one live command. Returns NotIdleError when the machine's
// last heartbeat did not classify it idle, repository.ErrNotFound when the
// machine does not exist.
func (s *Service) Issue(ctx context.Context, machineID, issuedBy uuid.UUID, thresholdMinutes int, notes, ip string) (*db.ShutdownCommand, error) {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultIdleThresholdMinutes
	}

	var (
		cmd        db.ShutdownCommand
		superseded int64
	)
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		machine, err := tx.Machines.GetByIDLocked(ctx, machineID)
		if err != nil {
			return err
		}
		if machine.Status != db.StatusIdle {
			return &NotIdleError{Status: machine.Status}
		}

		superseded, err = tx.Commands.ExpireAllPending(ctx, machineID)
		if err != nil {
			return err
		}

		cmd = db.ShutdownCommand{
			MachineID:            machineID,
			IssuedBy:             issuedBy,
			Status:               db.CommandPending,
			IdleThresholdMinutes: thresholdMinutes,
			ExpiresAt:            s.now().Add(s.ttl),
			Notes:                notes,
		}
		if err := tx.Commands.Create(ctx, &cmd); err != nil {
			return err
		}

		return tx.Audit.Create(ctx, &db.AuditLog{
			UserID:    &issuedBy,
			MachineID: &machineID,
			Action:    db.AuditCommandIssued,
			Details: detailsJSON(map[string]any{
				"command_id":             cmd.ID.String(),
				"idle_threshold_minutes": thresholdMinutes,
				"superseded":             superseded,
			}),
			IPAddress: ip,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.CommandsTotal.WithLabelValues(db.CommandPending).Inc()
	if superseded > 0 {
		metrics.CommandsTotal.WithLabelValues(db.CommandExpired).Add(float64(superseded))
	}
	s.hub.CommandStatus(machineID, cmd.ID, db.CommandPending, "")

	s.logger.Info("shutdown command issued",
		zap.String("command_id", cmd.ID.String()),
		zap.String("machine_id", machineID.String()),
		zap.Int("idle_threshold_minutes", thresholdMinutes),
		zap.Int64("superseded", superseded),
	)
	return &cmd, nil
}

// Poll returns the machine's single live command, expiring overdue ones
// first. Agents call this on their poll interval and whenever a heartbeat
// response flags a pending command.
func (s *Service) Poll(ctx context.Context, machineID uuid.UUID) (*protocol.PollResponse, error) {
	expired, err := s.store.Commands.ExpireStale(ctx, machineID, s.now())
	if err != nil {
		return nil, err
	}
	if expired > 0 {
		metrics.CommandsTotal.WithLabelValues(db.CommandExpired).Add(float64(expired))
		s.logger.Info("expired stale commands on poll",
			zap.String("machine_id", machineID.String()),
			zap.Int64("count", expired),
		)
	}

	pending, err := s.store.Commands.GetPendingForMachine(ctx, machineID)
	if errors.Is(err, repository.ErrNotFound) {
		return &protocol.PollResponse{HasCommand: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return &protocol.PollResponse{
		HasCommand:           true,
		CommandID:            pending.ID.String(),
		CommandType:          protocol.CommandTypeShutdown,
		IdleThresholdMinutes: pending.IdleThresholdMinutes,
	}, nil
}

// Result records the agent's decision for a command. Reporting the decision
// a terminal command already holds is a no-op, so agent retries are safe.
// Reporting the opposite decision returns ErrAlreadyFinalized.
func (s *Service) Result(ctx context.Context, machineID, commandID uuid.UUID, req protocol.ResultRequest, ip string) error {
	target := db.CommandRejected
	if req.Executed {
		target = db.CommandExecuted
	}

	var (
		hostname   string
		reason     string
		transition bool
	)
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		cmd, err := tx.Commands.GetByID(ctx, commandID)
		if err != nil {
			return err
		}
		if cmd.MachineID != machineID {
			return ErrCommandNotForMachine
		}

		if cmd.Status != db.CommandPending {
			if cmd.Status == target {
				return nil
			}
			return ErrAlreadyFinalized
		}

		now := s.now()
		var executedAt *time.Time
		if req.Executed {
			executedAt = &now
		} else {
			reason = req.Reason
			if reason == "" {
				reason = "rejected by agent"
			}
		}

		ok, err := tx.Commands.Transition(ctx, commandID, db.CommandPending, target, executedAt, reason)
		if err != nil {
			return err
		}
		if !ok {
			// Raced with lazy expiry or a duplicate submission. Re-read and
			// apply the same idempotency rule.
			cur, err := tx.Commands.GetByID(ctx, commandID)
			if err != nil {
				return err
			}
			if cur.Status == target {
				return nil
			}
			return ErrAlreadyFinalized
		}
		transition = true

		details := map[string]any{"command_id": commandID.String()}
		if req.IdleMinutesAtExecution != nil {
			details["idle_minutes_at_execution"] = *req.IdleMinutesAtExecution
		}

		if req.Executed {
			machine, err := tx.Machines.GetByIDLocked(ctx, machineID)
			if err != nil {
				return err
			}
			hostname = machine.Hostname
			if err := tx.Machines.UpdateStatus(ctx, machineID, db.StatusShutdown); err != nil {
				return err
			}
			return tx.Audit.Create(ctx, &db.AuditLog{
				MachineID: &machineID,
				Action:    db.AuditCommandExecuted,
				Details:   detailsJSON(details),
				IPAddress: ip,
			})
		}

		details["reason"] = reason
		return tx.Audit.Create(ctx, &db.AuditLog{
			MachineID: &machineID,
			Action:    db.AuditCommandRejected,
			Details:   detailsJSON(details),
			IPAddress: ip,
		})
	})
	if err != nil {
		return err
	}
	if !transition {
		// Idempotent retry: already in the reported state.
		return nil
	}

	metrics.CommandsTotal.WithLabelValues(target).Inc()
	s.hub.CommandStatus(machineID, commandID, target, reason)
	if req.Executed {
		s.hub.MachineStatus(machineID, hostname, db.StatusShutdown)
		s.cache.Invalidate(ctx, cache.KeyDashboardSummary)
	}

	s.logger.Info("command result recorded",
		zap.String("command_id", commandID.String()),
		zap.String("machine_id", machineID.String()),
		zap.String("status", target),
		zap.String("reason", reason),
	)
	return nil
}

// detailsJSON renders an audit payload, falling back to the empty object on
// marshal failure.
func detailsJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
