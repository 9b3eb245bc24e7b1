// Package registry manages the machine inventory: fingerprint-keyed
// enrollment, agent-token rotation, and the per-request token resolution
// that authenticates every heartbeat.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/events"
	"github.com/iamdevdhanush/Green/internal/protocol"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// ErrInvalidToken is returned when an agent credential does not resolve to
// an active machine. Unknown, revoked, and orphaned tokens all collapse to
// this error so callers cannot probe which case they hit.
var ErrInvalidToken = errors.New("registry: invalid agent token")

// Service owns machine enrollment. Registration is idempotent by
// fingerprint: the same MAC always maps to the same machine row, whether the
// agent is enrolling for the first time, reinstalling, or coming back after
// an operator soft-deleted it.
type Service struct {
	store  *repository.Store
	hub    *events.Hub
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the registry service. hub may be nil, in which case no
// events are published.
func NewService(store *repository.Store, hub *events.Hub, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		hub:    hub,
		logger: logger.Named("registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterResult is the outcome of a registration call. Created reports
// whether a new machine row was inserted, so the HTTP layer can answer
// 201 for first contact and 200 for re-registration.
type RegisterResult struct {
	Machine db.Machine
	Token   string
	Created bool
}

// Register enrolls the machine identified by req.Fingerprint. First contact
// creates the row; later calls refresh its metadata, flip it back online,
// and restore it if it was soft-deleted. A fresh agent token is issued on
// every call and the previous one stops working immediately, so a leaked
// token dies the next time the real agent re-registers.
func (s *Service) Register(ctx context.Context, req protocol.RegisterRequest, clientIP string) (*RegisterResult, error) {
	fp, err := NormalizeFingerprint(req.Fingerprint)
	if err != nil {
		return nil, err
	}

	rawToken, err := auth.GenerateAgentToken()
	if err != nil {
		return nil, fmt.Errorf("registry: generating agent token: %w", err)
	}
	digest := auth.HashToken(rawToken)

	ip := req.IP
	if ip == "" {
		ip = clientIP
	}

	var (
		machine db.Machine
		created bool
	)
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		now := s.now()

		existing, err := tx.Machines.GetByFingerprintUnscoped(ctx, fp)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			machine = db.Machine{
				Fingerprint:  fp,
				Hostname:     req.Hostname,
				OSType:       req.OSType,
				OSVersion:    req.OSVersion,
				IPAddress:    ip,
				Status:       db.StatusOnline,
				AgentVersion: req.AgentVersion,
				RegisteredAt: now,
			}
			if err := tx.Machines.Create(ctx, &machine); err != nil {
				return err
			}
			created = true

		case err != nil:
			return err

		default:
			if existing.DeletedAt.Valid {
				if err := tx.Machines.Restore(ctx, existing.ID); err != nil {
					return err
				}
				existing.DeletedAt = gorm.DeletedAt{}
			}
			existing.Hostname = req.Hostname
			existing.OSType = req.OSType
			existing.OSVersion = req.OSVersion
			existing.AgentVersion = req.AgentVersion
			if ip != "" {
				existing.IPAddress = ip
			}
			existing.Status = db.StatusOnline
			existing.RegisteredAt = now
			existing.LastSeenAt = &now
			if err := tx.Machines.Update(ctx, existing); err != nil {
				return err
			}
			machine = *existing
		}

		if err := tx.AgentTokens.Rotate(ctx, machine.ID, digest); err != nil {
			return err
		}

		return tx.Audit.Create(ctx, &db.AuditLog{
			MachineID: &machine.ID,
			Action:    db.AuditMachineRegistered,
			Details:   fmt.Sprintf(`{"hostname":%q,"fingerprint":%q,"created":%t}`, req.Hostname, fp, created),
			IPAddress: ip,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("machine registered",
		zap.String("machine_id", machine.ID.String()),
		zap.String("hostname", machine.Hostname),
		zap.String("fingerprint", fp),
		zap.Bool("created", created),
	)
	s.hub.MachineStatus(machine.ID, machine.Hostname, machine.Status)

	return &RegisterResult{Machine: machine, Token: rawToken, Created: created}, nil
}

// ResolveAgentToken authenticates a raw agent token and returns the owning
// machine. It is called on every heartbeat, poll, and result submission.
func (s *Service) ResolveAgentToken(ctx context.Context, raw string) (*db.Machine, error) {
	if !auth.IsAgentToken(raw) {
		return nil, ErrInvalidToken
	}

	token, err := s.store.AgentTokens.GetByHash(ctx, auth.HashToken(raw))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("registry: resolving agent token: %w", err)
	}
	if token.RevokedAt != nil {
		return nil, ErrInvalidToken
	}

	machine, err := s.store.Machines.GetByID(ctx, token.MachineID)
	if errors.Is(err, repository.ErrNotFound) {
		// Machine was soft-deleted after the token was issued.
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("registry: loading machine for token: %w", err)
	}

	// Best effort: the heartbeat must not fail because a usage timestamp
	// could not be written.
	if err := s.store.AgentTokens.TouchLastUsed(ctx, token.ID, s.now()); err != nil {
		s.logger.Warn("failed to update agent token last_used_at",
			zap.String("machine_id", machine.ID.String()),
			zap.Error(err),
		)
	}

	return machine, nil
}

// Decommission soft-deletes a machine and revokes its agent token so the
// installed agent is locked out until an operator intervenes or the agent
// re-registers.
func (s *Service) Decommission(ctx context.Context, machineID uuid.UUID, actorID *uuid.UUID, ip string) error {
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		machine, err := tx.Machines.GetByID(ctx, machineID)
		if err != nil {
			return err
		}
		if err := tx.AgentTokens.RevokeForMachine(ctx, machineID); err != nil {
			return err
		}
		if err := tx.Machines.Delete(ctx, machineID); err != nil {
			return err
		}
		return tx.Audit.Create(ctx, &db.AuditLog{
			UserID:    actorID,
			MachineID: &machineID,
			Action:    db.AuditMachineDeleted,
			Details:   fmt.Sprintf(`{"hostname":%q}`, machine.Hostname),
			IPAddress: ip,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("machine decommissioned", zap.String("machine_id", machineID.String()))
	return nil
}
