package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iamdevdhanush/Green/internal/db"
)

// gormCommandRepository is the GORM implementation of CommandRepository.
type gormCommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository returns a CommandRepository backed by the provided
// *gorm.DB.
func NewCommandRepository(db *gorm.DB) CommandRepository {
	return &gormCommandRepository{db: db}
}

// Create inserts a new shutdown command.
func (r *gormCommandRepository) Create(ctx context.Context, cmd *db.ShutdownCommand) error {
	if err := r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("shutdown_commands: create: %w", err)
	}
	return nil
}

// GetByID retrieves a command by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ShutdownCommand, error) {
	var cmd db.ShutdownCommand
	err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shutdown_commands: get by id: %w", err)
	}
	return &cmd, nil
}

// GetPendingForMachine returns the machine's pending command. At most one
// exists at a time; ErrNotFound means the machine has none.
func (r *gormCommandRepository) GetPendingForMachine(ctx context.Context, machineID uuid.UUID) (*db.ShutdownCommand, error) {
	var cmd db.ShutdownCommand
	err := r.db.WithContext(ctx).
		First(&cmd, "machine_id = ? AND status = ?", machineID, db.CommandPending).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shutdown_commands: get pending: %w", err)
	}
	return &cmd, nil
}

// ExpireStale marks the machine's pending commands whose TTL elapsed before
// now as expired.
func (r *gormCommandRepository) ExpireStale(ctx context.Context, machineID uuid.UUID, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.ShutdownCommand{}).
		Where("machine_id = ? AND status = ? AND expires_at <= ?", machineID, db.CommandPending, now).
		Update("status", db.CommandExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("shutdown_commands: expire stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ExpireAllPending marks every pending command for the machine expired.
func (r *gormCommandRepository) ExpireAllPending(ctx context.Context, machineID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.ShutdownCommand{}).
		Where("machine_id = ? AND status = ?", machineID, db.CommandPending).
		Update("status", db.CommandExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("shutdown_commands: expire all pending: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Transition performs a compare-and-set status change from one state to
// another. The WHERE clause carries the expected current state, so a lost
// race shows up as zero affected rows rather than a clobbered write.
func (r *gormCommandRepository) Transition(ctx context.Context, id uuid.UUID, from, to string, executedAt *time.Time, reason string) (bool, error) {
	updates := map[string]any{"status": to}
	if executedAt != nil {
		updates["executed_at"] = *executedAt
	}
	if reason != "" {
		updates["rejection_reason"] = reason
	}

	result := r.db.WithContext(ctx).
		Model(&db.ShutdownCommand{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("shutdown_commands: transition: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListByMachine returns the machine's commands, newest first, with the total
// count.
func (r *gormCommandRepository) ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.ShutdownCommand, int64, error) {
	var cmds []db.ShutdownCommand
	var total int64

	q := r.db.WithContext(ctx).
		Model(&db.ShutdownCommand{}).
		Where("machine_id = ?", machineID)

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("shutdown_commands: list count: %w", err)
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&cmds).Error; err != nil {
		return nil, 0, fmt.Errorf("shutdown_commands: list by machine: %w", err)
	}

	return cmds, total, nil
}

// List returns all commands across the fleet, newest first, with the total
// count.
func (r *gormCommandRepository) List(ctx context.Context, opts ListOptions) ([]db.ShutdownCommand, int64, error) {
	var cmds []db.ShutdownCommand
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.ShutdownCommand{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("shutdown_commands: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&cmds).Error; err != nil {
		return nil, 0, fmt.Errorf("shutdown_commands: list: %w", err)
	}

	return cmds, total, nil
}
