package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iamdevdhanush/Green/internal/db"
)

// gormMachineRepository is the GORM implementation of MachineRepository.
type gormMachineRepository struct {
	db *gorm.DB
}

// NewMachineRepository returns a MachineRepository backed by the provided *gorm.DB.
func NewMachineRepository(db *gorm.DB) MachineRepository {
	return &gormMachineRepository{db: db}
}

// Create inserts a new machine record. Returns ErrConflict when the
// fingerprint is already registered.
func (r *gormMachineRepository) Create(ctx context.Context, machine *db.Machine) error {
	if err := r.db.WithContext(ctx).Create(machine).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("machines: create: %w", err)
	}
	return nil
}

// GetByID retrieves a machine by its UUID. Returns ErrNotFound if no record
// exists or the machine is soft-deleted.
func (r *gormMachineRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Machine, error) {
	var machine db.Machine
	err := r.db.WithContext(ctx).First(&machine, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by id: %w", err)
	}
	return &machine, nil
}

// GetByIDLocked retrieves a machine with a FOR UPDATE row lock on postgres.
// SQLite serializes on its single write connection, so the clause is not
// emitted there (its parser would reject it).
func (r *gormMachineRepository) GetByIDLocked(ctx context.Context, id uuid.UUID) (*db.Machine, error) {
	q := r.db.WithContext(ctx)
	if db.IsPostgres(r.db) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var machine db.Machine
	err := q.First(&machine, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by id locked: %w", err)
	}
	return &machine, nil
}

// GetByFingerprint retrieves a live machine by its normalized MAC address.
func (r *gormMachineRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*db.Machine, error) {
	var machine db.Machine
	err := r.db.WithContext(ctx).First(&machine, "fingerprint = ?", fingerprint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by fingerprint: %w", err)
	}
	return &machine, nil
}

// GetByFingerprintUnscoped retrieves a machine by fingerprint including
// soft-deleted rows, so registration can restore a deleted machine.
func (r *gormMachineRepository) GetByFingerprintUnscoped(ctx context.Context, fingerprint string) (*db.Machine, error) {
	var machine db.Machine
	err := r.db.WithContext(ctx).Unscoped().First(&machine, "fingerprint = ?", fingerprint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by fingerprint unscoped: %w", err)
	}
	return &machine, nil
}

// Restore clears the soft-delete marker on a machine.
func (r *gormMachineRepository) Restore(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Unscoped().
		Model(&db.Machine{}).
		Where("id = ?", id).
		Update("deleted_at", nil)
	if result.Error != nil {
		return fmt.Errorf("machines: restore: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Update persists the full machine record, including zero-valued fields.
func (r *gormMachineRepository) Update(ctx context.Context, machine *db.Machine) error {
	result := r.db.WithContext(ctx).Save(machine)
	if result.Error != nil {
		return fmt.Errorf("machines: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus changes only the machine's liveness status.
func (r *gormMachineRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Machine{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("machines: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a machine. Its heartbeat history and command audit
// trail remain intact.
func (r *gormMachineRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Machine{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("machines: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a filtered, paginated list of machines and the total count
// of machines matching the filter.
func (r *gormMachineRepository) List(ctx context.Context, opts MachineListOptions) ([]db.Machine, int64, error) {
	var machines []db.Machine
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Machine{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("machines: list count: %w", err)
	}

	// Sort keys are whitelisted here; anything else falls back to insertion
	// order so user input never reaches the ORDER BY clause.
	order := "created_at ASC"
	switch opts.Sort {
	case "hostname":
		order = "hostname ASC"
	case "last_seen":
		order = "last_seen_at DESC"
	case "energy":
		order = "energy_wasted_kwh DESC"
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order(order).
		Find(&machines).Error; err != nil {
		return nil, 0, fmt.Errorf("machines: list: %w", err)
	}

	return machines, total, nil
}

// ListStale returns machines still marked online or idle that have not been
// heard from since cutoff. Machines that registered but never reported are
// judged by their registration time.
func (r *gormMachineRepository) ListStale(ctx context.Context, cutoff time.Time) ([]db.Machine, error) {
	var machines []db.Machine
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{db.StatusOnline, db.StatusIdle}).
		Where("COALESCE(last_seen_at, registered_at) < ?", cutoff).
		Find(&machines).Error
	if err != nil {
		return nil, fmt.Errorf("machines: list stale: %w", err)
	}
	return machines, nil
}

// MarkOffline flips the given machines to offline. The status predicate is
// re-checked so a heartbeat that raced in after the stale scan wins.
func (r *gormMachineRepository) MarkOffline(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Model(&db.Machine{}).
		Where("id IN ?", ids).
		Where("status IN ?", []string{db.StatusOnline, db.StatusIdle}).
		Update("status", db.StatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("machines: mark offline: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByStatus returns the number of live machines in each status.
func (r *gormMachineRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&db.Machine{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("machines: count by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// FleetTotals sums the cumulative waste counters across all live machines.
func (r *gormMachineRepository) FleetTotals(ctx context.Context) (*FleetTotals, error) {
	var totals FleetTotals
	err := r.db.WithContext(ctx).
		Model(&db.Machine{}).
		Select(`COALESCE(SUM(total_idle_seconds), 0) AS total_idle_seconds,
			COALESCE(SUM(energy_wasted_kwh), 0) AS energy_kwh,
			COALESCE(SUM(energy_cost_usd), 0) AS cost_usd,
			COALESCE(SUM(co2_emitted_kg), 0) AS co2_kg`).
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("machines: fleet totals: %w", err)
	}
	return &totals, nil
}

// -----------------------------------------------------------------------------
// gormAgentTokenRepository
// -----------------------------------------------------------------------------

// gormAgentTokenRepository is the GORM implementation of AgentTokenRepository.
type gormAgentTokenRepository struct {
	db *gorm.DB
}

// NewAgentTokenRepository returns an AgentTokenRepository backed by the
// provided *gorm.DB.
func NewAgentTokenRepository(db *gorm.DB) AgentTokenRepository {
	return &gormAgentTokenRepository{db: db}
}

// Rotate installs a new token digest for the machine. The update-then-insert
// sequence runs inside the registration transaction, so the two steps cannot
// race with a concurrent registration of the same machine.
func (r *gormAgentTokenRepository) Rotate(ctx context.Context, machineID uuid.UUID, tokenHash string) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("machine_id = ?", machineID).
		Updates(map[string]any{
			"token_hash":   tokenHash,
			"last_used_at": nil,
			"revoked_at":   nil,
		})
	if result.Error != nil {
		return fmt.Errorf("agent_tokens: rotate: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	token := &db.AgentToken{MachineID: machineID, TokenHash: tokenHash}
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("agent_tokens: rotate create: %w", err)
	}
	return nil
}

// GetByHash retrieves an agent token by the SHA-256 hex digest of its raw
// value. Revoked rows are returned as-is; the caller decides how to treat
// them. Returns ErrNotFound if no record exists.
func (r *gormAgentTokenRepository) GetByHash(ctx context.Context, hash string) (*db.AgentToken, error) {
	var token db.AgentToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_tokens: get by hash: %w", err)
	}
	return &token, nil
}

// TouchLastUsed records token activity without churning updated_at, since it
// fires on every authenticated agent request.
func (r *gormAgentTokenRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, t time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", t).Error
	if err != nil {
		return fmt.Errorf("agent_tokens: touch last used: %w", err)
	}
	return nil
}

// RevokeForMachine revokes the machine's active token, if any.
func (r *gormAgentTokenRepository) RevokeForMachine(ctx context.Context, machineID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("machine_id = ? AND revoked_at IS NULL", machineID).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	if err != nil {
		return fmt.Errorf("agent_tokens: revoke for machine: %w", err)
	}
	return nil
}

// PurgeRevoked deletes tokens revoked before olderThan.
func (r *gormAgentTokenRepository) PurgeRevoked(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("revoked_at IS NOT NULL AND revoked_at < ?", olderThan).
		Delete(&db.AgentToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("agent_tokens: purge revoked: %w", result.Error)
	}
	return result.RowsAffected, nil
}
