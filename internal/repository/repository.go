// Package repository provides the persistence layer for the GreenOps server.
// Each entity gets a small interface with a GORM-backed implementation; the
// Store bundles them behind one handle and scopes multi-table operations to
// a single transaction.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iamdevdhanush/Green/internal/db"
)

// bootstrapLockKey is the app-scoped postgres advisory lock key used to
// serialize first-run admin creation across replicas ("grenopsa" in ASCII).
const bootstrapLockKey int64 = 0x6772656E6F707361

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// MachineListOptions extends ListOptions with machine-specific filters.
type MachineListOptions struct {
	ListOptions
	Status string // exact status filter when non-empty
	Sort   string // "hostname", "last_seen", "energy"; empty for insertion order
}

// AuditListOptions filters the audit trail.
type AuditListOptions struct {
	ListOptions
	UserID    *uuid.UUID
	MachineID *uuid.UUID
	Action    string
}

// FleetTotals holds the cumulative waste counters summed across all live
// machines.
type FleetTotals struct {
	TotalIdleSeconds int64
	EnergyKWh        float64 `gorm:"column:energy_kwh"`
	CostUSD          float64 `gorm:"column:cost_usd"`
	CO2Kg            float64 `gorm:"column:co2_kg"`
}

// DayBucket is one calendar day of summed heartbeat deltas. Day is formatted
// YYYY-MM-DD in UTC; all telemetry timestamps are stored in UTC so the
// SQL-side bucketing never crosses a zone boundary.
type DayBucket struct {
	Day         string
	IdleSeconds int64
	EnergyKWh   float64 `gorm:"column:energy_kwh"`
	CostUSD     float64 `gorm:"column:cost_usd"`
	CO2Kg       float64 `gorm:"column:co2_kg"`
}

// PeriodTotals holds summed heartbeat deltas for one machine over a range.
type PeriodTotals struct {
	MachineID   uuid.UUID
	IdleSeconds int64
	EnergyKWh   float64 `gorm:"column:energy_kwh"`
	CostUSD     float64 `gorm:"column:cost_usd"`
	CO2Kg       float64 `gorm:"column:co2_kg"`
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)

	// CountActiveAdmins guards the "never delete or demote the last admin"
	// rule and decides whether first-run bootstrap must create one.
	CountActiveAdmins(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)

	// Revoke marks a single token revoked. Refresh tokens are single-use by
	// digest, so the refresh flow revokes the presented row before issuing
	// a new access token.
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error

	DeleteByHash(ctx context.Context, hash string) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// MachineRepository
// -----------------------------------------------------------------------------

type MachineRepository interface {
	Create(ctx context.Context, machine *db.Machine) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Machine, error)

	// GetByIDLocked behaves like GetByID but takes a row lock on postgres
	// (SELECT ... FOR UPDATE). Only meaningful inside a Transaction; on
	// SQLite the single-writer connection already serializes, so no locking
	// clause is emitted.
	GetByIDLocked(ctx context.Context, id uuid.UUID) (*db.Machine, error)

	GetByFingerprint(ctx context.Context, fingerprint string) (*db.Machine, error)

	// GetByFingerprintUnscoped includes soft-deleted rows so re-registration
	// of a previously deleted machine can restore it instead of colliding
	// with the fingerprint unique index.
	GetByFingerprintUnscoped(ctx context.Context, fingerprint string) (*db.Machine, error)

	Restore(ctx context.Context, id uuid.UUID) error
	Update(ctx context.Context, machine *db.Machine) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts MachineListOptions) ([]db.Machine, int64, error)

	// ListStale returns live machines still marked online or idle whose last
	// heartbeat is older than cutoff (or that never reported at all).
	ListStale(ctx context.Context, cutoff time.Time) ([]db.Machine, error)

	// MarkOffline flips the given machines to offline in one statement and
	// returns the number of rows actually changed.
	MarkOffline(ctx context.Context, ids []uuid.UUID) (int64, error)

	CountByStatus(ctx context.Context) (map[string]int64, error)
	FleetTotals(ctx context.Context) (*FleetTotals, error)
}

// -----------------------------------------------------------------------------
// AgentTokenRepository
// -----------------------------------------------------------------------------

type AgentTokenRepository interface {
	// Rotate installs a new token digest for the machine, creating the row if
	// this is the first registration and clearing any prior revocation. The
	// old digest stops authenticating immediately.
	Rotate(ctx context.Context, machineID uuid.UUID, tokenHash string) error

	GetByHash(ctx context.Context, hash string) (*db.AgentToken, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, t time.Time) error
	RevokeForMachine(ctx context.Context, machineID uuid.UUID) error

	// PurgeRevoked deletes tokens revoked before olderThan. Called by the
	// background reaper; returns the number of rows removed.
	PurgeRevoked(ctx context.Context, olderThan time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// HeartbeatRepository
// -----------------------------------------------------------------------------

type HeartbeatRepository interface {
	Create(ctx context.Context, hb *db.Heartbeat) error
	ListByMachine(ctx context.Context, machineID uuid.UUID, from, to time.Time, opts ListOptions) ([]db.Heartbeat, int64, error)

	// DailyBuckets sums heartbeat deltas per UTC day over [from, to). A nil
	// machineID aggregates the whole fleet.
	DailyBuckets(ctx context.Context, machineID *uuid.UUID, from, to time.Time) ([]DayBucket, error)

	// AggregateRange sums heartbeat deltas per machine over [from, to).
	// Used by the monthly rollup.
	AggregateRange(ctx context.Context, from, to time.Time) ([]PeriodTotals, error)
}

// -----------------------------------------------------------------------------
// CommandRepository
// -----------------------------------------------------------------------------

type CommandRepository interface {
	Create(ctx context.Context, cmd *db.ShutdownCommand) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ShutdownCommand, error)

	// GetPendingForMachine returns the machine's single pending command, or
	// ErrNotFound. Callers must apply lazy expiry before trusting it.
	GetPendingForMachine(ctx context.Context, machineID uuid.UUID) (*db.ShutdownCommand, error)

	// ExpireStale marks the machine's pending commands whose TTL elapsed
	// before now as expired and returns how many were flipped.
	ExpireStale(ctx context.Context, machineID uuid.UUID, now time.Time) (int64, error)

	// ExpireAllPending marks every pending command for the machine expired,
	// regardless of TTL. Issuing a new command supersedes the old ones this
	// way, keeping the single-pending invariant.
	ExpireAllPending(ctx context.Context, machineID uuid.UUID) (int64, error)

	// Transition performs a compare-and-set status change. It returns false
	// when no row matched (command missing or no longer in the from state),
	// which callers use to distinguish lost races from success.
	Transition(ctx context.Context, id uuid.UUID, from, to string, executedAt *time.Time, reason string) (bool, error)

	ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.ShutdownCommand, int64, error)
	List(ctx context.Context, opts ListOptions) ([]db.ShutdownCommand, int64, error)
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

type AuditRepository interface {
	Create(ctx context.Context, entry *db.AuditLog) error
	List(ctx context.Context, opts AuditListOptions) ([]db.AuditLog, int64, error)
}

// -----------------------------------------------------------------------------
// AnalyticsRepository
// -----------------------------------------------------------------------------

type AnalyticsRepository interface {
	// ReplaceMonth atomically swaps all rows for the given period with the
	// provided set, making rollup re-runs idempotent.
	ReplaceMonth(ctx context.Context, year, month int, rows []db.MonthlyAnalytics) error

	// GetMonth fetches one period row; nil machineID selects the fleet row.
	GetMonth(ctx context.Context, machineID *uuid.UUID, year, month int) (*db.MonthlyAnalytics, error)

	ListForMachine(ctx context.Context, machineID uuid.UUID, limit int) ([]db.MonthlyAnalytics, error)
	ListFleet(ctx context.Context, limit int) ([]db.MonthlyAnalytics, error)
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store bundles the individual repositories behind a single handle.
type Store struct {
	gdb *gorm.DB

	Users         UserRepository
	RefreshTokens RefreshTokenRepository
	Machines      MachineRepository
	AgentTokens   AgentTokenRepository
	Heartbeats    HeartbeatRepository
	Commands      CommandRepository
	Audit         AuditRepository
	Analytics     AnalyticsRepository
}

// NewStore returns a Store with every repository bound to the given
// connection, which may itself be a transaction handle.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{
		gdb:           gdb,
		Users:         NewUserRepository(gdb),
		RefreshTokens: NewRefreshTokenRepository(gdb),
		Machines:      NewMachineRepository(gdb),
		AgentTokens:   NewAgentTokenRepository(gdb),
		Heartbeats:    NewHeartbeatRepository(gdb),
		Commands:      NewCommandRepository(gdb),
		Audit:         NewAuditRepository(gdb),
		Analytics:     NewAnalyticsRepository(gdb),
	}
}

// Transaction runs fn inside a single database transaction. The Store handed
// to fn has every repository bound to that transaction; an error returned
// from fn rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.gdb.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(NewStore(gtx))
	})
}

// Ping verifies the backing database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.gdb)
}

// LockBootstrap serializes first-run admin creation across server replicas
// sharing a postgres database. Must be called inside Transaction; the lock
// is released on commit or rollback. SQLite's single write connection
// already serializes, so this is a no-op there.
func (s *Store) LockBootstrap(ctx context.Context) error {
	if !db.IsPostgres(s.gdb) {
		return nil
	}
	return s.gdb.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", bootstrapLockKey).Error
}
