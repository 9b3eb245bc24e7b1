package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Operators & Auth
// -----------------------------------------------------------------------------

// Operator roles. Persisted as lowercase strings; input is normalized on the
// way in so a case-variant role never reaches storage.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// User is an operator account. Username is stored normalized (trimmed,
// lowercased) and is the login identifier. PasswordHash is a PHC-format
// argon2id string with the KDF parameters embedded, so parameter upgrades
// can be detected and the hash recomputed after a successful verify.
type User struct {
	Base
	Username            string `gorm:"uniqueIndex;not null"`
	PasswordHash        string `gorm:"not null"`
	Role                string `gorm:"not null;default:'viewer'"` // "admin" or "viewer"
	IsActive            bool   `gorm:"not null;default:true"`
	FailedLoginAttempts int    `gorm:"not null;default:0"`
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
}

// RefreshToken stores a hashed refresh token associated with an operator
// session. The raw token is never stored, only its SHA-256 hex digest.
// Tokens are single-use: the refresh endpoint revokes the presented digest
// before issuing a new access token.
type RefreshToken struct {
	Base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string `gorm:"size:256"`
	IPAddress string `gorm:"size:64"`
}

// -----------------------------------------------------------------------------
// Machines & Telemetry
// -----------------------------------------------------------------------------

// Machine liveness states. Transitions: heartbeats flip online<->idle, the
// reaper moves stale online/idle machines to offline, an executed shutdown
// command moves any state to shutdown, and the next heartbeat wakes a
// shutdown machine back to online.
const (
	StatusOnline   = "online"
	StatusIdle     = "idle"
	StatusOffline  = "offline"
	StatusShutdown = "shutdown"
)

// ValidStatus reports whether s is one of the machine liveness states.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusIdle, StatusOffline, StatusShutdown:
		return true
	}
	return false
}

// Machine is a registered fleet host. Fingerprint is the normalized MAC
// address (uppercase, colon-separated) and is the stable registration key.
// Cumulative totals only ever grow; per-interval increments live in the
// Heartbeat history rows.
type Machine struct {
	SoftDelete
	Fingerprint      string     `gorm:"size:17;uniqueIndex;not null"`
	Hostname         string     `gorm:"not null"`
	OSType           string     `gorm:"not null;default:''"`
	OSVersion        string     `gorm:"not null;default:''"`
	IPAddress        string     `gorm:"size:64;not null;default:''"`
	Status           string     `gorm:"not null;default:'online';index:idx_machines_status_last_seen"`
	AgentVersion     string     `gorm:"not null;default:''"`
	Notes            string     `gorm:"type:text;not null;default:''"`
	TotalIdleSeconds int64      `gorm:"not null;default:0"`
	EnergyWastedKWh  float64    `gorm:"column:energy_wasted_kwh;not null;default:0"`
	EnergyCostUSD    float64    `gorm:"not null;default:0"`
	CO2EmittedKg     float64    `gorm:"column:co2_emitted_kg;not null;default:0"`
	RegisteredAt     time.Time  `gorm:"not null"` // refreshed on every (re-)registration
	LastSeenAt       *time.Time `gorm:"index:idx_machines_status_last_seen"`
}

// AgentToken is the per-machine bearer credential, one-to-one with Machine.
// Only the SHA-256 hex digest of the raw token is stored. Re-registration
// rotates the digest in place; revocation sets RevokedAt without deleting
// the row.
type AgentToken struct {
	Base
	MachineID  uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	TokenHash  string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Heartbeat is an append-only telemetry record, one row per agent submission.
// Rows are immutable after insert; the delta columns hold the increment that
// was applied to the owning machine's cumulative totals for this interval.
type Heartbeat struct {
	Base
	MachineID      uuid.UUID `gorm:"type:text;not null;index:idx_heartbeats_machine_ts"`
	Timestamp      time.Time `gorm:"not null;index:idx_heartbeats_machine_ts"`
	IdleSeconds    int       `gorm:"not null"`
	CPUUsage       *float64
	MemoryUsage    *float64
	IsIdle         bool    `gorm:"not null;default:false"`
	EnergyDeltaKWh float64 `gorm:"column:energy_delta_kwh;not null;default:0"`
	CostDeltaUSD   float64 `gorm:"not null;default:0"`
	CO2DeltaKg     float64 `gorm:"column:co2_delta_kg;not null;default:0"`
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// Shutdown command states. pending is the only non-terminal state, and at
// most one pending command exists per machine at any time.
const (
	CommandPending  = "pending"
	CommandExecuted = "executed"
	CommandRejected = "rejected"
	CommandExpired  = "expired"
)

// ShutdownCommand is an operator-issued remote shutdown with a short TTL.
// The agent re-measures idle locally before executing; a rejection carries
// the agent's reason. Expired commands are kept for audit.
type ShutdownCommand struct {
	Base
	MachineID            uuid.UUID `gorm:"type:text;not null;index"`
	IssuedBy             uuid.UUID `gorm:"type:text;not null"`
	Status               string    `gorm:"not null;default:'pending';index"`
	IdleThresholdMinutes int       `gorm:"not null;default:15"`
	ExpiresAt            time.Time `gorm:"not null"`
	ExecutedAt           *time.Time
	RejectionReason      string `gorm:"type:text;not null;default:''"`
	Notes                string `gorm:"type:text;not null;default:''"`
}

// -----------------------------------------------------------------------------
// Audit & Analytics
// -----------------------------------------------------------------------------

// Audit actions recorded in the append-only trail.
const (
	AuditLoginFailed       = "auth.login_failed"
	AuditAccountLocked     = "auth.lockout"
	AuditAdminBootstrapped = "auth.admin_bootstrapped"
	AuditUserCreated       = "user.created"
	AuditUserUpdated       = "user.updated"
	AuditUserDeleted       = "user.deleted"
	AuditMachineRegistered = "machine.registered"
	AuditMachineUpdated    = "machine.updated"
	AuditMachineDeleted    = "machine.deleted"
	AuditCommandIssued     = "command.issued"
	AuditCommandExecuted   = "command.executed"
	AuditCommandRejected   = "command.rejected"
	AuditCommandExpired    = "command.expired"
)

// AuditLog is an append-only record of security-relevant actions: command
// lifecycle events, login failures and lockouts, and administrative changes.
// Details holds a JSON object with action-specific context.
type AuditLog struct {
	Base
	UserID    *uuid.UUID `gorm:"type:text;index"`
	MachineID *uuid.UUID `gorm:"type:text;index"`
	Action    string     `gorm:"not null;index"`
	Details   string     `gorm:"type:text;not null;default:'{}'"`
	IPAddress string     `gorm:"size:64;not null;default:''"`
}

// MonthlyAnalytics is one aggregated row per machine per calendar month,
// plus a fleet-level row with a NULL MachineID. Rows are recomputed by the
// rollup job; the unique index makes re-runs upserts rather than duplicates.
type MonthlyAnalytics struct {
	Base
	MachineID       *uuid.UUID `gorm:"type:text;uniqueIndex:idx_monthly_machine_period"`
	Year            int        `gorm:"not null;uniqueIndex:idx_monthly_machine_period"`
	Month           int        `gorm:"not null;uniqueIndex:idx_monthly_machine_period"`
	IdleSeconds     int64      `gorm:"not null;default:0"`
	EnergyKWh       float64    `gorm:"column:energy_kwh;not null;default:0"`
	CostUSD         float64    `gorm:"not null;default:0"`
	CO2Kg           float64    `gorm:"column:co2_kg;not null;default:0"`
	EnergyChangePct *float64   // nil when the prior month has no data
	CostChangePct   *float64
}

// TableName pins the table name; the default pluralizer already leaves
// "analytics" alone but being explicit keeps the migrations authoritative.
func (MonthlyAnalytics) TableName() string { return "monthly_analytics" }
