// Package protocol defines the JSON wire types exchanged between GreenOps
// agents and the server. Both sides import this package, so a field rename
// breaks loudly at compile time instead of silently on the wire.
package protocol

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxIdleSeconds bounds a single heartbeat's idle counter to one day.
// Anything larger is a broken probe, not telemetry.
const MaxIdleSeconds = 86400

// CommandTypeShutdown is the only command type agents currently understand.
const CommandTypeShutdown = "shutdown"

var validate = validator.New(validator.WithRequiredStructEnabled())

// RegisterRequest enrolls (or re-enrolls) a machine. Fingerprint is the MAC
// address; the server normalizes it before matching, so any common separator
// style is accepted here.
type RegisterRequest struct {
	Fingerprint  string `json:"fingerprint" validate:"required,max=64"`
	Hostname     string `json:"hostname" validate:"required,max=255"`
	OSType       string `json:"os_type" validate:"required,max=64"`
	OSVersion    string `json:"os_version,omitempty" validate:"max=128"`
	AgentVersion string `json:"agent_version,omitempty" validate:"max=64"`
	IP           string `json:"ip,omitempty" validate:"omitempty,ip"`
}

// Validate checks field constraints; the fingerprint's strict shape is
// enforced separately after normalization.
func (r *RegisterRequest) Validate() error { return validate.Struct(r) }

// RegisterResponse returns the machine identity and its bearer token. The
// raw token appears only here; the server stores a digest.
type RegisterResponse struct {
	MachineID string `json:"machine_id"`
	Token     string `json:"token"`
	Message   string `json:"message"`
}

// HeartbeatRequest is one telemetry sample. Timestamp defaults to server
// receive time when absent; agents replaying their offline queue set it to
// the original capture time.
type HeartbeatRequest struct {
	IdleSeconds int        `json:"idle_seconds" validate:"min=0,max=86400"`
	CPUUsage    *float64   `json:"cpu_usage,omitempty" validate:"omitempty,min=0,max=100"`
	MemoryUsage *float64   `json:"memory_usage,omitempty" validate:"omitempty,min=0,max=100"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	IP          string     `json:"ip,omitempty" validate:"omitempty,ip"`
}

// Validate checks field constraints.
func (r *HeartbeatRequest) Validate() error { return validate.Struct(r) }

// HeartbeatResponse acknowledges a sample. EnergyWastedKWh is the machine's
// cumulative total after this sample was applied. HasPendingCommand lets the
// agent skip the poll interval when work is already waiting.
type HeartbeatResponse struct {
	Status            string  `json:"status"`
	MachineStatus     string  `json:"machine_status"`
	EnergyWastedKWh   float64 `json:"energy_wasted_kwh"`
	HasPendingCommand bool    `json:"has_pending_command"`
	CommandID         string  `json:"command_id,omitempty"`
}

// PollResponse carries at most one pending command.
type PollResponse struct {
	HasCommand           bool   `json:"has_command"`
	CommandID            string `json:"command_id,omitempty"`
	CommandType          string `json:"command_type,omitempty"`
	IdleThresholdMinutes int    `json:"idle_threshold_minutes,omitempty"`
}

// ResultRequest reports the agent's decision on a command. Executed=false
// carries the reason (typically "machine no longer idle").
type ResultRequest struct {
	CommandID              string `json:"command_id" validate:"required,uuid"`
	Executed               bool   `json:"executed"`
	Reason                 string `json:"reason,omitempty" validate:"max=512"`
	IdleMinutesAtExecution *int   `json:"idle_minutes_at_execution,omitempty" validate:"omitempty,min=0"`
}

// Validate checks field constraints.
func (r *ResultRequest) Validate() error { return validate.Struct(r) }

// ResultResponse acknowledges a result report.
type ResultResponse struct {
	Status string `json:"status"`
}

// ErrorEnvelope is the uniform error body for every non-2xx response.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the human-readable message and a stable machine code.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
