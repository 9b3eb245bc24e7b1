// Package events implements the real-time pub/sub hub that pushes fleet
// state changes to connected dashboard clients over WebSocket. The telemetry
// ingestor, the command dispatcher, and the offline reaper publish here so
// the dashboard updates without polling the REST API.
//
// Topic naming convention:
//
//	machines        fleet-wide events, every status and command change
//	machine:<uuid>  events scoped to a single machine's detail view
package events

import (
	"time"

	"github.com/google/uuid"
)

// TopicFleet receives every published event. Dashboard overview pages
// subscribe here.
const TopicFleet = "machines"

// TopicMachine returns the per-machine topic for a machine detail page.
func TopicMachine(id uuid.UUID) string {
	return "machine:" + id.String()
}

// MessageType identifies the kind of event carried by a Message. Clients
// dispatch on this field to update the right part of the UI.
type MessageType string

const (
	// MsgMachineStatus is sent when a machine transitions between states
	// (online, idle, offline, shutdown).
	MsgMachineStatus MessageType = "machine.status"

	// MsgTelemetry is sent on every accepted heartbeat with the machine's
	// idle state and cumulative waste counters.
	MsgTelemetry MessageType = "machine.telemetry"

	// MsgCommandStatus is sent when a shutdown command is issued or reaches
	// a terminal state (executed, rejected, expired).
	MsgCommandStatus MessageType = "command.status"
)

// Message is the envelope for every WebSocket frame sent to clients.
type Message struct {
	// Type identifies the event kind so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel the message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - machine.status:  MachineStatusPayload
	//   - machine.telemetry: TelemetryPayload
	//   - command.status:  CommandStatusPayload
	Payload any `json:"payload"`
}

// MachineStatusPayload describes a machine status transition.
type MachineStatusPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	Hostname  string    `json:"hostname"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// TelemetryPayload is a per-heartbeat snapshot pushed to detail views.
type TelemetryPayload struct {
	MachineID       uuid.UUID `json:"machine_id"`
	Status          string    `json:"status"`
	IdleSeconds     int       `json:"idle_seconds"`
	IsIdle          bool      `json:"is_idle"`
	EnergyWastedKWh float64   `json:"energy_wasted_kwh"`
	At              time.Time `json:"at"`
}

// CommandStatusPayload describes a shutdown command lifecycle change.
type CommandStatusPayload struct {
	CommandID uuid.UUID `json:"command_id"`
	MachineID uuid.UUID `json:"machine_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
