package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub is the pub/sub broker for dashboard WebSocket clients. It keeps the
// registry of connected clients and routes published messages to every
// client subscribed to a topic.
//
// Registry mutations (register, unregister) are serialised through the Run
// loop via channels. Publish only takes a read lock long enough to copy the
// target set, then sends outside the lock so a slow client cannot stall the
// event loop.
//
// A nil *Hub is valid: all publish methods become no-ops. Services hold an
// optional hub so tests and the CLI can run without one.
type Hub struct {
	// clients holds every connected client. Keyed by pointer for O(1)
	// register and unregister.
	clients map[*Client]struct{}

	// topics maps a topic string to its subscriber set. Updated together
	// with clients to keep the two maps in sync.
	topics map[string]map[*Client]struct{}

	// mu protects clients and topics for Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits. No messages are delivered after.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Call it exactly once, in its own
// goroutine. It exits when ctx is cancelled during graceful shutdown.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// Closing send tells the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine and on a nil hub. Clients whose send buffer is full are
// disconnected so a slow consumer cannot block other subscribers.
func (h *Hub) Publish(topic string, msg Message) {
	if h == nil {
		return
	}

	h.mu.RLock()
	targets := h.topics[topic]
	// Copy the target set before releasing the lock. Channel sends can
	// block when a buffer is full.
	var clients []*Client
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// MachineStatus publishes a status transition to the fleet topic and the
// machine's own topic.
func (h *Hub) MachineStatus(machineID uuid.UUID, hostname, status string) {
	if h == nil {
		return
	}
	payload := MachineStatusPayload{
		MachineID: machineID,
		Hostname:  hostname,
		Status:    status,
		At:        time.Now().UTC(),
	}
	h.publishBoth(machineID, MsgMachineStatus, payload)
}

// Telemetry publishes a heartbeat snapshot to the fleet topic and the
// machine's own topic.
func (h *Hub) Telemetry(machineID uuid.UUID, status string, idleSeconds int, isIdle bool, energyWastedKWh float64) {
	if h == nil {
		return
	}
	payload := TelemetryPayload{
		MachineID:       machineID,
		Status:          status,
		IdleSeconds:     idleSeconds,
		IsIdle:          isIdle,
		EnergyWastedKWh: energyWastedKWh,
		At:              time.Now().UTC(),
	}
	h.publishBoth(machineID, MsgTelemetry, payload)
}

// CommandStatus publishes a shutdown command lifecycle change to the fleet
// topic and the machine's own topic.
func (h *Hub) CommandStatus(machineID, commandID uuid.UUID, status, reason string) {
	if h == nil {
		return
	}
	payload := CommandStatusPayload{
		CommandID: commandID,
		MachineID: machineID,
		Status:    status,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	h.publishBoth(machineID, MsgCommandStatus, payload)
}

func (h *Hub) publishBoth(machineID uuid.UUID, typ MessageType, payload any) {
	h.Publish(TopicFleet, Message{Type: typ, Topic: TopicFleet, Payload: payload})
	perMachine := TopicMachine(machineID)
	h.Publish(perMachine, Message{Type: typ, Topic: perMachine, Payload: payload})
}

// Subscribe registers client with the hub and adds it to all its topics.
// Called by the WebSocket upgrade handler.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
// Called by the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected WebSocket clients.
// Returns 0 on a nil hub.
func (h *Hub) ConnectedCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
