package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single write to the peer. The connection is closed
	// if the write does not finish in time.
	writeWait = 10 * time.Second

	// pongWait is how long the hub waits for a pong after sending a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the client has time to
	// reply before the read deadline fires.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Clients only send control frames.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A client that lets
	// it fill is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket protocol upgrade. Origin checks
// belong to the reverse proxy in front of the server.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected WebSocket peer. Each client runs two
// goroutines: readPump detects disconnection and handles pongs, writePump
// serialises outgoing messages onto the wire.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the outbound buffer. The hub writes here, writePump drains
	// to the wire. Closed by the hub on unregister.
	send chan Message

	// topics is fixed at connection time from query parameters.
	// Read-only after initialisation.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection to WebSocket and wraps it in a
// Client subscribed to topics. The caller decides the topic list; TopicFleet
// is the usual default.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	return c, nil
}

// Run registers the client with the hub and starts both pumps. It blocks
// until the connection closes, which is fine from an HTTP handler that has
// already completed the upgrade.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump consumes inbound frames. The protocol is server-push only, so its
// job is detecting disconnects and resetting the read deadline on each pong.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from send to the wire and pings on a ticker.
// It is the only goroutine writing to conn; gorilla connections are not safe
// for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// Hub closed the channel. Send a close frame and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
