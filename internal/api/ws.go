package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/events"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/events/ws.
// Authentication uses a JWT passed as the `token` query parameter instead of
// the Authorization header, since browsers cannot set custom headers on
// WebSocket connections opened via the native WebSocket API.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter; without it the client gets the fleet-wide feed.
//
// Example connection URL:
//
//	ws://host/api/v1/events/ws?token=<jwt>&topics=machine:uuid1,machine:uuid2
type WSHandler struct {
	hub    *events.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *events.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jwtMgr: jwtMgr,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/events/ws.
// It authenticates the request, builds the topic list, upgrades the
// connection, and starts the client read/write pumps. The handler blocks
// until the connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// The token has the same short TTL as Bearer tokens; clients must
	// reconnect with a fresh token after expiry.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := resolveTopics(r)

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written its own error response.
		h.logger.Warn("ws upgrade failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws client connected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws client disconnected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics parses the requested topic list, keeping only well-formed
// names. The fleet topic is the fallback so a bare connection still
// receives events.
func resolveTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return []string{events.TopicFleet}
	}

	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		switch {
		case t == events.TopicFleet:
			topics = append(topics, t)
		case strings.HasPrefix(t, "machine:"):
			if id, err := uuid.Parse(strings.TrimPrefix(t, "machine:")); err == nil {
				topics = append(topics, events.TopicMachine(id))
			}
		}
	}
	if len(topics) == 0 {
		topics = []string{events.TopicFleet}
	}
	return topics
}
