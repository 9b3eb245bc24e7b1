package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/dispatch"
	"github.com/iamdevdhanush/Green/internal/protocol"
	"github.com/iamdevdhanush/Green/internal/registry"
	"github.com/iamdevdhanush/Green/internal/repository"
	"github.com/iamdevdhanush/Green/internal/telemetry"
)

// AgentHandler groups the endpoints agents talk to: registration, heartbeat
// ingestion, command polling and result reporting. All but Register run
// behind AuthenticateAgent, so the target machine comes out of the request
// context, never out of the body.
type AgentHandler struct {
	registry  *registry.Service
	telemetry *telemetry.Service
	dispatch  *dispatch.Service
	logger    *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(reg *registry.Service, tel *telemetry.Service, dis *dispatch.Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry:  reg,
		telemetry: tel,
		dispatch:  dis,
		logger:    logger.Named("agent_handler"),
	}
}

// Register handles POST /api/v1/agents/register.
// Registration is idempotent by fingerprint: first contact creates the
// machine and returns 201, re-registration refreshes its metadata, rotates
// the token and returns 200. The raw token appears only in this response.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	result, err := h.registry.Register(r.Context(), req, clientIP(r))
	if err != nil {
		if errors.Is(err, registry.ErrInvalidFingerprint) {
			ErrValidation(w, "fingerprint must be a MAC address")
			return
		}
		h.logger.Error("registration failed",
			zap.String("fingerprint", req.Fingerprint),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	resp := protocol.RegisterResponse{
		MachineID: result.Machine.ID.String(),
		Token:     result.Token,
		Message:   "machine re-registered",
	}
	if result.Created {
		resp.Message = "machine registered"
		Created(w, resp)
		return
	}
	Ok(w, resp)
}

// Heartbeat handles POST /api/v1/agents/heartbeat (agent auth).
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	machine := machineFromCtx(r.Context())
	if machine == nil {
		ErrUnauthorized(w)
		return
	}

	var req protocol.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	resp, err := h.telemetry.Ingest(r.Context(), machine.ID, req, clientIP(r))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("heartbeat ingest failed",
			zap.String("machine_id", machine.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	Ok(w, resp)
}

// Poll handles GET /api/v1/agents/commands/poll (agent auth). At most one
// pending command is returned; stale ones are expired as a side effect.
func (h *AgentHandler) Poll(w http.ResponseWriter, r *http.Request) {
	machine := machineFromCtx(r.Context())
	if machine == nil {
		ErrUnauthorized(w)
		return
	}

	resp, err := h.dispatch.Poll(r.Context(), machine.ID)
	if err != nil {
		h.logger.Error("command poll failed",
			zap.String("machine_id", machine.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	Ok(w, resp)
}

// Result handles POST /api/v1/agents/commands/result (agent auth).
// Reporting the same decision twice is a no-op; a conflicting decision for
// an already finalized command is a 409.
func (h *AgentHandler) Result(w http.ResponseWriter, r *http.Request) {
	machine := machineFromCtx(r.Context())
	if machine == nil {
		ErrUnauthorized(w)
		return
	}

	var req protocol.ResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	// The uuid validator tag guarantees this parses.
	commandID := uuid.MustParse(req.CommandID)

	err := h.dispatch.Result(r.Context(), machine.ID, commandID, req, clientIP(r))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		ErrNotFound(w)
		return
	case errors.Is(err, dispatch.ErrCommandNotForMachine):
		ErrStateConflict(w, "command does not belong to this machine")
		return
	case errors.Is(err, dispatch.ErrAlreadyFinalized):
		ErrConflict(w, "command already finalized with a different result")
		return
	case err != nil:
		h.logger.Error("command result failed",
			zap.String("machine_id", machine.ID.String()),
			zap.String("command_id", req.CommandID),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	Ok(w, protocol.ResultResponse{Status: "ok"})
}
