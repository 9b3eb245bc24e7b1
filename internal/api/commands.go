package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/dispatch"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// CommandHandler groups the operator-facing shutdown command endpoints.
// Both are admin-only; the agent side of the command lifecycle lives in
// AgentHandler.
type CommandHandler struct {
	dispatch *dispatch.Service
	store    *repository.Store
	logger   *zap.Logger
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(dis *dispatch.Service, store *repository.Store, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		dispatch: dis,
		store:    store,
		logger:   logger.Named("command_handler"),
	}
}

// issueCommandRequest is the JSON body for POST /api/v1/commands/shutdown.
type issueCommandRequest struct {
	MachineID            string `json:"machine_id"`
	IdleThresholdMinutes int    `json:"idle_threshold_minutes"`
	Notes                string `json:"notes"`
}

// commandResponse is the JSON representation of a shutdown command.
type commandResponse struct {
	ID                   string  `json:"id"`
	MachineID            string  `json:"machine_id"`
	IssuedBy             string  `json:"issued_by"`
	Status               string  `json:"status"`
	IdleThresholdMinutes int     `json:"idle_threshold_minutes"`
	IssuedAt             string  `json:"issued_at"`
	ExpiresAt            string  `json:"expires_at"`
	ExecutedAt           *string `json:"executed_at"`
	RejectionReason      string  `json:"rejection_reason"`
	Notes                string  `json:"notes"`
}

// commandToResponse converts a db.ShutdownCommand to a commandResponse.
func commandToResponse(c *db.ShutdownCommand) commandResponse {
	resp := commandResponse{
		ID:                   c.ID.String(),
		MachineID:            c.MachineID.String(),
		IssuedBy:             c.IssuedBy.String(),
		Status:               c.Status,
		IdleThresholdMinutes: c.IdleThresholdMinutes,
		IssuedAt:             c.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:            c.ExpiresAt.UTC().Format(time.RFC3339),
		RejectionReason:      c.RejectionReason,
		Notes:                c.Notes,
	}
	if c.ExecutedAt != nil {
		s := c.ExecutedAt.UTC().Format(time.RFC3339)
		resp.ExecutedAt = &s
	}
	return resp
}

// listCommandsResponse wraps a paginated list of commands.
type listCommandsResponse struct {
	Items []commandResponse `json:"items"`
	Total int64             `json:"total"`
}

// IssueShutdown handles POST /api/v1/commands/shutdown (admin only).
// The target must be idle by its last heartbeat; the agent re-validates
// idleness locally before acting, so a stale reading cannot pull a machine
// out from under an active user.
func (h *CommandHandler) IssueShutdown(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	issuedBy, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	var req issueCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	machineID, err := uuid.Parse(req.MachineID)
	if err != nil {
		ErrValidation(w, "machine_id must be a UUID")
		return
	}
	if req.IdleThresholdMinutes < 0 {
		ErrValidation(w, "idle_threshold_minutes must not be negative")
		return
	}

	cmd, err := h.dispatch.Issue(r.Context(), machineID, issuedBy, req.IdleThresholdMinutes, req.Notes, clientIP(r))
	if err != nil {
		var notIdle *dispatch.NotIdleError
		switch {
		case errors.As(err, &notIdle):
			ErrStateConflict(w, notIdle.Error())
		case errors.Is(err, repository.ErrNotFound):
			ErrNotFound(w)
		default:
			h.logger.Error("failed to issue shutdown command",
				zap.String("machine_id", req.MachineID),
				zap.Error(err),
			)
			ErrInternal(w)
		}
		return
	}

	Created(w, commandToResponse(cmd))
}

// List handles GET /api/v1/commands (admin only). An optional ?machine_id=
// narrows the listing to one machine.
func (h *CommandHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var (
		cmds  []db.ShutdownCommand
		total int64
		err   error
	)
	if v := r.URL.Query().Get("machine_id"); v != "" {
		machineID, parseErr := uuid.Parse(v)
		if parseErr != nil {
			ErrValidation(w, "machine_id must be a UUID")
			return
		}
		cmds, total, err = h.store.Commands.ListByMachine(r.Context(), machineID, opts)
	} else {
		cmds, total, err = h.store.Commands.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list commands", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]commandResponse, len(cmds))
	for i := range cmds {
		items[i] = commandToResponse(&cmds[i])
	}

	Ok(w, listCommandsResponse{Items: items, Total: total})
}
