package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/repository"
)

// AuditHandler serves the append-only audit trail. Read-only and
// admin-only; entries are written by the services that perform the audited
// actions.
type AuditHandler struct {
	store  *repository.Store
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(store *repository.Store, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		store:  store,
		logger: logger.Named("audit_handler"),
	}
}

// auditEntryResponse is one trail row. Details is the raw JSON the writer
// attached, passed through untouched.
type auditEntryResponse struct {
	ID        string          `json:"id"`
	UserID    *string         `json:"user_id"`
	MachineID *string         `json:"machine_id"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details"`
	IPAddress string          `json:"ip_address"`
	CreatedAt string          `json:"created_at"`
}

// listAuditResponse wraps a paginated audit page.
type listAuditResponse struct {
	Items []auditEntryResponse `json:"items"`
	Total int64                `json:"total"`
}

// List handles GET /api/v1/audit (admin only). Optional filters:
// ?user_id=, ?machine_id=, ?action=.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := repository.AuditListOptions{
		ListOptions: paginationOpts(r),
		Action:      r.URL.Query().Get("action"),
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			ErrValidation(w, "user_id must be a UUID")
			return
		}
		opts.UserID = &id
	}
	if v := r.URL.Query().Get("machine_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			ErrValidation(w, "machine_id must be a UUID")
			return
		}
		opts.MachineID = &id
	}

	entries, total, err := h.store.Audit.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list audit entries", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		details := e.Details
		if details == "" {
			details = "{}"
		}
		items[i] = auditEntryResponse{
			ID:        e.ID.String(),
			Action:    e.Action,
			Details:   json.RawMessage(details),
			IPAddress: e.IPAddress,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if e.UserID != nil {
			s := e.UserID.String()
			items[i].UserID = &s
		}
		if e.MachineID != nil {
			s := e.MachineID.String()
			items[i].MachineID = &s
		}
	}

	Ok(w, listAuditResponse{Items: items, Total: total})
}
