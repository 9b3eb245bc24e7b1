package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// minPasswordLen is the minimum accepted operator password length.
const minPasswordLen = 8

// UserHandler groups the operator management endpoints. All routes are
// admin-only, enforced by RequireRole("admin") in the router.
type UserHandler struct {
	store  *repository.Store
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(store *repository.Store, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		store:  store,
		logger: logger.Named("user_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// userResponse is the JSON representation of an operator. The password hash
// and lockout counters are internal and never exposed via the API.
type userResponse struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	Role        string  `json:"role"`
	IsActive    bool    `json:"is_active"`
	LastLoginAt *string `json:"last_login_at"`
	CreatedAt   string  `json:"created_at"`
}

// userToResponse converts a db.User to a userResponse.
func userToResponse(u *db.User) userResponse {
	resp := userResponse{
		ID:        u.ID.String(),
		Username:  u.Username,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
	if u.LastLoginAt != nil {
		s := u.LastLoginAt.UTC().Format(time.RFC3339)
		resp.LastLoginAt = &s
	}
	return resp
}

// listUsersResponse wraps a paginated list of operators.
type listUsersResponse struct {
	Items []userResponse `json:"items"`
	Total int64          `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, total, err := h.store.Users.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]userResponse, len(users))
	for i := range users {
		items[i] = userToResponse(&users[i])
	}

	Ok(w, listUsersResponse{Items: items, Total: total})
}

// createUserRequest is the JSON body expected by POST /api/v1/users.
type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Create handles POST /api/v1/users.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	username := auth.NormalizeUsername(req.Username)
	if username == "" {
		ErrValidation(w, "username is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		ErrValidation(w, "password must be at least 8 characters")
		return
	}
	if req.Role == "" {
		req.Role = db.RoleViewer
	}
	if req.Role != db.RoleAdmin && req.Role != db.RoleViewer {
		ErrValidation(w, "role must be admin or viewer")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		ErrInternal(w)
		return
	}

	user := &db.User{
		Username:     username,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
	}
	if err := h.store.Users.Create(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, "username already exists")
			return
		}
		h.logger.Error("failed to create user", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.auditUser(r, db.AuditUserCreated, user.ID)

	Created(w, userToResponse(user))
}

// GetByID handles GET /api/v1/users/{id}.
func (h *UserHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.store.Users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user))
}

// updateUserRequest is the JSON body for PATCH /api/v1/users/{id}.
// All fields are optional; only present fields are changed.
type updateUserRequest struct {
	Password *string `json:"password"`
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
}

// Update handles PATCH /api/v1/users/{id}. Two guards apply: an admin
// cannot disable or demote itself, and the last active admin can be neither
// demoted nor disabled.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password == nil && req.Role == nil && req.IsActive == nil {
		ErrValidation(w, "nothing to update")
		return
	}
	if req.Password != nil && len(*req.Password) < minPasswordLen {
		ErrValidation(w, "password must be at least 8 characters")
		return
	}
	if req.Role != nil && *req.Role != db.RoleAdmin && *req.Role != db.RoleViewer {
		ErrValidation(w, "role must be admin or viewer")
		return
	}

	caller := callerUUID(r)
	self := caller != nil && *caller == id
	if self && req.IsActive != nil && !*req.IsActive {
		ErrStateConflict(w, "cannot disable your own account")
		return
	}
	if self && req.Role != nil && *req.Role != db.RoleAdmin {
		ErrStateConflict(w, "cannot demote your own account")
		return
	}

	user, err := h.store.Users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	demoting := req.Role != nil && *req.Role != db.RoleAdmin
	disabling := req.IsActive != nil && !*req.IsActive
	if user.Role == db.RoleAdmin && user.IsActive && (demoting || disabling) {
		admins, err := h.store.Users.CountActiveAdmins(r.Context())
		if err != nil {
			h.logger.Error("failed to count admins", zap.Error(err))
			ErrInternal(w)
			return
		}
		if admins <= 1 {
			ErrStateConflict(w, "cannot remove the last active admin")
			return
		}
	}

	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			h.logger.Error("failed to hash password", zap.Error(err))
			ErrInternal(w)
			return
		}
		user.PasswordHash = hash
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	if err := h.store.Users.Update(r.Context(), user); err != nil {
		h.logger.Error("failed to update user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.auditUser(r, db.AuditUserUpdated, user.ID)

	Ok(w, userToResponse(user))
}

// Delete handles DELETE /api/v1/users/{id}. Self-deletion and removing the
// last active admin are rejected; refresh tokens of the deleted operator
// are revoked in the same transaction.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	caller := callerUUID(r)
	if caller != nil && *caller == id {
		ErrStateConflict(w, "cannot delete your own account")
		return
	}

	err := h.store.Transaction(r.Context(), func(tx *repository.Store) error {
		user, err := tx.Users.GetByID(r.Context(), id)
		if err != nil {
			return err
		}
		if user.Role == db.RoleAdmin && user.IsActive {
			admins, err := tx.Users.CountActiveAdmins(r.Context())
			if err != nil {
				return err
			}
			if admins <= 1 {
				return errLastAdmin
			}
		}
		if err := tx.RefreshTokens.RevokeAllForUser(r.Context(), id); err != nil {
			return err
		}
		return tx.Users.Delete(r.Context(), id)
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, errLastAdmin):
			ErrStateConflict(w, "cannot remove the last active admin")
		default:
			h.logger.Error("failed to delete user", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.auditUser(r, db.AuditUserDeleted, id)

	NoContent(w)
}

// errLastAdmin aborts the delete transaction when the target is the only
// active admin left.
var errLastAdmin = errors.New("api: last active admin")

// auditUser records an administrative user change. Best effort.
func (h *UserHandler) auditUser(r *http.Request, action string, targetID uuid.UUID) {
	details := `{"target":"` + targetID.String() + `"}`
	entry := &db.AuditLog{
		UserID:    callerUUID(r),
		Action:    action,
		Details:   details,
		IPAddress: clientIP(r),
	}
	if err := h.store.Audit.Create(r.Context(), entry); err != nil {
		h.logger.Warn("failed to write audit entry", zap.String("action", action), zap.Error(err))
	}
}
