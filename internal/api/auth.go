package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/metrics"
)

// AuthHandler groups the operator session endpoints: login, refresh and
// logout. Refresh tokens travel in the JSON body, never in cookies, so the
// same contract serves the browser dashboard and scripted API clients.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
	}
}

// loginRequest is the JSON body expected by POST /api/v1/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// sessionResponse is the body returned on successful login.
type sessionResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	Role         string `json:"role"`
	Username     string `json:"username"`
}

// refreshRequest is the JSON body for POST /api/v1/auth/refresh and logout.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the body returned on successful token refresh. No new
// refresh token accompanies it: the presented one is spent, and the next
// login issues a fresh pair.
type refreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

// Login handles POST /api/v1/auth/login. The route sits behind the strict
// login limiter in addition to the account lockout counter enforced by the
// auth service.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		ErrValidation(w, "username and password are required")
		return
	}

	session, err := h.svc.Login(r.Context(), auth.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	})
	if err != nil {
		var locked *auth.AccountLockedError
		switch {
		case errors.As(err, &locked):
			metrics.LoginFailures.Inc()
			secs := int(math.Ceil(locked.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			errJSON(w, http.StatusTooManyRequests,
				fmt.Sprintf("account locked, retry in %ds", secs), "rate_limited")
		case errors.Is(err, auth.ErrInvalidCredentials):
			metrics.LoginFailures.Inc()
			w.Header().Set("WWW-Authenticate", "Bearer")
			errJSON(w, http.StatusUnauthorized, "invalid username or password", "unauthorized")
		default:
			h.logger.Error("login failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, sessionResponse{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt.UTC().Format(time.RFC3339),
		Role:         session.Role,
		Username:     session.Username,
	})
}

// Refresh handles POST /api/v1/auth/refresh. The presented refresh token is
// single-use: it is revoked before the new access token leaves the server,
// so replaying it afterwards is a 401.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		ErrValidation(w, "refresh_token is required")
		return
	}

	grant, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshTokenNotFound),
			errors.Is(err, auth.ErrTokenExpired),
			errors.Is(err, auth.ErrUserNotFound),
			errors.Is(err, auth.ErrUserDisabled):
			ErrUnauthorized(w)
		default:
			h.logger.Error("token refresh failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, refreshResponse{
		AccessToken: grant.AccessToken,
		ExpiresAt:   grant.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout handles POST /api/v1/auth/logout (operator auth). Revoking a token
// that is already gone still returns 204: the client forgets its state
// either way.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	callerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		ErrValidation(w, "refresh_token is required")
		return
	}

	if err := h.svc.Logout(r.Context(), req.RefreshToken, callerID); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
