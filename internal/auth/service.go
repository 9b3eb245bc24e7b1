package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/repository"
)

const (
	// refreshTokenDuration defines how long a refresh token remains valid.
	refreshTokenDuration = 7 * 24 * time.Hour

	// lockoutThreshold is the number of consecutive failed logins that locks
	// an account; lockoutWindow is how long the lock holds.
	lockoutThreshold = 10
	lockoutWindow    = 15 * time.Minute

	// timingDummySentinel seeds the startup dummy hash. Not a secret; it
	// exists so rejection paths that skip the real hash still burn a full
	// argon2 verify and do not leak username existence via latency.
	timingDummySentinel = "greenops-timing-equalizer"
)

// LoginRequest carries the credentials and client metadata of a login attempt.
type LoginRequest struct {
	Username  string
	Password  string
	UserAgent string
	IP        string
}

// Session is the result of a successful login.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Role         string
	Username     string
}

// AccessGrant is the result of a successful token refresh. Refresh tokens
// are single-use by digest, so no new refresh token accompanies it; a fresh
// login issues the next one.
type AccessGrant struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Service is the session authority: it owns login, refresh, logout, and the
// account lockout counters. All multi-step mutations run inside a single
// database transaction.
type Service struct {
	store  *repository.Store
	jwt    *JWTManager
	logger *zap.Logger

	dummyHash string
	now       func() time.Time
}

// NewService creates the session authority. The timing dummy is hashed once
// here so per-request rejection paths pay only the verify cost.
func NewService(store *repository.Store, jwtManager *JWTManager, logger *zap.Logger) (*Service, error) {
	dummy, err := HashPassword(timingDummySentinel)
	if err != nil {
		return nil, fmt.Errorf("auth: computing timing dummy: %w", err)
	}
	return &Service{
		store:     store,
		jwt:       jwtManager,
		logger:    logger,
		dummyHash: dummy,
		now:       time.Now,
	}, nil
}

// NormalizeUsername trims and lowercases a username. Every lookup and every
// stored username goes through this, so case variants cannot split accounts.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Login validates credentials and returns a new session.
//
// Rejections that never reach a stored hash (unknown or disabled account)
// verify against the startup dummy first, keeping the latency of "wrong
// user" and "wrong password" indistinguishable. Failed attempts count
// toward lockout; the attempt that crosses the threshold locks the account
// for lockoutWindow and resets the counter.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	username := NormalizeUsername(req.Username)
	now := s.now().UTC()

	var session *Session
	var authErr error

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		user, err := tx.Users.GetByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				VerifyPassword(req.Password, s.dummyHash)
				authErr = ErrInvalidCredentials
				return nil
			}
			return fmt.Errorf("auth: fetching user: %w", err)
		}

		if !user.IsActive {
			VerifyPassword(req.Password, s.dummyHash)
			authErr = ErrInvalidCredentials
			return nil
		}

		if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
			authErr = &AccountLockedError{RetryAfter: user.LockedUntil.Sub(now)}
			return nil
		}

		if !VerifyPassword(req.Password, user.PasswordHash) {
			user.FailedLoginAttempts++
			s.audit(ctx, tx, db.AuditLoginFailed, &user.ID, req.IP, map[string]any{
				"username": user.Username,
				"attempts": user.FailedLoginAttempts,
			})

			if user.FailedLoginAttempts >= lockoutThreshold {
				until := now.Add(lockoutWindow)
				user.LockedUntil = &until
				user.FailedLoginAttempts = 0
				s.audit(ctx, tx, db.AuditAccountLocked, &user.ID, req.IP, map[string]any{
					"username":     user.Username,
					"locked_until": until.Format(time.RFC3339),
				})
				s.logger.Warn("account locked after repeated failures",
					zap.String("username", user.Username),
					zap.Time("until", until))
			}

			if err := tx.Users.Update(ctx, user); err != nil {
				return fmt.Errorf("auth: recording failed attempt: %w", err)
			}
			authErr = ErrInvalidCredentials
			return nil
		}

		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
		user.LastLoginAt = &now
		if NeedsRehash(user.PasswordHash) {
			if rehashed, err := HashPassword(req.Password); err == nil {
				user.PasswordHash = rehashed
			}
		}
		if err := tx.Users.Update(ctx, user); err != nil {
			return fmt.Errorf("auth: recording login: %w", err)
		}

		access, expiresAt, err := s.jwt.GenerateAccessToken(user.ID.String(), user.Username, user.Role)
		if err != nil {
			return err
		}

		rawRefresh, err := GenerateRefreshToken()
		if err != nil {
			return err
		}

		if err := tx.RefreshTokens.Create(ctx, &db.RefreshToken{
			UserID:    user.ID,
			TokenHash: HashToken(rawRefresh),
			ExpiresAt: now.Add(refreshTokenDuration),
			UserAgent: truncate(req.UserAgent, 256),
			IPAddress: truncate(req.IP, 64),
		}); err != nil {
			return fmt.Errorf("auth: persisting refresh token: %w", err)
		}

		session = &Session{
			AccessToken:  access,
			RefreshToken: rawRefresh,
			ExpiresAt:    expiresAt,
			Role:         user.Role,
			Username:     user.Username,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if authErr != nil {
		return nil, authErr
	}
	return session, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// presented digest is marked revoked inside the same transaction, before
// the new access token is returned, so one refresh token can never mint two
// access tokens. An expired token is also revoked on the way out.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*AccessGrant, error) {
	digest := HashToken(rawToken)
	now := s.now().UTC()

	var grant *AccessGrant
	var authErr error

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		stored, err := tx.RefreshTokens.GetByHash(ctx, digest)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				authErr = ErrRefreshTokenNotFound
				return nil
			}
			return fmt.Errorf("auth: fetching refresh token: %w", err)
		}

		if stored.RevokedAt != nil {
			authErr = ErrRefreshTokenNotFound
			return nil
		}

		if now.After(stored.ExpiresAt) {
			if err := tx.RefreshTokens.Revoke(ctx, stored.ID, now); err != nil {
				return fmt.Errorf("auth: revoking expired refresh token: %w", err)
			}
			authErr = ErrTokenExpired
			return nil
		}

		user, err := tx.Users.GetByID(ctx, stored.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				authErr = ErrUserNotFound
				return nil
			}
			return fmt.Errorf("auth: fetching user for refresh: %w", err)
		}
		if !user.IsActive {
			authErr = ErrUserDisabled
			return nil
		}

		if err := tx.RefreshTokens.Revoke(ctx, stored.ID, now); err != nil {
			return fmt.Errorf("auth: revoking used refresh token: %w", err)
		}

		access, expiresAt, err := s.jwt.GenerateAccessToken(user.ID.String(), user.Username, user.Role)
		if err != nil {
			return err
		}

		grant = &AccessGrant{AccessToken: access, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if authErr != nil {
		return nil, authErr
	}
	return grant, nil
}

// Logout revokes the presented refresh token if it belongs to the caller.
// A missing or foreign token is a no-op: the client clears its state either
// way, and the response should not confirm other users' tokens.
func (s *Service) Logout(ctx context.Context, rawToken string, callerID uuid.UUID) error {
	digest := HashToken(rawToken)
	now := s.now().UTC()

	stored, err := s.store.RefreshTokens.GetByHash(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("auth: fetching refresh token on logout: %w", err)
	}
	if stored.UserID != callerID || stored.RevokedAt != nil {
		return nil
	}

	if err := s.store.RefreshTokens.Revoke(ctx, stored.ID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("auth: revoking refresh token on logout: %w", err)
	}
	return nil
}

// audit appends a best-effort audit row inside the caller's transaction.
// Audit failures are logged, not propagated: a full trail is worth less
// than a working login path.
func (s *Service) audit(ctx context.Context, tx *repository.Store, action string, userID *uuid.UUID, ip string, details map[string]any) {
	payload := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			payload = string(b)
		}
	}
	if err := tx.Audit.Create(ctx, &db.AuditLog{
		UserID:    userID,
		Action:    action,
		Details:   payload,
		IPAddress: truncate(ip, 64),
	}); err != nil {
		s.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
