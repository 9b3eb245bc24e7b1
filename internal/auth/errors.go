package auth

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the auth service. Callers should use errors.Is
// for comparison.
var (
	// ErrInvalidCredentials is returned when username/password do not match.
	// Unknown and disabled accounts also map here so the response does not
	// reveal which usernames exist.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserNotFound is returned when no user exists for the given identifier.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrUserDisabled is returned when the user account is inactive.
	ErrUserDisabled = errors.New("auth: user account is disabled")

	// ErrTokenExpired is returned when a JWT or refresh token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when the presented refresh token
	// does not exist or has already been used.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")

	// ErrWeakSecret is returned when the configured JWT signing secret is
	// shorter than the required minimum.
	ErrWeakSecret = errors.New("auth: jwt secret must be at least 32 bytes")
)

// AccountLockedError is returned while an account's lockout window is open.
// It carries the remaining wait so the handler can emit a Retry-After header.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("auth: account locked, retry in %s", e.RetryAfter.Round(time.Second))
}
