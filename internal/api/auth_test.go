package api

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoginEndpoint(t *testing.T) {
	env := newTestEnv(t)

	session := env.loginAdmin(t)
	require.NotEmpty(t, session.AccessToken)
	require.NotEmpty(t, session.RefreshToken)
	require.NotEmpty(t, session.ExpiresAt)
	require.Equal(t, "admin", session.Username)
	require.Equal(t, "admin", session.Role)

	claims, err := env.jwtMgr.ValidateAccessToken(session.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": adminUsername,
		"password": "wrong-password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	require.Equal(t, "unauthorized", errorCode(t, rec))

	// Unknown usernames produce the identical response.
	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "nobody",
		"password": "wrong-password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", errorCode(t, rec))
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "",
		"password": "x",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_error", errorCode(t, rec))
}

func TestAccountLockoutEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// Ten straight failures arm the lock; every one of them still reads as
	// plain bad credentials.
	for i := 0; i < 10; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": adminUsername,
			"password": "wrong-password",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	// The locked account answers 429 with a wait hint, even to the right
	// password.
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": adminUsername,
		"password": adminPassword,
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", errorCode(t, rec))

	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.Greater(t, secs, 0)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnvLimited(t, 100_000, 3)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": adminUsername,
			"password": "wrong-password",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": adminUsername,
		"password": "wrong-password",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", errorCode(t, rec))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestGeneralRateLimit(t *testing.T) {
	env := newTestEnvLimited(t, 3, 10)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/api/v1/machines", "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "request %d", i+1)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/machines", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Liveness endpoints sit outside the limiter.
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	env := newTestEnv(t)
	session := env.loginAdmin(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var grant refreshResponse
	decodeInto(t, rec, &grant)
	require.NotEmpty(t, grant.AccessToken)

	_, err := env.jwtMgr.ValidateAccessToken(grant.AccessToken)
	require.NoError(t, err)

	// The spent token cannot be replayed.
	rec = env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": "",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_error", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": "never-issued",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutEndpoint(t *testing.T) {
	env := newTestEnv(t)
	session := env.loginAdmin(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/logout", session.AccessToken, map[string]string{
		"refresh_token": session.RefreshToken,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Logout itself requires a valid access token.
	rec = env.do(t, http.MethodPost, "/api/v1/auth/logout", "", map[string]string{
		"refresh_token": session.RefreshToken,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	env := newTestEnv(t)

	paths := []string{
		"/api/v1/machines",
		"/api/v1/dashboard/overview",
		"/api/v1/users",
		"/api/v1/audit",
	}
	for _, path := range paths {
		rec := env.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"), path)

		rec = env.do(t, http.MethodGet, path, "garbage-token", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestViewerRoleForbiddenFromAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	admin := env.loginAdmin(t)

	rec := env.do(t, http.MethodPost, "/api/v1/users", admin.AccessToken, map[string]string{
		"username": "scout",
		"password": "viewer-pass-1",
		"role":     "viewer",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "scout",
		"password": "viewer-pass-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var viewer sessionResponse
	decodeInto(t, rec, &viewer)
	require.Equal(t, "viewer", viewer.Role)

	// Reads are open to any operator.
	rec = env.do(t, http.MethodGet, "/api/v1/machines", viewer.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Admin-only surfaces refuse the viewer.
	adminOnly := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/v1/users", nil},
		{http.MethodGet, "/api/v1/audit", nil},
		{http.MethodGet, "/api/v1/commands", nil},
		{http.MethodPost, "/api/v1/commands/shutdown", map[string]string{"machine_id": "x"}},
	}
	for _, route := range adminOnly {
		rec := env.do(t, route.method, route.path, viewer.AccessToken, route.body)
		require.Equal(t, http.StatusForbidden, rec.Code, route.path)
		require.Equal(t, "forbidden", errorCode(t, rec), route.path)
	}
}
