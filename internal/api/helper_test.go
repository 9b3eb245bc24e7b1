package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/dispatch"
	"github.com/iamdevdhanush/Green/internal/energy"
	"github.com/iamdevdhanush/Green/internal/events"
	"github.com/iamdevdhanush/Green/internal/protocol"
	"github.com/iamdevdhanush/Green/internal/ratelimit"
	"github.com/iamdevdhanush/Green/internal/registry"
	"github.com/iamdevdhanush/Green/internal/repository"
	"github.com/iamdevdhanush/Green/internal/telemetry"
)

const (
	adminUsername = "admin"
	adminPassword = "admin-pass-123"
)

var fpCounter uint32

func nextFingerprint() string {
	n := atomic.AddUint32(&fpCounter, 1)
	return fmt.Sprintf("AA:BB:CC:%02X:%02X:%02X", byte(n>>16), byte(n>>8), byte(n))
}

// testEnv is a full server wired over a temp sqlite file, with the admin
// account bootstrapped. The default limiter budgets are high enough that no
// functional test ever trips them; limiter behavior has its own env.
type testEnv struct {
	router http.Handler
	store  *repository.Store
	jwtMgr *auth.JWTManager
	hub    *events.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvLimited(t, 100_000, 10_000)
}

func newTestEnvLimited(t *testing.T, generalTokens, loginTokens uint64) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	gdb, err := db.New(db.Config{
		DSN:    filepath.Join(t.TempDir(), "greenops.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	store := repository.NewStore(gdb)

	jwtMgr, err := auth.NewJWTManager([]byte("0123456789abcdef0123456789abcdef"), "greenops")
	require.NoError(t, err)

	authSvc, err := auth.NewService(store, jwtMgr, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := events.NewHub()
	go hub.Run(ctx)

	calc := energy.NewCalculator(energy.Calculator{})
	general := ratelimit.New(generalTokens, time.Minute, logger)
	login := ratelimit.New(loginTokens, time.Minute, logger)
	t.Cleanup(func() {
		_ = general.Close(context.Background())
		_ = login.Close(context.Background())
	})

	require.NoError(t, auth.EnsureAdmin(ctx, store, logger, adminUsername, adminPassword))

	router := NewRouter(RouterConfig{
		Store:          store,
		AuthService:    authSvc,
		JWTManager:     jwtMgr,
		Registry:       registry.NewService(store, hub, logger),
		Telemetry:      telemetry.NewService(store, calc, hub, nil, logger),
		Dispatch:       dispatch.NewService(store, hub, nil, logger, 0),
		Hub:            hub,
		Cache:          nil,
		Logger:         logger,
		GeneralLimiter: general,
		LoginLimiter:   login,
	})

	return &testEnv{router: router, store: store, jwtMgr: jwtMgr, hub: hub}
}

// do runs one request through the router. A nil body sends no payload;
// a string body is sent verbatim so tests can submit malformed JSON;
// anything else is marshalled.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), "body: %s", rec.Body.String())
}

// errorCode returns the code field of an error envelope body.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env protocol.ErrorEnvelope
	decodeInto(t, rec, &env)
	return env.Error.Code
}

// loginAdmin authenticates the bootstrapped admin and returns the session.
func (e *testEnv) loginAdmin(t *testing.T) sessionResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": adminUsername,
		"password": adminPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var session sessionResponse
	decodeInto(t, rec, &session)
	return session
}

// registerAgent registers a machine and returns its id and raw agent token.
func (e *testEnv) registerAgent(t *testing.T, fingerprint string) protocol.RegisterResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/agents/register", "", protocol.RegisterRequest{
		Fingerprint: fingerprint,
		Hostname:    "test-host",
		OSType:      "linux",
		OSVersion:   "6.8",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var resp protocol.RegisterResponse
	decodeInto(t, rec, &resp)
	return resp
}

// heartbeat sends one heartbeat with the given agent token.
func (e *testEnv) heartbeat(t *testing.T, token string, idleSeconds int) protocol.HeartbeatResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/agents/heartbeat", token, protocol.HeartbeatRequest{
		IdleSeconds: idleSeconds,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var resp protocol.HeartbeatResponse
	decodeInto(t, rec, &resp)
	return resp
}
