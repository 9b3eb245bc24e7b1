package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/protocol"
)

// TestAgentLifecycle walks the whole loop an agent lives through: register,
// report idle telemetry, get picked for shutdown by an operator, poll the
// command, report execution.
func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	fp := nextFingerprint()

	reg := env.registerAgent(t, fp)
	require.True(t, auth.IsAgentToken(reg.Token))
	machineID, err := uuid.Parse(reg.MachineID)
	require.NoError(t, err)
	require.Equal(t, "machine registered", reg.Message)

	// Re-registration is idempotent for the machine, 200 instead of 201.
	rec := env.do(t, http.MethodPost, "/api/v1/agents/register", "", protocol.RegisterRequest{
		Fingerprint: fp,
		Hostname:    "test-host",
		OSType:      "linux",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var again protocol.RegisterResponse
	decodeInto(t, rec, &again)
	require.Equal(t, reg.MachineID, again.MachineID)
	require.Equal(t, "machine re-registered", again.Message)
	token := again.Token

	// Ten minutes of reported idle classifies the machine idle and credits
	// one 60 s interval of waste.
	hb := env.heartbeat(t, token, 600)
	require.Equal(t, "ok", hb.Status)
	require.Equal(t, db.StatusIdle, hb.MachineStatus)
	require.InDelta(t, 0.0010833, hb.EnergyWastedKWh, 1e-7)
	require.False(t, hb.HasPendingCommand)

	// Operator issues a shutdown against the idle machine.
	session := env.loginAdmin(t)
	rec = env.do(t, http.MethodPost, "/api/v1/commands/shutdown", session.AccessToken, map[string]any{
		"machine_id":             reg.MachineID,
		"idle_threshold_minutes": 15,
		"notes":                  "overnight sweep",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var cmd commandResponse
	decodeInto(t, rec, &cmd)
	require.Equal(t, db.CommandPending, cmd.Status)
	require.Equal(t, 15, cmd.IdleThresholdMinutes)
	require.Equal(t, "overnight sweep", cmd.Notes)

	// The next heartbeat carries the pending-command hint.
	hb = env.heartbeat(t, token, 660)
	require.True(t, hb.HasPendingCommand)
	require.Equal(t, cmd.ID, hb.CommandID)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/commands/poll", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var poll protocol.PollResponse
	decodeInto(t, rec, &poll)
	require.True(t, poll.HasCommand)
	require.Equal(t, cmd.ID, poll.CommandID)
	require.Equal(t, protocol.CommandTypeShutdown, poll.CommandType)
	require.Equal(t, 15, poll.IdleThresholdMinutes)

	// Agent confirms execution; the machine record flips to shutdown.
	idleMinutes := 20
	rec = env.do(t, http.MethodPost, "/api/v1/agents/commands/result", token, protocol.ResultRequest{
		CommandID:              cmd.ID,
		Executed:               true,
		IdleMinutesAtExecution: &idleMinutes,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	machine, err := env.store.Machines.GetByID(context.Background(), machineID)
	require.NoError(t, err)
	require.Equal(t, db.StatusShutdown, machine.Status)

	// Retrying the same decision is a no-op.
	rec = env.do(t, http.MethodPost, "/api/v1/agents/commands/result", token, protocol.ResultRequest{
		CommandID: cmd.ID,
		Executed:  true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// A conflicting decision for the finalized command is refused.
	rec = env.do(t, http.MethodPost, "/api/v1/agents/commands/result", token, protocol.ResultRequest{
		CommandID: cmd.ID,
		Executed:  false,
		Reason:    "changed my mind",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", errorCode(t, rec))
}

func TestAgentRejectsShutdown(t *testing.T) {
	env := newTestEnv(t)

	reg := env.registerAgent(t, nextFingerprint())
	env.heartbeat(t, reg.Token, 600)

	session := env.loginAdmin(t)
	rec := env.do(t, http.MethodPost, "/api/v1/commands/shutdown", session.AccessToken, map[string]any{
		"machine_id":             reg.MachineID,
		"idle_threshold_minutes": 15,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cmd commandResponse
	decodeInto(t, rec, &cmd)

	// Locally the machine is busy again, so the agent declines.
	idleMinutes := 3
	rec = env.do(t, http.MethodPost, "/api/v1/agents/commands/result", reg.Token, protocol.ResultRequest{
		CommandID:              cmd.ID,
		Executed:               false,
		Reason:                 "Machine not idle. Current idle: 3m, required: 15m",
		IdleMinutesAtExecution: &idleMinutes,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	machineID := uuid.MustParse(reg.MachineID)
	machine, err := env.store.Machines.GetByID(context.Background(), machineID)
	require.NoError(t, err)
	require.Equal(t, db.StatusIdle, machine.Status)

	stored, err := env.store.Commands.GetByID(context.Background(), uuid.MustParse(cmd.ID))
	require.NoError(t, err)
	require.Equal(t, db.CommandRejected, stored.Status)
	require.Contains(t, stored.RejectionReason, "not idle")
}

func TestResultForForeignCommand(t *testing.T) {
	env := newTestEnv(t)

	victim := env.registerAgent(t, nextFingerprint())
	env.heartbeat(t, victim.Token, 600)
	other := env.registerAgent(t, nextFingerprint())

	session := env.loginAdmin(t)
	rec := env.do(t, http.MethodPost, "/api/v1/commands/shutdown", session.AccessToken, map[string]any{
		"machine_id": victim.MachineID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cmd commandResponse
	decodeInto(t, rec, &cmd)

	rec = env.do(t, http.MethodPost, "/api/v1/agents/commands/result", other.Token, protocol.ResultRequest{
		CommandID: cmd.ID,
		Executed:  true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "conflict", errorCode(t, rec))
}

func TestResultValidation(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerAgent(t, nextFingerprint())

	rec := env.do(t, http.MethodPost, "/api/v1/agents/commands/result", reg.Token, protocol.ResultRequest{
		CommandID: "not-a-uuid",
		Executed:  true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_error", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/agents/commands/result", reg.Token, protocol.ResultRequest{
		CommandID: uuid.NewString(),
		Executed:  true,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name     string
		body     any
		wantCode string
	}{
		{
			"missing hostname",
			protocol.RegisterRequest{Fingerprint: nextFingerprint(), OSType: "linux"},
			"validation_error",
		},
		{
			"fingerprint not a mac",
			protocol.RegisterRequest{Fingerprint: "server-room-42", Hostname: "h", OSType: "linux"},
			"validation_error",
		},
		{
			"bad ip",
			protocol.RegisterRequest{Fingerprint: nextFingerprint(), Hostname: "h", OSType: "linux", IP: "999.1.1.1"},
			"validation_error",
		},
		{
			"malformed json",
			`{"fingerprint": `,
			"bad_request",
		},
		{
			"unknown field",
			`{"fingerprint":"AA:BB:CC:DD:EE:FF","hostname":"h","os_type":"linux","surprise":true}`,
			"bad_request",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/agents/register", "", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, tc.wantCode, errorCode(t, rec))
		})
	}
}

func TestRegisterRejectsNonMACFingerprint(t *testing.T) {
	env := newTestEnv(t)

	// Well-formed per the wire schema but not a MAC address.
	rec := env.do(t, http.MethodPost, "/api/v1/agents/register", "", protocol.RegisterRequest{
		Fingerprint: "0:1:2:3:4:5:6",
		Hostname:    "h",
		OSType:      "linux",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body protocol.ErrorEnvelope
	decodeInto(t, rec, &body)
	require.Equal(t, "validation_error", body.Error.Code)
	require.Equal(t, "fingerprint must be a MAC address", body.Error.Message)
}

func TestHeartbeatValidation(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerAgent(t, nextFingerprint())

	over := 101.0
	cases := []struct {
		name string
		body protocol.HeartbeatRequest
	}{
		{"idle above one day", protocol.HeartbeatRequest{IdleSeconds: 86_401}},
		{"negative idle", protocol.HeartbeatRequest{IdleSeconds: -1}},
		{"cpu above 100", protocol.HeartbeatRequest{IdleSeconds: 60, CPUUsage: &over}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/agents/heartbeat", reg.Token, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "validation_error", errorCode(t, rec))
		})
	}

	// A full day of idle is the inclusive maximum.
	hb := env.heartbeat(t, reg.Token, 86_400)
	require.Equal(t, db.StatusIdle, hb.MachineStatus)
}

func TestHeartbeatBoundaries(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerAgent(t, nextFingerprint())

	// Zero idle keeps the machine online and credits nothing.
	hb := env.heartbeat(t, reg.Token, 0)
	require.Equal(t, db.StatusOnline, hb.MachineStatus)
	require.Zero(t, hb.EnergyWastedKWh)

	// Exactly the threshold classifies idle.
	hb = env.heartbeat(t, reg.Token, 300)
	require.Equal(t, db.StatusIdle, hb.MachineStatus)
}

func TestAgentAuth(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerAgent(t, nextFingerprint())

	// No credentials.
	rec := env.do(t, http.MethodPost, "/api/v1/agents/heartbeat", "", protocol.HeartbeatRequest{IdleSeconds: 60})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	// An operator JWT is not an agent credential.
	session := env.loginAdmin(t)
	rec = env.do(t, http.MethodPost, "/api/v1/agents/heartbeat", session.AccessToken, protocol.HeartbeatRequest{IdleSeconds: 60})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A bogus agent token fails even with the right prefix.
	rec = env.do(t, http.MethodPost, "/api/v1/agents/heartbeat", "agt_forged", protocol.HeartbeatRequest{IdleSeconds: 60})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// X-API-Key carries the same token for clients that cannot set
	// an Authorization header.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/heartbeat",
		strings.NewReader(`{"idle_seconds":60}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", reg.Token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
}
