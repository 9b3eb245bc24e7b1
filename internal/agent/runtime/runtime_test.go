package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iamdevdhanush/Green/internal/agent/config"
	"github.com/iamdevdhanush/Green/internal/agent/probe"
	"github.com/iamdevdhanush/Green/internal/protocol"
)

const (
	testMachineID = "7d444840-9dc0-41d1-b245-5ffdce74fad2"
	testCommandID = "c0ffee00-0000-4000-8000-000000000001"
)

// newTestAgent builds an Agent pointed at an httptest server, with the host
// probes replaced by deterministic fakes. DryRun is always on.
func newTestAgent(t *testing.T, handler http.HandlerFunc) *Agent {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	a, err := New(Options{
		Config: config.Config{
			ServerURL:         srv.URL,
			HeartbeatInterval: 1,
			IdleThreshold:     300,
			RetryMaxAttempts:  3,
			RetryBaseDelay:    0,
			OfflineQueueMax:   10,
		},
		ConfigPath: filepath.Join(dir, "config.json"),
		QueuePath:  filepath.Join(dir, "queue.json"),
		Version:    "test",
		DryRun:     true,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	a.describe = func(context.Context) (probe.Identity, error) {
		return probe.Identity{
			Fingerprint: "AA:BB:CC:DD:EE:01",
			Hostname:    "lab-agent",
			OSType:      "linux",
			OSVersion:   "6.8.0",
		}, nil
	}
	a.sample = staticSample(600)
	return a
}

func staticSample(idleSeconds int) func(context.Context) probe.Sample {
	cpu, mem := 12.5, 40.0
	return func(context.Context) probe.Sample {
		return probe.Sample{IdleSeconds: idleSeconds, CPUUsage: &cpu, MemoryUsage: &mem}
	}
}

func writeRegistered(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(protocol.RegisterResponse{
		MachineID: testMachineID,
		Token:     token,
		Message:   "machine registered",
	})
}

func writeEnvelope(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorEnvelope{
		Error: protocol.ErrorBody{Message: message, Code: code},
	})
}

func readConfigFile(t *testing.T, path string) config.Config {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(raw, &cfg))
	return cfg
}

func TestRegisterDelaySchedule(t *testing.T) {
	cases := []struct {
		base    int
		attempt int
		want    time.Duration
	}{
		{10, 1, 10 * time.Second},
		{10, 2, 20 * time.Second},
		{10, 3, 40 * time.Second},
		{10, 4, 80 * time.Second},
		{10, 5, 160 * time.Second},
		{10, 6, maxRegisterDelay},
		{10, 7, maxRegisterDelay},
		{0, 3, 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, registerDelay(tc.base, tc.attempt),
			"base=%d attempt=%d", tc.base, tc.attempt)
	}
}

func TestRegisterPersistsCredentials(t *testing.T) {
	var got protocol.RegisterRequest
	hits := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.Equal(t, "/api/v1/agents/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeRegistered(w, "agt_fresh")
	})

	require.NoError(t, a.register(context.Background()))
	require.Equal(t, 1, hits)

	require.Equal(t, "AA:BB:CC:DD:EE:01", got.Fingerprint)
	require.Equal(t, "lab-agent", got.Hostname)
	require.Equal(t, "linux", got.OSType)
	require.Equal(t, "test", got.AgentVersion)

	require.Equal(t, "agt_fresh", a.cfg.AgentToken)
	require.Equal(t, testMachineID, a.cfg.MachineID)

	saved := readConfigFile(t, a.cfgPath)
	require.Equal(t, "agt_fresh", saved.AgentToken)
	require.Equal(t, testMachineID, saved.MachineID)
}

func TestRegisterStopsOnFatalRejection(t *testing.T) {
	hits := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		writeEnvelope(w, http.StatusBadRequest, "validation_error", "fingerprint is required")
	})

	err := a.register(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "registration rejected")
	require.Equal(t, 1, hits)

	// No credentials were issued, so nothing should have been persisted.
	_, statErr := os.Stat(a.cfgPath)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRegisterRetriesTransientFailures(t *testing.T) {
	hits := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			writeEnvelope(w, http.StatusServiceUnavailable, "internal_error", "database offline")
			return
		}
		writeRegistered(w, "agt_eventually")
	})

	require.NoError(t, a.register(context.Background()))
	require.Equal(t, 3, hits)
	require.Equal(t, "agt_eventually", a.cfg.AgentToken)
}

func TestRegisterGivesUpAfterMaxAttempts(t *testing.T) {
	hits := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		writeEnvelope(w, http.StatusInternalServerError, "internal_error", "boom")
	})

	err := a.register(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, 3, hits)
}

func TestHeartbeatQueuesWhenServerDown(t *testing.T) {
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusInternalServerError, "internal_error", "database offline")
	})
	a.cfg.AgentToken = "agt_x"
	a.cfg.MachineID = testMachineID
	a.sample = staticSample(480)

	a.heartbeat(context.Background())

	require.Equal(t, 1, a.queue.Len())
	items, err := a.queue.Drain()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 480, items[0].IdleSeconds)
	require.NotNil(t, items[0].Timestamp)
	require.WithinDuration(t, time.Now().UTC(), *items[0].Timestamp, time.Minute)
}

func TestHeartbeatDropsRejectedSample(t *testing.T) {
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusBadRequest, "validation_error", "idle_seconds out of range")
	})
	a.cfg.AgentToken = "agt_x"

	a.heartbeat(context.Background())

	// A 4xx means the server saw the sample and refused it. Replaying it
	// later would fail the same way, so it must not be queued.
	require.Zero(t, a.queue.Len())
}

func TestHeartbeatReRegistersOn401(t *testing.T) {
	var auths []string
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/heartbeat":
			auth := r.Header.Get("Authorization")
			auths = append(auths, auth)
			if auth != "Bearer agt_new" {
				writeEnvelope(w, http.StatusUnauthorized, "unauthorized", "invalid or revoked agent token")
				return
			}
			json.NewEncoder(w).Encode(protocol.HeartbeatResponse{
				Status:          "ok",
				MachineStatus:   "idle",
				EnergyWastedKWh: 0.25,
			})
		case "/api/v1/agents/register":
			writeRegistered(w, "agt_new")
		default:
			http.NotFound(w, r)
		}
	})
	a.cfg.AgentToken = "agt_stale"
	a.cfg.MachineID = testMachineID

	a.heartbeat(context.Background())

	require.Equal(t, []string{"Bearer agt_stale", "Bearer agt_new"}, auths)
	require.Equal(t, "agt_new", a.cfg.AgentToken)
	require.Zero(t, a.queue.Len())

	saved := readConfigFile(t, a.cfgPath)
	require.Equal(t, "agt_new", saved.AgentToken)
	require.Equal(t, testMachineID, saved.MachineID)
}

func TestHeartbeatPollsOnPendingHint(t *testing.T) {
	polls := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/heartbeat":
			json.NewEncoder(w).Encode(protocol.HeartbeatResponse{
				Status:            "ok",
				MachineStatus:     "idle",
				HasPendingCommand: true,
				CommandID:         testCommandID,
			})
		case "/api/v1/agents/commands/poll":
			polls++
			json.NewEncoder(w).Encode(protocol.PollResponse{HasCommand: false})
		default:
			http.NotFound(w, r)
		}
	})
	a.cfg.AgentToken = "agt_x"

	a.heartbeat(context.Background())
	require.Equal(t, 1, polls)
}

func TestFlushQueueReplaysOldestFirst(t *testing.T) {
	var replayed []int
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var hb protocol.HeartbeatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
		replayed = append(replayed, hb.IdleSeconds)
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Status: "ok"})
	})
	a.cfg.AgentToken = "agt_x"

	for _, idle := range []int{1, 2, 3} {
		ts := time.Date(2026, 3, 1, 0, idle, 0, 0, time.UTC)
		require.NoError(t, a.queue.Push(protocol.HeartbeatRequest{IdleSeconds: idle, Timestamp: &ts}))
	}

	a.flushQueue(context.Background())

	require.Equal(t, []int{1, 2, 3}, replayed)
	require.Zero(t, a.queue.Len())
}

func TestFlushQueueKeepsRemainderOnFailure(t *testing.T) {
	hits := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Status: "ok"})
			return
		}
		writeEnvelope(w, http.StatusInternalServerError, "internal_error", "database offline")
	})
	a.cfg.AgentToken = "agt_x"

	for _, idle := range []int{1, 2, 3} {
		require.NoError(t, a.queue.Push(protocol.HeartbeatRequest{IdleSeconds: idle}))
	}

	a.flushQueue(context.Background())

	// The failed sample and everything after it stay queued, in order.
	require.Equal(t, 2, a.queue.Len())
	items, err := a.queue.Drain()
	require.NoError(t, err)
	require.Equal(t, 2, items[0].IdleSeconds)
	require.Equal(t, 3, items[1].IdleSeconds)
}

func TestPollDeliversPendingCommand(t *testing.T) {
	var got protocol.ResultRequest
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/commands/poll":
			json.NewEncoder(w).Encode(protocol.PollResponse{
				HasCommand:           true,
				CommandID:            testCommandID,
				CommandType:          protocol.CommandTypeShutdown,
				IdleThresholdMinutes: 5,
			})
		case "/api/v1/agents/commands/result":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(protocol.ResultResponse{Status: "recorded"})
		default:
			http.NotFound(w, r)
		}
	})
	a.cfg.AgentToken = "agt_x"
	a.sample = staticSample(600)

	a.poll(context.Background())

	require.Equal(t, testCommandID, got.CommandID)
	require.True(t, got.Executed)
}

func TestHandleCommandRejectsBusyMachine(t *testing.T) {
	var got protocol.ResultRequest
	results := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agents/commands/result", r.URL.Path)
		results++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(protocol.ResultResponse{Status: "recorded"})
	})
	a.cfg.AgentToken = "agt_x"
	a.sample = staticSample(120)

	a.handleCommand(context.Background(), &protocol.PollResponse{
		HasCommand:           true,
		CommandID:            testCommandID,
		CommandType:          protocol.CommandTypeShutdown,
		IdleThresholdMinutes: 15,
	})

	require.Equal(t, 1, results)
	require.Equal(t, testCommandID, got.CommandID)
	require.False(t, got.Executed)
	require.Equal(t, "Machine not idle. Current idle: 2m, required: 15m", got.Reason)
	require.NotNil(t, got.IdleMinutesAtExecution)
	require.Equal(t, 2, *got.IdleMinutesAtExecution)
}

func TestHandleCommandExecutesWhenIdle(t *testing.T) {
	var got protocol.ResultRequest
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(protocol.ResultResponse{Status: "recorded"})
	})
	a.cfg.AgentToken = "agt_x"
	a.sample = staticSample(1260)

	a.handleCommand(context.Background(), &protocol.PollResponse{
		HasCommand:           true,
		CommandID:            testCommandID,
		CommandType:          protocol.CommandTypeShutdown,
		IdleThresholdMinutes: 15,
	})

	require.True(t, got.Executed)
	require.Empty(t, got.Reason)
	require.NotNil(t, got.IdleMinutesAtExecution)
	require.Equal(t, 21, *got.IdleMinutesAtExecution)
}

func TestHandleCommandThresholdFallsBackToConfig(t *testing.T) {
	var got protocol.ResultRequest
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(protocol.ResultResponse{Status: "recorded"})
	})
	a.cfg.AgentToken = "agt_x"
	a.sample = staticSample(240)

	// No threshold on the command: the agent falls back to its own
	// configured 300s, i.e. 5 minutes.
	a.handleCommand(context.Background(), &protocol.PollResponse{
		HasCommand:  true,
		CommandID:   testCommandID,
		CommandType: protocol.CommandTypeShutdown,
	})

	require.False(t, got.Executed)
	require.Equal(t, "Machine not idle. Current idle: 4m, required: 5m", got.Reason)
}

func TestHandleCommandIgnoresUnknownType(t *testing.T) {
	hits := 0
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
	})

	a.handleCommand(context.Background(), &protocol.PollResponse{
		HasCommand:  true,
		CommandID:   testCommandID,
		CommandType: "reboot",
	})

	require.Zero(t, hits)
}

func TestRunSkipsRegistrationWithStoredCredentials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var registers, heartbeats atomic.Int32
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/register":
			registers.Add(1)
			writeRegistered(w, "agt_unexpected")
		case "/api/v1/agents/heartbeat":
			heartbeats.Add(1)
			json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Status: "ok", MachineStatus: "idle"})
			cancel()
		default:
			http.NotFound(w, r)
		}
	})
	a.cfg.AgentToken = "agt_stored"
	a.cfg.MachineID = testMachineID

	require.NoError(t, a.Run(ctx))
	require.Zero(t, registers.Load())
	require.Equal(t, int32(1), heartbeats.Load())
}

func TestRunRegistersBeforeFirstHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var order []string
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/register":
			order = append(order, "register")
			writeRegistered(w, "agt_run")
		case "/api/v1/agents/heartbeat":
			order = append(order, "heartbeat")
			require.Equal(t, "Bearer agt_run", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Status: "ok"})
			cancel()
		default:
			http.NotFound(w, r)
		}
	})

	require.NoError(t, a.Run(ctx))
	require.Equal(t, []string{"register", "heartbeat"}, order)
	require.Equal(t, "agt_run", a.cfg.AgentToken)
}

func TestRunFailsWhenRegistrationRejected(t *testing.T) {
	a := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnprocessableEntity, "validation_error", "fingerprint is required")
	})

	err := a.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "registration rejected")
}
