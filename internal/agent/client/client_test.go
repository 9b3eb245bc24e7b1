package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iamdevdhanush/Green/internal/protocol"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test", zaptest.NewLogger(t))
}

func TestRegisterDecodesResponse(t *testing.T) {
	var gotUA, gotCT string
	var gotReq protocol.RegisterRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/agents/register", r.URL.Path)
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.RegisterResponse{
			MachineID: "m-1",
			Token:     "agt_secret",
			Message:   "machine registered",
		})
	})

	resp, err := c.Register(context.Background(), protocol.RegisterRequest{
		Fingerprint: "AA:BB:CC:DD:EE:FF",
		Hostname:    "desk-01",
		OSType:      "linux",
	})
	require.NoError(t, err)
	require.Equal(t, "m-1", resp.MachineID)
	require.Equal(t, "agt_secret", resp.Token)

	require.Equal(t, "greenops-agent/test", gotUA)
	require.Equal(t, "application/json", gotCT)
	require.Equal(t, "desk-01", gotReq.Hostname)
}

func TestHeartbeatSendsBearerToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer agt_secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{
			Status:        "ok",
			MachineStatus: "idle",
		})
	})

	resp, err := c.Heartbeat(context.Background(), "agt_secret", protocol.HeartbeatRequest{IdleSeconds: 600})
	require.NoError(t, err)
	require.Equal(t, "idle", resp.MachineStatus)
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(protocol.ErrorEnvelope{
			Error: protocol.ErrorBody{Message: "authentication required", Code: "unauthorized"},
		})
	})

	_, err := c.Heartbeat(context.Background(), "agt_stale", protocol.HeartbeatRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "unauthorized", apiErr.Code)
	require.Contains(t, apiErr.Error(), "authentication required")
	require.True(t, IsUnauthorized(err))
	require.False(t, IsFatalRegistration(err))
}

func TestNonJSONErrorStillCarriesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.PollCommand(context.Background(), "agt_x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.False(t, IsUnauthorized(err))
	require.False(t, IsFatalRegistration(err))
}

func TestFatalRegistrationClassification(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnprocessableEntity} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := c.Register(context.Background(), protocol.RegisterRequest{})
		require.True(t, IsFatalRegistration(err), "status %d", status)
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.Register(context.Background(), protocol.RegisterRequest{})
	require.False(t, IsFatalRegistration(err))
	require.False(t, IsUnauthorized(err))

	// Transport failures are not APIErrors at all.
	require.False(t, IsUnauthorized(errors.New("dial tcp: refused")))
}

func TestReportResultRoundTrip(t *testing.T) {
	var got protocol.ResultRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agents/commands/result", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(protocol.ResultResponse{Status: "recorded"})
	})

	minutes := 21
	resp, err := c.ReportResult(context.Background(), "agt_x", protocol.ResultRequest{
		CommandID:              "c0ffee00-0000-0000-0000-000000000000",
		Executed:               true,
		IdleMinutesAtExecution: &minutes,
	})
	require.NoError(t, err)
	require.Equal(t, "recorded", resp.Status)
	require.True(t, got.Executed)
	require.NotNil(t, got.IdleMinutesAtExecution)
	require.Equal(t, 21, *got.IdleMinutesAtExecution)
}
