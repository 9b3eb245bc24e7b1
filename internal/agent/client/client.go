// Package client is the agent's HTTP client for the GreenOps server API.
// It speaks the JSON wire types from internal/protocol and maps non-2xx
// responses to APIError so the runtime can tell fatal rejections from
// transient failures worth retrying.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/protocol"
)

// requestTimeout bounds every call. The agent runs on end-user machines;
// a hung request must not block the heartbeat loop for long.
const requestTimeout = 10 * time.Second

// APIError is a non-2xx response from the server, carrying the decoded
// error envelope when one was present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// IsUnauthorized reports whether err is a 401 response. The runtime reacts
// by discarding its credentials and re-registering once.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsFatalRegistration reports whether err is a 400 or 422 from the
// register endpoint. Those mean the request itself is broken; retrying
// cannot fix it.
func IsFatalRegistration(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity
}

// Client calls the server's agent API. Safe for concurrent use.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	logger    *zap.Logger
}

// New creates a Client for the server at baseURL (scheme and host, no
// trailing slash). version goes into the User-Agent header.
func New(baseURL, version string, logger *zap.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: requestTimeout},
		baseURL:   baseURL,
		userAgent: "greenops-agent/" + version,
		logger:    logger.Named("client"),
	}
}

// Register enrolls the machine and returns its id and bearer token.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat submits one telemetry sample.
func (c *Client) Heartbeat(ctx context.Context, token string, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/heartbeat", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollCommand fetches the machine's pending command, if any.
func (c *Client) PollCommand(ctx context.Context, token string) (*protocol.PollResponse, error) {
	var resp protocol.PollResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/commands/poll", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportResult reports the agent's decision on a command.
func (c *Client) ReportResult(ctx context.Context, token string, req protocol.ResultRequest) (*protocol.ResultResponse, error) {
	var resp protocol.ResultResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/commands/result", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one JSON round trip. A nil in skips the request body; a nil
// out discards the response body.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope protocol.ErrorEnvelope
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope); decodeErr == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding response: %w", err)
	}
	return nil
}
