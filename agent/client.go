package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/protocol"
)

// maxRetryAfter caps how long a 429 may hold up a retry.
const maxRetryAfter = time.Minute

// StatusError is a non-2xx reply from the coordinator. RetryAfter carries
// the Retry-After header of a 429.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("coordinator returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("coordinator returned %d", e.Code)
}

// retryable reports whether another attempt may succeed. Client errors other
// than rate limiting will not.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Client talks to the coordinator agent API.
type Client struct {
	baseURL string
	http    *http.Client
	retries int
	backoff time.Duration
	logger  zerolog.Logger
}

func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		retries: defaultRetries,
		backoff: defaultRetryWait,
		logger:  logger,
	}
}

// do sends one JSON request with a bounded number of attempts and a fixed
// pause between them.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		lastErr = c.once(ctx, method, path, headers, payload, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		c.logger.Warn().Err(lastErr).Str("path", path).Int("attempt", attempt).Msg("request failed")
		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.wait(lastErr)):
		}
	}
	return lastErr
}

// wait is the pause before the next attempt. A rate-limited call waits at
// least as long as the coordinator asked.
func (c *Client) wait(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusTooManyRequests {
		return max(c.backoff, se.RetryAfter)
	}
	return c.backoff
}

// parseRetryAfter reads a delay-seconds Retry-After value.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func (c *Client) once(ctx context.Context, method, path string, headers map[string]string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er protocol.ErrorResponse
		_ = json.Unmarshal(data, &er)
		return &StatusError{
			Code:       resp.StatusCode,
			Message:    er.Error,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) Register(ctx context.Context, bootstrap string, inv protocol.Inventory) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.do(ctx, http.MethodPost, protocol.PathRegister,
		map[string]string{protocol.HeaderBootstrapToken: bootstrap},
		protocol.RegisterRequest{
			Hostname:       inv.Hostname,
			IP:             inv.IP,
			OSName:         inv.OSName,
			OSVersion:      inv.OSVersion,
			KernelVersion:  inv.KernelVersion,
			PackageManager: inv.PackageManager,
		}, &resp)
	if err == nil && resp.AgentToken == "" {
		err = errors.New("registration returned no agent token")
	}
	return resp, err
}

func (c *Client) RotateToken(ctx context.Context, token string) (string, error) {
	var resp protocol.RotateTokenResponse
	if err := c.do(ctx, http.MethodPost, protocol.PathRotateToken, agentHeaders(token), nil, &resp); err != nil {
		return "", err
	}
	if resp.AgentToken == "" {
		return "", errors.New("rotation returned no agent token")
	}
	return resp.AgentToken, nil
}

func (c *Client) Heartbeat(ctx context.Context, token string, inv protocol.Inventory) error {
	return c.do(ctx, http.MethodPost, protocol.PathHeartbeat, agentHeaders(token),
		protocol.HeartbeatRequest{Inventory: inv}, nil)
}

// Poll returns the next job, or nil when there is none.
func (c *Client) Poll(ctx context.Context, token string) (*protocol.JobAssignment, error) {
	var resp protocol.PollResponse
	if err := c.do(ctx, http.MethodGet, protocol.PathPoll, agentHeaders(token), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *Client) SubmitResult(ctx context.Context, token string, result protocol.JobResultRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf(protocol.PathResultFmt, result.JobID), agentHeaders(token), result, nil)
}

func agentHeaders(token string) map[string]string {
	return map[string]string{protocol.HeaderAgentToken: token}
}
