package main

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/AutoPatch/protocol"
)

// fakeCoordinator serves the agent API from memory.
type fakeCoordinator struct {
	mu         sync.Mutex
	token      string
	job        *protocol.JobAssignment
	heartbeats []protocol.HeartbeatRequest
	results    []protocol.JobResultRequest
	failNext   int
	calls      map[string]int

	// minInterval enforces a per-token gap between accepted calls the way
	// the coordinator's limiter does.
	minInterval time.Duration
	accepted    map[string]time.Time
}

func (f *fakeCoordinator) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	auth := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get(protocol.HeaderAgentToken) != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "invalid agent token"})
			return false
		}
		if f.minInterval > 0 {
			token := r.Header.Get(protocol.HeaderAgentToken)
			if last, ok := f.accepted[token]; ok {
				if wait := f.minInterval - time.Since(last); wait > 0 {
					secs := int(math.Ceil(wait.Seconds()))
					w.Header().Set("Retry-After", strconv.Itoa(secs))
					w.WriteHeader(http.StatusTooManyRequests)
					_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "rate limit exceeded"})
					return false
				}
			}
			f.accepted[token] = time.Now()
		}
		return true
	}
	count := func(name string) bool {
		f.calls[name]++
		if f.failNext > 0 {
			f.failNext--
			return false
		}
		return true
	}

	mux.HandleFunc("POST "+protocol.PathRegister, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["register"]++
		if r.Header.Get(protocol.HeaderBootstrapToken) != "bootstrap" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req protocol.RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "web-01", req.Hostname)
		f.token = "issued-token"
		_ = json.NewEncoder(w).Encode(protocol.RegisterResponse{AgentToken: f.token, ServerID: "srv-1"})
	})
	mux.HandleFunc("POST "+protocol.PathHeartbeat, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !count("heartbeat") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if !auth(w, r) {
			return
		}
		var req protocol.HeartbeatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.heartbeats = append(f.heartbeats, req)
		_ = json.NewEncoder(w).Encode(protocol.StatusResponse{Status: "ok"})
	})
	mux.HandleFunc("GET "+protocol.PathPoll, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["poll"]++
		if !auth(w, r) {
			return
		}
		resp := protocol.PollResponse{Job: f.job}
		f.job = nil
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/agent/jobs/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !auth(w, r) {
			return
		}
		var req protocol.JobResultRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, r.PathValue("id"), req.JobID)
		f.results = append(f.results, req)
		_ = json.NewEncoder(w).Encode(protocol.StatusResponse{Status: req.Status})
	})
	mux.HandleFunc("POST "+protocol.PathRotateToken, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !auth(w, r) {
			return
		}
		f.token = "rotated-token"
		_ = json.NewEncoder(w).Encode(protocol.RotateTokenResponse{AgentToken: f.token})
	})
	return mux
}

func newTestAgent(t *testing.T, coord *fakeCoordinator, cfg *Config, run *fakeRunner) *Agent {
	t.Helper()
	if coord.calls == nil {
		coord.calls = make(map[string]int)
	}
	if coord.accepted == nil {
		coord.accepted = make(map[string]time.Time)
	}
	ts := httptest.NewServer(coord.handler(t))
	t.Cleanup(ts.Close)

	cfg.BackendURL = ts.URL
	if cfg.StateDir == "" {
		cfg.StateDir = t.TempDir()
	}
	client := NewClient(ts.URL, zerolog.Nop())
	client.backoff = time.Millisecond

	collector, _ := newTestCollector(t, run, "apt-get")
	return NewAgent(cfg, client, collector, NewExecutor(run, collector, zerolog.Nop()), zerolog.Nop())
}

func aptRunner() *fakeRunner {
	return &fakeRunner{results: map[string]result{
		"apt-get -s upgrade": {stdout: aptSimulate},
		"apt-get update":     {stdout: "Hit:1 jammy InRelease\n"},
		"apt-get -y upgrade": {code: 100, stderr: "E: dpkg was interrupted"},
	}}
}

func TestRunOnceRegistersAndHeartbeats(t *testing.T) {
	coord := &fakeCoordinator{}
	cfg := &Config{BootstrapToken: "bootstrap"}
	agent := newTestAgent(t, coord, cfg, aptRunner())

	require.NoError(t, agent.RunOnce(context.Background()))

	assert.Equal(t, "issued-token", cfg.AgentToken)
	persisted, err := readToken(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, "issued-token", persisted)

	require.Len(t, coord.heartbeats, 1)
	assert.Len(t, coord.heartbeats[0].Inventory.Updates, 2)
	assert.Equal(t, 1, coord.calls["poll"])
	_, err = os.Stat(filepath.Join(cfg.StateDir, heartbeatFile))
	assert.NoError(t, err)

	// A second cycle inside the heartbeat window only polls.
	require.NoError(t, agent.RunOnce(context.Background()))
	assert.Len(t, coord.heartbeats, 1)
	assert.Equal(t, 2, coord.calls["poll"])
	assert.Equal(t, 1, coord.calls["register"])

	// Past the window the heartbeat is due again.
	agent.now = func() time.Time { return time.Now().Add(heartbeatEvery + time.Minute) }
	require.NoError(t, agent.RunOnce(context.Background()))
	assert.Len(t, coord.heartbeats, 2)
}

func TestRunOnceExecutesJob(t *testing.T) {
	coord := &fakeCoordinator{token: "known", job: &protocol.JobAssignment{ID: "job-1", JobType: "APPLY_PATCHES"}}
	cfg := &Config{AgentToken: "known"}
	run := aptRunner()
	agent := newTestAgent(t, coord, cfg, run)

	require.NoError(t, agent.RunOnce(context.Background()))

	require.Len(t, coord.results, 1)
	res := coord.results[0]
	assert.Equal(t, "job-1", res.JobID)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 100, *res.ExitCode)
	assert.Equal(t, "FAILED", res.Status)
	assert.Contains(t, res.Stdout, "Hit:1")
	assert.Contains(t, res.Stderr, "dpkg was interrupted")
	require.NotNil(t, res.StartedAt)
	require.NotNil(t, res.FinishedAt)
	require.NotNil(t, res.Inventory)
	assert.Equal(t, "web-01", res.Inventory.Hostname)
	assert.Contains(t, run.called(), "apt-get -y upgrade")
}

func TestRunOnceScanCompletes(t *testing.T) {
	coord := &fakeCoordinator{token: "known", job: &protocol.JobAssignment{ID: "job-2", JobType: "SCAN_NOW"}}
	agent := newTestAgent(t, coord, &Config{AgentToken: "known"}, aptRunner())

	require.NoError(t, agent.RunOnce(context.Background()))
	require.Len(t, coord.results, 1)
	assert.Equal(t, "COMPLETED", coord.results[0].Status)
	assert.Equal(t, 0, *coord.results[0].ExitCode)
}

func TestRunOnceWithoutCredentials(t *testing.T) {
	agent := newTestAgent(t, &fakeCoordinator{}, &Config{}, aptRunner())
	assert.ErrorContains(t, agent.RunOnce(context.Background()), "AGENT_TOKEN missing")
}

func TestClientRetriesServerErrors(t *testing.T) {
	coord := &fakeCoordinator{token: "known", failNext: 2}
	agent := newTestAgent(t, coord, &Config{AgentToken: "known"}, aptRunner())

	require.NoError(t, agent.RunOnce(context.Background()))
	assert.Equal(t, 3, coord.calls["heartbeat"])
	assert.Len(t, coord.heartbeats, 1)
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	coord := &fakeCoordinator{token: "known", failNext: 5}
	agent := newTestAgent(t, coord, &Config{AgentToken: "known"}, aptRunner())

	err := agent.RunOnce(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, defaultRetries, coord.calls["heartbeat"])
}

func TestClientDoesNotRetryUnauthorized(t *testing.T) {
	coord := &fakeCoordinator{token: "other"}
	agent := newTestAgent(t, coord, &Config{AgentToken: "stale"}, aptRunner())

	err := agent.RunOnce(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, "invalid agent token", se.Message)
	assert.Equal(t, 1, coord.calls["heartbeat"])
}

func TestRotatePersistsToken(t *testing.T) {
	coord := &fakeCoordinator{token: "known"}
	cfg := &Config{AgentToken: "known"}
	agent := newTestAgent(t, coord, cfg, aptRunner())

	require.NoError(t, agent.Rotate(context.Background()))
	assert.Equal(t, "rotated-token", cfg.AgentToken)
	persisted, err := readToken(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", persisted)
}

func TestRunOnceWaitsOutRateLimit(t *testing.T) {
	coord := &fakeCoordinator{
		token:       "known",
		job:         &protocol.JobAssignment{ID: "job-9", JobType: protocol.JobScanNow},
		minInterval: time.Second,
	}
	agent := newTestAgent(t, coord, &Config{AgentToken: "known"}, aptRunner())

	// Heartbeat, poll and result land back to back; the poll and the result
	// are each rejected once and retried after Retry-After.
	require.NoError(t, agent.RunOnce(context.Background()))
	assert.Len(t, coord.heartbeats, 1)
	assert.Equal(t, 2, coord.calls["poll"])
	require.Len(t, coord.results, 1)
	assert.Equal(t, "job-9", coord.results[0].JobID)
	assert.Equal(t, "COMPLETED", coord.results[0].Status)
}

func TestClientWaitHonoursRetryAfter(t *testing.T) {
	c := NewClient("http://coordinator", zerolog.Nop())
	c.backoff = 2 * time.Second

	assert.Equal(t, 5*time.Second, c.wait(&StatusError{Code: http.StatusTooManyRequests, RetryAfter: 5 * time.Second}))
	assert.Equal(t, 2*time.Second, c.wait(&StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Second}))
	assert.Equal(t, 2*time.Second, c.wait(&StatusError{Code: http.StatusBadGateway, RetryAfter: 5 * time.Second}))

	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("3600"))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Zero(t, parseRetryAfter(""))
}
