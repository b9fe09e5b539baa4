package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/protocol"
)

// Agent runs the register, heartbeat and poll cycle.
type Agent struct {
	cfg       *Config
	client    *Client
	collector *Collector
	executor  *Executor
	now       func() time.Time
	logger    zerolog.Logger
}

func NewAgent(cfg *Config, client *Client, collector *Collector, executor *Executor, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		client:    client,
		collector: collector,
		executor:  executor,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// ensureToken registers with the bootstrap token when no agent token is
// known and persists the token it receives.
func (a *Agent) ensureToken(ctx context.Context) error {
	if a.cfg.AgentToken != "" {
		return nil
	}
	if a.cfg.BootstrapToken == "" {
		return errors.New("AGENT_TOKEN missing")
	}
	resp, err := a.client.Register(ctx, a.cfg.BootstrapToken, a.collector.Collect(ctx))
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	if err := writeToken(a.cfg.StateDir, resp.AgentToken); err != nil {
		return err
	}
	a.cfg.AgentToken = resp.AgentToken
	a.logger.Info().Str("server_id", resp.ServerID).Msg("registered with coordinator")
	return nil
}

// heartbeatDue reports whether the last heartbeat is older than
// heartbeatEvery, judged by the state file's modification time.
func (a *Agent) heartbeatDue() bool {
	info, err := os.Stat(filepath.Join(a.cfg.StateDir, heartbeatFile))
	if err != nil {
		return true
	}
	return a.now().Sub(info.ModTime()) > heartbeatEvery
}

func (a *Agent) markHeartbeat() error {
	if err := os.MkdirAll(a.cfg.StateDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.cfg.StateDir, heartbeatFile), []byte(a.now().Format(time.RFC3339)), 0o600)
}

// RunOnce performs one cycle: register if needed, heartbeat when due, then
// poll and run at most one job.
func (a *Agent) RunOnce(ctx context.Context) error {
	if err := a.ensureToken(ctx); err != nil {
		return err
	}

	if a.heartbeatDue() {
		if err := a.client.Heartbeat(ctx, a.cfg.AgentToken, a.collector.Collect(ctx)); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if err := a.markHeartbeat(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to record heartbeat time")
		}
		a.logger.Debug().Msg("heartbeat sent")
	}

	return a.pollJob(ctx)
}

func (a *Agent) pollJob(ctx context.Context) error {
	job, err := a.client.Poll(ctx, a.cfg.AgentToken)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if job == nil {
		return nil
	}

	logger := a.logger.With().Str("job_id", job.ID).Str("job_type", string(job.JobType)).Logger()
	started := a.now()
	code, stdout, stderr := a.executor.Execute(ctx, a.collector.PackageManager(), job.JobType)
	finished := a.now()

	status := "COMPLETED"
	if code != 0 {
		status = "FAILED"
	}
	inv := a.collector.Collect(ctx)
	err = a.client.SubmitResult(ctx, a.cfg.AgentToken, protocol.JobResultRequest{
		JobID:      job.ID,
		StartedAt:  &started,
		FinishedAt: &finished,
		ExitCode:   &code,
		Stdout:     stdout,
		Stderr:     stderr,
		Status:     status,
		Inventory:  &inv,
	})
	if err != nil {
		return fmt.Errorf("submit result for job %s: %w", job.ID, err)
	}
	logger.Info().Int("exit_code", code).Str("status", status).Msg("job result sent")
	return nil
}

// Run repeats RunOnce every interval until ctx is cancelled. A failed
// cycle is logged and the loop waits for the next interval.
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("agent cycle failed")
		}
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("agent loop stopping")
			return
		case <-ticker.C:
		}
	}
}

// Rotate swaps the agent token for a fresh one and persists it.
func (a *Agent) Rotate(ctx context.Context) error {
	if a.cfg.AgentToken == "" {
		return errors.New("no agent token to rotate")
	}
	token, err := a.client.RotateToken(ctx, a.cfg.AgentToken)
	if err != nil {
		return err
	}
	if err := writeToken(a.cfg.StateDir, token); err != nil {
		return err
	}
	a.cfg.AgentToken = token
	a.logger.Info().Msg("agent token rotated")
	return nil
}
