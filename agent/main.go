package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "agent").Logger()

	cfg, err := LoadConfig(os.Args[1:], os.Environ())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid agent configuration")
	}
	if cfg.LogLevel != "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			logger = logger.Level(level)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := execRunner{}
	collector := NewCollector(runner)
	agent := NewAgent(cfg, NewClient(cfg.BackendURL, logger), collector, NewExecutor(runner, collector, logger), logger)

	switch {
	case cfg.RotateToken:
		if err := agent.Rotate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("token rotation failed")
		}
	case cfg.Once:
		if err := agent.RunOnce(ctx); err != nil {
			logger.Fatal().Err(err).Msg("agent cycle failed")
		}
	default:
		logger.Info().Str("backend", cfg.BackendURL).Dur("interval", pollInterval).Msg("agent starting")
		agent.Run(ctx, pollInterval)
	}
}
