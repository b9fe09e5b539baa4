package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	envPrefix = "AUTO_PATCH_"

	defaultEnvFile   = "/etc/autopatch/agent.env"
	defaultStateDir  = "/var/lib/autopatch"
	tokenFileName    = "agent_token"
	heartbeatFile    = "last_heartbeat"
	pollInterval     = 60 * time.Second
	heartbeatEvery   = 5 * time.Minute
	defaultRetries   = 3
	defaultRetryWait = 2 * time.Second
)

// Config holds the agent configuration and identity.
type Config struct {
	BackendURL     string
	BootstrapToken string
	AgentToken     string
	StateDir       string
	LogLevel       string

	Once        bool
	RotateToken bool
}

// LoadConfig reads flags, then the env file, then AUTO_PATCH_* variables,
// then the persisted token file. Later sources override earlier ones, except
// that the token file only fills an unset token.
func LoadConfig(args []string, environ []string) (*Config, error) {
	flags := pflag.NewFlagSet("autopatch-agent", pflag.ContinueOnError)
	once := flags.Bool("once", false, "run one cycle and exit")
	stateDir := flags.String("state-dir", defaultStateDir, "directory for the agent token and heartbeat state")
	envFile := flags.String("env-file", defaultEnvFile, "KEY=VALUE file with agent settings")
	rotate := flags.Bool("rotate-token", false, "rotate the agent token and exit")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	values, err := readEnvFile(*envFile)
	if err != nil {
		return nil, err
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		values[strings.TrimPrefix(key, envPrefix)] = value
	}

	cfg := &Config{
		BackendURL:     strings.TrimRight(values["BACKEND_URL"], "/"),
		BootstrapToken: values["BOOTSTRAP_TOKEN"],
		AgentToken:     values["AGENT_TOKEN"],
		LogLevel:       values["LOG_LEVEL"],
		StateDir:       *stateDir,
		Once:           *once,
		RotateToken:    *rotate,
	}
	if cfg.AgentToken == "" {
		token, err := readToken(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		cfg.AgentToken = token
	}

	if cfg.BackendURL == "" {
		return nil, errors.New("BACKEND_URL missing")
	}
	if cfg.AgentToken == "" && cfg.BootstrapToken == "" {
		return nil, errors.New("AGENT_TOKEN missing and no BOOTSTRAP_TOKEN to register with")
	}
	return cfg, nil
}

// readEnvFile parses KEY=VALUE lines, dropping any AUTO_PATCH_ prefix. A
// missing file yields no values.
func readEnvFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), envPrefix)
		values[key] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return values, nil
}

func readToken(stateDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, tokenFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read agent token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeToken persists the agent token readable only by the agent user.
func writeToken(stateDir, token string) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, tokenFileName)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to save agent token to %s: %w", path, err)
	}
	return nil
}
