// Package config loads coordinator configuration.
//
// Values come from built-in defaults, then an optional YAML file named by the
// --config flag or the AUTOPATCH_CONFIG environment variable, then
// environment variables for deployment secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/itskum47/AutoPatch/control_plane/observability"
)

// Config is the coordinator configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL selects the Postgres store. Empty runs on the in-memory
	// store.
	DatabaseURL string `yaml:"database_url"`

	Log       observability.LogConfig `yaml:"log"`
	Auth      AuthConfig              `yaml:"auth"`
	Agent     AgentConfig             `yaml:"agent"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Notify    NotifyConfig            `yaml:"notify"`
	Redis     RedisConfig             `yaml:"redis"`
	HTTP      HTTPConfig              `yaml:"http"`
}

// AuthConfig configures operator login.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiry     time.Duration `yaml:"jwt_expiry"`
	AdminEmail    string        `yaml:"admin_email"`
	AdminPassword string        `yaml:"admin_password"`
}

// AgentConfig configures agent admission.
type AgentConfig struct {
	BootstrapToken string `yaml:"bootstrap_token"`
	// RateLimit is the minimum interval between accepted calls per agent
	// token. Zero disables the limiter.
	RateLimit time.Duration `yaml:"rate_limit"`
}

// SchedulerConfig configures the periodic sweeps.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	// LeaseTTL bounds how long a crashed leader keeps the sweeps when
	// coordinators share Redis.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// NotifyConfig configures alert delivery. Empty fields disable a channel.
type NotifyConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	NATSURL          string `yaml:"nats_url"`
	NATSSubject      string `yaml:"nats_subject"`
}

// RedisConfig enables the shared idempotency cache and scheduler leader
// election when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig configures the API surface.
type HTTPConfig struct {
	FrontendOrigin  string        `yaml:"frontend_origin"`
	AuditLimit      int           `yaml:"audit_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DevOrigin is always allowed by CORS.
const DevOrigin = "http://localhost:3000"

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":8000",
		Log: observability.LogConfig{
			Level:  "info",
			Output: "stdout",
		},
		Auth: AuthConfig{
			JWTExpiry: 24 * time.Hour,
		},
		Agent: AgentConfig{
			RateLimit: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval: 30 * time.Second,
			LeaseTTL: 15 * time.Second,
		},
		HTTP: HTTPConfig{
			AuditLimit:      500,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load parses args for --config and builds the configuration.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("autopatch-coordinator", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("AUTOPATCH_CONFIG"), "path to the YAML config file")
	listen := flags.String("listen", "", "HTTP listen address (overrides config)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", *configPath, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN_ADDR":           &c.ListenAddr,
		"DATABASE_URL":          &c.DatabaseURL,
		"JWT_SECRET":            &c.Auth.JWTSecret,
		"ADMIN_EMAIL":           &c.Auth.AdminEmail,
		"ADMIN_PASSWORD":        &c.Auth.AdminPassword,
		"AGENT_BOOTSTRAP_TOKEN": &c.Agent.BootstrapToken,
		"TELEGRAM_BOT_TOKEN":    &c.Notify.TelegramBotToken,
		"TELEGRAM_CHAT_ID":      &c.Notify.TelegramChatID,
		"NATS_URL":              &c.Notify.NATSURL,
		"REDIS_ADDR":            &c.Redis.Addr,
		"REDIS_PASSWORD":        &c.Redis.Password,
		"FRONTEND_ORIGIN":       &c.HTTP.FrontendOrigin,
		"LOG_LEVEL":             &c.Log.Level,
	}
	for name, field := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup("AGENT_RATE_LIMIT_SECONDS"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return fmt.Errorf("AGENT_RATE_LIMIT_SECONDS: invalid value %q", v)
		}
		c.Agent.RateLimit = time.Duration(secs) * time.Second
	}
	if v, ok := lookup("JWT_EXP_MINUTES"); ok && v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil || mins <= 0 {
			return fmt.Errorf("JWT_EXP_MINUTES: invalid value %q", v)
		}
		c.Auth.JWTExpiry = time.Duration(mins) * time.Minute
	}
	return nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT secret must be at least 32 characters"))
	}
	if c.Auth.JWTExpiry <= 0 {
		errs = append(errs, errors.New("JWT expiry must be positive"))
	}
	if c.Agent.RateLimit < 0 {
		errs = append(errs, errors.New("agent rate limit must not be negative"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler interval must be positive"))
	}
	if c.Scheduler.LeaseTTL <= 0 {
		errs = append(errs, errors.New("scheduler lease ttl must be positive"))
	}
	if c.HTTP.AuditLimit <= 0 {
		errs = append(errs, errors.New("audit limit must be positive"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	return errors.Join(errs...)
}

// AllowedOrigins lists the CORS origins.
func (c *Config) AllowedOrigins() []string {
	origins := []string{DevOrigin}
	if c.HTTP.FrontendOrigin != "" && c.HTTP.FrontendOrigin != DevOrigin {
		origins = append(origins, c.HTTP.FrontendOrigin)
	}
	return origins
}
