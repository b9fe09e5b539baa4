package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/AutoPatch/control_plane/auth"
	"github.com/itskum47/AutoPatch/control_plane/config"
	"github.com/itskum47/AutoPatch/control_plane/coordination"
	"github.com/itskum47/AutoPatch/control_plane/idempotency"
	"github.com/itskum47/AutoPatch/control_plane/identity"
	"github.com/itskum47/AutoPatch/control_plane/inventory"
	"github.com/itskum47/AutoPatch/control_plane/jobs"
	"github.com/itskum47/AutoPatch/control_plane/middleware"
	"github.com/itskum47/AutoPatch/control_plane/notify"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/scheduler"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger, err := observability.InitLogger(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("coordinator stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)
	if err != nil {
		return err
	}
	users := auth.NewService(s, tokens, logger)
	if cfg.Auth.AdminEmail != "" && cfg.Auth.AdminPassword != "" {
		if err := users.SeedAdmin(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}
	if cfg.Agent.BootstrapToken == "" {
		logger.Warn().Msg("no agent bootstrap token configured; registrations will be rejected")
	}

	alerts, closeNotifiers, err := buildNotifiers(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	rdb, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var idem idempotency.Store = idempotency.NewMemoryStore()
	if rdb != nil {
		defer rdb.Close()
		idem = idempotency.NewRedisStore(rdb)
	}

	agents := identity.NewService(s, cfg.Agent.BootstrapToken, identity.NewTokenLimiter(cfg.Agent.RateLimit), logger)
	engine := jobs.NewEngine(s, logger)
	offline := coordination.NewOfflineMonitor(s, alerts, logger)

	loop := scheduler.NewLoop(engine, offline, cfg.Scheduler.Interval, logger)
	if rdb != nil {
		elector := coordination.NewLeaderElector(coordination.NewRedisLease(rdb),
			coordination.SchedulerLeaseKey, instanceID(), cfg.Scheduler.LeaseTTL, logger)
		loop.RequireLeader(elector)
		go elector.Run(ctx)
	}
	loop.Start(ctx)

	api := NewAPI(APIConfig{
		Store:          s,
		Agents:         agents,
		Users:          users,
		Jobs:           engine,
		Inventory:      inventory.NewService(s, logger),
		Alerts:         alerts,
		Idempotency:    idem,
		AuditLimit:     cfg.HTTP.AuditLimit,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, logger)
	go api.hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Routes())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.CORS(cfg.AllowedOrigins()...)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Strs("notifiers", alerts.Names()).
			Dur("scheduler_interval", cfg.Scheduler.Interval).
			Msg("AutoPatch coordinator listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	loop.Wait()
	return nil
}

// openStore selects Postgres when a database URL is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("no DATABASE_URL configured; using in-memory store (state is lost on restart)")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Msg("connected to Postgres")
	return pg, nil
}

// buildNotifiers always logs alerts and adds Telegram and NATS when
// configured.
func buildNotifiers(cfg *config.Config, logger zerolog.Logger) (*notify.Multi, func(), error) {
	notifiers := []notify.Notifier{
		notify.NewLogNotifier(logger),
		notify.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID),
	}
	closeFn := func() {}
	if cfg.Notify.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.Notify.NATSURL, observability.Component(logger, "nats"))
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.Notify.NATSSubject))
		closeFn = func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}
	}
	return notify.NewMulti(logger, notifiers...), closeFn, nil
}

// openRedis connects when an address is configured. A nil client keeps
// idempotency in memory and runs the sweeps without leader election.
func openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("using Redis for idempotency and scheduler leases")
	return client, nil
}

// instanceID names this process in the scheduler lease.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "coordinator"
	}
	return host + "-" + uuid.NewString()[:8]
}
