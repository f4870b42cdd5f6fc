// Package main runs the monitoring engine: the scheduler, the collection engine,
// the HTTP API and the websocket notification hub in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/social-monitor/internal/api"
	"github.com/social-monitor/internal/circuitbreaker"
	"github.com/social-monitor/internal/collector"
	"github.com/social-monitor/internal/config"
	"github.com/social-monitor/internal/engine"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/notify"
	"github.com/social-monitor/internal/ratelimit"
	"github.com/social-monitor/internal/retry"
	"github.com/social-monitor/internal/scheduler"
	"github.com/social-monitor/internal/storage"
	"github.com/social-monitor/internal/storage/memstore"
	"github.com/social-monitor/internal/types"
	"github.com/social-monitor/internal/vault"
)

// backend is everything the process needs from storage
type backend interface {
	engine.Store
	engine.MonitorStore
	scheduler.JobStore
	vault.ProfileStore
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatalf("Failed to load configuration")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().Component("main")
	logger.WithFields(logging.Fields{
		"storage": cfg.Database.Driver,
		"notify":  cfg.Notify.Mode,
		"workers": cfg.Scheduler.MaxWorkers,
	}).Info("Social monitor starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openBackend(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatalf("Failed to open storage")
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.Database.Driver == "postgres" || cfg.Notify.Mode == "redis" {
		rc, err := connectRedis(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatalf("Failed to connect to Redis")
		}
		defer rc.Close()
		redisClient = rc.Client()
	}

	v, err := vault.New(cfg.Vault, store)
	if err != nil {
		logger.WithError(err).Fatalf("Failed to initialize credential vault")
	}

	var budget collector.Budget
	if redisClient != nil {
		budgets := make(map[types.Platform]int, len(cfg.Platforms))
		for p, pc := range cfg.Platforms {
			budgets[p] = pc.BudgetPerWindow
		}
		tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
			Redis:      redisClient,
			Budgets:    budgets,
			WindowSize: cfg.RateLimit.WindowSize,
		})
		if err != nil {
			logger.WithError(err).Fatalf("Failed to create request budget tracker")
		}
		budget = tracker
	}

	collectors := collector.NewRegistryFromConfig(cfg.Platforms, budget, circuitbreaker.NewManager(collector.BreakerConfig))

	hub := notify.NewHub(5 * time.Second)
	var sink notify.Sink = notify.NewLocalSink(hub)
	if cfg.Notify.Mode == "redis" {
		sink = notify.NewRedisSink(redisClient)
		relay := notify.NewRelay(redisClient, hub)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Notification relay stopped")
			}
		}()
	}

	eng := engine.New(store, v, collectors, sink)
	sched := scheduler.New(scheduler.Config{
		TickInterval:     cfg.Scheduler.TickInterval,
		MaxWorkers:       cfg.Scheduler.MaxWorkers,
		MinInterval:      cfg.Scheduler.MinInterval,
		PauseOnAuthError: cfg.Scheduler.PauseOnAuthError,
	}, store, eng)

	defaults := make(map[types.Platform]time.Duration, len(cfg.Platforms))
	for p, pc := range cfg.Platforms {
		defaults[p] = pc.DefaultInterval
	}
	monitor := engine.NewMonitor(store, sched, sink, defaults)

	n, err := sched.Rehydrate(ctx)
	if err != nil {
		logger.WithError(err).Fatalf("Failed to load persisted jobs")
	}
	logger.WithField("jobs", n).Info("Scheduler rehydrated")

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	server := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: cfg.Server.RequestsPerIP,
	}, monitor, hub)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("API server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server did not shut down cleanly")
	}
	<-schedDone
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("In-flight runs were aborted")
	}

	logger.Info("Social monitor stopped")
}

// openBackend connects the configured storage. Postgres connections are retried
// with backoff since the database often starts alongside this process.
func openBackend(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	if cfg.Database.Driver == "memory" {
		logging.GetGlobalLogger().Warn("Using in-memory storage; state is lost on exit")
		return memstore.New(), func() {}, nil
	}

	var db *storage.PostgresDB
	err := retry.Do(ctx, retry.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		var err error
		db, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			logging.GetGlobalLogger().WithError(err).WithField("attempt", attempt).Warn("Postgres not reachable yet")
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return storage.NewStore(db), db.Close, nil
}

func connectRedis(ctx context.Context, cfg *config.RedisConfig) (*storage.RedisClient, error) {
	var rc *storage.RedisClient
	err := retry.Do(ctx, retry.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		var err error
		rc, err = storage.NewRedisClient(ctx, cfg)
		return err
	})
	return rc, err
}
