// Package main is the entrypoint for the simulation console API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/simconsole/internal/api"
	"github.com/kiranshivaraju/simconsole/internal/api/handler"
	mw "github.com/kiranshivaraju/simconsole/internal/api/middleware"
	"github.com/kiranshivaraju/simconsole/internal/backend"
	"github.com/kiranshivaraju/simconsole/internal/cache"
	"github.com/kiranshivaraju/simconsole/internal/config"
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/lifecycle"
	"github.com/kiranshivaraju/simconsole/internal/metrics"
	"github.com/kiranshivaraju/simconsole/internal/notify"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/kiranshivaraju/simconsole/internal/store"
	"github.com/kiranshivaraju/simconsole/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "backend", cfg.Backend.BaseURL, "env", cfg.Server.Env)

	types, err := jobtype.Load(cfg.Lifecycle.JobTypesFile)
	if err != nil {
		return fmt.Errorf("load job types: %w", err)
	}
	slog.Info("job types loaded", "count", len(types.Keys()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Metrics and the simulation backend client
	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	client := backend.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.APIToken, cfg.Backend.Timeout, collector)

	// 6. Create store and the orchestrator registry
	pgStore := store.NewPostgresStore(pool)

	registry := lifecycle.NewRegistry(types,
		orchestratorFactory(cfg.Lifecycle, client, redisCache, pgStore, collector, slog.Default()),
		lifecycle.WithIdleTimeout(cfg.Lifecycle.IdleTimeout),
		lifecycle.WithRegistryLogger(slog.Default()),
		lifecycle.WithRegistryMetrics(collector),
	)
	defer registry.Close()

	// 7. Build router with dependencies
	jobs := handler.NewJobs(registry, handler.WithResultCache(redisCache, cfg.Redis.ResultTTL))
	accounts := handler.NewAccounts(pgStore, 0)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),
		Recovery:  mw.NewRecovery(collector),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pgStore,
			"cache":    redisCache,
		}),
		MetricsHandler: collector.Handler(),

		ListJobTypes:  jobs.ListJobTypes,
		ListJobs:      jobs.List,
		SubmitJob:     jobs.Submit,
		RerunJob:      jobs.Rerun,
		DeleteJob:     jobs.Delete,
		JobResult:     jobs.Result,
		Notifications: jobs.Notifications,
		Activity:      handler.NewActivityHandler(pgStore),

		CreateKeyHandler:  accounts.CreateKey,
		ListKeysHandler:   accounts.ListKeys,
		RevokeKeyHandler:  accounts.RevokeKey,
		CreateUserHandler: accounts.CreateUser,
	}

	// 8. Start HTTP server and the idle orchestrator janitor
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Backend.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		registry.RunJanitor(gctx, janitorInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// orchestratorFactory builds the per-user orchestrator config. The session
// identity comes from the authenticated request context.
func orchestratorFactory(
	cfg config.LifecycleConfig,
	client *backend.HTTPClient,
	locker lifecycle.Locker,
	activity lifecycle.ActivityRecorder,
	m *metrics.Collector,
	logger *slog.Logger,
) lifecycle.Factory {
	return func(user models.UserRef, desc jobtype.Descriptor) lifecycle.Config {
		jobClient := client.For(desc)
		l := logger.With("user_uid", user.UserUID, "job_type", desc.Key)
		return lifecycle.Config{
			Repository: jobClient,
			Runner:     jobClient,
			Fetcher:    jobClient,
			Session:    session.ContextAccessor{},
			Notifier: notify.NewChannel(
				notify.WithDismissAfter(cfg.NotifyDismiss),
				notify.WithLogger(l),
				notify.WithMetrics(m),
			),
			Locker:       locker,
			LockTTL:      cfg.InFlightLockTTL,
			Activity:     activity,
			Metrics:      m,
			PollInterval: cfg.PollInterval,
			AwaitTimeout: cfg.AwaitTimeout,
			Logger:       l,
		}
	}
}
