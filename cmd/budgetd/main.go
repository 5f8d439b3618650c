// Command budgetd serves the budget tables over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"greenbudget/internal/amqp"
	"greenbudget/internal/backend"
	"greenbudget/internal/budget"
	"greenbudget/internal/cache"
	"greenbudget/internal/cli"
	apphttp "greenbudget/internal/http"
	"greenbudget/internal/log"
	"greenbudget/internal/notify"
	"greenbudget/internal/services"
	"greenbudget/internal/tasks"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, "budgetd")

	caches := cache.NewManager(logger)
	caches.StartCleanup(time.Minute)
	defer caches.Stop()

	appCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger, caches).CreateBackend(context.Background(), appCfg)
	if err != nil {
		logger.Error("Failed to create backend", log.FieldError, err, "backend", appCfg.Type)
		os.Exit(1)
	}
	if result.Cleanup != nil {
		defer func() {
			if err := result.Cleanup(); err != nil {
				logger.Warn("Backend cleanup failed", log.FieldError, err)
			}
		}()
	}

	recent := notify.NewMemory(cfg.NotificationLimit)
	notifiers := notify.Fanout{recent}
	checks := map[string]apphttp.CheckFunc{}
	deps := services.Deps{
		Service: result.Service,
		Engine:  budget.NewEngine(cfg.Policy(), logger),
		Logger:  logger,
	}

	var source apphttp.NotificationSource = recent
	var prune services.PruneFunc
	if repo := cli.InitSQLite(logger, cfg.SQLiteDBPath); repo != nil {
		defer repo.Close()
		deps.Drafts = repo
		notifiers = append(notifiers, repo)
		source = repo
		prune = repo.PruneNotifications
		checks["sqlite"] = repo.Ping
	}

	if cfg.AMQPURL != "" {
		publisher, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			// Notifications still reach memory and SQLite.
			logger.Warn("AMQP publisher unavailable", log.FieldError, err)
		} else {
			defer publisher.Close()
			notifiers = append(notifiers, publisher.WithSource("budgetd"))
		}
	}

	deps.Notifier = notifiers
	deps.Runner = tasks.NewRunner(notifiers, logger)
	registry := services.NewRegistry(deps)

	refresher := services.NewRefreshProcessor(registry, prune, services.RefreshProcessorConfig{
		PollInterval: cfg.RefreshInterval,
		CleanupAge:   cfg.NotificationRetention,
	}, logger)

	srv := apphttp.NewServer(apphttp.ServerConfig{
		Addr:              ":" + cfg.Port,
		Registry:          registry,
		Notifications:     source,
		Checks:            checks,
		NotificationLimit: cfg.NotificationLimit,
		Logger:            logger,
	})
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.IdleTimeout = 120 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := refresher.Stop(ctx); err != nil {
			logger.Warn("Refresh processor stop failed", log.FieldError, err)
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if err := registry.Runner().Wait(ctx); err != nil {
			logger.Warn("Pending tasks abandoned", log.FieldError, err)
		}
	})

	if err := refresher.Start(ctx); err != nil {
		logger.Error("Failed to start refresh processor", log.FieldError, err)
		os.Exit(1)
	}

	logger.Info("Starting budgetd", "port", cfg.Port, "backend", cfg.DataBackend, log.FieldOperation, log.OpStartup)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
