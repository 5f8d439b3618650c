// Command notify-worker stores notifications published by budgetd so they
// outlive the process that raised them.
package main

import (
	"os"
	"time"

	"greenbudget/internal/amqp"
	"greenbudget/internal/cli"
	"greenbudget/internal/log"
	"greenbudget/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, "notify-worker")

	logger.Info("Starting notify-worker", log.FieldOperation, log.OpStartup)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required by notify-worker")
		os.Exit(1)
	}
	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	if repo == nil {
		logger.Error("SQLITE_DB_PATH is required by notify-worker")
		os.Exit(1)
	}
	defer repo.Close()

	consumer, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer consumer.Close()

	w := worker.NewNotificationWorker(repo, worker.Config{
		Retention: cfg.NotificationRetention,
	}, logger)

	ctx, done := cli.GracefulShutdown(logger, 10*time.Second, nil)
	if err := w.Run(ctx, consumer); err != nil {
		logger.Error("Worker stopped", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("notify-worker stopped gracefully")
}
