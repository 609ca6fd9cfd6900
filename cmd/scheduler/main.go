/**
 * @description
 * Entry point of the ledger scheduler: a non-HTTP process that runs the
 * scheduler tick on a cron schedule. Several replicas may run; a Redis lock
 * lets one of them tick at a time.
 */
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/bootstrap"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/logging"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, _, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	boot := logging.Component(logger, "bootstrap")

	ctx := context.Background()
	pool, err := bootstrap.OpenPostgres(ctx, cfg, boot)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer pool.Close()

	publisher := bootstrap.OpenPublisher(cfg.RabbitMQURL, logger)
	defer publisher.Close()
	notifier := bootstrap.Notifier(cfg, publisher, logger)

	var locker app.TickLocker
	if redisClient := bootstrap.OpenRedis(ctx, cfg.RedisURL, boot); redisClient != nil {
		defer redisClient.Close()
		lockExpiry := cfg.SchedulerTickTimeout() * 2
		locker = app.NewRedisTickLocker(redisClient, cfg.RedisKeyPrefix, lockExpiry, logger)
	} else {
		boot.Warn("running without a tick lock; run a single scheduler replica")
	}

	repo := store.NewPostgresRepository(pool)
	clock := app.SystemClock{}
	executor := app.NewTransferExecutor(repo, clock, notifier, cfg.NotifyTimeout(), logger)
	tokens := app.NewTokenEngine(repo, clock, app.RandomTokenSource{}, nil, app.TokenEngineConfig{
		TTL:          cfg.QRTokenTTL(),
		ShareBaseURL: cfg.QRShareBaseURL,
	}, logger)

	scheduler := app.NewScheduler(repo, executor, tokens, locker, clock, app.SchedulerConfig{
		Schedule:    cfg.SchedulerTickSchedule,
		BatchSize:   cfg.SchedulerBatchSize,
		TickTimeout: cfg.SchedulerTickTimeout(),
	}, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-scheduler.Stop().Done()
	logger.Info("scheduler stopped")
}
