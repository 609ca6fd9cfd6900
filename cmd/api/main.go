/**
 * @description
 * Entry point of the ledger HTTP API. Loads configuration, connects Postgres,
 * Redis and RabbitMQ, wires the application services and serves the chi
 * router until SIGINT/SIGTERM.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/transfa/ledger-service/internal/api"
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledger api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.JWTSigningKey == "" {
		return errors.New("JWT_SIGNING_KEY is required")
	}
	boot := logging.Component(logger, "bootstrap")

	ctx := context.Background()
	pool, err := bootstrap.OpenPostgres(ctx, cfg, boot)
	if err != nil {
		return err
	}
	defer pool.Close()

	publisher := bootstrap.OpenPublisher(cfg.RabbitMQURL, logger)
	defer publisher.Close()
	notifier := bootstrap.Notifier(cfg, publisher, logger)

	var limiter app.RateLimiter
	if redisClient := bootstrap.OpenRedis(ctx, cfg.RedisURL, boot); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	repo := store.NewPostgresRepository(pool)
	clock := app.SystemClock{}
	executor := app.NewTransferExecutor(repo, clock, notifier, cfg.NotifyTimeout(), logger)
	handlers := api.NewHandlers(api.Services{
		Accounts:  app.NewAccountService(repo, clock, logger),
		Transfers: executor,
		Payments:  app.NewScheduledPaymentService(repo, clock, logger),
		Tokens: app.NewTokenEngine(repo, clock, app.RandomTokenSource{}, limiter, app.TokenEngineConfig{
			TTL:                  cfg.QRTokenTTL(),
			ShareBaseURL:         cfg.QRShareBaseURL,
			RedeemLimitPerMinute: cfg.QRRedeemRateLimitPerMinute,
		}, logger),
		Requests:  app.NewRequestBroker(repo, executor, clock, notifier, cfg.NotifyTimeout(), logger),
		Favorites: app.NewFavoriteService(repo, clock, logger),
		Guard:     app.NewIdempotencyGuard(repo, clock, cfg.IdempotencyWaitTimeout(), cfg.IdempotencyStaleAfter(), logger),
	}, logger)

	router := api.NewRouter(handlers, api.RouterConfig{
		JWT: api.JWTConfig{
			SigningKey: []byte(cfg.JWTSigningKey),
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
		},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case <-stop:
	}

	logger.Info("shutdown started")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
