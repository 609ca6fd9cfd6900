// Package bootstrap opens the infrastructure both binaries share. Optional
// dependencies (Redis, RabbitMQ) degrade to nil or a no-op with a warning so
// the ledger still starts without them.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/notify"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const pingTimeout = 5 * time.Second

// OpenPostgres connects the pool and, when enabled, applies migrations first.
func OpenPostgres(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.DatabaseMaxConns > 0 {
		poolConfig.MaxConns = cfg.DatabaseMaxConns
	}
	if cfg.DatabaseMinConns > 0 && cfg.DatabaseMinConns <= poolConfig.MaxConns {
		poolConfig.MinConns = cfg.DatabaseMinConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Poolers in front of Postgres do not keep prepared statements per client.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", zap.Int32("max_conns", poolConfig.MaxConns))
	return pool, nil
}

// OpenRedis returns a connected client, or nil when url is empty, invalid or
// unreachable.
func OpenRedis(ctx context.Context, url string, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(url) == "" {
		logger.Warn("redis url missing; rate limiting and tick lock disabled")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("redis url parse failed; rate limiting and tick lock disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting and tick lock disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

// OpenPublisher connects to RabbitMQ, falling back to a no-op publisher.
func OpenPublisher(url string, logger *zap.Logger) rabbitmq.Publisher {
	if strings.TrimSpace(url) == "" {
		logger.Warn("rabbitmq url missing; notifications are dropped")
		return rabbitmq.NewNoopProducer(logger)
	}
	producer, err := rabbitmq.NewEventProducer(url, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; notifications are dropped", zap.Error(err))
		return rabbitmq.NewNoopProducer(logger)
	}
	logger.Info("rabbitmq producer connected")
	return producer
}

// Notifier publishes notifications on the configured exchange through a
// circuit breaker.
func Notifier(cfg config.Config, publisher rabbitmq.Publisher, logger *zap.Logger) *notify.BrokerNotifier {
	return notify.NewBrokerNotifier(publisher, cfg.NotificationExchange, notify.BreakerConfig{}, logger)
}
