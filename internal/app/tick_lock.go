package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTickLocker is a redsync mutex taken once per tick so that only one
// scheduler process works at a time. The expiry bounds how long a crashed
// holder can block the others.
type RedisTickLocker struct {
	rs     *redsync.Redsync
	key    string
	expiry time.Duration
	logger *zap.Logger
}

func NewRedisTickLocker(client redis.UniversalClient, prefix string, expiry time.Duration, logger *zap.Logger) *RedisTickLocker {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "ledger"
	}
	if expiry <= 0 {
		expiry = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTickLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    prefix + ":lock:scheduler_tick",
		expiry: expiry,
		logger: logger.With(zap.String("component", "tick_lock")),
	}
}

// Acquire makes a single attempt. Contention is reported as ok=false.
func (l *RedisTickLocker) Acquire(ctx context.Context) (func(), bool, error) {
	mutex := l.rs.NewMutex(l.key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire scheduler lock: %w", err)
	}

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.logger.Warn("failed to release scheduler lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}
