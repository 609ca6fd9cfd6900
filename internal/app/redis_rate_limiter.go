package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter, starts the window on the
// first hit and returns {count, remaining window in ms}.
var fixedWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisRateLimiter is a fixed-window limiter shared by every API replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "ledger"
	}
	return &RedisRateLimiter{client: client, prefix: prefix + ":rate_limit"}
}

// ConsumeRateLimit records one hit. A nil limiter or non-positive limit
// disables limiting.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.prefix + ":" + scope + ":" + subject
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	if len(raw) != 2 {
		return 0, 0, fmt.Errorf("rate limit %s: unexpected reply length %d", scope, len(raw))
	}

	remainingMs := raw[1]
	if remainingMs < 0 {
		remainingMs = windowMs
	}
	retryAfter := int((remainingMs + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(raw[0]), retryAfter, nil
}
