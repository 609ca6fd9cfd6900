package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
)

// Clock supplies the current time. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TokenSource generates authorization token ids.
type TokenSource interface {
	NewTokenID() (string, error)
}

// RandomTokenSource returns 32 bytes from crypto/rand, hex encoded.
type RandomTokenSource struct{}

func (RandomTokenSource) NewTokenID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Notifier delivers user-facing events. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// RateLimiter counts hits for subject within scope over a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// TickLocker guards a scheduler tick across processes. Acquire returns
// ok=false when another holder owns the lock.
type TickLocker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}
