package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

const (
	idempotencyPollInterval = 50 * time.Millisecond

	// A stored outcome is retried this many times after the first attempt
	// before the key is left in processing.
	persistRetries         = 4
	persistInitialInterval = 20 * time.Millisecond
)

// IdempotencyStore is the slice of the repository the guard needs.
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key, fingerprint string, now time.Time, staleAfter time.Duration) (*domain.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, key string, result domain.Result, now time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	FindIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
}

var _ IdempotencyStore = (store.Repository)(nil)

// IdempotencyGuard gives a client-supplied key exactly-once effect. The key
// is claimed before the handler runs; concurrent and later requests with the
// same key get the stored Result instead of running the handler again.
type IdempotencyGuard struct {
	store       IdempotencyStore
	clock       Clock
	waitTimeout time.Duration
	staleAfter  time.Duration
	logger      *zap.Logger
}

func NewIdempotencyGuard(s IdempotencyStore, clock Clock, waitTimeout, staleAfter time.Duration, logger *zap.Logger) *IdempotencyGuard {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotencyGuard{
		store:       s,
		clock:       clock,
		waitTimeout: waitTimeout,
		staleAfter:  staleAfter,
		logger:      logger.With(zap.String("component", "idempotency")),
	}
}

// Run executes handler at most once per key. replayed reports whether the
// returned Result came from storage. An empty key runs handler unguarded.
func (g *IdempotencyGuard) Run(ctx context.Context, key, fingerprint string, handler func(ctx context.Context) domain.Result) (domain.Result, bool, error) {
	if key == "" {
		return handler(ctx), false, nil
	}

	rec, claimed, err := g.store.ClaimIdempotencyKey(ctx, key, fingerprint, g.clock.Now(), g.staleAfter)
	if err != nil && !errors.Is(err, domain.ErrIdempotencyInProgress) {
		return domain.Result{}, false, err
	}

	if err == nil && claimed {
		return g.runClaimed(ctx, key, handler)
	}

	if rec != nil && rec.Fingerprint != fingerprint {
		return domain.Result{}, false, domain.ErrIdempotencyKeyReused
	}
	if rec != nil && rec.Status == domain.IdempotencyCompleted && rec.Response != nil {
		return *rec.Response, true, nil
	}

	return g.awaitCompletion(ctx, key, fingerprint)
}

func (g *IdempotencyGuard) runClaimed(ctx context.Context, key string, handler func(ctx context.Context) domain.Result) (domain.Result, bool, error) {
	result := handler(ctx)

	// Persist even when the caller has gone away; the effect already happened.
	persistCtx := context.WithoutCancel(ctx)
	if retryable(result.StatusCode) {
		err := g.persist(persistCtx, func(ctx context.Context) error {
			return g.store.ReleaseIdempotencyKey(ctx, key)
		})
		if err != nil {
			g.logger.Error("failed to release idempotency key", zap.String("key", key), zap.Error(err))
		}
		return result, false, nil
	}
	err := g.persist(persistCtx, func(ctx context.Context) error {
		return g.store.CompleteIdempotencyKey(ctx, key, result, g.clock.Now())
	})
	if err != nil {
		g.logger.Error("failed to store idempotent response; key stays in processing",
			zap.String("key", key),
			zap.Int("status", result.StatusCode),
			zap.Error(err),
		)
	}
	return result, false, nil
}

// persist retries op with exponential backoff. Domain errors are final.
func (g *IdempotencyGuard) persist(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = persistInitialInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if _, ok := domain.AsError(err); ok {
			return backoff.Permanent(err)
		}
		g.logger.Warn("idempotency store write failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, persistRetries), ctx))
}

// retryable results are not stored, so a retry with the same key runs again.
func retryable(status int) bool {
	return status >= http.StatusInternalServerError
}

// awaitCompletion polls a key another request is processing until it
// completes, is released, or waitTimeout passes.
func (g *IdempotencyGuard) awaitCompletion(ctx context.Context, key, fingerprint string) (domain.Result, bool, error) {
	if g.waitTimeout <= 0 {
		return domain.Result{}, false, domain.ErrIdempotencyInProgress
	}
	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(idempotencyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return domain.Result{}, false, domain.ErrIdempotencyInProgress
		case <-ticker.C:
		}

		rec, err := g.store.FindIdempotencyRecord(waitCtx, key)
		if err != nil {
			if waitCtx.Err() != nil {
				return domain.Result{}, false, domain.ErrIdempotencyInProgress
			}
			return domain.Result{}, false, err
		}
		if rec == nil {
			// The winner failed and released the key; let the client retry.
			return domain.Result{}, false, domain.ErrIdempotencyInProgress
		}
		if rec.Fingerprint != fingerprint {
			return domain.Result{}, false, domain.ErrIdempotencyKeyReused
		}
		if rec.Status == domain.IdempotencyCompleted && rec.Response != nil {
			return *rec.Response, true, nil
		}
	}
}
