/**
 * @description
 * TokenEngine issues and redeems the short-lived QR authorization tokens.
 * Redeeming a token only yields a TransferIntent; the payer's client then
 * submits an ordinary transfer.
 *
 * @notes
 * - Every usage change happens with the token row locked, so concurrent
 *   redemptions of a single-use token cannot both succeed.
 * - Expired or exhausted tokens are deactivated on the redemption attempt
 *   that discovers it, and the scheduler sweeps the rest.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultTokenTTL      = 15 * time.Minute
	tokenRedeemRateScope = "qr_redeem"
	tokenRedeemWindow    = time.Minute
)

// RateLimitError is returned when a caller exceeded a rate limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests; retry in %d seconds", e.RetryAfterSeconds)
}

// TokenEngineConfig carries the tunables of the token engine.
type TokenEngineConfig struct {
	TTL                  time.Duration
	ShareBaseURL         string
	RedeemLimitPerMinute int
}

type TokenEngine struct {
	repo    store.Repository
	clock   Clock
	ids     TokenSource
	limiter RateLimiter
	cfg     TokenEngineConfig
	logger  *zap.Logger
}

func NewTokenEngine(repo store.Repository, clock Clock, ids TokenSource, limiter RateLimiter, cfg TokenEngineConfig, logger *zap.Logger) *TokenEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	if ids == nil {
		ids = RandomTokenSource{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenEngine{
		repo:    repo,
		clock:   clock,
		ids:     ids,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "qr_tokens")),
	}
}

func validateTokenRequest(req *domain.CreateTokenRequest) error {
	if req.Type == "" {
		req.Type = domain.TokenStandard
	}
	if !req.Type.Valid() {
		return domain.ErrInvalidTokenType
	}
	if req.Amount != nil {
		if err := domain.ValidateAmount(*req.Amount); err != nil {
			return err
		}
	}
	switch req.Type {
	case domain.TokenFixed:
		if req.Amount == nil {
			return domain.ErrFixedAmountRequired
		}
	case domain.TokenOpen:
		if req.Amount != nil {
			return domain.ErrOpenAmountNotAllowed
		}
	case domain.TokenRecurring:
		if req.RecurringInterval == nil || !req.RecurringInterval.Valid() {
			return domain.ErrRecurringIntervalRequired
		}
	}
	if req.Type != domain.TokenRecurring && req.RecurringInterval != nil && !req.RecurringInterval.Valid() {
		return domain.ErrInvalidFrequency
	}
	if req.MaxUsageCount != nil && *req.MaxUsageCount <= 0 {
		return domain.ErrInvalidMaxUsage
	}
	return nil
}

// Create issues a token owned by ownerID.
func (e *TokenEngine) Create(ctx context.Context, ownerID uuid.UUID, req domain.CreateTokenRequest) (*domain.IssuedToken, error) {
	if err := validateTokenRequest(&req); err != nil {
		return nil, err
	}
	if _, err := e.repo.FindAccountByID(ctx, ownerID); err != nil {
		return nil, err
	}

	id, err := e.ids.NewTokenID()
	if err != nil {
		return nil, fmt.Errorf("generate qr token id: %w", err)
	}
	now := e.clock.Now()
	token := &domain.AuthorizationToken{
		ID:                id,
		OwnerID:           ownerID,
		Amount:            req.Amount,
		Description:       req.Description,
		Type:              req.Type,
		RecurringInterval: req.RecurringInterval,
		MaxUsageCount:     req.MaxUsageCount,
		ExpiresAt:         now.Add(e.cfg.TTL),
		IsActive:          true,
		CreatedAt:         now,
	}
	if err := e.repo.CreateToken(ctx, token); err != nil {
		return nil, err
	}

	e.logger.Info("qr token issued",
		zap.String("owner_id", ownerID.String()),
		zap.String("type", string(token.Type)),
		zap.Time("expires_at", token.ExpiresAt),
	)
	return &domain.IssuedToken{Token: token, ShareURL: e.ShareURL(token.ID)}, nil
}

// ShareURL is the link encoded in the QR image.
func (e *TokenEngine) ShareURL(tokenID string) string {
	return e.cfg.ShareBaseURL + "/transfer/qr/" + tokenID
}

// Redeem validates and consumes one use of a token on behalf of payerID.
func (e *TokenEngine) Redeem(ctx context.Context, tokenID string, payerID uuid.UUID) (*domain.TransferIntent, error) {
	if e.limiter != nil && e.cfg.RedeemLimitPerMinute > 0 {
		count, retryAfter, err := e.limiter.ConsumeRateLimit(ctx, tokenRedeemRateScope, payerID.String(), e.cfg.RedeemLimitPerMinute, tokenRedeemWindow)
		if err != nil {
			// Limiter outages allow the redemption.
			e.logger.Warn("qr redeem rate limiter unavailable", zap.Error(err))
		} else if count > e.cfg.RedeemLimitPerMinute {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	snapshot, err := e.repo.FindTokenByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	owner, err := e.repo.FindAccountByID(ctx, snapshot.OwnerID)
	if err != nil {
		return nil, err
	}

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	token, err := tx.LockToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if reason := e.rejectRedemption(token, payerID, now); reason != nil {
		if token.IsActive && (reason == domain.ErrTokenExpired || reason == domain.ErrTokenExhausted) {
			if err := tx.UpdateTokenUsage(ctx, token.ID, token.UsageCount, false); err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit qr token deactivation: %w", err)
			}
		}
		return nil, reason
	}

	token.UsageCount++
	if token.Type == domain.TokenStandard || token.Exhausted() {
		token.IsActive = false
	}
	if err := tx.UpdateTokenUsage(ctx, token.ID, token.UsageCount, token.IsActive); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit qr token redemption: %w", err)
	}

	e.logger.Info("qr token redeemed",
		zap.String("token_owner_id", token.OwnerID.String()),
		zap.String("payer_id", payerID.String()),
		zap.Int("usage_count", token.UsageCount),
		zap.Bool("still_active", token.IsActive),
	)

	return &domain.TransferIntent{
		TokenID:           token.ID,
		SenderID:          payerID,
		ReceiverID:        token.OwnerID,
		ReceiverName:      owner.Name,
		Amount:            token.Amount,
		Description:       token.Description,
		Type:              token.Type,
		RecurringInterval: token.RecurringInterval,
	}, nil
}

// rejectRedemption applies the redemption checks in their fixed order.
func (e *TokenEngine) rejectRedemption(token *domain.AuthorizationToken, payerID uuid.UUID, now time.Time) error {
	switch {
	case !token.IsActive:
		return domain.ErrTokenInactive
	case token.Expired(now):
		return domain.ErrTokenExpired
	case token.Exhausted():
		return domain.ErrTokenExhausted
	case token.OwnerID == payerID:
		return domain.ErrTokenSelfRedeem
	}
	return nil
}

// List returns the owner's tokens, newest first.
func (e *TokenEngine) List(ctx context.Context, ownerID uuid.UUID) ([]domain.AuthorizationToken, error) {
	tokens, err := e.repo.ListTokensByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = []domain.AuthorizationToken{}
	}
	return tokens, nil
}

// Delete deactivates a token. Only its owner may do so.
func (e *TokenEngine) Delete(ctx context.Context, ownerID uuid.UUID, tokenID string) error {
	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	token, err := tx.LockToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if token.OwnerID != ownerID {
		return domain.ErrNotOwner
	}
	if !token.IsActive {
		return tx.Commit(ctx)
	}
	if err := tx.UpdateTokenUsage(ctx, token.ID, token.UsageCount, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ExpireStale deactivates every active token past its expiry.
func (e *TokenEngine) ExpireStale(ctx context.Context) (int64, error) {
	return e.repo.DeactivateExpiredTokens(ctx, e.clock.Now())
}
