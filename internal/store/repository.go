/**
 * @description
 * This file defines the storage contracts of the ledger-service. `UnitOfWork`
 * and `Tx` make the atomicity boundary explicit: every multi-row state change
 * (a transfer, a token redemption, a scheduled-payment advance) happens through
 * a Tx and becomes visible only on Commit. `Repository` covers single-statement
 * reads and inserts that need no surrounding transaction.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: entity models and the error taxonomy returned by adapters.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// UnitOfWork starts atomic units of work.
type UnitOfWork interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one unit of work. Lock* reads hold their row locks until Commit or
// Rollback. Rollback after Commit is a no-op so callers can always defer it.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// LockAccounts locks the given accounts in ascending id order and returns
	// them keyed by id. Missing ids are simply absent from the map.
	LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error)
	// ApplyBalanceDelta adds delta to a locked account and returns the new balance.
	ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error)

	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, completedAt *time.Time) error

	LockToken(ctx context.Context, id string) (*domain.AuthorizationToken, error)
	UpdateTokenUsage(ctx context.Context, id string, usageCount int, isActive bool) error

	LockScheduledPayment(ctx context.Context, id uuid.UUID) (*domain.ScheduledPayment, error)
	UpdateScheduledPayment(ctx context.Context, p *domain.ScheduledPayment) error

	LockMoneyRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error)
	UpdateMoneyRequestStatus(ctx context.Context, id uuid.UUID, status domain.MoneyRequestStatus, completedAt *time.Time) error
}

// Repository is the full storage port used by the application layer.
type Repository interface {
	UnitOfWork

	// Accounts
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// Transactions
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
	ListDuePendingTransactions(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error)

	// Idempotency
	ClaimIdempotencyKey(ctx context.Context, key, fingerprint string, now time.Time, staleAfter time.Duration) (*domain.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, key string, result domain.Result, now time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	FindIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// Authorization tokens
	CreateToken(ctx context.Context, token *domain.AuthorizationToken) error
	FindTokenByID(ctx context.Context, id string) (*domain.AuthorizationToken, error)
	ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.AuthorizationToken, error)
	DeactivateExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Scheduled payments
	CreateScheduledPayment(ctx context.Context, p *domain.ScheduledPayment) error
	FindScheduledPaymentByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledPayment, error)
	ListActiveScheduledPaymentsByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledPayment, error)
	ListDueScheduledPayments(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPayment, error)

	// Money requests
	CreateMoneyRequest(ctx context.Context, req *domain.MoneyRequest) error
	FindMoneyRequestByID(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error)
	ListMoneyRequests(ctx context.Context, accountID uuid.UUID, direction domain.RequestDirection) ([]domain.MoneyRequest, error)

	// Favorites. ListFavorites fills FavoriteName and the last completed
	// transfer between the pair.
	AddFavorite(ctx context.Context, f *domain.Favorite) error
	RemoveFavorite(ctx context.Context, accountID, favoriteID uuid.UUID) error
	ListFavorites(ctx context.Context, accountID uuid.UUID) ([]domain.Favorite, error)
}
