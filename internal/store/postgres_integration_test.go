//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/transfa/ledger-service/internal/domain"
	"go.uber.org/zap"
)

func setupPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn, zap.NewNop()))
	// A second run must be a no-op.
	require.NoError(t, Migrate(dsn, zap.NewNop()))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresRepository(pool)
}

func createPgAccount(t *testing.T, repo *PostgresRepository, balance string) uuid.UUID {
	t.Helper()
	account := &domain.Account{
		ID:        uuid.New(),
		Name:      "integration",
		Balance:   decimal.RequireFromString(balance),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateAccount(context.Background(), account))
	return account.ID
}

func TestIntegration_Postgres_TransferUnitOfWork(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	a := createPgAccount(t, repo, "100.00")
	b := createPgAccount(t, repo, "5.50")

	err := repo.CreateAccount(ctx, &domain.Account{ID: a, Name: "dup", CreatedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, domain.ErrAccountExists)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.LockAccounts(ctx, b, a, uuid.New())
	require.NoError(t, err)
	assert.Len(t, locked, 2)

	senderBalance, err := tx.ApplyBalanceDelta(ctx, a, decimal.RequireFromString("-25.25"))
	require.NoError(t, err)
	receiverBalance, err := tx.ApplyBalanceDelta(ctx, b, decimal.RequireFromString("25.25"))
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, tx.InsertTransaction(ctx, &domain.Transaction{
		ID:          uuid.New(),
		SenderID:    a,
		ReceiverID:  b,
		Amount:      decimal.RequireFromString("25.25"),
		Status:      domain.TransactionCompleted,
		CompletedAt: &now,
		CreatedAt:   now,
	}))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, "74.75", senderBalance.StringFixed(2))
	assert.Equal(t, "30.75", receiverBalance.StringFixed(2))

	history, err := repo.ListTransactionsByAccount(ctx, b, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "25.25", history[0].Amount.StringFixed(2))
}

func TestIntegration_Postgres_BalanceCheckConstraint(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	a := createPgAccount(t, repo, "1.00")

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = tx.ApplyBalanceDelta(ctx, a, decimal.RequireFromString("-1.01"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestIntegration_Postgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	a := createPgAccount(t, repo, "10.00")
	b := createPgAccount(t, repo, "0")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := repo.Begin(ctx)
			if !assert.NoError(t, err) {
				return
			}
			defer tx.Rollback(ctx)
			if _, err := tx.LockAccounts(ctx, a, b); err != nil {
				return
			}
			if _, err := tx.ApplyBalanceDelta(ctx, a, decimal.NewFromInt(-1)); err != nil {
				return
			}
			if _, err := tx.ApplyBalanceDelta(ctx, b, decimal.NewFromInt(1)); err != nil {
				return
			}
			if tx.Commit(ctx) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	got, err := repo.FindAccountByID(ctx, a)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestIntegration_Postgres_IdempotencyLifecycle(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, claimed, err := repo.ClaimIdempotencyKey(ctx, "key-1", "fp", now, 0)
	require.NoError(t, err)
	require.True(t, claimed)

	rec, claimed, err := repo.ClaimIdempotencyKey(ctx, "key-1", "fp", now, 0)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, domain.IdempotencyProcessing, rec.Status)

	require.NoError(t, repo.CompleteIdempotencyKey(ctx, "key-1", domain.Result{StatusCode: 201, Body: []byte(`{"success":true}`)}, now))

	stored, err := repo.FindIdempotencyRecord(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Response)
	assert.Equal(t, 201, stored.Response.StatusCode)
	assert.JSONEq(t, `{"success":true}`, string(stored.Response.Body))

	assert.Nil(t, stored.Response.Headers)

	_, claimed, err = repo.ClaimIdempotencyKey(ctx, "key-2", "fp", now, 0)
	require.NoError(t, err)
	require.True(t, claimed)
	limited := domain.Result{StatusCode: 429, Body: []byte(`{"success":false}`), Headers: map[string]string{"Retry-After": "12"}}
	require.NoError(t, repo.CompleteIdempotencyKey(ctx, "key-2", limited, now))
	stored, err = repo.FindIdempotencyRecord(ctx, "key-2")
	require.NoError(t, err)
	require.NotNil(t, stored.Response)
	assert.Equal(t, "12", stored.Response.Headers["Retry-After"])

	missing, err := repo.FindIdempotencyRecord(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIntegration_Postgres_TokenAndScheduledPayment(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	owner := createPgAccount(t, repo, "0")
	payer := createPgAccount(t, repo, "50")
	now := time.Now().UTC().Truncate(time.Microsecond)

	amount := decimal.RequireFromString("12.50")
	max := 1
	require.NoError(t, repo.CreateToken(ctx, &domain.AuthorizationToken{
		ID:            "tok-1",
		OwnerID:       owner,
		Amount:        &amount,
		Type:          domain.TokenFixed,
		MaxUsageCount: &max,
		ExpiresAt:     now.Add(-time.Minute),
		IsActive:      true,
		CreatedAt:     now,
	}))
	token, err := repo.FindTokenByID(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, token.Amount)
	assert.Equal(t, "12.50", token.Amount.StringFixed(2))

	n, err := repo.DeactivateExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	p := &domain.ScheduledPayment{
		ID:                uuid.New(),
		SenderID:          payer,
		ReceiverID:        owner,
		Amount:            amount,
		Frequency:         domain.FrequencyWeekly,
		NextExecutionDate: now.Add(-time.Hour),
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, repo.CreateScheduledPayment(ctx, p))

	due, err := repo.ListDueScheduledPayments(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.LockScheduledPayment(ctx, p.ID)
	require.NoError(t, err)
	locked.RecordExecution(now)
	require.NoError(t, tx.UpdateScheduledPayment(ctx, locked))
	require.NoError(t, tx.Commit(ctx))

	due, err = repo.ListDueScheduledPayments(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestIntegration_Postgres_Favorites(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	a := createPgAccount(t, repo, "100.00")
	b := createPgAccount(t, repo, "0")
	now := time.Now().UTC()

	require.NoError(t, repo.AddFavorite(ctx, &domain.Favorite{AccountID: a, FavoriteID: b, CreatedAt: now}))
	assert.ErrorIs(t, repo.AddFavorite(ctx, &domain.Favorite{AccountID: a, FavoriteID: b, CreatedAt: now}), domain.ErrAlreadyFavorited)
	assert.ErrorIs(t, repo.AddFavorite(ctx, &domain.Favorite{AccountID: a, FavoriteID: a, CreatedAt: now}), domain.ErrSelfFavorite)
	assert.ErrorIs(t, repo.AddFavorite(ctx, &domain.Favorite{AccountID: a, FavoriteID: uuid.New(), CreatedAt: now}), domain.ErrAccountNotFound)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	completedAt := now
	require.NoError(t, tx.InsertTransaction(ctx, &domain.Transaction{
		ID:          uuid.New(),
		SenderID:    a,
		ReceiverID:  b,
		Amount:      decimal.RequireFromString("12.00"),
		Status:      domain.TransactionCompleted,
		CreatedAt:   now,
		CompletedAt: &completedAt,
	}))
	require.NoError(t, tx.Commit(ctx))

	favorites, err := repo.ListFavorites(ctx, a)
	require.NoError(t, err)
	require.Len(t, favorites, 1)
	assert.Equal(t, "integration", favorites[0].FavoriteName)
	require.NotNil(t, favorites[0].LastTransaction)
	assert.Equal(t, "12.00", favorites[0].LastTransaction.Amount.StringFixed(2))
	assert.False(t, favorites[0].LastTransaction.IsIncoming)

	require.NoError(t, repo.RemoveFavorite(ctx, a, b))
	assert.ErrorIs(t, repo.RemoveFavorite(ctx, a, b), domain.ErrFavoriteNotFound)
}
