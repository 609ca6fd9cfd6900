/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * on top of a pgx connection pool. Multi-row state changes are delegated to
 * `postgresTx` (see postgres_tx.go); the methods here are single statements.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 * - internal/domain: Contains the domain models and error taxonomy.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgForeignKey      = "23503"
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// PostgresRepository is the concrete implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Begin opens a unit of work backed by a database transaction.
func (r *PostgresRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

const accountColumns = `id, name, balance, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Name, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, name, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`
	if _, err := r.db.Exec(ctx, query, account.ID, account.Name, account.Balance, account.CreatedAt); err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return domain.ErrAccountExists
		case pgCheckViolation:
			return domain.ErrInvalidAmount
		}
		return fmt.Errorf("insert account: %w", err)
	}
	account.UpdatedAt = account.CreatedAt
	return nil
}

func (r *PostgresRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return account, nil
}

const transactionColumns = `id, sender_id, receiver_id, amount, description, status, scheduled_at, completed_at, created_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t      domain.Transaction
		status string
	)
	if err := row.Scan(
		&t.ID,
		&t.SenderID,
		&t.ReceiverID,
		&t.Amount,
		&t.Description,
		&status,
		&t.ScheduledAt,
		&t.CompletedAt,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = domain.TransactionStatus(status)
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (r *PostgresRepository) ListDuePendingTransactions(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due pending transactions: %w", err)
	}
	return collectTransactions(rows)
}

func scanIdempotencyRecord(row pgx.Row) (*domain.IdempotencyRecord, error) {
	var (
		rec            domain.IdempotencyRecord
		status         string
		responseStatus *int
		responseBody   []byte
		headersJSON    []byte
	)
	if err := row.Scan(&rec.Key, &rec.Fingerprint, &status, &responseStatus, &responseBody, &headersJSON, &rec.CreatedAt, &rec.CompletedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	if responseStatus != nil {
		rec.Response = &domain.Result{StatusCode: *responseStatus, Body: responseBody}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &rec.Response.Headers); err != nil {
				return nil, fmt.Errorf("decode stored response headers: %w", err)
			}
		}
	}
	return &rec, nil
}

const idempotencyColumns = `key, fingerprint, status, response_status, response_body, response_headers, created_at, completed_at`

// ClaimIdempotencyKey inserts a processing claim for key. When the key already
// exists the stored record is returned unclaimed, unless it is a processing
// claim older than staleAfter (staleAfter > 0), which is taken over.
func (r *PostgresRepository) ClaimIdempotencyKey(ctx context.Context, key, fingerprint string, now time.Time, staleAfter time.Duration) (*domain.IdempotencyRecord, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin idempotency claim: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO idempotency_keys (key, fingerprint, status, created_at)
		VALUES ($1, $2, 'processing', $3)
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insertQuery, key, fingerprint, now)
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      domain.IdempotencyProcessing,
			CreatedAt:   now,
		}, true, nil
	}

	existing, err := scanIdempotencyRecord(tx.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1 FOR UPDATE`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The competing claim was released between our insert and select.
			return nil, false, domain.ErrIdempotencyInProgress
		}
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}

	stale := staleAfter > 0 &&
		existing.Status == domain.IdempotencyProcessing &&
		existing.Fingerprint == fingerprint &&
		existing.CreatedAt.Before(now.Add(-staleAfter))
	if !stale {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE idempotency_keys SET created_at = $2 WHERE key = $1`, key, now); err != nil {
		return nil, false, fmt.Errorf("reclaim stale idempotency key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	existing.CreatedAt = now
	return existing, true, nil
}

// CompleteIdempotencyKey stores the outcome once. A second completion of the
// same key is rejected so the stored response can never change.
func (r *PostgresRepository) CompleteIdempotencyKey(ctx context.Context, key string, result domain.Result, now time.Time) error {
	query := `
		UPDATE idempotency_keys
		SET status = 'completed', response_status = $2, response_body = $3, response_headers = $4, completed_at = $5
		WHERE key = $1 AND status = 'processing'
	`
	var headersJSON *string
	if len(result.Headers) > 0 {
		encoded, err := json.Marshal(result.Headers)
		if err != nil {
			return fmt.Errorf("encode response headers: %w", err)
		}
		text := string(encoded)
		headersJSON = &text
	}
	tag, err := r.db.Exec(ctx, query, key, result.StatusCode, result.Body, headersJSON, now)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidStateTransition
	}
	return nil
}

func (r *PostgresRepository) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND status = 'processing'`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := scanIdempotencyRecord(r.db.QueryRow(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find idempotency key: %w", err)
	}
	return rec, nil
}

const tokenColumns = `id, owner_id, amount, description, type, recurring_interval, max_usage_count, usage_count, expires_at, is_active, created_at`

func scanToken(row pgx.Row) (*domain.AuthorizationToken, error) {
	var (
		t         domain.AuthorizationToken
		amount    decimal.NullDecimal
		tokenType string
		interval  *string
	)
	if err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&amount,
		&t.Description,
		&tokenType,
		&interval,
		&t.MaxUsageCount,
		&t.UsageCount,
		&t.ExpiresAt,
		&t.IsActive,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Type = domain.TokenType(tokenType)
	if amount.Valid {
		value := amount.Decimal
		t.Amount = &value
	}
	if interval != nil {
		f := domain.Frequency(*interval)
		t.RecurringInterval = &f
	}
	return &t, nil
}

func (r *PostgresRepository) CreateToken(ctx context.Context, token *domain.AuthorizationToken) error {
	var interval *string
	if token.RecurringInterval != nil {
		v := string(*token.RecurringInterval)
		interval = &v
	}
	query := `
		INSERT INTO qr_tokens (
			id, owner_id, amount, description, type, recurring_interval,
			max_usage_count, usage_count, expires_at, is_active, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		token.ID,
		token.OwnerID,
		nullDecimal(token.Amount),
		token.Description,
		string(token.Type),
		interval,
		token.MaxUsageCount,
		token.UsageCount,
		token.ExpiresAt,
		token.IsActive,
		token.CreatedAt,
	)
	if err != nil {
		if pgErrorCode(err) == pgForeignKey {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("insert qr token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindTokenByID(ctx context.Context, id string) (*domain.AuthorizationToken, error) {
	t, err := scanToken(r.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, fmt.Errorf("find qr token: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.AuthorizationToken, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list qr tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.AuthorizationToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (r *PostgresRepository) DeactivateExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE qr_tokens SET is_active = FALSE WHERE is_active AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired qr tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

const scheduledPaymentColumns = `id, sender_id, receiver_id, amount, description, frequency, next_execution_date, last_execution_date, end_date, is_active, created_at, updated_at`

func scanScheduledPayment(row pgx.Row) (*domain.ScheduledPayment, error) {
	var (
		p         domain.ScheduledPayment
		frequency string
	)
	if err := row.Scan(
		&p.ID,
		&p.SenderID,
		&p.ReceiverID,
		&p.Amount,
		&p.Description,
		&frequency,
		&p.NextExecutionDate,
		&p.LastExecutionDate,
		&p.EndDate,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Frequency = domain.Frequency(frequency)
	return &p, nil
}

func collectScheduledPayments(rows pgx.Rows) ([]domain.ScheduledPayment, error) {
	defer rows.Close()
	var out []domain.ScheduledPayment
	for rows.Next() {
		p, err := scanScheduledPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateScheduledPayment(ctx context.Context, p *domain.ScheduledPayment) error {
	query := `
		INSERT INTO scheduled_payments (
			id, sender_id, receiver_id, amount, description, frequency,
			next_execution_date, last_execution_date, end_date, is_active, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Exec(ctx, query,
		p.ID,
		p.SenderID,
		p.ReceiverID,
		p.Amount,
		p.Description,
		string(p.Frequency),
		p.NextExecutionDate,
		p.LastExecutionDate,
		p.EndDate,
		p.IsActive,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if pgErrorCode(err) == pgForeignKey {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("insert scheduled payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindScheduledPaymentByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledPayment, error) {
	p, err := scanScheduledPayment(r.db.QueryRow(ctx, `SELECT `+scheduledPaymentColumns+` FROM scheduled_payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduledPaymentNotFound
		}
		return nil, fmt.Errorf("find scheduled payment: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListActiveScheduledPaymentsByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledPayment, error) {
	query := `
		SELECT ` + scheduledPaymentColumns + `
		FROM scheduled_payments
		WHERE is_active AND (sender_id = $1 OR receiver_id = $1)
		ORDER BY next_execution_date ASC
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled payments: %w", err)
	}
	return collectScheduledPayments(rows)
}

func (r *PostgresRepository) ListDueScheduledPayments(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPayment, error) {
	query := `
		SELECT ` + scheduledPaymentColumns + `
		FROM scheduled_payments
		WHERE is_active AND next_execution_date <= $1
		ORDER BY next_execution_date ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled payments: %w", err)
	}
	return collectScheduledPayments(rows)
}

const moneyRequestColumns = `id, requester_id, requested_id, amount, description, status, created_at, completed_at`

func scanMoneyRequest(row pgx.Row) (*domain.MoneyRequest, error) {
	var (
		m      domain.MoneyRequest
		status string
	)
	if err := row.Scan(&m.ID, &m.RequesterID, &m.RequestedID, &m.Amount, &m.Description, &status, &m.CreatedAt, &m.CompletedAt); err != nil {
		return nil, err
	}
	m.Status = domain.MoneyRequestStatus(status)
	return &m, nil
}

func (r *PostgresRepository) CreateMoneyRequest(ctx context.Context, req *domain.MoneyRequest) error {
	query := `
		INSERT INTO money_requests (id, requester_id, requested_id, amount, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query, req.ID, req.RequesterID, req.RequestedID, req.Amount, req.Description, string(req.Status), req.CreatedAt)
	if err != nil {
		if pgErrorCode(err) == pgForeignKey {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("insert money request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindMoneyRequestByID(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	m, err := scanMoneyRequest(r.db.QueryRow(ctx, `SELECT `+moneyRequestColumns+` FROM money_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMoneyRequestNotFound
		}
		return nil, fmt.Errorf("find money request: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) ListMoneyRequests(ctx context.Context, accountID uuid.UUID, direction domain.RequestDirection) ([]domain.MoneyRequest, error) {
	var filter string
	switch direction {
	case domain.DirectionSent:
		filter = "requester_id = $1"
	case domain.DirectionReceived:
		filter = "requested_id = $1"
	default:
		filter = "(requester_id = $1 OR requested_id = $1)"
	}
	rows, err := r.db.Query(ctx, `SELECT `+moneyRequestColumns+` FROM money_requests WHERE `+filter+` ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list money requests: %w", err)
	}
	defer rows.Close()

	var out []domain.MoneyRequest
	for rows.Next() {
		m, err := scanMoneyRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AddFavorite(ctx context.Context, f *domain.Favorite) error {
	query := `
		INSERT INTO favorites (account_id, favorite_id, created_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.Exec(ctx, query, f.AccountID, f.FavoriteID, f.CreatedAt); err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return domain.ErrAlreadyFavorited
		case pgForeignKey:
			return domain.ErrAccountNotFound
		case pgCheckViolation:
			return domain.ErrSelfFavorite
		}
		return fmt.Errorf("insert favorite: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveFavorite(ctx context.Context, accountID, favoriteID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM favorites WHERE account_id = $1 AND favorite_id = $2`, accountID, favoriteID)
	if err != nil {
		return fmt.Errorf("delete favorite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFavoriteNotFound
	}
	return nil
}

// ListFavorites joins the favorite's name and, through a lateral subquery, the
// latest completed transfer in either direction.
func (r *PostgresRepository) ListFavorites(ctx context.Context, accountID uuid.UUID) ([]domain.Favorite, error) {
	query := `
		SELECT f.account_id, f.favorite_id, a.name, f.created_at,
		       t.amount, t.completed_at, t.sender_id
		FROM favorites f
		JOIN accounts a ON a.id = f.favorite_id
		LEFT JOIN LATERAL (
			SELECT amount, completed_at, sender_id
			FROM transactions
			WHERE status = 'completed'
			  AND ((sender_id = f.account_id AND receiver_id = f.favorite_id)
			    OR (sender_id = f.favorite_id AND receiver_id = f.account_id))
			ORDER BY completed_at DESC
			LIMIT 1
		) t ON TRUE
		WHERE f.account_id = $1
		ORDER BY f.created_at DESC
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var out []domain.Favorite
	for rows.Next() {
		var (
			f           domain.Favorite
			amount      decimal.NullDecimal
			completedAt *time.Time
			senderID    *uuid.UUID
		)
		if err := rows.Scan(&f.AccountID, &f.FavoriteID, &f.FavoriteName, &f.CreatedAt, &amount, &completedAt, &senderID); err != nil {
			return nil, err
		}
		if amount.Valid && completedAt != nil && senderID != nil {
			f.LastTransaction = &domain.FavoriteTransaction{
				Amount:     amount.Decimal,
				Date:       *completedAt,
				IsIncoming: *senderID == f.FavoriteID,
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
