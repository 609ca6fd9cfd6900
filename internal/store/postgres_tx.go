package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// postgresTx implements Tx on a pgx transaction. Row locks come from
// SELECT ... FOR UPDATE and are released on commit or rollback.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *postgresTx) LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	defer rows.Close()

	locked := make(map[uuid.UUID]*domain.Account, len(ids))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		locked[account.ID] = account
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	return locked, nil
}

func (t *postgresTx) ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance
	`, accountID, delta).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrAccountNotFound
		}
		if pgErrorCode(err) == pgCheckViolation {
			return decimal.Zero, domain.ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("apply balance delta: %w", err)
	}
	return balance, nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, sender_id, receiver_id, amount, description, status, scheduled_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		txn.ID,
		txn.SenderID,
		txn.ReceiverID,
		txn.Amount,
		txn.Description,
		string(txn.Status),
		txn.ScheduledAt,
		txn.CompletedAt,
		txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	return txn, nil
}

func (t *postgresTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, completedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidStateTransition
	}
	return nil
}

func (t *postgresTx) LockToken(ctx context.Context, id string) (*domain.AuthorizationToken, error) {
	token, err := scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, fmt.Errorf("lock qr token: %w", err)
	}
	return token, nil
}

func (t *postgresTx) UpdateTokenUsage(ctx context.Context, id string, usageCount int, isActive bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE qr_tokens SET usage_count = $2, is_active = $3 WHERE id = $1`, id, usageCount, isActive)
	if err != nil {
		if pgErrorCode(err) == pgCheckViolation {
			return domain.ErrTokenExhausted
		}
		return fmt.Errorf("update qr token usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

func (t *postgresTx) LockScheduledPayment(ctx context.Context, id uuid.UUID) (*domain.ScheduledPayment, error) {
	p, err := scanScheduledPayment(t.tx.QueryRow(ctx, `SELECT `+scheduledPaymentColumns+` FROM scheduled_payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduledPaymentNotFound
		}
		return nil, fmt.Errorf("lock scheduled payment: %w", err)
	}
	return p, nil
}

func (t *postgresTx) UpdateScheduledPayment(ctx context.Context, p *domain.ScheduledPayment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE scheduled_payments
		SET amount = $2,
			description = $3,
			frequency = $4,
			next_execution_date = $5,
			last_execution_date = $6,
			end_date = $7,
			is_active = $8,
			updated_at = $9
		WHERE id = $1
	`,
		p.ID,
		p.Amount,
		p.Description,
		string(p.Frequency),
		p.NextExecutionDate,
		p.LastExecutionDate,
		p.EndDate,
		p.IsActive,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update scheduled payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduledPaymentNotFound
	}
	return nil
}

func (t *postgresTx) LockMoneyRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	m, err := scanMoneyRequest(t.tx.QueryRow(ctx, `SELECT `+moneyRequestColumns+` FROM money_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMoneyRequestNotFound
		}
		return nil, fmt.Errorf("lock money request: %w", err)
	}
	return m, nil
}

func (t *postgresTx) UpdateMoneyRequestStatus(ctx context.Context, id uuid.UUID, status domain.MoneyRequestStatus, completedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE money_requests
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("update money request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidStateTransition
	}
	return nil
}
