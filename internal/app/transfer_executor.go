/**
 * @description
 * TransferExecutor is the only code path that changes account balances. Every
 * transfer (direct, scheduled, QR-initiated or a money-request approval) runs
 * through Execute or SettlePending inside a single unit of work, so a transfer
 * either fully commits or leaves no trace.
 *
 * @notes
 * - Both account rows are locked in ascending id order before any check that
 *   depends on their state.
 * - Hooks let callers enlist their own row changes in the same unit of work.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Hook runs inside a transfer's unit of work after both accounts are locked
// and before funds are checked. Returning an error aborts the transfer.
type Hook func(ctx context.Context, tx store.Tx) error

// TransferExecutor moves money between accounts.
type TransferExecutor struct {
	repo   store.Repository
	clock  Clock
	notify *dispatcher
	logger *zap.Logger
}

// NewTransferExecutor creates a new TransferExecutor.
func NewTransferExecutor(repo store.Repository, clock Clock, notifier Notifier, notifyTimeout time.Duration, logger *zap.Logger) *TransferExecutor {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "transfer_executor"))
	return &TransferExecutor{
		repo:   repo,
		clock:  clock,
		notify: newDispatcher(notifier, clock, notifyTimeout, logger),
		logger: logger,
	}
}

func validateTransfer(cmd domain.TransferCommand) error {
	if err := domain.ValidateAmount(cmd.Amount); err != nil {
		return err
	}
	if cmd.SenderID == cmd.ReceiverID {
		return domain.ErrSelfTransfer
	}
	return nil
}

// Execute performs an immediate transfer and records it as completed.
func (e *TransferExecutor) Execute(ctx context.Context, cmd domain.TransferCommand, hooks ...Hook) (*domain.TransferResult, error) {
	if err := validateTransfer(cmd); err != nil {
		return nil, err
	}

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sender, receiver, err := e.moveFunds(ctx, tx, cmd, hooks)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	txn := &domain.Transaction{
		ID:          uuid.New(),
		SenderID:    cmd.SenderID,
		ReceiverID:  cmd.ReceiverID,
		Amount:      cmd.Amount,
		Description: cmd.Description,
		Status:      domain.TransactionCompleted,
		CompletedAt: &now,
		CreatedAt:   now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transfer: %w", err)
	}

	e.logger.Info("transfer completed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("sender_id", txn.SenderID.String()),
		zap.String("receiver_id", txn.ReceiverID.String()),
		zap.String("amount", txn.Amount.StringFixed(domain.MoneyScale)),
	)
	e.notify.send(ctx, transferNotifications(txn, sender, receiver)...)

	return &domain.TransferResult{
		Transaction:     txn,
		SenderBalance:   sender.Balance,
		ReceiverBalance: receiver.Balance,
	}, nil
}

// moveFunds locks both parties, runs hooks, checks funds and applies the
// debit and credit. The returned accounts carry the post-transfer balances.
func (e *TransferExecutor) moveFunds(ctx context.Context, tx store.Tx, cmd domain.TransferCommand, hooks []Hook) (*domain.Account, *domain.Account, error) {
	locked, err := tx.LockAccounts(ctx, cmd.SenderID, cmd.ReceiverID)
	if err != nil {
		return nil, nil, err
	}
	sender, ok := locked[cmd.SenderID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: sender %s", domain.ErrAccountNotFound, cmd.SenderID)
	}
	receiver, ok := locked[cmd.ReceiverID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: receiver %s", domain.ErrAccountNotFound, cmd.ReceiverID)
	}

	for _, hook := range hooks {
		if err := hook(ctx, tx); err != nil {
			return nil, nil, err
		}
	}

	if sender.Balance.LessThan(cmd.Amount) {
		return nil, nil, insufficientFunds(sender.Balance, cmd.Amount)
	}

	if sender.Balance, err = tx.ApplyBalanceDelta(ctx, sender.ID, cmd.Amount.Neg()); err != nil {
		return nil, nil, err
	}
	if receiver.Balance, err = tx.ApplyBalanceDelta(ctx, receiver.ID, cmd.Amount); err != nil {
		return nil, nil, err
	}
	return sender, receiver, nil
}

func insufficientFunds(balance, requested decimal.Decimal) error {
	return fmt.Errorf("%w: balance %s, requested %s",
		domain.ErrInsufficientFunds,
		balance.StringFixed(domain.MoneyScale),
		requested.StringFixed(domain.MoneyScale),
	)
}

// Schedule records a pending transfer for a future instant. Funds are checked
// against the current balance but not reserved. An instant that is not in the
// future executes immediately.
func (e *TransferExecutor) Schedule(ctx context.Context, cmd domain.TransferCommand, at time.Time) (*domain.TransferResult, error) {
	now := e.clock.Now()
	if !at.After(now) {
		return e.Execute(ctx, cmd)
	}
	if err := validateTransfer(cmd); err != nil {
		return nil, err
	}

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := tx.LockAccounts(ctx, cmd.SenderID, cmd.ReceiverID)
	if err != nil {
		return nil, err
	}
	sender, ok := locked[cmd.SenderID]
	if !ok {
		return nil, fmt.Errorf("%w: sender %s", domain.ErrAccountNotFound, cmd.SenderID)
	}
	receiver, ok := locked[cmd.ReceiverID]
	if !ok {
		return nil, fmt.Errorf("%w: receiver %s", domain.ErrAccountNotFound, cmd.ReceiverID)
	}
	if sender.Balance.LessThan(cmd.Amount) {
		return nil, insufficientFunds(sender.Balance, cmd.Amount)
	}

	scheduledAt := at.UTC()
	txn := &domain.Transaction{
		ID:          uuid.New(),
		SenderID:    cmd.SenderID,
		ReceiverID:  cmd.ReceiverID,
		Amount:      cmd.Amount,
		Description: cmd.Description,
		Status:      domain.TransactionPending,
		ScheduledAt: &scheduledAt,
		CreatedAt:   now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit scheduled transfer: %w", err)
	}

	e.logger.Info("transfer scheduled",
		zap.String("transaction_id", txn.ID.String()),
		zap.Time("scheduled_at", scheduledAt),
	)
	e.notify.send(ctx, domain.Notification{
		UserID:  sender.ID,
		Title:   "Transfer scheduled",
		Message: fmt.Sprintf("%s to %s is scheduled for %s", txn.Amount.StringFixed(domain.MoneyScale), receiver.Name, scheduledAt.Format(time.RFC3339)),
		Type:    domain.NotificationInfo,
		Data:    map[string]any{"transaction_id": txn.ID.String()},
	})

	return &domain.TransferResult{
		Transaction:     txn,
		SenderBalance:   sender.Balance,
		ReceiverBalance: receiver.Balance,
	}, nil
}

// SettlePending executes a due pending transfer and completes the same row.
// Insufficient funds leave it pending for a later attempt; a party that no
// longer exists fails it permanently.
func (e *TransferExecutor) SettlePending(ctx context.Context, transactionID uuid.UUID) (*domain.TransferResult, error) {
	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	txn, err := tx.LockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !txn.CanTransitionTo(domain.TransactionCompleted) {
		return nil, domain.ErrInvalidStateTransition
	}

	cmd := domain.TransferCommand{
		SenderID:    txn.SenderID,
		ReceiverID:  txn.ReceiverID,
		Amount:      txn.Amount,
		Description: txn.Description,
	}
	now := e.clock.Now()
	sender, receiver, err := e.moveFunds(ctx, tx, cmd, nil)
	if errors.Is(err, domain.ErrAccountNotFound) {
		if failErr := tx.UpdateTransactionStatus(ctx, txn.ID, domain.TransactionFailed, &now); failErr != nil {
			return nil, failErr
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("commit failed transfer: %w", commitErr)
		}
		e.logger.Warn("pending transfer failed", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := tx.UpdateTransactionStatus(ctx, txn.ID, domain.TransactionCompleted, &now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit pending transfer: %w", err)
	}

	txn.Status = domain.TransactionCompleted
	txn.CompletedAt = &now
	e.logger.Info("pending transfer settled", zap.String("transaction_id", txn.ID.String()))
	e.notify.send(ctx, transferNotifications(txn, sender, receiver)...)

	return &domain.TransferResult{
		Transaction:     txn,
		SenderBalance:   sender.Balance,
		ReceiverBalance: receiver.Balance,
	}, nil
}

// History lists an account's transactions, newest first.
func (e *TransferExecutor) History(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	txns, err := e.repo.ListTransactionsByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	return txns, nil
}

func transferNotifications(txn *domain.Transaction, sender, receiver *domain.Account) []domain.Notification {
	amount := txn.Amount.StringFixed(domain.MoneyScale)
	data := map[string]any{
		"transaction_id": txn.ID.String(),
		"amount":         amount,
	}
	return []domain.Notification{
		{
			UserID:  sender.ID,
			Title:   "Transfer sent",
			Message: fmt.Sprintf("You sent %s to %s", amount, receiver.Name),
			Type:    domain.NotificationSuccess,
			Data:    data,
		},
		{
			UserID:  receiver.ID,
			Title:   "Money received",
			Message: fmt.Sprintf("You received %s from %s", amount, sender.Name),
			Type:    domain.NotificationSuccess,
			Data:    data,
		},
	}
}
