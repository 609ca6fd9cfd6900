/**
 * @description
 * Core ledger models: accounts, the transaction record written by every money
 * movement, and the command/result pair used by the transfer executor.
 *
 * @notes
 * - Money is a shopspring decimal with at most two fractional digits. Storage
 *   uses NUMERIC(20,2) so values round-trip exactly.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits an amount may carry.
const MoneyScale = 2

// Account holds a balance. Only the transfer executor changes Balance.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is the ledger record of one transfer.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	SenderID    uuid.UUID         `json:"sender_id"`
	ReceiverID  uuid.UUID         `json:"receiver_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Description *string           `json:"description,omitempty"`
	Status      TransactionStatus `json:"status"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// CanTransitionTo reports whether the status machine allows moving to next.
// Only pending rows move, and only to a terminal state.
func (t *Transaction) CanTransitionTo(next TransactionStatus) bool {
	return t.Status == TransactionPending && (next == TransactionCompleted || next == TransactionFailed)
}

// TransferCommand is the input of a single transfer.
type TransferCommand struct {
	SenderID    uuid.UUID
	ReceiverID  uuid.UUID
	Amount      decimal.Decimal
	Description *string
}

// TransferResult is returned by a committed transfer.
type TransferResult struct {
	Transaction     *Transaction    `json:"transaction"`
	SenderBalance   decimal.Decimal `json:"sender_balance"`
	ReceiverBalance decimal.Decimal `json:"receiver_balance"`
}

// ValidateAmount rejects zero, negative and over-precise amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(MoneyScale)) {
		return ErrInvalidAmount
	}
	return nil
}

// OpenAccountRequest is the DTO for the internal account-opening endpoint.
type OpenAccountRequest struct {
	ID             *uuid.UUID      `json:"id,omitempty"`
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// CreateTransferRequest is the DTO for POST /transfers.
type CreateTransferRequest struct {
	SenderID    *uuid.UUID      `json:"sender_id,omitempty"`
	ReceiverID  uuid.UUID       `json:"receiver_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description *string         `json:"description,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}
