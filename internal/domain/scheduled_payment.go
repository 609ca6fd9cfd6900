package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// Advance returns the next occurrence after t using calendar arithmetic.
// Month and year steps normalise overflow the way time.AddDate does
// (Jan 31 + 1 month = Mar 3 or Mar 2).
func (f Frequency) Advance(t time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return t.AddDate(0, 1, 0)
	case FrequencyYearly:
		return t.AddDate(1, 0, 0)
	}
	return t
}

// ScheduledPayment is a recurring instruction executed by the scheduler.
type ScheduledPayment struct {
	ID                uuid.UUID       `json:"id"`
	SenderID          uuid.UUID       `json:"sender_id"`
	ReceiverID        uuid.UUID       `json:"receiver_id"`
	Amount            decimal.Decimal `json:"amount"`
	Description       *string         `json:"description,omitempty"`
	Frequency         Frequency       `json:"frequency"`
	NextExecutionDate time.Time       `json:"next_execution_date"`
	LastExecutionDate *time.Time      `json:"last_execution_date,omitempty"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	IsActive          bool            `json:"is_active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsDue reports whether the payment should run at now.
func (p *ScheduledPayment) IsDue(now time.Time) bool {
	return p.IsActive && !p.NextExecutionDate.After(now)
}

// RecordExecution advances the schedule after a successful run at now.
// The payment is deactivated once the next date passes EndDate.
func (p *ScheduledPayment) RecordExecution(now time.Time) {
	executedAt := now
	p.LastExecutionDate = &executedAt
	p.NextExecutionDate = p.Frequency.Advance(p.NextExecutionDate)
	if p.EndDate != nil && p.NextExecutionDate.After(*p.EndDate) {
		p.IsActive = false
	}
	p.UpdatedAt = now
}

// CreateScheduledPaymentRequest is the DTO for POST /scheduled-payments.
type CreateScheduledPaymentRequest struct {
	SenderID    *uuid.UUID      `json:"sender_id,omitempty"`
	ReceiverID  uuid.UUID       `json:"receiver_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description *string         `json:"description,omitempty"`
	Frequency   Frequency       `json:"frequency"`
	StartDate   *time.Time      `json:"start_date,omitempty"`
	EndDate     *time.Time      `json:"end_date,omitempty"`
}

// UpdateScheduledPaymentRequest is the DTO for PATCH /scheduled-payments/{id}.
// Nil fields are left untouched.
type UpdateScheduledPaymentRequest struct {
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Description *string          `json:"description,omitempty"`
	Frequency   *Frequency       `json:"frequency,omitempty"`
	EndDate     *time.Time       `json:"end_date,omitempty"`
}
