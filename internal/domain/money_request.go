package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MoneyRequestStatus string

const (
	MoneyRequestPending   MoneyRequestStatus = "pending"
	MoneyRequestApproved  MoneyRequestStatus = "approved"
	MoneyRequestRejected  MoneyRequestStatus = "rejected"
	MoneyRequestCancelled MoneyRequestStatus = "cancelled"
)

type MoneyRequestAction string

const (
	ActionApprove MoneyRequestAction = "approve"
	ActionReject  MoneyRequestAction = "reject"
	ActionCancel  MoneyRequestAction = "cancel"
)

// ResultingStatus maps an action to the terminal status it produces.
func (a MoneyRequestAction) ResultingStatus() (MoneyRequestStatus, bool) {
	switch a {
	case ActionApprove:
		return MoneyRequestApproved, true
	case ActionReject:
		return MoneyRequestRejected, true
	case ActionCancel:
		return MoneyRequestCancelled, true
	}
	return "", false
}

type RequestDirection string

const (
	DirectionSent     RequestDirection = "sent"
	DirectionReceived RequestDirection = "received"
	DirectionAll      RequestDirection = "all"
)

func (d RequestDirection) Valid() bool {
	return d == DirectionSent || d == DirectionReceived || d == DirectionAll
}

// MoneyRequest asks RequestedID to pay RequesterID.
type MoneyRequest struct {
	ID          uuid.UUID          `json:"id"`
	RequesterID uuid.UUID          `json:"requester_id"`
	RequestedID uuid.UUID          `json:"requested_id"`
	Amount      decimal.Decimal    `json:"amount"`
	Description *string            `json:"description,omitempty"`
	Status      MoneyRequestStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// MoneyRequestOutcome is returned by Respond.
type MoneyRequestOutcome struct {
	Request  *MoneyRequest   `json:"request"`
	Transfer *TransferResult `json:"transfer,omitempty"`
}

// CreateMoneyRequestRequest is the DTO for POST /money-requests.
type CreateMoneyRequestRequest struct {
	RequesterID *uuid.UUID      `json:"requester_id,omitempty"`
	RequestedID uuid.UUID       `json:"requested_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description *string         `json:"description,omitempty"`
}

// RespondMoneyRequestRequest is the DTO for POST /money-requests/{id}/respond.
type RespondMoneyRequestRequest struct {
	Action MoneyRequestAction `json:"action"`
}
