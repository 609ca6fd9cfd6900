package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TokenType string

const (
	TokenStandard  TokenType = "standard"
	TokenFixed     TokenType = "fixed"
	TokenOpen      TokenType = "open"
	TokenRecurring TokenType = "recurring"
)

func (t TokenType) Valid() bool {
	switch t {
	case TokenStandard, TokenFixed, TokenOpen, TokenRecurring:
		return true
	}
	return false
}

// AuthorizationToken is a short-lived QR credential that lets a payer send
// money to OwnerID.
type AuthorizationToken struct {
	ID                string           `json:"id"`
	OwnerID           uuid.UUID        `json:"owner_id"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	Description       *string          `json:"description,omitempty"`
	Type              TokenType        `json:"type"`
	RecurringInterval *Frequency       `json:"recurring_interval,omitempty"`
	MaxUsageCount     *int             `json:"max_usage_count,omitempty"`
	UsageCount        int              `json:"usage_count"`
	ExpiresAt         time.Time        `json:"expires_at"`
	IsActive          bool             `json:"is_active"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Exhausted reports whether the usage ceiling has been reached.
func (t *AuthorizationToken) Exhausted() bool {
	return t.MaxUsageCount != nil && t.UsageCount >= *t.MaxUsageCount
}

// Expired reports whether the token's window closed before now.
func (t *AuthorizationToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// TransferIntent is what a successful redemption yields. It authorises a
// transfer but does not perform it.
type TransferIntent struct {
	TokenID           string           `json:"token_id"`
	SenderID          uuid.UUID        `json:"sender_id"`
	ReceiverID        uuid.UUID        `json:"receiver_id"`
	ReceiverName      string           `json:"receiver_name"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	Description       *string          `json:"description,omitempty"`
	Type              TokenType        `json:"type"`
	RecurringInterval *Frequency       `json:"recurring_interval,omitempty"`
}

// IssuedToken pairs a new token with its shareable link.
type IssuedToken struct {
	Token    *AuthorizationToken `json:"token"`
	ShareURL string              `json:"share_url"`
}

// CreateTokenRequest is the DTO for POST /qr.
type CreateTokenRequest struct {
	OwnerID           *uuid.UUID       `json:"owner_id,omitempty"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	Description       *string          `json:"description,omitempty"`
	Type              TokenType        `json:"type,omitempty"`
	RecurringInterval *Frequency       `json:"recurring_interval,omitempty"`
	MaxUsageCount     *int             `json:"max_usage_count,omitempty"`
}

// RedeemTokenRequest is the DTO for POST /qr/redeem.
type RedeemTokenRequest struct {
	TokenID string     `json:"token_id"`
	PayerID *uuid.UUID `json:"payer_id,omitempty"`
}
