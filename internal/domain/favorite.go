package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Favorite marks FavoriteID as a saved recipient of AccountID.
type Favorite struct {
	AccountID       uuid.UUID            `json:"account_id"`
	FavoriteID      uuid.UUID            `json:"favorite_id"`
	FavoriteName    string               `json:"favorite_name"`
	CreatedAt       time.Time            `json:"created_at"`
	LastTransaction *FavoriteTransaction `json:"last_transaction,omitempty"`
}

// FavoriteTransaction summarises the most recent completed transfer between an
// account and one of its favorites.
type FavoriteTransaction struct {
	Amount     decimal.Decimal `json:"amount"`
	Date       time.Time       `json:"date"`
	IsIncoming bool            `json:"is_incoming"`
}

// AddFavoriteRequest is the DTO for POST /favorites.
type AddFavoriteRequest struct {
	AccountID  *uuid.UUID `json:"account_id,omitempty"`
	FavoriteID uuid.UUID  `json:"favorite_id"`
}
