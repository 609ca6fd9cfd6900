package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

// FavoriteService keeps each account's list of saved recipients.
type FavoriteService struct {
	repo   store.Repository
	clock  Clock
	logger *zap.Logger
}

func NewFavoriteService(repo store.Repository, clock Clock, logger *zap.Logger) *FavoriteService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FavoriteService{
		repo:   repo,
		clock:  clock,
		logger: logger.With(zap.String("component", "favorites")),
	}
}

// Add saves favoriteID for accountID. A second add of the same pair is a conflict.
func (s *FavoriteService) Add(ctx context.Context, accountID, favoriteID uuid.UUID) (*domain.Favorite, error) {
	if accountID == favoriteID {
		return nil, domain.ErrSelfFavorite
	}
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	recipient, err := s.repo.FindAccountByID(ctx, favoriteID)
	if err != nil {
		return nil, err
	}

	f := &domain.Favorite{
		AccountID:  accountID,
		FavoriteID: favoriteID,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.repo.AddFavorite(ctx, f); err != nil {
		return nil, err
	}
	f.FavoriteName = recipient.Name

	s.logger.Info("favorite added",
		zap.String("account_id", accountID.String()),
		zap.String("favorite_id", favoriteID.String()),
	)
	return f, nil
}

func (s *FavoriteService) Remove(ctx context.Context, accountID, favoriteID uuid.UUID) error {
	if err := s.repo.RemoveFavorite(ctx, accountID, favoriteID); err != nil {
		return err
	}
	s.logger.Info("favorite removed",
		zap.String("account_id", accountID.String()),
		zap.String("favorite_id", favoriteID.String()),
	)
	return nil
}

// List returns the favorites of accountID, newest first, each with the last
// completed transfer between the pair.
func (s *FavoriteService) List(ctx context.Context, accountID uuid.UUID) ([]domain.Favorite, error) {
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.ListFavorites(ctx, accountID)
}
