package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

// AccountService opens accounts and reads balances. Balances change only
// through TransferExecutor.
type AccountService struct {
	repo   store.Repository
	clock  Clock
	logger *zap.Logger
}

func NewAccountService(repo store.Repository, clock Clock, logger *zap.Logger) *AccountService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{repo: repo, clock: clock, logger: logger.With(zap.String("component", "accounts"))}
}

// Open creates an account with an optional caller-chosen id and a
// non-negative opening balance.
func (s *AccountService) Open(ctx context.Context, req domain.OpenAccountRequest) (*domain.Account, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidInput
	}
	if req.InitialBalance.IsNegative() || !req.InitialBalance.Equal(req.InitialBalance.Round(domain.MoneyScale)) {
		return nil, domain.ErrInvalidAmount
	}

	id := uuid.New()
	if req.ID != nil && *req.ID != uuid.Nil {
		id = *req.ID
	}
	account := &domain.Account{
		ID:        id,
		Name:      name,
		Balance:   req.InitialBalance,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Info("account opened", zap.String("account_id", account.ID.String()))
	return account, nil
}

func (s *AccountService) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, id)
}
