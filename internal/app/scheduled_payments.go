package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

// ScheduledPaymentService manages recurring payment instructions. Execution
// belongs to the Scheduler.
type ScheduledPaymentService struct {
	repo   store.Repository
	clock  Clock
	logger *zap.Logger
}

func NewScheduledPaymentService(repo store.Repository, clock Clock, logger *zap.Logger) *ScheduledPaymentService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduledPaymentService{
		repo:   repo,
		clock:  clock,
		logger: logger.With(zap.String("component", "scheduled_payments")),
	}
}

// Create registers a payment whose first run is one period after the start
// date (or after now when no start date is given).
func (s *ScheduledPaymentService) Create(ctx context.Context, ownerID uuid.UUID, req domain.CreateScheduledPaymentRequest) (*domain.ScheduledPayment, error) {
	if !req.Frequency.Valid() {
		return nil, domain.ErrInvalidFrequency
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if ownerID == req.ReceiverID {
		return nil, domain.ErrSelfTransfer
	}
	for _, id := range []uuid.UUID{ownerID, req.ReceiverID} {
		if _, err := s.repo.FindAccountByID(ctx, id); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	start := now
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}
	next := req.Frequency.Advance(start)
	if req.EndDate != nil && req.EndDate.Before(next) {
		return nil, domain.ErrInvalidEndDate
	}

	payment := &domain.ScheduledPayment{
		ID:                uuid.New(),
		SenderID:          ownerID,
		ReceiverID:        req.ReceiverID,
		Amount:            req.Amount,
		Description:       req.Description,
		Frequency:         req.Frequency,
		NextExecutionDate: next,
		EndDate:           utcPtr(req.EndDate),
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateScheduledPayment(ctx, payment); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled payment created",
		zap.String("scheduled_payment_id", payment.ID.String()),
		zap.String("frequency", string(payment.Frequency)),
		zap.Time("next_execution_date", payment.NextExecutionDate),
	)
	return payment, nil
}

// Update changes an active payment owned by ownerID. A new frequency restarts
// the schedule from now.
func (s *ScheduledPaymentService) Update(ctx context.Context, ownerID, id uuid.UUID, req domain.UpdateScheduledPaymentRequest) (*domain.ScheduledPayment, error) {
	if req.Amount != nil {
		if err := domain.ValidateAmount(*req.Amount); err != nil {
			return nil, err
		}
	}
	if req.Frequency != nil && !req.Frequency.Valid() {
		return nil, domain.ErrInvalidFrequency
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	payment, err := tx.LockScheduledPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.SenderID != ownerID {
		return nil, domain.ErrNotOwner
	}
	if !payment.IsActive {
		return nil, domain.ErrInvalidStateTransition
	}

	now := s.clock.Now()
	if req.Amount != nil {
		payment.Amount = *req.Amount
	}
	if req.Description != nil {
		payment.Description = req.Description
	}
	if req.Frequency != nil {
		payment.Frequency = *req.Frequency
		payment.NextExecutionDate = req.Frequency.Advance(now)
	}
	if req.EndDate != nil {
		if req.EndDate.Before(payment.NextExecutionDate) {
			return nil, domain.ErrInvalidEndDate
		}
		payment.EndDate = utcPtr(req.EndDate)
	}
	payment.UpdatedAt = now

	if err := tx.UpdateScheduledPayment(ctx, payment); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit scheduled payment update: %w", err)
	}
	return payment, nil
}

// Cancel deactivates a payment owned by ownerID.
func (s *ScheduledPaymentService) Cancel(ctx context.Context, ownerID, id uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	payment, err := tx.LockScheduledPayment(ctx, id)
	if err != nil {
		return err
	}
	if payment.SenderID != ownerID {
		return domain.ErrNotOwner
	}
	if !payment.IsActive {
		return tx.Commit(ctx)
	}
	payment.IsActive = false
	payment.UpdatedAt = s.clock.Now()
	if err := tx.UpdateScheduledPayment(ctx, payment); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit scheduled payment cancel: %w", err)
	}
	s.logger.Info("scheduled payment cancelled", zap.String("scheduled_payment_id", id.String()))
	return nil
}

// List returns active payments where accountID sends or receives, soonest first.
func (s *ScheduledPaymentService) List(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledPayment, error) {
	payments, err := s.repo.ListActiveScheduledPaymentsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []domain.ScheduledPayment{}
	}
	return payments, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
