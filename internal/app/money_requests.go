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

// RequestBroker handles requests for money between two accounts. Approval is
// the only outcome that moves money, and it does so through TransferExecutor.
type RequestBroker struct {
	repo     store.Repository
	executor *TransferExecutor
	clock    Clock
	notify   *dispatcher
	logger   *zap.Logger
}

func NewRequestBroker(repo store.Repository, executor *TransferExecutor, clock Clock, notifier Notifier, notifyTimeout time.Duration, logger *zap.Logger) *RequestBroker {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "money_requests"))
	return &RequestBroker{
		repo:     repo,
		executor: executor,
		clock:    clock,
		notify:   newDispatcher(notifier, clock, notifyTimeout, logger),
		logger:   logger,
	}
}

// Create opens a pending request from requesterID to requestedID.
func (b *RequestBroker) Create(ctx context.Context, requesterID uuid.UUID, req domain.CreateMoneyRequestRequest) (*domain.MoneyRequest, error) {
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if requesterID == req.RequestedID {
		return nil, domain.ErrSelfTransfer
	}
	requester, err := b.repo.FindAccountByID(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if _, err := b.repo.FindAccountByID(ctx, req.RequestedID); err != nil {
		return nil, err
	}

	mr := &domain.MoneyRequest{
		ID:          uuid.New(),
		RequesterID: requesterID,
		RequestedID: req.RequestedID,
		Amount:      req.Amount,
		Description: req.Description,
		Status:      domain.MoneyRequestPending,
		CreatedAt:   b.clock.Now(),
	}
	if err := b.repo.CreateMoneyRequest(ctx, mr); err != nil {
		return nil, err
	}

	b.notify.send(ctx, domain.Notification{
		UserID:  mr.RequestedID,
		Title:   "Money request",
		Message: fmt.Sprintf("%s requested %s from you", requester.Name, mr.Amount.StringFixed(domain.MoneyScale)),
		Type:    domain.NotificationInfo,
		Data:    map[string]any{"request_id": mr.ID.String()},
	})
	return mr, nil
}

// Respond applies action on behalf of actorID. Approve and reject belong to
// the requested party, cancel to the requester.
func (b *RequestBroker) Respond(ctx context.Context, actorID, requestID uuid.UUID, action domain.MoneyRequestAction) (*domain.MoneyRequestOutcome, error) {
	status, ok := action.ResultingStatus()
	if !ok {
		return nil, domain.ErrInvalidAction
	}

	current, err := b.repo.FindMoneyRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authorizeResponse(current, actorID, action); err != nil {
		return nil, err
	}
	if current.Status != domain.MoneyRequestPending {
		return nil, domain.ErrInvalidStateTransition
	}

	if action == domain.ActionApprove {
		return b.approve(ctx, current)
	}

	tx, err := b.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := tx.LockMoneyRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := b.clock.Now()
	if err := tx.UpdateMoneyRequestStatus(ctx, locked.ID, status, &now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit money request %s: %w", action, err)
	}
	locked.Status = status
	locked.CompletedAt = &now

	b.notifyCounterparty(ctx, locked, actorID)
	return &domain.MoneyRequestOutcome{Request: locked}, nil
}

func (b *RequestBroker) approve(ctx context.Context, mr *domain.MoneyRequest) (*domain.MoneyRequestOutcome, error) {
	var approved *domain.MoneyRequest
	flip := func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockMoneyRequest(ctx, mr.ID)
		if err != nil {
			return err
		}
		now := b.clock.Now()
		if err := tx.UpdateMoneyRequestStatus(ctx, locked.ID, domain.MoneyRequestApproved, &now); err != nil {
			return err
		}
		locked.Status = domain.MoneyRequestApproved
		locked.CompletedAt = &now
		approved = locked
		return nil
	}

	description := mr.Description
	if description == nil {
		d := fmt.Sprintf("Payment for request #%s", mr.ID)
		description = &d
	}
	result, err := b.executor.Execute(ctx, domain.TransferCommand{
		SenderID:    mr.RequestedID,
		ReceiverID:  mr.RequesterID,
		Amount:      mr.Amount,
		Description: description,
	}, flip)
	if err != nil {
		return nil, err
	}

	b.logger.Info("money request approved",
		zap.String("request_id", mr.ID.String()),
		zap.String("transaction_id", result.Transaction.ID.String()),
	)
	b.notifyCounterparty(ctx, approved, mr.RequestedID)
	return &domain.MoneyRequestOutcome{Request: approved, Transfer: result}, nil
}

func authorizeResponse(mr *domain.MoneyRequest, actorID uuid.UUID, action domain.MoneyRequestAction) error {
	switch action {
	case domain.ActionApprove, domain.ActionReject:
		if mr.RequestedID != actorID {
			return domain.ErrNotOwner
		}
	case domain.ActionCancel:
		if mr.RequesterID != actorID {
			return domain.ErrNotOwner
		}
	}
	return nil
}

func (b *RequestBroker) notifyCounterparty(ctx context.Context, mr *domain.MoneyRequest, actorID uuid.UUID) {
	recipient := mr.RequesterID
	if actorID == mr.RequesterID {
		recipient = mr.RequestedID
	}
	kind := domain.NotificationInfo
	switch mr.Status {
	case domain.MoneyRequestApproved:
		kind = domain.NotificationSuccess
	case domain.MoneyRequestRejected:
		kind = domain.NotificationWarning
	}
	b.notify.send(ctx, domain.Notification{
		UserID:  recipient,
		Title:   "Money request " + string(mr.Status),
		Message: fmt.Sprintf("Request for %s was %s", mr.Amount.StringFixed(domain.MoneyScale), mr.Status),
		Type:    kind,
		Data:    map[string]any{"request_id": mr.ID.String(), "status": string(mr.Status)},
	})
}

// List returns requests involving accountID in the given direction, newest first.
func (b *RequestBroker) List(ctx context.Context, accountID uuid.UUID, direction domain.RequestDirection) ([]domain.MoneyRequest, error) {
	if direction == "" {
		direction = domain.DirectionAll
	}
	if !direction.Valid() {
		return nil, domain.ErrInvalidDirection
	}
	requests, err := b.repo.ListMoneyRequests(ctx, accountID, direction)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []domain.MoneyRequest{}
	}
	return requests, nil
}
