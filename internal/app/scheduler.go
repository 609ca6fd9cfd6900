/**
 * @description
 * Scheduler drives all time-based work: recurring scheduled payments, one-off
 * transfers whose scheduled instant has passed, and the QR token expiry sweep.
 * Tick is the unit of work and can be called directly; Start registers it on
 * a cron schedule.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: tick scheduling with panic recovery and
 *   skip-if-still-running.
 * - TickLocker (redsync in production): one ticking process at a time.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

// SchedulerConfig carries the scheduler tunables.
type SchedulerConfig struct {
	Schedule    string
	BatchSize   int
	TickTimeout time.Duration
}

// TickReport summarises one tick.
type TickReport struct {
	Skipped          bool      `json:"skipped"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	PaymentsExecuted int       `json:"payments_executed"`
	PaymentsFailed   int       `json:"payments_failed"`
	PendingSettled   int       `json:"pending_settled"`
	PendingDeferred  int       `json:"pending_deferred"`
	PendingFailed    int       `json:"pending_failed"`
	TokensExpired    int64     `json:"tokens_expired"`
}

type Scheduler struct {
	cron     *cron.Cron
	repo     store.Repository
	executor *TransferExecutor
	tokens   *TokenEngine
	locker   TickLocker
	clock    Clock
	cfg      SchedulerConfig
	logger   *zap.Logger

	running sync.Mutex
}

// NewScheduler creates a scheduler. locker may be nil when a single process
// runs the scheduler.
func NewScheduler(repo store.Repository, executor *TransferExecutor, tokens *TokenEngine, locker TickLocker, clock Clock, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	logger = logger.With(zap.String("component", "scheduler"))

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &Scheduler{
		cron:     c,
		repo:     repo,
		executor: executor,
		tokens:   tokens,
		locker:   locker,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start registers the tick and starts cron.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.runScheduledTick); err != nil {
		return fmt.Errorf("schedule tick %q: %w", s.cfg.Schedule, err)
	}
	s.logger.Info("scheduled tick job", zap.String("schedule", s.cfg.Schedule))
	s.cron.Start()
	return nil
}

// Stop stops cron. The returned context is done once a running tick returns.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runScheduledTick() {
	ctx := context.Background()
	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
	}
	s.Tick(ctx)
}

// Tick runs one pass of all due work. Overlapping ticks, in this process or
// another one sharing the locker, are skipped.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	report := TickReport{StartedAt: s.clock.Now()}

	if !s.running.TryLock() {
		s.logger.Info("tick skipped: previous tick still running")
		report.Skipped = true
		return report
	}
	defer s.running.Unlock()

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx)
		if err != nil {
			s.logger.Error("tick skipped: lock unavailable", zap.Error(err))
			report.Skipped = true
			return report
		}
		if !ok {
			s.logger.Info("tick skipped: another scheduler holds the lock")
			report.Skipped = true
			return report
		}
		defer release()
	}

	s.runScheduledPayments(ctx, &report)
	s.settlePendingTransfers(ctx, &report)
	s.expireTokens(ctx, &report)

	report.FinishedAt = s.clock.Now()
	s.logger.Info("tick finished",
		zap.Int("payments_executed", report.PaymentsExecuted),
		zap.Int("payments_failed", report.PaymentsFailed),
		zap.Int("pending_settled", report.PendingSettled),
		zap.Int("pending_deferred", report.PendingDeferred),
		zap.Int("pending_failed", report.PendingFailed),
		zap.Int64("tokens_expired", report.TokensExpired),
	)
	return report
}

func (s *Scheduler) runScheduledPayments(ctx context.Context, report *TickReport) {
	now := s.clock.Now()
	due, err := s.repo.ListDueScheduledPayments(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due scheduled payments", zap.Error(err))
		return
	}

	for _, payment := range due {
		if ctx.Err() != nil {
			s.logger.Warn("tick deadline reached; remaining payments wait for the next tick")
			return
		}
		if err := s.executePayment(ctx, payment); err != nil {
			report.PaymentsFailed++
			s.logger.Error("scheduled payment failed",
				zap.String("scheduled_payment_id", payment.ID.String()),
				zap.String("sender_id", payment.SenderID.String()),
				zap.Error(err),
			)
			continue
		}
		report.PaymentsExecuted++
	}
}

// executePayment transfers one occurrence and advances the schedule in the
// same unit of work. The hook re-reads the payment under lock so an occurrence
// already taken by a concurrent run is not executed twice.
func (s *Scheduler) executePayment(ctx context.Context, payment domain.ScheduledPayment) error {
	description := payment.Description
	if description == nil {
		d := fmt.Sprintf("Automatic payment #%s", payment.ID)
		description = &d
	}
	expectedNext := payment.NextExecutionDate

	advance := func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockScheduledPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !current.IsDue(now) || !current.NextExecutionDate.Equal(expectedNext) {
			return domain.ErrPaymentNotDue
		}
		current.RecordExecution(now)
		return tx.UpdateScheduledPayment(ctx, current)
	}

	_, err := s.executor.Execute(ctx, domain.TransferCommand{
		SenderID:    payment.SenderID,
		ReceiverID:  payment.ReceiverID,
		Amount:      payment.Amount,
		Description: description,
	}, advance)
	return err
}

func (s *Scheduler) settlePendingTransfers(ctx context.Context, report *TickReport) {
	due, err := s.repo.ListDuePendingTransactions(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due pending transfers", zap.Error(err))
		return
	}

	for _, txn := range due {
		if ctx.Err() != nil {
			return
		}
		_, err := s.executor.SettlePending(ctx, txn.ID)
		switch {
		case err == nil:
			report.PendingSettled++
		case errors.Is(err, domain.ErrInsufficientFunds):
			report.PendingDeferred++
			s.logger.Info("pending transfer deferred", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		case errors.Is(err, domain.ErrAccountNotFound):
			report.PendingFailed++
		default:
			report.PendingFailed++
			s.logger.Error("pending transfer settlement failed", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		}
	}
}

func (s *Scheduler) expireTokens(ctx context.Context, report *TickReport) {
	if s.tokens == nil || ctx.Err() != nil {
		return
	}
	n, err := s.tokens.ExpireStale(ctx)
	if err != nil {
		s.logger.Error("failed to expire qr tokens", zap.Error(err))
		return
	}
	report.TokensExpired = n
}
