package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

func (n *recordingNotifier) For(userID uuid.UUID) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

type sequentialTokenSource struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialTokenSource) NewTokenID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(s.n)}).String(), nil
}

// testEnv wires the application services on the in-memory store.
type testEnv struct {
	repo      *store.MemoryRepository
	clock     *fakeClock
	notifier  *recordingNotifier
	executor  *TransferExecutor
	accounts  *AccountService
	tokens    *TokenEngine
	payments  *ScheduledPaymentService
	requests  *RequestBroker
	favorites *FavoriteService
	scheduler *Scheduler
}

var testEpoch = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	clock := newFakeClock(testEpoch)
	notifier := &recordingNotifier{}
	logger := zaptest.NewLogger(t)

	executor := NewTransferExecutor(repo, clock, notifier, time.Second, logger)
	tokens := NewTokenEngine(repo, clock, &sequentialTokenSource{}, nil, TokenEngineConfig{ShareBaseURL: "https://pay.test"}, logger)
	return &testEnv{
		repo:      repo,
		clock:     clock,
		notifier:  notifier,
		executor:  executor,
		accounts:  NewAccountService(repo, clock, logger),
		tokens:    tokens,
		payments:  NewScheduledPaymentService(repo, clock, logger),
		requests:  NewRequestBroker(repo, executor, clock, notifier, time.Second, logger),
		favorites: NewFavoriteService(repo, clock, logger),
		scheduler: NewScheduler(repo, executor, tokens, nil, clock, SchedulerConfig{BatchSize: 100}, logger),
	}
}

func (e *testEnv) openAccount(t *testing.T, name, balance string) uuid.UUID {
	t.Helper()
	account, err := e.accounts.Open(context.Background(), domain.OpenAccountRequest{
		Name:           name,
		InitialBalance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return account.ID
}

func (e *testEnv) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	account, err := e.repo.FindAccountByID(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }
