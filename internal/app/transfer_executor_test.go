package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

func TestExecute_IsZeroSum(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "500.00")
	bob := env.openAccount(t, "Bob", "20.00")

	result, err := env.executor.Execute(context.Background(), domain.TransferCommand{
		SenderID:   alice,
		ReceiverID: bob,
		Amount:     dec("125.50"),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionCompleted, result.Transaction.Status)
	require.NotNil(t, result.Transaction.CompletedAt)
	assert.Equal(t, "374.50", result.SenderBalance.StringFixed(2))
	assert.Equal(t, "145.50", result.ReceiverBalance.StringFixed(2))

	total := env.balance(t, alice).Add(env.balance(t, bob))
	assert.True(t, total.Equal(dec("520")), "total balance must be preserved, got %s", total)

	assert.Len(t, env.notifier.For(alice), 1)
	assert.Len(t, env.notifier.For(bob), 1)
}

func TestExecute_RejectsBeforeAnyMutation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "100")
	bob := env.openAccount(t, "Bob", "0")

	tests := []struct {
		name    string
		cmd     domain.TransferCommand
		wantErr error
	}{
		{name: "zero amount", cmd: domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("0")}, wantErr: domain.ErrInvalidAmount},
		{name: "negative amount", cmd: domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("-1")}, wantErr: domain.ErrInvalidAmount},
		{name: "three decimals", cmd: domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("1.005")}, wantErr: domain.ErrInvalidAmount},
		{name: "self transfer", cmd: domain.TransferCommand{SenderID: alice, ReceiverID: alice, Amount: dec("1")}, wantErr: domain.ErrSelfTransfer},
		{name: "unknown receiver", cmd: domain.TransferCommand{SenderID: alice, ReceiverID: uuid.New(), Amount: dec("1")}, wantErr: domain.ErrAccountNotFound},
		{name: "unknown sender", cmd: domain.TransferCommand{SenderID: uuid.New(), ReceiverID: bob, Amount: dec("1")}, wantErr: domain.ErrAccountNotFound},
		{name: "insufficient funds", cmd: domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("100.01")}, wantErr: domain.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.executor.Execute(context.Background(), tt.cmd)
			require.ErrorIs(t, err, tt.wantErr)

			assert.True(t, env.balance(t, alice).Equal(dec("100")))
			assert.True(t, env.balance(t, bob).IsZero())
			history, err := env.executor.History(context.Background(), alice, 0, 0)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestExecute_InsufficientFundsScenario(t *testing.T) {
	env := newTestEnv(t)
	sender := env.openAccount(t, "Sender", "1000")
	receiver := env.openAccount(t, "Receiver", "0")

	_, err := env.executor.Execute(context.Background(), domain.TransferCommand{
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     dec("2000"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, "insufficient funds: balance 1000.00, requested 2000.00", err.Error())
	assert.True(t, env.balance(t, sender).Equal(dec("1000")))
}

func TestExecute_HookFailureLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "100")
	bob := env.openAccount(t, "Bob", "0")
	boom := errors.New("hook failed")

	var hookSawTx bool
	_, err := env.executor.Execute(context.Background(), domain.TransferCommand{
		SenderID:   alice,
		ReceiverID: bob,
		Amount:     dec("10"),
	}, func(ctx context.Context, tx store.Tx) error {
		hookSawTx = tx != nil
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, hookSawTx)
	assert.True(t, env.balance(t, alice).Equal(dec("100")))
	assert.True(t, env.balance(t, bob).IsZero())
	assert.Empty(t, env.notifier.For(alice))
}

func TestExecute_NotifierFailureDoesNotUndoTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("broker down")
	alice := env.openAccount(t, "Alice", "10")
	bob := env.openAccount(t, "Bob", "0")

	_, err := env.executor.Execute(context.Background(), domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("10")})
	require.NoError(t, err)
	assert.True(t, env.balance(t, bob).Equal(dec("10")))
}

func TestExecute_ConcurrentTransfersNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "50")
	bob := env.openAccount(t, "Bob", "50")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 1 {
				from, to = bob, alice
			}
			if _, err := env.executor.Execute(context.Background(), domain.TransferCommand{SenderID: from, ReceiverID: to, Amount: dec("7")}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	total := env.balance(t, alice).Add(env.balance(t, bob))
	assert.True(t, total.Equal(dec("100")))
	assert.False(t, env.balance(t, alice).IsNegative())
	assert.False(t, env.balance(t, bob).IsNegative())

	history, err := env.executor.History(context.Background(), alice, 200, 0)
	require.NoError(t, err)
	assert.Len(t, history, succeeded)
}

func TestSchedule_FutureTransferStaysPendingUntilSettled(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "100")
	bob := env.openAccount(t, "Bob", "0")
	at := testEpoch.Add(2 * time.Hour)

	result, err := env.executor.Schedule(context.Background(), domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("30")}, at)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, result.Transaction.Status)
	assert.True(t, env.balance(t, alice).Equal(dec("100")), "scheduling does not reserve funds")

	report := env.scheduler.Tick(context.Background())
	assert.Zero(t, report.PendingSettled, "not yet due")

	env.clock.Set(at)
	report = env.scheduler.Tick(context.Background())
	assert.Equal(t, 1, report.PendingSettled)

	txn, err := env.repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCompleted, txn.Status)
	assert.True(t, env.balance(t, bob).Equal(dec("30")))

	_, err = env.executor.SettlePending(context.Background(), txn.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition, "a settled transfer cannot run twice")
}

func TestSchedule_PastInstantExecutesImmediately(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "100")
	bob := env.openAccount(t, "Bob", "0")

	result, err := env.executor.Schedule(context.Background(), domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("5")}, testEpoch.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCompleted, result.Transaction.Status)
}

func TestSettlePending_InsufficientFundsStaysPending(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "40")
	bob := env.openAccount(t, "Bob", "0")
	carol := env.openAccount(t, "Carol", "0")

	scheduled, err := env.executor.Schedule(context.Background(), domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec("40")}, testEpoch.Add(time.Hour))
	require.NoError(t, err)

	_, err = env.executor.Execute(context.Background(), domain.TransferCommand{SenderID: alice, ReceiverID: carol, Amount: dec("40")})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	report := env.scheduler.Tick(context.Background())
	assert.Equal(t, 1, report.PendingDeferred)

	txn, err := env.repo.FindTransactionByID(context.Background(), scheduled.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, txn.Status)
}

func TestSettlePending_MissingAccountFailsTransfer(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "100")
	ctx := context.Background()

	due := testEpoch.Add(-time.Minute)
	pending := &domain.Transaction{
		ID:          uuid.New(),
		SenderID:    alice,
		ReceiverID:  uuid.New(),
		Amount:      dec("25"),
		Status:      domain.TransactionPending,
		ScheduledAt: &due,
		CreatedAt:   testEpoch.Add(-time.Hour),
	}
	tx, err := env.repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertTransaction(ctx, pending))
	require.NoError(t, tx.Commit(ctx))

	_, err = env.executor.SettlePending(ctx, pending.ID)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	stored, err := env.repo.FindTransactionByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionFailed, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, env.balance(t, alice).Equal(dec("100")), "a failed transfer moves no money")

	_, err = env.executor.SettlePending(ctx, pending.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition, "failed is terminal")

	report := env.scheduler.Tick(ctx)
	assert.Zero(t, report.PendingFailed, "a failed transfer is no longer due")
}

func TestHistory_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	alice := env.openAccount(t, "Alice", "100")
	bob := env.openAccount(t, "Bob", "0")

	for _, amount := range []string{"1", "2", "3"} {
		_, err := env.executor.Execute(context.Background(), domain.TransferCommand{SenderID: alice, ReceiverID: bob, Amount: dec(amount)})
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
	}

	history, err := env.executor.History(context.Background(), bob, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "3.00", history[0].Amount.StringFixed(2))
	assert.Equal(t, "2.00", history[1].Amount.StringFixed(2))
}
