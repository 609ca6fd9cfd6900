package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

var errTxDone = errors.New("store: unit of work already finished")

// MemoryRepository is an in-process Repository used by unit tests and local
// runs without PostgreSQL. A unit of work holds the store mutex from Begin
// until Commit or Rollback, so units of work are fully serialized and plain
// reads never observe uncommitted state.
type MemoryRepository struct {
	mu sync.Mutex

	accounts         map[uuid.UUID]domain.Account
	transactions     map[uuid.UUID]domain.Transaction
	idempotency      map[string]domain.IdempotencyRecord
	tokens           map[string]domain.AuthorizationToken
	scheduled        map[uuid.UUID]domain.ScheduledPayment
	moneyRequests    map[uuid.UUID]domain.MoneyRequest
	favorites        map[favoriteKey]domain.Favorite
	transactionOrder []uuid.UUID
}

type favoriteKey struct{ account, favorite uuid.UUID }

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:      make(map[uuid.UUID]domain.Account),
		transactions:  make(map[uuid.UUID]domain.Transaction),
		idempotency:   make(map[string]domain.IdempotencyRecord),
		tokens:        make(map[string]domain.AuthorizationToken),
		scheduled:     make(map[uuid.UUID]domain.ScheduledPayment),
		moneyRequests: make(map[uuid.UUID]domain.MoneyRequest),
		favorites:     make(map[favoriteKey]domain.Favorite),
	}
}

// Begin blocks until no other unit of work is open.
func (r *MemoryRepository) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	return &memoryTx{repo: r}, nil
}

// memoryTx records an undo closure for every write so Rollback can restore
// the exact prior state.
type memoryTx struct {
	repo *MemoryRepository
	undo []func()
	done bool
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.undo = nil
	t.repo.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.repo.mu.Unlock()
	return nil
}

func (t *memoryTx) active() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *memoryTx) LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	locked := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range ids {
		if a, ok := t.repo.accounts[id]; ok {
			copied := a
			locked[id] = &copied
		}
	}
	return locked, nil
}

func (t *memoryTx) ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := t.active(); err != nil {
		return decimal.Zero, err
	}
	prev, ok := t.repo.accounts[accountID]
	if !ok {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	next := prev
	next.Balance = prev.Balance.Add(delta)
	if next.Balance.IsNegative() {
		return decimal.Zero, domain.ErrInsufficientFunds
	}
	next.UpdatedAt = time.Now().UTC()
	t.repo.accounts[accountID] = next
	t.undo = append(t.undo, func() { t.repo.accounts[accountID] = prev })
	return next.Balance, nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if err := t.active(); err != nil {
		return err
	}
	if _, exists := t.repo.transactions[txn.ID]; exists {
		return errors.New("insert transaction: duplicate id")
	}
	t.repo.transactions[txn.ID] = *txn
	t.repo.transactionOrder = append(t.repo.transactionOrder, txn.ID)
	id := txn.ID
	t.undo = append(t.undo, func() {
		delete(t.repo.transactions, id)
		t.repo.transactionOrder = t.repo.transactionOrder[:len(t.repo.transactionOrder)-1]
	})
	return nil
}

func (t *memoryTx) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	txn, ok := t.repo.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &txn, nil
}

func (t *memoryTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, completedAt *time.Time) error {
	if err := t.active(); err != nil {
		return err
	}
	prev, ok := t.repo.transactions[id]
	if !ok || prev.Status != domain.TransactionPending {
		return domain.ErrInvalidStateTransition
	}
	next := prev
	next.Status = status
	next.CompletedAt = completedAt
	t.repo.transactions[id] = next
	t.undo = append(t.undo, func() { t.repo.transactions[id] = prev })
	return nil
}

func (t *memoryTx) LockToken(ctx context.Context, id string) (*domain.AuthorizationToken, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	token, ok := t.repo.tokens[id]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return &token, nil
}

func (t *memoryTx) UpdateTokenUsage(ctx context.Context, id string, usageCount int, isActive bool) error {
	if err := t.active(); err != nil {
		return err
	}
	prev, ok := t.repo.tokens[id]
	if !ok {
		return domain.ErrTokenNotFound
	}
	if prev.MaxUsageCount != nil && usageCount > *prev.MaxUsageCount {
		return domain.ErrTokenExhausted
	}
	next := prev
	next.UsageCount = usageCount
	next.IsActive = isActive
	t.repo.tokens[id] = next
	t.undo = append(t.undo, func() { t.repo.tokens[id] = prev })
	return nil
}

func (t *memoryTx) LockScheduledPayment(ctx context.Context, id uuid.UUID) (*domain.ScheduledPayment, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	p, ok := t.repo.scheduled[id]
	if !ok {
		return nil, domain.ErrScheduledPaymentNotFound
	}
	return &p, nil
}

func (t *memoryTx) UpdateScheduledPayment(ctx context.Context, p *domain.ScheduledPayment) error {
	if err := t.active(); err != nil {
		return err
	}
	prev, ok := t.repo.scheduled[p.ID]
	if !ok {
		return domain.ErrScheduledPaymentNotFound
	}
	next := prev
	next.Amount = p.Amount
	next.Description = p.Description
	next.Frequency = p.Frequency
	next.NextExecutionDate = p.NextExecutionDate
	next.LastExecutionDate = p.LastExecutionDate
	next.EndDate = p.EndDate
	next.IsActive = p.IsActive
	next.UpdatedAt = p.UpdatedAt
	t.repo.scheduled[p.ID] = next
	id := p.ID
	t.undo = append(t.undo, func() { t.repo.scheduled[id] = prev })
	return nil
}

func (t *memoryTx) LockMoneyRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	m, ok := t.repo.moneyRequests[id]
	if !ok {
		return nil, domain.ErrMoneyRequestNotFound
	}
	return &m, nil
}

func (t *memoryTx) UpdateMoneyRequestStatus(ctx context.Context, id uuid.UUID, status domain.MoneyRequestStatus, completedAt *time.Time) error {
	if err := t.active(); err != nil {
		return err
	}
	prev, ok := t.repo.moneyRequests[id]
	if !ok || prev.Status != domain.MoneyRequestPending {
		return domain.ErrInvalidStateTransition
	}
	next := prev
	next.Status = status
	next.CompletedAt = completedAt
	t.repo.moneyRequests[id] = next
	t.undo = append(t.undo, func() { t.repo.moneyRequests[id] = prev })
	return nil
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.ID]; exists {
		return domain.ErrAccountExists
	}
	if account.Balance.IsNegative() {
		return domain.ErrInvalidAmount
	}
	account.UpdatedAt = account.CreatedAt
	r.accounts[account.ID] = *account
	return nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &t, nil
}

// ListTransactionsByAccount returns newest first. Insertion order breaks ties
// between rows created in the same instant.
func (r *MemoryRepository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for i := len(r.transactionOrder) - 1; i >= 0; i-- {
		t := r.transactions[r.transactionOrder[i]]
		if t.SenderID == accountID || t.ReceiverID == accountID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *MemoryRepository) ListDuePendingTransactions(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, id := range r.transactionOrder {
		t := r.transactions[id]
		if t.Status == domain.TransactionPending && t.ScheduledAt != nil && !t.ScheduledAt.After(now) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return page(out, limit, 0), nil
}

func (r *MemoryRepository) ClaimIdempotencyKey(ctx context.Context, key, fingerprint string, now time.Time, staleAfter time.Duration) (*domain.IdempotencyRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.idempotency[key]
	if !ok {
		rec := domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      domain.IdempotencyProcessing,
			CreatedAt:   now,
		}
		r.idempotency[key] = rec
		return &rec, true, nil
	}
	stale := staleAfter > 0 &&
		existing.Status == domain.IdempotencyProcessing &&
		existing.Fingerprint == fingerprint &&
		existing.CreatedAt.Before(now.Add(-staleAfter))
	if stale {
		existing.CreatedAt = now
		r.idempotency[key] = existing
		return &existing, true, nil
	}
	return cloneRecord(existing), false, nil
}

func (r *MemoryRepository) CompleteIdempotencyKey(ctx context.Context, key string, result domain.Result, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.idempotency[key]
	if !ok || rec.Status != domain.IdempotencyProcessing {
		return domain.ErrInvalidStateTransition
	}
	rec.Status = domain.IdempotencyCompleted
	rec.Response = cloneResult(result)
	completedAt := now
	rec.CompletedAt = &completedAt
	r.idempotency[key] = rec
	return nil
}

func (r *MemoryRepository) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.idempotency[key]; ok && rec.Status == domain.IdempotencyProcessing {
		delete(r.idempotency, key)
	}
	return nil
}

func (r *MemoryRepository) FindIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.idempotency[key]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func cloneRecord(rec domain.IdempotencyRecord) *domain.IdempotencyRecord {
	if rec.Response != nil {
		rec.Response = cloneResult(*rec.Response)
	}
	return &rec
}

func cloneResult(res domain.Result) *domain.Result {
	out := domain.Result{StatusCode: res.StatusCode, Body: append([]byte(nil), res.Body...)}
	if len(res.Headers) > 0 {
		out.Headers = make(map[string]string, len(res.Headers))
		for k, v := range res.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

func (r *MemoryRepository) CreateToken(ctx context.Context, token *domain.AuthorizationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[token.OwnerID]; !ok {
		return domain.ErrAccountNotFound
	}
	r.tokens[token.ID] = *token
	return nil
}

func (r *MemoryRepository) FindTokenByID(ctx context.Context, id string) (*domain.AuthorizationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.AuthorizationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuthorizationToken
	for _, t := range r.tokens {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) DeactivateExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.tokens {
		if t.IsActive && t.ExpiresAt.Before(now) {
			t.IsActive = false
			r.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CreateScheduledPayment(ctx context.Context, p *domain.ScheduledPayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasAccounts(p.SenderID, p.ReceiverID) {
		return domain.ErrAccountNotFound
	}
	r.scheduled[p.ID] = *p
	return nil
}

func (r *MemoryRepository) FindScheduledPaymentByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.scheduled[id]
	if !ok {
		return nil, domain.ErrScheduledPaymentNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) ListActiveScheduledPaymentsByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ScheduledPayment
	for _, p := range r.scheduled {
		if p.IsActive && (p.SenderID == accountID || p.ReceiverID == accountID) {
			out = append(out, p)
		}
	}
	sortByNextExecution(out)
	return out, nil
}

func (r *MemoryRepository) ListDueScheduledPayments(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ScheduledPayment
	for _, p := range r.scheduled {
		if p.IsDue(now) {
			out = append(out, p)
		}
	}
	sortByNextExecution(out)
	return page(out, limit, 0), nil
}

func sortByNextExecution(ps []domain.ScheduledPayment) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].NextExecutionDate.Before(ps[j].NextExecutionDate) })
}

func (r *MemoryRepository) CreateMoneyRequest(ctx context.Context, req *domain.MoneyRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasAccounts(req.RequesterID, req.RequestedID) {
		return domain.ErrAccountNotFound
	}
	r.moneyRequests[req.ID] = *req
	return nil
}

func (r *MemoryRepository) FindMoneyRequestByID(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.moneyRequests[id]
	if !ok {
		return nil, domain.ErrMoneyRequestNotFound
	}
	return &m, nil
}

func (r *MemoryRepository) ListMoneyRequests(ctx context.Context, accountID uuid.UUID, direction domain.RequestDirection) ([]domain.MoneyRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MoneyRequest
	for _, m := range r.moneyRequests {
		sent := m.RequesterID == accountID
		received := m.RequestedID == accountID
		switch {
		case direction == domain.DirectionSent && sent,
			direction == domain.DirectionReceived && received,
			direction != domain.DirectionSent && direction != domain.DirectionReceived && (sent || received):
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) AddFavorite(ctx context.Context, f *domain.Favorite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasAccounts(f.AccountID, f.FavoriteID) {
		return domain.ErrAccountNotFound
	}
	key := favoriteKey{f.AccountID, f.FavoriteID}
	if _, exists := r.favorites[key]; exists {
		return domain.ErrAlreadyFavorited
	}
	stored := *f
	stored.FavoriteName = ""
	stored.LastTransaction = nil
	r.favorites[key] = stored
	return nil
}

func (r *MemoryRepository) RemoveFavorite(ctx context.Context, accountID, favoriteID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := favoriteKey{accountID, favoriteID}
	if _, ok := r.favorites[key]; !ok {
		return domain.ErrFavoriteNotFound
	}
	delete(r.favorites, key)
	return nil
}

// ListFavorites returns the newest favorites first.
func (r *MemoryRepository) ListFavorites(ctx context.Context, accountID uuid.UUID) ([]domain.Favorite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Favorite
	for key, f := range r.favorites {
		if key.account != accountID {
			continue
		}
		f.FavoriteName = r.accounts[key.favorite].Name
		f.LastTransaction = r.lastCompletedBetween(accountID, key.favorite)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) lastCompletedBetween(accountID, other uuid.UUID) *domain.FavoriteTransaction {
	var last *domain.Transaction
	for _, id := range r.transactionOrder {
		t := r.transactions[id]
		if t.Status != domain.TransactionCompleted || t.CompletedAt == nil {
			continue
		}
		between := (t.SenderID == accountID && t.ReceiverID == other) ||
			(t.SenderID == other && t.ReceiverID == accountID)
		if !between {
			continue
		}
		if last == nil || !t.CompletedAt.Before(*last.CompletedAt) {
			copied := t
			last = &copied
		}
	}
	if last == nil {
		return nil
	}
	return &domain.FavoriteTransaction{
		Amount:     last.Amount,
		Date:       *last.CompletedAt,
		IsIncoming: last.SenderID == other,
	}
}

func (r *MemoryRepository) hasAccounts(ids ...uuid.UUID) bool {
	for _, id := range ids {
		if _, ok := r.accounts[id]; !ok {
			return false
		}
	}
	return true
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
