package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

var testSigningKey = []byte("test-signing-key")

const testInternalKey = "internal-secret"

type apiEnv struct {
	handler  http.Handler
	accounts *app.AccountService
	repo     *store.MemoryRepository
}

type fixedLimiter struct{ retryAfter int }

func (l fixedLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return limit + 1, l.retryAfter, nil
}

func newAPIEnv(t *testing.T, limiter app.RateLimiter) *apiEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	logger := zap.NewNop()
	clock := app.SystemClock{}

	executor := app.NewTransferExecutor(repo, clock, app.NopNotifier{}, time.Second, logger)
	tokens := app.NewTokenEngine(repo, clock, app.RandomTokenSource{}, limiter, app.TokenEngineConfig{ShareBaseURL: "https://pay.test", RedeemLimitPerMinute: 5}, logger)
	accounts := app.NewAccountService(repo, clock, logger)
	h := NewHandlers(Services{
		Accounts:  accounts,
		Transfers: executor,
		Payments:  app.NewScheduledPaymentService(repo, clock, logger),
		Tokens:    tokens,
		Requests:  app.NewRequestBroker(repo, executor, clock, app.NopNotifier{}, time.Second, logger),
		Favorites: app.NewFavoriteService(repo, clock, logger),
		Guard:     app.NewIdempotencyGuard(repo, clock, time.Second, 0, logger),
	}, logger)

	router := NewRouter(h, RouterConfig{JWT: JWTConfig{SigningKey: testSigningKey, Issuer: "ledger-test"}, InternalAPIKey: testInternalKey}, logger)
	return &apiEnv{handler: router, accounts: accounts, repo: repo}
}

func (e *apiEnv) open(t *testing.T, name, balance string) uuid.UUID {
	t.Helper()
	account, err := e.accounts.Open(context.Background(), domain.OpenAccountRequest{Name: name, InitialBalance: decimal.RequireFromString(balance)})
	require.NoError(t, err)
	return account.ID
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "ledger-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(testSigningKey)
	require.NoError(t, err)
	return "Bearer " + signed
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (e *apiEnv) do(t *testing.T, method, path string, caller uuid.UUID, body string, headers map[string]string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != uuid.Nil {
		req.Header.Set("Authorization", bearer(t, caller.String()))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var parsed response
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed), rec.Body.String())
	}
	return rec, parsed
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, nil)
	rec, body := env.do(t, http.MethodGet, "/health", uuid.Nil, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
}

func TestAuthMiddleware(t *testing.T) {
	env := newAPIEnv(t, nil)

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: uuid.NewString(), Issuer: "ledger-test"})
	forged, err := wrongKey.SignedString([]byte("other-key"))
	require.NoError(t, err)
	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: uuid.NewString(), Issuer: "someone-else"})
	otherIssuer, err := wrongIssuer.SignedString(testSigningKey)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "bad signature", header: "Bearer " + forged},
		{name: "wrong issuer", header: "Bearer " + otherIssuer},
		{name: "subject not a uuid", header: bearer(t, "user_123")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/accounts/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestInternalOpenAccount(t *testing.T) {
	env := newAPIEnv(t, nil)
	id := uuid.New()
	payload := `{"id":"` + id.String() + `","name":"Ada","initial_balance":"250.00"}`

	rec, _ := env.do(t, http.MethodPost, "/internal/accounts", uuid.Nil, payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/internal/accounts", uuid.Nil, payload, map[string]string{"X-Internal-API-Key": testInternalKey})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, body.Success)

	rec, body = env.do(t, http.MethodGet, "/accounts/me", id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account domain.Account
	require.NoError(t, json.Unmarshal(body.Data, &account))
	assert.Equal(t, "250.00", account.Balance.StringFixed(2))
}

func TestCreateTransfer_IdempotentReplay(t *testing.T) {
	env := newAPIEnv(t, nil)
	alice := env.open(t, "Alice", "100")
	bob := env.open(t, "Bob", "0")
	payload := `{"receiver_id":"` + bob.String() + `","amount":"40"}`
	key := map[string]string{"Idempotency-Key": "transfer-1"}

	first, firstBody := env.do(t, http.MethodPost, "/transfers", alice, payload, key)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get("Idempotent-Replayed"))

	for i := 0; i < 3; i++ {
		again, _ := env.do(t, http.MethodPost, "/transfers", alice, payload, key)
		assert.Equal(t, http.StatusCreated, again.Code)
		assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))
		assert.Equal(t, first.Body.String(), again.Body.String())
	}

	account, err := env.repo.FindAccountByID(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "60.00", account.Balance.StringFixed(2))
	assert.True(t, firstBody.Success)

	reused, body := env.do(t, http.MethodPost, "/transfers", alice, `{"receiver_id":"`+bob.String()+`","amount":"41"}`, key)
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Equal(t, "idempotency_key_reused", body.Code)
}

func TestCreateTransfer_ErrorMapping(t *testing.T) {
	env := newAPIEnv(t, nil)
	alice := env.open(t, "Alice", "1000")
	bob := env.open(t, "Bob", "0")

	tests := []struct {
		name       string
		payload    string
		wantStatus int
		wantCode   string
	}{
		{name: "malformed", payload: `{"amount":`, wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "invalid amount", payload: `{"receiver_id":"` + bob.String() + `","amount":"0"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_amount"},
		{name: "unknown receiver", payload: `{"receiver_id":"` + uuid.NewString() + `","amount":"1"}`, wantStatus: http.StatusNotFound, wantCode: "account_not_found"},
		{name: "self transfer", payload: `{"receiver_id":"` + alice.String() + `","amount":"1"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "self_transfer"},
		{name: "insufficient funds", payload: `{"receiver_id":"` + bob.String() + `","amount":"2000"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "insufficient_funds"},
		{name: "sender mismatch", payload: `{"sender_id":"` + bob.String() + `","receiver_id":"` + bob.String() + `","amount":"1"}`, wantStatus: http.StatusForbidden, wantCode: "not_owner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodPost, "/transfers", alice, tt.payload, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}

	_, body := env.do(t, http.MethodPost, "/transfers", alice, `{"receiver_id":"`+bob.String()+`","amount":"2000"}`, nil)
	assert.Equal(t, "insufficient funds: balance 1000.00, requested 2000.00", body.Message)
}

func TestScheduledTransferIsAccepted(t *testing.T) {
	env := newAPIEnv(t, nil)
	alice := env.open(t, "Alice", "100")
	bob := env.open(t, "Bob", "0")
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	rec, body := env.do(t, http.MethodPost, "/transfers", alice, `{"receiver_id":"`+bob.String()+`","amount":"10","scheduled_at":"`+at+`"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res domain.TransferResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, domain.TransactionPending, res.Transaction.Status)
}

func TestQRTokenFlow(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := env.open(t, "Owner", "0")
	payer := env.open(t, "Payer", "10")

	rec, body := env.do(t, http.MethodPost, "/qr", owner, `{"type":"fixed","amount":"5.00"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued domain.IssuedToken
	require.NoError(t, json.Unmarshal(body.Data, &issued))
	assert.Equal(t, "https://pay.test/transfer/qr/"+issued.Token.ID, issued.ShareURL)
	assert.Len(t, issued.Token.ID, 64)

	rec, _ = env.do(t, http.MethodPost, "/qr/redeem", payer, `{"token_id":"`+issued.Token.ID+`","payer_id":"`+owner.String()+`"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = env.do(t, http.MethodPost, "/qr/redeem", payer, `{"token_id":"`+issued.Token.ID+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var intent domain.TransferIntent
	require.NoError(t, json.Unmarshal(body.Data, &intent))
	assert.Equal(t, owner, intent.ReceiverID)

	rec, _ = env.do(t, http.MethodDelete, "/qr/"+issued.Token.ID, payer, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = env.do(t, http.MethodDelete, "/qr/"+issued.Token.ID, owner, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQRRedeemRateLimited(t *testing.T) {
	env := newAPIEnv(t, fixedLimiter{retryAfter: 17})
	payer := env.open(t, "Payer", "0")

	rec, body := env.do(t, http.MethodPost, "/qr/redeem", payer, `{"token_id":"abc"}`, map[string]string{"Idempotency-Key": "r1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "17", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", body.Code)

	again, replayedBody := env.do(t, http.MethodPost, "/qr/redeem", payer, `{"token_id":"abc"}`, map[string]string{"Idempotency-Key": "r1"})
	assert.Equal(t, http.StatusTooManyRequests, again.Code)
	assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "17", again.Header().Get("Retry-After"))
	assert.Equal(t, rec.Body.String(), again.Body.String())
	assert.Equal(t, "rate_limited", replayedBody.Code)

	fresh, _ := env.do(t, http.MethodPost, "/qr/redeem", payer, `{"token_id":"abc"}`, map[string]string{"Idempotency-Key": "r2"})
	assert.Empty(t, fresh.Header().Get("Idempotent-Replayed"))
}

func TestMoneyRequestFlow(t *testing.T) {
	env := newAPIEnv(t, nil)
	requester := env.open(t, "Requester", "0")
	payer := env.open(t, "Payer", "50")

	rec, body := env.do(t, http.MethodPost, "/money-requests", requester, `{"requested_id":"`+payer.String()+`","amount":"20"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var mr domain.MoneyRequest
	require.NoError(t, json.Unmarshal(body.Data, &mr))

	rec, _ = env.do(t, http.MethodGet, "/money-requests?type=sideways", payer, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = env.do(t, http.MethodGet, "/money-requests?type=received", payer, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var received []domain.MoneyRequest
	require.NoError(t, json.Unmarshal(body.Data, &received))
	assert.Len(t, received, 1)

	rec, _ = env.do(t, http.MethodPost, "/money-requests/"+mr.ID.String()+"/respond", requester, `{"action":"approve"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = env.do(t, http.MethodPost, "/money-requests/"+mr.ID.String()+"/respond", payer, `{"action":"approve"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome domain.MoneyRequestOutcome
	require.NoError(t, json.Unmarshal(body.Data, &outcome))
	assert.Equal(t, domain.MoneyRequestApproved, outcome.Request.Status)
	require.NotNil(t, outcome.Transfer)
	assert.Equal(t, "30.00", outcome.Transfer.SenderBalance.StringFixed(2))
}

func TestScheduledPaymentRoutes(t *testing.T) {
	env := newAPIEnv(t, nil)
	alice := env.open(t, "Alice", "100")
	bob := env.open(t, "Bob", "0")

	rec, body := env.do(t, http.MethodPost, "/scheduled-payments", alice, `{"receiver_id":"`+bob.String()+`","amount":"10","frequency":"weekly"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var payment domain.ScheduledPayment
	require.NoError(t, json.Unmarshal(body.Data, &payment))

	rec, _ = env.do(t, http.MethodPatch, "/scheduled-payments/"+payment.ID.String(), bob, `{"amount":"1"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, http.MethodPatch, "/scheduled-payments/not-an-id", alice, `{"amount":"1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodDelete, "/scheduled-payments/"+payment.ID.String(), alice, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = env.do(t, http.MethodGet, "/scheduled-payments", alice, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(body.Data))
}

func TestFavoriteRoutes(t *testing.T) {
	env := newAPIEnv(t, nil)
	alice := env.open(t, "Alice", "100")
	bob := env.open(t, "Bob", "0")

	rec, body := env.do(t, http.MethodPost, "/favorites", alice, `{"favorite_id":"`+bob.String()+`"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var added domain.Favorite
	require.NoError(t, json.Unmarshal(body.Data, &added))
	assert.Equal(t, "Bob", added.FavoriteName)

	tests := []struct {
		name     string
		payload  string
		wantCode int
		wantErr  string
	}{
		{"duplicate", `{"favorite_id":"` + bob.String() + `"}`, http.StatusConflict, "already_favorited"},
		{"self", `{"favorite_id":"` + alice.String() + `"}`, http.StatusBadRequest, "self_favorite"},
		{"missing id", `{}`, http.StatusBadRequest, "invalid_input"},
		{"unknown account", `{"favorite_id":"` + uuid.NewString() + `"}`, http.StatusNotFound, "account_not_found"},
		{"other caller", `{"account_id":"` + bob.String() + `","favorite_id":"` + alice.String() + `"}`, http.StatusForbidden, "not_owner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodPost, "/favorites", alice, tt.payload, nil)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, body.Code)
		})
	}

	rec, _ = env.do(t, http.MethodPost, "/transfers", alice, `{"receiver_id":"`+bob.String()+`","amount":"15"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body = env.do(t, http.MethodGet, "/favorites", alice, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var favorites []domain.Favorite
	require.NoError(t, json.Unmarshal(body.Data, &favorites))
	require.Len(t, favorites, 1)
	require.NotNil(t, favorites[0].LastTransaction)
	assert.Equal(t, "15.00", favorites[0].LastTransaction.Amount.StringFixed(2))
	assert.False(t, favorites[0].LastTransaction.IsIncoming)

	rec, _ = env.do(t, http.MethodDelete, "/favorites/"+bob.String(), alice, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body = env.do(t, http.MethodDelete, "/favorites/"+bob.String(), alice, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "favorite_not_found", body.Code)
}
