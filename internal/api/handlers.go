/**
 * @description
 * HTTP handlers for the ledger. Each handler decodes its request, checks that
 * any account id in the body matches the authenticated caller, calls one
 * application service and renders the outcome as a domain.Result.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"go.uber.org/zap"
)

// Services are the application services the handlers call.
type Services struct {
	Accounts  *app.AccountService
	Transfers *app.TransferExecutor
	Payments  *app.ScheduledPaymentService
	Tokens    *app.TokenEngine
	Requests  *app.RequestBroker
	Favorites *app.FavoriteService
	Guard     *app.IdempotencyGuard
}

type Handlers struct {
	accounts  *app.AccountService
	transfers *app.TransferExecutor
	payments  *app.ScheduledPaymentService
	tokens    *app.TokenEngine
	requests  *app.RequestBroker
	favorites *app.FavoriteService
	guard     *app.IdempotencyGuard
	logger    *zap.Logger
}

func NewHandlers(s Services, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		accounts:  s.Accounts,
		transfers: s.Transfers,
		payments:  s.Payments,
		tokens:    s.Tokens,
		requests:  s.Requests,
		favorites: s.Favorites,
		guard:     s.Guard,
		logger:    logger.With(zap.String("component", "api")),
	}
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: request body is required", domain.ErrInvalidInput)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// sameCaller rejects a body account id that differs from the caller.
func sameCaller(caller uuid.UUID, claimed *uuid.UUID) error {
	if claimed != nil && *claimed != caller {
		return domain.ErrNotOwner
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a valid id", domain.ErrInvalidInput, name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidInput, name)
	}
	return v, nil
}

func (h *Handlers) fail(err error) domain.Result {
	return errorResult(h.logger, err)
}

func (h *Handlers) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeResult(w, h.fail(fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)))
		return
	}
	account, err := h.accounts.Open(r.Context(), req)
	if err != nil {
		writeResult(w, h.fail(err))
		return
	}
	writeResult(w, result(http.StatusCreated, "account opened", account))
}

func (h *Handlers) getAccount(ctx context.Context, accountID uuid.UUID, r *http.Request) domain.Result {
	account, err := h.accounts.Get(ctx, accountID)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "", account)
}

func (h *Handlers) createTransfer(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	var req domain.CreateTransferRequest
	if err := decode(body, &req); err != nil {
		return h.fail(err)
	}
	if err := sameCaller(accountID, req.SenderID); err != nil {
		return h.fail(err)
	}
	cmd := domain.TransferCommand{
		SenderID:    accountID,
		ReceiverID:  req.ReceiverID,
		Amount:      req.Amount,
		Description: req.Description,
	}

	if req.ScheduledAt != nil {
		res, err := h.transfers.Schedule(ctx, cmd, *req.ScheduledAt)
		if err != nil {
			return h.fail(err)
		}
		if res.Transaction.Status == domain.TransactionPending {
			return result(http.StatusAccepted, "transfer scheduled", res)
		}
		return result(http.StatusCreated, "transfer completed", res)
	}

	res, err := h.transfers.Execute(ctx, cmd)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusCreated, "transfer completed", res)
}

func (h *Handlers) listTransfers(ctx context.Context, accountID uuid.UUID, r *http.Request) domain.Result {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return h.fail(err)
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return h.fail(err)
	}
	history, err := h.transfers.History(ctx, accountID, limit, offset)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "", history)
}

func (h *Handlers) createScheduledPayment(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	var req domain.CreateScheduledPaymentRequest
	if err := decode(body, &req); err != nil {
		return h.fail(err)
	}
	if err := sameCaller(accountID, req.SenderID); err != nil {
		return h.fail(err)
	}
	payment, err := h.payments.Create(ctx, accountID, req)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusCreated, "scheduled payment created", payment)
}

func (h *Handlers) listScheduledPayments(ctx context.Context, accountID uuid.UUID, r *http.Request) domain.Result {
	payments, err := h.payments.List(ctx, accountID)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "", payments)
}

func (h *Handlers) updateScheduledPayment(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.fail(err)
	}
	var req domain.UpdateScheduledPaymentRequest
	if err := decode(body, &req); err != nil {
		return h.fail(err)
	}
	payment, err := h.payments.Update(ctx, accountID, id, req)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "scheduled payment updated", payment)
}

func (h *Handlers) cancelScheduledPayment(ctx context.Context, accountID uuid.UUID, r *http.Request, _ []byte) domain.Result {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.fail(err)
	}
	if err := h.payments.Cancel(ctx, accountID, id); err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "scheduled payment cancelled", nil)
}

func (h *Handlers) createToken(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	var req domain.CreateTokenRequest
	if len(body) > 0 {
		if err := decode(body, &req); err != nil {
			return h.fail(err)
		}
	}
	if err := sameCaller(accountID, req.OwnerID); err != nil {
		return h.fail(err)
	}
	issued, err := h.tokens.Create(ctx, accountID, req)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusCreated, "qr token created", issued)
}

func (h *Handlers) listTokens(ctx context.Context, accountID uuid.UUID, r *http.Request) domain.Result {
	tokens, err := h.tokens.List(ctx, accountID)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "", tokens)
}

func (h *Handlers) deleteToken(ctx context.Context, accountID uuid.UUID, r *http.Request, _ []byte) domain.Result {
	if err := h.tokens.Delete(ctx, accountID, chi.URLParam(r, "id")); err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "qr token deactivated", nil)
}

func (h *Handlers) redeemToken(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	var req domain.RedeemTokenRequest
	if err := decode(body, &req); err != nil {
		return h.fail(err)
	}
	if err := sameCaller(accountID, req.PayerID); err != nil {
		return h.fail(err)
	}
	if req.TokenID == "" {
		return h.fail(fmt.Errorf("%w: token_id is required", domain.ErrInvalidInput))
	}
	intent, err := h.tokens.Redeem(ctx, req.TokenID, accountID)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "qr token redeemed", intent)
}

func (h *Handlers) createMoneyRequest(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	var req domain.CreateMoneyRequestRequest
	if err := decode(body, &req); err != nil {
		return h.fail(err)
	}
	if err := sameCaller(accountID, req.RequesterID); err != nil {
		return h.fail(err)
	}
	mr, err := h.requests.Create(ctx, accountID, req)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusCreated, "money request created", mr)
}

func (h *Handlers) listMoneyRequests(ctx context.Context, accountID uuid.UUID, r *http.Request) domain.Result {
	direction := domain.RequestDirection(r.URL.Query().Get("type"))
	requests, err := h.requests.List(ctx, accountID, direction)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "", requests)
}

func (h *Handlers) respondMoneyRequest(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.fail(err)
	}
	var req domain.RespondMoneyRequestRequest
	if err := decode(body, &req); err != nil {
		return h.fail(err)
	}
	outcome, err := h.requests.Respond(ctx, accountID, id, req.Action)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "money request "+string(outcome.Request.Status), outcome)
}

func (h *Handlers) addFavorite(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result {
	var req domain.AddFavoriteRequest
	if err := decode(body, &req); err != nil {
		return h.fail(err)
	}
	if err := sameCaller(accountID, req.AccountID); err != nil {
		return h.fail(err)
	}
	if req.FavoriteID == uuid.Nil {
		return h.fail(fmt.Errorf("%w: favorite_id is required", domain.ErrInvalidInput))
	}
	favorite, err := h.favorites.Add(ctx, accountID, req.FavoriteID)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusCreated, "favorite added", favorite)
}

func (h *Handlers) listFavorites(ctx context.Context, accountID uuid.UUID, r *http.Request) domain.Result {
	favorites, err := h.favorites.List(ctx, accountID)
	if err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "", favorites)
}

func (h *Handlers) removeFavorite(ctx context.Context, accountID uuid.UUID, r *http.Request, _ []byte) domain.Result {
	favoriteID, err := pathUUID(r, "favoriteID")
	if err != nil {
		return h.fail(err)
	}
	if err := h.favorites.Remove(ctx, accountID, favoriteID); err != nil {
		return h.fail(err)
	}
	return result(http.StatusOK, "favorite removed", nil)
}
