package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"go.uber.org/zap"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// result renders a success envelope as a replayable Result.
func result(status int, message string, data any) domain.Result {
	body, err := json.Marshal(envelope{Success: true, Message: message, Data: data})
	if err != nil {
		return failureResult(http.StatusInternalServerError, "internal_error", "internal server error")
	}
	return domain.Result{StatusCode: status, Body: body}
}

func failureResult(status int, code, message string) domain.Result {
	body, _ := json.Marshal(envelope{Success: false, Code: code, Message: message})
	return domain.Result{StatusCode: status, Body: body}
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorResult translates err into a Result. Infrastructure failures are
// logged and returned as an opaque 500.
func errorResult(logger *zap.Logger, err error) domain.Result {
	var limited *app.RateLimitError
	if errors.As(err, &limited) {
		res := failureResult(http.StatusTooManyRequests, "rate_limited", limited.Error())
		res.Headers = map[string]string{"Retry-After": strconv.Itoa(limited.RetryAfterSeconds)}
		return res
	}

	de, ok := domain.AsError(err)
	if !ok {
		logger.Error("request failed", zap.Error(err))
		return failureResult(http.StatusInternalServerError, "internal_error", "internal server error")
	}

	status := statusForKind(de.Kind)
	if errors.Is(err, domain.ErrIdempotencyKeyReused) {
		status = http.StatusUnprocessableEntity
	}
	// err.Error() keeps wrapped detail such as the balance on insufficient funds.
	return failureResult(status, de.Code, err.Error())
}

func writeResult(w http.ResponseWriter, res domain.Result) {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeResult(w, failureResult(status, code, message))
}
