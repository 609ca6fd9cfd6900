package domain

import "errors"

// ErrorKind classifies an Error for callers that need to map it to a transport status.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindBusinessRule  ErrorKind = "business_rule"
	KindAuthorization ErrorKind = "authorization"
	KindConflict      ErrorKind = "conflict"
)

// Error is a named, caller-actionable failure. Anything that is not an *Error
// is treated as an infrastructure failure.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAmount             = newError(KindValidation, "invalid_amount", "amount must be positive with at most two decimal places")
	ErrInvalidFrequency          = newError(KindValidation, "invalid_frequency", "frequency must be one of daily, weekly, monthly, yearly")
	ErrInvalidTokenType          = newError(KindValidation, "invalid_token_type", "token type must be one of standard, fixed, open, recurring")
	ErrInvalidMaxUsage           = newError(KindValidation, "invalid_max_usage", "max usage count must be positive")
	ErrRecurringIntervalRequired = newError(KindValidation, "recurring_interval_required", "recurring tokens require a valid recurring interval")
	ErrFixedAmountRequired       = newError(KindValidation, "fixed_amount_required", "fixed tokens require an amount")
	ErrOpenAmountNotAllowed      = newError(KindValidation, "open_amount_not_allowed", "open tokens cannot carry an amount")
	ErrInvalidEndDate            = newError(KindValidation, "invalid_end_date", "end date cannot be before the first execution")
	ErrInvalidAction             = newError(KindValidation, "invalid_action", "action must be one of approve, reject, cancel")
	ErrInvalidDirection          = newError(KindValidation, "invalid_direction", "type must be one of sent, received, all")
	ErrInvalidInput              = newError(KindValidation, "invalid_input", "invalid input")
	ErrSelfFavorite              = newError(KindValidation, "self_favorite", "an account cannot add itself to favorites")

	ErrAccountNotFound          = newError(KindNotFound, "account_not_found", "account not found")
	ErrTransactionNotFound      = newError(KindNotFound, "transaction_not_found", "transaction not found")
	ErrTokenNotFound            = newError(KindNotFound, "token_not_found", "qr token not found")
	ErrScheduledPaymentNotFound = newError(KindNotFound, "scheduled_payment_not_found", "scheduled payment not found")
	ErrMoneyRequestNotFound     = newError(KindNotFound, "money_request_not_found", "money request not found")
	ErrFavoriteNotFound         = newError(KindNotFound, "favorite_not_found", "favorite not found")

	ErrSelfTransfer           = newError(KindBusinessRule, "self_transfer", "sender and receiver cannot be the same account")
	ErrInsufficientFunds      = newError(KindBusinessRule, "insufficient_funds", "insufficient funds")
	ErrTokenInactive          = newError(KindBusinessRule, "token_inactive", "qr token is no longer active")
	ErrTokenExpired           = newError(KindBusinessRule, "token_expired", "qr token has expired")
	ErrTokenExhausted         = newError(KindBusinessRule, "token_exhausted", "qr token reached its maximum usage count")
	ErrTokenSelfRedeem        = newError(KindBusinessRule, "token_self_redeem", "cannot pay your own qr token")
	ErrInvalidStateTransition = newError(KindBusinessRule, "invalid_state_transition", "invalid state transition")
	ErrPaymentNotDue          = newError(KindBusinessRule, "payment_not_due", "scheduled payment is not due")

	ErrNotOwner = newError(KindAuthorization, "not_owner", "caller is not permitted to act on this resource")

	ErrAccountExists         = newError(KindConflict, "account_exists", "account already exists")
	ErrAlreadyFavorited      = newError(KindConflict, "already_favorited", "account is already in favorites")
	ErrIdempotencyInProgress = newError(KindConflict, "idempotency_in_progress", "a request with this idempotency key is still in progress; retry later")
	ErrIdempotencyKeyReused  = newError(KindConflict, "idempotency_key_reused", "idempotency key was already used for a different request")
)

// KindOf returns the kind of the first *Error in err's chain, or "" for
// infrastructure failures.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// AsError extracts the named error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}
