package domain

import "time"

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// Result is the complete outcome of a mutating request, produced before
// anything is written to the client so it can be stored and replayed as is.
type Result struct {
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"-"`
}

// IdempotencyRecord is the claim on a client key and, once the winner
// finishes, the stored outcome.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Response    *Result           `json:"response,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}
