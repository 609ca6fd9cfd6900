package api

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"golang.org/x/crypto/blake2b"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxBodyBytes         = 1 << 20
	maxIdempotencyKeyLen = 255
)

// mutation is a state-changing handler. It returns its complete outcome so
// the idempotency guard can store and replay it.
type mutation func(ctx context.Context, accountID uuid.UUID, r *http.Request, body []byte) domain.Result

// fingerprint identifies a request by what it asks for, so a key reused for
// a different request can be told apart from a retry.
func fingerprint(r *http.Request, accountID uuid.UUID, body []byte) string {
	h, _ := blake2b.New256(nil)
	_, _ = io.WriteString(h, r.Method+"\n"+r.URL.Path+"\n"+accountID.String()+"\n")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// mutate wraps fn with authentication, body reading and the idempotency guard.
// Keys are scoped to the calling account.
func (h *Handlers) mutate(fn mutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "could not read request body")
			return
		}

		key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
		if len(key) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "Idempotency-Key is too long")
			return
		}
		if key != "" {
			key = accountID.String() + ":" + key
		}

		res, replayed, err := h.guard.Run(r.Context(), key, fingerprint(r, accountID, body), func(ctx context.Context) domain.Result {
			return fn(ctx, accountID, r, body)
		})
		if err != nil {
			writeResult(w, errorResult(h.logger, err))
			return
		}
		if replayed {
			w.Header().Set(replayedHeader, "true")
		}
		writeResult(w, res)
	}
}

// query wraps a read-only handler with authentication.
func (h *Handlers) query(fn func(ctx context.Context, accountID uuid.UUID, r *http.Request) domain.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
			return
		}
		writeResult(w, fn(r.Context(), accountID, r))
	}
}
