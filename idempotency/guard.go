/*
Package idempotency deduplicates client-retried mutating requests.

STATE MACHINE (per key):
  absent -> in_progress -> completed
                        -> failed
                        -> absent   (released after a server-side failure)

  completed and failed are terminal; their stored (body, status) is
  replayed verbatim to every later request carrying the same key.

BEGIN:
  CreateIdempotencyRecord is a single insert-if-absent, so of two racing
  requests exactly one owns the key. The loser sees the existing record:
    - in_progress            -> credit.ErrConflict (409)
    - completed / failed     -> *Replay
    - different payload hash -> *credit.ValidationError (key reuse)

FINISH:
  Complete is called with the tx-scoped store inside the caller's atomic
  unit, so the side effects and the completed record commit together.
  Fail records a client error (4xx) after the atomic unit rolled back.
  Release frees the key after a server error (5xx) so the client may retry.

SEE ALSO:
  - reaper.go: expiry of abandoned in_progress records
  - invitation/purchase.go: the guarded purchase flow
*/
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/philtech/credit-engine/credit"
	"go.uber.org/zap"
)

// MaxKeyLength bounds client supplied keys.
const MaxKeyLength = 255

// Replay is a stored response returned instead of re-executing a request.
type Replay struct {
	Body       []byte
	StatusCode int
}

type Guard struct {
	store  credit.IdempotencyStore
	logger *zap.Logger
	now    func() time.Time
}

func NewGuard(store credit.IdempotencyStore, logger *zap.Logger) *Guard {
	return &Guard{store: store, logger: logger, now: time.Now}
}

// Begin claims key for payload. A nil Replay and nil error means the caller
// owns the key and must finish it with Complete, Fail or Release.
func (g *Guard) Begin(ctx context.Context, key string, payload any) (*Replay, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &credit.ValidationError{Field: "Idempotency-Key", Message: "idempotency key is required"}
	}
	if len(key) > MaxKeyLength {
		return nil, &credit.ValidationError{Field: "Idempotency-Key", Message: fmt.Sprintf("idempotency key longer than %d characters", MaxKeyLength)}
	}

	request, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request payload: %w", err)
	}
	hash := Fingerprint(request)
	now := g.now().UTC()

	created, existing, err := g.store.CreateIdempotencyRecord(ctx, credit.IdempotencyRecord{
		Key:         key,
		Status:      credit.IdempotencyInProgress,
		RequestHash: hash,
		Request:     request,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		observe(outcomeCreated)
		return nil, nil
	}

	if existing.RequestHash != hash {
		observe(outcomeMismatch)
		return nil, &credit.ValidationError{
			Field:   "Idempotency-Key",
			Message: "idempotency key was already used for a different request",
		}
	}
	if !existing.Terminal() {
		observe(outcomeConflict)
		return nil, credit.ErrConflict
	}

	observe(outcomeReplayed)
	g.logger.Info("idempotent replay",
		zap.String("key", key),
		zap.String("status", string(existing.Status)),
		zap.Int("code", existing.ResponseCode),
	)
	return &Replay{Body: existing.Response, StatusCode: existing.ResponseCode}, nil
}

// Complete marks key completed with body. Pass the tx-scoped store so the
// record commits with the request's side effects. Returns the encoded body.
func (g *Guard) Complete(ctx context.Context, s credit.IdempotencyStore, key string, body any, code int) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	if err := s.FinishIdempotencyRecord(ctx, strings.TrimSpace(key), credit.IdempotencyCompleted, raw, code); err != nil {
		return nil, err
	}
	observe(outcomeCompleted)
	return raw, nil
}

// Finish settles key after a failed request. Client errors are stored as a
// failed record and replayed; anything else releases the key.
func (g *Guard) Finish(ctx context.Context, key string, cause error) {
	// The record must settle even when the client has gone away.
	ctx = context.WithoutCancel(ctx)
	key = strings.TrimSpace(key)
	code := credit.StatusCode(cause)

	var err error
	if code < http.StatusInternalServerError {
		err = g.Fail(ctx, key, cause)
	} else {
		err = g.Release(ctx, key)
	}
	if err != nil && !errors.Is(err, credit.ErrInvalidTransition) {
		g.logger.Error("failed to settle idempotency record",
			zap.String("key", key),
			zap.Int("code", code),
			zap.Error(err),
		)
	}
}

// FailureBody is the stored response of a failed request.
type FailureBody struct {
	Error string `json:"error"`
}

// Fail stores cause as the terminal response for key.
func (g *Guard) Fail(ctx context.Context, key string, cause error) error {
	raw, err := json.Marshal(FailureBody{Error: cause.Error()})
	if err != nil {
		return err
	}
	if err := g.store.FinishIdempotencyRecord(ctx, key, credit.IdempotencyFailed, raw, credit.StatusCode(cause)); err != nil {
		return err
	}
	observe(outcomeFailed)
	return nil
}

// Release deletes the in_progress record for key.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.ReleaseIdempotencyRecord(ctx, key); err != nil {
		return err
	}
	observe(outcomeReleased)
	return nil
}

// Fingerprint returns the hex SHA-256 of a request payload.
func Fingerprint(request []byte) string {
	sum := sha256.Sum256(request)
	return hex.EncodeToString(sum[:])
}
