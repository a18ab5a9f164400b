/*
errors.go - Error taxonomy for the credit core

PURPOSE:
  All error types in one place. Stores and domain packages return these
  (possibly wrapped), handlers map them to status codes with StatusCode.

ERROR CATEGORIES:
  1. Validation    - malformed or out-of-range input (400)
  2. Not found     - account, code, program row missing (404)
  3. Funds         - balance lower than required (402)
  4. Conflict      - idempotency key in progress, code already used (409)
  5. Commit        - atomic unit failed, nothing applied (500)

USAGE:
  if errors.Is(err, credit.ErrInsufficientFunds) { ... }

  var verr *credit.ValidationError
  if errors.As(err, &verr) { ... verr.Field ... }
*/
package credit

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all ValidationError values.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the root of all missing-resource errors.
	ErrNotFound = errors.New("not found")

	ErrAccountNotFound    = fmt.Errorf("account %w", ErrNotFound)
	ErrCodeNotFound       = fmt.Errorf("invitation code %w", ErrNotFound)
	ErrProgramNotFound    = fmt.Errorf("incentive program %w", ErrNotFound)
	ErrIdempotencyMissing = fmt.Errorf("idempotency record %w", ErrNotFound)

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict is returned when an idempotency key is still in progress.
	ErrConflict = errors.New("request with this idempotency key is in progress")

	// ErrCodeRedeemed is returned when an invitation code was already consumed.
	ErrCodeRedeemed = errors.New("invitation code already redeemed")

	// ErrDuplicatePayout is returned by stores when a (sender, recipient, level)
	// payout row already exists.
	ErrDuplicatePayout = errors.New("referral payout already recorded")

	// ErrDuplicateKey is returned by stores on other unique violations
	// (referral code, email, invitation code).
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidTransition is returned when finishing a record that is not in progress.
	ErrInvalidTransition = errors.New("idempotency record is not in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: available %s, requested %s",
		e.AccountID, e.Available.StringFixed(AmountScale), e.Requested.StringFixed(AmountScale))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// AtomicCommitError wraps a failure of an all-or-nothing write.
// No partial state is visible when it is returned.
type AtomicCommitError struct {
	Op  string
	Err error
}

func (e *AtomicCommitError) Error() string {
	return fmt.Sprintf("%s: atomic commit failed: %v", e.Op, e.Err)
}

func (e *AtomicCommitError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrCodeRedeemed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusCode maps an error to the HTTP status the API responds with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrConflict), errors.Is(err, ErrCodeRedeemed),
		errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrDuplicatePayout):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
