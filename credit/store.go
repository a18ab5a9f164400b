/*
store.go - Persistence contracts for the credit core

PURPOSE:
  Defines the interface between domain logic and the database. Every
  implementation (memory, SQLite, PostgreSQL) provides the same
  guarantees, so domain code and tests never depend on a specific engine.

KEY INTERFACES:
  AccountStore:     accounts and atomic balance primitives
  LedgerStore:      append-only credit transactions
  IncentiveStore:   incentive program rows and referral payout history
  InvitationStore:  invitation codes, redeemed exactly once
  IdempotencyStore: create-if-absent request records
  Store:            all of the above
  TxStore:          Store plus WithTx for atomic multi-row writes

ATOMIC PRIMITIVES:
  Balance changes are never read-modify-write in application code:
  - IncrementBalance:  balance = balance + delta
  - DecrementBalance:  balance = balance - delta, only if balance >= delta
  Both return the balance after the update so the caller can write a
  ledger row whose NewBalance is exact.

UNIQUENESS ENFORCED BY THE STORE:
  - idempotency key           -> CreateIdempotencyRecord reports existing row
  - (sender, recipient, level) -> InsertPayouts returns ErrDuplicatePayout
  - invitation code, referral code, email -> ErrDuplicateKey

IMPLEMENTATIONS:
  - credit/store/memory.go:   in-memory, for tests
  - store/sqlite/sqlite.go:   SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountStore interface {
	// CreateAccount inserts an account and returns it with its assigned ID.
	CreateAccount(ctx context.Context, a Account) (Account, error)

	// GetAccount returns ErrAccountNotFound when the account does not exist.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// FindByReferralCode returns ErrAccountNotFound when no account owns code.
	FindByReferralCode(ctx context.Context, code string) (Account, error)

	// UpdateAccountField writes one field from the closed AccountField set.
	UpdateAccountField(ctx context.Context, id AccountID, field AccountField, value string) error

	// IncrementBalance adds delta and returns the new balance.
	IncrementBalance(ctx context.Context, id AccountID, delta decimal.Decimal) (decimal.Decimal, error)

	// DecrementBalance subtracts delta only when the balance covers it.
	// Returns *InsufficientFundsError otherwise, leaving the balance unchanged.
	DecrementBalance(ctx context.Context, id AccountID, delta decimal.Decimal) (decimal.Decimal, error)
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerStore is APPEND-ONLY. No Update, no Delete.
type LedgerStore interface {
	AppendTransaction(ctx context.Context, tx Transaction) error

	// ListTransactions returns newest first, at most limit rows (0 = all).
	ListTransactions(ctx context.Context, id AccountID, limit int) ([]Transaction, error)
}

// =============================================================================
// INCENTIVES
// =============================================================================

type IncentiveStore interface {
	// GetIncentiveProgram returns ErrProgramNotFound when no row exists.
	GetIncentiveProgram(ctx context.Context, tier Tier, generation int) (IncentiveProgram, error)
	SaveIncentiveProgram(ctx context.Context, p IncentiveProgram) error
	ListIncentivePrograms(ctx context.Context) ([]IncentiveProgram, error)

	PayoutExists(ctx context.Context, sender, recipient AccountID, level int) (bool, error)

	// InsertPayouts writes all rows or none. ErrDuplicatePayout on a repeated triple.
	InsertPayouts(ctx context.Context, rows []ReferralIncome) error
	ListPayouts(ctx context.Context, recipient AccountID) ([]ReferralIncome, error)
}

// =============================================================================
// INVITATION CODES
// =============================================================================

type InvitationStore interface {
	CreateInvitationCode(ctx context.Context, c InvitationCode) error
	GetInvitationCode(ctx context.Context, code string) (InvitationCode, error)

	// RedeemInvitationCode sets redeemed_by once. ErrCodeRedeemed afterwards.
	RedeemInvitationCode(ctx context.Context, code string, by AccountID, at time.Time) error
	ListInvitationCodes(ctx context.Context, owner AccountID) ([]InvitationCode, error)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type IdempotencyStore interface {
	// CreateIdempotencyRecord inserts rec unless its key exists. It is a single
	// atomic insert-if-absent: exactly one concurrent caller gets created=true.
	// When the key exists the stored record is returned with created=false.
	CreateIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) (created bool, existing IdempotencyRecord, err error)

	GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, error)

	// FinishIdempotencyRecord moves an in_progress record to a terminal status.
	// ErrInvalidTransition when the record is not in progress.
	FinishIdempotencyRecord(ctx context.Context, key string, status IdempotencyStatus, response []byte, code int) error

	// ReleaseIdempotencyRecord deletes an in_progress record so the key can be
	// retried. ErrInvalidTransition when the record is terminal.
	ReleaseIdempotencyRecord(ctx context.Context, key string) error

	// DeleteIdempotencyRecords removes records with status last updated before cutoff.
	DeleteIdempotencyRecords(ctx context.Context, status IdempotencyStatus, before time.Time) (int, error)
}

// =============================================================================
// COMPOSED STORES
// =============================================================================

// Store is everything the domain packages need.
type Store interface {
	AccountStore
	LedgerStore
	IncentiveStore
	InvitationStore
	IdempotencyStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
