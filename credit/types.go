/*
Package credit provides the credit ledger core of the platform.

PURPOSE:
  Holds the domain types shared by every other package: accounts with a
  credit balance and an upline link, the append-only credit transaction
  log, invitation codes, incentive program rows, referral income history
  and idempotency records. Also defines the store contracts and the
  balance-mutating ledger operations built on them.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID: numeric account identifier
  - Account: balance holder, node in the referral tree
  - Transaction: immutable ledger row, one per balance-affecting event
  - ReferralIncome: payout history, unique per (sender, recipient, level)
  - IdempotencyRecord: cached response for a client-retriable request

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Immutability: transactions and payout rows are never edited
  3. Atomicity: a balance change and its ledger row commit together

SEE ALSO:
  - ledger.go: TopUp, Transfer, DecrementForPurchase
  - store.go: persistence contracts
  - errors.go: error taxonomy
*/
package credit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies an account. Always positive.
type AccountID int64

func (id AccountID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseAccountID parses a user supplied identifier.
func ParseAccountID(s string) (AccountID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, &ValidationError{Field: "account_id", Message: fmt.Sprintf("%q is not a valid account id", s)}
	}
	return AccountID(n), nil
}

type TransactionID string

// =============================================================================
// AMOUNTS
// =============================================================================

// AmountScale is the number of decimal places a credit amount may carry.
const AmountScale = 2

// ParseAmount parses a positive credit amount with at most AmountScale decimals.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("%q is not a number", s)}
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustAmount parses s and panics on failure. For constant tables and tests.
func MustAmount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ValidateAmount checks that d is positive and has at most AmountScale decimals.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return &ValidationError{Field: "amount", Message: "amount must be positive"}
	}
	if !d.Equal(d.Truncate(AmountScale)) {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("amount supports at most %d decimal places", AmountScale)}
	}
	return nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is the authoritative balance holder. UplineID links it into the
// referral tree; nothing guarantees the tree is acyclic.
type Account struct {
	ID           AccountID
	Name         string
	Email        string
	Role         Role
	Package      string // package identifier, determines incentive tier
	UplineID     *AccountID
	ReferralCode string
	Balance      decimal.Decimal
	CreatedAt    time.Time
}

// AccountField is the closed set of account columns that may be updated by name.
type AccountField string

const (
	FieldName         AccountField = "name"
	FieldEmail        AccountField = "email"
	FieldPackage      AccountField = "package"
	FieldReferralCode AccountField = "referral_code"
)

var updatableFields = map[AccountField]bool{
	FieldName:         true,
	FieldEmail:        true,
	FieldPackage:      true,
	FieldReferralCode: true,
}

// ParseAccountField rejects anything outside the updatable set.
func ParseAccountField(s string) (AccountField, error) {
	f := AccountField(strings.ToLower(strings.TrimSpace(s)))
	if !updatableFields[f] {
		return "", &ValidationError{Field: "field", Message: fmt.Sprintf("field %q cannot be updated", s)}
	}
	return f, nil
}

// =============================================================================
// TRANSACTION - Immutable ledger row
// =============================================================================

type TransactionType string

const (
	TxTopUp          TransactionType = "TOP_UP"
	TxTransfer       TransactionType = "TRANSFER"
	TxPurchase       TransactionType = "PURCHASE"
	TxDeduction      TransactionType = "DEDUCTION"
	TxReferralIncome TransactionType = "REFERRAL_INCOME"
)

type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "COMPLETED"
)

// Transaction records one balance change.
//
// INVARIANT: NewBalance = PreviousBalance + Amount, and NewBalance equals the
// account balance right after the update made in the same atomic unit.
type Transaction struct {
	ID              TransactionID
	AccountID       AccountID
	Amount          decimal.Decimal // signed
	Type            TransactionType
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
	PaymentMethod   string
	Reference       string
	Description     string
	Status          TransactionStatus
	CreatedAt       time.Time
}

// =============================================================================
// INVITATION CODES
// =============================================================================

type InvitationCode struct {
	Code        string
	OwnerID     AccountID
	Package     string
	Amount      decimal.Decimal
	RedeemedBy  *AccountID
	RedeemedAt  *time.Time
	PurchasedAt time.Time
}

func (c InvitationCode) Redeemed() bool { return c.RedeemedBy != nil }

// =============================================================================
// INCENTIVES
// =============================================================================

// Tier is an incentive tier key.
type Tier string

const (
	TierBasic     Tier = "Basic"
	TierPremium   Tier = "Premium"
	TierElite     Tier = "Elite"
	TierElitePlus Tier = "ElitePlus"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierBasic, TierPremium, TierElite, TierElitePlus}

// IncentiveProgram holds, for an upline tier and generation, the payout per
// referred-package tier.
type IncentiveProgram struct {
	Tier       Tier
	Generation int
	Amounts    map[Tier]decimal.Decimal
}

// AmountFor returns the payout for a referred tier, zero when absent.
func (p IncentiveProgram) AmountFor(t Tier) decimal.Decimal {
	if p.Amounts == nil {
		return decimal.Zero
	}
	return p.Amounts[t]
}

// ReferralIncome is one payout history row.
//
// INVARIANT: at most one row per (SenderID, RecipientID, Level).
type ReferralIncome struct {
	SenderID     AccountID
	RecipientID  AccountID
	Amount       decimal.Decimal
	Level        int
	ReferralCode string
	CreatedAt    time.Time
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord caches the outcome of a retriable request.
type IdempotencyRecord struct {
	Key          string
	Status       IdempotencyStatus
	RequestHash  string
	Request      []byte
	Response     []byte
	ResponseCode int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r IdempotencyRecord) Terminal() bool {
	return r.Status == IdempotencyCompleted || r.Status == IdempotencyFailed
}
