/*
Package storetest is a conformance suite for credit.TxStore implementations.

Every store (memory, SQLite, PostgreSQL) runs the same cases, so the
domain packages can rely on identical behavior:

  - balances never go negative through DecrementBalance
  - WithTx rolls back every write when the callback fails
  - payout triples, invitation codes and idempotency keys are unique
  - invitation codes are redeemed at most once

USAGE:
  func TestSQLiteStore(t *testing.T) {
      storetest.Run(t, func(t *testing.T) credit.TxStore { ... })
  }
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) credit.TxStore

func Run(t *testing.T, newStore Factory) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("UpdateAccountField", func(t *testing.T) { testUpdateField(t, newStore(t)) })
	t.Run("Balances", func(t *testing.T) { testBalances(t, newStore(t)) })
	t.Run("ConcurrentDecrement", func(t *testing.T) { testConcurrentDecrement(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Programs", func(t *testing.T) { testPrograms(t, newStore(t)) })
	t.Run("Payouts", func(t *testing.T) { testPayouts(t, newStore(t)) })
	t.Run("InvitationCodes", func(t *testing.T) { testCodes(t, newStore(t)) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("ConcurrentIdempotency", func(t *testing.T) { testConcurrentIdempotency(t, newStore(t)) })
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// uniq keeps unique columns apart when a shared database is reused between runs.
func uniq(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func mustAccount(t *testing.T, s credit.Store, name string) credit.Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), credit.Account{
		Name:         name,
		Email:        uniq(name) + "@example.com",
		Package:      "Premium_Merchant_Package",
		ReferralCode: uniq("REF-" + name),
	})
	require.NoError(t, err)
	return a
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func testAccounts(t *testing.T, s credit.TxStore) {
	ctx := context.Background()

	upline := mustAccount(t, s, "upline")
	require.NotZero(t, upline.ID)
	assert.Equal(t, credit.RoleUser, upline.Role)

	child, err := s.CreateAccount(ctx, credit.Account{
		Name:     "child",
		Package:  "Basic_Merchant_Package",
		UplineID: &upline.ID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, upline.ID, child.ID)

	got, err := s.GetAccount(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "child", got.Name)
	require.NotNil(t, got.UplineID)
	assert.Equal(t, upline.ID, *got.UplineID)
	assert.True(t, got.Balance.IsZero())

	byCode, err := s.FindByReferralCode(ctx, upline.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, upline.ID, byCode.ID)

	_, err = s.GetAccount(ctx, 9_999_999)
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
	_, err = s.FindByReferralCode(ctx, "NOPE-"+uniq("x"))
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)

	// referral codes and emails are unique
	_, err = s.CreateAccount(ctx, credit.Account{Name: "dup", ReferralCode: upline.ReferralCode})
	assert.ErrorIs(t, err, credit.ErrDuplicateKey)
	_, err = s.CreateAccount(ctx, credit.Account{Name: "dup", Email: upline.Email})
	assert.ErrorIs(t, err, credit.ErrDuplicateKey)
}

func testUpdateField(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	a := mustAccount(t, s, "alice")
	b := mustAccount(t, s, "bob")

	require.NoError(t, s.UpdateAccountField(ctx, a.ID, credit.FieldPackage, "Elite_Distributor_Package"))
	require.NoError(t, s.UpdateAccountField(ctx, a.ID, credit.FieldName, "Alice"))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Elite_Distributor_Package", got.Package)
	assert.Equal(t, "Alice", got.Name)

	err = s.UpdateAccountField(ctx, a.ID, credit.FieldReferralCode, b.ReferralCode)
	assert.ErrorIs(t, err, credit.ErrDuplicateKey)

	err = s.UpdateAccountField(ctx, 9_999_999, credit.FieldName, "x")
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)

	err = s.UpdateAccountField(ctx, a.ID, credit.AccountField("balance"), "1000000")
	assert.ErrorIs(t, err, credit.ErrValidation)
}

// =============================================================================
// BALANCES
// =============================================================================

func testBalances(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	a := mustAccount(t, s, "alice")

	bal, err := s.IncrementBalance(ctx, a.ID, dec("100.25"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("100.25")), "got %s", bal)

	bal, err = s.DecrementBalance(ctx, a.ID, dec("100.20"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("0.05")), "got %s", bal)

	_, err = s.DecrementBalance(ctx, a.ID, dec("0.06"))
	var funds *credit.InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	assert.Equal(t, a.ID, funds.AccountID)
	assert.True(t, funds.Available.Equal(dec("0.05")))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("0.05")), "failed decrement leaves balance")

	_, err = s.IncrementBalance(ctx, 9_999_999, dec("1"))
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
	_, err = s.DecrementBalance(ctx, 9_999_999, dec("1"))
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

func testConcurrentDecrement(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	a := mustAccount(t, s, "alice")
	_, err := s.IncrementBalance(ctx, a.ID, dec("50"))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DecrementBalance(ctx, a.ID, dec("10")); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero(), "got %s", got.Balance)
}

// =============================================================================
// LEDGER
// =============================================================================

func testLedger(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	a := mustAccount(t, s, "alice")
	now := time.Now().UTC()

	for i, amount := range []string{"10", "20.5", "-5"} {
		d := dec(amount)
		require.NoError(t, s.AppendTransaction(ctx, credit.Transaction{
			ID:              credit.TransactionID(uniq(fmt.Sprintf("tx%d", i))),
			AccountID:       a.ID,
			Amount:          d,
			Type:            credit.TxTopUp,
			PreviousBalance: decimal.Zero,
			NewBalance:      d,
			Reference:       fmt.Sprintf("ref-%d", i),
			Status:          credit.StatusCompleted,
			CreatedAt:       now,
		}))
	}

	all, err := s.ListTransactions(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Amount.Equal(dec("-5")), "newest first")
	assert.Equal(t, "ref-2", all[0].Reference)
	assert.Equal(t, "ref-0", all[2].Reference)

	limited, err := s.ListTransactions(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	empty, err := s.ListTransactions(ctx, 9_999_999, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testRollback(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	a := mustAccount(t, s, "alice")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx credit.Store) error {
		if _, err := tx.IncrementBalance(ctx, a.ID, dec("75")); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, credit.Transaction{
			ID: credit.TransactionID(uniq("rb")), AccountID: a.ID, Amount: dec("75"),
			Type: credit.TxTopUp, PreviousBalance: decimal.Zero, NewBalance: dec("75"),
			Status: credit.StatusCompleted, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	txs, err := s.ListTransactions(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)

	// and commits when fn succeeds
	err = s.WithTx(ctx, func(tx credit.Store) error {
		_, err := tx.IncrementBalance(ctx, a.ID, dec("75"))
		return err
	})
	require.NoError(t, err)
	got, _ = s.GetAccount(ctx, a.ID)
	assert.True(t, got.Balance.Equal(dec("75")))
}

// =============================================================================
// INCENTIVES
// =============================================================================

func testPrograms(t *testing.T, s credit.TxStore) {
	ctx := context.Background()

	_, err := s.GetIncentiveProgram(ctx, credit.TierPremium, 42)
	assert.ErrorIs(t, err, credit.ErrProgramNotFound)

	p := credit.IncentiveProgram{
		Tier:       credit.TierPremium,
		Generation: 42,
		Amounts: map[credit.Tier]decimal.Decimal{
			credit.TierBasic: dec("10"),
			credit.TierElite: dec("50"),
		},
	}
	require.NoError(t, s.SaveIncentiveProgram(ctx, p))

	got, err := s.GetIncentiveProgram(ctx, credit.TierPremium, 42)
	require.NoError(t, err)
	assert.True(t, got.AmountFor(credit.TierElite).Equal(dec("50")))
	assert.True(t, got.AmountFor(credit.TierElitePlus).IsZero())

	// save replaces
	p.Amounts = map[credit.Tier]decimal.Decimal{credit.TierElite: dec("55")}
	require.NoError(t, s.SaveIncentiveProgram(ctx, p))
	got, err = s.GetIncentiveProgram(ctx, credit.TierPremium, 42)
	require.NoError(t, err)
	assert.True(t, got.AmountFor(credit.TierElite).Equal(dec("55")))
	assert.True(t, got.AmountFor(credit.TierBasic).IsZero())

	all, err := s.ListIncentivePrograms(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)
}

func testPayouts(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	sender := mustAccount(t, s, "sender")
	r1 := mustAccount(t, s, "r1")
	r2 := mustAccount(t, s, "r2")
	now := time.Now().UTC()

	row := func(recipient credit.AccountID, level int) credit.ReferralIncome {
		return credit.ReferralIncome{
			SenderID: sender.ID, RecipientID: recipient, Amount: dec("20"),
			Level: level, ReferralCode: "REF", CreatedAt: now,
		}
	}

	require.NoError(t, s.InsertPayouts(ctx, []credit.ReferralIncome{row(r1.ID, 1), row(r2.ID, 2)}))

	ok, err := s.PayoutExists(ctx, sender.ID, r1.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.PayoutExists(ctx, sender.ID, r1.ID, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// a batch containing one repeated triple inserts nothing
	err = s.InsertPayouts(ctx, []credit.ReferralIncome{row(r1.ID, 3), row(r2.ID, 2)})
	assert.ErrorIs(t, err, credit.ErrDuplicatePayout)
	ok, _ = s.PayoutExists(ctx, sender.ID, r1.ID, 3)
	assert.False(t, ok, "batch is all or nothing")

	list, err := s.ListPayouts(ctx, r2.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Level)
	assert.True(t, list[0].Amount.Equal(dec("20")))
}

// =============================================================================
// INVITATION CODES
// =============================================================================

func testCodes(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	owner := mustAccount(t, s, "owner")
	redeemer := mustAccount(t, s, "redeemer")
	code := uniq("PT")

	c := credit.InvitationCode{
		Code: code, OwnerID: owner.ID, Package: "Premium_Merchant_Package",
		Amount: dec("250"), PurchasedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateInvitationCode(ctx, c))
	assert.ErrorIs(t, s.CreateInvitationCode(ctx, c), credit.ErrDuplicateKey)

	got, err := s.GetInvitationCode(ctx, code)
	require.NoError(t, err)
	assert.False(t, got.Redeemed())
	assert.True(t, got.Amount.Equal(dec("250")))

	at := time.Now().UTC()
	require.NoError(t, s.RedeemInvitationCode(ctx, code, redeemer.ID, at))
	assert.ErrorIs(t, s.RedeemInvitationCode(ctx, code, owner.ID, at), credit.ErrCodeRedeemed)
	assert.ErrorIs(t, s.RedeemInvitationCode(ctx, "missing-"+code, owner.ID, at), credit.ErrCodeNotFound)

	got, err = s.GetInvitationCode(ctx, code)
	require.NoError(t, err)
	require.True(t, got.Redeemed())
	assert.Equal(t, redeemer.ID, *got.RedeemedBy)

	list, err := s.ListInvitationCodes(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, code, list[0].Code)

	_, err = s.GetInvitationCode(ctx, "missing-"+code)
	assert.ErrorIs(t, err, credit.ErrCodeNotFound)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func testIdempotency(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	key := uniq("key")
	now := time.Now().UTC()
	rec := credit.IdempotencyRecord{
		Key: key, Status: credit.IdempotencyInProgress, RequestHash: "h1",
		Request: []byte(`{"a":1}`), CreatedAt: now, UpdatedAt: now,
	}

	created, _, err := s.CreateIdempotencyRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, existing, err := s.CreateIdempotencyRecord(ctx, credit.IdempotencyRecord{
		Key: key, Status: credit.IdempotencyInProgress, RequestHash: "h2", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "h1", existing.RequestHash, "existing record is returned untouched")

	require.NoError(t, s.FinishIdempotencyRecord(ctx, key, credit.IdempotencyCompleted, []byte(`{"ok":true}`), 201))
	err = s.FinishIdempotencyRecord(ctx, key, credit.IdempotencyFailed, nil, 500)
	assert.ErrorIs(t, err, credit.ErrInvalidTransition, "terminal records are immutable")
	err = s.FinishIdempotencyRecord(ctx, "missing-"+key, credit.IdempotencyCompleted, nil, 200)
	assert.ErrorIs(t, err, credit.ErrIdempotencyMissing)

	got, err := s.GetIdempotencyRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, credit.IdempotencyCompleted, got.Status)
	assert.Equal(t, 201, got.ResponseCode)
	assert.JSONEq(t, `{"ok":true}`, string(got.Response))

	err = s.ReleaseIdempotencyRecord(ctx, key)
	assert.ErrorIs(t, err, credit.ErrInvalidTransition, "terminal records cannot be released")

	released := uniq("released")
	_, _, err = s.CreateIdempotencyRecord(ctx, credit.IdempotencyRecord{
		Key: released, Status: credit.IdempotencyInProgress, RequestHash: "h", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, s.ReleaseIdempotencyRecord(ctx, released))
	created, _, err = s.CreateIdempotencyRecord(ctx, credit.IdempotencyRecord{
		Key: released, Status: credit.IdempotencyInProgress, RequestHash: "h", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created, "released key can be claimed again")

	// stale in_progress records are deleted, fresh ones stay
	old := time.Now().UTC().Add(-time.Hour)
	stale := uniq("stale")
	_, _, err = s.CreateIdempotencyRecord(ctx, credit.IdempotencyRecord{
		Key: stale, Status: credit.IdempotencyInProgress, RequestHash: "h", CreatedAt: old, UpdatedAt: old,
	})
	require.NoError(t, err)

	n, err := s.DeleteIdempotencyRecords(ctx, credit.IdempotencyInProgress, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	_, err = s.GetIdempotencyRecord(ctx, stale)
	assert.ErrorIs(t, err, credit.ErrIdempotencyMissing)
	_, err = s.GetIdempotencyRecord(ctx, key)
	assert.NoError(t, err, "completed record is kept")
}

func testConcurrentIdempotency(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	key := uniq("race")
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := s.CreateIdempotencyRecord(ctx, credit.IdempotencyRecord{
				Key: key, Status: credit.IdempotencyInProgress, RequestHash: "h", CreatedAt: now, UpdatedAt: now,
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created, "exactly one caller wins the key")
}
