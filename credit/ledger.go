/*
ledger.go - Credit ledger operations

PURPOSE:
  Every operation that changes a balance goes through here. Each one
  reads the balance, applies a documented rule, writes the new balance
  and appends exactly one Transaction row per affected account, all in
  one atomic unit (TxStore.WithTx).

OPERATIONS:
  TopUp:                amount within [Limits.TopUpMin, Limits.TopUpMax]
  Transfer:             sender must cover amount, both sides or neither
  DecrementForPurchase: pay with credit balance instead of cash
  Deduct:               admin correction, same funds rule as purchases

CRITICAL INVARIANTS:
  1. ATOMIC: balance write and ledger row commit together. A failing
     ledger append rolls the balance change back.
  2. NO NEGATIVE BALANCES: debits use the store's conditional decrement.
  3. CONSERVATION: a successful transfer leaves from+to unchanged.

POSTER:
  Poster applies postings against a single Store view. Flows that need
  ledger postings inside a wider atomic unit (invitation purchase,
  incentive payouts) create one from the tx-scoped store they were handed.

AFTER COMMIT:
  Notify publishes events, updates metrics and invalidates cached
  balances. Failures there are logged and never fail the request.

SEE ALSO:
  - store.go: IncrementBalance / DecrementBalance primitives
  - referral/engine.go: payouts posted through Poster
*/
package credit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/philtech/credit-engine/events"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/philtech/credit-engine/credit")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Limits bounds top-up amounts, inclusive on both ends.
type Limits struct {
	TopUpMin decimal.Decimal
	TopUpMax decimal.Decimal
}

func DefaultLimits() Limits {
	return Limits{
		TopUpMin: decimal.NewFromInt(50),
		TopUpMax: decimal.NewFromInt(50000),
	}
}

// BalanceInvalidator drops cached balances after a commit.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, ids ...AccountID) error
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store     TxStore
	limits    Limits
	logger    *zap.Logger
	publisher events.Publisher
	cache     BalanceInvalidator
	now       func() time.Time
}

type Option func(*Ledger)

func WithPublisher(p events.Publisher) Option { return func(l *Ledger) { l.publisher = p } }

func WithCache(c BalanceInvalidator) Option { return func(l *Ledger) { l.cache = c } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func NewLedger(store TxStore, limits Limits, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		limits:    limits,
		logger:    logger,
		publisher: events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Store() TxStore { return l.store }

func (l *Ledger) Limits() Limits { return l.limits }

// Poster returns a poster bound to s, normally the store handed to a WithTx callback.
func (l *Ledger) Poster(s Store) *Poster {
	return &Poster{store: s, now: l.now}
}

// TopUp credits amount to id. The balance change and its TOP_UP row commit together.
func (l *Ledger) TopUp(ctx context.Context, id AccountID, amount decimal.Decimal, paymentMethod, reference string) (Transaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.TopUp")
	defer span.End()
	span.SetAttributes(attribute.Int64("account.id", int64(id)), attribute.String("amount", amount.String()))

	if err := l.validateTopUp(id, amount); err != nil {
		return Transaction{}, err
	}

	var posted Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		posted, err = l.Poster(s).Credit(ctx, Posting{
			AccountID:     id,
			Amount:        amount,
			Type:          TxTopUp,
			PaymentMethod: paymentMethod,
			Reference:     reference,
			Description:   "Credit top-up",
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return Transaction{}, commitErr("top-up", err)
	}

	l.Notify(ctx, posted)
	return posted, nil
}

func (l *Ledger) validateTopUp(id AccountID, amount decimal.Decimal) error {
	if id <= 0 {
		return &ValidationError{Field: "account_id", Message: "account id must be positive"}
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if amount.LessThan(l.limits.TopUpMin) || amount.GreaterThan(l.limits.TopUpMax) {
		return &ValidationError{
			Field: "amount",
			Message: "top-up amount must be between " + l.limits.TopUpMin.StringFixed(AmountScale) +
				" and " + l.limits.TopUpMax.StringFixed(AmountScale),
		}
	}
	return nil
}

// TransferResult holds both sides of a transfer.
type TransferResult struct {
	Debit  Transaction
	Credit Transaction
}

// Transfer moves amount from one account to another. Fails with
// *InsufficientFundsError when the sender balance is lower than amount.
func (l *Ledger) Transfer(ctx context.Context, from, to AccountID, amount decimal.Decimal, reason string) (TransferResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.Transfer")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("account.from", int64(from)),
		attribute.Int64("account.to", int64(to)),
		attribute.String("amount", amount.String()),
	)

	if from <= 0 || to <= 0 {
		return TransferResult{}, &ValidationError{Field: "account_id", Message: "account ids must be positive"}
	}
	if from == to {
		return TransferResult{}, &ValidationError{Field: "to", Message: "cannot transfer to the same account"}
	}
	if err := ValidateAmount(amount); err != nil {
		return TransferResult{}, err
	}

	var res TransferResult
	err := l.store.WithTx(ctx, func(s Store) error {
		// Recipient must exist before anything is debited.
		if _, err := s.GetAccount(ctx, to); err != nil {
			return err
		}
		p := l.Poster(s)
		var err error
		res.Debit, err = p.Debit(ctx, Posting{
			AccountID:   from,
			Amount:      amount,
			Type:        TxTransfer,
			Reference:   to.String(),
			Description: reason,
		})
		if err != nil {
			return err
		}
		res.Credit, err = p.Credit(ctx, Posting{
			AccountID:   to,
			Amount:      amount,
			Type:        TxTransfer,
			Reference:   from.String(),
			Description: reason,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return TransferResult{}, commitErr("transfer", err)
	}

	l.Notify(ctx, res.Debit, res.Credit)
	return res, nil
}

// DecrementForPurchase debits amount when a purchase is paid from the credit balance.
func (l *Ledger) DecrementForPurchase(ctx context.Context, id AccountID, amount decimal.Decimal, reference, description string) (Transaction, error) {
	return l.debit(ctx, "purchase", Posting{
		AccountID:     id,
		Amount:        amount,
		Type:          TxPurchase,
		PaymentMethod: PaymentCredits,
		Reference:     reference,
		Description:   description,
	})
}

// Deduct is an admin correction that removes credits.
func (l *Ledger) Deduct(ctx context.Context, id AccountID, amount decimal.Decimal, reason string) (Transaction, error) {
	return l.debit(ctx, "deduction", Posting{
		AccountID:   id,
		Amount:      amount,
		Type:        TxDeduction,
		Description: reason,
	})
}

func (l *Ledger) debit(ctx context.Context, op string, posting Posting) (Transaction, error) {
	ctx, span := tracer.Start(ctx, "ledger."+op)
	defer span.End()
	span.SetAttributes(attribute.Int64("account.id", int64(posting.AccountID)), attribute.String("amount", posting.Amount.String()))

	if posting.AccountID <= 0 {
		return Transaction{}, &ValidationError{Field: "account_id", Message: "account id must be positive"}
	}
	if err := ValidateAmount(posting.Amount); err != nil {
		return Transaction{}, err
	}

	var posted Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		posted, err = l.Poster(s).Debit(ctx, posting)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return Transaction{}, commitErr(op, err)
	}

	l.Notify(ctx, posted)
	return posted, nil
}

// Balance returns the stored balance of id.
func (l *Ledger) Balance(ctx context.Context, id AccountID) (decimal.Decimal, error) {
	a, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// History returns the newest transactions of id first.
func (l *Ledger) History(ctx context.Context, id AccountID, limit int) ([]Transaction, error) {
	if _, err := l.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, id, limit)
}

// Notify runs the after-commit side effects for posted transactions.
func (l *Ledger) Notify(ctx context.Context, posted ...Transaction) {
	if len(posted) == 0 {
		return
	}
	evs := make([]events.Event, 0, len(posted))
	ids := make([]AccountID, 0, len(posted))
	for _, tx := range posted {
		observePosting(tx)
		evs = append(evs, events.New(events.LedgerPosted, tx.AccountID.String(), postedEvent(tx)))
		ids = append(ids, tx.AccountID)
	}
	if l.cache != nil {
		if err := l.cache.Invalidate(ctx, ids...); err != nil {
			l.logger.Warn("balance cache invalidation failed", zap.Error(err))
		}
	}
	if err := l.publisher.Publish(ctx, evs...); err != nil {
		l.logger.Error("publish ledger events failed", zap.Error(err), zap.Int("count", len(evs)))
	}
}

type postedPayload struct {
	TransactionID   string `json:"transaction_id"`
	AccountID       int64  `json:"account_id"`
	Type            string `json:"type"`
	Amount          string `json:"amount"`
	PreviousBalance string `json:"previous_balance"`
	NewBalance      string `json:"new_balance"`
	Reference       string `json:"reference,omitempty"`
}

func postedEvent(tx Transaction) postedPayload {
	return postedPayload{
		TransactionID:   string(tx.ID),
		AccountID:       int64(tx.AccountID),
		Type:            string(tx.Type),
		Amount:          tx.Amount.StringFixed(AmountScale),
		PreviousBalance: tx.PreviousBalance.StringFixed(AmountScale),
		NewBalance:      tx.NewBalance.StringFixed(AmountScale),
		Reference:       tx.Reference,
	}
}

// commitErr keeps domain errors as they are and marks everything else as a
// failed atomic commit.
func commitErr(op string, err error) error {
	if IsClientError(err) || IsNotFound(err) {
		return err
	}
	var ace *AtomicCommitError
	if errors.As(err, &ace) {
		return err
	}
	return &AtomicCommitError{Op: op, Err: err}
}

// CommitErr is commitErr for packages that run their own atomic units.
func CommitErr(op string, err error) error { return commitErr(op, err) }

// =============================================================================
// POSTER - Postings against one store view
// =============================================================================

const (
	PaymentCredits = "credits"
	PaymentCash    = "cash"
)

// Posting describes one balance change. Amount is always positive;
// Credit and Debit decide the sign.
type Posting struct {
	AccountID     AccountID
	Amount        decimal.Decimal
	Type          TransactionType
	PaymentMethod string
	Reference     string
	Description   string
}

type Poster struct {
	store Store
	now   func() time.Time
}

// Credit increments the balance and appends the matching ledger row.
func (p *Poster) Credit(ctx context.Context, posting Posting) (Transaction, error) {
	newBalance, err := p.store.IncrementBalance(ctx, posting.AccountID, posting.Amount)
	if err != nil {
		return Transaction{}, err
	}
	return p.append(ctx, posting, posting.Amount, newBalance)
}

// Debit decrements the balance if it covers the amount and appends the ledger row.
func (p *Poster) Debit(ctx context.Context, posting Posting) (Transaction, error) {
	newBalance, err := p.store.DecrementBalance(ctx, posting.AccountID, posting.Amount)
	if err != nil {
		return Transaction{}, err
	}
	return p.append(ctx, posting, posting.Amount.Neg(), newBalance)
}

func (p *Poster) append(ctx context.Context, posting Posting, signed, newBalance decimal.Decimal) (Transaction, error) {
	tx := Transaction{
		ID:              TransactionID(uuid.NewString()),
		AccountID:       posting.AccountID,
		Amount:          signed,
		Type:            posting.Type,
		PreviousBalance: newBalance.Sub(signed),
		NewBalance:      newBalance,
		PaymentMethod:   posting.PaymentMethod,
		Reference:       posting.Reference,
		Description:     posting.Description,
		Status:          StatusCompleted,
		CreatedAt:       p.now().UTC(),
	}
	if err := p.store.AppendTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}
