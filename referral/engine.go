/*
engine.go - Incentive computation engine

PURPOSE:
  Pays referral income to the uplines of a purchaser when the purchase
  of a package is registered.

FLOW (Apply, one generation band):
  1. Walk the chain from UplineStart (generation 1) up to EndGen accounts
  2. Stage, per generation in [StartGen, EndGen]:
     - skip uplines whose package has no tier
     - skip when no program row exists or its amount is zero
     - skip when (purchaser, upline, generation) was already paid
  3. Commit all staged payouts in one atomic unit:
     REFERRAL_INCOME ledger rows, balance increments, history rows
  4. Report NextGeneration when the chain extends past EndGen

STAGING:
  Lookups for different generations are independent and run in parallel
  with errgroup. Results land in a slice indexed by generation, so the
  committed order never depends on goroutine scheduling. Staging writes
  nothing, so any lookup error aborts with no state change.

DUPLICATES:
  A concurrent Apply for the same purchaser may commit between our
  staging and our commit. The store's unique triple then fails the whole
  unit with ErrDuplicatePayout and the engine re-stages once; the
  already-paid triples are skipped the second time.
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/events"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/philtech/credit-engine/referral")

const (
	DefaultMaxGenerations = 10
	DefaultGenerationBand = 5
)

// Config controls generation depth and package handling.
type Config struct {
	MaxGenerations int
	GenerationBand int

	// Lenient maps unknown referred packages to Basic instead of failing.
	Lenient bool
}

func DefaultConfig() Config {
	return Config{MaxGenerations: DefaultMaxGenerations, GenerationBand: DefaultGenerationBand}
}

type Engine struct {
	ledger    *credit.Ledger
	store     credit.TxStore
	resolver  *Resolver
	cfg       Config
	logger    *zap.Logger
	publisher events.Publisher
	now       func() time.Time
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(ledger *credit.Ledger, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = DefaultMaxGenerations
	}
	if cfg.GenerationBand <= 0 {
		cfg.GenerationBand = DefaultGenerationBand
	}
	e := &Engine{
		ledger:    ledger,
		store:     ledger.Store(),
		resolver:  NewResolver(ledger.Store(), logger),
		cfg:       cfg,
		logger:    logger,
		publisher: events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Resolver() *Resolver { return e.resolver }

// =============================================================================
// APPLY
// =============================================================================

// ApplyInput identifies one purchase and the generation band to pay.
type ApplyInput struct {
	UplineStart     credit.AccountID // generation 1 recipient
	ReferredPackage string
	Purchaser       credit.AccountID
	ReferralCode    string // optional, recorded on history rows
	StartGen        int
	EndGen          int
}

// Payout is one committed referral income.
type Payout struct {
	Recipient   credit.AccountID
	Amount      decimal.Decimal
	Generation  int
	Transaction credit.TransactionID
}

type ApplyResult struct {
	Payouts []Payout

	// NextGeneration is EndGen+1 when the chain extends beyond EndGen, nil otherwise.
	NextGeneration *int
}

// Apply pays the uplines of in.Purchaser for generations StartGen..EndGen.
func (e *Engine) Apply(ctx context.Context, in ApplyInput) (ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "referral.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("purchaser.id", int64(in.Purchaser)),
		attribute.Int64("upline.start", int64(in.UplineStart)),
		attribute.Int("gen.start", in.StartGen),
		attribute.Int("gen.end", in.EndGen),
	)

	if err := e.validate(in); err != nil {
		return ApplyResult{}, err
	}
	referred, err := e.referredTier(in.ReferredPackage)
	if err != nil {
		return ApplyResult{}, err
	}

	for attempt := 0; ; attempt++ {
		staged, next, err := e.stage(ctx, in, referred)
		if err != nil {
			span.RecordError(err)
			return ApplyResult{}, err
		}
		if len(staged) == 0 {
			return ApplyResult{NextGeneration: next}, nil
		}

		posted, err := e.commit(ctx, in, staged)
		if errors.Is(err, credit.ErrDuplicatePayout) && attempt == 0 {
			duplicateRetries.Inc()
			e.logger.Info("concurrent payout detected, restaging",
				zap.Int64("purchaser_id", int64(in.Purchaser)))
			continue
		}
		if err != nil {
			span.RecordError(err)
			return ApplyResult{}, credit.CommitErr("referral-payout", err)
		}

		e.afterCommit(ctx, in, staged, posted)
		return ApplyResult{Payouts: staged, NextGeneration: next}, nil
	}
}

// ApplyAll runs Apply band by band until the chain ends or MaxGenerations is reached.
func (e *Engine) ApplyAll(ctx context.Context, uplineStart credit.AccountID, referredPackage string, purchaser credit.AccountID, referralCode string) (ApplyResult, error) {
	var all ApplyResult
	start := 1
	for start <= e.cfg.MaxGenerations {
		end := min(start+e.cfg.GenerationBand-1, e.cfg.MaxGenerations)
		res, err := e.Apply(ctx, ApplyInput{
			UplineStart:     uplineStart,
			ReferredPackage: referredPackage,
			Purchaser:       purchaser,
			ReferralCode:    referralCode,
			StartGen:        start,
			EndGen:          end,
		})
		if err != nil {
			return all, err
		}
		all.Payouts = append(all.Payouts, res.Payouts...)
		if res.NextGeneration == nil {
			return all, nil
		}
		start = *res.NextGeneration
	}
	return all, nil
}

func (e *Engine) validate(in ApplyInput) error {
	if in.UplineStart <= 0 {
		return &credit.ValidationError{Field: "upline_start", Message: "upline start must be a positive account id"}
	}
	if in.Purchaser <= 0 {
		return &credit.ValidationError{Field: "purchaser", Message: "purchaser must be a positive account id"}
	}
	if in.StartGen < 1 || in.EndGen < in.StartGen {
		return &credit.ValidationError{Field: "generation", Message: "generation band must satisfy 1 <= start <= end"}
	}
	if in.EndGen > e.cfg.MaxGenerations {
		return &credit.ValidationError{
			Field:   "generation",
			Message: fmt.Sprintf("end generation exceeds maximum of %d", e.cfg.MaxGenerations),
		}
	}
	return nil
}

func (e *Engine) referredTier(pkg string) (credit.Tier, error) {
	if t, ok := TierOf(pkg); ok {
		return t, nil
	}
	if !e.cfg.Lenient {
		return "", &UnknownPackageError{Package: pkg}
	}
	unknownPackages.Inc()
	e.logger.Warn("UNKNOWN REFERRED PACKAGE, paying as Basic",
		zap.String("package", pkg))
	return credit.TierBasic, nil
}

// =============================================================================
// STAGING
// =============================================================================

func (e *Engine) stage(ctx context.Context, in ApplyInput, referred credit.Tier) ([]Payout, *int, error) {
	// One account past EndGen tells whether another band follows.
	chain, err := e.resolver.Walk(ctx, in.UplineStart, in.EndGen+1, in.Purchaser)
	if err != nil {
		return nil, nil, err
	}

	var next *int
	if len(chain) > in.EndGen {
		n := in.EndGen + 1
		next = &n
	}

	slots := make([]*Payout, in.EndGen-in.StartGen+1)
	g, gctx := errgroup.WithContext(ctx)
	for gen := in.StartGen; gen <= in.EndGen && gen <= len(chain); gen++ {
		upline := chain[gen-1]
		g.Go(func() error {
			p, err := e.stageOne(gctx, in, upline, gen, referred)
			if err != nil {
				return fmt.Errorf("stage generation %d: %w", gen, err)
			}
			slots[gen-in.StartGen] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var staged []Payout
	for _, p := range slots {
		if p != nil {
			staged = append(staged, *p)
		}
	}
	return staged, next, nil
}

func (e *Engine) stageOne(ctx context.Context, in ApplyInput, upline credit.Account, gen int, referred credit.Tier) (*Payout, error) {
	tier, ok := TierOf(upline.Package)
	if !ok {
		e.logger.Debug("upline has no tier, skipped",
			zap.Int64("upline_id", int64(upline.ID)), zap.Int("generation", gen))
		return nil, nil
	}

	program, err := e.store.GetIncentiveProgram(ctx, tier, gen)
	if errors.Is(err, credit.ErrProgramNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	amount := program.AmountFor(referred)
	if !amount.IsPositive() {
		return nil, nil
	}

	paid, err := e.store.PayoutExists(ctx, in.Purchaser, upline.ID, gen)
	if err != nil {
		return nil, err
	}
	if paid {
		return nil, nil
	}

	return &Payout{Recipient: upline.ID, Amount: amount, Generation: gen}, nil
}

// =============================================================================
// COMMIT
// =============================================================================

func (e *Engine) commit(ctx context.Context, in ApplyInput, staged []Payout) ([]credit.Transaction, error) {
	now := e.now().UTC()
	posted := make([]credit.Transaction, 0, len(staged))

	err := e.store.WithTx(ctx, func(s credit.Store) error {
		posted = posted[:0]
		rows := make([]credit.ReferralIncome, 0, len(staged))
		for _, p := range staged {
			rows = append(rows, credit.ReferralIncome{
				SenderID:     in.Purchaser,
				RecipientID:  p.Recipient,
				Amount:       p.Amount,
				Level:        p.Generation,
				ReferralCode: in.ReferralCode,
				CreatedAt:    now,
			})
		}
		if err := s.InsertPayouts(ctx, rows); err != nil {
			return err
		}

		poster := e.ledger.Poster(s)
		for i, p := range staged {
			tx, err := poster.Credit(ctx, credit.Posting{
				AccountID:   p.Recipient,
				Amount:      p.Amount,
				Type:        credit.TxReferralIncome,
				Reference:   in.Purchaser.String(),
				Description: fmt.Sprintf("Generation %d referral income", p.Generation),
			})
			if err != nil {
				return err
			}
			staged[i].Transaction = tx.ID
			posted = append(posted, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return posted, nil
}

type payoutPayload struct {
	Sender       int64  `json:"sender_id"`
	Recipient    int64  `json:"recipient_id"`
	Level        int    `json:"level"`
	Amount       string `json:"amount"`
	ReferralCode string `json:"referral_code,omitempty"`
}

func (e *Engine) afterCommit(ctx context.Context, in ApplyInput, staged []Payout, posted []credit.Transaction) {
	evs := make([]events.Event, 0, len(staged))
	for _, p := range staged {
		observePayout(p)
		evs = append(evs, events.New(events.ReferralPayout, p.Recipient.String(), payoutPayload{
			Sender:       int64(in.Purchaser),
			Recipient:    int64(p.Recipient),
			Level:        p.Generation,
			Amount:       p.Amount.StringFixed(credit.AmountScale),
			ReferralCode: in.ReferralCode,
		}))
	}

	e.logger.Info("referral payouts committed",
		zap.Int64("purchaser_id", int64(in.Purchaser)),
		zap.Int("count", len(staged)),
		zap.Int("start_gen", in.StartGen),
		zap.Int("end_gen", in.EndGen),
	)

	e.ledger.Notify(ctx, posted...)
	if err := e.publisher.Publish(ctx, evs...); err != nil {
		e.logger.Error("publish payout events failed", zap.Error(err), zap.Int("count", len(evs)))
	}
}
