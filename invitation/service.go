/*
Package invitation sells invitation codes and redeems them at registration.

PURCHASE (idempotent):
  A purchase debits quantity x price and creates quantity codes. A client
  retry after a timeout must not charge twice, so every purchase carries an
  Idempotency-Key and runs as:

    Begin(key, request)          -> replay / conflict / owns key
    WithTx {
        Debit owner (credits only)
        Create codes
        Complete(key, response)  -> committed with the effects
    }
    on error: Finish(key, err)   -> 4xx stored, 5xx releases the key

REGISTRATION:
  One atomic unit creates the account with the code's package, links its
  upline and marks the code redeemed. Referral incentives run after the
  commit, band by band, through the referral engine.

SEE ALSO:
  - idempotency/guard.go
  - referral/engine.go
*/
package invitation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/events"
	"github.com/philtech/credit-engine/idempotency"
	"github.com/philtech/credit-engine/referral"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MaxQuantity = 50
	CodePrefix  = "PT-"

	// codeAttempts bounds retries on a generated code that already exists.
	codeAttempts = 5
)

// DefaultPrices is the price of one invitation code per package tier.
func DefaultPrices() map[credit.Tier]decimal.Decimal {
	return map[credit.Tier]decimal.Decimal{
		credit.TierBasic:     decimal.NewFromInt(500),
		credit.TierPremium:   decimal.NewFromInt(1500),
		credit.TierElite:     decimal.NewFromInt(3000),
		credit.TierElitePlus: decimal.NewFromInt(5000),
	}
}

// SessionIssuer issues a session token for a freshly registered account.
type SessionIssuer interface {
	Issue(a credit.Account) (token string, expiresAt time.Time, err error)
}

type Service struct {
	ledger    *credit.Ledger
	store     credit.TxStore
	guard     *idempotency.Guard
	engine    *referral.Engine
	sessions  SessionIssuer
	publisher events.Publisher
	prices    map[credit.Tier]decimal.Decimal
	qrBaseURL string
	logger    *zap.Logger
	now       func() time.Time
	newCode   func() string
}

type Option func(*Service)

func WithSessions(s SessionIssuer) Option { return func(svc *Service) { svc.sessions = s } }

func WithPublisher(p events.Publisher) Option { return func(svc *Service) { svc.publisher = p } }

func WithPrices(p map[credit.Tier]decimal.Decimal) Option {
	return func(svc *Service) { svc.prices = p }
}

// WithQRBaseURL makes QR images encode base?code=<code> instead of the bare code.
func WithQRBaseURL(base string) Option { return func(svc *Service) { svc.qrBaseURL = base } }

func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }

func NewService(ledger *credit.Ledger, guard *idempotency.Guard, engine *referral.Engine, logger *zap.Logger, opts ...Option) *Service {
	svc := &Service{
		ledger:    ledger,
		store:     ledger.Store(),
		guard:     guard,
		engine:    engine,
		publisher: events.Nop{},
		prices:    DefaultPrices(),
		logger:    logger,
		now:       time.Now,
		newCode:   generateCode,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Price returns the price of one code for pkg.
func (s *Service) Price(pkg string) (decimal.Decimal, error) {
	tier, ok := referral.TierOf(pkg)
	if !ok {
		return decimal.Zero, &referral.UnknownPackageError{Package: pkg}
	}
	price, ok := s.prices[tier]
	if !ok {
		return decimal.Zero, &credit.ValidationError{Field: "package", Message: "package " + pkg + " is not for sale"}
	}
	return price, nil
}

// Get returns a code by its printed value.
func (s *Service) Get(ctx context.Context, code string) (credit.InvitationCode, error) {
	return s.store.GetInvitationCode(ctx, NormalizeCode(code))
}

// ListByOwner returns the codes bought by owner.
func (s *Service) ListByOwner(ctx context.Context, owner credit.AccountID) ([]credit.InvitationCode, error) {
	if _, err := s.store.GetAccount(ctx, owner); err != nil {
		return nil, err
	}
	return s.store.ListInvitationCodes(ctx, owner)
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return CodePrefix + strings.ToUpper(raw[:8])
}

func generateReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "REF" + strings.ToUpper(raw[:8])
}
