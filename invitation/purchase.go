package invitation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/philtech/credit-engine/credit"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/philtech/credit-engine/invitation")

// PurchaseRequest is the fingerprinted payload of a purchase.
type PurchaseRequest struct {
	OwnerID       credit.AccountID `json:"owner_id"`
	Package       string           `json:"package"`
	Quantity      int              `json:"quantity"`
	PaymentMethod string           `json:"payment_method"`
	Reference     string           `json:"reference,omitempty"`
}

// PurchaseResult is the stored response body of a completed purchase.
type PurchaseResult struct {
	Codes         []string `json:"codes"`
	Package       string   `json:"package"`
	Quantity      int      `json:"quantity"`
	UnitPrice     string   `json:"unit_price"`
	Total         string   `json:"total"`
	PaymentMethod string   `json:"payment_method"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Balance       string   `json:"balance,omitempty"`
}

// Response is what the caller writes back verbatim.
type Response struct {
	Body       []byte
	StatusCode int
	Replayed   bool
}

// Purchase buys req.Quantity codes under the idempotency key.
func (s *Service) Purchase(ctx context.Context, key string, req PurchaseRequest) (Response, error) {
	ctx, span := tracer.Start(ctx, "invitation.Purchase")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("owner.id", int64(req.OwnerID)),
		attribute.String("package", req.Package),
		attribute.Int("quantity", req.Quantity),
	)

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	price, err := s.validatePurchase(req)
	if err != nil {
		return Response{}, err
	}

	replay, err := s.guard.Begin(ctx, key, req)
	if err != nil {
		return Response{}, err
	}
	if replay != nil {
		return Response{Body: replay.Body, StatusCode: replay.StatusCode, Replayed: true}, nil
	}

	total := price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	result := PurchaseResult{
		Package:       req.Package,
		Quantity:      req.Quantity,
		UnitPrice:     price.StringFixed(credit.AmountScale),
		Total:         total.StringFixed(credit.AmountScale),
		PaymentMethod: req.PaymentMethod,
	}

	var (
		body   []byte
		posted []credit.Transaction
	)
	err = s.store.WithTx(ctx, func(tx credit.Store) error {
		posted = posted[:0]
		result.Codes = result.Codes[:0]

		if _, err := tx.GetAccount(ctx, req.OwnerID); err != nil {
			return err
		}

		if req.PaymentMethod == credit.PaymentCredits {
			debit, err := s.ledger.Poster(tx).Debit(ctx, credit.Posting{
				AccountID:     req.OwnerID,
				Amount:        total,
				Type:          credit.TxPurchase,
				PaymentMethod: credit.PaymentCredits,
				Reference:     key,
				Description:   fmt.Sprintf("%d x %s invitation code", req.Quantity, req.Package),
			})
			if err != nil {
				return err
			}
			posted = append(posted, debit)
			result.TransactionID = string(debit.ID)
			result.Balance = debit.NewBalance.StringFixed(credit.AmountScale)
		}

		now := s.now().UTC()
		for i := 0; i < req.Quantity; i++ {
			code, err := s.createCode(ctx, tx, credit.InvitationCode{
				OwnerID:     req.OwnerID,
				Package:     req.Package,
				Amount:      price,
				PurchasedAt: now,
			})
			if err != nil {
				return err
			}
			result.Codes = append(result.Codes, code)
		}

		var err error
		body, err = s.guard.Complete(ctx, tx, key, result, http.StatusCreated)
		return err
	})
	if err != nil {
		err = credit.CommitErr("invitation-purchase", err)
		span.RecordError(err)
		s.guard.Finish(ctx, key, err)
		return Response{}, err
	}

	codesSold.WithLabelValues(req.Package, req.PaymentMethod).Add(float64(req.Quantity))
	s.logger.Info("invitation codes purchased",
		zap.Int64("owner_id", int64(req.OwnerID)),
		zap.String("package", req.Package),
		zap.Int("quantity", req.Quantity),
		zap.String("payment_method", req.PaymentMethod),
	)
	s.ledger.Notify(ctx, posted...)

	return Response{Body: body, StatusCode: http.StatusCreated}, nil
}

func (s *Service) validatePurchase(req PurchaseRequest) (price decimal.Decimal, err error) {
	if req.OwnerID <= 0 {
		return price, &credit.ValidationError{Field: "owner_id", Message: "owner id must be positive"}
	}
	if req.Quantity < 1 || req.Quantity > MaxQuantity {
		return price, &credit.ValidationError{Field: "quantity", Message: fmt.Sprintf("quantity must be between 1 and %d", MaxQuantity)}
	}
	switch req.PaymentMethod {
	case credit.PaymentCredits:
	case credit.PaymentCash:
		if strings.TrimSpace(req.Reference) == "" {
			return price, &credit.ValidationError{Field: "reference", Message: "cash payments require a payment reference"}
		}
	default:
		return price, &credit.ValidationError{Field: "payment_method", Message: fmt.Sprintf("payment method must be %q or %q", credit.PaymentCredits, credit.PaymentCash)}
	}
	return s.Price(req.Package)
}

// createCode inserts c under a fresh code, retrying when the generated
// value is already taken.
func (s *Service) createCode(ctx context.Context, tx credit.Store, c credit.InvitationCode) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		c.Code = s.newCode()
		_, err := tx.GetInvitationCode(ctx, c.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, credit.ErrCodeNotFound) {
			return "", err
		}
		if err := tx.CreateInvitationCode(ctx, c); err != nil {
			return "", err
		}
		return c.Code, nil
	}
	return "", fmt.Errorf("no free invitation code after %d attempts", codeAttempts)
}
