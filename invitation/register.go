package invitation

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/events"
	"github.com/philtech/credit-engine/referral"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RegisterRequest creates an account from an invitation code.
type RegisterRequest struct {
	Name           string
	Email          string
	InvitationCode string
	ReferralCode   string // optional, overrides the code owner as upline
}

type RegisterResult struct {
	Account credit.Account
	Payouts []referral.Payout

	// IncentivesPending is set when the account was created but applying
	// referral incentives failed. Re-running them is safe.
	IncentivesPending bool

	Token     string
	ExpiresAt time.Time
}

type redeemedPayload struct {
	Code      string `json:"code"`
	AccountID int64  `json:"account_id"`
	OwnerID   int64  `json:"owner_id"`
	Package   string `json:"package"`
}

// Register redeems req.InvitationCode for a new account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	ctx, span := tracer.Start(ctx, "invitation.Register")
	defer span.End()

	if err := validateRegister(&req); err != nil {
		return RegisterResult{}, err
	}
	span.SetAttributes(attribute.String("invitation.code", req.InvitationCode))

	var (
		account credit.Account
		code    credit.InvitationCode
	)
	err := s.store.WithTx(ctx, func(tx credit.Store) error {
		var err error
		code, err = tx.GetInvitationCode(ctx, req.InvitationCode)
		if err != nil {
			return err
		}
		if code.Redeemed() {
			return credit.ErrCodeRedeemed
		}

		upline := code.OwnerID
		if req.ReferralCode != "" {
			referrer, err := tx.FindByReferralCode(ctx, req.ReferralCode)
			if errors.Is(err, credit.ErrAccountNotFound) {
				return &credit.ValidationError{Field: "referral_code", Message: fmt.Sprintf("referral code %q does not exist", req.ReferralCode)}
			}
			if err != nil {
				return err
			}
			upline = referrer.ID
		}

		refCode, err := s.freeReferralCode(ctx, tx)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		account, err = tx.CreateAccount(ctx, credit.Account{
			Name:         req.Name,
			Email:        req.Email,
			Role:         credit.RoleUser,
			Package:      code.Package,
			UplineID:     &upline,
			ReferralCode: refCode,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		return tx.RedeemInvitationCode(ctx, code.Code, account.ID, now)
	})
	if err != nil {
		span.RecordError(err)
		return RegisterResult{}, credit.CommitErr("register", err)
	}

	codesRedeemed.WithLabelValues(code.Package).Inc()
	s.logger.Info("invitation code redeemed",
		zap.String("code", code.Code),
		zap.Int64("account_id", int64(account.ID)),
		zap.Int64("upline_id", int64(*account.UplineID)),
	)
	if err := s.publisher.Publish(ctx, events.New(events.CodeRedeemed, account.ID.String(), redeemedPayload{
		Code:      code.Code,
		AccountID: int64(account.ID),
		OwnerID:   int64(code.OwnerID),
		Package:   code.Package,
	})); err != nil {
		s.logger.Error("publish redeem event failed", zap.Error(err))
	}

	res := RegisterResult{Account: account}

	applied, err := s.engine.ApplyAll(ctx, *account.UplineID, code.Package, account.ID, req.ReferralCode)
	res.Payouts = applied.Payouts
	if err != nil {
		res.IncentivesPending = true
		s.logger.Error("referral incentives failed after registration",
			zap.Int64("account_id", int64(account.ID)),
			zap.Error(err),
		)
	}

	if s.sessions != nil {
		res.Token, res.ExpiresAt, err = s.sessions.Issue(account)
		if err != nil {
			return res, fmt.Errorf("issue session: %w", err)
		}
	}
	return res, nil
}

func validateRegister(req *RegisterRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.InvitationCode = NormalizeCode(req.InvitationCode)
	req.ReferralCode = strings.TrimSpace(req.ReferralCode)

	if req.Name == "" {
		return &credit.ValidationError{Field: "name", Message: "name is required"}
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return &credit.ValidationError{Field: "email", Message: fmt.Sprintf("%q is not a valid email address", req.Email)}
	}
	if req.InvitationCode == "" {
		return &credit.ValidationError{Field: "invitation_code", Message: "invitation code is required"}
	}
	return nil
}

func (s *Service) freeReferralCode(ctx context.Context, tx credit.Store) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := generateReferralCode()
		_, err := tx.FindByReferralCode(ctx, code)
		if errors.Is(err, credit.ErrAccountNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free referral code after %d attempts", codeAttempts)
}
