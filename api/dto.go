/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in package credit from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal on the way in (accepts 100, 100.5 or "100.50")
  and fixed two-decimal strings on the way out. Never float64.

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/referral"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role"`
	Package      string    `json:"package,omitempty"`
	UplineID     *int64    `json:"upline_id,omitempty"`
	ReferralCode string    `json:"referral_code,omitempty"`
	Balance      string    `json:"balance"`
	CreatedAt    time.Time `json:"created_at"`
}

type CreateAccountRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	Package      string `json:"package"`
	UplineID     *int64 `json:"upline_id"`
	ReferralCode string `json:"referral_code"`
}

// UpdateAccountRequest sets one field from the updatable set.
type UpdateAccountRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type BalanceDTO struct {
	AccountID int64  `json:"account_id"`
	Balance   string `json:"balance"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID              string    `json:"id"`
	AccountID       int64     `json:"account_id"`
	Amount          string    `json:"amount"`
	Type            string    `json:"type"`
	PreviousBalance string    `json:"previous_balance"`
	NewBalance      string    `json:"new_balance"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	Reference       string    `json:"reference,omitempty"`
	Description     string    `json:"description,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

type TopUpRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Reference     string          `json:"reference"`
}

type TransferRequest struct {
	ToAccountID int64           `json:"to_account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
}

type TransferDTO struct {
	Debit  TransactionDTO `json:"debit"`
	Credit TransactionDTO `json:"credit"`
}

type DeductionRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// CreditPurchaseRequest pays for an external purchase from the credit balance.
type CreditPurchaseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// =============================================================================
// INVITATIONS
// =============================================================================

type InvitationCodeDTO struct {
	Code        string     `json:"code"`
	OwnerID     int64      `json:"owner_id"`
	Package     string     `json:"package"`
	Amount      string     `json:"amount"`
	Redeemed    bool       `json:"redeemed"`
	RedeemedBy  *int64     `json:"redeemed_by,omitempty"`
	RedeemedAt  *time.Time `json:"redeemed_at,omitempty"`
	PurchasedAt time.Time  `json:"purchased_at"`
}

type RegisterRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	InvitationCode string `json:"invitation_code"`
	ReferralCode   string `json:"referral_code"`
}

type RegisterDTO struct {
	Account           AccountDTO  `json:"account"`
	Payouts           []PayoutDTO `json:"payouts"`
	IncentivesPending bool        `json:"incentives_pending,omitempty"`
	Token             string      `json:"token,omitempty"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
}

// =============================================================================
// INCENTIVES
// =============================================================================

type ProgramDTO struct {
	Tier       string            `json:"tier"`
	Generation int               `json:"generation"`
	Amounts    map[string]string `json:"amounts"`
}

// ProgramRequest replaces one program row. Amounts are keyed by referred tier.
type ProgramRequest struct {
	Tier       string                     `json:"tier"`
	Generation int                        `json:"generation"`
	Amounts    map[string]decimal.Decimal `json:"amounts"`
}

// ApplyRequest triggers incentive application. With StartGen zero every
// band up to the configured maximum is paid.
type ApplyRequest struct {
	UplineStart     int64  `json:"upline_start"`
	ReferredPackage string `json:"referred_package"`
	Purchaser       int64  `json:"purchaser"`
	ReferralCode    string `json:"referral_code"`
	StartGen        int    `json:"start_gen"`
	EndGen          int    `json:"end_gen"`
}

type PayoutDTO struct {
	Recipient     int64  `json:"recipient"`
	Amount        string `json:"amount"`
	Generation    int    `json:"generation"`
	TransactionID string `json:"transaction_id"`
}

type ApplyDTO struct {
	Payouts        []PayoutDTO `json:"payouts"`
	NextGeneration *int        `json:"next_generation"`
}

type ReferralIncomeDTO struct {
	SenderID     int64     `json:"sender_id"`
	RecipientID  int64     `json:"recipient_id"`
	Amount       string    `json:"amount"`
	Level        int       `json:"level"`
	ReferralCode string    `json:"referral_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// =============================================================================
// AUTH
// =============================================================================

type OTPRequest struct {
	AccountID int64 `json:"account_id"`
}

type OTPVerifyRequest struct {
	AccountID int64  `json:"account_id"`
	Code      string `json:"code"`
}

type SessionDTO struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(credit.AmountScale) }

func toAccountDTO(a credit.Account) AccountDTO {
	dto := AccountDTO{
		ID:           int64(a.ID),
		Name:         a.Name,
		Email:        a.Email,
		Role:         string(a.Role),
		Package:      a.Package,
		ReferralCode: a.ReferralCode,
		Balance:      money(a.Balance),
		CreatedAt:    a.CreatedAt,
	}
	if a.UplineID != nil {
		up := int64(*a.UplineID)
		dto.UplineID = &up
	}
	return dto
}

func toAccountDTOs(accounts []credit.Account) []AccountDTO {
	out := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountDTO(a))
	}
	return out
}

func toTransactionDTO(tx credit.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		AccountID:       int64(tx.AccountID),
		Amount:          money(tx.Amount),
		Type:            string(tx.Type),
		PreviousBalance: money(tx.PreviousBalance),
		NewBalance:      money(tx.NewBalance),
		PaymentMethod:   tx.PaymentMethod,
		Reference:       tx.Reference,
		Description:     tx.Description,
		Status:          string(tx.Status),
		CreatedAt:       tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []credit.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

func toInvitationCodeDTO(c credit.InvitationCode) InvitationCodeDTO {
	dto := InvitationCodeDTO{
		Code:        c.Code,
		OwnerID:     int64(c.OwnerID),
		Package:     c.Package,
		Amount:      money(c.Amount),
		Redeemed:    c.Redeemed(),
		RedeemedAt:  c.RedeemedAt,
		PurchasedAt: c.PurchasedAt,
	}
	if c.RedeemedBy != nil {
		by := int64(*c.RedeemedBy)
		dto.RedeemedBy = &by
	}
	return dto
}

func toProgramDTO(p credit.IncentiveProgram) ProgramDTO {
	amounts := make(map[string]string, len(p.Amounts))
	for tier, amt := range p.Amounts {
		amounts[string(tier)] = money(amt)
	}
	return ProgramDTO{Tier: string(p.Tier), Generation: p.Generation, Amounts: amounts}
}

func toPayoutDTOs(payouts []referral.Payout) []PayoutDTO {
	out := make([]PayoutDTO, 0, len(payouts))
	for _, p := range payouts {
		out = append(out, PayoutDTO{
			Recipient:     int64(p.Recipient),
			Amount:        money(p.Amount),
			Generation:    p.Generation,
			TransactionID: string(p.Transaction),
		})
	}
	return out
}

func toReferralIncomeDTOs(rows []credit.ReferralIncome) []ReferralIncomeDTO {
	out := make([]ReferralIncomeDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, ReferralIncomeDTO{
			SenderID:     int64(r.SenderID),
			RecipientID:  int64(r.RecipientID),
			Amount:       money(r.Amount),
			Level:        r.Level,
			ReferralCode: r.ReferralCode,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out
}
