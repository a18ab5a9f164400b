/*
handlers.go - HTTP API handlers for the credit and incentive engine

PURPOSE:
  Exposes the ledger, the incentive engine, invitation codes and sessions
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                      Create account (admin)
    GET    /api/accounts/{id}                 Get account
    PATCH  /api/accounts/{id}                 Update one field
    GET    /api/accounts/{id}/balance         Balance (cached when Redis is configured)
    GET    /api/accounts/{id}/transactions    Ledger history, newest first
    GET    /api/accounts/{id}/chain           Upline chain
    GET    /api/accounts/{id}/payouts         Referral income received
    GET    /api/accounts/{id}/invitations     Invitation codes owned

  Ledger:
    POST   /api/accounts/{id}/topups          Top-up (admin)
    POST   /api/accounts/{id}/transfers       Transfer to another account
    POST   /api/accounts/{id}/deductions      Admin deduction
    POST   /api/accounts/{id}/purchases       Pay a purchase from credits

  Invitations:
    POST   /api/invitations                   Buy codes (Idempotency-Key header)
    GET    /api/invitations/{code}            Get code
    GET    /api/invitations/{code}/qr         QR code PNG
    POST   /api/register                      Redeem a code for a new account

  Incentives:
    GET    /api/incentives/programs           List program rows
    PUT    /api/incentives/programs           Replace a program row (admin)
    POST   /api/incentives/apply              Apply incentives for a purchase (admin)

  Auth:
    POST   /api/auth/otp                      Send a one-time password
    POST   /api/auth/otp/verify               Exchange it for a session token

ERROR HANDLING:
  Domain errors are mapped with credit.StatusCode and returned as JSON
  ErrorResponse. Server errors are logged and their details withheld.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/philtech/credit-engine/auth"
	"github.com/philtech/credit-engine/cache"
	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/invitation"
	"github.com/philtech/credit-engine/referral"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

var (
	errForbidden     = errors.New("access to another account is not allowed")
	errAdminRequired = errors.New("admin role required")
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers. Cache, OTP and Sessions
// are optional; the endpoints that need them answer 503 when unset.
type Handler struct {
	Ledger      *credit.Ledger
	Engine      *referral.Engine
	Invitations *invitation.Service
	Cache       *cache.BalanceCache
	OTP         *auth.OTPService
	Sessions    *auth.Sessions
	Logger      *zap.Logger

	store credit.TxStore
}

// NewHandler creates a handler over the ledger's store.
func NewHandler(ledger *credit.Ledger, engine *referral.Engine, invitations *invitation.Service, logger *zap.Logger) *Handler {
	return &Handler{
		Ledger:      ledger,
		Engine:      engine,
		Invitations: invitations,
		Logger:      logger,
		store:       ledger.Store(),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount creates an account outside the invitation flow.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	a := credit.Account{
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.TrimSpace(req.Email),
		Role:         credit.Role(strings.ToLower(strings.TrimSpace(req.Role))),
		Package:      strings.TrimSpace(req.Package),
		ReferralCode: strings.TrimSpace(req.ReferralCode),
	}
	if a.Name == "" {
		h.fail(w, r, &credit.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	switch a.Role {
	case "", credit.RoleUser, credit.RoleAdmin:
	default:
		h.fail(w, r, &credit.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", req.Role)})
		return
	}
	if a.Package != "" {
		if err := referral.ValidatePackage(a.Package); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.UplineID != nil {
		up := credit.AccountID(*req.UplineID)
		if _, err := h.store.GetAccount(ctx, up); err != nil {
			if errors.Is(err, credit.ErrAccountNotFound) {
				err = &credit.ValidationError{Field: "upline_id", Message: fmt.Sprintf("upline %d does not exist", up)}
			}
			h.fail(w, r, err)
			return
		}
		a.UplineID = &up
	}

	created, err := h.store.CreateAccount(ctx, a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Info("account created", zap.Int64("account_id", int64(created.ID)), zap.String("package", created.Package))
	writeJSON(w, http.StatusCreated, toAccountDTO(created))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	a, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

// UpdateAccount writes one field. Package changes are checked against the
// known package list and, under a session, need the admin role since the
// package sets the account's incentive tier.
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req UpdateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	field, err := credit.ParseAccountField(req.Field)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	value := strings.TrimSpace(req.Value)
	if field == credit.FieldPackage {
		if c := auth.ClaimsFrom(r.Context()); c != nil && !c.IsAdmin() {
			h.fail(w, r, errAdminRequired)
			return
		}
		if err := referral.ValidatePackage(value); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	ctx := r.Context()
	if err := h.store.UpdateAccountField(ctx, id, field, value); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.store.GetAccount(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var (
		balance decimal.Decimal
		err     error
	)
	if h.Cache != nil {
		balance, err = h.Cache.Balance(r.Context(), h.Ledger, id)
	} else {
		balance, err = h.Ledger.Balance(r.Context(), id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{AccountID: int64(id), Balance: money(balance)})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", defaultHistoryLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	txs, err := h.Ledger.History(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetChain lists the uplines of an account, nearest first.
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	maxDepth := h.Engine.Config().MaxGenerations
	depth, err := intQuery(r, "depth", maxDepth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if depth <= 0 || depth > maxDepth {
		depth = maxDepth
	}
	chain, err := h.Engine.Resolver().ResolveChain(r.Context(), id, depth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(chain))
}

func (h *Handler) GetPayouts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := h.store.GetAccount(ctx, id); err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.store.ListPayouts(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralIncomeDTOs(rows))
}

func (h *Handler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	codes, err := h.Invitations.ListByOwner(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]InvitationCodeDTO, 0, len(codes))
	for _, c := range codes {
		out = append(out, toInvitationCodeDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req TopUpRequest
	if !h.decode(w, r, &req) {
		return
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = credit.PaymentCash
	}
	tx, err := h.Ledger.TopUp(r.Context(), id, req.Amount, method, strings.TrimSpace(req.Reference))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Ledger.Transfer(r.Context(), id, credit.AccountID(req.ToAccountID), req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferDTO{
		Debit:  toTransactionDTO(res.Debit),
		Credit: toTransactionDTO(res.Credit),
	})
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req DeductionRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Ledger.Deduct(r.Context(), id, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// CreditPurchase debits the balance for a purchase fulfilled elsewhere.
func (h *Handler) CreditPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req CreditPurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Ledger.DecrementForPurchase(r.Context(), id, req.Amount,
		strings.TrimSpace(req.Reference), strings.TrimSpace(req.Description))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// INVITATION ENDPOINTS
// =============================================================================

// PurchaseInvitations buys codes. The response body and status are written
// verbatim, so a retry with the same key returns the identical bytes.
func (h *Handler) PurchaseInvitations(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		h.fail(w, r, &credit.ValidationError{Field: "Idempotency-Key", Message: "header is required"})
		return
	}
	var req invitation.PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := authorize(r, req.OwnerID); err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.Invitations.Purchase(r.Context(), key, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if resp.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (h *Handler) GetInvitation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Invitations.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvitationCodeDTO(c))
}

func (h *Handler) GetInvitationQR(w http.ResponseWriter, r *http.Request) {
	size, err := intQuery(r, "size", invitation.DefaultQRSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	png, err := h.Invitations.QR(r.Context(), chi.URLParam(r, "code"), size)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// Register redeems an invitation code for a new account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Invitations.Register(r.Context(), invitation.RegisterRequest{
		Name:           req.Name,
		Email:          req.Email,
		InvitationCode: req.InvitationCode,
		ReferralCode:   req.ReferralCode,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := RegisterDTO{
		Account:           toAccountDTO(res.Account),
		Payouts:           toPayoutDTOs(res.Payouts),
		IncentivesPending: res.IncentivesPending,
		Token:             res.Token,
	}
	if !res.ExpiresAt.IsZero() {
		out.ExpiresAt = &res.ExpiresAt
	}
	writeJSON(w, http.StatusCreated, out)
}

// =============================================================================
// INCENTIVE ENDPOINTS
// =============================================================================

func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := h.store.ListIncentivePrograms(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ProgramDTO, 0, len(programs))
	for _, p := range programs {
		out = append(out, toProgramDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// SaveProgram replaces the row for (tier, generation).
func (h *Handler) SaveProgram(w http.ResponseWriter, r *http.Request) {
	var req ProgramRequest
	if !h.decode(w, r, &req) {
		return
	}
	tier, err := referral.ParseTier(req.Tier)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := credit.IncentiveProgram{Tier: tier, Generation: req.Generation, Amounts: make(map[credit.Tier]decimal.Decimal, len(req.Amounts))}
	for name, amt := range req.Amounts {
		referred, err := referral.ParseTier(name)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		p.Amounts[referred] = amt
	}
	if err := referral.ValidateProgram(p, h.Engine.Config().MaxGenerations); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SaveIncentiveProgram(r.Context(), p); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Info("incentive program saved", zap.String("tier", string(p.Tier)), zap.Int("generation", p.Generation))
	writeJSON(w, http.StatusOK, toProgramDTO(p))
}

// Apply pays incentives for one purchase. Without a generation band every
// band up to the configured maximum is paid.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	var (
		res referral.ApplyResult
		err error
	)
	if req.StartGen == 0 && req.EndGen == 0 {
		res, err = h.Engine.ApplyAll(ctx, credit.AccountID(req.UplineStart), req.ReferredPackage,
			credit.AccountID(req.Purchaser), req.ReferralCode)
	} else {
		res, err = h.Engine.Apply(ctx, referral.ApplyInput{
			UplineStart:     credit.AccountID(req.UplineStart),
			ReferredPackage: req.ReferredPackage,
			Purchaser:       credit.AccountID(req.Purchaser),
			ReferralCode:    req.ReferralCode,
			StartGen:        req.StartGen,
			EndGen:          req.EndGen,
		})
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplyDTO{Payouts: toPayoutDTOs(res.Payouts), NextGeneration: res.NextGeneration})
}

// =============================================================================
// AUTH ENDPOINTS
// =============================================================================

func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	if h.OTP == nil {
		writeError(w, http.StatusServiceUnavailable, "one-time passwords are not configured", nil)
		return
	}
	var req OTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	a, err := h.store.GetAccount(ctx, credit.AccountID(req.AccountID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.OTP.Issue(ctx, a); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	if h.OTP == nil || h.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions are not configured", nil)
		return
	}
	var req OTPVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := credit.AccountID(req.AccountID)
	if err := h.OTP.Verify(ctx, id, strings.TrimSpace(req.Code)); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.store.GetAccount(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	token, expiresAt, err := h.Sessions.Issue(a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionDTO{Token: token, ExpiresAt: expiresAt})
}

// =============================================================================
// HELPERS
// =============================================================================

// accountParam parses {id} and checks the session may act on it.
func (h *Handler) accountParam(w http.ResponseWriter, r *http.Request) (credit.AccountID, bool) {
	id, err := credit.ParseAccountID(chi.URLParam(r, "id"))
	if err == nil {
		err = authorize(r, id)
	}
	if err != nil {
		h.fail(w, r, err)
		return 0, false
	}
	return id, true
}

// authorize allows anonymous requests (the auth middleware decides whether
// those reach a handler at all), admins, and the account holder.
func authorize(r *http.Request, id credit.AccountID) error {
	c := auth.ClaimsFrom(r.Context())
	if c == nil || c.IsAdmin() {
		return nil
	}
	if own, err := c.AccountID(); err == nil && own == id {
		return nil
	}
	return errForbidden
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

// fail writes err with the status its type maps to.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, http.StatusText(status), nil)
		return
	}

	var details any
	var verr *credit.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		details = map[string]string{"field": verr.Field}
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Details: details})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errForbidden), errors.Is(err, errAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidOTP):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrOTPLocked):
		return http.StatusTooManyRequests
	default:
		return credit.StatusCode(err)
	}
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &credit.ValidationError{Field: name, Message: fmt.Sprintf("%q is not an integer", raw)}
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
