/*
handlers_test.go - HTTP tests for the API handlers

Drives the full router over an in-memory store:
- account and ledger endpoints, error mapping
- idempotent invitation purchase and replay
- registration with referral payout
- incentive program management and application
- session enforcement and the OTP flow
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/philtech/credit-engine/auth"
	"github.com/philtech/credit-engine/cache"
	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/credit/store"
	"github.com/philtech/credit-engine/idempotency"
	"github.com/philtech/credit-engine/invitation"
	"github.com/philtech/credit-engine/referral"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// =============================================================================
// HELPERS
// =============================================================================

type testEnv struct {
	t      *testing.T
	mem    *store.Memory
	ledger *credit.Ledger
	h      *Handler
	router *chi.Mux
}

func newTestEnv(t *testing.T, configure func(*Handler), opts RouterOptions) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	logger := zap.NewNop()
	ledger := credit.NewLedger(mem, credit.DefaultLimits(), logger)
	engine := referral.NewEngine(ledger, referral.DefaultConfig(), logger)
	svc := invitation.NewService(ledger, idempotency.NewGuard(mem, logger), engine, logger)

	_, err := referral.SeedPrograms(context.Background(), mem, logger)
	require.NoError(t, err)

	h := NewHandler(ledger, engine, svc, logger)
	if configure != nil {
		configure(h)
	}
	return &testEnv{t: t, mem: mem, ledger: ledger, h: h, router: NewRouter(h, opts)}
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) account(name, pkg string, upline *credit.AccountID) credit.Account {
	e.t.Helper()
	a, err := e.mem.CreateAccount(context.Background(), credit.Account{Name: name, Package: pkg, UplineID: upline})
	require.NoError(e.t, err)
	return a
}

func (e *testEnv) fund(id credit.AccountID, amount int64) {
	e.t.Helper()
	_, err := e.ledger.TopUp(context.Background(), id, decimal.NewFromInt(amount), credit.PaymentCash, "seed")
	require.NoError(e.t, err)
}

func (e *testEnv) balance(id credit.AccountID) string {
	e.t.Helper()
	a, err := e.mem.GetAccount(context.Background(), id)
	require.NoError(e.t, err)
	return a.Balance.StringFixed(2)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func idPtr(id credit.AccountID) *credit.AccountID { return &id }

// =============================================================================
// HEALTH & METRICS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil, RouterOptions{})

	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccounts_CreateGetUpdate(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: An account is created, read and updated
	// THEN: Each step reflects the stored state

	env := newTestEnv(t, nil, RouterOptions{})

	rec := env.do(http.MethodPost, "/api/accounts", CreateAccountRequest{Name: "Ana", Email: "ana@example.com", Package: "Elite"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AccountDTO](t, rec)
	assert.Equal(t, "user", created.Role)
	assert.Equal(t, "0.00", created.Balance)

	rec = env.do(http.MethodGet, "/api/accounts/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ana", decode[AccountDTO](t, rec).Name)

	rec = env.do(http.MethodPatch, "/api/accounts/1", UpdateAccountRequest{Field: "package", Value: "Premium_Merchant_Package"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Premium_Merchant_Package", decode[AccountDTO](t, rec).Package)
}

func TestAccounts_Errors(t *testing.T) {
	env := newTestEnv(t, nil, RouterOptions{})
	env.account("existing", "", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing name", http.MethodPost, "/api/accounts", CreateAccountRequest{}, http.StatusBadRequest},
		{"unknown package", http.MethodPost, "/api/accounts", CreateAccountRequest{Name: "x", Package: "Gold"}, http.StatusBadRequest},
		{"unknown upline", http.MethodPost, "/api/accounts", map[string]any{"name": "x", "upline_id": 99}, http.StatusBadRequest},
		{"unknown json field", http.MethodPost, "/api/accounts", map[string]any{"name": "x", "balance": 100}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/accounts/abc", nil, http.StatusBadRequest},
		{"missing account", http.MethodGet, "/api/accounts/42", nil, http.StatusNotFound},
		{"upline not updatable", http.MethodPatch, "/api/accounts/1", UpdateAccountRequest{Field: "upline_id", Value: "2"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_TopUpTransferHistory(t *testing.T) {
	// GIVEN: Two accounts
	// WHEN: One is topped up and transfers part of it
	// THEN: Balances and history reflect both postings

	env := newTestEnv(t, nil, RouterOptions{})
	a := env.account("a", "", nil)
	b := env.account("b", "", nil)

	rec := env.do(http.MethodPost, "/api/accounts/1/topups", TopUpRequest{Amount: decimal.NewFromInt(1000), PaymentMethod: "GCash", Reference: "gc-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "1000.00", tx.NewBalance)
	assert.Equal(t, "gcash", tx.PaymentMethod)

	rec = env.do(http.MethodPost, "/api/accounts/1/transfers", TransferRequest{ToAccountID: int64(b.ID), Amount: credit.MustAmount("250.50"), Reason: "gift"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tr := decode[TransferDTO](t, rec)
	assert.Equal(t, "-250.50", tr.Debit.Amount)
	assert.Equal(t, "250.50", tr.Credit.NewBalance)

	rec = env.do(http.MethodGet, "/api/accounts/1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "749.50", decode[BalanceDTO](t, rec).Balance)

	rec = env.do(http.MethodGet, "/api/accounts/1/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]TransactionDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, string(credit.TxTransfer), history[0].Type)

	assert.Equal(t, "749.50", env.balance(a.ID))
}

func TestLedger_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil, RouterOptions{})
	a := env.account("a", "", nil)
	env.account("b", "", nil)
	env.fund(a.ID, 100)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"top-up below minimum", "/api/accounts/1/topups", TopUpRequest{Amount: decimal.NewFromInt(10)}, http.StatusBadRequest},
		{"insufficient funds", "/api/accounts/1/transfers", TransferRequest{ToAccountID: 2, Amount: decimal.NewFromInt(500)}, http.StatusPaymentRequired},
		{"three decimals", "/api/accounts/1/deductions", DeductionRequest{Amount: credit.MustAmount("1.005")}, http.StatusBadRequest},
		{"purchase over balance", "/api/accounts/1/purchases", CreditPurchaseRequest{Amount: decimal.NewFromInt(101), Reference: "load-1"}, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, "100.00", env.balance(a.ID), "failed requests change nothing")

	rec := env.do(http.MethodPost, "/api/accounts/1/purchases", CreditPurchaseRequest{Amount: decimal.NewFromInt(40), Reference: "load-2", Description: "prepaid load"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, string(credit.TxPurchase), decode[TransactionDTO](t, rec).Type)
	assert.Equal(t, "60.00", env.balance(a.ID))
}

func TestLedger_BalanceThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := newTestEnv(t, func(h *Handler) {
		h.Cache = cache.NewBalanceCache(client, time.Minute, zap.NewNop())
	}, RouterOptions{})
	a := env.account("a", "", nil)
	env.fund(a.ID, 300)

	rec := env.do(http.MethodGet, "/api/accounts/1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "300.00", decode[BalanceDTO](t, rec).Balance)
	assert.True(t, mr.Exists("balance:1"))
}

func TestChainAndPayouts(t *testing.T) {
	env := newTestEnv(t, nil, RouterOptions{})
	top := env.account("top", "ElitePlus", nil)
	mid := env.account("mid", "Premium", idPtr(top.ID))
	env.account("leaf", "Basic", idPtr(mid.ID))

	rec := env.do(http.MethodGet, "/api/accounts/3/chain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[[]AccountDTO](t, rec)
	require.Len(t, chain, 2)
	assert.Equal(t, int64(mid.ID), chain[0].ID)
	assert.Equal(t, int64(top.ID), chain[1].ID)

	rec = env.do(http.MethodGet, "/api/accounts/3/chain?depth=1", nil)
	assert.Len(t, decode[[]AccountDTO](t, rec), 1)

	rec = env.do(http.MethodGet, "/api/accounts/1/payouts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]ReferralIncomeDTO](t, rec))
}

// =============================================================================
// INVITATIONS
// =============================================================================

func TestInvitations_PurchaseReplayAndRegister(t *testing.T) {
	// GIVEN: An ElitePlus owner with credits
	// WHEN: A Basic code is bought, retried with the same key, then redeemed
	// THEN: The retry replays the same bytes, and redemption pays the owner

	env := newTestEnv(t, nil, RouterOptions{})
	owner := env.account("owner", "ElitePlus", nil)
	env.fund(owner.ID, 1000)

	body := invitation.PurchaseRequest{OwnerID: owner.ID, Package: "Basic", Quantity: 1, PaymentMethod: "credits"}

	rec := env.do(http.MethodPost, "/api/invitations", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "key is required")

	first := env.do(http.MethodPost, "/api/invitations", body, IdempotencyKeyHeader, "buy-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	second := env.do(http.MethodPost, "/api/invitations", body, IdempotencyKeyHeader, "buy-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "500.00", env.balance(owner.ID), "charged once")

	result := decode[invitation.PurchaseResult](t, first)
	require.Len(t, result.Codes, 1)
	code := result.Codes[0]

	rec = env.do(http.MethodGet, "/api/invitations/"+code, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[InvitationCodeDTO](t, rec).Redeemed)

	rec = env.do(http.MethodGet, "/api/invitations/"+code+"/qr?size=128", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = env.do(http.MethodGet, "/api/invitations/"+code+"/qr?size=6000", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/register", RegisterRequest{Name: "Newbie", Email: "new@example.com", InvitationCode: code})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[RegisterDTO](t, rec)
	assert.Equal(t, "Basic", reg.Account.Package)
	require.NotNil(t, reg.Account.UplineID)
	assert.Equal(t, int64(owner.ID), *reg.Account.UplineID)
	require.Len(t, reg.Payouts, 1)
	assert.Equal(t, "30.00", reg.Payouts[0].Amount)
	assert.Equal(t, "530.00", env.balance(owner.ID))

	rec = env.do(http.MethodPost, "/api/register", RegisterRequest{Name: "Late", Email: "late@example.com", InvitationCode: code})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodGet, "/api/accounts/1/invitations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	codes := decode[[]InvitationCodeDTO](t, rec)
	require.Len(t, codes, 1)
	assert.True(t, codes[0].Redeemed)
}

func TestInvitations_InsufficientFundsIsReplayed(t *testing.T) {
	env := newTestEnv(t, nil, RouterOptions{})
	owner := env.account("owner", "Basic", nil)
	body := invitation.PurchaseRequest{OwnerID: owner.ID, Package: "Elite", Quantity: 1, PaymentMethod: "credits"}

	first := env.do(http.MethodPost, "/api/invitations", body, IdempotencyKeyHeader, "broke-1")
	assert.Equal(t, http.StatusPaymentRequired, first.Code)

	env.fund(owner.ID, 5000)
	second := env.do(http.MethodPost, "/api/invitations", body, IdempotencyKeyHeader, "broke-1")
	assert.Equal(t, http.StatusPaymentRequired, second.Code, "stored failure is replayed")
	assert.Equal(t, "5000.00", env.balance(owner.ID))
}

// =============================================================================
// INCENTIVES
// =============================================================================

func TestIncentives_ProgramsAndApply(t *testing.T) {
	env := newTestEnv(t, nil, RouterOptions{})

	rec := env.do(http.MethodGet, "/api/incentives/programs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ProgramDTO](t, rec), 26)

	rec = env.do(http.MethodPut, "/api/incentives/programs", ProgramRequest{
		Tier:       "basic",
		Generation: 1,
		Amounts:    map[string]decimal.Decimal{"Basic": decimal.NewFromInt(15)},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "15.00", decode[ProgramDTO](t, rec).Amounts["Basic"])

	rec = env.do(http.MethodPut, "/api/incentives/programs", ProgramRequest{Tier: "Gold", Generation: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodPut, "/api/incentives/programs", ProgramRequest{Tier: "Basic", Generation: 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	top := env.account("top", "Basic", nil)
	buyer := env.account("buyer", "Basic", idPtr(top.ID))

	apply := ApplyRequest{UplineStart: int64(top.ID), ReferredPackage: "Basic", Purchaser: int64(buyer.ID), StartGen: 1, EndGen: 1}
	rec = env.do(http.MethodPost, "/api/incentives/apply", apply)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ApplyDTO](t, rec)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, "15.00", res.Payouts[0].Amount)
	assert.Nil(t, res.NextGeneration)

	rec = env.do(http.MethodPost, "/api/incentives/apply", apply)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ApplyDTO](t, rec).Payouts, "second application pays nothing")
	assert.Equal(t, "15.00", env.balance(top.ID))

	apply.StartGen, apply.EndGen = 3, 2
	rec = env.do(http.MethodPost, "/api/incentives/apply", apply)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// AUTH
// =============================================================================

func newAuthEnv(t *testing.T, configure func(*Handler)) (*testEnv, *auth.Sessions) {
	sessions, err := auth.NewSessions("test-secret", time.Hour)
	require.NoError(t, err)
	env := newTestEnv(t, func(h *Handler) {
		h.Sessions = sessions
		if configure != nil {
			configure(h)
		}
	}, RouterOptions{RequireAuth: true})
	return env, sessions
}

func bearer(t *testing.T, s *auth.Sessions, a credit.Account) string {
	token, _, err := s.Issue(a)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuth_SessionsEnforced(t *testing.T) {
	// GIVEN: Auth required, a user and an admin
	// WHEN: Routes are called with and without sessions
	// THEN: Ownership and admin role are enforced

	env, sessions := newAuthEnv(t, nil)
	user := env.account("user", "Basic", nil)
	other := env.account("other", "Basic", nil)
	admin, err := env.mem.CreateAccount(context.Background(), credit.Account{Name: "root", Role: credit.RoleAdmin})
	require.NoError(t, err)

	userAuth := bearer(t, sessions, user)
	adminAuth := bearer(t, sessions, admin)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		auth   string
		status int
	}{
		{"anonymous", http.MethodGet, "/api/accounts/1", nil, "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/accounts/1", nil, "Bearer nope", http.StatusUnauthorized},
		{"own account", http.MethodGet, "/api/accounts/1", nil, userAuth, http.StatusOK},
		{"other account", http.MethodGet, "/api/accounts/2/balance", nil, userAuth, http.StatusForbidden},
		{"admin reads any", http.MethodGet, "/api/accounts/2", nil, adminAuth, http.StatusOK},
		{"user cannot top up", http.MethodPost, "/api/accounts/1/topups", TopUpRequest{Amount: decimal.NewFromInt(100)}, userAuth, http.StatusForbidden},
		{"admin tops up", http.MethodPost, "/api/accounts/1/topups", TopUpRequest{Amount: decimal.NewFromInt(100)}, adminAuth, http.StatusCreated},
		{"user renames self", http.MethodPatch, "/api/accounts/1", UpdateAccountRequest{Field: "name", Value: "Neo"}, userAuth, http.StatusOK},
		{"user cannot change own package", http.MethodPatch, "/api/accounts/1",
			UpdateAccountRequest{Field: "package", Value: "ElitePlus_Distributor_Package"}, userAuth, http.StatusForbidden},
		{"admin changes package", http.MethodPatch, "/api/accounts/1",
			UpdateAccountRequest{Field: "package", Value: "Elite"}, adminAuth, http.StatusOK},
		{"user buys for other", http.MethodPost, "/api/invitations",
			invitation.PurchaseRequest{OwnerID: other.ID, Package: "Basic", Quantity: 1, PaymentMethod: "credits"}, userAuth, http.StatusForbidden},
		{"register is open", http.MethodPost, "/api/register", RegisterRequest{Name: "x", Email: "x@example.com", InvitationCode: "PT-NOPE"}, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := []string{IdempotencyKeyHeader, "k-" + tt.name}
			if tt.auth != "" {
				headers = append(headers, "Authorization", tt.auth)
			}
			rec := env.do(tt.method, tt.path, tt.body, headers...)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAuth_OTPFlow(t *testing.T) {
	// GIVEN: OTP over miniredis and a sender that captures the code
	// WHEN: A code is requested, a wrong code tried, then the right one
	// THEN: Only the right code yields a usable session

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctrl := gomock.NewController(t)
	sender := auth.NewMockSender(ctrl)
	var sent string
	sender.EXPECT().Send(gomock.Any(), "ana@example.com", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, code string) error {
			sent = code
			return nil
		})

	env, _ := newAuthEnv(t, func(h *Handler) {
		h.OTP = auth.NewOTPService(client, sender, time.Minute, zap.NewNop())
	})
	a, err := env.mem.CreateAccount(context.Background(), credit.Account{Name: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/api/auth/otp", OTPRequest{AccountID: int64(a.ID)})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, sent, 6)

	wrong := "000000"
	if sent == wrong {
		wrong = "111111"
	}
	rec = env.do(http.MethodPost, "/api/auth/otp/verify", OTPVerifyRequest{AccountID: int64(a.ID), Code: wrong})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/api/auth/otp/verify", OTPVerifyRequest{AccountID: int64(a.ID), Code: sent})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode[SessionDTO](t, rec)

	rec = env.do(http.MethodGet, "/api/accounts/1", nil, "Authorization", "Bearer "+session.Token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/auth/otp/verify", OTPVerifyRequest{AccountID: int64(a.ID), Code: sent})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "codes are single use")
}

func TestAuth_OTPNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil, RouterOptions{})
	rec := env.do(http.MethodPost, "/api/auth/otp", OTPRequest{AccountID: 1})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
