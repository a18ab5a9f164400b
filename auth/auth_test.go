package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/philtech/credit-engine/credit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// =============================================================================
// OTP
// =============================================================================

func newTestOTP(t *testing.T) (*OTPService, *MockSender, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sender := NewMockSender(gomock.NewController(t))
	return NewOTPService(client, sender, time.Minute, zap.NewNop()), sender, mr
}

var neo = credit.Account{ID: 7, Email: "neo@example.com"}

// expectCode captures the code handed to the sender.
func expectCode(sender *MockSender, code *string) {
	sender.EXPECT().Send(gomock.Any(), neo.Email, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, c string) error {
			*code = c
			return nil
		})
}

func TestOTP_IssueAndVerify(t *testing.T) {
	svc, sender, mr := newTestOTP(t)
	ctx := context.Background()

	var code string
	expectCode(sender, &code)
	require.NoError(t, svc.Issue(ctx, neo))
	assert.Len(t, code, 6)

	assert.True(t, mr.Exists("otp:7"))
	assert.NotEqual(t, code, mr.HGet("otp:7", "hash"), "only the hash is stored")

	require.NoError(t, svc.Verify(ctx, neo.ID, code))
	assert.False(t, mr.Exists("otp:7"), "code is single use")
	assert.ErrorIs(t, svc.Verify(ctx, neo.ID, code), ErrInvalidOTP)
}

func TestOTP_Expires(t *testing.T) {
	svc, sender, mr := newTestOTP(t)
	ctx := context.Background()

	var code string
	expectCode(sender, &code)
	require.NoError(t, svc.Issue(ctx, neo))

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, svc.Verify(ctx, neo.ID, code), ErrInvalidOTP)
}

func TestOTP_LockedAfterMaxAttempts(t *testing.T) {
	// GIVEN: A pending code
	// WHEN: Wrong codes are tried MaxAttempts times
	// THEN: The record is gone and even the right code fails

	svc, sender, mr := newTestOTP(t)
	ctx := context.Background()

	var code string
	expectCode(sender, &code)
	require.NoError(t, svc.Issue(ctx, neo))

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 1; i < MaxAttempts; i++ {
		assert.ErrorIs(t, svc.Verify(ctx, neo.ID, wrong), ErrInvalidOTP)
	}
	assert.ErrorIs(t, svc.Verify(ctx, neo.ID, wrong), ErrOTPLocked)
	assert.False(t, mr.Exists("otp:7"))
	assert.ErrorIs(t, svc.Verify(ctx, neo.ID, code), ErrInvalidOTP)
}

func TestOTP_NoEmail(t *testing.T) {
	svc, _, _ := newTestOTP(t)
	err := svc.Issue(context.Background(), credit.Account{ID: 1})
	assert.ErrorIs(t, err, credit.ErrValidation)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessions_RoundTrip(t *testing.T) {
	s, err := NewSessions("secret", time.Hour)
	require.NoError(t, err)

	token, exp, err := s.Issue(credit.Account{ID: 42, Role: credit.RoleAdmin})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := s.Parse(token)
	require.NoError(t, err)
	id, err := claims.AccountID()
	require.NoError(t, err)
	assert.Equal(t, credit.AccountID(42), id)
	assert.True(t, claims.IsAdmin())
}

func TestSessions_Rejects(t *testing.T) {
	s, err := NewSessions("secret", time.Hour)
	require.NoError(t, err)
	other, err := NewSessions("other-secret", time.Hour)
	require.NoError(t, err)

	token, _, err := other.Issue(credit.Account{ID: 1})
	require.NoError(t, err)
	_, err = s.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, _, err = s.Issue(credit.Account{ID: 1})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewSessions("", time.Hour)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	s, err := NewSessions("secret", time.Hour)
	require.NoError(t, err)
	user, _, err := s.Issue(credit.Account{ID: 5})
	require.NoError(t, err)
	admin, _, err := s.Issue(credit.Account{ID: 6, Role: credit.RoleAdmin})
	require.NoError(t, err)

	var seen *Claims
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	do := func(h http.Handler, token string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	optional := Middleware(s, false)(ok)
	assert.Equal(t, http.StatusNoContent, do(optional, ""))
	assert.Nil(t, seen)
	assert.Equal(t, http.StatusUnauthorized, do(optional, "garbage"))
	assert.Equal(t, http.StatusNoContent, do(optional, user))
	require.NotNil(t, seen)
	assert.Equal(t, "5", seen.Subject)

	required := Middleware(s, true)(ok)
	assert.Equal(t, http.StatusUnauthorized, do(required, ""))

	adminOnly := Middleware(s, false)(RequireAdmin(ok))
	assert.Equal(t, http.StatusUnauthorized, do(adminOnly, ""))
	assert.Equal(t, http.StatusForbidden, do(adminOnly, user))
	assert.Equal(t, http.StatusNoContent, do(adminOnly, admin))
}
