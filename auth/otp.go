/*
Package auth issues one-time passwords and session tokens.

OTP RECORDS:
  A code lives in Redis as a hash under otp:<account id> with a TTL:
    hash      bcrypt of the 6-digit code
    attempts  failed verifications so far
  After MaxAttempts failures the record is deleted and a new code must be
  requested. Nothing is held in process memory, so any replica can verify
  a code issued by another.

SESSIONS:
  HS256 JWTs, subject = account id, role claim. See session.go.
*/
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

//go:generate mockgen -destination=./mock_sender.go -package=auth . Sender

const (
	DefaultOTPTTL = 5 * time.Minute
	MaxAttempts   = 5
	codeDigits    = 6
)

var (
	ErrInvalidOTP = errors.New("invalid or expired one-time password")
	ErrOTPLocked  = errors.New("too many failed attempts, request a new code")
	ErrNoEmail    = errors.New("account has no email address")
)

// Sender delivers a code to the account holder.
type Sender interface {
	Send(ctx context.Context, to, code string) error
}

// LogSender writes codes to the log. Development only.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, to, code string) error {
	s.Logger.Info("one-time password", zap.String("to", to), zap.String("code", code))
	return nil
}

type OTPService struct {
	client *redis.Client
	sender Sender
	ttl    time.Duration
	logger *zap.Logger
}

func NewOTPService(client *redis.Client, sender Sender, ttl time.Duration, logger *zap.Logger) *OTPService {
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	return &OTPService{client: client, sender: sender, ttl: ttl, logger: logger}
}

func otpKey(id credit.AccountID) string { return "otp:" + id.String() }

// Issue replaces any pending code for a and sends a new one to its email.
func (s *OTPService) Issue(ctx context.Context, a credit.Account) error {
	if a.Email == "" {
		return &credit.ValidationError{Field: "email", Message: ErrNoEmail.Error()}
	}
	code, err := generateCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash otp: %w", err)
	}

	key := otpKey(a.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "hash", string(hash), "attempts", 0)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store otp: %w", err)
	}

	if err := s.sender.Send(ctx, a.Email, code); err != nil {
		s.client.Del(ctx, key)
		return fmt.Errorf("send otp: %w", err)
	}
	s.logger.Info("otp issued", zap.Int64("account_id", int64(a.ID)))
	return nil
}

// Verify consumes the pending code for id when code matches.
func (s *OTPService) Verify(ctx context.Context, id credit.AccountID, code string) error {
	key := otpKey(id)
	rec, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load otp: %w", err)
	}
	if len(rec) == 0 {
		return ErrInvalidOTP
	}

	attempts, _ := strconv.Atoi(rec["attempts"])
	if attempts >= MaxAttempts {
		s.client.Del(ctx, key)
		return ErrOTPLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(rec["hash"]), []byte(code)) != nil {
		n, err := s.client.HIncrBy(ctx, key, "attempts", 1).Result()
		if err != nil {
			return fmt.Errorf("count otp attempt: %w", err)
		}
		if n >= MaxAttempts {
			s.client.Del(ctx, key)
			s.logger.Warn("otp locked after failed attempts", zap.Int64("account_id", int64(id)))
			return ErrOTPLocked
		}
		return ErrInvalidOTP
	}

	// Del reports 0 when a concurrent Verify consumed the code first.
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("consume otp: %w", err)
	}
	if n == 0 {
		return ErrInvalidOTP
	}
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
