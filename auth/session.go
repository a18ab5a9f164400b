package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/philtech/credit-engine/credit"
)

const (
	DefaultSessionExpiry = 24 * time.Hour
	issuer               = "philtech-credit-engine"
)

var ErrInvalidToken = errors.New("invalid session token")

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AccountID returns the subject as an account id.
func (c *Claims) AccountID() (credit.AccountID, error) {
	return credit.ParseAccountID(c.Subject)
}

func (c *Claims) IsAdmin() bool { return c.Role == string(credit.RoleAdmin) }

// Sessions signs and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewSessions(secret string, expiry time.Duration) (*Sessions, error) {
	if secret == "" {
		return nil, fmt.Errorf("env JWT_SECRET is not set")
	}
	if expiry <= 0 {
		expiry = DefaultSessionExpiry
	}
	return &Sessions{secret: []byte(secret), expiry: expiry, now: time.Now}, nil
}

// Issue signs a session for a.
func (s *Sessions) Issue(a credit.Account) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.expiry)
	role := a.Role
	if role == "" {
		role = credit.RoleUser
	}
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   a.ID.String(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Parse validates token and returns its claims.
func (s *Sessions) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.AccountID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
