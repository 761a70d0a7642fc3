// Package access mints bearer tokens for paid sessions and gates HTTP resources on them.
package access

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"meterpay/backend/services/meter-server/internal/session"
)

const minSecretLength = 16

var (
	ErrConfiguration = errors.New("access: invalid configuration")
	ErrInvalidToken  = errors.New("access: invalid token")
)

// Claims is the payload of a session access token.
type Claims struct {
	SessionID  string `json:"sid"`
	UserID     string `json:"user_id"`
	ResourceID string `json:"resource_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret    []byte
	issuer    string
	expiresIn time.Duration
	now       func() time.Time
}

// NewTokenService returns configured token service. Tokens expire after expiresIn, which
// should cover the longest possible session.
func NewTokenService(secret, issuer string, expiresIn time.Duration) (*TokenService, error) {
	if len(strings.TrimSpace(secret)) < minSecretLength {
		return nil, fmt.Errorf("%w: token secret must be at least %d characters", ErrConfiguration, minSecretLength)
	}
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, expiresIn: expiresIn, now: time.Now}, nil
}

// Issue signs a token for a freshly paid session.
func (t *TokenService) Issue(s session.Snapshot) (string, error) {
	if s.ID == "" {
		return "", errors.New("access: session id is required")
	}

	now := t.now().UTC()
	claims := Claims{
		SessionID:  s.ID,
		UserID:     s.UserID,
		ResourceID: s.ResourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate verifies and decodes a token.
func (t *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("access: unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithIssuer(t.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session", ErrInvalidToken)
	}
	return claims, nil
}
