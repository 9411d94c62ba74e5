// Package auth verifies auth-service access tokens locally with the
// project's JWT secret, skipping the round trip GetUser makes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

var (
	ErrNoSecret     = errors.New("JWT secret not initialized")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier checks HS256 access tokens signed with a shared secret
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns a verifier for secret
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// WithClock returns a copy of v that reads the time from now
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	c := *v
	c.now = now
	return &c
}

// Verify validates the signature and expiry of tokenString and returns its
// claims. Tokens without an expiry or subject are rejected.
func (v *Verifier) Verify(tokenString string) (*gotrue.AccessTokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &gotrue.AccessTokenClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Sign issues an HS256 token for claims. Only the auth service and test
// doubles of it hold the secret.
func Sign(secret string, claims gotrue.AccessTokenClaims) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
