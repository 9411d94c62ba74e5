package gotrue

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is the identity record returned by the auth service.
type User struct {
	ID           string         `json:"id"`
	Aud          string         `json:"aud,omitempty"`
	Role         string         `json:"role,omitempty"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    *time.Time     `json:"created_at,omitempty"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
	LastSignInAt *time.Time     `json:"last_sign_in_at,omitempty"`
}

// UserAttributes are the mutable fields accepted by UpdateUser.
type UserAttributes struct {
	Email    string         `json:"email,omitempty"`
	Password string         `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Session is the token state of a signed-in user. The client never looks
// inside beyond what is needed to decide whether a refresh is due.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
	User         *User  `json:"user,omitempty"`
}

// ExpiresWithin reports whether the access token expires before now+margin.
// Sessions without a known expiry never report expiring.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if s.ExpiresAt == 0 {
		return false
	}
	return !time.Unix(s.ExpiresAt, 0).After(now.Add(margin))
}

// AccessTokenClaims is the subset of access token claims the client reads.
type AccessTokenClaims struct {
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Role         string         `json:"role,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// User builds the identity the token was issued for. Only signed claims
// are used, so once the signature is verified the result can be trusted.
func (c *AccessTokenClaims) User() *User {
	user := &User{
		ID:           c.Subject,
		Role:         c.Role,
		Email:        c.Email,
		Phone:        c.Phone,
		AppMetadata:  c.AppMetadata,
		UserMetadata: c.UserMetadata,
	}
	if len(c.Audience) > 0 {
		user.Aud = c.Audience[0]
	}
	return user
}

// ParseAccessToken decodes access token claims without verifying the
// signature. Verification is the auth service's job (GetUser); the client
// only needs the expiry and subject.
func ParseAccessToken(token string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}
	return claims, nil
}
