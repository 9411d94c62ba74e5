// Package gotruetest provides an in-process identity service for tests. It
// implements the password and refresh_token grants, the user endpoint and
// logout, signing HS256 access tokens.
package gotruetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/branchd-dev/sessionbridge/internal/auth"
	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

const (
	DefaultKey = "test-anon-key"

	EndpointPasswordGrant = "token:password"
	EndpointRefreshGrant  = "token:refresh_token"
	EndpointUser          = "user"
	EndpointUpdateUser    = "user:update"
	EndpointLogout        = "logout"
)

// JWTSecret signs every access token the server issues.
const JWTSecret = "gotruetest-secret-with-at-least-32-characters"

type account struct {
	user     gotrue.User
	password string
}

// Server is a fake identity service. Its URL is usable as the client URL.
type Server struct {
	*httptest.Server

	Key      string
	TokenTTL time.Duration

	mu            sync.Mutex
	now           func() time.Time
	accounts      map[string]*account // by email
	sessions      map[string]string   // session id -> email
	refreshTokens map[string]string   // refresh token -> session id
	calls         map[string]int
	failures      map[string]int
	seq           int
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Key:           DefaultKey,
		TokenTTL:      time.Hour,
		now:           time.Now,
		accounts:      make(map[string]*account),
		sessions:      make(map[string]string),
		refreshTokens: make(map[string]string),
		calls:         make(map[string]int),
		failures:      make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// SetNow overrides the clock used to issue and validate tokens.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddUser registers an account that can sign in with password.
func (s *Server) AddUser(email, password string) *gotrue.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now().UTC()
	acc := &account{
		user: gotrue.User{
			ID:        strings.ToLower(ulid.Make().String()),
			Aud:       "authenticated",
			Role:      "authenticated",
			Email:     email,
			CreatedAt: &created,
		},
		password: password,
	}
	s.accounts[email] = acc
	u := acc.user
	return &u
}

// IssueSession mints a session for email without going through HTTP.
func (s *Server) IssueSession(email string) *gotrue.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[email]
	if !ok {
		panic(fmt.Sprintf("gotruetest: unknown user %q", email))
	}
	session, err := s.issueLocked(acc, "")
	if err != nil {
		panic(err)
	}
	return session
}

// Calls returns how many requests reached endpoint.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// FailNext makes the next request to endpoint answer with status.
func (s *Server) FailNext(endpoint string, status int) {
	s.mu.Lock()
	s.failures[endpoint] = status
	s.mu.Unlock()
}

// RevokeAll forgets every session and refresh token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	s.sessions = make(map[string]string)
	s.refreshTokens = make(map[string]string)
	s.mu.Unlock()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != s.Key {
		writeError(w, http.StatusUnauthorized, "no_api_key", "Invalid API key")
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/token":
		endpoint := "token:" + r.URL.Query().Get("grant_type")
		if s.failed(w, endpoint) {
			return
		}
		switch r.URL.Query().Get("grant_type") {
		case "password":
			s.passwordGrant(w, r)
		case "refresh_token":
			s.refreshGrant(w, r)
		default:
			writeError(w, http.StatusBadRequest, "validation_failed", "unsupported grant_type")
		}
	case r.Method == http.MethodGet && r.URL.Path == "/auth/v1/user":
		if s.failed(w, EndpointUser) {
			return
		}
		s.getUser(w, r)
	case r.Method == http.MethodPut && r.URL.Path == "/auth/v1/user":
		if s.failed(w, EndpointUpdateUser) {
			return
		}
		s.updateUser(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/logout":
		if s.failed(w, EndpointLogout) {
			return
		}
		s.logout(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

func (s *Server) failed(w http.ResponseWriter, endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[endpoint]++
	status, ok := s.failures[endpoint]
	if !ok {
		return false
	}
	delete(s.failures, endpoint)
	writeError(w, status, "injected_failure", "injected failure")
	return true
}

func (s *Server) passwordGrant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[body.Email]
	if !ok || acc.password != body.Password {
		writeError(w, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
		return
	}

	session, err := s.issueLocked(acc, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) refreshGrant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.refreshTokens[body.RefreshToken]
	if !ok {
		writeError(w, http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token: Refresh Token Not Found")
		return
	}
	delete(s.refreshTokens, body.RefreshToken)

	acc := s.accounts[s.sessions[sessionID]]
	session, err := s.issueLocked(acc, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.authenticateLocked(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}
	writeJSON(w, http.StatusOK, acc.user)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	var attrs gotrue.UserAttributes
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.authenticateLocked(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}

	if attrs.Password != "" {
		acc.password = attrs.Password
	}
	if len(attrs.Data) > 0 {
		if acc.user.UserMetadata == nil {
			acc.user.UserMetadata = make(map[string]any)
		}
		for k, v := range attrs.Data {
			acc.user.UserMetadata[k] = v
		}
	}
	updated := s.now().UTC()
	acc.user.UpdatedAt = &updated
	writeJSON(w, http.StatusOK, acc.user)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claims, ok := s.claimsLocked(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}

	delete(s.sessions, claims.SessionID)
	for token, id := range s.refreshTokens {
		if id == claims.SessionID {
			delete(s.refreshTokens, token)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authenticateLocked(r *http.Request) (*account, bool) {
	claims, ok := s.claimsLocked(r)
	if !ok {
		return nil, false
	}
	email, ok := s.sessions[claims.SessionID]
	if !ok {
		return nil, false
	}
	acc, ok := s.accounts[email]
	return acc, ok
}

func (s *Server) claimsLocked(r *http.Request) (*gotrue.AccessTokenClaims, bool) {
	raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || raw == "" {
		return nil, false
	}

	claims := &gotrue.AccessTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	return claims, true
}

func (s *Server) issueLocked(acc *account, sessionID string) (*gotrue.Session, error) {
	s.seq++
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", s.seq)
		s.sessions[sessionID] = acc.user.Email
	}

	now := s.now()
	expiresAt := now.Add(s.TokenTTL)
	claims := gotrue.AccessTokenClaims{
		Email:        acc.user.Email,
		Phone:        acc.user.Phone,
		Role:         acc.user.Role,
		SessionID:    sessionID,
		AppMetadata:  acc.user.AppMetadata,
		UserMetadata: acc.user.UserMetadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.user.ID,
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	accessToken, err := auth.Sign(JWTSecret, claims)
	if err != nil {
		return nil, err
	}

	refreshToken := fmt.Sprintf("refresh-%d", s.seq)
	s.refreshTokens[refreshToken] = sessionID

	user := acc.user
	return &gotrue.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.TokenTTL / time.Second),
		ExpiresAt:    expiresAt.Unix(),
		User:         &user,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"code":       status,
		"error_code": code,
		"msg":        msg,
	})
}
