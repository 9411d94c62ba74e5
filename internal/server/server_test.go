package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchd-dev/sessionbridge/internal/config"
	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/gotrue/gotruetest"
	"github.com/branchd-dev/sessionbridge/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts ...func(*config.Config)) (*Server, *gotruetest.Server) {
	t.Helper()

	auth := gotruetest.New(t)
	cfg := &config.Config{
		Auth:     config.AuthConfig{URL: auth.URL, AnonKey: auth.Key},
		HTTP:     config.HTTPConfig{Address: "127.0.0.1:0", CORSOrigins: []string{"http://localhost:3000"}},
		Database: config.DatabaseConfig{URL: filepath.Join(t.TempDir(), "test.sqlite")},
		Logging:  config.LoggingConfig{Level: "error", Format: "json"},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	s, err := New(cfg, zerolog.Nop(), "test")
	require.NoError(t, err)
	t.Cleanup(s.closeDB)
	return s, auth
}

func do(s *Server, method, path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server, auth *gotruetest.Server) []*http.Cookie {
	t.Helper()
	auth.AddUser("ada@example.com", "correct horse")

	w := do(s, http.MethodPost, "/auth/login", LoginRequest{Email: "ada@example.com", Password: "correct horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"online"`)
}

func TestLogin(t *testing.T) {
	s, auth := newTestServer(t)
	cookies := login(t, s, auth)

	for _, c := range cookies {
		assert.Equal(t, "/", c.Path)
		assert.False(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	}

	var events []models.AuthEvent
	require.NoError(t, s.GetDB().Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "SIGNED_IN", events[0].Event)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	s, auth := newTestServer(t)
	auth.AddUser("ada@example.com", "correct horse")

	w := do(s, http.MethodPost, "/auth/login", LoginRequest{Email: "ada@example.com", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Result().Cookies())
}

func TestLogin_BadRequest(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/auth/login", map[string]string{"email": "not-an-email"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCurrentUser(t *testing.T) {
	s, auth := newTestServer(t)

	w := do(s, http.MethodGet, "/api/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cookies := login(t, s, auth)
	w = do(s, http.MethodGet, "/api/me", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CurrentUserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ada@example.com", resp.User.Email)
	assert.Equal(t, resp.User.ID, resp.Profile.UserID)
}

func withJWTSecret(secret string) func(*config.Config) {
	return func(cfg *config.Config) { cfg.Auth.JWTSecret = secret }
}

func TestCurrentUser_LocalVerification(t *testing.T) {
	s, auth := newTestServer(t, withJWTSecret(gotruetest.JWTSecret))
	cookies := login(t, s, auth)

	w := do(s, http.MethodGet, "/api/me", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	// Only the edge bridge asks the auth service
	assert.Equal(t, 1, auth.Calls(gotruetest.EndpointUser))
}

func TestCurrentUser_LocalVerificationRejectsForeignToken(t *testing.T) {
	s, auth := newTestServer(t, withJWTSecret("a-different-secret-that-is-long-enough"))
	cookies := login(t, s, auth)

	w := do(s, http.MethodGet, "/api/me", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCurrentUser_LocalVerificationIgnoresEditedCookieUser(t *testing.T) {
	s, auth := newTestServer(t, withJWTSecret(gotruetest.JWTSecret))
	cookies := login(t, s, auth)
	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	key := gotrue.DefaultStorageKey(u)

	var edited []*http.Cookie
	for _, c := range cookies {
		if c.Name != key {
			edited = append(edited, c)
			continue
		}
		data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(c.Value, "base64-"))
		require.NoError(t, err)

		var session gotrue.Session
		require.NoError(t, json.Unmarshal(data, &session))
		require.NotNil(t, session.User)
		session.User.Email = "ceo@victim.example"
		session.User.AppMetadata = map[string]any{"role": "admin"}

		data, err = json.Marshal(session)
		require.NoError(t, err)
		edited = append(edited, &http.Cookie{Name: key, Value: "base64-" + base64.RawURLEncoding.EncodeToString(data)})
	}

	w := do(s, http.MethodGet, "/api/me", nil, edited)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CurrentUserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ada@example.com", resp.User.Email)
	assert.Empty(t, resp.User.AppMetadata)
	assert.Equal(t, "ada@example.com", resp.Profile.Email)
	assert.NotContains(t, w.Body.String(), "victim")
}

func TestSession(t *testing.T) {
	s, auth := newTestServer(t)

	w := do(s, http.MethodGet, "/api/session", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())

	cookies := login(t, s, auth)
	w = do(s, http.MethodGet, "/api/session", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ada@example.com", resp.User.Email)
	assert.NotContains(t, w.Body.String(), "refresh_token")
}

func TestLogout(t *testing.T) {
	s, auth := newTestServer(t)
	cookies := login(t, s, auth)

	w := do(s, http.MethodPost, "/auth/logout", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)

	cleared := w.Result().Cookies()
	require.Len(t, cleared, len(cookies))
	for _, c := range cleared {
		assert.Empty(t, c.Value)
		assert.Equal(t, -1, c.MaxAge)
	}
	assert.Equal(t, 1, auth.Calls(gotruetest.EndpointLogout))

	var count int64
	require.NoError(t, s.GetDB().Model(&models.AuthEvent{}).Where("event = ?", "SIGNED_OUT").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRevokedSessionIsRejected(t *testing.T) {
	s, auth := newTestServer(t)
	cookies := login(t, s, auth)
	auth.RevokeAll()

	w := do(s, http.MethodGet, "/api/me", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUndecodableSessionCookieIsCleared(t *testing.T) {
	s, auth := newTestServer(t)
	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	bad := &http.Cookie{Name: gotrue.DefaultStorageKey(u), Value: "base64-***"}

	w := do(s, http.MethodGet, "/api/session", nil, []*http.Cookie{bad})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "null", w.Body.String())

	cleared := w.Result().Cookies()
	require.NotEmpty(t, cleared)
	assert.Equal(t, bad.Name, cleared[0].Name)
	assert.Equal(t, -1, cleared[0].MaxAge)

	w = do(s, http.MethodPost, "/rpc/auth.getSession", nil, []*http.Cookie{bad})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Values("Set-Cookie"), bad.Name+"=; Path=/; Max-Age=0; SameSite=Lax")
}

func TestRPCRouteMounted(t *testing.T) {
	s, auth := newTestServer(t)
	cookies := login(t, s, auth)

	w := do(s, http.MethodPost, "/rpc/profile.update", map[string]any{"input": map[string]string{"display_name": "Ada"}}, cookies)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"display_name":"Ada"`)
}

func TestNew_InvalidRetentionSchedule(t *testing.T) {
	auth := gotruetest.New(t)
	cfg := &config.Config{
		Auth:      config.AuthConfig{URL: auth.URL, AnonKey: auth.Key},
		Database:  config.DatabaseConfig{URL: filepath.Join(t.TempDir(), "test.sqlite")},
		Retention: config.RetentionConfig{Schedule: "nightly", Days: 30},
	}

	_, err := New(cfg, zerolog.Nop(), "test")
	assert.Error(t, err)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/rpc/auth.getSession", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Retention = config.RetentionConfig{Schedule: "0 3 * * *", Days: 30}
	})
	require.NotNil(t, s.retention)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
