// Package gotrue is a client for a GoTrue-compatible identity service (the
// auth API behind Supabase). One Client owns one session: create a client
// per CLI process or per inbound server request, never share one across
// requests.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Sessions expiring within this window are refreshed on read.
	ExpiryMargin = 90 * time.Second

	apiPath          = "/auth/v1"
	storageKeyFormat = "sb-%s-auth-token"
	defaultTimeout   = 30 * time.Second
)

// Options configures a Client. URL and Key are required.
type Options struct {
	URL string
	Key string

	// Storage holds the serialized session. Defaults to a MemoryStorage.
	Storage Storage
	// StorageKey overrides the derived "sb-<project-ref>-auth-token" key.
	StorageKey string

	HTTPClient *http.Client
	Logger     *zerolog.Logger

	// DisableAutoRefresh stops GetSession from refreshing sessions that are
	// about to expire.
	DisableAutoRefresh bool

	Now func() time.Time
}

// Client talks to the identity service and keeps the current session in
// its Storage.
type Client struct {
	baseURL     string
	key         string
	storage     Storage
	storageKey  string
	httpClient  *http.Client
	logger      zerolog.Logger
	autoRefresh bool
	now         func() time.Time

	// mu serializes reads and writes of the stored session so concurrent
	// callers never race a refresh token rotation.
	mu        sync.Mutex
	listeners listenerRegistry
}

// New builds a client. It performs no network I/O.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, &ConfigError{Field: "URL", Err: ErrMissingURL}
	}
	if strings.TrimSpace(opts.Key) == "" {
		return nil, &ConfigError{Field: "Key", Err: ErrMissingKey}
	}

	u, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ConfigError{Field: "URL", Err: fmt.Errorf("%w: %q", ErrInvalidURL, opts.URL)}
	}

	storageKey := opts.StorageKey
	if storageKey == "" {
		storageKey = DefaultStorageKey(u)
	}

	storage := opts.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "gotrue").Logger()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		baseURL:     strings.TrimRight(u.String(), "/") + apiPath,
		key:         opts.Key,
		storage:     storage,
		storageKey:  storageKey,
		httpClient:  httpClient,
		logger:      logger,
		autoRefresh: !opts.DisableAutoRefresh,
		now:         now,
	}, nil
}

// DefaultStorageKey derives the session key from the first DNS label of the
// service host, e.g. https://abcd.supabase.co -> sb-abcd-auth-token.
func DefaultStorageKey(u *url.URL) string {
	ref := strings.Split(u.Hostname(), ".")[0]
	return fmt.Sprintf(storageKeyFormat, ref)
}

// StorageKey returns the key the session is stored under.
func (c *Client) StorageKey() string {
	return c.storageKey
}

// OnAuthStateChange registers fn for sign-in, sign-out, refresh and user
// update events.
func (c *Client) OnAuthStateChange(fn Listener) *Subscription {
	return c.listeners.add(fn)
}

// GetSession returns the stored session, refreshing it first when it is
// about to expire. A nil session with a nil error means signed out.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	session, event, err := c.currentSessionLocked(ctx)
	c.mu.Unlock()

	c.emit(event, session)
	return session, err
}

// GetUser validates the current access token against the service and
// returns the user it belongs to.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionMissing
	}

	var user User
	err = c.do(ctx, http.MethodGet, "/user", nil, session.AccessToken, nil, &user)
	if IsAPIError(err, http.StatusUnauthorized, http.StatusForbidden) {
		// The service no longer recognizes the token: drop it so the next
		// read reports signed out.
		c.mu.Lock()
		removeErr := c.removeSessionLocked()
		c.mu.Unlock()
		if removeErr == nil {
			c.emit(EventSignedOut, nil)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// RefreshSession exchanges the stored refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	current, err := c.loadSessionLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if current == nil {
		c.mu.Unlock()
		return nil, ErrSessionMissing
	}
	session, event, err := c.refreshLocked(ctx, current.RefreshToken)
	c.mu.Unlock()

	c.emit(event, session)
	return session, err
}

// SignInWithPassword exchanges email and password for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}

	session, err := c.tokenRequest(ctx, "password", body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	err = c.saveSessionLocked(session)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.logger.Info().Str("user_id", userID(session)).Msg("Signed in")
	c.emit(EventSignedIn, session)
	return session, nil
}

// SetSession installs an externally obtained token pair. An expired access
// token is refreshed immediately, otherwise the user is fetched with it.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, ErrSessionMissing
	}

	claims, err := ParseAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	var expiresAt int64
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Unix()
	}

	if expiresAt != 0 && !time.Unix(expiresAt, 0).After(c.now()) {
		c.mu.Lock()
		session, event, err := c.refreshLocked(ctx, refreshToken)
		c.mu.Unlock()
		c.emit(event, session)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	var user User
	if err := c.do(ctx, http.MethodGet, "/user", nil, accessToken, nil, &user); err != nil {
		return nil, err
	}

	session := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		User:         &user,
	}
	if expiresAt != 0 {
		session.ExpiresIn = expiresAt - c.now().Unix()
	}

	c.mu.Lock()
	err = c.saveSessionLocked(session)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.emit(EventSignedIn, session)
	return session, nil
}

// UpdateUser changes the signed-in user's attributes.
func (c *Client) UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionMissing
	}

	var user User
	if err := c.do(ctx, http.MethodPut, "/user", nil, session.AccessToken, attrs, &user); err != nil {
		return nil, err
	}

	updated := *session
	updated.User = &user

	c.mu.Lock()
	err = c.saveSessionLocked(&updated)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.emit(EventUserUpdated, &updated)
	return &user, nil
}

// SignOut revokes the session on the service and removes it locally. A
// session the service already forgot (401, 403, 404) is still removed.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session, err := c.loadSessionLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if session != nil {
		err := c.do(ctx, http.MethodPost, "/logout", nil, session.AccessToken, nil, nil)
		if err != nil && !IsAPIError(err, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound) {
			c.mu.Unlock()
			return err
		}
	}

	err = c.removeSessionLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Info().Str("user_id", userID(session)).Msg("Signed out")
	c.emit(EventSignedOut, nil)
	return nil
}

func (c *Client) currentSessionLocked(ctx context.Context) (*Session, AuthChangeEvent, error) {
	session, err := c.loadSessionLocked()
	if err != nil || session == nil {
		return nil, "", err
	}

	if !c.autoRefresh || !session.ExpiresWithin(c.now(), ExpiryMargin) {
		return session, "", nil
	}

	if session.RefreshToken == "" {
		return session, "", nil
	}

	c.logger.Debug().Str("user_id", userID(session)).Msg("Session about to expire, refreshing")
	return c.refreshLocked(ctx, session.RefreshToken)
}

func (c *Client) refreshLocked(ctx context.Context, refreshToken string) (*Session, AuthChangeEvent, error) {
	body := map[string]string{"refresh_token": refreshToken}

	session, err := c.tokenRequest(ctx, "refresh_token", body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			// Rejected refresh token: the session is unrecoverable.
			c.logger.Warn().Err(err).Msg("Refresh token rejected, removing session")
			if removeErr := c.removeSessionLocked(); removeErr != nil {
				return nil, "", removeErr
			}
			return nil, EventSignedOut, err
		}
		return nil, "", err
	}

	if err := c.saveSessionLocked(session); err != nil {
		return nil, "", err
	}
	return session, EventTokenRefreshed, nil
}

func (c *Client) tokenRequest(ctx context.Context, grantType string, body any) (*Session, error) {
	var session Session
	query := url.Values{"grant_type": []string{grantType}}
	if err := c.do(ctx, http.MethodPost, "/token", query, "", body, &session); err != nil {
		return nil, err
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("token response for %s grant carried no access token", grantType)
	}
	if session.ExpiresAt == 0 && session.ExpiresIn > 0 {
		session.ExpiresAt = c.now().Unix() + session.ExpiresIn
	}
	return &session, nil
}

func (c *Client) loadSessionLocked() (*Session, error) {
	raw, ok, err := c.storage.GetItem(c.storageKey)
	if errors.Is(err, ErrCorruptItem) {
		return nil, c.discardSessionLocked(err)
	}
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.AccessToken == "" {
		return nil, c.discardSessionLocked(err)
	}
	return &session, nil
}

func (c *Client) discardSessionLocked(cause error) error {
	c.logger.Warn().Err(cause).Str("key", c.storageKey).Msg("Discarding unreadable stored session")
	return c.storage.RemoveItem(c.storageKey)
}

func (c *Client) saveSessionLocked(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return c.storage.SetItem(c.storageKey, string(data))
}

func (c *Client) removeSessionLocked() error {
	return c.storage.RemoveItem(c.storageKey)
}

func (c *Client) emit(event AuthChangeEvent, session *Session) {
	if event == "" {
		return
	}
	c.logger.Debug().Str("event", string(event)).Msg("Auth state changed")
	c.listeners.notify(event, session)
}

// do sends one request to the service. Transport errors are returned as-is.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if token == "" {
		token = c.key
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func userID(session *Session) string {
	if session == nil || session.User == nil {
		return ""
	}
	return session.User.ID
}
