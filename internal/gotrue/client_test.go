package gotrue_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/gotrue/gotruetest"
)

type recordedEvent struct {
	event   gotrue.AuthChangeEvent
	session *gotrue.Session
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) listen(event gotrue.AuthChangeEvent, session *gotrue.Session) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{event: event, session: session})
	r.mu.Unlock()
}

func (r *eventRecorder) names() []gotrue.AuthChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]gotrue.AuthChangeEvent, len(r.events))
	for i, e := range r.events {
		names[i] = e.event
	}
	return names
}

func newClient(t *testing.T, srv *gotruetest.Server, storage gotrue.Storage) *gotrue.Client {
	t.Helper()
	client, err := gotrue.New(gotrue.Options{URL: srv.URL, Key: srv.Key, Storage: storage})
	require.NoError(t, err)
	return client
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    gotrue.Options
		wantErr error
	}{
		{name: "missing url", opts: gotrue.Options{Key: "k"}, wantErr: gotrue.ErrMissingURL},
		{name: "missing key", opts: gotrue.Options{URL: "https://abc.supabase.co"}, wantErr: gotrue.ErrMissingKey},
		{name: "relative url", opts: gotrue.Options{URL: "abc.supabase.co", Key: "k"}, wantErr: gotrue.ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gotrue.New(tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var cfgErr *gotrue.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestDefaultStorageKey(t *testing.T) {
	u, err := url.Parse("https://abcdefgh.supabase.co")
	require.NoError(t, err)
	assert.Equal(t, "sb-abcdefgh-auth-token", gotrue.DefaultStorageKey(u))

	client, err := gotrue.New(gotrue.Options{URL: "http://localhost:54321", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "sb-localhost-auth-token", client.StorageKey())
}

func TestGetSession_SignedOut(t *testing.T) {
	srv := gotruetest.New(t)
	client := newClient(t, srv, nil)

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSignInWithPassword(t *testing.T) {
	srv := gotruetest.New(t)
	user := srv.AddUser("ada@example.com", "secret")
	storage := gotrue.NewMemoryStorage()
	client := newClient(t, srv, storage)

	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	session, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	require.NotNil(t, session.User)
	assert.Equal(t, user.ID, session.User.ID)
	assert.NotZero(t, session.ExpiresAt)

	raw, ok, err := storage.GetItem(client.StorageKey())
	require.NoError(t, err)
	require.True(t, ok)
	var stored gotrue.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, session.AccessToken, stored.AccessToken)

	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedIn}, rec.names())

	current, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.AccessToken, current.AccessToken)
}

func TestSignInWithPassword_InvalidCredentials(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "wrong")
	require.Error(t, err)

	var apiErr *gotrue.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_credentials", apiErr.Code)
	assert.Equal(t, "Invalid login credentials", apiErr.Message)
}

func TestGetSession_RefreshesExpiringSession(t *testing.T) {
	srv := gotruetest.New(t)
	srv.TokenTTL = 30 * time.Second // inside the expiry margin
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	first, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	refreshed, err := client.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.NotEqual(t, first.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, 1, srv.Calls(gotruetest.EndpointRefreshGrant))
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedIn, gotrue.EventTokenRefreshed}, rec.names())
}

func TestGetSession_NoRefreshWhenDisabled(t *testing.T) {
	srv := gotruetest.New(t)
	srv.TokenTTL = 30 * time.Second
	srv.AddUser("ada@example.com", "secret")

	client, err := gotrue.New(gotrue.Options{URL: srv.URL, Key: srv.Key, DisableAutoRefresh: true})
	require.NoError(t, err)

	first, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	current, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, current.RefreshToken)
	assert.Zero(t, srv.Calls(gotruetest.EndpointRefreshGrant))
}

func TestGetSession_RejectedRefreshSignsOut(t *testing.T) {
	srv := gotruetest.New(t)
	srv.TokenTTL = 30 * time.Second
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	srv.RevokeAll()
	session, err := client.GetSession(context.Background())
	require.Error(t, err)
	assert.Nil(t, session)
	assert.True(t, gotrue.IsAPIError(err, http.StatusBadRequest))
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedOut}, rec.names())

	session, err = client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestGetSession_ServerErrorKeepsSession(t *testing.T) {
	srv := gotruetest.New(t)
	srv.TokenTTL = 30 * time.Second
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	first, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	srv.FailNext(gotruetest.EndpointRefreshGrant, http.StatusBadGateway)
	_, err = client.GetSession(context.Background())
	require.Error(t, err)
	assert.True(t, gotrue.IsAPIError(err, http.StatusBadGateway))

	// The old refresh token survives a transient failure and is used next time.
	current, err := client.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.NotEqual(t, first.RefreshToken, current.RefreshToken)
}

func TestGetSession_DiscardsCorruptStorage(t *testing.T) {
	srv := gotruetest.New(t)
	storage := gotrue.NewMemoryStorage()
	client := newClient(t, srv, storage)
	require.NoError(t, storage.SetItem(client.StorageKey(), "{not json"))

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)

	_, ok, _ := storage.GetItem(client.StorageKey())
	assert.False(t, ok)
}

// undecodableStorage reports its item as corrupt until it is removed.
type undecodableStorage struct {
	*gotrue.MemoryStorage
	removed bool
}

func (s *undecodableStorage) GetItem(key string) (string, bool, error) {
	if s.removed {
		return s.MemoryStorage.GetItem(key)
	}
	return "", false, gotrue.ErrCorruptItem
}

func (s *undecodableStorage) RemoveItem(key string) error {
	s.removed = true
	return s.MemoryStorage.RemoveItem(key)
}

func TestGetSession_DiscardsUndecodableItem(t *testing.T) {
	srv := gotruetest.New(t)
	storage := &undecodableStorage{MemoryStorage: gotrue.NewMemoryStorage()}
	client := newClient(t, srv, storage)

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.True(t, storage.removed)
}

func TestGetUser(t *testing.T) {
	srv := gotruetest.New(t)
	user := srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.GetUser(context.Background())
	assert.ErrorIs(t, err, gotrue.ErrSessionMissing)

	_, err = client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	got, err := client.GetUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "ada@example.com", got.Email)
}

func TestGetUser_RevokedTokenRemovesSession(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	srv.RevokeAll()
	_, err = client.GetUser(context.Background())
	require.True(t, gotrue.IsAPIError(err, http.StatusUnauthorized))
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedOut}, rec.names())

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSetSession(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	issued := srv.IssueSession("ada@example.com")
	client := newClient(t, srv, nil)

	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	session, err := client.SetSession(context.Background(), issued.AccessToken, issued.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, issued.AccessToken, session.AccessToken)
	assert.Equal(t, issued.ExpiresAt, session.ExpiresAt)
	require.NotNil(t, session.User)
	assert.Equal(t, "ada@example.com", session.User.Email)
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedIn}, rec.names())
}

func TestSetSession_ExpiredAccessTokenRefreshes(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	srv.SetNow(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	issued := srv.IssueSession("ada@example.com")
	srv.SetNow(time.Now)

	client := newClient(t, srv, nil)
	session, err := client.SetSession(context.Background(), issued.AccessToken, issued.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, issued.AccessToken, session.AccessToken)
	assert.Equal(t, 1, srv.Calls(gotruetest.EndpointRefreshGrant))
}

func TestUpdateUser(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	user, err := client.UpdateUser(context.Background(), gotrue.UserAttributes{Data: map[string]any{"name": "Ada"}})
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.UserMetadata["name"])

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada", session.User.UserMetadata["name"])
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventUserUpdated}, rec.names())
}

func TestSignOut(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	require.NoError(t, client.SignOut(context.Background()))
	assert.Equal(t, 1, srv.Calls(gotruetest.EndpointLogout))
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedOut}, rec.names())

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSignOut_ServerErrorKeepsSession(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	srv.FailNext(gotruetest.EndpointLogout, http.StatusInternalServerError)
	err = client.SignOut(context.Background())
	require.True(t, gotrue.IsAPIError(err, http.StatusInternalServerError))

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, session)
}

func TestSignOut_ForgottenSessionStillRemoved(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	srv.FailNext(gotruetest.EndpointLogout, http.StatusNotFound)
	require.NoError(t, client.SignOut(context.Background()))

	session, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestTransportErrorPropagatesUnchanged(t *testing.T) {
	srv := gotruetest.New(t)
	client := newClient(t, srv, nil)
	srv.Close()

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.Error(t, err)

	var urlErr *url.Error
	assert.True(t, errors.As(err, &urlErr))
	assert.False(t, gotrue.IsAPIError(err))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	rec := &eventRecorder{}
	sub := client.OnAuthStateChange(rec.listen)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, client.SignOut(context.Background()))
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedIn}, rec.names())
}

func TestUnsubscribeDuringDispatchSkipsListener(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	rec := &eventRecorder{}
	var later *gotrue.Subscription
	client.OnAuthStateChange(func(gotrue.AuthChangeEvent, *gotrue.Session) {
		later.Unsubscribe()
	})
	later = client.OnAuthStateChange(rec.listen)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	require.NoError(t, client.SignOut(context.Background()))
	assert.Empty(t, rec.names())
}

func TestListenerMayCallBackIntoClient(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")
	client := newClient(t, srv, nil)

	var seen *gotrue.Session
	var sub *gotrue.Subscription
	sub = client.OnAuthStateChange(func(event gotrue.AuthChangeEvent, _ *gotrue.Session) {
		current, err := client.GetSession(context.Background())
		require.NoError(t, err)
		seen = current
		sub.Unsubscribe()
	})

	session, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, session.AccessToken, seen.AccessToken)
}
