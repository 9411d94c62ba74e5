package provider_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/gotrue/gotruetest"
	"github.com/branchd-dev/sessionbridge/internal/provider"
)

func mount(t *testing.T, srv *gotruetest.Server, opts provider.Options) (context.Context, *provider.Provider) {
	t.Helper()
	opts.URL = srv.URL
	opts.Key = srv.Key
	ctx, p, err := provider.Mount(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(p.Unmount)
	return ctx, p
}

func TestMount_MissingConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		opts    provider.Options
		wantErr error
	}{
		{name: "no url", opts: provider.Options{Key: "k"}, wantErr: gotrue.ErrMissingURL},
		{name: "no key", opts: provider.Options{URL: "https://abc.supabase.co"}, wantErr: gotrue.ErrMissingKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, p, err := provider.Mount(context.Background(), tt.opts)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, ctx)
			assert.Nil(t, p)
		})
	}
}

func TestUseClient_InsideProvider(t *testing.T) {
	srv := gotruetest.New(t)
	ctx, p := mount(t, srv, provider.Options{})

	first := provider.UseClient(ctx)
	second := provider.UseClient(context.WithValue(ctx, struct{}{}, "derived"))
	assert.Same(t, p.Client(), first)
	assert.Same(t, first, second)
	assert.Same(t, first, p.Value().Client)
}

func TestUseClient_OutsideProvider(t *testing.T) {
	_, err := provider.ClientFromContext(context.Background())
	assert.ErrorIs(t, err, provider.ErrOutsideProvider)

	assert.PanicsWithError(t, provider.ErrOutsideProvider.Error(), func() {
		provider.UseClient(context.Background())
	})
}

func TestUseClient_AfterUnmount(t *testing.T) {
	srv := gotruetest.New(t)

	for cycle := 0; cycle < 3; cycle++ {
		ctx, p, err := provider.Mount(context.Background(), provider.Options{URL: srv.URL, Key: srv.Key})
		require.NoError(t, err)

		_, err = provider.ClientFromContext(ctx)
		require.NoError(t, err)

		p.Unmount()
		p.Unmount()

		_, err = provider.ClientFromContext(ctx)
		assert.ErrorIs(t, err, provider.ErrOutsideProvider)
	}
}

func TestProvider_ForwardsEventsWhileMounted(t *testing.T) {
	srv := gotruetest.New(t)
	srv.AddUser("ada@example.com", "secret")

	var mu sync.Mutex
	var events []gotrue.AuthChangeEvent
	ctx, p := mount(t, srv, provider.Options{
		OnEvent: func(event gotrue.AuthChangeEvent, _ *gotrue.Session) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})

	client := provider.UseClient(ctx)
	_, err := client.SignInWithPassword(ctx, "ada@example.com", "secret")
	require.NoError(t, err)

	p.Unmount()
	require.NoError(t, client.SignOut(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []gotrue.AuthChangeEvent{gotrue.EventSignedIn}, events)
}
