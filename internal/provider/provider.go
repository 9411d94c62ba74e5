// Package provider scopes one auth client to a long-lived caller (the CLI
// process) and makes it reachable through context.Context. Code below the
// mounted scope reaches the client with UseClient; reaching for it outside
// that scope is a programming error.
package provider

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

var ErrOutsideProvider = errors.New("provider: UseClient must be used within a Provider")

type contextKey struct{}

// Options configures Mount. URL and Key are required.
type Options struct {
	URL        string
	Key        string
	Storage    gotrue.Storage
	HTTPClient *http.Client
	Logger     *zerolog.Logger

	// OnEvent is called for every auth state change while mounted.
	OnEvent gotrue.Listener
}

// Value is what a mounted provider publishes to its scope.
type Value struct {
	Client *gotrue.Client
}

// Provider owns the scope's single client and its change subscription.
type Provider struct {
	client  *gotrue.Client
	sub     *gotrue.Subscription
	logger  zerolog.Logger
	onEvent gotrue.Listener
	mounted atomic.Bool
}

// Mount constructs the scope's client and returns a context carrying it.
// Configuration errors are returned immediately.
func Mount(ctx context.Context, opts Options) (context.Context, *Provider, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "provider").Logger()
	}

	client, err := gotrue.New(gotrue.Options{
		URL:        opts.URL,
		Key:        opts.Key,
		Storage:    opts.Storage,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, nil, err
	}

	p := &Provider{
		client:  client,
		logger:  logger,
		onEvent: opts.OnEvent,
	}
	p.sub = client.OnAuthStateChange(p.handleEvent)
	p.mounted.Store(true)

	return context.WithValue(ctx, contextKey{}, p), p, nil
}

// Client returns the provider's client. It is the same instance for the
// provider's whole lifetime.
func (p *Provider) Client() *gotrue.Client {
	return p.client
}

// Value returns the published value.
func (p *Provider) Value() Value {
	return Value{Client: p.client}
}

// Unmount ends the scope: the change subscription is released and the
// accessor fails for every context derived from Mount.
func (p *Provider) Unmount() {
	if !p.mounted.CompareAndSwap(true, false) {
		return
	}
	p.sub.Unsubscribe()
	p.logger.Debug().Msg("Provider unmounted")
}

func (p *Provider) handleEvent(event gotrue.AuthChangeEvent, session *gotrue.Session) {
	e := p.logger.Info().Str("event", string(event))
	if session != nil && session.User != nil {
		e = e.Str("user_id", session.User.ID)
	}
	e.Msg("Auth state changed")

	if p.onEvent != nil && p.mounted.Load() {
		p.onEvent(event, session)
	}
}

// ClientFromContext returns the client of the provider mounted above ctx.
func ClientFromContext(ctx context.Context) (*gotrue.Client, error) {
	p, ok := ctx.Value(contextKey{}).(*Provider)
	if !ok || p == nil || !p.mounted.Load() {
		return nil, ErrOutsideProvider
	}
	return p.client, nil
}

// UseClient is ClientFromContext for code that can only run inside a
// provider. It panics with ErrOutsideProvider otherwise.
func UseClient(ctx context.Context) *gotrue.Client {
	client, err := ClientFromContext(ctx)
	if err != nil {
		panic(err)
	}
	return client
}
