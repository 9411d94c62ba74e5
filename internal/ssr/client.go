package ssr

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

var ErrNoCookieMethods = errors.New("ssr: cookie methods are required")

// Options configures server clients.
type Options struct {
	URL string
	Key string

	// Cookie attributes for session cookies, overlaid on DefaultCookieOptions.
	Cookie CookieOptions

	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// NewServerClient builds an auth client whose session lives in the given
// cookie jar. Every call site (edge middleware, RPC context) goes through
// here; construct one per request and never reuse it for another.
func NewServerClient(opts Options, cookies CookieMethods) (*gotrue.Client, error) {
	if cookies == nil {
		return nil, ErrNoCookieMethods
	}

	return gotrue.New(gotrue.Options{
		URL:        opts.URL,
		Key:        opts.Key,
		Storage:    newCookieStorage(cookies, opts.Cookie.merge()),
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
	})
}
