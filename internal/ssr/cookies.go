// Package ssr bridges an auth client's session storage onto HTTP cookies so
// that server handlers can build a per-request client from the request's
// cookie jar and hand refreshed tokens back through the response.
package ssr

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultMaxAge is the lifetime of session cookies (400 days, the cap
// browsers apply).
const DefaultMaxAge = 400 * 24 * 60 * 60

// Cookie is one name/value pair read from a request.
type Cookie struct {
	Name  string
	Value string
}

// CookieOptions are the attributes written with a cookie. MaxAge follows
// net/http: positive is seconds, negative deletes, zero omits the attribute.
type CookieOptions struct {
	Path     string
	Domain   string
	MaxAge   int
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// CookieToSet is one cookie write requested by the auth client.
type CookieToSet struct {
	Name    string
	Value   string
	Options CookieOptions
}

// HTTPCookie converts the write into a net/http cookie.
func (c CookieToSet) HTTPCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Options.Path,
		Domain:   c.Options.Domain,
		MaxAge:   c.Options.MaxAge,
		Expires:  c.Options.Expires,
		HttpOnly: c.Options.HTTPOnly,
		Secure:   c.Options.Secure,
		SameSite: c.Options.SameSite,
	}
}

// CookieMethods is the cookie access a server client needs: every cookie
// on the incoming request, and a way to write cookies onto the response.
type CookieMethods interface {
	GetAll() ([]Cookie, error)
	SetAll(cookies []CookieToSet) error
}

// DefaultCookieOptions returns the attributes used for session cookies.
// HTTPOnly stays off so browser code can read the session as well.
func DefaultCookieOptions() CookieOptions {
	return CookieOptions{
		Path:     "/",
		MaxAge:   DefaultMaxAge,
		SameSite: http.SameSiteLaxMode,
	}
}

// merge overlays the non-zero fields of o onto the defaults.
func (o CookieOptions) merge() CookieOptions {
	merged := DefaultCookieOptions()
	if o.Path != "" {
		merged.Path = o.Path
	}
	if o.Domain != "" {
		merged.Domain = o.Domain
	}
	if o.MaxAge != 0 {
		merged.MaxAge = o.MaxAge
	}
	if !o.Expires.IsZero() {
		merged.Expires = o.Expires
	}
	if o.SameSite != 0 {
		merged.SameSite = o.SameSite
	}
	merged.HTTPOnly = o.HTTPOnly
	merged.Secure = o.Secure
	return merged
}

// validate rejects cookies net/http would silently drop.
func (c CookieToSet) validate() error {
	if err := c.HTTPCookie().Valid(); err != nil {
		return fmt.Errorf("invalid cookie %q: %w", c.Name, err)
	}
	return nil
}
