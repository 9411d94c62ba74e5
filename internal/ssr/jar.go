package ssr

import (
	"net/http"
	"strings"
	"sync"
)

// JarOption configures a RequestJar.
type JarOption func(*RequestJar)

// WithForwardedRequest makes SetAll also rewrite the Cookie header of a
// clone of the request, so handlers further down the chain observe the
// updated cookies before the response is written.
func WithForwardedRequest() JarOption {
	return func(j *RequestJar) {
		j.forward = true
	}
}

// RequestJar adapts a net/http request/response pair to CookieMethods.
type RequestJar struct {
	w       http.ResponseWriter
	forward bool

	mu sync.Mutex
	r  *http.Request
}

var _ CookieMethods = (*RequestJar)(nil)

func NewRequestJar(w http.ResponseWriter, r *http.Request, opts ...JarOption) *RequestJar {
	j := &RequestJar{w: w, r: r}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Request returns the request handlers should continue with. Without
// WithForwardedRequest it is always the original request.
func (j *RequestJar) Request() *http.Request {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.r
}

// GetAll returns every cookie on the request, unmodified.
func (j *RequestJar) GetAll() ([]Cookie, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw := j.r.Cookies()
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}

// SetAll writes each cookie onto the response, and onto the forwarded
// request when enabled. An invalid cookie fails the whole batch before
// anything is written.
func (j *RequestJar) SetAll(cookies []CookieToSet) error {
	for _, c := range cookies {
		if err := c.validate(); err != nil {
			return err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		http.SetCookie(j.w, c.HTTPCookie())
	}

	if j.forward && len(cookies) > 0 {
		j.r = forwardCookies(j.r, cookies)
	}
	return nil
}

// forwardCookies clones r with its Cookie header rebuilt: written cookies
// replace existing ones in place, deleted ones are dropped, new ones are
// appended.
func forwardCookies(r *http.Request, cookies []CookieToSet) *http.Request {
	updates := make(map[string]CookieToSet, len(cookies))
	var order []string
	for _, c := range cookies {
		if _, ok := updates[c.Name]; !ok {
			order = append(order, c.Name)
		}
		updates[c.Name] = c
	}

	var pairs []string
	applied := make(map[string]bool, len(updates))
	for _, existing := range r.Cookies() {
		if u, ok := updates[existing.Name]; ok {
			if !applied[existing.Name] && !isDeletion(u) {
				pairs = append(pairs, pair(u.Name, u.Value))
			}
			applied[existing.Name] = true
			continue
		}
		pairs = append(pairs, pair(existing.Name, existing.Value))
	}
	for _, name := range order {
		if applied[name] || isDeletion(updates[name]) {
			continue
		}
		pairs = append(pairs, pair(name, updates[name].Value))
	}

	clone := r.Clone(r.Context())
	clone.Header.Del("Cookie")
	if len(pairs) > 0 {
		clone.Header.Set("Cookie", strings.Join(pairs, "; "))
	}
	return clone
}

func isDeletion(c CookieToSet) bool {
	return c.Options.MaxAge < 0
}

func pair(name, value string) string {
	return (&http.Cookie{Name: name, Value: value}).String()
}
