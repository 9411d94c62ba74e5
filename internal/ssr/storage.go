package ssr

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

const base64Prefix = "base64-"

// cookieStorage implements gotrue.Storage over CookieMethods. Writes made
// through it are remembered so later reads by the same client see them
// even when the underlying jar only reflects the original request.
type cookieStorage struct {
	cookies CookieMethods
	options CookieOptions

	mu      sync.Mutex
	written map[string]string
	removed map[string]bool
	// chunk names this client has written per key, for stale chunk cleanup
	chunkNames map[string][]string
}

var _ gotrue.Storage = (*cookieStorage)(nil)

func newCookieStorage(cookies CookieMethods, options CookieOptions) *cookieStorage {
	return &cookieStorage{
		cookies:    cookies,
		options:    options,
		written:    make(map[string]string),
		removed:    make(map[string]bool),
		chunkNames: make(map[string][]string),
	}
}

func (s *cookieStorage) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.written[key]; ok {
		return v, true, nil
	}
	if s.removed[key] {
		return "", false, nil
	}

	all, err := s.cookies.GetAll()
	if err != nil {
		return "", false, err
	}

	values := make(map[string]string, len(all))
	for _, c := range all {
		values[c.Name] = c.Value
	}

	raw, ok := combineChunks(key, func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	})
	if !ok {
		return "", false, nil
	}

	value, err := decodeCookieValue(raw)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *cookieStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := base64Prefix + base64.RawURLEncoding.EncodeToString([]byte(value))
	chunks := createChunks(key, encoded, MaxChunkSize)

	keep := make(map[string]bool, len(chunks))
	writes := make([]CookieToSet, 0, len(chunks))
	for _, c := range chunks {
		keep[c.name] = true
		writes = append(writes, CookieToSet{Name: c.name, Value: c.value, Options: s.options})
	}

	stale, err := s.existingChunks(key)
	if err != nil {
		return err
	}
	for _, name := range stale {
		if !keep[name] {
			writes = append(writes, s.deletion(name))
		}
	}

	if err := s.cookies.SetAll(writes); err != nil {
		return err
	}

	names := make([]string, 0, len(chunks))
	for _, c := range chunks {
		names = append(names, c.name)
	}
	s.chunkNames[key] = names
	s.written[key] = value
	delete(s.removed, key)
	return nil
}

func (s *cookieStorage) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.existingChunks(key)
	if err != nil {
		return err
	}

	if len(names) > 0 {
		writes := make([]CookieToSet, 0, len(names))
		for _, name := range names {
			writes = append(writes, s.deletion(name))
		}
		if err := s.cookies.SetAll(writes); err != nil {
			return err
		}
	}

	delete(s.written, key)
	delete(s.chunkNames, key)
	s.removed[key] = true
	return nil
}

func (s *cookieStorage) existingChunks(key string) ([]string, error) {
	all, err := s.cookies.GetAll()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, c := range all {
		if isChunkOf(key, c.Name) {
			add(c.Name)
		}
	}
	// Chunks written earlier by this client may not be in the jar yet.
	for _, name := range s.chunkNames[key] {
		add(name)
	}
	return names, nil
}

func (s *cookieStorage) deletion(name string) CookieToSet {
	opts := s.options
	opts.MaxAge = -1
	return CookieToSet{Name: name, Value: "", Options: opts}
}

// decodeCookieValue accepts the base64 form written by SetItem as well as
// raw JSON left by older clients.
func decodeCookieValue(raw string) (string, error) {
	encoded, ok := strings.CutPrefix(raw, base64Prefix)
	if !ok {
		return raw, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return "", fmt.Errorf("%w: session cookie: %v", gotrue.ErrCorruptItem, err)
	}
	return string(data), nil
}
