// Package store keeps the CLI's auth session in the OS keychain.
package store

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

const service = "sessionbridge-cli"

// Keyring is a gotrue.Storage backed by the OS keychain/credential manager.
// Items are stored under the service name, one entry per storage key.
type Keyring struct {
	service string
}

var _ gotrue.Storage = (*Keyring)(nil)

// New returns the keychain storage used by the CLI
func New() *Keyring {
	return &Keyring{service: service}
}

func (k *Keyring) GetItem(key string) (string, bool, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load %s from keychain: %w", key, err)
	}
	return value, true, nil
}

func (k *Keyring) SetItem(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("failed to save %s to keychain: %w", key, err)
	}
	return nil
}

func (k *Keyring) RemoveItem(key string) error {
	if err := keyring.Delete(k.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete %s from keychain: %w", key, err)
	}
	return nil
}
