// Package secrets keeps completion-service API keys in the OS keyring.
package secrets

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "teamsawake"

// ErrNotFound is returned when no key is stored for a provider.
var ErrNotFound = errors.New("secrets: key not found")

// Keys reads and writes per-provider API keys.
type Keys struct {
	ring keyring.Keyring
}

// Open opens the platform keyring. The encrypted file backend under
// workspace is the fallback when no native keyring is available.
func Open(workspace string) (*Keys, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(workspace, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("teamsawake-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keys{ring: ring}, nil
}

// New wraps an existing keyring.
func New(ring keyring.Keyring) *Keys {
	return &Keys{ring: ring}
}

func itemKey(provider string) string {
	return "llm." + provider
}

// Get returns the stored key for provider.
func (k *Keys) Get(provider string) (string, error) {
	item, err := k.ring.Get(itemKey(provider))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting key for %q: %w", provider, err)
	}
	return string(item.Data), nil
}

// Set stores key for provider.
func (k *Keys) Set(provider, key string) error {
	if key == "" {
		return fmt.Errorf("empty key for %q", provider)
	}
	err := k.ring.Set(keyring.Item{
		Key:         itemKey(provider),
		Data:        []byte(key),
		Label:       "teamsawake " + provider + " API key",
		Description: "Completion service key used for session summaries",
	})
	if err != nil {
		return fmt.Errorf("setting key for %q: %w", provider, err)
	}
	return nil
}

// Clear removes the key for provider. Clearing a missing key is not an error.
func (k *Keys) Clear(provider string) error {
	err := k.ring.Remove(itemKey(provider))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting key for %q: %w", provider, err)
	}
	return nil
}

// Resolve returns configured if set, otherwise the stored key for provider.
func (k *Keys) Resolve(provider, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if k == nil {
		return "", ErrNotFound
	}
	return k.Get(provider)
}
