// Package secrets holds credentials for the training backend and other
// external services, with atomic hot reload so rotated keys are picked up
// without a restart.
package secrets

import (
	"fmt"
	"sync"
)

// Loader fetches the current secret set from its source.
type Loader func() (map[string]string, error)

// Vault is an in-memory snapshot of loaded secrets.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault loads the initial secret set and returns the vault.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Lookup returns the secret for key and whether it was loaded.
func (v *Vault) Lookup(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[key]
	return val, ok
}

// Get returns the secret for key, or an empty string if absent.
func (v *Vault) Get(key string) string {
	val, _ := v.Lookup(key)
	return val
}

// Reload fetches a fresh secret set and swaps it in atomically. On loader
// failure the previous snapshot stays in place.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}
