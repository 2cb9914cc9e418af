// Package objectstore defines the versioned blob storage port (interface).
package objectstore

import "context"

// Store is the port interface for dataset blobs and model artifacts.
// Keys are immutable once written: a new dataset or artifact version gets a
// new key, never an overwrite.
type Store interface {
	// Put writes data at key. Fails if the key already exists.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the full object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// URL returns the externally addressable location for key.
	URL(key string) string
}
