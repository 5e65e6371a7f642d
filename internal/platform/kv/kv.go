// Package kv provides the persisted key-value stores backing session state
// that must survive a process restart: the bearer token and the selected
// tenant id. Nothing else is persisted, so a restart always re-derives the
// user and tenant list from the authentication backend.
package kv

import "context"

// Store abstracts the persisted key-value storage. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear removes all listed keys, atomically where the backend allows.
	Clear(ctx context.Context, keys ...string) error
}
