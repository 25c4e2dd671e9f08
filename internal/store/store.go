// Package store persists the mapping from hashed user identities to device
// push tokens. Keys are identity digests (see internal/identity), values are
// opaque provider registration tokens, optionally sealed at rest (see
// internal/crypto). Registration is last-write-wins: a device re-registering
// under the same identity unconditionally replaces the previous token.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no token is registered under the given
// identity. This is a normal outcome (the user never registered, or
// registered under a different email), not a failure.
var ErrNotFound = errors.New("store: no token for identity")

// Store is the device-token store consumed by the relay handlers.
type Store interface {
	// Put registers token under key, replacing any existing value.
	Put(ctx context.Context, key, token string) error
	// Get returns the token registered under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes the token registered under key. Deleting an absent key
	// is not an error; eviction after a provider rejection must be
	// idempotent.
	Delete(ctx context.Context, key string) error
}
