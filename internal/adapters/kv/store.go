// Package kv defines the shared key-value store behind the enrichment
// cache and the idempotency lock.
//
// The only primitive the lock's correctness depends on is SetNX: an atomic
// set-if-absent-with-expiry. Both implementations honor that atomicity:
// the in-memory store under one mutex, the sqlite store inside a single
// conditional upsert statement.
package kv

import (
	"context"
	"time"
)

// Store provides TTL-bounded key-value access shared across workers.
type Store interface {
	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key unconditionally. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX atomically writes key only if it is absent or expired.
	// Returns true when the write happened, false when another value holds
	// the key.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Close releases the backing resources.
	Close() error
}
