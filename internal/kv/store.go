// Package kv provides the keyed ephemeral store backing one-time codes and
// single-use grants. Entries expire by TTL; there is no enumeration.
package kv

import (
	"context"
	"time"
)

// Store is a narrow TTL'd key-value interface. Memory is the single-instance
// implementation; Redis backs multi-instance deployments.
type Store interface {
	// Put stores value under key, replacing any prior value, expiring after ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the live value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
