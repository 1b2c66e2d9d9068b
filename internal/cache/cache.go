// Package cache provides the short-TTL key/value store used for policy
// decisions, self-service flows and user snapshots. Redis is used when
// configured; a process-local store backs development and tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a minimal TTL'd key/value contract. Values are opaque bytes;
// callers own serialization.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix. Used for
	// invalidation hooks (policy decisions for an object, a user's cache).
	DeletePrefix(ctx context.Context, prefix string) error
}
