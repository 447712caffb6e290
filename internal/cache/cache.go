// Package cache provides the shared key-value store used for rate limit
// windows, duplicate markers and cached form configuration.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache errors.
var (
	ErrNotFound    = errors.New("cache: key not found")
	ErrNoTTL       = errors.New("cache: ttl must be positive")
	ErrUnavailable = errors.New("cache: unavailable")
)

// Store is a TTL key-value store. Every entry expires; there is no way to
// write a permanent key.
type Store interface {
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes the key only if it is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments a counter. A new counter starts at 1 and
	// expires after ttl; remaining is the time left in its window.
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
