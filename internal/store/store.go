// Package store provides the key-value state store used for all session and
// task persistence, with Redis and SQLite implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/cozegate/internal/domain"
)

// KV is a narrow abstraction over a remote key-value store with expiring
// keys and an atomic compare-and-set.
//
// Absence is reported through the ok/bool results, never as an error.
// Every returned error wraps domain.ErrStoreUnavailable.
type KV interface {
	// Get returns the live value for key. ok is false if the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set writes value under key. A ttl <= 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSet atomically replaces the value of key when its current
	// value equals expected. A nil expected requires the key to be absent;
	// a nil value deletes the key instead of writing it.
	CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. It reports whether a live key was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// IndexAdd adds member to the named index until expiresAt.
	// Re-adding a member moves its expiry.
	IndexAdd(ctx context.Context, index, member string, expiresAt time.Time) error

	// IndexRemove removes member from the named index.
	IndexRemove(ctx context.Context, index, member string) error

	// IndexMembers returns the unexpired members of the named index.
	IndexMembers(ctx context.Context, index string) ([]string, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Purger is implemented by stores without native key expiry. PurgeExpired
// physically removes expired keys and index members.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

var (
	_ KV     = (*SQLiteStore)(nil)
	_ KV     = (*RedisStore)(nil)
	_ Purger = (*SQLiteStore)(nil)
)
