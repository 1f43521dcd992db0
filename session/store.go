package session

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Store.Get and Store.Expire when the key does
// not exist or has expired.
var ErrKeyNotFound = errors.New("key not found")

type (
	// Op is one write in an Apply batch.
	Op struct {
		// Key is the target key.
		Key string
		// Value is stored under Key. Ignored when Delete is set.
		Value []byte
		// TTL bounds the key's lifetime; zero means no expiry.
		TTL time.Duration
		// Delete removes the key instead of writing it.
		Delete bool
	}

	// Store is the raw keyed persistence the Manager builds on. Implementations
	// must be safe for concurrent use and honor per-key TTLs; expired keys
	// behave as absent. The inmem implementation is strictly serializable and
	// intended for tests; redis and mongo back production deployments.
	Store interface {
		// Put stores value under key. A positive ttl bounds the key's lifetime;
		// zero means no expiry. Put overwrites existing values and resets any
		// prior TTL.
		Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

		// Get returns the value stored under key, or ErrKeyNotFound when the
		// key is absent or expired.
		Get(ctx context.Context, key string) ([]byte, error)

		// Delete removes key. It reports whether a live key was removed.
		Delete(ctx context.Context, key string) (bool, error)

		// Exists reports whether key is present and unexpired.
		Exists(ctx context.Context, key string) (bool, error)

		// Keys returns the live keys matching pattern. Patterns use glob
		// syntax where '*' matches any run of characters.
		Keys(ctx context.Context, pattern string) ([]string, error)

		// Incr atomically adds delta to the integer stored under key,
		// creating it at zero when absent, and returns the new value.
		Incr(ctx context.Context, key string, delta int64) (int64, error)

		// Expire resets the TTL of an existing key. Returns ErrKeyNotFound
		// when the key is absent.
		Expire(ctx context.Context, key string, ttl time.Duration) error

		// Apply performs the writes as one batch. Backends with multi-key
		// transactions commit the batch atomically so concurrent readers
		// observe either none or all of the writes; others apply the ops in
		// order.
		Apply(ctx context.Context, ops []Op) error

		// Close releases resources held by the store.
		Close() error
	}
)

// PutOp builds an Apply write.
func PutOp(key string, value []byte, ttl time.Duration) Op {
	return Op{Key: key, Value: value, TTL: ttl}
}

// DelOp builds an Apply delete.
func DelOp(key string) Op {
	return Op{Key: key, Delete: true}
}
