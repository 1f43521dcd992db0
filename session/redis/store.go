// Package redis provides a Redis-backed session.Store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/orbit/session"
)

// Store implements session.Store on a Redis client. TTLs map to key expiry
// (SET PX / PEXPIRE) so Redis reaps expired keys on its own.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client. The caller retains ownership of the
// client unless Close is used.
func New(rdb *redis.Client) (*Store, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{rdb: rdb}, nil
}

// Put implements session.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	return n > 0, nil
}

// Exists implements session.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys implements session.Store. It scans rather than using KEYS so large
// keyspaces do not block the server.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Incr implements session.Store.
func (s *Store) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return n, nil
}

// Apply implements session.Store. The batch is queued in a MULTI/EXEC
// transaction so concurrent readers observe either none or all of the writes.
func (s *Store) Apply(ctx context.Context, ops []session.Op) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Delete {
				pipe.Del(ctx, op.Key)
				continue
			}
			pipe.Set(ctx, op.Key, op.Value, op.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis txpipeline: %w", err)
	}
	return nil
}

// Expire implements session.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		// PERSIST reports false both for missing keys and keys already
		// lacking a TTL, so absence needs a separate check.
		exists, err := s.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			return session.ErrKeyNotFound
		}
		if err := s.rdb.Persist(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis persist %s: %w", key, err)
		}
		return nil
	}
	ok, err := s.rdb.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	if !ok {
		return session.ErrKeyNotFound
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

var _ session.Store = (*Store)(nil)
