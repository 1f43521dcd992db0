// Package inmem provides an in-memory session.Store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"goa.design/orbit/session"
)

type (
	// Store is a map-backed session.Store with per-key TTLs. Expired entries
	// are reaped lazily on access. Safe for concurrent use.
	Store struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		value    []byte
		deadline time.Time // zero means no expiry
	}
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (e *entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// Put implements session.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, session.ErrKeyNotFound
	}
	if e.expired(time.Now()) {
		s.reap(key, e)
		return nil, session.ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	return !e.expired(time.Now()), nil
}

// Exists implements session.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == session.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys implements session.Store. Patterns use path.Match glob syntax.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	var dead []string
	for key, e := range s.entries {
		if e.expired(now) {
			dead = append(dead, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	for _, key := range dead {
		s.mu.Lock()
		if e, ok := s.entries[key]; ok && e.expired(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
	return keys, nil
}

// Incr implements session.Store.
func (s *Store) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	var deadline time.Time
	if e, ok := s.entries[key]; ok && !e.expired(time.Now()) {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		cur = n
		deadline = e.deadline
	}
	cur += delta
	s.entries[key] = &entry{value: []byte(strconv.FormatInt(cur, 10)), deadline: deadline}
	return cur, nil
}

// Apply implements session.Store. The whole batch runs under one lock so
// readers observe either none or all of its writes.
func (s *Store) Apply(ctx context.Context, ops []session.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			delete(s.entries, op.Key)
			continue
		}
		e := &entry{value: append([]byte(nil), op.Value...)}
		if op.TTL > 0 {
			e.deadline = now.Add(op.TTL)
		}
		s.entries[op.Key] = e
	}
	return nil
}

// Expire implements session.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return session.ErrKeyNotFound
	}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	} else {
		e.deadline = time.Time{}
	}
	return nil
}

// Close implements session.Store. It drops all entries.
func (s *Store) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}

// reap deletes an expired entry if it is still the one observed.
func (s *Store) reap(key string, seen *entry) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e == seen {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

var _ session.Store = (*Store)(nil)
