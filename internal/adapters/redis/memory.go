package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process store with redis semantics, used in tests in
// place of a real Redis instance. Now overrides the clock for expiry checks
// and Err forces every call to fail.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryEntry

	Now func() time.Time
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryEntry),
		Now:   time.Now,
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// expired reports whether the entry is past its expiry; callers hold mu
func (m *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok || m.expired(e) {
		delete(m.items, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.Err != nil {
		return m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	if m.Err != nil {
		return m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.add(key, 1)
}

func (m *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.add(key, -1)
}

// add applies a delta to an integer key; absent or expired keys start at
// zero, matching redis INCR/DECR. Callers hold mu.
func (m *MemoryStore) add(key string, delta int64) (int64, error) {
	var current int64
	e, ok := m.items[key]
	if ok && !m.expired(e) {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		current = parsed
	} else {
		e = memoryEntry{}
	}

	current += delta
	e.value = strconv.FormatInt(current, 10)
	m.items[key] = e
	return current, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if m.Err != nil {
		return m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok || m.expired(e) {
		delete(m.items, key)
		return nil
	}
	e.expiresAt = m.now().Add(ttl)
	m.items[key] = e
	return nil
}

// TTL reports the remaining lifetime of a key; zero for keys without expiry,
// negative for absent keys. Test helper, not part of the store contract.
func (m *MemoryStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok || m.expired(e) {
		return -1
	}
	if e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(m.now())
}

// Len reports the number of live keys. Test helper.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.items {
		if !m.expired(e) {
			n++
		}
	}
	return n
}
