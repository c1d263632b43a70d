// Package kv is the small key-value namespace used for poller watermarks,
// registration rate-limit keys, and the reputation score cache. It is
// backed by Redis when configured, falling back to an in-process store
// for standalone/test deployments.
package kv

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is the minimal KV contract every consumer needs: get/set a string
// value, optionally with a TTL, and increment a counter key (used for
// rate-limiting).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
}

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr/db. Connectivity is verified lazily on first
// use, matching the teacher's "degrade, don't block startup" posture for
// optional backends.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		r.client.Expire(ctx, key, ttl)
	}
	return n, nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryStore is an in-process Store used for tests and standalone runs
// with no Redis configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memEntry
}

type memEntry struct {
	value   string
	expires time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memEntry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.data[key]
	var n int64
	if e.value != "" {
		for _, c := range e.value {
			n = n*10 + int64(c-'0')
		}
	}
	n++
	e.value = itoa(n)
	if n == 1 && ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.data[key] = e
	return n, nil
}

func (m *MemoryStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
