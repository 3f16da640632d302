package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DedupStore remembers which logical messages were already handed to a
// transport.
type DedupStore interface {
	// Reserve claims key for ttl. It reports false when the key is still held.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a later send may try again.
	Release(ctx context.Context, key string) error
}

// MemoryDedup is a process-local DedupStore capped at maxEntries keys.
type MemoryDedup struct {
	mu         sync.Mutex
	now        func() time.Time
	maxEntries int
	until      map[string]time.Time
}

func NewMemoryDedup(maxEntries int) *MemoryDedup {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	return &MemoryDedup{now: time.Now, maxEntries: maxEntries, until: map[string]time.Time{}}
}

func (m *MemoryDedup) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.until[key]; ok && now.Before(until) {
		return false, nil
	}
	m.until[key] = now.Add(ttl)

	for k, until := range m.until {
		if !now.Before(until) {
			delete(m.until, k)
		}
	}
	// Drop the entries closest to expiry until within the cap.
	for len(m.until) > m.maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range m.until {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(m.until, minKey)
	}
	return true, nil
}

func (m *MemoryDedup) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.until, key)
	m.mu.Unlock()
	return nil
}

// RedisDedup keeps dedup keys in Redis so suppression survives restarts.
type RedisDedup struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisDedup(rdb *redis.Client, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "leadpulse:dedup:"
	}
	return &RedisDedup{rdb: rdb, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (r *RedisDedup) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+key, time.Now().Unix(), ttl).Result()
}

func (r *RedisDedup) Release(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}
