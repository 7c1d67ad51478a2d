package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VisitedSet records which keys a discovery run has already enqueued.
type VisitedSet interface {
	// Claim atomically adds every absent key and returns the ones it added,
	// in input order. Duplicates within keys are claimed once.
	Claim(ctx context.Context, keys []string) ([]string, error)
	Close() error
}

// MemoryVisitedSet is a process-local VisitedSet.
type MemoryVisitedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryVisitedSet creates an empty in-memory set.
func NewMemoryVisitedSet() *MemoryVisitedSet {
	return &MemoryVisitedSet{seen: make(map[string]struct{})}
}

// Claim implements VisitedSet.
func (m *MemoryVisitedSet) Claim(_ context.Context, keys []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []string
	for _, k := range keys {
		if _, ok := m.seen[k]; ok {
			continue
		}
		m.seen[k] = struct{}{}
		claimed = append(claimed, k)
	}
	return claimed, nil
}

// Len returns the number of claimed keys.
func (m *MemoryVisitedSet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// Close implements VisitedSet.
func (m *MemoryVisitedSet) Close() error { return nil }

// SetNXStore is the subset of Redis used for claiming keys.
type SetNXStore interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects a SetNXStore to the Redis server at addr.
func NewRedisStore(addr string) SetNXStore {
	return &redisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (s *redisStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// RedisVisitedSet keeps the visited set in Redis SETNX keys, so a large
// crawl does not hold every seen URL in process memory. Keys live under
// prefix+scope and expire after ttl.
type RedisVisitedSet struct {
	store  SetNXStore
	prefix string
	ttl    time.Duration
}

// NewRedisVisitedSet creates a set scoped to one discovery run.
func NewRedisVisitedSet(store SetNXStore, prefix, scope string, ttl time.Duration) (*RedisVisitedSet, error) {
	if store == nil {
		return nil, fmt.Errorf("redis store is nil")
	}
	return &RedisVisitedSet{
		store:  store,
		prefix: prefix + scope + ":",
		ttl:    ttl,
	}, nil
}

// Claim implements VisitedSet.
func (r *RedisVisitedSet) Claim(ctx context.Context, keys []string) ([]string, error) {
	var claimed []string
	for _, k := range keys {
		ok, err := r.store.SetNX(ctx, r.prefix+k, "1", r.ttl)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim key %q: %w", k, err)
		}
		if ok {
			claimed = append(claimed, k)
		}
	}
	return claimed, nil
}

// Close releases the Redis connection when the set owns it.
func (r *RedisVisitedSet) Close() error {
	if c, ok := r.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
