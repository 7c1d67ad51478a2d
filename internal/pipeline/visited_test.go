package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSetNX struct {
	mu     sync.Mutex
	keys   map[string]time.Duration
	err    error
	closed bool
}

func newFakeSetNX() *fakeSetNX {
	return &fakeSetNX{keys: make(map[string]time.Duration)}
}

func (f *fakeSetNX) SetNX(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = ttl
	return true, nil
}

func (f *fakeSetNX) Close() error {
	f.closed = true
	return nil
}

func TestMemoryVisitedSet_Claim(t *testing.T) {
	v := NewMemoryVisitedSet()
	ctx := context.Background()

	claimed, err := v.Claim(ctx, []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, claimed)

	claimed, err = v.Claim(ctx, []string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, claimed)
	assert.Equal(t, 3, v.Len())
	assert.NoError(t, v.Close())
}

func TestMemoryVisitedSet_ConcurrentClaimsAreExclusive(t *testing.T) {
	v := NewMemoryVisitedSet()
	keys := chainKeys(100)

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, _ := v.Claim(context.Background(), keys)
			mu.Lock()
			total += len(claimed)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, total, "every key must be claimed exactly once")
}

func TestRedisVisitedSet_Claim(t *testing.T) {
	fake := newFakeSetNX()
	v, err := NewRedisVisitedSet(fake, "goscrape:visited:", "bpn:crawl:run1", time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	claimed, err := v.Claim(ctx, []string{"https://a", "https://b", "https://a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a", "https://b"}, claimed)

	claimed, err = v.Claim(ctx, []string{"https://b"})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	assert.Contains(t, fake.keys, "goscrape:visited:bpn:crawl:run1:https://a")
	assert.Equal(t, time.Hour, fake.keys["goscrape:visited:bpn:crawl:run1:https://a"])

	require.NoError(t, v.Close())
	assert.True(t, fake.closed, "Close should close the owned store")
}

func TestRedisVisitedSet_ScopesAreIndependent(t *testing.T) {
	fake := newFakeSetNX()
	v1, _ := NewRedisVisitedSet(fake, "p:", "run1", 0)
	v2, _ := NewRedisVisitedSet(fake, "p:", "run2", 0)

	c1, err := v1.Claim(context.Background(), []string{"k"})
	require.NoError(t, err)
	c2, err := v2.Claim(context.Background(), []string{"k"})
	require.NoError(t, err)

	assert.Equal(t, []string{"k"}, c1)
	assert.Equal(t, []string{"k"}, c2)
}

func TestRedisVisitedSet_Errors(t *testing.T) {
	_, err := NewRedisVisitedSet(nil, "p:", "s", 0)
	assert.Error(t, err)

	fake := newFakeSetNX()
	fake.err = errors.New("connection refused")
	v, _ := NewRedisVisitedSet(fake, "p:", "s", 0)

	_, err = v.Claim(context.Background(), []string{"k"})
	assert.ErrorContains(t, err, "connection refused")
}
