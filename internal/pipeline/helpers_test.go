package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/store"
	"github.com/dbsmedya/goscrape/internal/types"
)

var workerCounts = []int{1, 2, 4, 8}

func testProcessing(workers int) config.ProcessingConfig {
	return config.ProcessingConfig{
		NumWorkers:     workers,
		MaxRetries:     2,
		BackoffMin:     0.001,
		BackoffMax:     0.002,
		BackoffFactor:  2,
		CheckpointTime: 7,
		PollInterval:   5 * time.Millisecond,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "out.jsonl"), filepath.Join(dir, "tmp"), logger.NewNop())
	require.NoError(t, err)
	return st
}

// chainExpander expands "n" into "n+1" up to limit.
type chainExpander struct {
	limit int
	calls atomic.Int64
	fail  func(n int) bool
}

func (c *chainExpander) Expand(_ context.Context, key string) ([]string, []types.Record, error) {
	c.calls.Add(1)
	n, err := strconv.Atoi(key)
	if err != nil {
		return nil, nil, fmt.Errorf("bad key %q", key)
	}
	if c.fail != nil && c.fail(n) {
		return nil, nil, fmt.Errorf("expand %d failed", n)
	}
	rec := types.Record{Key: key, Fields: map[string]any{"n": n}}
	if n >= c.limit {
		return nil, []types.Record{rec}, nil
	}
	return []string{strconv.Itoa(n + 1)}, []types.Record{rec}, nil
}

// flakyChain is a chain expander that fails about one attempt in ten and
// sleeps a random time before answering. Failures are transient: a retry
// draws again.
type flakyChain struct {
	limit int

	mu   sync.Mutex
	rng  *rand.Rand
	done map[string]int
}

func newFlakyChain(limit int, seed uint64) *flakyChain {
	return &flakyChain{
		limit: limit,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		done:  make(map[string]int),
	}
}

func (c *flakyChain) Expand(ctx context.Context, key string) ([]string, []types.Record, error) {
	c.mu.Lock()
	fail := c.rng.IntN(10) == 0
	pause := time.Duration(c.rng.IntN(300)) * time.Microsecond
	c.mu.Unlock()

	select {
	case <-time.After(pause):
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	if fail {
		return nil, nil, fmt.Errorf("transient error on %s", key)
	}

	n, err := strconv.Atoi(key)
	if err != nil {
		return nil, nil, fmt.Errorf("bad key %q", key)
	}
	c.mu.Lock()
	c.done[key]++
	c.mu.Unlock()

	rec := types.Record{Key: key, Fields: map[string]any{"n": n}}
	if n >= c.limit {
		return nil, []types.Record{rec}, nil
	}
	return []string{strconv.Itoa(n + 1)}, []types.Record{rec}, nil
}

func (c *flakyChain) successes(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[key]
}

// flakyFetcher fails keys whose number ends in 7 on every attempt and keys
// ending in 5 on their first attempt only.
type flakyFetcher struct {
	calls    atomic.Int64
	mu       sync.Mutex
	attempts map[string]int
}

func newFlakyFetcher() *flakyFetcher {
	return &flakyFetcher{attempts: make(map[string]int)}
}

func (f *flakyFetcher) Fetch(_ context.Context, key string) (string, []byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.attempts[key]++
	attempt := f.attempts[key]
	f.mu.Unlock()

	n, _ := strconv.Atoi(key)
	switch {
	case n%10 == 7:
		return "", nil, fmt.Errorf("status 503 for %s", key)
	case n%10 == 5 && attempt == 1:
		return "", nil, fmt.Errorf("connection reset for %s", key)
	}
	return "text", []byte("page-" + key), nil
}

// countingExtractor returns one record per input with its content length.
type countingExtractor struct {
	calls atomic.Int64
}

func (c *countingExtractor) Extract(_ context.Context, rec types.Record) ([]types.Record, error) {
	c.calls.Add(1)
	return []types.Record{{Fields: map[string]any{"length": len(rec.Content), "body": string(rec.Content)}}}, nil
}

func chainKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	return keys
}

func recordKeys(records []types.Record) []string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	return keys
}
