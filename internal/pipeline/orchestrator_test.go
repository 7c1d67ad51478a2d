package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/store"
	"github.com/dbsmedya/goscrape/internal/types"
	"github.com/dbsmedya/goscrape/internal/verifier"
)

type mapResolver map[string]any

func (m mapResolver) Resolve(_ string, step *config.StepConfig) (any, error) {
	h, ok := m[step.Handler]
	if !ok {
		return nil, fmt.Errorf("handler %q is not registered", step.Handler)
	}
	return h, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[string][]types.Record
}

func (p *recordingPublisher) Publish(_ context.Context, stage string, records []types.Record) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]types.Record)
	}
	p.published[stage] = append(p.published[stage], records...)
	return len(records), nil
}

type chainHandlers struct {
	expander  *chainExpander
	fetcher   *flakyFetcher
	extractor *countingExtractor
}

func newChainHandlers() *chainHandlers {
	return &chainHandlers{
		expander:  &chainExpander{limit: 100},
		fetcher:   newFlakyFetcher(),
		extractor: &countingExtractor{},
	}
}

func (h *chainHandlers) resolver() mapResolver {
	return mapResolver{"chain": h.expander, "fetch": h.fetcher, "count": h.extractor}
}

func chainConfig(dir string, workers int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Workspace.TempDir = filepath.Join(dir, "tmp")
	cfg.Processing = testProcessing(workers)
	cfg.Pipelines = map[string]config.PipelineConfig{
		"chain": {
			Website: "test",
			Steps: []config.StepConfig{
				// Defined out of order on purpose; the graph orders them.
				{Name: "parse", Kind: "parser", Handler: "count", Input: filepath.Join(dir, "raw.jsonl"), Output: filepath.Join(dir, "parsed.jsonl")},
				{Name: "crawl", Kind: "crawler", Handler: "chain", Seeds: []string{"0"}, Output: filepath.Join(dir, "urls.jsonl")},
				{Name: "scrape", Kind: "scraper", Handler: "fetch", Input: filepath.Join(dir, "urls.jsonl"), Output: filepath.Join(dir, "raw.jsonl"), Publish: true},
			},
		},
	}
	return cfg
}

func newChainOrchestrator(t *testing.T, cfg *config.Config, h *chainHandlers) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg, "chain", h.resolver(), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Initialize())
	return o
}

func outputHash(t *testing.T, path string) string {
	t.Helper()
	records, err := store.ReadFile(path)
	require.NoError(t, err)
	return verifier.HashRecords(records)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	cfg := chainConfig(t.TempDir(), 1)

	_, err := NewOrchestrator(nil, "chain", mapResolver{}, nil)
	assert.ErrorContains(t, err, "config is nil")

	_, err = NewOrchestrator(cfg, "chain", nil, nil)
	assert.ErrorContains(t, err, "resolver is nil")

	_, err = NewOrchestrator(cfg, "missing", mapResolver{}, nil)
	assert.ErrorContains(t, err, "not found")

	o, err := NewOrchestrator(cfg, "chain", mapResolver{}, nil)
	require.NoError(t, err)
	_, err = o.RunOrder()
	assert.ErrorContains(t, err, "not initialized")
	_, err = o.Execute(context.Background(), "")
	assert.ErrorContains(t, err, "not initialized")
}

func TestOrchestrator_RunOrder(t *testing.T) {
	o := newChainOrchestrator(t, chainConfig(t.TempDir(), 1), newChainHandlers())

	order, err := o.RunOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"crawl", "scrape", "parse"}, order)
}

func TestOrchestrator_ChainDeterministicAcrossWorkers(t *testing.T) {
	var baseline map[string]string

	for _, workers := range workerCounts {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			dir := t.TempDir()
			cfg := chainConfig(dir, workers)
			h := newChainHandlers()
			o := newChainOrchestrator(t, cfg, h)

			result, err := o.Execute(context.Background(), "")
			require.NoError(t, err)
			assert.True(t, result.Success)
			require.Len(t, result.Stages, 3)

			crawl, scrape, parse := result.Stages[0], result.Stages[1], result.Stages[2]
			assert.Equal(t, StageSucceeded, crawl.Status)
			assert.Equal(t, 101, crawl.Stats.Records)
			assert.Equal(t, 10, scrape.Stats.Failed)
			assert.Equal(t, 91, scrape.Stats.Succeeded)
			assert.Equal(t, 10, parse.Stats.Skipped, "upstream error rows are not parsed")
			assert.Equal(t, 91, parse.Stats.Processed)
			assert.Equal(t, int64(91), h.extractor.calls.Load())

			hashes := map[string]string{
				"urls":   outputHash(t, filepath.Join(dir, "urls.jsonl")),
				"raw":    outputHash(t, filepath.Join(dir, "raw.jsonl")),
				"parsed": outputHash(t, filepath.Join(dir, "parsed.jsonl")),
			}
			if baseline == nil {
				baseline = hashes
			}
			assert.Equal(t, baseline, hashes, "outputs must not depend on the worker count")
		})
	}
}

func TestOrchestrator_RepeatedRunRetriesOnlyErrorRows(t *testing.T) {
	dir := t.TempDir()
	cfg := chainConfig(dir, 4)
	h := newChainHandlers()
	o := newChainOrchestrator(t, cfg, h)

	_, err := o.Execute(context.Background(), "")
	require.NoError(t, err)
	before := outputHash(t, filepath.Join(dir, "raw.jsonl"))
	fetches := h.fetcher.calls.Load()

	result, err := o.Execute(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, StageSkipped, result.Stages[0].Status)
	assert.Equal(t, StageSucceeded, result.Stages[1].Status)
	assert.Equal(t, 10, result.Stages[1].Stats.Total, "only error rows are retried")
	assert.Equal(t, StageSkipped, result.Stages[2].Status)

	// 10 persistent failures x 3 attempts.
	assert.Equal(t, fetches+30, h.fetcher.calls.Load())
	assert.Equal(t, int64(101), h.expander.calls.Load())
	assert.Equal(t, before, outputHash(t, filepath.Join(dir, "raw.jsonl")))
}

func TestOrchestrator_IdempotentResumeWithoutFailures(t *testing.T) {
	dir := t.TempDir()
	cfg := chainConfig(dir, 8)
	h := newChainHandlers()
	resolver := mapResolver{
		"chain": h.expander,
		"fetch": FetchFunc(func(_ context.Context, key string) (string, []byte, error) {
			return "text", []byte(key), nil
		}),
		"count": h.extractor,
	}

	o, err := NewOrchestrator(cfg, "chain", resolver, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Initialize())

	_, err = o.Execute(context.Background(), "")
	require.NoError(t, err)
	calls := h.expander.calls.Load() + h.extractor.calls.Load()

	result, err := o.Execute(context.Background(), "")
	require.NoError(t, err)
	for _, st := range result.Stages {
		assert.Equal(t, StageSkipped, st.Status, "stage %s", st.Name)
	}
	assert.Equal(t, calls, h.expander.calls.Load()+h.extractor.calls.Load(), "a finished pipeline calls no handler")
}

func TestOrchestrator_SingleStage(t *testing.T) {
	dir := t.TempDir()
	h := newChainHandlers()
	o := newChainOrchestrator(t, chainConfig(dir, 2), h)

	_, err := o.Execute(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrStageNotFound)

	_, err = o.Execute(context.Background(), "scrape")
	assert.ErrorIs(t, err, ErrInputMissing, "scrape cannot run before crawl wrote its output")

	result, err := o.Execute(context.Background(), "crawl")
	require.NoError(t, err)
	require.Len(t, result.Stages, 1)
	assert.Zero(t, h.fetcher.calls.Load())
}

func TestOrchestrator_Publish(t *testing.T) {
	dir := t.TempDir()
	h := newChainHandlers()
	o := newChainOrchestrator(t, chainConfig(dir, 2), h)
	pub := &recordingPublisher{}
	o.SetPublisher(pub)

	result, err := o.Execute(context.Background(), "")
	require.NoError(t, err)

	assert.Len(t, pub.published["scrape"], 91, "only successful records are published")
	assert.NotContains(t, pub.published, "crawl", "crawl is not marked publish")
	assert.Equal(t, 91, result.Stages[1].Published)

	// Nothing new on a second run: the retried keys fail again.
	_, err = o.Execute(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, pub.published["scrape"], 91)
}

func TestOrchestrator_HandlerErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := chainConfig(dir, 1)

	o, err := NewOrchestrator(cfg, "chain", mapResolver{"chain": newFlakyFetcher()}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Initialize())

	result, err := o.Execute(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an expander")
	assert.False(t, result.Success)
	assert.Equal(t, StageFailed, result.Stages[0].Status)
	assert.Len(t, result.Stages, 1, "the run stops at the first failing stage")

	o, err = NewOrchestrator(cfg, "chain", mapResolver{}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Initialize())
	_, err = o.Execute(context.Background(), "")
	assert.ErrorContains(t, err, "not registered")
}

func TestOrchestrator_CancelledRun(t *testing.T) {
	dir := t.TempDir()
	o := newChainOrchestrator(t, chainConfig(dir, 2), newChainHandlers())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Execute(ctx, "")
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, result.Stages, 1)
	assert.Equal(t, StageCancelled, result.Stages[0].Status)
}

func TestOrchestrator_Plan(t *testing.T) {
	dir := t.TempDir()
	o := newChainOrchestrator(t, chainConfig(dir, 1), newChainHandlers())

	crawl, err := o.Step("crawl")
	require.NoError(t, err)
	plan, err := o.Plan(crawl)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, plan.Keys)
	assert.Equal(t, config.KindDiscover, plan.Kind)

	// Fake an upstream output with an error row and a duplicate.
	urls := filepath.Join(dir, "urls.jsonl")
	st, err := store.New(urls, filepath.Join(dir, "seed-tmp"), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.Append("0", []types.Record{{Key: "a"}, {Key: "b", Error: "x"}, {Key: "c"}}))
	_, err = st.Finalize()
	require.NoError(t, err)

	scrape, _ := o.Step("scrape")
	plan, err = o.Plan(scrape)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, plan.Keys)
	assert.Equal(t, 2, plan.Total)
	assert.Equal(t, 1, plan.Skipped)
	assert.Equal(t, []string{"a", "c"}, plan.Expected)

	_, err = o.Step("nope")
	assert.ErrorIs(t, err, ErrStageNotFound)
}

func TestOrchestrator_Verify(t *testing.T) {
	dir := t.TempDir()
	o := newChainOrchestrator(t, chainConfig(dir, 2), newChainHandlers())

	_, err := o.Execute(context.Background(), "")
	require.NoError(t, err)

	results, err := o.Verify(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Match, "stage %s: %s", r.Stage, r.ErrorMessage)
	}

	results, err = o.Verify(context.Background(), "scrape")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 101, results[0].Expected)
}

func TestOrchestrator_DiscoveryDoneOnlyAfterDrain(t *testing.T) {
	dir := t.TempDir()
	o := newChainOrchestrator(t, chainConfig(dir, 2), newChainHandlers())
	crawl, err := o.Step("crawl")
	require.NoError(t, err)

	// Output left by an interrupted run, seed included.
	st, err := o.OpenStore(crawl)
	require.NoError(t, err)
	require.NoError(t, st.Append("old", []types.Record{{Key: "0"}, {Key: "1"}}))
	_, err = st.Finalize()
	require.NoError(t, err)

	plan, err := o.Plan(crawl)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, plan.Keys)
	assert.Zero(t, plan.Completed)

	result, err := o.Execute(context.Background(), "crawl")
	require.NoError(t, err)
	assert.Equal(t, 101, result.Stages[0].Stats.Records)

	plan, err = o.Plan(crawl)
	require.NoError(t, err)
	assert.Empty(t, plan.Keys)
	assert.Equal(t, 1, plan.Completed)
}
