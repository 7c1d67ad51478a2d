package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscrape/internal/logger"
)

func TestNewEstimator_Validation(t *testing.T) {
	_, err := NewEstimator(nil)
	assert.ErrorContains(t, err, "orchestrator is nil")

	o, err := NewOrchestrator(chainConfig(t.TempDir(), 1), "chain", mapResolver{}, logger.NewNop())
	require.NoError(t, err)
	_, err = NewEstimator(o)
	assert.ErrorContains(t, err, "not initialized")
}

func TestEstimator_BeforeFirstRun(t *testing.T) {
	o := newChainOrchestrator(t, chainConfig(t.TempDir(), 2), newChainHandlers())
	e, err := NewEstimator(o)
	require.NoError(t, err)

	result, err := e.Estimate()
	require.NoError(t, err)
	require.Len(t, result.Stages, 3)
	assert.Equal(t, "chain", result.Pipeline)

	crawl := result.Stages[0]
	assert.Equal(t, "crawl", crawl.Name)
	assert.Equal(t, EstimatePending, crawl.Status)
	assert.Equal(t, 1, crawl.Remaining)
	assert.Zero(t, crawl.Chunks)

	for _, st := range result.Stages[1:] {
		assert.Equal(t, EstimateWaiting, st.Status, st.Name)
		assert.Zero(t, st.Total)
	}
}

func TestEstimator_AfterRun(t *testing.T) {
	h := newChainHandlers()
	o := newChainOrchestrator(t, chainConfig(t.TempDir(), 2), h)
	_, err := o.Execute(context.Background(), "")
	require.NoError(t, err)

	e, err := NewEstimator(o)
	require.NoError(t, err)
	result, err := e.Estimate()
	require.NoError(t, err)

	byName := make(map[string]StageEstimate)
	for _, st := range result.Stages {
		byName[st.Name] = st
	}

	assert.Equal(t, EstimateDone, byName["crawl"].Status)

	scrape := byName["scrape"]
	assert.Equal(t, EstimatePending, scrape.Status, "error rows are retried on the next run")
	assert.Equal(t, 101, scrape.Total)
	assert.Equal(t, 91, scrape.Completed)
	assert.Equal(t, 10, scrape.Remaining)
	assert.Equal(t, 2, scrape.Chunks)

	parse := byName["parse"]
	assert.Equal(t, EstimateDone, parse.Status)
	assert.Equal(t, 10, parse.Skipped)
	assert.Equal(t, 91, parse.Total)
}
