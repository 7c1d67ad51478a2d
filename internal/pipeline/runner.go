package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dbsmedya/goscrape/internal/backoff"
	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/metrics"
)

// PolicyFor builds the retry policy of a stage.
func PolicyFor(p config.ProcessingConfig) backoff.Policy {
	return backoff.Policy{
		MaxRetries: p.MaxRetries,
		Min:        p.BackoffMinDuration(),
		Max:        p.BackoffMaxDuration(),
		Factor:     p.BackoffFactor,
	}
}

// itemRunner applies a stage's retry policy to single work items and counts
// what happened.
type itemRunner struct {
	stage  string
	policy backoff.Policy
	logger *logger.Logger

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	records   atomic.Int64
	retries   atomic.Int64
}

func newItemRunner(stage string, processing config.ProcessingConfig, log *logger.Logger) *itemRunner {
	return &itemRunner{
		stage:  stage,
		policy: PolicyFor(processing),
		logger: log,
	}
}

// run calls fn with retry. Each attempt runs on its own goroutine so that a
// cancelled context abandons a handler stuck in I/O.
func (r *itemRunner) run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return r.policy.Retry(ctx,
		func(ctx context.Context, _ int) error {
			return callAbandonable(ctx, fn)
		},
		func(attempt int, err error, wait time.Duration) {
			r.retries.Add(1)
			metrics.ObserveRetry(r.stage)
			r.logger.Warnw("Attempt failed, retrying",
				"key", key,
				"attempt", attempt+1,
				"wait", wait,
				"error", err)
		})
}

// observe records the outcome of a finished item.
func (r *itemRunner) observe(key string, produced int, err error) {
	r.processed.Add(1)
	r.records.Add(int64(produced))
	if err != nil {
		r.failed.Add(1)
		metrics.ObserveItem(r.stage, metrics.StatusFailed)
		r.logger.Errorw("Item failed", "key", key, "error", err)
		return
	}
	if produced > 0 {
		r.succeeded.Add(1)
	}
	metrics.ObserveItem(r.stage, metrics.StatusSuccess)
}

func callAbandonable(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
