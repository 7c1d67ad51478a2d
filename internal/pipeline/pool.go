package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/metrics"
	"github.com/dbsmedya/goscrape/internal/store"
	"github.com/dbsmedya/goscrape/internal/types"
)

// ProcessFunc handles one key of a static stage and returns the records to persist.
type ProcessFunc func(ctx context.Context, key string) ([]types.Record, error)

// Pool runs a static stage: the key set is split into contiguous chunks and
// every chunk is processed by its own worker, checkpointing to its own shard.
type Pool struct {
	stage      string
	store      *store.Store
	processing config.ProcessingConfig
	logger     *logger.Logger
}

// NewPool creates a pool writing to st.
func NewPool(stage string, st *store.Store, processing config.ProcessingConfig, log *logger.Logger) (*Pool, error) {
	if st == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Pool{
		stage:      stage,
		store:      st,
		processing: processing,
		logger:     log,
	}, nil
}

// Run processes keys and finalizes the store. Checkpoints are flushed and
// merged even when ctx is cancelled; in that case the context error is
// returned after the merge.
func (p *Pool) Run(ctx context.Context, keys []string, process ProcessFunc) (*types.StageStats, error) {
	start := time.Now()
	stats := &types.StageStats{Total: len(keys)}
	runner := newItemRunner(p.stage, p.processing, p.logger)

	chunks := Split(keys, p.processing.Workers())
	p.logger.Infow("Starting workers",
		"keys", len(keys),
		"workers", len(chunks),
		"checkpoint_time", p.processing.CheckpointTime)

	stopMonitor := p.monitor(runner, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		shard := strconv.Itoa(i)
		g.Go(func() error {
			return p.work(gctx, shard, chunk, runner, process)
		})
	}
	runErr := g.Wait()
	stopMonitor()

	if _, err := p.store.Finalize(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to finalize %s: %w", p.stage, err))
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	stats.Processed = int(runner.processed.Load())
	stats.Succeeded = int(runner.succeeded.Load())
	stats.Failed = int(runner.failed.Load())
	stats.Records = int(runner.records.Load())
	stats.Retries = int(runner.retries.Load())
	stats.Duration = time.Since(start)
	return stats, runErr
}

// work processes one chunk. Only checkpoint failures end it early with an error.
func (p *Pool) work(ctx context.Context, shard string, chunk []string, runner *itemRunner, process ProcessFunc) error {
	log := p.logger.WithFields(map[string]interface{}{"shard": shard})
	every := p.processing.CheckpointTime
	if every <= 0 {
		every = 1
	}

	var buf []types.Record
	pending := 0
	flush := func() error {
		if pending == 0 && len(buf) == 0 {
			return nil
		}
		if err := p.store.Append(shard, buf); err != nil {
			return fmt.Errorf("failed to checkpoint shard %s: %w", shard, err)
		}
		metrics.ObserveCheckpoint(p.stage)
		log.Debugw("Checkpoint flushed", "records", len(buf), "items", pending)
		buf = buf[:0]
		pending = 0
		return nil
	}

	for _, key := range chunk {
		if ctx.Err() != nil {
			break
		}

		metrics.IncActiveWorkers(p.stage)
		var out []types.Record
		err := runner.run(ctx, key, func(ctx context.Context) error {
			recs, err := process(ctx, key)
			if err != nil {
				return err
			}
			out = recs
			return nil
		})
		metrics.DecActiveWorkers(p.stage)

		if err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			out = []types.Record{types.FailureRecord(key, err)}
		}
		runner.observe(key, len(out), err)

		buf = append(buf, out...)
		pending++
		if pending >= every {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// monitor logs progress every progress_interval until the returned func is called.
func (p *Pool) monitor(runner *itemRunner, total int) func() {
	interval := p.processing.ProgressEvery()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.logger.Infow("Progress",
					"processed", runner.processed.Load(),
					"total", total,
					"failed", runner.failed.Load(),
					"retries", runner.retries.Load())
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
