package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/metrics"
	"github.com/dbsmedya/goscrape/internal/store"
	"github.com/dbsmedya/goscrape/internal/types"
)

// Discovery runs a dynamic stage: workers pull keys from a shared frontier,
// expand them and push back the keys they find until the frontier drains.
type Discovery struct {
	stage      string
	expander   Expander
	store      *store.Store
	visited    VisitedSet
	processing config.ProcessingConfig
	logger     *logger.Logger

	// Shard names this run's checkpoint. Snapshots overwrite it, so it must
	// not collide with checkpoints left by an interrupted earlier run.
	Shard string
}

// NewDiscovery creates a discovery stage. A nil visited set uses memory.
func NewDiscovery(stage string, exp Expander, st *store.Store, visited VisitedSet, processing config.ProcessingConfig, log *logger.Logger) (*Discovery, error) {
	if exp == nil {
		return nil, fmt.Errorf("expander is nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if visited == nil {
		visited = NewMemoryVisitedSet()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Discovery{
		stage:      stage,
		expander:   exp,
		store:      st,
		visited:    visited,
		processing: processing,
		logger:     log,
		Shard:      "discover-" + uuid.NewString()[:8],
	}, nil
}

// Run expands seeds until no key is queued or active, then finalizes the
// store and marks it complete. Only records returned by the expander are
// written; a key that yields none leaves no trace in the output. On
// cancellation the records collected so far are still flushed and merged
// before the context error is returned, and the store stays incomplete.
func (d *Discovery) Run(ctx context.Context, seeds []string) (*types.StageStats, error) {
	start := time.Now()

	// A restarted discovery is incomplete until its frontier drains again.
	if err := d.store.ClearComplete(); err != nil {
		return nil, err
	}

	claimed, err := d.visited.Claim(ctx, seeds)
	if err != nil {
		return nil, fmt.Errorf("failed to claim seeds: %w", err)
	}

	frontier := NewFrontier(claimed, d.processing.PollInterval)
	defer frontier.Close()

	runner := newItemRunner(d.stage, d.processing, d.logger)
	workers := d.processing.Workers()
	if workers < 1 {
		workers = 1
	}

	d.logger.Infow("Starting discovery",
		"seeds", len(claimed),
		"workers", workers,
		"checkpoint_time", d.processing.CheckpointTime)

	stopMonitor := d.monitor(frontier)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		log := d.logger.WithWorker(i)
		g.Go(func() error {
			return d.work(gctx, frontier, runner, log)
		})
	}
	runErr := g.Wait()
	stopMonitor()

	records := frontier.Records()
	fst := frontier.Stats()

	if err := d.store.Replace(d.Shard, records); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to checkpoint %s: %w", d.stage, err))
	} else if _, err := d.store.Finalize(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to finalize %s: %w", d.stage, err))
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr == nil {
		runErr = d.store.MarkComplete()
	}

	d.logger.Infow("Discovery finished",
		"visited", fst.Enqueued,
		"completed", fst.Completed,
		"records", len(records),
		"failed", runner.failed.Load())

	return &types.StageStats{
		Total:     fst.Enqueued,
		Processed: int(runner.processed.Load()),
		Succeeded: int(runner.succeeded.Load()),
		Failed:    int(runner.failed.Load()),
		Records:   len(records),
		Retries:   int(runner.retries.Load()),
		Duration:  time.Since(start),
	}, runErr
}

func (d *Discovery) work(ctx context.Context, frontier *Frontier, runner *itemRunner, log *logger.Logger) error {
	for {
		key, ok, err := frontier.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		metrics.IncActiveWorkers(d.stage)
		var next []string
		var recs []types.Record
		err = runner.run(ctx, key, func(ctx context.Context) error {
			n, r, err := d.expander.Expand(ctx, key)
			if err != nil {
				return err
			}
			next, recs = n, r
			return nil
		})
		metrics.DecActiveWorkers(d.stage)

		if err != nil && ctx.Err() != nil {
			frontier.release(key)
			return ctx.Err()
		}
		if err != nil {
			next, recs = nil, []types.Record{types.FailureRecord(key, err)}
		}
		runner.observe(key, len(recs), err)

		// Claim while still counted active so the frontier cannot drain
		// before the new keys are queued.
		fresh, claimErr := d.visited.Claim(ctx, next)
		if completeErr := frontier.Complete(fresh, recs); completeErr != nil {
			return completeErr
		}
		if claimErr != nil {
			return fmt.Errorf("failed to claim keys from %s: %w", key, claimErr)
		}
		log.Debugw("Expanded", "key", key, "next", len(next), "new", len(fresh))
	}
}

// monitor logs frontier progress and snapshots records to the checkpoint
// every time the completed count crosses a multiple of checkpoint_time.
func (d *Discovery) monitor(frontier *Frontier) func() {
	interval := d.processing.ProgressEvery()
	every := d.processing.CheckpointTime

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastMark := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			st := frontier.Stats()
			metrics.SetFrontierDepth(d.stage, st.Queued)
			d.logger.Infow("Progress",
				"visited", st.Enqueued,
				"completed", st.Completed,
				"queued", st.Queued,
				"active", st.Active)

			if every > 0 && st.Completed/every > lastMark {
				lastMark = st.Completed / every
				if err := d.store.Replace(d.Shard, frontier.Records()); err != nil {
					d.logger.Warnw("Checkpoint snapshot failed", "error", err)
					continue
				}
				metrics.ObserveCheckpoint(d.stage)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		metrics.SetFrontierDepth(d.stage, 0)
	}
}
