package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/metrics"
	"github.com/dbsmedya/goscrape/internal/pipeline"
	"github.com/dbsmedya/goscrape/internal/publish"
)

var (
	runPipeline string
	runStage    string
	runForce    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline, or one of its stages",
	Long: `Run executes the stages of a pipeline in dependency order. Each stage
works only on the keys its output does not cover yet, so an interrupted
run resumes where it stopped.

The run process:
  1. Plan the remaining keys of the stage from its input and output
  2. Process them with parallel workers, checkpointing as it goes
  3. Merge the checkpoints into the output (deduplicated by key)
  4. Verify the output and publish it when the stage asks for it

Example:
  goscrape run --config pipeline.yaml --pipeline bpn
  goscrape run --config pipeline.yaml --pipeline bpn --stage parse`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPipeline, "pipeline", "p", "",
		"Pipeline name from configuration file (required)")
	runCmd.MarkFlagRequired("pipeline")

	runCmd.Flags().StringVar(&runStage, "stage", "",
		"Run only this stage")
	runCmd.Flags().BoolVar(&runForce, "force", false,
		"Force execution even if the pipeline lock cannot be acquired (use with caution)")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Infow("Starting pipeline run",
		"pipeline", runPipeline,
		"stage", runStage,
		"config", GetConfigFile(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, err := newOrchestrator(cfg, runPipeline, log)
	if err != nil {
		return err
	}

	mgr, ledger, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	if mgr != nil {
		defer mgr.Close()
		orch.SetLedger(ledger)
	}

	release, err := acquirePipelineLock(ctx, mgr, runPipeline, runForce, log)
	if err != nil {
		return err
	}
	defer release()

	if cfg.Redis.Enabled {
		orch.SetVisitedFactory(redisVisited(cfg.Redis))
		log.Infow("Using Redis visited set", "addr", cfg.Redis.Addr)
	}

	if cfg.Kafka.Enabled {
		producer, err := publish.NewProducer(cfg.Kafka.Broker, cfg.Kafka.Topic, log)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				log.Warnw("Failed to close kafka producer", "error", err)
			}
		}()
		orch.SetPublisher(producer)
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path, log); err != nil {
				log.Warnw("Metrics endpoint stopped", "error", err)
			}
		}()
	}

	stop := handleSignals(cancel, log)
	defer stop()

	result, err := orch.Execute(ctx, runStage)
	if result != nil {
		printRunResult(newPrinter(cmd), result)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Pipeline run cancelled by user")
			return nil
		}
		return fmt.Errorf("pipeline run failed: %w", err)
	}
	return nil
}

// handleSignals cancels the run on SIGINT or SIGTERM. The stage in flight
// still flushes and finalizes its checkpoints.
func handleSignals(cancel context.CancelFunc, log *logger.Logger) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigChan:
			log.Warn("Received shutdown signal - finishing in-flight items...")
			cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// redisVisited opens one Redis-backed visited set per discovery run.
func redisVisited(cfg config.RedisConfig) pipeline.VisitedFactory {
	return func(_ context.Context, scope string) (pipeline.VisitedSet, error) {
		set, err := pipeline.NewRedisVisitedSet(pipeline.NewRedisStore(cfg.Addr), cfg.Prefix, scope, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return set, nil
	}
}
