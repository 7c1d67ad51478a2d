package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/database"
	"github.com/dbsmedya/goscrape/internal/lock"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/pipeline"
	"github.com/dbsmedya/goscrape/internal/report"
	"github.com/dbsmedya/goscrape/internal/sites"
)

// loadConfig reads the config file and applies the CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	o := GetCLIOverrides()
	cfg.ApplyOverrides(o.LogLevel, o.LogFormat, o.Workers, o.MaxRetries, o.CheckpointTime, o.SkipVerify)
	return cfg, nil
}

// setup loads the config and creates the logger.
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// newOrchestrator builds an initialized orchestrator for a pipeline, with
// handlers resolved from the built-in site registry.
func newOrchestrator(cfg *config.Config, name string, log *logger.Logger) (*pipeline.Orchestrator, error) {
	registry := sites.Default(sites.Env{HTTP: cfg.HTTP, Logger: log})
	orch, err := pipeline.NewOrchestrator(cfg, name, registry, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	o := GetCLIOverrides()
	orch.SetOverrides(o.Workers, o.MaxRetries, o.CheckpointTime)
	if err := orch.Initialize(); err != nil {
		return nil, fmt.Errorf("orchestrator initialization failed: %w", err)
	}
	return orch, nil
}

// openLedger connects to the ledger database and makes sure its tables exist.
// It returns nils when the ledger is disabled.
func openLedger(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.Manager, *pipeline.Ledger, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil, nil
	}
	mgr := database.NewManager(&cfg.Ledger)
	if err := mgr.Connect(ctx); err != nil {
		return nil, nil, err
	}
	ledger, err := pipeline.NewLedger(mgr.Ledger, cfg.Ledger.TablePrefix, log)
	if err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	if err := ledger.InitializeTables(ctx); err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("failed to initialize ledger tables: %w", err)
	}
	return mgr, ledger, nil
}

// acquirePipelineLock takes the advisory lock of a pipeline unless force is
// set or there is no ledger database. The returned func releases it.
func acquirePipelineLock(ctx context.Context, mgr *database.Manager, name string, force bool, log *logger.Logger) (func(), error) {
	if mgr == nil {
		return func() {}, nil
	}
	if force {
		log.Warnw("Skipping advisory lock acquisition (--force flag used)", "pipeline", name)
		return func() {}, nil
	}
	l := lock.NewPipelineLock(mgr.Ledger, name, log)
	if err := l.AcquireOrFail(ctx); err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, fmt.Errorf("pipeline '%s' is already running on another instance (use --force to override)", name)
		}
		return nil, fmt.Errorf("failed to acquire pipeline lock: %w", err)
	}
	log.Infow("Acquired advisory lock for pipeline", "pipeline", name)
	return func() {
		if _, err := l.ReleaseLock(context.Background()); err != nil {
			log.Warnw("Failed to release pipeline lock", "pipeline", name, "error", err)
		}
	}, nil
}

// newPrinter renders to the command's output, in color only on a terminal.
func newPrinter(cmd *cobra.Command) *report.Printer {
	out := cmd.OutOrStdout()
	return report.NewPrinter(out, isTerminal(out) && color.SupportColor())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
