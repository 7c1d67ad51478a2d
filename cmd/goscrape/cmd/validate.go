package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscrape/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and run preflight checks",
	Long: `Validate checks the configuration file and runs preflight checks on
every pipeline to ensure safe execution.

Checks performed:
  - Configuration syntax and required fields
  - Stage graph is acyclic
  - Every stage handler is registered and matches the stage kind
  - Inputs read from outside the pipeline exist
  - Output and checkpoint directories are writable
  - Ledger database connectivity (when enabled)

Example:
  goscrape validate --config pipeline.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	log.Info("Starting validation checks...")

	cmd.Printf("\n=== Configuration Validation ===\n")
	cmd.Printf("Config file: %s\n", GetConfigFile())
	cmd.Printf("Pipelines found: %d\n\n", len(cfg.Pipelines))

	if err := cfg.Validate(); err != nil {
		cmd.Printf("❌ %v\n", err)
		return fmt.Errorf("configuration is invalid")
	}

	ctx := context.Background()
	var db *sql.DB
	mgr, _, err := openLedger(ctx, cfg, log)
	if err != nil {
		cmd.Printf("❌ Ledger database: %v\n\n", err)
		return fmt.Errorf("validation failed: %w", err)
	}
	if mgr != nil {
		defer mgr.Close()
		db = mgr.Ledger
	}

	hasErrors := false
	for _, name := range cfg.ListPipelines() {
		p, _ := cfg.GetPipeline(name)
		cmd.Printf("--- Pipeline: %s ---\n", name)
		cmd.Printf("Website: %s\n", dash(p.Website))
		cmd.Printf("Stages: %d\n", len(p.Steps))

		orch, err := newOrchestrator(cfg, name, log)
		if err != nil {
			cmd.Printf("❌ %v\n\n", err)
			hasErrors = true
			continue
		}

		checker, err := pipeline.NewPreflightChecker(orch, db, log)
		if err != nil {
			cmd.Printf("❌ Failed to create preflight checker: %v\n\n", err)
			hasErrors = true
			continue
		}
		if err := checker.RunAllChecks(ctx); err != nil {
			cmd.Printf("❌ Preflight checks failed: %v\n\n", err)
			hasErrors = true
			continue
		}

		cmd.Printf("✅ All checks passed\n\n")
	}

	if hasErrors {
		return fmt.Errorf("validation failed for one or more pipelines")
	}

	cmd.Println("=== Validation Complete ===")
	cmd.Println("✅ All pipelines validated successfully")
	return nil
}
