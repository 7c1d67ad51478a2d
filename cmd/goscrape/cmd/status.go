package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/pipeline"
	"github.com/dbsmedya/goscrape/internal/report"
)

var (
	statusPipeline string
	statusRuns     int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the output coverage of every stage of a pipeline",
	Long: `Status reports what each stage output holds: records, successes,
recorded errors, checkpoints awaiting finalize and how many input keys are
covered. With the ledger enabled it also lists the most recent runs.

Example:
  goscrape status --config pipeline.yaml --pipeline bpn`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusPipeline, "pipeline", "p", "",
		"Pipeline name from configuration file (required)")
	statusCmd.MarkFlagRequired("pipeline")

	statusCmd.Flags().IntVar(&statusRuns, "runs", 10,
		"Number of recent runs to list when the ledger is enabled")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.NewNop()

	orch, err := newOrchestrator(cfg, statusPipeline, log)
	if err != nil {
		return err
	}
	order, err := orch.RunOrder()
	if err != nil {
		return err
	}

	p := newPrinter(cmd)
	p.Header("Status: %s", statusPipeline)
	p.Blank()
	p.Section("Stage Outputs")

	rows := make([][]string, 0, len(order))
	for _, name := range order {
		step, err := orch.Step(name)
		if err != nil {
			return err
		}
		st, err := orch.OpenStore(step)
		if err != nil {
			return err
		}
		stats, err := st.Stats()
		if err != nil {
			return fmt.Errorf("failed to read output of %s: %w", name, err)
		}

		coverage, state := "-", "pending"
		plan, err := orch.Plan(step)
		switch {
		case errors.Is(err, pipeline.ErrInputMissing):
			state = pipeline.EstimateWaiting
		case err != nil:
			return err
		default:
			coverage = ratio(plan.Completed, plan.Total)
			if plan.Completed == plan.Total && stats.Checkpoints == 0 {
				state = "done"
			}
		}

		rows = append(rows, []string{
			name,
			step.Output,
			itoa(stats.Records),
			itoa(stats.Succeeded),
			itoa(stats.Failed),
			itoa(stats.Checkpoints),
			itoa(stats.Pending),
			coverage,
			p.Status(state),
		})
	}
	p.Table([]string{"STAGE", "OUTPUT", "RECORDS", "OK", "FAILED", "CHECKPOINTS", "PENDING", "COVERAGE", "STATUS"}, rows)

	if !cfg.Ledger.Enabled {
		return nil
	}

	ctx := context.Background()
	mgr, ledger, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	runs, err := ledger.RecentRuns(ctx, statusPipeline, statusRuns)
	if err != nil {
		return fmt.Errorf("failed to read recent runs: %w", err)
	}
	p.Blank()
	p.Section("Recent Runs")
	printRuns(p, runs)
	return nil
}

func printRuns(p *report.Printer, runs []pipeline.RunEntry) {
	if len(runs) == 0 {
		p.Line("  (no runs recorded)")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			r.RunID,
			p.Status(string(r.Status)),
			r.StartedAt.Format(time.DateTime),
			duration,
			dash(r.Error),
		})
	}
	p.Table([]string{"RUN", "STATUS", "STARTED", "DURATION", "ERROR"}, rows)
}
