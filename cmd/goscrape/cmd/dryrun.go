package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/pipeline"
)

var dryrunPipeline string

var dryrunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Estimate the remaining work of a pipeline without running it",
	Long: `Dry-run reads the inputs and outputs of every stage and reports what
a run would do, without calling any handler or writing any file.

The dry-run shows:
  - Keys already covered by each stage output
  - Keys a run would process and the chunks they split into
  - Upstream error rows that would be skipped
  - Stages waiting on the output of an upstream stage

Example:
  goscrape dry-run --config pipeline.yaml --pipeline bpn`,
	RunE: runDryrun,
}

func init() {
	dryrunCmd.Flags().StringVarP(&dryrunPipeline, "pipeline", "p", "",
		"Pipeline name from configuration file (required)")
	dryrunCmd.MarkFlagRequired("pipeline")

	rootCmd.AddCommand(dryrunCmd)
}

func runDryrun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cfg, dryrunPipeline, logger.NewNop())
	if err != nil {
		return err
	}
	estimator, err := pipeline.NewEstimator(orch)
	if err != nil {
		return fmt.Errorf("failed to create estimator: %w", err)
	}
	estimate, err := estimator.Estimate()
	if err != nil {
		return fmt.Errorf("failed to estimate pipeline: %w", err)
	}

	p := newPrinter(cmd)
	p.Header("Dry Run: %s", estimate.Pipeline)
	p.KV(7, "Website", dash(estimate.Website))
	p.Blank()

	remaining := 0
	rows := make([][]string, 0, len(estimate.Stages))
	for _, s := range estimate.Stages {
		remaining += s.Remaining
		rows = append(rows, []string{
			s.Name,
			s.Kind,
			s.Handler,
			p.Status(s.Status),
			itoa(s.Total),
			itoa(s.Completed),
			itoa(s.Remaining),
			itoa(s.Skipped),
			itoa(s.Workers),
			itoa(s.Chunks),
		})
	}
	p.Table([]string{"STAGE", "KIND", "HANDLER", "STATUS", "TOTAL", "DONE", "REMAINING", "SKIPPED", "WORKERS", "CHUNKS"}, rows)
	p.Blank()
	p.Line("Keys to process: %d (stages waiting on upstream are not counted)", remaining)
	p.Line("No handler was called.")
	return nil
}
