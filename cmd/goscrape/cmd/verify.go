package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	verifyPipeline string
	verifyStage    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-verify the finalized outputs of a pipeline",
	Long: `Verify checks that every stage output covers each of its expected keys
exactly once and that no checkpoint is left unmerged. With sha256
verification and the ledger enabled, the digest of each output is also
compared with the one recorded by the last run.

Example:
  goscrape verify --config pipeline.yaml --pipeline bpn --stage scrape`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyPipeline, "pipeline", "p", "",
		"Pipeline name from configuration file (required)")
	verifyCmd.MarkFlagRequired("pipeline")

	verifyCmd.Flags().StringVar(&verifyStage, "stage", "",
		"Verify only this stage")

	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx := context.Background()

	orch, err := newOrchestrator(cfg, verifyPipeline, log)
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

	results, verr := orch.Verify(ctx, verifyStage)

	p := newPrinter(cmd)
	p.Header("Verification: %s", verifyPipeline)
	p.Blank()
	printVerifyResults(p, results)

	if verr != nil {
		return fmt.Errorf("verification failed: %w", verr)
	}
	p.Blank()
	p.Line("All outputs verified")
	return nil
}
