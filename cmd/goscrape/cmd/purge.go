package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	purgePipeline string
	purgeStage    string
	purgeOutputs  bool
	purgeForce    bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Reset a stage by removing its checkpoints",
	Long: `Purge removes the checkpoint files of a stage so the next run starts it
from its input again. With --outputs the finalized output is removed too.

Downstream stages keep their outputs. Run purge on them as well to rebuild
them from the new output.

WARNING: With --outputs the records of the stage are permanently deleted.

Example:
  goscrape purge --config pipeline.yaml --pipeline bpn --stage scrape --outputs`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().StringVarP(&purgePipeline, "pipeline", "p", "",
		"Pipeline name from configuration file (required)")
	purgeCmd.MarkFlagRequired("pipeline")

	purgeCmd.Flags().StringVar(&purgeStage, "stage", "",
		"Stage to reset (required)")
	purgeCmd.MarkFlagRequired("stage")

	purgeCmd.Flags().BoolVar(&purgeOutputs, "outputs", false,
		"Also remove the finalized output of the stage")
	purgeCmd.Flags().BoolVar(&purgeForce, "force", false,
		"Purge even if the pipeline lock cannot be acquired (use with caution)")

	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx := context.Background()

	orch, err := newOrchestrator(cfg, purgePipeline, log)
	if err != nil {
		return err
	}
	step, err := orch.Step(purgeStage)
	if err != nil {
		return err
	}

	mgr, _, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	if mgr != nil {
		defer mgr.Close()
	}
	release, err := acquirePipelineLock(ctx, mgr, purgePipeline, purgeForce, log)
	if err != nil {
		return err
	}
	defer release()

	st, err := orch.OpenStore(step)
	if err != nil {
		return err
	}
	removed, err := st.Purge(purgeOutputs)
	if err != nil {
		return fmt.Errorf("failed to purge stage %s: %w", purgeStage, err)
	}

	log.Infow("Purged stage",
		"pipeline", purgePipeline,
		"stage", purgeStage,
		"outputs", purgeOutputs,
		"removed", removed)

	cmd.Printf("Purged stage %s of %s: removed %d file(s)\n", purgeStage, purgePipeline, removed)
	if downstream := orch.Graph().Downstream(purgeStage); len(downstream) > 0 && purgeOutputs {
		cmd.Printf("Downstream stages keep their outputs: %v\n", downstream)
	}
	return nil
}
