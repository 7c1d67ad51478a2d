package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
)

var planPipeline string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the execution plan of a pipeline",
	Long: `Plan resolves the stage order from the inputs and outputs of the
pipeline and displays the effective settings of every stage.

The plan shows:
  - Stage flow (upstream stages first)
  - Per-stage handler, files, workers, retries and checkpoint interval
  - Stage dependencies and inputs read from outside the pipeline

Example:
  goscrape plan --config pipeline.yaml --pipeline bpn`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planPipeline, "pipeline", "p", "",
		"Pipeline name from configuration file (required)")
	planCmd.MarkFlagRequired("pipeline")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cfg, planPipeline, logger.NewNop())
	if err != nil {
		return err
	}
	order, err := orch.RunOrder()
	if err != nil {
		return err
	}
	g := orch.Graph()

	p := newPrinter(cmd)
	p.Header("Execution Plan: %s", planPipeline)
	p.Blank()

	p.Section("Pipeline Overview")
	p.KV(12, "Website", dash(orch.Pipeline().Website))
	p.KV(12, "Stages", g.NodeCount())
	method := cfg.Verification.Method
	if cfg.Verification.SkipVerification {
		method = "skip"
	}
	p.KV(12, "Verification", method)
	p.KV(12, "Temp dir", cfg.Workspace.TempDir)
	p.Blank()

	p.Section("Stage Flow")
	p.Flow(order, 78)
	p.Blank()

	p.Section("Stages (run order)")
	rows := make([][]string, 0, len(order))
	for i, name := range order {
		step, err := orch.Step(name)
		if err != nil {
			return err
		}
		proc := orch.Processing(step)
		rows = append(rows, []string{
			itoa(i + 1),
			name,
			step.StageKind(),
			step.Handler,
			dash(step.Input),
			step.Output,
			itoa(proc.Workers()),
			itoa(proc.MaxRetries),
			itoa(proc.CheckpointTime),
		})
	}
	p.Table([]string{"#", "STAGE", "KIND", "HANDLER", "INPUT", "OUTPUT", "WORKERS", "RETRIES", "CHECKPOINT"}, rows)

	edges := g.AllEdges()
	if len(edges) > 0 || len(g.External) > 0 {
		p.Blank()
		p.Section("Dependencies")
		for _, e := range edges {
			p.Line("  %s -> %s", e.From, e.To)
		}
		for _, name := range order {
			if input, ok := g.External[name]; ok {
				p.Line("  %s reads %s (external)", name, input)
			}
		}
	}

	if seeds := seedSummary(orch.Pipeline().Steps); seeds != "" {
		p.Blank()
		p.Section("Seeds")
		p.Line("%s", seeds)
	}
	return nil
}

func seedSummary(steps []config.StepConfig) string {
	var b strings.Builder
	for i := range steps {
		seeds := steps[i].AllSeeds()
		if len(seeds) == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s: %s\n", steps[i].Name, strings.Join(seeds, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
