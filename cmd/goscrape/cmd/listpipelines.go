package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var listPipelinesCmd = &cobra.Command{
	Use:   "list-pipelines",
	Short: "List all pipelines defined in configuration",
	Long: `List-pipelines displays all pipelines defined in the configuration file
along with their stages.

Example:
  goscrape list-pipelines --config pipeline.yaml`,
	RunE: runListPipelines,
}

func init() {
	rootCmd.AddCommand(listPipelinesCmd)
}

func runListPipelines(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	names := cfg.ListPipelines()
	if len(names) == 0 {
		cmd.Printf("No pipelines defined in %s\n", configFile)
		return nil
	}

	cmd.Printf("Pipelines defined in %s:\n\n", configFile)

	for i, name := range names {
		p, err := cfg.GetPipeline(name)
		if err != nil {
			return fmt.Errorf("failed to get pipeline %q: %w", name, err)
		}

		cmd.Printf("%d. %s\n", i+1, name)
		if p.Website != "" {
			cmd.Printf("   Website:   %s\n", p.Website)
		}
		cmd.Printf("   Stages:    %d\n", len(p.Steps))

		for _, step := range p.Steps {
			cmd.Printf("      - %s (%s, handler: %s)\n", step.Name, step.StageKind(), step.Handler)
			if seeds := step.AllSeeds(); len(seeds) > 0 {
				cmd.Printf("         seeds: %s\n", strings.Join(seeds, ", "))
			}
			if step.Processing != nil {
				cmd.Printf("         processing: custom (workers=%d, max_retries=%d)\n",
					step.Processing.Workers(), step.Processing.MaxRetries)
			}
		}

		if i < len(names)-1 {
			cmd.Println()
		}
	}

	cmd.Printf("\nTotal: %d pipeline(s)\n", len(names))
	return nil
}
