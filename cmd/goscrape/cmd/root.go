package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile        string
	logLevel       string
	logFormat      string
	workers        int
	maxRetries     int
	checkpointTime int
	skipVerify     bool
)

var rootCmd = &cobra.Command{
	Use:   "goscrape",
	Short: "Resumable Discover, Fetch and Extract scraping pipelines",
	Long: `A CLI tool that runs multi-stage scraping pipelines: discover URLs,
fetch their raw content and extract structured records.

Features:
  - Stage ordering from input/output files using Kahn's algorithm
  - Parallel workers with retry and exponential backoff
  - Crash recovery from JSONL checkpoints, no item is fetched twice
  - Idempotent merge-and-deduplicate finalization
  - Output verification (count and SHA256)`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "pipeline.yaml",
		"Path to configuration file")

	// Logging overrides
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	// Processing overrides
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0,
		"Override the number of workers of every stage")
	rootCmd.PersistentFlags().IntVar(&maxRetries, "max-retries", 0,
		"Override the attempts made per item before recording an error")
	rootCmd.PersistentFlags().IntVar(&checkpointTime, "checkpoint-time", 0,
		"Override the number of items between checkpoint flushes")

	rootCmd.PersistentFlags().BoolVar(&skipVerify, "skip-verify", false,
		"Skip output verification after each stage")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel       string
	LogFormat      string
	Workers        int
	MaxRetries     int
	CheckpointTime int
	SkipVerify     bool
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		Workers:        workers,
		MaxRetries:     maxRetries,
		CheckpointTime: checkpointTime,
		SkipVerify:     skipVerify,
	}
}
