package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := substituteEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(cfg *Config) error {
	cfg.Workspace.TempDir = expandEnvVar(cfg.Workspace.TempDir)
	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)

	cfg.Ledger.Host = expandEnvVar(cfg.Ledger.Host)
	cfg.Ledger.User = expandEnvVar(cfg.Ledger.User)
	cfg.Ledger.Password = expandEnvVar(cfg.Ledger.Password)
	cfg.Ledger.Database = expandEnvVar(cfg.Ledger.Database)

	cfg.Redis.Addr = expandEnvVar(cfg.Redis.Addr)
	cfg.Kafka.Broker = expandEnvVar(cfg.Kafka.Broker)

	for name, p := range cfg.Pipelines {
		for i := range p.Steps {
			step := &p.Steps[i]
			step.Input = expandEnvVar(step.Input)
			step.Output = expandEnvVar(step.Output)
			step.TempDir = expandEnvVar(step.TempDir)
			for k, v := range step.Options {
				step.Options[k] = expandEnvVar(v)
			}
		}
		cfg.Pipelines[name] = p
	}

	return nil
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// GetPipeline retrieves a specific pipeline configuration by name.
func (c *Config) GetPipeline(name string) (*PipelineConfig, error) {
	p, exists := c.Pipelines[name]
	if !exists {
		return nil, fmt.Errorf("pipeline %q not found in configuration", name)
	}
	return &p, nil
}

// ListPipelines returns all pipeline names defined in the configuration, sorted.
func (c *Config) ListPipelines() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetStep returns the named step of a pipeline.
func (p *PipelineConfig) GetStep(name string) (*StepConfig, error) {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("step %q not found in pipeline", name)
}

// ApplyOverrides applies CLI flag overrides to the global configuration.
// Only non-zero/non-empty values are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string, workers, maxRetries, checkpointTime int, skipVerify bool) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if workers > 0 {
		c.Processing.NumWorkers = workers
		c.Processing.NumProcesses = 0
	}
	if maxRetries > 0 {
		c.Processing.MaxRetries = maxRetries
	}
	if checkpointTime > 0 {
		c.Processing.CheckpointTime = checkpointTime
	}
	if skipVerify {
		c.Verification.SkipVerification = true
	}
}

// ApplyStepOverrides layers CLI flag overrides on top of a step's effective processing config.
func (c *Config) ApplyStepOverrides(step *StepConfig, workers, maxRetries, checkpointTime int) ProcessingConfig {
	processing := step.GetStepProcessing(c.Processing)

	if workers > 0 {
		processing.NumWorkers = workers
		processing.NumProcesses = 0
	}
	if maxRetries > 0 {
		processing.MaxRetries = maxRetries
	}
	if checkpointTime > 0 {
		processing.CheckpointTime = checkpointTime
	}

	return processing
}
