// Package config provides configuration structures and loading for goscrape.
package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Workspace    WorkspaceConfig           `yaml:"workspace" mapstructure:"workspace"`
	Processing   ProcessingConfig          `yaml:"processing" mapstructure:"processing"`
	Verification VerificationConfig        `yaml:"verification" mapstructure:"verification"`
	Logging      LoggingConfig             `yaml:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig             `yaml:"metrics" mapstructure:"metrics"`
	Ledger       LedgerConfig              `yaml:"ledger" mapstructure:"ledger"`
	Redis        RedisConfig               `yaml:"redis" mapstructure:"redis"`
	Kafka        KafkaConfig               `yaml:"kafka" mapstructure:"kafka"`
	HTTP         HTTPConfig                `yaml:"http" mapstructure:"http"`
	Pipelines    map[string]PipelineConfig `yaml:"pipelines" mapstructure:"pipelines"`
}

// WorkspaceConfig controls where checkpoint files live.
type WorkspaceConfig struct {
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir"` // base dir; stages use <temp_dir>/<pipeline>/<step>
}

// ProcessingConfig represents worker, retry and checkpoint settings.
type ProcessingConfig struct {
	NumWorkers       int           `yaml:"num_workers" mapstructure:"num_workers"`
	NumProcesses     int           `yaml:"num_processes,omitempty" mapstructure:"num_processes"` // legacy alias of num_workers
	MaxRetries       int           `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMin       float64       `yaml:"backoff_min" mapstructure:"backoff_min"` // seconds
	BackoffMax       float64       `yaml:"backoff_max" mapstructure:"backoff_max"` // seconds
	BackoffFactor    float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	CheckpointTime   int           `yaml:"checkpoint_time" mapstructure:"checkpoint_time"` // items between flushes
	PollInterval     time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval" mapstructure:"progress_interval"`
}

// VerificationConfig represents output verification settings.
type VerificationConfig struct {
	Method           string `yaml:"method" mapstructure:"method"` // "count" or "sha256"
	SkipVerification bool   `yaml:"skip_verification" mapstructure:"skip_verification"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LedgerConfig represents the MySQL database that records pipeline runs.
type LedgerConfig struct {
	Enabled            bool   `yaml:"enabled" mapstructure:"enabled"`
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	TablePrefix        string `yaml:"table_prefix" mapstructure:"table_prefix"`
}

// RedisConfig selects the Redis-backed visited set for discovery stages.
type RedisConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Addr    string        `yaml:"addr" mapstructure:"addr"`
	Prefix  string        `yaml:"prefix" mapstructure:"prefix"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// KafkaConfig controls publishing of finalized records.
type KafkaConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker  string `yaml:"broker" mapstructure:"broker"`
	Topic   string `yaml:"topic" mapstructure:"topic"`
}

// HTTPConfig is shared by the handlers that talk HTTP.
type HTTPConfig struct {
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
}

// PipelineConfig is an ordered list of stages for one website.
type PipelineConfig struct {
	Website string       `yaml:"website" mapstructure:"website"`
	Steps   []StepConfig `yaml:"steps" mapstructure:"steps"`
}

// StepConfig describes one stage of a pipeline.
type StepConfig struct {
	Name       string            `yaml:"name" mapstructure:"name"`
	Kind       string            `yaml:"kind" mapstructure:"kind"` // discover, fetch, extract
	Handler    string            `yaml:"handler" mapstructure:"handler"`
	Input      string            `yaml:"input" mapstructure:"input"`
	Output     string            `yaml:"output" mapstructure:"output"`
	TempDir    string            `yaml:"temp_dir" mapstructure:"temp_dir"`
	Seeds      []string          `yaml:"seeds" mapstructure:"seeds"`
	StartURLs  []string          `yaml:"start_urls" mapstructure:"start_urls"`
	Options    map[string]string `yaml:"options" mapstructure:"options"`
	Processing *ProcessingConfig `yaml:"processing,omitempty" mapstructure:"processing"`
	Publish    bool              `yaml:"publish" mapstructure:"publish"`
}

// Stage kinds.
const (
	KindDiscover = "discover"
	KindFetch    = "fetch"
	KindExtract  = "extract"
)

var kindAliases = map[string]string{
	"discover": KindDiscover,
	"crawler":  KindDiscover,
	"crawl":    KindDiscover,
	"fetch":    KindFetch,
	"scraper":  KindFetch,
	"scrape":   KindFetch,
	"extract":  KindExtract,
	"parser":   KindExtract,
	"parse":    KindExtract,
}

// NormalizeKind maps a stage kind or one of its aliases to its canonical name.
// Unknown kinds return "".
func NormalizeKind(kind string) string {
	return kindAliases[strings.ToLower(strings.TrimSpace(kind))]
}

// StageKind returns the canonical kind of the step, falling back to its name.
func (s *StepConfig) StageKind() string {
	if k := NormalizeKind(s.Kind); k != "" {
		return k
	}
	return NormalizeKind(s.Name)
}

// AllSeeds returns seeds followed by start_urls.
func (s *StepConfig) AllSeeds() []string {
	out := make([]string, 0, len(s.Seeds)+len(s.StartURLs))
	out = append(out, s.Seeds...)
	out = append(out, s.StartURLs...)
	return out
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			TempDir: "tmp",
		},
		Processing: ProcessingConfig{
			NumWorkers:       4,
			MaxRetries:       3,
			BackoffMin:       1,
			BackoffMax:       5,
			BackoffFactor:    2,
			CheckpointTime:   100,
			PollInterval:     100 * time.Millisecond,
			ProgressInterval: time.Second,
		},
		Verification: VerificationConfig{
			Method:           "count",
			SkipVerification: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9090",
			Path:    "/metrics",
		},
		Ledger: LedgerConfig{
			Port:               3306,
			TLS:                "preferred",
			MaxConnections:     4,
			MaxIdleConnections: 2,
			TablePrefix:        "goscrape",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "goscrape:visited:",
			TTL:    24 * time.Hour,
		},
		HTTP: HTTPConfig{
			UserAgent: "goscrape/1.0",
			Timeout:   15 * time.Second,
		},
	}
}

// GetStepProcessing returns the processing config for a step, falling back to global if not set.
func (s *StepConfig) GetStepProcessing(global ProcessingConfig) ProcessingConfig {
	result := global
	if s.Processing == nil {
		return result
	}

	if n := s.Processing.Workers(); n > 0 {
		result.NumWorkers = n
		result.NumProcesses = 0
	}
	if s.Processing.MaxRetries > 0 {
		result.MaxRetries = s.Processing.MaxRetries
	}
	if s.Processing.BackoffMin > 0 {
		result.BackoffMin = s.Processing.BackoffMin
	}
	if s.Processing.BackoffMax > 0 {
		result.BackoffMax = s.Processing.BackoffMax
	}
	if s.Processing.BackoffFactor > 0 {
		result.BackoffFactor = s.Processing.BackoffFactor
	}
	if s.Processing.CheckpointTime > 0 {
		result.CheckpointTime = s.Processing.CheckpointTime
	}
	if s.Processing.PollInterval > 0 {
		result.PollInterval = s.Processing.PollInterval
	}
	if s.Processing.ProgressInterval > 0 {
		result.ProgressInterval = s.Processing.ProgressInterval
	}
	return result
}

// Workers returns the effective worker count, honouring the num_processes alias.
func (p ProcessingConfig) Workers() int {
	if p.NumProcesses > 0 {
		return p.NumProcesses
	}
	return p.NumWorkers
}

// ProgressEvery returns ProgressInterval, or one second when it is unset.
func (p ProcessingConfig) ProgressEvery() time.Duration {
	if p.ProgressInterval <= 0 {
		return time.Second
	}
	return p.ProgressInterval
}

// BackoffMinDuration returns BackoffMin as a duration.
func (p ProcessingConfig) BackoffMinDuration() time.Duration {
	return secondsToDuration(p.BackoffMin)
}

// BackoffMaxDuration returns BackoffMax as a duration.
func (p ProcessingConfig) BackoffMaxDuration() time.Duration {
	return secondsToDuration(p.BackoffMax)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// StepTempDir returns the checkpoint directory of a step.
func (c *Config) StepTempDir(pipelineName string, step *StepConfig) string {
	if step.TempDir != "" {
		return step.TempDir
	}
	return filepath.Join(c.Workspace.TempDir, pipelineName, step.Name)
}
