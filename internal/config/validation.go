package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	if c.Workspace.TempDir == "" {
		errors = append(errors, ValidationError{
			Field:   "workspace.temp_dir",
			Message: "temp_dir is required",
		})
	}

	if len(c.Pipelines) == 0 {
		errors = append(errors, ValidationError{
			Field:   "pipelines",
			Message: "at least one pipeline must be defined",
		})
	}
	for name, p := range c.Pipelines {
		errors = append(errors, c.validatePipeline(name, &p)...)
	}

	errors = append(errors, validateProcessing("processing", &c.Processing)...)
	errors = append(errors, c.validateVerification()...)
	errors = append(errors, c.validateLogging()...)

	if c.Ledger.Enabled {
		errors = append(errors, c.validateLedger()...)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.addr",
			Message: "addr is required when redis is enabled",
		})
	}
	if c.Kafka.Enabled {
		if c.Kafka.Broker == "" {
			errors = append(errors, ValidationError{
				Field:   "kafka.broker",
				Message: "broker is required when kafka is enabled",
			})
		}
		if c.Kafka.Topic == "" {
			errors = append(errors, ValidationError{
				Field:   "kafka.topic",
				Message: "topic is required when kafka is enabled",
			})
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errors = append(errors, ValidationError{
			Field:   "metrics.listen",
			Message: "listen address is required when metrics are enabled",
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validatePipeline(name string, p *PipelineConfig) ValidationErrors {
	var errors ValidationErrors
	prefix := fmt.Sprintf("pipelines.%s", name)

	if len(p.Steps) == 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".steps",
			Message: "at least one step is required",
		})
	}

	names := make(map[string]bool)
	outputs := make(map[string]string)
	for i := range p.Steps {
		step := &p.Steps[i]
		stepPrefix := fmt.Sprintf("%s.steps[%d]", prefix, i)

		if step.Name == "" {
			errors = append(errors, ValidationError{
				Field:   stepPrefix + ".name",
				Message: "name is required",
			})
		} else if names[step.Name] {
			errors = append(errors, ValidationError{
				Field:   stepPrefix + ".name",
				Message: fmt.Sprintf("duplicate step name %q", step.Name),
			})
		}
		names[step.Name] = true

		kind := step.StageKind()
		if kind == "" {
			errors = append(errors, ValidationError{
				Field:   stepPrefix + ".kind",
				Message: "kind must be 'discover', 'fetch' or 'extract' (or crawler/scraper/parser)",
			})
		}

		if step.Handler == "" {
			errors = append(errors, ValidationError{
				Field:   stepPrefix + ".handler",
				Message: "handler is required",
			})
		}

		if step.Output == "" {
			errors = append(errors, ValidationError{
				Field:   stepPrefix + ".output",
				Message: "output is required",
			})
		} else if other, dup := outputs[step.Output]; dup {
			errors = append(errors, ValidationError{
				Field:   stepPrefix + ".output",
				Message: fmt.Sprintf("output %q is also written by step %q", step.Output, other),
			})
		} else {
			outputs[step.Output] = step.Name
		}

		switch kind {
		case KindDiscover:
			if len(step.AllSeeds()) == 0 {
				errors = append(errors, ValidationError{
					Field:   stepPrefix + ".seeds",
					Message: "discover steps need at least one seed",
				})
			}
		case KindFetch, KindExtract:
			if step.Input == "" {
				errors = append(errors, ValidationError{
					Field:   stepPrefix + ".input",
					Message: "input is required for fetch and extract steps",
				})
			}
		}

		if step.Input != "" && step.Input == step.Output {
			errors = append(errors, ValidationError{
				Field:   stepPrefix + ".input",
				Message: "input and output must differ",
			})
		}

		if step.Processing != nil {
			errors = append(errors, validateStepProcessing(stepPrefix+".processing", step.Processing)...)
		}
	}

	return errors
}

func validateProcessing(prefix string, p *ProcessingConfig) ValidationErrors {
	var errors ValidationErrors

	if p.Workers() <= 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".num_workers",
			Message: "num_workers must be positive",
		})
	}
	if p.CheckpointTime <= 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".checkpoint_time",
			Message: "checkpoint_time must be positive",
		})
	}
	errors = append(errors, validateStepProcessing(prefix, p)...)

	return errors
}

// validateStepProcessing checks fields where zero means "inherit".
func validateStepProcessing(prefix string, p *ProcessingConfig) ValidationErrors {
	var errors ValidationErrors

	if p.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_retries",
			Message: "max_retries cannot be negative",
		})
	}
	if p.BackoffMin < 0 || p.BackoffMax < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".backoff_min",
			Message: "backoff bounds cannot be negative",
		})
	}
	if p.BackoffMax > 0 && p.BackoffMin > p.BackoffMax {
		errors = append(errors, ValidationError{
			Field:   prefix + ".backoff_max",
			Message: "backoff_max must be greater than or equal to backoff_min",
		})
	}
	if p.BackoffFactor < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".backoff_factor",
			Message: "backoff_factor cannot be negative",
		})
	}
	if p.NumWorkers < 0 || p.NumProcesses < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".num_workers",
			Message: "num_workers cannot be negative",
		})
	}
	if p.CheckpointTime < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".checkpoint_time",
			Message: "checkpoint_time cannot be negative",
		})
	}
	if p.PollInterval < 0 || p.ProgressInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".poll_interval",
			Message: "intervals cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateLedger() ValidationErrors {
	var errors ValidationErrors

	if c.Ledger.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "ledger.host",
			Message: "host is required when the ledger is enabled",
		})
	}
	if c.Ledger.Port <= 0 || c.Ledger.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "ledger.port",
			Message: "port must be between 1 and 65535",
		})
	}
	if c.Ledger.User == "" {
		errors = append(errors, ValidationError{
			Field:   "ledger.user",
			Message: "user is required when the ledger is enabled",
		})
	}
	if c.Ledger.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "ledger.database",
			Message: "database name is required when the ledger is enabled",
		})
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[c.Ledger.TLS] {
		errors = append(errors, ValidationError{
			Field:   "ledger.tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	if c.Ledger.MaxConnections < 0 || c.Ledger.MaxIdleConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   "ledger.max_connections",
			Message: "connection limits cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateVerification() ValidationErrors {
	var errors ValidationErrors

	validMethods := map[string]bool{"count": true, "sha256": true, "": true}
	if !validMethods[c.Verification.Method] {
		errors = append(errors, ValidationError{
			Field:   "verification.method",
			Message: "method must be 'count' or 'sha256'",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
