package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
)

// PreflightError represents a preflight check failure.
type PreflightError struct {
	Check   string
	Message string
	Stages  []string
	Details map[string]string // stage -> reason
}

func (e *PreflightError) Error() string {
	if len(e.Stages) > 0 {
		return fmt.Sprintf("%s: %s (stages: %v)", e.Check, e.Message, e.Stages)
	}
	return fmt.Sprintf("%s: %s", e.Check, e.Message)
}

// PreflightChecker verifies that a pipeline can run before any handler is
// called.
type PreflightChecker struct {
	orch   *Orchestrator
	db     *sql.DB
	logger *logger.Logger
}

// NewPreflightChecker creates a checker for an initialized orchestrator. db
// is the ledger connection and may be nil when the ledger is disabled.
func NewPreflightChecker(o *Orchestrator, db *sql.DB, log *logger.Logger) (*PreflightChecker, error) {
	if o == nil {
		return nil, fmt.Errorf("orchestrator is nil")
	}
	if !o.initialized {
		return nil, fmt.Errorf("orchestrator not initialized")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &PreflightChecker{orch: o, db: db, logger: log}, nil
}

// RunAllChecks runs every check and returns the first failure.
func (p *PreflightChecker) RunAllChecks(ctx context.Context) error {
	p.logger.Info("Running preflight checks...")

	if err := p.ValidateGraph(); err != nil {
		return err
	}
	if err := p.ValidateHandlers(); err != nil {
		return err
	}
	if err := p.ValidateInputs(); err != nil {
		return err
	}
	if err := p.ValidateDirectories(); err != nil {
		return err
	}
	if err := p.ValidateLedger(ctx); err != nil {
		return err
	}

	p.logger.Info("All preflight checks PASSED")
	return nil
}

// ValidateGraph re-checks that the stages can be ordered.
func (p *PreflightChecker) ValidateGraph() error {
	if err := p.orch.Graph().Validate(); err != nil {
		return &PreflightError{Check: "GRAPH_CHECK", Message: err.Error()}
	}
	p.logger.Debug("Graph check PASSED")
	return nil
}

// ValidateHandlers checks that every stage resolves to a handler of the
// right kind.
func (p *PreflightChecker) ValidateHandlers() error {
	details := make(map[string]string)
	for _, step := range p.steps() {
		if _, err := p.orch.Handler(step); err != nil {
			details[step.Name] = err.Error()
		}
	}
	if len(details) > 0 {
		return &PreflightError{
			Check:   "HANDLER_CHECK",
			Message: "Stage handlers are missing or of the wrong kind",
			Stages:  sortedKeys(details),
			Details: details,
		}
	}
	p.logger.Debug("Handler check PASSED")
	return nil
}

// ValidateInputs checks that inputs no stage produces exist on disk.
func (p *PreflightChecker) ValidateInputs() error {
	details := make(map[string]string)
	for stage, input := range p.orch.Graph().External {
		if _, err := os.Stat(input); err != nil {
			details[stage] = input
		}
	}
	if len(details) > 0 {
		return &PreflightError{
			Check:   "INPUT_CHECK",
			Message: "Inputs are neither produced by a stage nor present on disk",
			Stages:  sortedKeys(details),
			Details: details,
		}
	}
	p.logger.Debug("Input check PASSED")
	return nil
}

// ValidateDirectories checks that the checkpoint and output directories of
// every stage are writable, creating them when missing.
func (p *PreflightChecker) ValidateDirectories() error {
	details := make(map[string]string)
	for _, step := range p.steps() {
		dirs := []string{
			p.orch.config.StepTempDir(p.orch.name, step),
			filepath.Dir(step.Output),
		}
		for _, dir := range dirs {
			if err := probeWritable(dir); err != nil {
				details[step.Name] = err.Error()
				break
			}
		}
	}
	if len(details) > 0 {
		return &PreflightError{
			Check:   "DIRECTORY_CHECK",
			Message: "Stage directories are not writable",
			Stages:  sortedKeys(details),
			Details: details,
		}
	}
	p.logger.Debug("Directory check PASSED")
	return nil
}

// ValidateLedger pings the ledger database when one is configured.
func (p *PreflightChecker) ValidateLedger(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	if err := p.db.PingContext(ctx); err != nil {
		return &PreflightError{Check: "LEDGER_CHECK", Message: fmt.Sprintf("ledger database unreachable: %v", err)}
	}
	p.logger.Debug("Ledger check PASSED")
	return nil
}

func (p *PreflightChecker) steps() []*config.StepConfig {
	steps := make([]*config.StepConfig, 0, len(p.orch.pipeline.Steps))
	for _, name := range p.orch.order {
		if step, err := p.orch.Step(name); err == nil {
			steps = append(steps, step)
		}
	}
	return steps
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".goscrape-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
