package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/graph"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/metrics"
	"github.com/dbsmedya/goscrape/internal/store"
	"github.com/dbsmedya/goscrape/internal/types"
	"github.com/dbsmedya/goscrape/internal/verifier"
)

var (
	// ErrStageNotFound is returned when a stage name is not part of the pipeline.
	ErrStageNotFound = errors.New("stage not found")
	// ErrInputMissing is returned when a stage's input file does not exist yet.
	ErrInputMissing = errors.New("stage input not found")
)

// HandlerResolver builds the handler of a stage. The result must implement
// Expander, Fetcher or Extractor to match the stage kind.
type HandlerResolver interface {
	Resolve(website string, step *config.StepConfig) (any, error)
}

// Publisher ships the records a stage produced in this run.
type Publisher interface {
	Publish(ctx context.Context, stage string, records []types.Record) (int, error)
}

// VisitedFactory opens the visited set of one discovery run.
type VisitedFactory func(ctx context.Context, scope string) (VisitedSet, error)

// StageStatus is the outcome of one stage in a run.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageSkipped   StageStatus = "skipped"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// StageResult describes what one stage did in a run.
type StageResult struct {
	Name      string
	Kind      string
	Status    StageStatus
	Stats     types.StageStats
	Published int
	Hash      string // output digest, with sha256 verification
	Err       error
}

// RunResult contains statistics and status of a pipeline run.
type RunResult struct {
	RunID       string
	Pipeline    string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Stages      []StageResult
	Success     bool
}

// StagePlan is the work a stage has left.
type StagePlan struct {
	Step       *config.StepConfig
	Kind       string
	Processing config.ProcessingConfig
	Store      *store.Store
	Keys       []string                // remaining keys, in input order
	Inputs     map[string]types.Record // upstream records by key, extract only
	Expected   []string                // keys the finalized output must cover
	Total      int                     // distinct usable input keys
	Completed  int                     // of Total, already in the output
	Skipped    int                     // upstream error rows ignored
}

// Orchestrator runs the stages of one pipeline in dependency order.
type Orchestrator struct {
	config      *config.Config
	name        string
	pipeline    *config.PipelineConfig
	resolver    HandlerResolver
	logger      *logger.Logger
	graph       *graph.Graph
	order       []string
	verifier    *verifier.Verifier
	initialized bool

	ledger    *Ledger
	publisher Publisher
	visited   VisitedFactory

	workers, maxRetries, checkpointTime int
}

// NewOrchestrator creates an orchestrator for the named pipeline. It must be
// initialized with Initialize() before use.
func NewOrchestrator(cfg *config.Config, name string, resolver HandlerResolver, log *logger.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("handler resolver is nil")
	}
	p, err := cfg.GetPipeline(name)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &Orchestrator{
		config:   cfg,
		name:     name,
		pipeline: p,
		resolver: resolver,
		logger:   log.WithPipeline(name),
		visited: func(context.Context, string) (VisitedSet, error) {
			return NewMemoryVisitedSet(), nil
		},
	}, nil
}

// SetLedger records runs in l. A nil ledger disables recording.
func (o *Orchestrator) SetLedger(l *Ledger) { o.ledger = l }

// SetPublisher publishes the output of stages marked publish.
func (o *Orchestrator) SetPublisher(p Publisher) { o.publisher = p }

// SetVisitedFactory replaces the in-memory visited set of discovery stages.
func (o *Orchestrator) SetVisitedFactory(f VisitedFactory) {
	if f != nil {
		o.visited = f
	}
}

// SetOverrides applies CLI overrides on top of every stage's processing config.
// Zero values leave the configured value.
func (o *Orchestrator) SetOverrides(workers, maxRetries, checkpointTime int) {
	o.workers, o.maxRetries, o.checkpointTime = workers, maxRetries, checkpointTime
}

// Initialize builds the stage graph and computes the run order. It fails
// when stages feed each other in a cycle.
func (o *Orchestrator) Initialize() error {
	if o.initialized {
		return nil
	}

	g, err := graph.BuildFromPipeline(o.pipeline)
	if err != nil {
		return fmt.Errorf("failed to build stage graph: %w", err)
	}
	order, err := g.RunOrder()
	if err != nil {
		return fmt.Errorf("failed to compute run order: %w", err)
	}

	method := verifier.VerificationMethod(o.config.Verification.Method)
	if o.config.Verification.SkipVerification {
		method = verifier.MethodSkip
	}
	v, err := verifier.NewVerifier(method, o.logger)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	o.graph = g
	o.order = order
	o.verifier = v
	o.initialized = true

	o.logger.Infow("Orchestrator initialized",
		"website", o.pipeline.Website,
		"stages", len(order),
		"run_order", order)
	return nil
}

// RunOrder returns the stage names parent-first.
func (o *Orchestrator) RunOrder() ([]string, error) {
	if !o.initialized {
		return nil, fmt.Errorf("orchestrator not initialized")
	}
	return o.order, nil
}

// Graph returns the stage graph. Returns nil if not initialized.
func (o *Orchestrator) Graph() *graph.Graph {
	return o.graph
}

// Pipeline returns the pipeline configuration.
func (o *Orchestrator) Pipeline() *config.PipelineConfig {
	return o.pipeline
}

// Step returns the named stage.
func (o *Orchestrator) Step(name string) (*config.StepConfig, error) {
	step, err := o.pipeline.GetStep(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q in pipeline %q", ErrStageNotFound, name, o.name)
	}
	return step, nil
}

// Processing returns the effective processing config of a stage.
func (o *Orchestrator) Processing(step *config.StepConfig) config.ProcessingConfig {
	return o.config.ApplyStepOverrides(step, o.workers, o.maxRetries, o.checkpointTime)
}

// OpenStore opens the output store of a stage.
func (o *Orchestrator) OpenStore(step *config.StepConfig) (*store.Store, error) {
	return store.New(step.Output, o.config.StepTempDir(o.name, step), o.logger.WithStage(step.Name, step.StageKind()))
}

// Plan computes what a stage has left to do:
// remaining = keys(input without error rows) - CompletedKeys(output).
// A discovery stage is done once a run finished it; otherwise it restarts
// from all seeds.
func (o *Orchestrator) Plan(step *config.StepConfig) (*StagePlan, error) {
	st, err := o.OpenStore(step)
	if err != nil {
		return nil, fmt.Errorf("failed to open store of %s: %w", step.Name, err)
	}

	plan := &StagePlan{
		Step:       step,
		Kind:       step.StageKind(),
		Processing: o.Processing(step),
		Store:      st,
	}

	// Seeds need not produce records of their own, so a discovery output
	// is only done when its last run drained the frontier.
	if plan.Kind == config.KindDiscover {
		seeds := dedupe(step.AllSeeds())
		plan.Total = len(seeds)
		if st.Complete() {
			plan.Completed = plan.Total
		} else {
			plan.Keys = seeds
		}
		return plan, nil
	}

	completed, err := st.CompletedKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to read completed keys of %s: %w", step.Name, err)
	}

	inputs, err := store.ReadFile(step.Input)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (stage %s)", ErrInputMissing, step.Input, step.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input of %s: %w", step.Name, err)
	}

	if plan.Kind == config.KindExtract {
		plan.Inputs = make(map[string]types.Record, len(inputs))
	}
	seen := make(map[string]bool, len(inputs))
	for _, rec := range inputs {
		if rec.Failed() {
			plan.Skipped++
			continue
		}
		if seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true
		plan.Total++
		if plan.Kind == config.KindFetch {
			plan.Expected = append(plan.Expected, rec.Key)
		}
		if _, ok := completed[rec.Key]; ok {
			plan.Completed++
			continue
		}
		plan.Keys = append(plan.Keys, rec.Key)
		if plan.Inputs != nil {
			plan.Inputs[rec.Key] = rec
		}
	}
	return plan, nil
}

// Execute runs every stage in order, or only the named stage when only is
// set. The first failing stage ends the run. On cancellation the stage in
// flight still flushes and finalizes before the context error is returned.
func (o *Orchestrator) Execute(ctx context.Context, only string) (*RunResult, error) {
	if !o.initialized {
		return nil, fmt.Errorf("orchestrator not initialized")
	}
	if ctx == nil {
		return nil, fmt.Errorf("context is nil")
	}

	stages := o.order
	if only != "" {
		if _, err := o.Step(only); err != nil {
			return nil, err
		}
		stages = []string{only}
	}

	result := &RunResult{
		RunID:     uuid.NewString(),
		Pipeline:  o.name,
		StartedAt: time.Now(),
	}
	log := o.logger.WithRun(result.RunID)

	if o.ledger != nil {
		if n, err := o.ledger.InterruptedRuns(ctx, o.name); err != nil {
			log.Warnw("Failed to check for interrupted runs", "error", err)
		} else if n > 0 {
			log.Infow("Resuming after interrupted runs", "interrupted", n)
		}
		if err := o.ledger.StartRun(ctx, result.RunID, o.name); err != nil {
			return nil, fmt.Errorf("failed to record run start: %w", err)
		}
	}

	log.Infow("Starting pipeline run", "stages", stages)

	var runErr error
	for _, name := range stages {
		step, err := o.Step(name)
		if err != nil {
			runErr = err
			break
		}
		res := o.runStage(ctx, result.RunID, step, log)
		result.Stages = append(result.Stages, *res)

		if o.ledger != nil {
			if err := o.ledger.RecordStage(context.WithoutCancel(ctx), result.RunID, res); err != nil {
				log.Warnw("Failed to record stage", "stage", name, "error", err)
			}
		}
		if res.Err != nil {
			runErr = fmt.Errorf("stage %s failed: %w", name, res.Err)
			break
		}
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Success = runErr == nil

	if o.ledger != nil {
		status, msg := RunStatusSucceeded, ""
		switch {
		case runErr != nil && ctx.Err() != nil:
			status, msg = RunStatusCancelled, runErr.Error()
		case runErr != nil:
			status, msg = RunStatusFailed, runErr.Error()
		}
		if err := o.ledger.FinishRun(context.WithoutCancel(ctx), result.RunID, status, msg); err != nil {
			log.Warnw("Failed to record run finish", "error", err)
		}
	}

	log.Infow("Pipeline run finished",
		"duration", result.Duration,
		"success", result.Success)
	return result, runErr
}

func (o *Orchestrator) runStage(ctx context.Context, runID string, step *config.StepConfig, runLog *logger.Logger) *StageResult {
	kind := step.StageKind()
	log := runLog.WithStage(step.Name, kind)
	res := &StageResult{Name: step.Name, Kind: kind}
	fail := func(err error) *StageResult {
		res.Err = err
		res.Status = StageFailed
		if ctx.Err() != nil {
			res.Status = StageCancelled
		}
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	plan, err := o.Plan(step)
	if err != nil {
		return fail(err)
	}
	if plan.Skipped > 0 {
		log.Infow("Ignoring upstream error rows", "skipped", plan.Skipped)
	}
	if len(plan.Keys) == 0 {
		log.Infow("Stage already complete, skipping",
			"total", plan.Total,
			"completed", plan.Completed)
		res.Status = StageSkipped
		res.Stats = types.StageStats{Total: plan.Total, Skipped: plan.Skipped}
		return res
	}

	log.Infow("Starting stage",
		"remaining", len(plan.Keys),
		"completed", plan.Completed,
		"total", plan.Total,
		"workers", plan.Processing.Workers())

	stats, err := o.execute(ctx, runID, plan, log)
	if stats != nil {
		stats.Skipped = plan.Skipped
		res.Stats = *stats
		metrics.ObserveStageDuration(step.Name, stats.Duration)
	}
	if err != nil {
		return fail(err)
	}

	vr, err := o.verifier.Verify(ctx, step.Name, plan.Store, plan.Expected, "")
	if err != nil {
		return fail(err)
	}
	res.Hash = vr.Hash

	if step.Publish && o.publisher != nil {
		n, err := o.publish(ctx, plan)
		res.Published = n
		if err != nil {
			return fail(fmt.Errorf("failed to publish: %w", err))
		}
	}

	res.Status = StageSucceeded
	log.Infow("Stage finished",
		"processed", res.Stats.Processed,
		"succeeded", res.Stats.Succeeded,
		"failed", res.Stats.Failed,
		"records", res.Stats.Records,
		"retries", res.Stats.Retries,
		"duration", res.Stats.Duration)
	return res
}

// Handler resolves the handler of a stage and checks that it implements the
// interface its kind needs.
func (o *Orchestrator) Handler(step *config.StepConfig) (any, error) {
	handler, err := o.resolver.Resolve(o.pipeline.Website, step)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve handler: %w", err)
	}

	var ok bool
	var want string
	switch step.StageKind() {
	case config.KindDiscover:
		_, ok = handler.(Expander)
		want = "an expander"
	case config.KindFetch:
		_, ok = handler.(Fetcher)
		want = "a fetcher"
	case config.KindExtract:
		_, ok = handler.(Extractor)
		want = "an extractor"
	default:
		return nil, fmt.Errorf("stage %s has unknown kind %q", step.Name, step.Kind)
	}
	if !ok {
		return nil, fmt.Errorf("handler %q of stage %s is not %s", step.Handler, step.Name, want)
	}
	return handler, nil
}

// execute resolves the stage handler and runs the matching engine.
func (o *Orchestrator) execute(ctx context.Context, runID string, plan *StagePlan, log *logger.Logger) (*types.StageStats, error) {
	step := plan.Step
	handler, err := o.Handler(step)
	if err != nil {
		return nil, err
	}

	switch plan.Kind {
	case config.KindDiscover:
		visited, err := o.visited(ctx, o.name+":"+step.Name+":"+runID)
		if err != nil {
			return nil, fmt.Errorf("failed to open visited set: %w", err)
		}
		defer func() {
			if err := visited.Close(); err != nil {
				log.Warnw("Failed to close visited set", "error", err)
			}
		}()
		d, err := NewDiscovery(step.Name, handler.(Expander), plan.Store, visited, plan.Processing, log)
		if err != nil {
			return nil, err
		}
		return d.Run(ctx, plan.Keys)

	case config.KindFetch:
		pool, err := NewPool(step.Name, plan.Store, plan.Processing, log)
		if err != nil {
			return nil, err
		}
		return pool.Run(ctx, plan.Keys, FetchProcess(handler.(Fetcher)))

	default:
		pool, err := NewPool(step.Name, plan.Store, plan.Processing, log)
		if err != nil {
			return nil, err
		}
		return pool.Run(ctx, plan.Keys, ExtractProcess(handler.(Extractor), plan.Inputs))
	}
}

// publish sends the successful records produced for this run's keys.
func (o *Orchestrator) publish(ctx context.Context, plan *StagePlan) (int, error) {
	records, err := plan.Store.Records()
	if err != nil {
		return 0, err
	}
	ran := make(map[string]bool, len(plan.Keys))
	for _, k := range plan.Keys {
		ran[k] = true
	}
	var fresh []types.Record
	for _, r := range records {
		if !r.Failed() && ran[r.CompletionKey()] {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	n, err := o.publisher.Publish(ctx, plan.Step.Name, fresh)
	metrics.ObservePublished(plan.Step.Name, n)
	return n, err
}

// Verify re-checks the finalized output of every stage, or only the named
// one. With sha256 verification and a ledger, the digest is compared with
// the one recorded by the last run.
func (o *Orchestrator) Verify(ctx context.Context, only string) ([]*verifier.VerifyResult, error) {
	if !o.initialized {
		return nil, fmt.Errorf("orchestrator not initialized")
	}
	stages := o.order
	if only != "" {
		if _, err := o.Step(only); err != nil {
			return nil, err
		}
		stages = []string{only}
	}

	var results []*verifier.VerifyResult
	var errs []error
	for _, name := range stages {
		step, _ := o.Step(name)
		plan, err := o.Plan(step)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want := ""
		if o.ledger != nil && o.verifier.Method() == verifier.MethodSHA256 {
			if want, err = o.ledger.LastHash(ctx, o.name, name); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		vr, err := o.verifier.Verify(ctx, name, plan.Store, plan.Expected, want)
		if vr != nil {
			results = append(results, vr)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
