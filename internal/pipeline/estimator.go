package pipeline

import (
	"errors"
	"fmt"

	"github.com/dbsmedya/goscrape/internal/config"
)

// Estimate states of a stage.
const (
	EstimateDone    = "done"
	EstimatePending = "pending"
	EstimateWaiting = "waiting on upstream"
)

// StageEstimate is the dry-run view of one stage.
type StageEstimate struct {
	Name      string
	Kind      string
	Handler   string
	Status    string
	Total     int // seeds or distinct usable input keys; 0 while waiting
	Completed int
	Remaining int
	Skipped   int // upstream error rows
	Workers   int
	Chunks    int // static partitions the remaining keys split into
}

// EstimateResult holds the dry-run estimate of a pipeline.
type EstimateResult struct {
	Pipeline string
	Website  string
	Stages   []StageEstimate
}

// Estimator computes what a run would do without calling any handler.
type Estimator struct {
	orch *Orchestrator
}

// NewEstimator creates an estimator for an initialized orchestrator.
func NewEstimator(o *Orchestrator) (*Estimator, error) {
	if o == nil {
		return nil, fmt.Errorf("orchestrator is nil")
	}
	if !o.initialized {
		return nil, fmt.Errorf("orchestrator not initialized")
	}
	return &Estimator{orch: o}, nil
}

// Estimate plans every stage in run order. A stage whose input is written by
// an upstream stage that has not run yet is reported as waiting.
func (e *Estimator) Estimate() (*EstimateResult, error) {
	result := &EstimateResult{
		Pipeline: e.orch.name,
		Website:  e.orch.pipeline.Website,
	}

	for _, name := range e.orch.order {
		step, err := e.orch.Step(name)
		if err != nil {
			return nil, err
		}
		processing := e.orch.Processing(step)
		est := StageEstimate{
			Name:    step.Name,
			Kind:    step.StageKind(),
			Handler: step.Handler,
			Workers: processing.Workers(),
		}

		plan, err := e.orch.Plan(step)
		switch {
		case errors.Is(err, ErrInputMissing) && len(e.orch.graph.Parents[name]) > 0:
			est.Status = EstimateWaiting
		case err != nil:
			return nil, fmt.Errorf("failed to estimate stage %s: %w", name, err)
		default:
			est.Total = plan.Total
			est.Completed = plan.Completed
			est.Remaining = len(plan.Keys)
			est.Skipped = plan.Skipped
			est.Chunks = len(Split(plan.Keys, est.Workers))
			est.Status = EstimateDone
			if est.Remaining > 0 {
				est.Status = EstimatePending
			}
			if est.Kind == config.KindDiscover {
				// The frontier grows while it runs; there are no static chunks.
				est.Chunks = 0
			}
		}
		result.Stages = append(result.Stages, est)
	}
	return result, nil
}
