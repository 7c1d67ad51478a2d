package graph

import (
	"fmt"

	"github.com/dbsmedya/goscrape/internal/config"
)

// Builder constructs a stage graph from a pipeline configuration.
type Builder struct {
	pipeline *config.PipelineConfig
}

// NewBuilder creates a new graph builder for the given pipeline.
func NewBuilder(p *config.PipelineConfig) *Builder {
	return &Builder{pipeline: p}
}

// Build links every stage to the stage that writes its input. Inputs no
// stage writes are recorded as external. Cycles are rejected.
func (b *Builder) Build() (*Graph, error) {
	if b.pipeline == nil {
		return nil, fmt.Errorf("pipeline configuration is nil")
	}
	if len(b.pipeline.Steps) == 0 {
		return nil, fmt.Errorf("pipeline has no steps")
	}

	g := NewGraph()
	producers := make(map[string]string)

	for i := range b.pipeline.Steps {
		step := &b.pipeline.Steps[i]
		if step.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if g.GetNode(step.Name) != nil {
			return nil, fmt.Errorf("duplicate step: %q appears multiple times in the pipeline", step.Name)
		}
		g.AddNode(step.Name, &Node{
			Kind:   step.StageKind(),
			Input:  step.Input,
			Output: step.Output,
			Index:  i,
		})

		if other, dup := producers[step.Output]; dup {
			return nil, fmt.Errorf("steps %q and %q both write %s", other, step.Name, step.Output)
		}
		producers[step.Output] = step.Name
	}

	for i := range b.pipeline.Steps {
		step := &b.pipeline.Steps[i]
		if step.Input == "" {
			continue
		}
		if parent, ok := producers[step.Input]; ok {
			g.AddEdge(parent, step.Name)
		} else {
			g.External[step.Name] = step.Input
		}
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}
	return g, nil
}

// BuildFromPipeline is a convenience function that builds a graph directly from a pipeline config.
func BuildFromPipeline(p *config.PipelineConfig) (*Graph, error) {
	return NewBuilder(p).Build()
}
