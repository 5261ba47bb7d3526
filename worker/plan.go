package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/c360studio/conductor/workflow"
)

// PlanProducer yields a validated task graph ready for admission. The
// document producer below is the built-in; an LLM-backed planner satisfies
// the same contract.
type PlanProducer interface {
	Produce(ctx context.Context) (*workflow.TaskGraph, error)
}

// DocumentProducer reads a task-graph document (YAML or JSON) from disk.
type DocumentProducer struct {
	Path string
}

// Produce parses and validates the document.
func (d *DocumentProducer) Produce(_ context.Context) (*workflow.TaskGraph, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("read graph document: %w", err)
	}
	g, err := workflow.ParseGraph(data)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
