// Package agent defines the contract between the engine and the external
// analysis capabilities that perform each pipeline stage, plus the LLM-backed
// and static implementations bound to stages at startup.
package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/c360studio/simflow/workflow"
)

// Request is the input of one agent invocation.
type Request struct {
	Stage string
	// Input is the read-only view of the workflow for this stage.
	Input workflow.Projection
	// HumanFeedback is the latest reviewer feedback relevant to the stage.
	HumanFeedback string
}

// Result is what an agent reports back. A returned error and Success=false
// are treated the same by the executor.
type Result struct {
	Success         bool           `json:"success"`
	Output          map[string]any `json:"output,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	Error           string         `json:"error,omitempty"`
}

// Agent performs the analysis for one stage. Implementations must honour ctx
// cancellation and be safe to call again with the same input.
type Agent interface {
	Process(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Process calls f.
func (f Func) Process(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Bindings maps stage names to the agent performing them.
type Bindings map[string]Agent

// For returns the agent bound to stage.
func (b Bindings) For(stage string) (Agent, error) {
	a, ok := b[stage]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownAgent, stage)
	}
	return a, nil
}

// Check verifies every stage of t has an agent.
func (b Bindings) Check(t workflow.Template) error {
	var missing []string
	for _, stage := range t.StageNames() {
		if a, ok := b[stage]; !ok || a == nil {
			missing = append(missing, stage)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %v", workflow.ErrUnknownAgent, missing)
	}
	return nil
}

// Stages returns the bound stage names, sorted.
func (b Bindings) Stages() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
