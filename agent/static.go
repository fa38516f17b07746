package agent

import (
	"context"
	"maps"
	"sync"
)

// StaticAgent returns scripted results in order, repeating the last one. It
// backs dry runs of a pipeline without model access.
type StaticAgent struct {
	mu      sync.Mutex
	results []Result
	calls   int
}

// NewStaticAgent creates an agent that replays results. With none it always
// succeeds with confidence 1.0 and an empty output.
func NewStaticAgent(results ...Result) *StaticAgent {
	return &StaticAgent{results: results}
}

// Process implements Agent.
func (s *StaticAgent) Process(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if len(s.results) == 0 {
		return Result{
			Success:         true,
			Output:          map[string]any{"stage": req.Stage, "dry_run": true},
			ConfidenceScore: 1.0,
		}, nil
	}
	i := min(s.calls, len(s.results)) - 1
	r := s.results[i]
	r.Output = maps.Clone(r.Output)
	return r, nil
}

// Calls returns how many times Process ran.
func (s *StaticAgent) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// NewStaticBindings binds a default StaticAgent to each stage.
func NewStaticBindings(stages []string) Bindings {
	b := make(Bindings, len(stages))
	for _, stage := range stages {
		b[stage] = NewStaticAgent()
	}
	return b
}
