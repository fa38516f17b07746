// Package stageexecutor runs one pipeline stage: it builds the agent's view
// of the workflow, records a step row around the invocation and merges the
// normalized result back into the state.
package stageexecutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/simflow/agent"
	"github.com/c360studio/simflow/workflow"
)

const tracerName = "github.com/c360studio/simflow/processor/stage-executor"

// DefaultStageTimeout bounds an agent call when neither the stage nor the
// executor configures a timeout.
const DefaultStageTimeout = 5 * time.Minute

// StepRecorder is the part of the state store the executor writes to.
type StepRecorder interface {
	CreateStep(ctx context.Context, step *workflow.StepRecord) error
	UpdateStep(ctx context.Context, step *workflow.StepRecord) error
}

// StageResult is the normalized outcome of one stage execution.
type StageResult struct {
	Stage           string
	Success         bool
	Output          map[string]any
	ConfidenceScore float64
	Error           string
	StepID          string
	AttemptOrder    int
	InputDigest     string
	Duration        time.Duration
}

// Executor runs stages. It never retries; routing decides what happens next.
type Executor struct {
	agents  agent.Bindings
	steps   StepRecorder
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the default per-stage timeout. A stage's own Timeout
// takes precedence.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithRegisterer registers the executor metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Executor) {
		e.metrics = newMetrics(reg)
	}
}

// New creates an Executor over the given agent bindings.
func New(agents agent.Bindings, steps StepRecorder, opts ...Option) *Executor {
	e := &Executor{
		agents:  agents,
		steps:   steps,
		timeout: DefaultStageTimeout,
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}
	return e
}

// Agents returns the executor's bindings.
func (e *Executor) Agents() agent.Bindings {
	return e.agents
}

// Execute runs stage against s and merges the result into s. Agent failures
// of any kind come back as a StageResult with Success=false; the returned
// error is reserved for unbound stages and step persistence failures.
func (e *Executor) Execute(ctx context.Context, stage string, s *workflow.State) (StageResult, error) {
	a, err := e.agents.For(stage)
	if err != nil {
		return StageResult{}, err
	}
	spec, ok := s.Template.Stage(stage)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: stage %s not in template %s", workflow.ErrInvalidTemplate, stage, s.Template.Name)
	}

	proj := workflow.Project(s, stage)
	digest := proj.Digest()
	started := e.now()

	step := &workflow.StepRecord{
		ID:            uuid.NewString(),
		WorkflowID:    s.WorkflowID,
		Stage:         stage,
		Status:        workflow.StepRunning,
		InputSnapshot: proj.Snapshot(),
		StartedAt:     started,
	}
	if err := e.steps.CreateStep(ctx, step); err != nil {
		return StageResult{}, workflow.NewPersistenceError("create step", err)
	}
	s.MarkRunning(stage, started)

	timeout := e.timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	ctx, span := e.tracer.Start(ctx, "stage.execute", trace.WithAttributes(
		attribute.String("simflow.workflow_id", s.WorkflowID),
		attribute.String("simflow.stage", stage),
		attribute.Int("simflow.attempt", step.AttemptOrder),
		attribute.Int("simflow.iteration", s.IterationCount),
	))
	res, callErr := e.invoke(ctx, a, agent.Request{
		Stage:         stage,
		Input:         proj,
		HumanFeedback: proj.HumanFeedback,
	}, timeout)

	finished := e.now()
	result := StageResult{
		Stage:        stage,
		StepID:       step.ID,
		AttemptOrder: step.AttemptOrder,
		InputDigest:  digest,
		Duration:     finished.Sub(started),
	}

	if callErr == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		callErr = workflow.NewAgentFailure(stage, msg, nil)
	}

	if callErr != nil {
		result.Error = callErr.Error()
		span.RecordError(callErr)
		span.SetStatus(codes.Error, result.Error)
		s.RecordFailure(stage, result.Error, digest, finished)
		step.Status = workflow.StepFailed
		step.Error = result.Error
	} else {
		result.Success = true
		result.Output = res.Output
		result.ConfidenceScore = clamp(res.ConfidenceScore)
		span.SetAttributes(attribute.Float64("simflow.confidence", result.ConfidenceScore))
		span.SetStatus(codes.Ok, "")
		s.RecordSuccess(stage, result.Output, result.ConfidenceScore, finished)
		step.Status = workflow.StepCompleted
		step.OutputSnapshot = result.Output
		step.ConfidenceScore = result.ConfidenceScore
	}
	span.End()

	step.CompletedAt = &finished
	step.Duration = result.Duration

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	e.metrics.executions.WithLabelValues(stage, outcome).Inc()
	e.metrics.duration.WithLabelValues(stage).Observe(result.Duration.Seconds())

	e.logger.Info("Stage executed",
		"workflow_id", s.WorkflowID,
		"stage", stage,
		"attempt", step.AttemptOrder,
		"success", result.Success,
		"confidence", result.ConfidenceScore,
		"duration", result.Duration,
		"error", result.Error)

	// The step row is audit data; the state save that follows is what
	// routing depends on.
	if err := e.steps.UpdateStep(context.WithoutCancel(ctx), step); err != nil {
		return result, workflow.NewPersistenceError("update step", err)
	}
	return result, nil
}

// invoke calls the agent under a timeout and turns panics and errors into
// AgentFailures.
func (e *Executor) invoke(ctx context.Context, a agent.Agent, req agent.Request, timeout time.Duration) (res agent.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Stage agent panicked",
				"stage", req.Stage,
				"panic", r,
				"stack", string(debug.Stack()))
			res = agent.Result{}
			err = workflow.NewAgentFailure(req.Stage, fmt.Sprintf("agent panic: %v", r), nil)
		}
	}()

	res, err = a.Process(ctx, req)
	if err != nil {
		msg := "agent error"
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			msg = fmt.Sprintf("agent timed out after %s", timeout)
		}
		return agent.Result{}, workflow.NewAgentFailure(req.Stage, msg, err)
	}
	return res, nil
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
