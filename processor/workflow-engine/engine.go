// Package workflowengine drives workflows through their pipeline. Each
// running workflow owns one goroutine that executes the current stage,
// routes on the result and persists the state before acting on the
// decision. A checkpoint decision suspends the workflow by ending its
// goroutine; RespondToCheckpoint starts a new one from the stored state.
package workflowengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/simflow/events"
	"github.com/c360studio/simflow/pipeline"
	checkpointgate "github.com/c360studio/simflow/processor/checkpoint-gate"
	stageexecutor "github.com/c360studio/simflow/processor/stage-executor"
	"github.com/c360studio/simflow/storage"
	"github.com/c360studio/simflow/workflow"
)

// ErrInvalidRequest reports a malformed start request or reviewer response.
var ErrInvalidRequest = errors.New("invalid workflow request")

// conflictRetries bounds reload-and-retry on optimistic concurrency
// conflicts outside the run loop.
const conflictRetries = 3

// TemplateSource resolves template names.
type TemplateSource interface {
	Lookup(name string) (workflow.Template, bool)
}

// StartRequest describes a new workflow.
type StartRequest struct {
	ProjectID  string              `json:"project_id"`
	Goal       string              `json:"goal"`
	DomainKind workflow.DomainKind `json:"domain_kind,omitempty"`
	// Template names the pipeline. Empty means the engine default.
	Template string `json:"template,omitempty"`
	// MaxIterations overrides the template budget when positive.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// Response is a reviewer's answer to a checkpoint.
type Response struct {
	Approved   bool           `json:"approved"`
	Feedback   string         `json:"feedback,omitempty"`
	ReviewerID string         `json:"reviewer_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Engine runs workflows.
type Engine struct {
	store     storage.Store
	executor  *stageexecutor.Executor
	gate      *checkpointgate.Gate
	templates TemplateSource
	events    events.Publisher

	defaultTemplate string
	maxIterations   int
	now             func() time.Time
	logger          *slog.Logger
	metrics         *metrics

	baseCtx context.Context
	stop    context.CancelFunc
	runs    sync.Map // workflow id -> *run
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

// WithDefaultTemplate sets the template used when a start request names none.
func WithDefaultTemplate(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.defaultTemplate = name
		}
	}
}

// WithMaxIterations sets the iteration budget for requests that do not set
// one. Zero defers to the template.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		e.maxIterations = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRegisterer registers the engine metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = newMetrics(reg)
	}
}

// New creates an Engine. The executor and gate must share store.
func New(store storage.Store, executor *stageexecutor.Executor, gate *checkpointgate.Gate, templates TemplateSource, opts ...Option) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:           store,
		executor:        executor,
		gate:            gate,
		templates:       templates,
		events:          events.Noop{},
		defaultTemplate: pipeline.DefaultTemplate,
		now:             time.Now,
		logger:          slog.Default(),
		baseCtx:         ctx,
		stop:            stop,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}
	return e
}

// Start validates the request, persists the initial state and launches the
// run loop. It returns the new workflow id.
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	name := req.Template
	if name == "" {
		name = e.defaultTemplate
	}
	tpl, ok := e.templates.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: unknown template %q", workflow.ErrInvalidTemplate, name)
	}
	if err := tpl.Validate(); err != nil {
		return "", err
	}
	if err := e.executor.Agents().Check(tpl); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Goal) == "" {
		return "", fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}
	if req.DomainKind != "" && !req.DomainKind.IsValid() {
		return "", fmt.Errorf("%w: unknown domain kind %q", ErrInvalidRequest, req.DomainKind)
	}
	if req.MaxIterations < 0 {
		return "", fmt.Errorf("%w: max_iterations must be >= 0", ErrInvalidRequest)
	}

	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = e.maxIterations
	}
	now := e.now()
	s := workflow.NewState(uuid.NewString(), req.ProjectID, req.Goal, req.DomainKind, tpl, maxIter, now)
	s.Status = workflow.StatusRunning

	if err := e.store.SaveState(ctx, s); err != nil {
		return "", workflow.NewPersistenceError("save state", err)
	}
	e.metrics.started.Inc()
	e.logger.Info("Workflow started",
		"workflow_id", s.WorkflowID,
		"project_id", s.ProjectID,
		"template", tpl.Name,
		"max_iterations", s.MaxIterations)
	e.emit(ctx, events.ForState(events.Started, s, now))

	if _, err := e.launch(ctx, s.WorkflowID, false); err != nil {
		return s.WorkflowID, err
	}
	return s.WorkflowID, nil
}

// RespondToCheckpoint resolves a pending checkpoint with a reviewer decision
// and resumes the workflow. It is the only way a suspended workflow moves
// on.
func (e *Engine) RespondToCheckpoint(ctx context.Context, checkpointID string, resp Response) error {
	// Expiry and cancellation are recognised by the system reviewer id, so a
	// human response may not claim it.
	if strings.EqualFold(strings.TrimSpace(resp.ReviewerID), checkpointgate.SystemReviewer) {
		return fmt.Errorf("%w: reviewer id %q is reserved", ErrInvalidRequest, resp.ReviewerID)
	}

	cp, err := e.gate.Get(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, workflow.ErrCheckpointNotFound) {
			return fmt.Errorf("%w: %w", workflow.ErrCheckpointNotPending, err)
		}
		return workflow.NewPersistenceError("get checkpoint", err)
	}

	// Terminal workflows report as such even though their last checkpoint
	// is necessarily resolved.
	s, err := e.store.LoadState(ctx, cp.WorkflowID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", workflow.ErrWorkflowTerminal, s.WorkflowID, s.Status)
	}
	if cp.Status.IsResolved() {
		return fmt.Errorf("%w: %s is %s", workflow.ErrCheckpointNotPending, checkpointID, cp.Status)
	}
	// A checkpoint created just before a crash may not be recorded on the
	// state yet; it can still be answered once no loop owns the workflow.
	if s.PendingCheckpointID != cp.ID && (s.PendingCheckpointID != "" || e.isLive(s.WorkflowID)) {
		return fmt.Errorf("%w: workflow %s is not waiting on %s", workflow.ErrCheckpointNotPending, s.WorkflowID, checkpointID)
	}

	res := workflow.Resolution{
		Outcome:    workflow.CheckpointRejected,
		Feedback:   resp.Feedback,
		ReviewerID: resp.ReviewerID,
		Payload:    resp.Payload,
	}
	if resp.Approved {
		res.Outcome = workflow.CheckpointApproved
		if len(resp.Payload) > 0 {
			res.Outcome = workflow.CheckpointModified
		}
	}

	resolved, err := e.gate.Resolve(ctx, cp.ID, res)
	if err != nil {
		if errors.Is(err, workflow.ErrCheckpointAlreadyResolved) {
			return fmt.Errorf("%w: %w", workflow.ErrCheckpointNotPending, err)
		}
		return workflow.NewPersistenceError("resolve checkpoint", err)
	}
	return e.resumeFrom(ctx, s, resolved)
}

// resumeFrom applies a resolved checkpoint to s, persists it and launches
// the loop.
func (e *Engine) resumeFrom(ctx context.Context, s *workflow.State, cp *workflow.Checkpoint) error {
	now := e.now()
	s.ApplyResponse(cp, now)
	if err := e.store.SaveState(ctx, s); err != nil {
		return workflow.NewPersistenceError("save state", err)
	}

	e.logger.Info("Checkpoint resolved",
		"workflow_id", s.WorkflowID,
		"checkpoint_id", cp.ID,
		"stage", cp.Stage,
		"outcome", cp.Status,
		"reviewer", cp.ReviewerID,
		"next_step", s.CurrentStep)
	ev := events.ForState(events.CheckpointResolved, s, now)
	ev.CheckpointID = cp.ID
	ev.Reason = cp.Reason
	ev.Message = string(cp.Status)
	e.emit(ctx, ev)

	_, err := e.launch(ctx, s.WorkflowID, true)
	return err
}

// Cancel stops a workflow. A workflow driven by a loop in this process is
// flagged and ends at the loop's next check, discarding any stage result
// still in flight. Otherwise the stored state is cancelled directly and its
// pending checkpoint rejected.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	s, err := e.store.LoadState(ctx, workflowID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", workflow.ErrWorkflowTerminal, workflowID, s.Status)
	}

	if v, ok := e.runs.Load(workflowID); ok {
		r := v.(*run)
		if r.requestCancel() {
			e.logger.Info("Cancellation requested", "workflow_id", workflowID)
			return nil
		}
		// The loop is on its way out; cancel once it is gone.
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.cancelStored(ctx, workflowID)
}

func (e *Engine) cancelStored(ctx context.Context, workflowID string) error {
	for range conflictRetries {
		s, err := e.store.LoadState(ctx, workflowID)
		if err != nil {
			return err
		}
		if s.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", workflow.ErrWorkflowTerminal, workflowID, s.Status)
		}

		if s.PendingCheckpointID != "" {
			_, err := e.gate.Resolve(ctx, s.PendingCheckpointID, workflow.Resolution{
				Outcome:    workflow.CheckpointRejected,
				Feedback:   checkpointgate.CancelFeedback,
				ReviewerID: checkpointgate.SystemReviewer,
			})
			if err != nil &&
				!errors.Is(err, workflow.ErrCheckpointAlreadyResolved) &&
				!errors.Is(err, workflow.ErrCheckpointNotFound) {
				return workflow.NewPersistenceError("reject checkpoint", err)
			}
		}

		s.MarkCancelled(e.now())
		if err := e.store.SaveState(ctx, s); err != nil {
			if errors.Is(err, workflow.ErrVersionConflict) {
				continue
			}
			return workflow.NewPersistenceError("save state", err)
		}
		e.finished(ctx, s)
		return nil
	}
	return fmt.Errorf("cancel %s: %w", workflowID, workflow.ErrVersionConflict)
}

// ExpireCheckpoints rejects every checkpoint past its deadline and fails the
// workflows waiting on them. It returns the ids of the failed workflows.
func (e *Engine) ExpireCheckpoints(ctx context.Context) ([]string, error) {
	expired, expireErr := e.gate.ExpireStale(ctx, e.now())

	var ids []string
	errs := []error{expireErr}
	for _, cp := range expired {
		failed, err := e.failExpired(ctx, cp)
		if err != nil {
			errs = append(errs, fmt.Errorf("fail workflow %s: %w", cp.WorkflowID, err))
			continue
		}
		if failed {
			ids = append(ids, cp.WorkflowID)
		}
	}
	return ids, errors.Join(errs...)
}

func (e *Engine) failExpired(ctx context.Context, cp *workflow.Checkpoint) (bool, error) {
	for range conflictRetries {
		s, err := e.store.LoadState(ctx, cp.WorkflowID)
		if err != nil {
			return false, err
		}
		if s.Status.IsTerminal() {
			return false, nil
		}
		if s.PendingCheckpointID != "" && s.PendingCheckpointID != cp.ID {
			return false, nil
		}

		s.LastCheckpoint = cp.Summary()
		s.MarkFailed(fmt.Sprintf("checkpoint %s expired without reviewer response", cp.ID), e.now())
		if err := e.store.SaveState(ctx, s); err != nil {
			if errors.Is(err, workflow.ErrVersionConflict) {
				continue
			}
			return false, workflow.NewPersistenceError("save state", err)
		}
		e.finished(ctx, s)
		return true, nil
	}
	return false, workflow.ErrVersionConflict
}

// Resume relaunches the loop of a workflow that has none, typically after a
// restart. A suspended workflow whose checkpoint was resolved but not yet
// applied is moved past it. It reports whether a loop was started.
func (e *Engine) Resume(ctx context.Context, workflowID string) (bool, error) {
	s, err := e.store.LoadState(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if s.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is %s", workflow.ErrWorkflowTerminal, workflowID, s.Status)
	}

	if s.IsSuspended() {
		cp, err := e.gate.Get(ctx, s.PendingCheckpointID)
		if err != nil {
			return false, fmt.Errorf("load pending checkpoint of %s: %w", workflowID, err)
		}
		switch {
		case !cp.Status.IsResolved():
			return false, nil
		case checkpointgate.IsExpired(cp):
			_, err := e.failExpired(ctx, cp)
			return false, err
		case checkpointgate.IsCancelled(cp):
			return false, e.cancelStored(ctx, workflowID)
		}
		if err := e.resumeFrom(ctx, s, cp); err != nil {
			return false, err
		}
		return true, nil
	}

	started, err := e.launch(ctx, workflowID, false)
	if started {
		e.logger.Info("Workflow resumed", "workflow_id", workflowID, "current_step", s.CurrentStep)
		e.emit(ctx, events.ForState(events.Resumed, s, e.now()))
	}
	return started, err
}

// ResumeInterrupted resumes every non-terminal workflow that has no loop.
// It returns the number of loops started.
func (e *Engine) ResumeInterrupted(ctx context.Context) (int, error) {
	states, err := e.store.ListStates(ctx, workflow.StateFilter{Statuses: []workflow.Status{
		workflow.StatusInitializing,
		workflow.StatusRunning,
		workflow.StatusSuspended,
	}})
	if err != nil {
		return 0, fmt.Errorf("list interrupted workflows: %w", err)
	}

	started := 0
	var errs []error
	for _, s := range states {
		ok, err := e.Resume(ctx, s.WorkflowID)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", s.WorkflowID, err))
			continue
		}
		if ok {
			started++
		}
	}
	if started > 0 {
		e.logger.Info("Resumed interrupted workflows", "count", started)
	}
	return started, errors.Join(errs...)
}

// Wait blocks until the loop driving workflowID, if any, has exited.
func (e *Engine) Wait(ctx context.Context, workflowID string) error {
	v, ok := e.runs.Load(workflowID)
	if !ok {
		return nil
	}
	select {
	case <-v.(*run).done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every loop and waits for them to exit. Workflows stay in
// their last persisted state and are picked up by ResumeInterrupted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isLive(workflowID string) bool {
	_, ok := e.runs.Load(workflowID)
	return ok
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("Failed to publish workflow event",
			"workflow_id", ev.WorkflowID,
			"event", ev.Type,
			"error", err)
	}
}

// finished records a workflow reaching a terminal status.
func (e *Engine) finished(ctx context.Context, s *workflow.State) {
	e.metrics.finished.WithLabelValues(string(s.Status)).Inc()

	var typ events.Type
	switch s.Status {
	case workflow.StatusCompleted:
		typ = events.Completed
		e.logger.Info("Workflow completed", "workflow_id", s.WorkflowID, "iterations", s.IterationCount)
	case workflow.StatusCancelled:
		typ = events.Cancelled
		e.logger.Info("Workflow cancelled", "workflow_id", s.WorkflowID)
	default:
		typ = events.Failed
		e.logger.Warn("Workflow failed", "workflow_id", s.WorkflowID, "reason", s.FailureReason)
	}
	ev := events.ForState(typ, s, e.now())
	ev.Message = s.FailureReason
	e.emit(ctx, ev)
}
