package workflowengine

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/simflow/workflow"
)

// Status is the read-only view of a workflow.
type Status struct {
	WorkflowID        string                          `json:"workflow_id"`
	ProjectID         string                          `json:"project_id,omitempty"`
	Template          string                          `json:"template"`
	Goal              string                          `json:"goal"`
	DomainKind        workflow.DomainKind             `json:"domain_kind,omitempty"`
	Status            workflow.Status                 `json:"status"`
	CurrentStep       string                          `json:"current_step"`
	Progress          float64                         `json:"progress"`
	StageStatus       map[string]workflow.StageStatus `json:"stage_status"`
	PendingCheckpoint *workflow.Checkpoint            `json:"pending_checkpoint,omitempty"`
	LastCheckpoint    *workflow.CheckpointSummary     `json:"last_checkpoint,omitempty"`
	Validation        *workflow.ValidationReport      `json:"validation,omitempty"`
	Errors            []workflow.Issue                `json:"errors"`
	Warnings          []workflow.Issue                `json:"warnings"`
	IterationCount    int                             `json:"iteration_count"`
	MaxIterations     int                             `json:"max_iterations"`
	FailureReason     string                          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time                       `json:"created_at"`
	UpdatedAt         time.Time                       `json:"updated_at"`
}

// History is the audit trail of a workflow.
type History struct {
	State       *workflow.State        `json:"state"`
	Steps       []*workflow.StepRecord `json:"steps"`
	Checkpoints []*workflow.Checkpoint `json:"checkpoints"`
}

func statusOf(s *workflow.State) *Status {
	return &Status{
		WorkflowID:     s.WorkflowID,
		ProjectID:      s.ProjectID,
		Template:       s.Template.Name,
		Goal:           s.Goal,
		DomainKind:     s.DomainKind,
		Status:         s.Status,
		CurrentStep:    s.CurrentStep,
		Progress:       s.Progress(),
		StageStatus:    s.StageStatus,
		LastCheckpoint: s.LastCheckpoint,
		Validation:     s.Validation,
		Errors:         s.Errors,
		Warnings:       s.Warnings,
		IterationCount: s.IterationCount,
		MaxIterations:  s.MaxIterations,
		FailureReason:  s.FailureReason,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// GetStatus returns the current view of a workflow.
func (e *Engine) GetStatus(ctx context.Context, workflowID string) (*Status, error) {
	s, err := e.store.LoadState(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	st := statusOf(s)
	if s.PendingCheckpointID != "" {
		cp, err := e.gate.Get(ctx, s.PendingCheckpointID)
		if err != nil && !errors.Is(err, workflow.ErrCheckpointNotFound) {
			return nil, err
		}
		st.PendingCheckpoint = cp
	}
	return st, nil
}

// List returns the workflows matching filter.
func (e *Engine) List(ctx context.Context, filter workflow.StateFilter) ([]*Status, error) {
	states, err := e.store.ListStates(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(states))
	for _, s := range states {
		out = append(out, statusOf(s))
	}
	return out, nil
}

// ListCheckpoints returns every checkpoint of a workflow, oldest first.
func (e *Engine) ListCheckpoints(ctx context.Context, workflowID string) ([]*workflow.Checkpoint, error) {
	if _, err := e.store.LoadState(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.gate.List(ctx, workflow.CheckpointFilter{WorkflowID: workflowID})
}

// History returns the state, step records and checkpoints of a workflow.
func (e *Engine) History(ctx context.Context, workflowID string) (*History, error) {
	s, err := e.store.LoadState(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	cps, err := e.gate.List(ctx, workflow.CheckpointFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	return &History{State: s, Steps: steps, Checkpoints: cps}, nil
}

// Templates returns the template source the engine starts workflows on.
func (e *Engine) Templates() TemplateSource {
	return e.templates
}
