// Package workflow provides the simflow workflow model: the durable state
// record threaded through the engine, pipeline templates, the routing policy
// and the final validation pass.
package workflow

import (
	"encoding/json"
	"slices"
	"time"
)

// SchemaVersion is the version of the persisted State record.
const SchemaVersion = 1

// Sentinel values for State.CurrentStep that are not pipeline stages.
const (
	StepValidation = "validation"
	StepDone       = "done"
	StepCancelled  = "cancelled"
)

// DefaultMaxIterations bounds retries when a template does not set its own.
const DefaultMaxIterations = 3

// Status is the lifecycle status of a workflow.
type Status string

const (
	// StatusInitializing is the status of a freshly created workflow whose
	// run loop has not yet started.
	StatusInitializing Status = "initializing"
	// StatusRunning indicates a run loop is (or should be) driving the workflow.
	StatusRunning Status = "running"
	// StatusSuspended indicates the workflow is waiting on a human checkpoint.
	StatusSuspended Status = "suspended"
	// StatusCompleted is terminal.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

// IsValid returns true if the status is a known workflow status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitializing, StatusRunning, StatusSuspended,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that accept no further mutation.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusInitializing:
		return target == StatusRunning || target == StatusCancelled || target == StatusFailed
	case StatusRunning:
		return target != StatusInitializing && target.IsValid()
	case StatusSuspended:
		// Suspended workflows only resume through a checkpoint response,
		// or end through cancellation or expiry.
		return target == StatusRunning || target == StatusCancelled || target == StatusFailed
	default:
		return false
	}
}

// StageStatus is the status of one pipeline stage within a workflow.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// DomainKind is the physics discipline a workflow prepares a simulation for.
type DomainKind string

const (
	DomainCFD             DomainKind = "cfd"
	DomainStructural      DomainKind = "structural"
	DomainThermal         DomainKind = "thermal"
	DomainElectromagnetic DomainKind = "electromagnetic"
	DomainMultiPhysics    DomainKind = "multi_physics"
)

// IsValid returns true if the domain kind is known.
func (d DomainKind) IsValid() bool {
	switch d {
	case DomainCFD, DomainStructural, DomainThermal, DomainElectromagnetic, DomainMultiPhysics:
		return true
	default:
		return false
	}
}

// StageOutput is the result recorded for a completed stage.
type StageOutput struct {
	Data            map[string]any `json:"data"`
	ConfidenceScore float64        `json:"confidence_score"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// StepRef marks one failed attempt of a stage.
type StepRef struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// Issue is a timestamped diagnostic tagged with the stage that produced it.
type Issue struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StageAttempts tracks retry bookkeeping for one stage.
type StageAttempts struct {
	Attempts          int    `json:"attempts"`
	LastInputDigest   string `json:"last_input_digest,omitempty"`
	IdenticalFailures int    `json:"identical_failures"`
}

// CheckpointSummary records the outcome of the most recently resolved checkpoint.
type CheckpointSummary struct {
	ID          string           `json:"id"`
	Stage       string           `json:"stage"`
	Reason      string           `json:"reason"`
	Outcome     CheckpointStatus `json:"outcome"`
	Feedback    string           `json:"feedback,omitempty"`
	ReviewerID  string           `json:"reviewer_id,omitempty"`
	Payload     map[string]any   `json:"payload,omitempty"`
	RespondedAt time.Time        `json:"responded_at"`
}

// Approved reports whether the checkpoint let the workflow proceed.
func (c *CheckpointSummary) Approved() bool {
	return c != nil && (c.Outcome == CheckpointApproved || c.Outcome == CheckpointModified)
}

// State is the durable record threaded through the engine for one workflow.
type State struct {
	SchemaVersion int    `json:"schema_version"`
	Version       int64  `json:"version"`
	WorkflowID    string `json:"workflow_id"`
	ProjectID     string `json:"project_id"`

	Goal       string     `json:"goal"`
	DomainKind DomainKind `json:"domain_kind"`
	Template   Template   `json:"template"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	StageStatus    map[string]StageStatus    `json:"stage_status"`
	StageOutput    map[string]StageOutput    `json:"stage_output"`
	StageAttempts  map[string]StageAttempts  `json:"stage_attempts"`
	ApprovedStages []string                  `json:"approved_stages"`
	CurrentStep    string                    `json:"current_step"`
	CompletedSteps []string                  `json:"completed_steps"`
	FailedSteps    []StepRef                 `json:"failed_steps"`

	PendingCheckpointID string             `json:"pending_checkpoint_id,omitempty"`
	ResumeStep          string             `json:"resume_step,omitempty"`
	LastCheckpoint      *CheckpointSummary `json:"last_checkpoint,omitempty"`
	Validation          *ValidationReport  `json:"validation,omitempty"`

	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`

	IterationCount int `json:"iteration_count"`
	MaxIterations  int `json:"max_iterations"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState builds the initial state for a workflow on the given template.
// The template must already be validated.
func NewState(workflowID, projectID, goal string, domain DomainKind, tpl Template, maxIterations int, now time.Time) *State {
	if maxIterations <= 0 {
		maxIterations = tpl.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	s := &State{
		SchemaVersion:  SchemaVersion,
		WorkflowID:     workflowID,
		ProjectID:      projectID,
		Goal:           goal,
		DomainKind:     domain,
		Template:       tpl,
		Status:         StatusInitializing,
		StageStatus:    make(map[string]StageStatus, len(tpl.Stages)),
		StageOutput:    make(map[string]StageOutput),
		StageAttempts:  make(map[string]StageAttempts),
		ApprovedStages: []string{},
		CompletedSteps: []string{},
		FailedSteps:    []StepRef{},
		Errors:         []Issue{},
		Warnings:       []Issue{},
		MaxIterations:  maxIterations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, st := range tpl.Stages {
		s.StageStatus[st.Name] = StagePending
	}
	if len(tpl.Stages) > 0 {
		s.CurrentStep = tpl.Stages[0].Name
	}
	return s
}

// Touch advances UpdatedAt, never moving it backwards.
func (s *State) Touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// Progress returns the fraction of pipeline stages that have completed at
// least once. Reworked stages keep counting.
func (s *State) Progress() float64 {
	if len(s.Template.Stages) == 0 {
		return 0
	}
	done := 0
	for _, name := range s.CompletedSteps {
		if s.Template.HasStage(name) {
			done++
		}
	}
	return float64(done) / float64(len(s.Template.Stages))
}

// IsSuspended reports whether the workflow is waiting on a human.
func (s *State) IsSuspended() bool {
	return s.PendingCheckpointID != ""
}

// MarkRunning records the start of a stage attempt.
func (s *State) MarkRunning(stage string, now time.Time) {
	s.StageStatus[stage] = StageRunning
	s.Touch(now)
}

// RecordSuccess merges a successful stage result into the state.
func (s *State) RecordSuccess(stage string, output map[string]any, confidence float64, now time.Time) {
	s.StageStatus[stage] = StageCompleted
	s.StageOutput[stage] = StageOutput{Data: normalizeOutput(output), ConfidenceScore: confidence, CompletedAt: now}
	if !slices.Contains(s.CompletedSteps, stage) {
		s.CompletedSteps = append(s.CompletedSteps, stage)
	}
	att := s.StageAttempts[stage]
	att.Attempts++
	att.IdenticalFailures = 0
	s.StageAttempts[stage] = att
	s.Touch(now)
}

// normalizeOutput gives an agent output the shape it has after a store round
// trip: numbers become float64, structs and typed slices become maps and
// []any. Outputs that cannot be encoded are kept as they are.
func normalizeOutput(output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return output
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return output
	}
	return out
}

// RecordFailure merges a failed stage attempt into the state. inputDigest
// identifies the input the agent saw so repeated identical failures can be
// detected.
func (s *State) RecordFailure(stage, message, inputDigest string, now time.Time) {
	s.StageStatus[stage] = StageFailed
	delete(s.StageOutput, stage)
	s.FailedSteps = append(s.FailedSteps, StepRef{Stage: stage, Timestamp: now})
	s.Errors = append(s.Errors, Issue{Stage: stage, Message: message, Timestamp: now})

	att := s.StageAttempts[stage]
	att.Attempts++
	if att.IdenticalFailures > 0 && att.LastInputDigest == inputDigest {
		att.IdenticalFailures++
	} else {
		att.IdenticalFailures = 1
	}
	att.LastInputDigest = inputDigest
	s.StageAttempts[stage] = att
	s.Touch(now)
}

// AddWarning appends a warning for a stage.
func (s *State) AddWarning(stage, message string, now time.Time) {
	s.Warnings = append(s.Warnings, Issue{Stage: stage, Message: message, Timestamp: now})
	s.Touch(now)
}

// ResetStages returns the named stages to pending and drops their outputs
// and approvals. Completed and failed step history is kept.
func (s *State) ResetStages(stages []string) {
	for _, name := range stages {
		if _, ok := s.StageStatus[name]; !ok {
			continue
		}
		s.StageStatus[name] = StagePending
		delete(s.StageOutput, name)
		s.ApprovedStages = slices.DeleteFunc(s.ApprovedStages, func(a string) bool { return a == name })
	}
}

// IsApproved reports whether a human approved the current output of stage.
func (s *State) IsApproved(stage string) bool {
	return slices.Contains(s.ApprovedStages, stage)
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	data, err := json.Marshal(s)
	if err != nil {
		// State only holds JSON-compatible values.
		panic("workflow: clone state: " + err.Error())
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		panic("workflow: clone state: " + err.Error())
	}
	return &out
}
