package workflow

import (
	"fmt"
	"time"
)

// DecisionKind identifies what the run loop does next.
type DecisionKind string

const (
	DecisionNextStage  DecisionKind = "next_stage"
	DecisionCheckpoint DecisionKind = "checkpoint"
	DecisionTerminal   DecisionKind = "terminal"
)

// identicalFailureLimit is how many consecutive failures against the same
// input a stage may accumulate before it escalates to a human.
const identicalFailureLimit = 2

// Decision is the router's verdict for a state.
type Decision struct {
	Kind DecisionKind `json:"kind"`
	// Stage is the next stage for DecisionNextStage, or the stage under
	// review for DecisionCheckpoint.
	Stage string `json:"stage,omitempty"`
	// Reason explains a checkpoint.
	Reason string `json:"reason,omitempty"`
	// ResumeStep is where an approved checkpoint continues.
	ResumeStep      string   `json:"resume_step,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	// Status is the final status for DecisionTerminal.
	Status Status `json:"status,omitempty"`
	// IterationCount is the iteration count after the decision.
	IterationCount int `json:"iteration_count"`
	// Reset lists stages returned to pending before the next stage runs.
	Reset      []string          `json:"reset,omitempty"`
	Validation *ValidationReport `json:"validation,omitempty"`
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionNextStage:
		return fmt.Sprintf("NextStage(%s)", d.Stage)
	case DecisionCheckpoint:
		return fmt.Sprintf("Checkpoint(%s, %s)", d.Stage, d.Reason)
	case DecisionTerminal:
		return fmt.Sprintf("Terminal(%s)", d.Status)
	default:
		return string(d.Kind)
	}
}

// Decide computes the next step for a workflow. It is a pure function of the
// state: no I/O, no clock, no mutation.
func Decide(s *State) Decision {
	switch s.CurrentStep {
	case StepDone:
		return terminal(s, StatusCompleted)
	case StepCancelled:
		return terminal(s, StatusCancelled)
	case StepValidation:
		if lc := s.LastCheckpoint; lc.Approved() && lc.Stage == StepValidation {
			return terminal(s, StatusCompleted)
		}
		return finalize(s)
	}

	spec, ok := s.Template.Stage(s.CurrentStep)
	if !ok {
		return terminal(s, StatusFailed)
	}
	stage := spec.Name

	switch s.StageStatus[stage] {
	case StageFailed:
		att := s.StageAttempts[stage]
		if s.IterationCount < s.MaxIterations && att.IdenticalFailures < identicalFailureLimit {
			return retry(s, stage)
		}
		return checkpoint(s, stage, ReasonIterationLimit, stage, nil)

	case StageCompleted:
		out := s.StageOutput[stage]
		if out.ConfidenceScore < spec.Threshold() && !s.IsApproved(stage) {
			if s.IterationCount < s.MaxIterations {
				return retry(s, stage)
			}
			return checkpoint(s, stage, ReasonIterationLimit, nextAfter(s, stage), nil)
		}
		if s.IterationCount >= s.MaxIterations && !s.IsApproved(stage) {
			return checkpoint(s, stage, ReasonIterationLimit, nextAfter(s, stage), nil)
		}
		if spec.RequiresReview && !s.IsApproved(stage) {
			return checkpoint(s, stage, ReasonReviewRequired, nextAfter(s, stage), nil)
		}
		next := nextAfter(s, stage)
		if next == StepValidation {
			return finalize(s)
		}
		return Decision{Kind: DecisionNextStage, Stage: next, IterationCount: s.IterationCount}

	default:
		// Pending or running: the stage has not produced a result yet,
		// typically because the process restarted mid-attempt.
		return Decision{Kind: DecisionNextStage, Stage: stage, IterationCount: s.IterationCount}
	}
}

// finalize runs the validation pass once every stage has completed. Failing
// components go back for rework while the iteration budget lasts; otherwise
// the workflow stops at the final human review.
func finalize(s *State) Decision {
	report := Validate(s)
	if !report.Passed {
		failed := report.FailedStages(s.Template)
		if len(failed) > 0 && s.IterationCount < s.MaxIterations {
			d := Decision{
				Kind:           DecisionNextStage,
				Stage:          failed[0],
				IterationCount: s.IterationCount + 1,
				Reset:          s.Template.Downstream(failed[0]),
				Validation:     report,
			}
			return d
		}
		d := checkpoint(s, StepValidation, ReasonIterationLimit, StepValidation, report)
		return d
	}
	return checkpoint(s, StepValidation, ReasonFinalReview, StepValidation, report)
}

func retry(s *State, stage string) Decision {
	return Decision{
		Kind:           DecisionNextStage,
		Stage:          stage,
		IterationCount: s.IterationCount + 1,
		Reset:          []string{stage},
	}
}

func checkpoint(s *State, stage, reason, resume string, report *ValidationReport) Decision {
	return Decision{
		Kind:            DecisionCheckpoint,
		Stage:           stage,
		Reason:          reason,
		ResumeStep:      resume,
		Recommendations: Recommendations(s, report),
		IterationCount:  s.IterationCount,
		Validation:      report,
	}
}

func terminal(s *State, status Status) Decision {
	return Decision{Kind: DecisionTerminal, Status: status, IterationCount: s.IterationCount}
}

// nextAfter returns the first stage after stage that has not completed, then
// any earlier incomplete stage, and finally StepValidation.
func nextAfter(s *State, stage string) string {
	names := s.Template.StageNames()
	i := s.Template.Index(stage)
	for _, name := range names[i+1:] {
		if s.StageStatus[name] != StageCompleted {
			return name
		}
	}
	for _, name := range names[:i] {
		if s.StageStatus[name] != StageCompleted {
			return name
		}
	}
	return StepValidation
}

// Apply moves the state according to the decision. The caller persists the
// result. For a checkpoint decision the caller also records the created
// checkpoint id via Suspend.
func (d Decision) Apply(s *State, now time.Time) {
	s.IterationCount = d.IterationCount
	if d.Validation != nil {
		s.Validation = d.Validation
	}
	s.ResetStages(d.Reset)

	switch d.Kind {
	case DecisionNextStage:
		s.CurrentStep = d.Stage
	case DecisionCheckpoint:
		s.ResumeStep = d.ResumeStep
		if d.Stage == StepValidation {
			s.CurrentStep = StepValidation
		}
	case DecisionTerminal:
		s.Status = d.Status
		switch d.Status {
		case StatusCompleted:
			s.CurrentStep = StepDone
		case StatusCancelled:
			s.CurrentStep = StepCancelled
		case StatusFailed:
			if s.FailureReason == "" {
				s.FailureReason = fmt.Sprintf("unknown step %q", s.CurrentStep)
			}
		}
	}
	s.Touch(now)
}

// Suspend records the pending checkpoint created for a checkpoint decision.
func (s *State) Suspend(checkpointID string, now time.Time) {
	s.PendingCheckpointID = checkpointID
	s.Status = StatusSuspended
	s.Touch(now)
}
