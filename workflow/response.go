package workflow

import (
	"slices"
	"time"
)

// Payload keys understood in a reviewer response.
const (
	// PayloadReworkStage names the stage to redo when rejecting.
	PayloadReworkStage = "rework_stage"
	// PayloadOutput replaces a stage output when approving with changes.
	PayloadOutput = "output"
	// PayloadConfidence sets the confidence of a replaced output.
	PayloadConfidence = "confidence_score"
)

// ApplyResponse moves a suspended state past a resolved checkpoint. Approval
// continues at the recorded resume step; rejection sends the workflow back to
// the reviewed stage (or the stage named by the payload) with that stage and
// everything downstream reset. A human decision grants a fresh iteration
// budget.
func (s *State) ApplyResponse(cp *Checkpoint, now time.Time) {
	s.LastCheckpoint = cp.Summary()
	s.PendingCheckpointID = ""
	s.IterationCount = 0
	for name, att := range s.StageAttempts {
		att.IdenticalFailures = 0
		s.StageAttempts[name] = att
	}

	if cp.Status == CheckpointRejected {
		target := s.reworkTarget(cp)
		s.ResetStages(s.Template.Downstream(target))
		s.CurrentStep = target
	} else {
		s.applyApproval(cp, now)
	}

	s.ResumeStep = ""
	s.Status = StatusRunning
	s.Touch(now)
}

func (s *State) applyApproval(cp *Checkpoint, now time.Time) {
	resume := s.ResumeStep
	if !s.Template.HasStage(cp.Stage) {
		if resume == "" {
			resume = StepValidation
		}
		s.CurrentStep = resume
		return
	}

	if out, ok := cp.ResponsePayload[PayloadOutput].(map[string]any); ok {
		confidence := 1.0
		if c, ok := cp.ResponsePayload[PayloadConfidence].(float64); ok && c >= 0 && c <= 1 {
			confidence = c
		}
		s.RecordSuccess(cp.Stage, out, confidence, now)
	}

	switch s.StageStatus[cp.Stage] {
	case StageCompleted:
		if !slices.Contains(s.ApprovedStages, cp.Stage) {
			s.ApprovedStages = append(s.ApprovedStages, cp.Stage)
		}
		if resume == "" || resume == cp.Stage {
			resume = nextAfter(s, cp.Stage)
		}
	default:
		// Approving a failed stage without a replacement output retries it.
		s.ResetStages([]string{cp.Stage})
		resume = cp.Stage
	}
	s.CurrentStep = resume
}

func (s *State) reworkTarget(cp *Checkpoint) string {
	return s.reworkStage(cp.Stage, cp.ResponsePayload)
}

// reworkStage is the stage a rejection of a checkpoint on reviewed returns to.
func (s *State) reworkStage(reviewed string, payload map[string]any) string {
	if name, ok := payload[PayloadReworkStage].(string); ok && s.Template.HasStage(name) {
		return name
	}
	if s.Template.HasStage(reviewed) {
		return reviewed
	}
	return s.Template.LastStage()
}

// MarkCancelled ends the workflow as cancelled.
func (s *State) MarkCancelled(now time.Time) {
	s.CurrentStep = StepCancelled
	s.Status = StatusCancelled
	s.PendingCheckpointID = ""
	s.ResumeStep = ""
	s.Touch(now)
}

// MarkFailed ends the workflow as failed.
func (s *State) MarkFailed(reason string, now time.Time) {
	s.Status = StatusFailed
	s.FailureReason = reason
	s.PendingCheckpointID = ""
	s.ResumeStep = ""
	s.Touch(now)
}
