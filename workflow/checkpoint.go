package workflow

import "time"

// CheckpointStatus is the lifecycle status of a human checkpoint.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	// CheckpointModified is an approval that carried a reviewer payload.
	CheckpointModified CheckpointStatus = "modified"
)

// IsValid returns true if the checkpoint status is known.
func (s CheckpointStatus) IsValid() bool {
	switch s {
	case CheckpointPending, CheckpointApproved, CheckpointRejected, CheckpointModified:
		return true
	default:
		return false
	}
}

// IsResolved returns true once the checkpoint has left pending.
func (s CheckpointStatus) IsResolved() bool {
	return s == CheckpointApproved || s == CheckpointRejected || s == CheckpointModified
}

// Checkpoint reasons produced by the router.
const (
	ReasonIterationLimit = "iteration limit"
	ReasonReviewRequired = "review required"
	ReasonFinalReview    = "final review"
)

// Checkpoint is a durable gate that needs a human decision before the
// workflow may proceed.
type Checkpoint struct {
	ID              string           `json:"checkpoint_id"`
	WorkflowID      string           `json:"workflow_id"`
	Stage           string           `json:"stage_name"`
	Reason          string           `json:"reason"`
	Recommendations []string         `json:"recommendations"`
	Status          CheckpointStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	RespondedAt     *time.Time       `json:"responded_at,omitempty"`
	HumanFeedback   string           `json:"human_feedback,omitempty"`
	ResponsePayload map[string]any   `json:"human_response_payload,omitempty"`
	ReviewerID      string           `json:"reviewer_id,omitempty"`
}

// IsExpired reports whether a pending checkpoint is past its deadline.
func (c *Checkpoint) IsExpired(now time.Time) bool {
	return c.Status == CheckpointPending && c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Resolution is a human (or system) decision on a checkpoint.
type Resolution struct {
	Outcome    CheckpointStatus `json:"outcome"`
	Feedback   string           `json:"feedback,omitempty"`
	ReviewerID string           `json:"reviewer_id,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
}

// Summary builds the state-side summary of a resolved checkpoint.
func (c *Checkpoint) Summary() *CheckpointSummary {
	sum := &CheckpointSummary{
		ID:         c.ID,
		Stage:      c.Stage,
		Reason:     c.Reason,
		Outcome:    c.Status,
		Feedback:   c.HumanFeedback,
		ReviewerID: c.ReviewerID,
		Payload:    c.ResponsePayload,
	}
	if c.RespondedAt != nil {
		sum.RespondedAt = *c.RespondedAt
	}
	return sum
}

// CheckpointFilter narrows a checkpoint listing. Zero values match everything.
type CheckpointFilter struct {
	WorkflowID string
	Status     CheckpointStatus
}

// Matches reports whether c passes the filter.
func (f CheckpointFilter) Matches(c *Checkpoint) bool {
	if f.WorkflowID != "" && c.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

// StepStatus is the status of one stage attempt.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRecord is the audit record for one stage attempt.
type StepRecord struct {
	ID              string         `json:"step_id"`
	WorkflowID      string         `json:"workflow_id"`
	Stage           string         `json:"stage_name"`
	AttemptOrder    int            `json:"attempt_order"`
	Status          StepStatus     `json:"status"`
	InputSnapshot   map[string]any `json:"input_snapshot,omitempty"`
	OutputSnapshot  map[string]any `json:"output_snapshot,omitempty"`
	Error           string         `json:"error,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Duration        time.Duration  `json:"duration"`
}

// StateFilter narrows a workflow listing. Zero values match everything.
type StateFilter struct {
	ProjectID string
	Statuses  []Status
}

// Matches reports whether s passes the filter.
func (f StateFilter) Matches(s *State) bool {
	if f.ProjectID != "" && s.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}
