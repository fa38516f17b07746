package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyResponse_RejectResetsReviewedStage(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)
	s.RecordSuccess("geometry", nil, 0.9, testNow)
	s.CurrentStep = "mesh"
	s.RecordSuccess("mesh", nil, 0.9, testNow)
	s.IterationCount = 2
	s.ResumeStep = StepValidation
	s.Suspend("cp-1", testNow)

	cp := &Checkpoint{
		ID:            "cp-1",
		Stage:         "mesh",
		Reason:        ReasonReviewRequired,
		Status:        CheckpointRejected,
		HumanFeedback: "refine the boundary layer",
	}
	s.ApplyResponse(cp, testNow)

	assert.Equal(t, "mesh", s.CurrentStep)
	assert.Empty(t, s.PendingCheckpointID)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, StagePending, s.StageStatus["mesh"])
	assert.Equal(t, StageCompleted, s.StageStatus["geometry"])
	assert.Equal(t, 0, s.IterationCount)
	require.NotNil(t, s.LastCheckpoint)
	assert.Equal(t, "refine the boundary layer", Project(s, "mesh").HumanFeedback)
}

func TestApplyResponse_RejectFinalReviewUsesReworkStage(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)
	s.RecordSuccess("geometry", nil, 0.9, testNow)
	s.RecordSuccess("mesh", nil, 0.9, testNow)
	s.CurrentStep = StepValidation
	s.Suspend("cp-2", testNow)

	cp := &Checkpoint{
		ID:              "cp-2",
		Stage:           StepValidation,
		Status:          CheckpointRejected,
		ResponsePayload: map[string]any{PayloadReworkStage: "geometry"},
	}
	s.ApplyResponse(cp, testNow)

	assert.Equal(t, "geometry", s.CurrentStep)
	assert.Equal(t, StagePending, s.StageStatus["geometry"])
	assert.Equal(t, StagePending, s.StageStatus["mesh"])
}

func TestApplyResponse_RejectFinalReviewDefaultsToLastStage(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)
	s.RecordSuccess("geometry", nil, 0.9, testNow)
	s.RecordSuccess("mesh", nil, 0.9, testNow)
	s.CurrentStep = StepValidation

	s.ApplyResponse(&Checkpoint{ID: "cp", Stage: StepValidation, Status: CheckpointRejected}, testNow)

	assert.Equal(t, "mesh", s.CurrentStep)
	assert.Equal(t, StageCompleted, s.StageStatus["geometry"])
}

func TestApplyResponse_ApproveFailedStageWithOutput(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 2)
	s.RecordFailure("geometry", "boom", "x", testNow)
	s.RecordFailure("geometry", "boom", "x", testNow)
	s.ResumeStep = "geometry"

	cp := &Checkpoint{
		ID:     "cp-3",
		Stage:  "geometry",
		Status: CheckpointModified,
		ResponsePayload: map[string]any{
			PayloadOutput:     map[string]any{"faces": 6.0},
			PayloadConfidence: 0.8,
		},
	}
	s.ApplyResponse(cp, testNow)

	assert.Equal(t, "mesh", s.CurrentStep)
	assert.Equal(t, StageCompleted, s.StageStatus["geometry"])
	assert.InDelta(t, 0.8, s.StageOutput["geometry"].ConfidenceScore, 1e-9)
	assert.True(t, s.IsApproved("geometry"))
	assert.Equal(t, 0, s.StageAttempts["geometry"].IdenticalFailures)
}

func TestApplyResponse_ApproveFailedStageRetries(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 2)
	s.RecordFailure("geometry", "boom", "x", testNow)
	s.ResumeStep = "geometry"

	s.ApplyResponse(&Checkpoint{ID: "cp", Stage: "geometry", Status: CheckpointApproved}, testNow)

	assert.Equal(t, "geometry", s.CurrentStep)
	assert.Equal(t, StagePending, s.StageStatus["geometry"])
	d := Decide(s)
	assert.Equal(t, DecisionNextStage, d.Kind)
	assert.Equal(t, "geometry", d.Stage)
}

func TestProject_FeedbackScopedToStage(t *testing.T) {
	threeStage := Template{
		Name: "geometry-mesh-physics",
		Stages: []StageSpec{
			{Name: "geometry"},
			{Name: "mesh"},
			{Name: "physics"},
		},
	}

	tests := []struct {
		name string
		last *CheckpointSummary
		want map[string]string
	}{
		{
			name: "approval note stays with its stage",
			last: &CheckpointSummary{Stage: "geometry", Outcome: CheckpointApproved, Feedback: "looks clean"},
			want: map[string]string{"geometry": "looks clean", "mesh": "", "physics": ""},
		},
		{
			name: "rejection goes to the rework stage",
			last: &CheckpointSummary{
				Stage:    StepValidation,
				Outcome:  CheckpointRejected,
				Feedback: "refine near the inlet",
				Payload:  map[string]any{PayloadReworkStage: "mesh"},
			},
			want: map[string]string{"geometry": "", "mesh": "refine near the inlet", "physics": ""},
		},
		{
			name: "final review rejection defaults to the last stage",
			last: &CheckpointSummary{Stage: StepValidation, Outcome: CheckpointRejected, Feedback: "wrong inlet velocity"},
			want: map[string]string{"geometry": "", "mesh": "", "physics": "wrong inlet velocity"},
		},
		{
			name: "no checkpoint",
			want: map[string]string{"geometry": "", "mesh": "", "physics": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState(t, threeStage, 3)
			s.LastCheckpoint = tt.last
			for stage, want := range tt.want {
				assert.Equal(t, want, Project(s, stage).HumanFeedback, "stage %s", stage)
			}
		})
	}
}
