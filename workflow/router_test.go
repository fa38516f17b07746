package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func twoStageTemplate() Template {
	return Template{
		Name: "geometry-mesh",
		Stages: []StageSpec{
			{Name: "geometry", ConfidenceThreshold: 0.7},
			{Name: "mesh", ConfidenceThreshold: 0.7},
		},
	}
}

func newTestState(t *testing.T, tpl Template, maxIterations int) *State {
	t.Helper()
	require.NoError(t, tpl.Validate())
	return NewState("wf-1", "proj-1", "prepare bracket", DomainStructural, tpl, maxIterations, testNow)
}

func TestDecide_FailedStageRetriesThenEscalates(t *testing.T) {
	// Two identical failures of geometry with max_iterations=2.
	s := newTestState(t, twoStageTemplate(), 2)

	s.RecordFailure("geometry", "cad parse error", "digest-a", testNow)
	d := Decide(s)
	require.Equal(t, DecisionNextStage, d.Kind)
	assert.Equal(t, "geometry", d.Stage)
	assert.Equal(t, 1, d.IterationCount)
	d.Apply(s, testNow)
	assert.Equal(t, StagePending, s.StageStatus["geometry"])

	s.RecordFailure("geometry", "cad parse error", "digest-a", testNow)
	d = Decide(s)
	require.Equal(t, DecisionCheckpoint, d.Kind)
	assert.Equal(t, ReasonIterationLimit, d.Reason)
	assert.Equal(t, "geometry", d.Stage)

	require.Len(t, s.FailedSteps, 2)
	assert.Equal(t, "geometry", s.FailedSteps[0].Stage)
	assert.Equal(t, "geometry", s.FailedSteps[1].Stage)
}

func TestDecide_RetryBound(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)

	// Different inputs each time so only the iteration budget applies.
	digests := []string{"a", "b", "c", "d", "e"}
	retries := 0
	for _, dg := range digests {
		s.RecordFailure("geometry", "boom", dg, testNow)
		d := Decide(s)
		if d.Kind == DecisionCheckpoint {
			assert.Equal(t, ReasonIterationLimit, d.Reason)
			break
		}
		retries++
		d.Apply(s, testNow)
		assert.LessOrEqual(t, s.IterationCount, s.MaxIterations)
	}
	assert.Equal(t, 3, retries)
	assert.Equal(t, 3, s.IterationCount)
}

func TestDecide_LowConfidenceRetriesOnce(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)

	s.RecordSuccess("geometry", map[string]any{"faces": 12.0}, 0.4, testNow)
	d := Decide(s)
	require.Equal(t, DecisionNextStage, d.Kind)
	assert.Equal(t, "geometry", d.Stage)
	d.Apply(s, testNow)
	assert.Equal(t, 1, s.IterationCount)
	assert.NotContains(t, s.StageOutput, "geometry")

	s.RecordSuccess("geometry", map[string]any{"faces": 12.0}, 0.9, testNow)
	d = Decide(s)
	require.Equal(t, DecisionNextStage, d.Kind)
	assert.Equal(t, "mesh", d.Stage)
}

func TestDecide_LowConfidenceAtLimitCheckpoints(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 1)
	s.IterationCount = 1
	s.RecordSuccess("geometry", nil, 0.2, testNow)

	d := Decide(s)
	require.Equal(t, DecisionCheckpoint, d.Kind)
	assert.Equal(t, ReasonIterationLimit, d.Reason)
	assert.Equal(t, "mesh", d.ResumeStep)
}

func TestDecide_RequiresReview(t *testing.T) {
	tpl := Template{
		Name: "reviewed",
		Stages: []StageSpec{
			{Name: "geometry"},
			{Name: "physics", RequiresReview: true},
			{Name: "export"},
		},
	}
	s := newTestState(t, tpl, 3)
	s.RecordSuccess("geometry", nil, 0.9, testNow)
	s.CurrentStep = "physics"
	s.RecordSuccess("physics", nil, 0.9, testNow)

	d := Decide(s)
	require.Equal(t, DecisionCheckpoint, d.Kind)
	assert.Equal(t, ReasonReviewRequired, d.Reason)
	assert.Equal(t, "physics", d.Stage)
	assert.Equal(t, "export", d.ResumeStep)

	s.ApprovedStages = append(s.ApprovedStages, "physics")
	d = Decide(s)
	require.Equal(t, DecisionNextStage, d.Kind)
	assert.Equal(t, "export", d.Stage)
}

func TestDecide_FinalReviewThenTerminal(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)
	s.RecordSuccess("geometry", nil, 0.9, testNow)
	d := Decide(s)
	require.Equal(t, "mesh", d.Stage)
	d.Apply(s, testNow)

	s.RecordSuccess("mesh", nil, 0.95, testNow)
	d = Decide(s)
	require.Equal(t, DecisionCheckpoint, d.Kind)
	assert.Equal(t, ReasonFinalReview, d.Reason)
	assert.Equal(t, StepValidation, d.Stage)
	require.NotNil(t, d.Validation)
	assert.True(t, d.Validation.Passed)
	assert.Contains(t, d.Recommendations, "Simulation setup is ready for execution")
	d.Apply(s, testNow)
	assert.Equal(t, StepValidation, s.CurrentStep)

	cp := &Checkpoint{ID: "cp-1", Stage: StepValidation, Reason: ReasonFinalReview, Status: CheckpointApproved}
	s.Suspend(cp.ID, testNow)
	s.ApplyResponse(cp, testNow)
	assert.Equal(t, StepValidation, s.CurrentStep)

	d = Decide(s)
	require.Equal(t, DecisionTerminal, d.Kind)
	assert.Equal(t, StatusCompleted, d.Status)
	d.Apply(s, testNow)
	assert.Equal(t, StepDone, s.CurrentStep)
	assert.Equal(t, StatusCompleted, s.Status)
}

func TestDecide_ValidationFailureSendsStageBack(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)
	s.RecordSuccess("geometry", map[string]any{"errors": []any{"non-manifold edge"}}, 0.9, testNow)
	s.CurrentStep = "mesh"
	s.RecordSuccess("mesh", nil, 0.9, testNow)

	d := Decide(s)
	require.Equal(t, DecisionNextStage, d.Kind)
	assert.Equal(t, "geometry", d.Stage)
	assert.Equal(t, []string{"geometry", "mesh"}, d.Reset)
	d.Apply(s, testNow)
	assert.Equal(t, StagePending, s.StageStatus["mesh"])
	assert.False(t, s.Validation.Passed)
}

func TestDecide_Sentinels(t *testing.T) {
	tests := []struct {
		step string
		want Status
	}{
		{StepDone, StatusCompleted},
		{StepCancelled, StatusCancelled},
		{"no-such-stage", StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			s := newTestState(t, twoStageTemplate(), 3)
			s.CurrentStep = tt.step
			d := Decide(s)
			assert.Equal(t, DecisionTerminal, d.Kind)
			assert.Equal(t, tt.want, d.Status)
		})
	}
}

func TestDecide_IsIdempotent(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)
	s.RecordSuccess("geometry", map[string]any{"volume": 1.5}, 0.5, testNow)
	before := s.Clone()

	first := Decide(s)
	second := Decide(s)
	assert.Equal(t, first, second)
	assert.Equal(t, before, s, "Decide must not mutate state")
}

func TestDecide_ResumesPendingStage(t *testing.T) {
	s := newTestState(t, twoStageTemplate(), 3)
	s.MarkRunning("geometry", testNow)

	d := Decide(s)
	assert.Equal(t, DecisionNextStage, d.Kind)
	assert.Equal(t, "geometry", d.Stage)
	assert.Equal(t, 0, d.IterationCount)
}
