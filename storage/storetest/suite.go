// Package storetest provides a conformance suite run against every
// storage.Store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/simflow/storage"
	"github.com/c360studio/simflow/workflow"
)

var base = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage contract against the store returned by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("state round trip", func(t *testing.T) { testStateRoundTrip(t, newStore(t)) })
	t.Run("state not found", func(t *testing.T) { testStateNotFound(t, newStore(t)) })
	t.Run("optimistic concurrency", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("list states", func(t *testing.T) { testListStates(t, newStore(t)) })
	t.Run("step attempt order", func(t *testing.T) { testStepAttemptOrder(t, newStore(t)) })
	t.Run("checkpoint lifecycle", func(t *testing.T) { testCheckpointLifecycle(t, newStore(t)) })
	t.Run("single pending checkpoint under contention", func(t *testing.T) { testCheckpointContention(t, newStore(t)) })
}

func sampleState(id string) *workflow.State {
	tpl := workflow.Template{
		Name: "geometry-mesh",
		Stages: []workflow.StageSpec{
			{Name: "geometry", ConfidenceThreshold: 0.7},
			{Name: "mesh", ConfidenceThreshold: 0.7, Inputs: []string{"geometry"}},
		},
	}
	s := workflow.NewState(id, "proj-1", "mesh a turbine blade", workflow.DomainCFD, tpl, 3, base)
	s.Status = workflow.StatusRunning
	s.RecordSuccess("geometry", map[string]any{
		"surfaces": 42,
		"units":    "mm",
		"bbox":     []float64{0, 0, 1.5},
		"nested":   map[string]any{"ok": true, "layers": int64(3)},
	}, 0.91, base.Add(time.Minute))
	s.CurrentStep = "mesh"
	s.RecordFailure("mesh", "skewness 0.97 exceeds limit", "digest-1", base.Add(2*time.Minute))
	s.AddWarning("geometry", "small sliver faces merged", base.Add(2*time.Minute))
	s.IterationCount = 1
	return s
}

func testStateRoundTrip(t *testing.T, st storage.Store) {
	ctx := context.Background()
	s := sampleState(uuid.NewString())

	require.NoError(t, st.SaveState(ctx, s))
	assert.Equal(t, int64(1), s.Version)

	got, err := st.LoadState(ctx, s.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func testStateNotFound(t *testing.T, st storage.Store) {
	_, err := st.LoadState(context.Background(), "missing")
	assert.True(t, errors.Is(err, workflow.ErrWorkflowNotFound), "got %v", err)
}

func testVersionConflict(t *testing.T, st storage.Store) {
	ctx := context.Background()
	s := sampleState(uuid.NewString())
	require.NoError(t, st.SaveState(ctx, s))

	stale, err := st.LoadState(ctx, s.WorkflowID)
	require.NoError(t, err)

	s.CurrentStep = "geometry"
	require.NoError(t, st.SaveState(ctx, s))
	assert.Equal(t, int64(2), s.Version)

	stale.Goal = "overwritten"
	err = st.SaveState(ctx, stale)
	assert.True(t, errors.Is(err, workflow.ErrVersionConflict), "got %v", err)

	again := sampleState(s.WorkflowID)
	err = st.SaveState(ctx, again)
	assert.True(t, errors.Is(err, workflow.ErrVersionConflict), "recreate: got %v", err)

	got, err := st.LoadState(ctx, s.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "geometry", got.CurrentStep)
	assert.Equal(t, "mesh a turbine blade", got.Goal)
}

func testListStates(t *testing.T, st storage.Store) {
	ctx := context.Background()
	project := uuid.NewString()
	running := sampleState(uuid.NewString())
	running.ProjectID = project
	done := sampleState(uuid.NewString())
	done.ProjectID = project
	done.Status = workflow.StatusCompleted
	require.NoError(t, st.SaveState(ctx, running))
	require.NoError(t, st.SaveState(ctx, done))

	got, err := st.ListStates(ctx, workflow.StateFilter{
		ProjectID: project,
		Statuses:  []workflow.Status{workflow.StatusRunning},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.WorkflowID, got[0].WorkflowID)

	all, err := st.ListStates(ctx, workflow.StateFilter{ProjectID: project})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testStepAttemptOrder(t *testing.T, st storage.Store) {
	ctx := context.Background()
	wf := uuid.NewString()

	for i := 0; i < 3; i++ {
		step := &workflow.StepRecord{
			ID:            uuid.NewString(),
			WorkflowID:    wf,
			Stage:         "geometry",
			Status:        workflow.StepRunning,
			InputSnapshot: map[string]any{"goal": "x"},
			StartedAt:     base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, st.CreateStep(ctx, step))
		assert.Equal(t, i+1, step.AttemptOrder)

		done := base.Add(time.Duration(i)*time.Second + 500*time.Millisecond)
		step.Status = workflow.StepFailed
		step.Error = "boom"
		step.CompletedAt = &done
		step.Duration = 500 * time.Millisecond
		require.NoError(t, st.UpdateStep(ctx, step))
	}

	other := &workflow.StepRecord{ID: uuid.NewString(), WorkflowID: wf, Stage: "mesh", Status: workflow.StepRunning, StartedAt: base.Add(time.Hour)}
	require.NoError(t, st.CreateStep(ctx, other))
	assert.Equal(t, 1, other.AttemptOrder)

	steps, err := st.ListSteps(ctx, wf)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, i+1, steps[i].AttemptOrder)
		assert.Equal(t, workflow.StepFailed, steps[i].Status)
	}
	assert.Equal(t, "mesh", steps[3].Stage)

	err = st.UpdateStep(ctx, &workflow.StepRecord{ID: "missing", WorkflowID: wf})
	assert.True(t, errors.Is(err, workflow.ErrStepNotFound), "got %v", err)
}

func newCheckpoint(wf string) *workflow.Checkpoint {
	expires := base.Add(time.Hour)
	return &workflow.Checkpoint{
		ID:              uuid.NewString(),
		WorkflowID:      wf,
		Stage:           "mesh",
		Reason:          workflow.ReasonReviewRequired,
		Recommendations: []string{"check boundary layers"},
		Status:          workflow.CheckpointPending,
		CreatedAt:       base,
		ExpiresAt:       &expires,
	}
}

func testCheckpointLifecycle(t *testing.T, st storage.Store) {
	ctx := context.Background()
	wf := uuid.NewString()

	cp := newCheckpoint(wf)
	require.NoError(t, st.CreateCheckpoint(ctx, cp))

	err := st.CreateCheckpoint(ctx, newCheckpoint(wf))
	assert.True(t, errors.Is(err, workflow.ErrCheckpointConflict), "got %v", err)

	got, err := st.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp, got)

	pending, err := st.ListCheckpoints(ctx, workflow.CheckpointFilter{WorkflowID: wf, Status: workflow.CheckpointPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := st.ResolveCheckpoint(ctx, cp.ID, workflow.Resolution{
		Outcome:    workflow.CheckpointRejected,
		Feedback:   "mesh too coarse",
		ReviewerID: "eng-7",
		Payload:    map[string]any{"target_size": 0.5},
	}, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointRejected, resolved.Status)
	require.NotNil(t, resolved.RespondedAt)

	_, err = st.ResolveCheckpoint(ctx, cp.ID, workflow.Resolution{Outcome: workflow.CheckpointApproved}, base.Add(2*time.Minute))
	assert.True(t, errors.Is(err, workflow.ErrCheckpointAlreadyResolved), "got %v", err)

	_, err = st.ResolveCheckpoint(ctx, "missing", workflow.Resolution{Outcome: workflow.CheckpointApproved}, base)
	assert.True(t, errors.Is(err, workflow.ErrCheckpointNotFound), "got %v", err)

	// Resolution frees the slot for a new pending checkpoint.
	require.NoError(t, st.CreateCheckpoint(ctx, newCheckpoint(wf)))

	all, err := st.ListCheckpoints(ctx, workflow.CheckpointFilter{WorkflowID: wf})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testCheckpointContention(t *testing.T, st storage.Store) {
	ctx := context.Background()
	wf := uuid.NewString()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.CreateCheckpoint(ctx, newCheckpoint(wf))
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, workflow.ErrCheckpointConflict), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
}
