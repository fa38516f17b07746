// Package storage provides durable persistence for simflow workflows: the
// state record, per-attempt step records and human checkpoints.
package storage

import (
	"context"
	"time"

	"github.com/c360studio/simflow/workflow"
)

// StateStore persists workflow state and step records.
type StateStore interface {
	// SaveState upserts the whole record keyed by workflow id. A state with
	// Version 0 must not exist yet; otherwise the stored version must equal
	// s.Version. On success s.Version is advanced. Mismatches return
	// workflow.ErrVersionConflict.
	SaveState(ctx context.Context, s *workflow.State) error
	// LoadState returns workflow.ErrWorkflowNotFound for unknown ids.
	LoadState(ctx context.Context, workflowID string) (*workflow.State, error)
	ListStates(ctx context.Context, filter workflow.StateFilter) ([]*workflow.State, error)

	// CreateStep appends a step record and assigns its AttemptOrder.
	CreateStep(ctx context.Context, step *workflow.StepRecord) error
	// UpdateStep patches an existing step record.
	UpdateStep(ctx context.Context, step *workflow.StepRecord) error
	// ListSteps returns the steps of a workflow ordered by start time.
	ListSteps(ctx context.Context, workflowID string) ([]*workflow.StepRecord, error)
}

// CheckpointStore persists human checkpoints.
type CheckpointStore interface {
	// CreateCheckpoint fails with workflow.ErrCheckpointConflict when the
	// workflow already has a pending checkpoint.
	CreateCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error
	// GetCheckpoint returns workflow.ErrCheckpointNotFound for unknown ids.
	GetCheckpoint(ctx context.Context, checkpointID string) (*workflow.Checkpoint, error)
	// ResolveCheckpoint moves a pending checkpoint to a terminal status and
	// returns the updated record. Resolving twice returns
	// workflow.ErrCheckpointAlreadyResolved.
	ResolveCheckpoint(ctx context.Context, checkpointID string, res workflow.Resolution, now time.Time) (*workflow.Checkpoint, error)
	ListCheckpoints(ctx context.Context, filter workflow.CheckpointFilter) ([]*workflow.Checkpoint, error)
}

// Store is a backend providing both stores.
type Store interface {
	StateStore
	CheckpointStore
	Close() error
}

// Resolve applies a resolution to a pending checkpoint record in place.
// Backends call it before writing the updated record.
func Resolve(cp *workflow.Checkpoint, res workflow.Resolution, now time.Time) error {
	if cp.Status.IsResolved() {
		return workflow.ErrCheckpointAlreadyResolved
	}
	outcome := res.Outcome
	if !outcome.IsResolved() {
		outcome = workflow.CheckpointRejected
	}
	cp.Status = outcome
	cp.HumanFeedback = res.Feedback
	cp.ReviewerID = res.ReviewerID
	cp.ResponsePayload = res.Payload
	responded := now
	cp.RespondedAt = &responded
	return nil
}
