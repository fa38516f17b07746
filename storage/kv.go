package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/simflow/workflow"
)

// Bucket names for each record type.
const (
	BucketWorkflows   = "SIMFLOW_WORKFLOWS"
	BucketSteps       = "SIMFLOW_STEPS"
	BucketCheckpoints = "SIMFLOW_CHECKPOINTS"
)

const (
	checkpointPrefix = "cp."
	pendingPrefix    = "pending."
)

// KVStore is a Store backed by NATS JetStream key-value buckets. Optimistic
// concurrency uses KV revisions, so two writers racing on the same workflow
// cannot both succeed.
type KVStore struct {
	workflows   jetstream.KeyValue
	steps       jetstream.KeyValue
	checkpoints jetstream.KeyValue
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a KVStore with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}

	steps, err := getOrCreateBucket(ctx, js, BucketSteps)
	if err != nil {
		return nil, fmt.Errorf("create steps bucket: %w", err)
	}

	checkpoints, err := getOrCreateBucket(ctx, js, BucketCheckpoints)
	if err != nil {
		return nil, fmt.Errorf("create checkpoints bucket: %w", err)
	}

	return &KVStore{
		workflows:   workflows,
		steps:       steps,
		checkpoints: checkpoints,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Simflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// SaveState implements StateStore.
func (s *KVStore) SaveState(ctx context.Context, st *workflow.State) error {
	next := *st
	next.Version = st.Version + 1
	data, err := workflow.Encode(&next)
	if err != nil {
		return err
	}

	if st.Version == 0 {
		if _, err := s.workflows.Create(ctx, st.WorkflowID, data); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("%w: %s already exists", workflow.ErrVersionConflict, st.WorkflowID)
			}
			return fmt.Errorf("create workflow: %w", err)
		}
		st.Version = next.Version
		return nil
	}

	entry, err := s.workflows.Get(ctx, st.WorkflowID)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, st.WorkflowID)
		}
		return fmt.Errorf("get workflow: %w", err)
	}
	stored, err := workflow.Decode(entry.Value())
	if err != nil {
		return err
	}
	if stored.Version != st.Version {
		return fmt.Errorf("%w: %s stored=%d have=%d", workflow.ErrVersionConflict, st.WorkflowID, stored.Version, st.Version)
	}

	if _, err := s.workflows.Update(ctx, st.WorkflowID, data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s changed concurrently", workflow.ErrVersionConflict, st.WorkflowID)
		}
		return fmt.Errorf("update workflow: %w", err)
	}
	st.Version = next.Version
	return nil
}

// LoadState implements StateStore.
func (s *KVStore) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	entry, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return workflow.Decode(entry.Value())
}

// ListStates implements StateStore.
func (s *KVStore) ListStates(ctx context.Context, filter workflow.StateFilter) ([]*workflow.State, error) {
	keys, err := listKeys(ctx, s.workflows, "")
	if err != nil {
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}

	var out []*workflow.State
	for _, key := range keys {
		entry, err := s.workflows.Get(ctx, key)
		if err != nil {
			continue
		}
		st, err := workflow.Decode(entry.Value())
		if err != nil {
			return nil, err
		}
		if filter.Matches(st) {
			out = append(out, st)
		}
	}
	sortStates(out)
	return out, nil
}

func stepKey(workflowID, stepID string) string {
	return workflowID + "." + stepID
}

// CreateStep implements StateStore.
func (s *KVStore) CreateStep(ctx context.Context, step *workflow.StepRecord) error {
	existing, err := s.ListSteps(ctx, step.WorkflowID)
	if err != nil {
		return err
	}
	order := 0
	for _, e := range existing {
		if e.Stage == step.Stage && e.AttemptOrder > order {
			order = e.AttemptOrder
		}
	}
	step.AttemptOrder = order + 1

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	if _, err := s.steps.Create(ctx, stepKey(step.WorkflowID, step.ID), data); err != nil {
		return fmt.Errorf("store step: %w", err)
	}
	return nil
}

// UpdateStep implements StateStore.
func (s *KVStore) UpdateStep(ctx context.Context, step *workflow.StepRecord) error {
	key := stepKey(step.WorkflowID, step.ID)
	entry, err := s.steps.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", workflow.ErrStepNotFound, step.ID)
		}
		return fmt.Errorf("get step: %w", err)
	}

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	if _, err := s.steps.Update(ctx, key, data, entry.Revision()); err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

// ListSteps implements StateStore.
func (s *KVStore) ListSteps(ctx context.Context, workflowID string) ([]*workflow.StepRecord, error) {
	keys, err := listKeys(ctx, s.steps, workflowID+".")
	if err != nil {
		return nil, fmt.Errorf("list step keys: %w", err)
	}

	out := make([]*workflow.StepRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.steps.Get(ctx, key)
		if err != nil {
			continue
		}
		var step workflow.StepRecord
		if err := json.Unmarshal(entry.Value(), &step); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		out = append(out, &step)
	}
	sortSteps(out)
	return out, nil
}

// CreateCheckpoint implements CheckpointStore. A per-workflow pending marker
// key is created first; KV Create fails if it exists, which enforces the
// single pending checkpoint.
func (s *KVStore) CreateCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	marker := pendingPrefix + cp.WorkflowID
	if _, err := s.checkpoints.Create(ctx, marker, []byte(cp.ID)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s", workflow.ErrCheckpointConflict, cp.WorkflowID)
		}
		return fmt.Errorf("create pending marker: %w", err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		_ = s.checkpoints.Delete(ctx, marker)
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.checkpoints.Create(ctx, checkpointPrefix+cp.ID, data); err != nil {
		_ = s.checkpoints.Delete(ctx, marker)
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint implements CheckpointStore.
func (s *KVStore) GetCheckpoint(ctx context.Context, checkpointID string) (*workflow.Checkpoint, error) {
	cp, _, err := s.getCheckpoint(ctx, checkpointID)
	return cp, err
}

func (s *KVStore) getCheckpoint(ctx context.Context, checkpointID string) (*workflow.Checkpoint, uint64, error) {
	entry, err := s.checkpoints.Get(ctx, checkpointPrefix+checkpointID)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, checkpointID)
		}
		return nil, 0, fmt.Errorf("get checkpoint: %w", err)
	}
	cp, err := decodeCheckpoint(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return cp, entry.Revision(), nil
}

// ResolveCheckpoint implements CheckpointStore.
func (s *KVStore) ResolveCheckpoint(ctx context.Context, checkpointID string, res workflow.Resolution, now time.Time) (*workflow.Checkpoint, error) {
	cp, rev, err := s.getCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := Resolve(cp, res, now); err != nil {
		return nil, fmt.Errorf("%w: %s", err, checkpointID)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.checkpoints.Update(ctx, checkpointPrefix+checkpointID, data, rev); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointAlreadyResolved, checkpointID)
		}
		return nil, fmt.Errorf("update checkpoint: %w", err)
	}

	marker := pendingPrefix + cp.WorkflowID
	if entry, err := s.checkpoints.Get(ctx, marker); err == nil && string(entry.Value()) == checkpointID {
		if err := s.checkpoints.Delete(ctx, marker, jetstream.LastRevision(entry.Revision())); err != nil {
			return nil, fmt.Errorf("clear pending marker: %w", err)
		}
	}
	return cp, nil
}

// ListCheckpoints implements CheckpointStore.
func (s *KVStore) ListCheckpoints(ctx context.Context, filter workflow.CheckpointFilter) ([]*workflow.Checkpoint, error) {
	keys, err := listKeys(ctx, s.checkpoints, checkpointPrefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint keys: %w", err)
	}

	var out []*workflow.Checkpoint
	for _, key := range keys {
		entry, err := s.checkpoints.Get(ctx, key)
		if err != nil {
			continue
		}
		cp, err := decodeCheckpoint(entry.Value())
		if err != nil {
			return nil, err
		}
		if filter.Matches(cp) {
			out = append(out, cp)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

// Close implements Store. The NATS connection is owned by the caller.
func (s *KVStore) Close() error {
	return nil
}

func listKeys(ctx context.Context, kv jetstream.KeyValue, prefix string) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	if prefix == "" {
		return keys, nil
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
