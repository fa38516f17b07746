package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/simflow/workflow"
)

// MemoryStore is an in-process Store. Records are kept serialized so callers
// never share memory with the store.
type MemoryStore struct {
	mu          sync.Mutex
	states      map[string][]byte
	steps       map[string][]byte
	stepOrder   []string
	checkpoints map[string][]byte
	cpOrder     []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      make(map[string][]byte),
		steps:       make(map[string][]byte),
		checkpoints: make(map[string][]byte),
	}
}

// SaveState implements StateStore.
func (m *MemoryStore) SaveState(_ context.Context, s *workflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.states[s.WorkflowID]; ok {
		stored, err := workflow.Decode(existing)
		if err != nil {
			return err
		}
		if stored.Version != s.Version {
			return fmt.Errorf("%w: %s stored=%d have=%d", workflow.ErrVersionConflict, s.WorkflowID, stored.Version, s.Version)
		}
	} else if s.Version != 0 {
		return fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, s.WorkflowID)
	}

	s.Version++
	data, err := workflow.Encode(s)
	if err != nil {
		s.Version--
		return err
	}
	m.states[s.WorkflowID] = data
	return nil
}

// LoadState implements StateStore.
func (m *MemoryStore) LoadState(_ context.Context, workflowID string) (*workflow.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.states[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, workflowID)
	}
	return workflow.Decode(data)
}

// ListStates implements StateStore.
func (m *MemoryStore) ListStates(_ context.Context, filter workflow.StateFilter) ([]*workflow.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*workflow.State
	for _, data := range m.states {
		s, err := workflow.Decode(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(s) {
			out = append(out, s)
		}
	}
	sortStates(out)
	return out, nil
}

// CreateStep implements StateStore.
func (m *MemoryStore) CreateStep(_ context.Context, step *workflow.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.steps[step.ID]; ok {
		return fmt.Errorf("step %s already exists", step.ID)
	}
	order := 0
	for _, data := range m.steps {
		var existing workflow.StepRecord
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("unmarshal step: %w", err)
		}
		if existing.WorkflowID == step.WorkflowID && existing.Stage == step.Stage && existing.AttemptOrder > order {
			order = existing.AttemptOrder
		}
	}
	step.AttemptOrder = order + 1

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	m.steps[step.ID] = data
	m.stepOrder = append(m.stepOrder, step.ID)
	return nil
}

// UpdateStep implements StateStore.
func (m *MemoryStore) UpdateStep(_ context.Context, step *workflow.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.steps[step.ID]; !ok {
		return fmt.Errorf("%w: %s", workflow.ErrStepNotFound, step.ID)
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	m.steps[step.ID] = data
	return nil
}

// ListSteps implements StateStore.
func (m *MemoryStore) ListSteps(_ context.Context, workflowID string) ([]*workflow.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*workflow.StepRecord
	for _, id := range m.stepOrder {
		var step workflow.StepRecord
		if err := json.Unmarshal(m.steps[id], &step); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		if step.WorkflowID == workflowID {
			out = append(out, &step)
		}
	}
	sortSteps(out)
	return out, nil
}

// CreateCheckpoint implements CheckpointStore.
func (m *MemoryStore) CreateCheckpoint(_ context.Context, cp *workflow.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.cpOrder {
		existing, err := decodeCheckpoint(m.checkpoints[id])
		if err != nil {
			return err
		}
		if existing.WorkflowID == cp.WorkflowID && existing.Status == workflow.CheckpointPending {
			return fmt.Errorf("%w: %s has %s", workflow.ErrCheckpointConflict, cp.WorkflowID, existing.ID)
		}
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	m.checkpoints[cp.ID] = data
	m.cpOrder = append(m.cpOrder, cp.ID)
	return nil
}

// GetCheckpoint implements CheckpointStore.
func (m *MemoryStore) GetCheckpoint(_ context.Context, checkpointID string) (*workflow.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.checkpoints[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, checkpointID)
	}
	return decodeCheckpoint(data)
}

// ResolveCheckpoint implements CheckpointStore.
func (m *MemoryStore) ResolveCheckpoint(_ context.Context, checkpointID string, res workflow.Resolution, now time.Time) (*workflow.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.checkpoints[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, checkpointID)
	}
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return nil, err
	}
	if err := Resolve(cp, res, now); err != nil {
		return nil, fmt.Errorf("%w: %s", err, checkpointID)
	}
	updated, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	m.checkpoints[checkpointID] = updated
	return cp, nil
}

// ListCheckpoints implements CheckpointStore.
func (m *MemoryStore) ListCheckpoints(_ context.Context, filter workflow.CheckpointFilter) ([]*workflow.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*workflow.Checkpoint
	for _, id := range m.cpOrder {
		cp, err := decodeCheckpoint(m.checkpoints[id])
		if err != nil {
			return nil, err
		}
		if filter.Matches(cp) {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func decodeCheckpoint(data []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func sortStates(states []*workflow.State) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].WorkflowID < states[j].WorkflowID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}

func sortSteps(steps []*workflow.StepRecord) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StartedAt.Before(steps[j].StartedAt)
	})
}

func sortCheckpoints(cps []*workflow.Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
}
