package workflow

import (
	"errors"
	"fmt"
)

// Caller errors. Check with errors.Is.
var (
	ErrInvalidTemplate           = errors.New("invalid pipeline template")
	ErrUnknownAgent              = errors.New("no agent bound to stage")
	ErrWorkflowNotFound          = errors.New("workflow not found")
	ErrWorkflowTerminal          = errors.New("workflow is terminal")
	ErrCheckpointConflict        = errors.New("workflow already has a pending checkpoint")
	ErrCheckpointNotFound        = errors.New("checkpoint not found")
	ErrCheckpointAlreadyResolved = errors.New("checkpoint already resolved")
	ErrCheckpointNotPending      = errors.New("checkpoint is not pending")
	ErrVersionConflict           = errors.New("workflow state version conflict")
	ErrSchemaVersion             = errors.New("unsupported workflow schema version")
	ErrStepNotFound              = errors.New("step record not found")
)

// AgentFailure is a stage-local failure: the agent returned success=false,
// returned an error, panicked or timed out. It is recorded and routed,
// never propagated out of the run loop.
type AgentFailure struct {
	Stage   string
	Message string
	Err     error
}

func (e *AgentFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent failure in stage %s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("agent failure in stage %s: %s", e.Stage, e.Message)
}

func (e *AgentFailure) Unwrap() error {
	return e.Err
}

// NewAgentFailure creates an AgentFailure.
func NewAgentFailure(stage, message string, err error) *AgentFailure {
	return &AgentFailure{Stage: stage, Message: message, Err: err}
}

// IsAgentFailure reports whether err is (or wraps) an AgentFailure.
func IsAgentFailure(err error) bool {
	var af *AgentFailure
	return errors.As(err, &af)
}

// PersistenceError means a store write or read failed. The run loop never
// proceeds past an unpersisted decision; callers of Start and
// RespondToCheckpoint receive it directly.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a PersistenceError.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistenceError reports whether err is (or wraps) a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
