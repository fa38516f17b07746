// Package events publishes workflow lifecycle notifications. Each event type
// has its own subject, simflow.workflow.<type>.<workflow_id>, so consumers can
// subscribe to one kind of event or to one workflow.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/simflow/workflow"
)

// DefaultSubjectPrefix is the subject root for lifecycle events.
const DefaultSubjectPrefix = "simflow.workflow"

// Type identifies a lifecycle event.
type Type string

const (
	Started            Type = "started"
	StageCompleted     Type = "stage_completed"
	StageFailed        Type = "stage_failed"
	CheckpointCreated  Type = "checkpoint_created"
	CheckpointResolved Type = "checkpoint_resolved"
	Resumed            Type = "resumed"
	Completed          Type = "completed"
	Failed             Type = "failed"
	Cancelled          Type = "cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	Type         Type            `json:"type"`
	WorkflowID   string          `json:"workflow_id"`
	ProjectID    string          `json:"project_id,omitempty"`
	Status       workflow.Status `json:"status"`
	Stage        string          `json:"stage,omitempty"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Confidence   float64         `json:"confidence,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ForState builds an event carrying the identity and status of s.
func ForState(t Type, s *workflow.State, now time.Time) Event {
	return Event{
		Type:       t,
		WorkflowID: s.WorkflowID,
		ProjectID:  s.ProjectID,
		Status:     s.Status,
		Stage:      s.CurrentStep,
		Timestamp:  now,
	}
}

// Subject returns the subject an event is published on.
func Subject(prefix string, e Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(e.Type) + "." + e.WorkflowID
}

// Publisher delivers lifecycle events. Delivery is best effort: the engine
// logs publish errors and carries on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the types published for one workflow, in order.
func (r *Recorder) Types(workflowID string) []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Type
	for _, e := range r.events {
		if e.WorkflowID == workflowID {
			out = append(out, e.Type)
		}
	}
	return out
}
