package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Projection is the read-only view of a workflow handed to a stage agent:
// the workflow's configuration plus only the outputs of the stages feeding
// this one.
type Projection struct {
	WorkflowID    string                 `json:"workflow_id"`
	ProjectID     string                 `json:"project_id"`
	Goal          string                 `json:"goal"`
	DomainKind    DomainKind             `json:"domain_kind"`
	Stage         string                 `json:"stage"`
	Inputs        map[string]StageOutput `json:"inputs"`
	HumanFeedback string                 `json:"human_feedback,omitempty"`
	Iteration     int                    `json:"iteration"`
}

// Project builds the projection of s for stage.
func Project(s *State, stage string) Projection {
	p := Projection{
		WorkflowID: s.WorkflowID,
		ProjectID:  s.ProjectID,
		Goal:       s.Goal,
		DomainKind: s.DomainKind,
		Stage:      stage,
		Inputs:     make(map[string]StageOutput),
		Iteration:  s.IterationCount,
	}
	for _, in := range s.Template.InputsOf(stage) {
		if out, ok := s.StageOutput[in]; ok {
			p.Inputs[in] = out
		}
	}
	p.HumanFeedback = s.feedbackFor(stage)
	return p
}

// feedbackFor returns the last reviewer feedback when it concerns stage:
// the checkpoint was raised on stage, or a rejection sent the workflow back
// to it.
func (s *State) feedbackFor(stage string) string {
	lc := s.LastCheckpoint
	if lc == nil || lc.Feedback == "" {
		return ""
	}
	if lc.Stage == stage {
		return lc.Feedback
	}
	if lc.Outcome == CheckpointRejected && s.reworkStage(lc.Stage, lc.Payload) == stage {
		return lc.Feedback
	}
	return ""
}

// Digest identifies the agent-visible input. The iteration counter is left
// out so that retries against unchanged inputs share a digest.
func (p Projection) Digest() string {
	keyed := struct {
		Goal          string                 `json:"goal"`
		DomainKind    DomainKind             `json:"domain_kind"`
		Stage         string                 `json:"stage"`
		Inputs        map[string]StageOutput `json:"inputs"`
		HumanFeedback string                 `json:"human_feedback"`
	}{p.Goal, p.DomainKind, p.Stage, p.Inputs, p.HumanFeedback}

	data, err := json.Marshal(keyed)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", keyed))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Snapshot returns the projection as a plain map for audit records.
func (p Projection) Snapshot() map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{"stage": p.Stage}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"stage": p.Stage}
	}
	return out
}
