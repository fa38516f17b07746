package workflow

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a state for storage, stamping the current schema version.
func Encode(s *State) ([]byte, error) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow state: %w", err)
	}
	return data, nil
}

// Decode parses a stored state and upgrades it to the current schema.
func Decode(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	if err := Upgrade(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Upgrade brings a decoded state to SchemaVersion. Records written by a newer
// release are rejected rather than silently truncated.
func Upgrade(s *State) error {
	if s.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: record has version %d, this build reads up to %d",
			ErrSchemaVersion, s.SchemaVersion, SchemaVersion)
	}

	// Version 0 records predate the versioned schema and may lack
	// bookkeeping collections.
	if s.StageStatus == nil {
		s.StageStatus = make(map[string]StageStatus)
	}
	if s.StageOutput == nil {
		s.StageOutput = make(map[string]StageOutput)
	}
	if s.StageAttempts == nil {
		s.StageAttempts = make(map[string]StageAttempts)
	}
	if s.ApprovedStages == nil {
		s.ApprovedStages = []string{}
	}
	if s.CompletedSteps == nil {
		s.CompletedSteps = []string{}
	}
	if s.FailedSteps == nil {
		s.FailedSteps = []StepRef{}
	}
	if s.Errors == nil {
		s.Errors = []Issue{}
	}
	if s.Warnings == nil {
		s.Warnings = []Issue{}
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	for _, st := range s.Template.Stages {
		if _, ok := s.StageStatus[st.Name]; !ok {
			s.StageStatus[st.Name] = StagePending
		}
	}
	s.SchemaVersion = SchemaVersion
	return nil
}
