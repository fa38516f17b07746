package workflow

import (
	"fmt"
	"slices"
	"time"
)

// DefaultConfidenceThreshold is used for stages that do not set their own.
const DefaultConfidenceThreshold = 0.7

// StageSpec describes one stage of a pipeline template.
type StageSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// ConfidenceThreshold is the minimum agent confidence accepted without
	// iterating. Zero means DefaultConfidenceThreshold.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	// RequiresReview forces a human checkpoint after the stage completes.
	RequiresReview bool `json:"requires_review,omitempty" yaml:"requires_review,omitempty"`
	// Inputs lists the earlier stages whose outputs the stage sees.
	// Empty means every earlier stage.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// Timeout bounds a single agent call. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Threshold returns the effective confidence threshold of the stage.
func (s StageSpec) Threshold() float64 {
	if s.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return s.ConfidenceThreshold
}

// Template is an ordered pipeline of stages.
type Template struct {
	Name          string      `json:"name" yaml:"name"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	MaxIterations int         `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Stages        []StageSpec `json:"stages" yaml:"stages"`
}

// Validate checks that the template is a usable, non-empty ordered set of
// uniquely named stages.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("%w: template %q has no stages", ErrInvalidTemplate, t.Name)
	}
	if t.MaxIterations < 0 {
		return fmt.Errorf("%w: template %q: max_iterations must be >= 0", ErrInvalidTemplate, t.Name)
	}

	seen := make(map[string]bool, len(t.Stages))
	for i, st := range t.Stages {
		switch st.Name {
		case "":
			return fmt.Errorf("%w: template %q: stage %d has no name", ErrInvalidTemplate, t.Name, i)
		case StepValidation, StepDone, StepCancelled:
			return fmt.Errorf("%w: template %q: stage name %q is reserved", ErrInvalidTemplate, t.Name, st.Name)
		}
		if seen[st.Name] {
			return fmt.Errorf("%w: template %q: duplicate stage %q", ErrInvalidTemplate, t.Name, st.Name)
		}
		if st.ConfidenceThreshold < 0 || st.ConfidenceThreshold > 1 {
			return fmt.Errorf("%w: template %q: stage %q threshold must be within [0,1]", ErrInvalidTemplate, t.Name, st.Name)
		}
		if st.Timeout < 0 {
			return fmt.Errorf("%w: template %q: stage %q timeout must be >= 0", ErrInvalidTemplate, t.Name, st.Name)
		}
		for _, in := range st.Inputs {
			if !seen[in] {
				return fmt.Errorf("%w: template %q: stage %q reads %q which does not run before it", ErrInvalidTemplate, t.Name, st.Name, in)
			}
		}
		seen[st.Name] = true
	}
	return nil
}

// StageNames returns the stage names in pipeline order.
func (t Template) StageNames() []string {
	names := make([]string, len(t.Stages))
	for i, st := range t.Stages {
		names[i] = st.Name
	}
	return names
}

// Index returns the position of a stage, or -1.
func (t Template) Index(stage string) int {
	return slices.IndexFunc(t.Stages, func(s StageSpec) bool { return s.Name == stage })
}

// HasStage reports whether stage is part of the pipeline.
func (t Template) HasStage(stage string) bool {
	return t.Index(stage) >= 0
}

// Stage returns the StageSpec named stage.
func (t Template) Stage(stage string) (StageSpec, bool) {
	i := t.Index(stage)
	if i < 0 {
		return StageSpec{}, false
	}
	return t.Stages[i], true
}

// Downstream returns stage and every stage after it, in order.
func (t Template) Downstream(stage string) []string {
	i := t.Index(stage)
	if i < 0 {
		return nil
	}
	return t.StageNames()[i:]
}

// InputsOf returns the stages whose outputs feed stage.
func (t Template) InputsOf(stage string) []string {
	i := t.Index(stage)
	if i < 0 {
		return nil
	}
	if len(t.Stages[i].Inputs) > 0 {
		return slices.Clone(t.Stages[i].Inputs)
	}
	return t.StageNames()[:i]
}

// LastStage returns the final stage name.
func (t Template) LastStage() string {
	if len(t.Stages) == 0 {
		return ""
	}
	return t.Stages[len(t.Stages)-1].Name
}
