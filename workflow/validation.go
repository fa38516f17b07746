package workflow

import (
	"fmt"
	"sort"
)

// ComponentReport is the validation verdict for one stage output.
type ComponentReport struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// ValidationReport is the result of checking every stage output before the
// final human review.
type ValidationReport struct {
	Passed          bool                       `json:"passed"`
	Components      map[string]ComponentReport `json:"components"`
	Recommendations []string                   `json:"recommendations"`
}

// FailedStages returns the failing components in pipeline order.
func (r *ValidationReport) FailedStages(t Template) []string {
	var out []string
	for _, name := range t.StageNames() {
		if c, ok := r.Components[name]; ok && !c.Passed {
			out = append(out, name)
		}
	}
	return out
}

// Validate checks the outputs of all stages. A component fails when its
// output is missing, its confidence is below the stage threshold, or the
// agent reported errors in the output.
func Validate(s *State) *ValidationReport {
	report := &ValidationReport{
		Passed:     true,
		Components: make(map[string]ComponentReport, len(s.Template.Stages)),
	}

	for _, spec := range s.Template.Stages {
		comp := ComponentReport{Passed: true}
		out, ok := s.StageOutput[spec.Name]
		switch {
		case !ok || s.StageStatus[spec.Name] != StageCompleted:
			comp.Issues = append(comp.Issues, "no completed output")
		default:
			if out.ConfidenceScore < spec.Threshold() && !s.IsApproved(spec.Name) {
				comp.Issues = append(comp.Issues,
					fmt.Sprintf("confidence %.2f below threshold %.2f", out.ConfidenceScore, spec.Threshold()))
			}
			comp.Issues = append(comp.Issues, reportedErrors(out.Data)...)
		}
		if len(comp.Issues) > 0 {
			comp.Passed = false
			report.Passed = false
		}
		report.Components[spec.Name] = comp
	}

	report.Recommendations = Recommendations(s, report)
	return report
}

// reportedErrors extracts a non-empty "errors" list from an agent output.
func reportedErrors(data map[string]any) []string {
	raw, ok := data["errors"]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return []string{fmt.Sprint(v)}
	}
}

// Recommendations builds the reviewer hints attached to a checkpoint.
func Recommendations(s *State, report *ValidationReport) []string {
	var recs []string
	if report != nil {
		if report.Passed {
			recs = append(recs,
				"All preprocessing steps completed successfully",
				"Simulation setup is ready for execution")
		} else {
			recs = append(recs, "Some validation issues were found - please review")
			names := make([]string, 0, len(report.Components))
			for name := range report.Components {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				for _, issue := range report.Components[name].Issues {
					recs = append(recs, fmt.Sprintf("Issue in %s: %s", name, issue))
				}
			}
		}
	}

	for _, spec := range s.Template.Stages {
		out, ok := s.StageOutput[spec.Name]
		if !ok {
			continue
		}
		if out.ConfidenceScore < spec.Threshold() {
			recs = append(recs, fmt.Sprintf("Review %s: confidence %.2f is below %.2f", spec.Name, out.ConfidenceScore, spec.Threshold()))
		}
	}
	if mesh, ok := s.StageOutput["mesh"]; ok && mesh.ConfidenceScore < 0.8 {
		recs = append(recs, "Consider mesh refinement for better quality")
	}
	return recs
}
