// Package model resolves the LLM endpoints used by stage agents. Stages ask
// for a capability (analysis, setup, review) rather than a model name and the
// registry maps it to an ordered fallback chain of configured endpoints.
package model

// Capability is a semantic class of work a model is selected for.
type Capability string

const (
	// CapabilityAnalysis is for reasoning-heavy stages such as geometry
	// analysis and physics setup.
	CapabilityAnalysis Capability = "analysis"

	// CapabilitySetup is for parameter-heavy stages such as meshing and
	// material assignment.
	CapabilitySetup Capability = "setup"

	// CapabilityReview is for quality review and final validation summaries.
	CapabilityReview Capability = "review"

	// CapabilityFast is for quick, low-stakes responses.
	CapabilityFast Capability = "fast"
)

// StageCapabilities maps pipeline stage names to their default capability.
var StageCapabilities = map[string]Capability{
	"geometry":   CapabilityAnalysis,
	"mesh":       CapabilitySetup,
	"materials":  CapabilitySetup,
	"physics":    CapabilityAnalysis,
	"validation": CapabilityReview,
}

// CapabilityForStage returns the default capability for a stage. Stages not
// listed in StageCapabilities use CapabilityAnalysis.
func CapabilityForStage(stage string) Capability {
	if c, ok := StageCapabilities[stage]; ok {
		return c
	}
	return CapabilityAnalysis
}

// IsValid reports whether c is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityAnalysis, CapabilitySetup, CapabilityReview, CapabilityFast:
		return true
	}
	return false
}

func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for
// unknown values. Matching is case-sensitive.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
