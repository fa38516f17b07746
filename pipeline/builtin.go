// Package pipeline provides the stage templates workflows run on: a set of
// built-in CAE preprocessing pipelines plus templates loaded from YAML files.
package pipeline

import "github.com/c360studio/simflow/workflow"

// Built-in template names.
const (
	CAEPreprocessing = "cae-preprocessing"
	GeometryMesh     = "geometry-mesh"
	CAEReviewed      = "cae-reviewed"
)

// DefaultTemplate is used when a start request names no template.
const DefaultTemplate = CAEPreprocessing

func geometryStage() workflow.StageSpec {
	return workflow.StageSpec{
		Name:                "geometry",
		Description:         "Inspect the CAD model and prepare it for meshing",
		ConfidenceThreshold: 0.7,
	}
}

func meshStage() workflow.StageSpec {
	return workflow.StageSpec{
		Name:                "mesh",
		Description:         "Choose element types, sizing and refinement",
		ConfidenceThreshold: 0.7,
	}
}

func materialsStage() workflow.StageSpec {
	return workflow.StageSpec{
		Name:                "materials",
		Description:         "Assign material models and properties",
		ConfidenceThreshold: 0.6,
		Inputs:              []string{"geometry"},
	}
}

func physicsStage(review bool) workflow.StageSpec {
	return workflow.StageSpec{
		Name:                "physics",
		Description:         "Set boundary conditions, loads and solver settings",
		ConfidenceThreshold: 0.6,
		RequiresReview:      review,
	}
}

// BuiltIn returns the templates shipped with simflow.
func BuiltIn() []workflow.Template {
	return []workflow.Template{
		{
			Name:        CAEPreprocessing,
			Description: "Geometry, mesh, materials and physics setup with a final review",
			Stages:      []workflow.StageSpec{geometryStage(), meshStage(), materialsStage(), physicsStage(false)},
		},
		{
			Name:        GeometryMesh,
			Description: "Geometry preparation and meshing only",
			Stages:      []workflow.StageSpec{geometryStage(), meshStage()},
		},
		{
			Name:        CAEReviewed,
			Description: "Full preprocessing with a mandatory review of the physics setup",
			Stages:      []workflow.StageSpec{geometryStage(), meshStage(), materialsStage(), physicsStage(true)},
		},
	}
}
