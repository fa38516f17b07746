package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/simflow/workflow"
)

const turbineYAML = `
name: turbine-blade
description: Blade preprocessing with reviewed meshing
max_iterations: 5
stages:
  - name: geometry
    confidence_threshold: 0.8
  - name: mesh
    requires_review: true
    timeout: 90s
    inputs: [geometry]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBuiltIn(t *testing.T) {
	for _, tpl := range BuiltIn() {
		t.Run(tpl.Name, func(t *testing.T) {
			require.NoError(t, tpl.Validate())
		})
	}

	r := NewRegistry(nil)
	cae, ok := r.Lookup(CAEPreprocessing)
	require.True(t, ok)
	assert.Equal(t, []string{"geometry", "mesh", "materials", "physics"}, cae.StageNames())

	thresholds := map[string]float64{"geometry": 0.7, "mesh": 0.7, "materials": 0.6, "physics": 0.6}
	for _, st := range cae.Stages {
		assert.Equal(t, thresholds[st.Name], st.Threshold(), st.Name)
		assert.False(t, st.RequiresReview, st.Name)
	}

	reviewed, ok := r.Lookup(CAEReviewed)
	require.True(t, ok)
	physics, _ := reviewed.Stage("physics")
	assert.True(t, physics.RequiresReview)

	gm, ok := r.Lookup(GeometryMesh)
	require.True(t, ok)
	assert.Equal(t, []string{"geometry", "mesh"}, gm.StageNames())
}

func TestParse(t *testing.T) {
	tpl, err := Parse([]byte(turbineYAML))
	require.NoError(t, err)
	assert.Equal(t, "turbine-blade", tpl.Name)
	assert.Equal(t, 5, tpl.MaxIterations)

	mesh, ok := tpl.Stage("mesh")
	require.True(t, ok)
	assert.True(t, mesh.RequiresReview)
	assert.Equal(t, 90*time.Second, mesh.Timeout)
	assert.Equal(t, []string{"geometry"}, mesh.Inputs)

	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "name: [unclosed"},
		{"no stages", "name: empty\nstages: []\n"},
		{"duplicate stage", "name: dup\nstages:\n  - name: mesh\n  - name: mesh\n"},
		{"reserved name", "name: bad\nstages:\n  - name: validation\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, workflow.ErrInvalidTemplate) {
				t.Errorf("Parse() error = %v, want ErrInvalidTemplate", err)
			}
		})
	}
}

func TestRegistry_LoadGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "turbine.yaml", turbineYAML)
	writeFile(t, dir, "nested/override.yml", "name: geometry-mesh\nstages:\n  - name: geometry\n")
	writeFile(t, dir, "nested/broken.yaml", "name: broken\nstages: []\n")
	writeFile(t, dir, "notes.txt", "ignored")

	r := NewRegistry(nil)
	n, err := r.LoadGlob(filepath.Join(dir, "**", "*.{yaml,yml}"))
	require.Error(t, err, "broken file is reported")
	assert.ErrorIs(t, err, workflow.ErrInvalidTemplate)
	assert.Equal(t, 2, n)

	_, ok := r.Lookup("turbine-blade")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "turbine.yaml"), r.Source("turbine-blade"))

	// File templates override built-ins.
	gm, ok := r.Lookup(GeometryMesh)
	require.True(t, ok)
	assert.Equal(t, []string{"geometry"}, gm.StageNames())

	assert.Equal(t, []string{CAEPreprocessing, CAEReviewed, GeometryMesh, "turbine-blade"}, r.Names())
	assert.Len(t, r.List(), 4)

	// A reload replaces the previous file set; the built-in comes back.
	require.NoError(t, os.Remove(filepath.Join(dir, "nested", "override.yml")))
	require.NoError(t, os.Remove(filepath.Join(dir, "nested", "broken.yaml")))
	n, err = r.LoadGlob(filepath.Join(dir, "**", "*.{yaml,yml}"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	gm, _ = r.Lookup(GeometryMesh)
	assert.Equal(t, []string{"geometry", "mesh"}, gm.StageNames())
	assert.Empty(t, r.Source(GeometryMesh))
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)
	require.ErrorIs(t, r.Register(workflow.Template{Name: "empty"}), workflow.ErrInvalidTemplate)

	require.NoError(t, r.Register(workflow.Template{
		Name:   "thermal-only",
		Stages: []workflow.StageSpec{{Name: "physics"}},
	}))
	_, ok := r.Lookup("thermal-only")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}
