package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "**", "*.yaml")

	r := NewRegistry(nil)
	_, err := r.LoadGlob(pattern)
	require.NoError(t, err)

	w, err := NewWatcher(r, pattern, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	writeFile(t, dir, "turbine.yaml", turbineYAML)

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("turbine-blade")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, w.Reloads(), 1)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(nil)

	w, err := NewWatcher(r, filepath.Join(dir, "*.yaml"), 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	writeFile(t, dir, "README.md", "# templates")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, w.Reloads())
}

func TestIsTemplateFile(t *testing.T) {
	tests := map[string]bool{
		"a.yaml":      true,
		"b.YML":       true,
		"c.json":      false,
		"dir/d.yaml~": false,
	}
	for path, want := range tests {
		if got := isTemplateFile(path); got != want {
			t.Errorf("isTemplateFile(%q) = %v, want %v", path, got, want)
		}
	}
}
