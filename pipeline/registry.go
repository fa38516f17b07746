package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/simflow/workflow"
)

// Registry holds the templates workflows can start on. File templates
// override built-ins of the same name.
type Registry struct {
	mu      sync.RWMutex
	builtin map[string]workflow.Template
	files   map[string]workflow.Template
	sources map[string]string
	logger  *slog.Logger
}

// NewRegistry creates a registry holding the built-in templates.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		builtin: make(map[string]workflow.Template),
		files:   make(map[string]workflow.Template),
		sources: make(map[string]string),
		logger:  logger,
	}
	for _, t := range BuiltIn() {
		r.builtin[t.Name] = t
	}
	return r
}

// Lookup returns a template by name.
func (r *Registry) Lookup(name string) (workflow.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.files[name]; ok {
		return t, true
	}
	t, ok := r.builtin[name]
	return t, ok
}

// Names returns every template name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builtin)+len(r.files))
	for n := range r.builtin {
		names = append(names, n)
	}
	for n := range r.files {
		if _, ok := r.builtin[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// List returns every template, sorted by name.
func (r *Registry) List() []workflow.Template {
	names := r.Names()
	out := make([]workflow.Template, 0, len(names))
	for _, n := range names {
		if t, ok := r.Lookup(n); ok {
			out = append(out, t)
		}
	}
	return out
}

// Source returns the file a template was loaded from, or "" for built-ins.
func (r *Registry) Source(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// Register adds or replaces a file-level template after validating it.
func (r *Registry) Register(t workflow.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[t.Name] = t
	return nil
}

// LoadGlob replaces the file templates with those matched by pattern
// (doublestar syntax, e.g. "pipelines/**/*.yaml"). Invalid files are
// reported and skipped; the rest still load. It returns the number of
// templates loaded.
func (r *Registry) LoadGlob(pattern string) (int, error) {
	abs, err := filepath.Abs(pattern)
	if err != nil {
		return 0, fmt.Errorf("resolve template pattern: %w", err)
	}
	paths, err := doublestar.FilepathGlob(abs)
	if err != nil {
		return 0, fmt.Errorf("glob %s: %w", pattern, err)
	}
	slices.Sort(paths)

	files := make(map[string]workflow.Template, len(paths))
	sources := make(map[string]string, len(paths))
	var errs []error
	for _, p := range paths {
		t, err := LoadFile(p)
		if err != nil {
			errs = append(errs, err)
			r.logger.Warn("Skipping invalid template file", "path", p, "error", err)
			continue
		}
		if prev, dup := sources[t.Name]; dup {
			err := fmt.Errorf("%w: template %q defined in %s and %s", workflow.ErrInvalidTemplate, t.Name, prev, p)
			errs = append(errs, err)
			r.logger.Warn("Skipping duplicate template", "name", t.Name, "path", p)
			continue
		}
		files[t.Name] = t
		sources[t.Name] = p
	}

	r.mu.Lock()
	r.files = files
	r.sources = sources
	r.mu.Unlock()

	r.logger.Info("Loaded pipeline templates", "pattern", pattern, "files", len(paths), "templates", len(files))
	return len(files), errors.Join(errs...)
}

// LoadFile parses and validates one YAML template file.
func LoadFile(path string) (workflow.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.Template{}, fmt.Errorf("read template %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML template.
func Parse(data []byte) (workflow.Template, error) {
	var t workflow.Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return workflow.Template{}, fmt.Errorf("%w: parse yaml: %v", workflow.ErrInvalidTemplate, err)
	}
	if err := t.Validate(); err != nil {
		return workflow.Template{}, err
	}
	return t, nil
}
