package pipeline

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more changes before
// reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a registry whenever a YAML file under the template
// pattern's base directory changes.
type Watcher struct {
	registry *Registry
	pattern  string
	root     string
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	dirty   bool
	reloads int
	started bool

	done chan struct{}
}

// NewWatcher creates a watcher for pattern. A zero debounce means
// DefaultDebounce.
func NewWatcher(registry *Registry, pattern string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(pattern)
	if err != nil {
		return nil, err
	}
	root, _ := doublestar.SplitPattern(filepath.ToSlash(abs))

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		registry: registry,
		pattern:  pattern,
		root:     filepath.FromSlash(root),
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start adds watches below the pattern root and begins processing events
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.root); err != nil {
		return err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.processEvents(ctx)

	w.logger.Info("Template watcher started", "root", w.root, "debounce", w.debounce)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	err := w.fsw.Close()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}

// Reloads returns how many reloads have run.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Template watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if !isTemplateFile(event.Name) {
		return
	}

	w.mu.Lock()
	w.dirty = true
	w.mu.Unlock()
	w.logger.Debug("Template change detected", "path", event.Name, "op", event.Op.String())
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.mu.Unlock()

	// Errors are logged per file by LoadGlob.
	n, _ := w.registry.LoadGlob(w.pattern)

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("Reloaded pipeline templates", "templates", n)
}

func isTemplateFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
