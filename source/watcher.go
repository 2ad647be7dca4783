package source

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/semgov/policy"
)

const (
	// eventChannelBuffer is the size of the watch event channel.
	eventChannelBuffer = 100
)

// WatchConfig configures principle directory watching.
type WatchConfig struct {
	// Enabled controls whether file watching is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir is the watched principle directory.
	Dir string `json:"dir" yaml:"dir"`

	// DebounceDelay is how long to wait for more changes before processing.
	DebounceDelay string `json:"debounce_delay" yaml:"debounce_delay"`

	// Patterns select principle files relative to Dir.
	Patterns []string `json:"patterns" yaml:"patterns"`

	// ExcludeDirs lists directory names to skip.
	ExcludeDirs []string `json:"exclude_dirs" yaml:"exclude_dirs"`
}

// DefaultWatchConfig returns default watch configuration.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Enabled:       false,
		Dir:           "principles",
		DebounceDelay: "500ms",
		Patterns:      DefaultPatterns,
		ExcludeDirs:   []string{".git", "node_modules", "vendor"},
	}
}

// GetDebounceDelay returns the debounce delay as a duration.
func (c *WatchConfig) GetDebounceDelay() time.Duration {
	if c.DebounceDelay == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(c.DebounceDelay)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Event carries the principles of a created or changed file.
type Event struct {
	// Path is the file path relative to the watched directory.
	Path string

	Hash       string
	Principles []policy.Principle
}

// Watcher watches a principle directory and emits the contents of files
// whose content changed. Deleting a file emits nothing: activated rules
// are never retracted by removing their source.
type Watcher struct {
	config   WatchConfig
	dir      string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	excludes map[string]bool

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	hashMu sync.RWMutex
	hashes map[string]string

	events chan Event

	droppedEvents atomic.Int64
}

// NewWatcher creates a watcher for config.Dir.
func NewWatcher(config WatchConfig, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Patterns) == 0 {
		config.Patterns = DefaultPatterns
	}

	excludes := make(map[string]bool)
	for _, dir := range config.ExcludeDirs {
		excludes[dir] = true
	}

	return &Watcher{
		config:   config,
		dir:      config.Dir,
		watcher:  fsw,
		logger:   logger,
		excludes: excludes,
		pending:  make(map[string]fsnotify.Op),
		hashes:   make(map[string]string),
		events:   make(chan Event, eventChannelBuffer),
	}, nil
}

// Events returns the channel of change events. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching. Files already present are hashed but not
// emitted; load them with LoadAll.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.addWatchesRecursive(w.dir); err != nil {
		return err
	}
	w.seedHashes()

	go w.processEvents(ctx)

	w.logger.Info("Principle watcher started",
		"dir", w.dir,
		"debounce", w.config.GetDebounceDelay(),
		"patterns", w.config.Patterns)
	return nil
}

// Stop stops the watcher. The events channel is closed by processEvents
// when it exits.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// DroppedEvents returns the number of events dropped due to channel overflow.
func (w *Watcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}

func (w *Watcher) seedHashes() {
	files, err := Glob(w.dir, w.config.Patterns)
	if err != nil {
		w.logger.Warn("Failed to list existing principle files", "error", err)
		return
	}
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		rel, _ := filepath.Rel(w.dir, f)
		w.setHash(rel, ContentHash(content))
	}
}

func (w *Watcher) setHash(path, hash string) {
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	w.hashes[path] = hash
}

func (w *Watcher) hash(path string) (string, bool) {
	w.hashMu.RLock()
	defer w.hashMu.RUnlock()
	h, ok := w.hashes[path]
	return h, ok
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != root && (w.excludes[base] || strings.HasPrefix(base, ".")) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// matches reports whether rel is selected by the configured patterns.
func (w *Watcher) matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.config.Patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.config.GetDebounceDelay())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			base := filepath.Base(path)
			if !w.excludes[base] && !strings.HasPrefix(base, ".") {
				if err := w.watcher.Add(path); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", path, "error", err)
				}
			}
			return
		}
	}

	rel, err := filepath.Rel(w.dir, path)
	if err != nil || !w.matches(rel) {
		return
	}

	w.pendingMu.Lock()
	w.pending[path] |= event.Op
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path := range toProcess {
		if ctx.Err() != nil {
			return
		}
		rel, _ := filepath.Rel(w.dir, path)

		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				w.hashMu.Lock()
				delete(w.hashes, rel)
				w.hashMu.Unlock()
				w.logger.Debug("Principle file removed", "path", rel)
			} else {
				w.logger.Warn("Failed to read principle file", "path", rel, "error", err)
			}
			continue
		}

		hash := ContentHash(content)
		if old, ok := w.hash(rel); ok && old == hash {
			continue
		}

		principles, err := Parse(content)
		if err != nil {
			w.logger.Warn("Invalid principle file", "path", rel, "error", err)
			continue
		}
		// An unrecorded hash lets the next write of the same content retry.
		if w.send(Event{Path: rel, Hash: hash, Principles: principles}) {
			w.setHash(rel, hash)
		}
	}
}

// send delivers event without blocking and reports whether it was queued.
func (w *Watcher) send(event Event) bool {
	select {
	case w.events <- event:
		w.logger.Debug("Principle file changed",
			"path", event.Path,
			"principles", len(event.Principles))
		return true
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Event channel full, dropping event",
			"path", event.Path,
			"total_dropped", dropped)
		return false
	}
}
