package sensors

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/openpulse/pulse/config"
)

// FilesystemSensor watches the configured paths with OS-level events
// (not polling). Events buffer between reads; Read drains and
// deduplicates.
type FilesystemSensor struct {
	cfg     *config.FilesystemSensorConfig
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu         sync.Mutex
	buffer     []fileChange
	selfWrites map[string]struct{}
}

type fileChange struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// NewFilesystemSensor creates the sensor without starting the watcher.
func NewFilesystemSensor(cfg *config.FilesystemSensorConfig) *FilesystemSensor {
	return &FilesystemSensor{
		cfg:        cfg,
		selfWrites: make(map[string]struct{}),
	}
}

func (s *FilesystemSensor) Name() string { return "filesystem" }

// Initialize starts the fsnotify watcher on every configured path,
// recursing into subdirectories. Missing paths are logged and skipped.
func (s *FilesystemSensor) Initialize() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})

	watched := 0
	for _, p := range s.cfg.WatchPaths {
		root := config.ExpandHome(p)
		if err := s.watchRecursive(root); err != nil {
			log.Printf("pulse: cannot watch %s: %v", root, err)
			continue
		}
		watched++
	}
	log.Printf("pulse: filesystem sensor watching %d paths", watched)

	go s.collect()
	return nil
}

// watchRecursive adds root and every subdirectory under it.
func (s *FilesystemSensor) watchRecursive(root string) error {
	if err := s.watcher.Add(root); err != nil {
		return err
	}
	matches, _ := filepath.Glob(filepath.Join(root, "*"))
	for _, m := range matches {
		if s.shouldIgnore(m) {
			continue
		}
		if isDirectory(m) {
			_ = s.watchRecursive(m)
		}
	}
	return nil
}

// collect is the watcher goroutine: it translates fsnotify events into
// buffered changes until Stop.
func (s *FilesystemSensor) collect() {
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(evt)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("pulse: filesystem watcher error: %v", err)
		}
	}
}

func (s *FilesystemSensor) handleEvent(evt fsnotify.Event) {
	var typ string
	switch {
	case evt.Has(fsnotify.Create):
		typ = "created"
		// new directories must be watched too
		if isDirectory(evt.Name) {
			_ = s.watcher.Add(evt.Name)
			return
		}
	case evt.Has(fsnotify.Write):
		typ = "modified"
	case evt.Has(fsnotify.Rename):
		typ = "modified"
	case evt.Has(fsnotify.Remove):
		typ = "deleted"
	default:
		return
	}

	if s.shouldIgnore(evt.Name) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.IgnoreSelfWrites {
		resolved := resolvePath(evt.Name)
		if _, ok := s.selfWrites[resolved]; ok {
			// a marked path ignores exactly one event
			delete(s.selfWrites, resolved)
			return
		}
	}
	s.buffer = append(s.buffer, fileChange{Path: evt.Name, Type: typ})
}

// shouldIgnore matches the configured ignore patterns: glob patterns
// against the base name, plain strings as substrings of the full path.
func (s *FilesystemSensor) shouldIgnore(path string) bool {
	name := filepath.Base(path)
	for _, pattern := range s.cfg.IgnorePatterns {
		if strings.ContainsAny(pattern, "*?") {
			if ok, _ := filepath.Match(pattern, name); ok {
				return true
			}
			if ok, _ := filepath.Match(pattern, path); ok {
				return true
			}
		} else if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// MarkSelfWrite records a path the daemon itself wrote so its next
// watcher event is dropped instead of spiking a drive.
func (s *FilesystemSensor) MarkSelfWrite(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfWrites[resolvePath(path)] = struct{}{}
}

// Read drains the buffer, keeping the last event per path.
func (s *FilesystemSensor) Read(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	events := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	seen := make(map[string]fileChange, len(events))
	order := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.Path]; !ok {
			order = append(order, e.Path)
		}
		seen[e.Path] = e
	}
	changes := make([]any, 0, len(seen))
	for _, p := range order {
		changes = append(changes, map[string]any{"path": seen[p].Path, "type": seen[p].Type})
	}
	return map[string]any{"changes": changes}, nil
}

func (s *FilesystemSensor) Stop() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

func isDirectory(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// resolvePath canonicalizes conservatively: symlinks resolve when
// possible, otherwise the cleaned absolute path is used.
func resolvePath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}
