// Package state persists the daemon's snapshot atomically and keeps the
// append-only trigger history. The store is owned by the daemon loop;
// other processes read the files directly.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openpulse/pulse/model"
)

// Store holds the in-memory state dictionary with debounced saves.
type Store struct {
	mu           sync.Mutex
	dir          string
	data         map[string]any
	saveInterval time.Duration
	lastSave     time.Time
	dirty        bool
	savePending  bool // explicit Save requested; next MaybeSave writes

	// SelfWriteHook is called with every path the store writes so the
	// filesystem sensor can ignore the daemon's own writes.
	SelfWriteHook func(path string)
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, saveInterval time.Duration) *Store {
	return &Store{
		dir:          dir,
		data:         make(map[string]any),
		saveInterval: saveInterval,
	}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dir, "pulse-state.json")
}

func (s *Store) historyPath() string {
	return filepath.Join(s.dir, "trigger-history.jsonl")
}

// Load reads the snapshot from disk. Corrupt or missing input starts
// fresh rather than failing: losing a snapshot is recoverable, refusing
// to start is not.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		s.data = make(map[string]any)
		return
	}
	var loaded map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.Printf("pulse: state snapshot corrupt, starting fresh: %v", err)
		s.data = make(map[string]any)
		return
	}
	s.data = loaded
}

// Get returns the value for key, or nil.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

// GetMap returns the value for key as a map, or nil.
func (s *Store) GetMap(key string) map[string]any {
	v := s.Get(key)
	m, _ := v.(map[string]any)
	return m
}

// Set stores a value and marks the snapshot dirty.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.dirty = true
}

// Save requests a write on the next MaybeSave, or writes immediately
// when called directly.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// MaybeSave writes when the debounce interval has elapsed or an
// explicit save is pending. Called once per tick.
func (s *Store) MaybeSave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty && !s.savePending {
		return nil
	}
	if !s.savePending && time.Since(s.lastSave) < s.saveInterval {
		return nil
	}
	return s.saveLocked()
}

// RequestSave marks the snapshot for write on the next MaybeSave.
func (s *Store) RequestSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savePending = true
}

// saveLocked writes to a temp sibling then renames over the target, so
// readers never observe a partial snapshot. Caller holds the lock.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	s.data["_saved_at"] = time.Now().Unix()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	target := s.snapshotPath()
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}

	s.dirty = false
	s.savePending = false
	s.lastSave = time.Now()
	if s.SelfWriteHook != nil {
		s.SelfWriteHook(target)
	}
	return nil
}

// triggerHistoryEntry is one line of trigger-history.jsonl.
type triggerHistoryEntry struct {
	Timestamp     float64 `json:"timestamp"`
	Success       bool    `json:"success"`
	Reason        string  `json:"reason"`
	TopDrive      string  `json:"top_drive"`
	TotalPressure float64 `json:"total_pressure"`
}

// LogTrigger appends one dispatch attempt to the trigger history.
func (s *Store) LogTrigger(decision model.TriggerDecision, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.historyPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	entry := triggerHistoryEntry{
		Timestamp:     float64(time.Now().UnixMilli()) / 1000,
		Success:       success,
		Reason:        decision.Reason,
		TopDrive:      decision.TopDriveName(),
		TotalPressure: decision.TotalPressure,
	}
	if s.SelfWriteHook != nil {
		s.SelfWriteHook(s.historyPath())
	}
	return json.NewEncoder(f).Encode(entry)
}

// TriggerStats summarizes the trigger history for the health surface.
type TriggerStats struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	LastAt    float64 `json:"last_at,omitempty"`
}

// GetTriggerStats scans the history file. Malformed lines are skipped.
func (s *Store) GetTriggerStats() TriggerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats TriggerStats
	data, err := os.ReadFile(s.historyPath())
	if err != nil {
		return stats
	}
	for _, line := range splitLines(data) {
		var e triggerHistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		stats.Total++
		if e.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		if e.Timestamp > stats.LastAt {
			stats.LastAt = e.Timestamp
		}
	}
	return stats
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
