// Package bus implements the broadcast stream: an append-only JSONL
// file that loosely couples the daemon's organs and external subsystems.
// Multiple processes may append; an advisory lock is held only across
// each write so content interleaves at event boundaries.
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/openpulse/pulse/model"
)

// Rotation policy: archive everything beyond MaxEntries, keep the most
// recent KeepEntries in the live file.
const (
	MaxEntries  = 1000
	KeepEntries = 500
)

// Broadcast appends to and reads from one broadcast.jsonl file.
type Broadcast struct {
	path string
	lock *flock.Flock
}

// New creates a broadcast handle rooted in stateDir.
func New(stateDir string) *Broadcast {
	path := filepath.Join(stateDir, "broadcast.jsonl")
	return &Broadcast{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the live broadcast file path.
func (b *Broadcast) Path() string {
	return b.path
}

// Append writes one event, assigning ID and TS if absent, then opportunistically
// rotates. The advisory lock spans only the write.
func (b *Broadcast) Append(evt model.BroadcastEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TS == 0 {
		evt.TS = time.Now().UnixMilli()
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal broadcast event: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	if err := b.lock.Lock(); err != nil {
		return fmt.Errorf("lock broadcast: %w", err)
	}
	defer b.lock.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return b.maybeRotate()
}

// readAll scans the live file, skipping malformed lines. Readers open
// the file independently of writers; stale data is acceptable.
func (b *Broadcast) readAll() []model.BroadcastEvent {
	f, err := os.Open(b.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []model.BroadcastEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e model.BroadcastEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events
}

// Recent returns the last n events, newest-last.
func (b *Broadcast) Recent(n int) []model.BroadcastEvent {
	events := b.readAll()
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}

// Since returns all events with TS >= epochMS, newest-last.
func (b *Broadcast) Since(epochMS int64) []model.BroadcastEvent {
	var out []model.BroadcastEvent
	for _, e := range b.readAll() {
		if e.TS >= epochMS {
			out = append(out, e)
		}
	}
	return out
}

// BySource returns the last n events from one source, newest-last.
func (b *Broadcast) BySource(source string, n int) []model.BroadcastEvent {
	var out []model.BroadcastEvent
	for _, e := range b.readAll() {
		if e.Source == source {
			out = append(out, e)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// ByType returns the last n events of one type, newest-last.
func (b *Broadcast) ByType(eventType string, n int) []model.BroadcastEvent {
	var out []model.BroadcastEvent
	for _, e := range b.readAll() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// maybeRotate archives the excess prefix when the live file exceeds
// MaxEntries, rewriting it with the most recent KeepEntries. Called
// with the append lock held.
func (b *Broadcast) maybeRotate() error {
	events := b.readAll()
	if len(events) <= MaxEntries {
		return nil
	}

	archive := events[:len(events)-KeepEntries]
	keep := events[len(events)-KeepEntries:]

	archivePath := filepath.Join(filepath.Dir(b.path),
		fmt.Sprintf("broadcast-archive-%s.jsonl", time.Now().Format("2006-01-02")))
	af, err := os.OpenFile(archivePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open broadcast archive: %w", err)
	}
	enc := json.NewEncoder(af)
	for _, e := range archive {
		if err := enc.Encode(e); err != nil {
			af.Close()
			return err
		}
	}
	if err := af.Close(); err != nil {
		return err
	}

	// Rewrite live file via temp + rename so readers never see a
	// partial file.
	tmp := b.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc = json.NewEncoder(tf)
	for _, e := range keep {
		if err := enc.Encode(e); err != nil {
			tf.Close()
			return err
		}
	}
	if err := tf.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
