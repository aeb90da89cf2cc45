package evolution

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openpulse/pulse/model"
)

// maxAuditBytes triggers size-based rotation of mutations.jsonl.
const maxAuditBytes = 5 * 1024 * 1024

const genesisHash = "genesis"

// AuditLog is the append-only mutation record. Entries carry a hash
// chain so tampering with past lines is detectable.
type AuditLog struct {
	path     string
	count    int
	lastHash string

	cachedSummary *AuditSummary
}

// NewAuditLog opens (or creates) the audit log in stateDir, recovering
// the entry count and chain tip from existing lines.
func NewAuditLog(stateDir string) *AuditLog {
	a := &AuditLog{
		path:     filepath.Join(stateDir, "mutations.jsonl"),
		lastHash: genesisHash,
	}
	f, err := os.Open(a.path)
	if err != nil {
		return a
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		a.count++
		var entry model.MutationRecord
		if err := json.Unmarshal(sc.Bytes(), &entry); err == nil && entry.Hash != "" {
			a.lastHash = entry.Hash
		}
	}
	return a
}

// Record appends one mutation, linking it into the hash chain.
func (a *AuditLog) Record(rec model.MutationRecord) {
	rec.PrevHash = a.lastHash
	rec.Hash = chainHash(rec)
	a.lastHash = rec.Hash

	a.rotateIfNeeded()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		log.Printf("pulse: failed to create audit dir: %v", err)
		return
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Printf("pulse: failed to write audit log: %v", err)
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		log.Printf("pulse: failed to encode audit entry: %v", err)
		return
	}

	a.count++
	a.cachedSummary = nil
	status := "clean"
	if rec.Clamped {
		status = "clamped"
	}
	log.Printf("pulse: mutation #%d: %s %s: %v -> %v (%s) reason: %s",
		a.count, rec.Type, rec.Target, rec.Before, rec.After, status, rec.Reason)
}

// chainHash computes the 16-hex-char chain hash over the entry's
// canonical form (sorted keys, hash field excluded).
func chainHash(rec model.MutationRecord) string {
	raw, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	delete(fields, "hash")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, _ := json.Marshal(fields[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// Recent returns the last n entries, oldest-first.
func (a *AuditLog) Recent(n int) []model.MutationRecord {
	entries := a.readAll()
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// Count returns the number of entries since the last rotation.
func (a *AuditLog) Count() int { return a.count }

// Verify walks the chain and returns the index of the first entry
// whose link is broken, or -1 when the chain is intact.
func (a *AuditLog) Verify() int {
	prev := genesisHash
	for i, rec := range a.readAll() {
		if rec.PrevHash != prev || rec.Hash != chainHash(rec) {
			return i
		}
		prev = rec.Hash
	}
	return -1
}

func (a *AuditLog) readAll() []model.MutationRecord {
	f, err := os.Open(a.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []model.MutationRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var rec model.MutationRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		entries = append(entries, rec)
	}
	return entries
}

func (a *AuditLog) rotateIfNeeded() {
	info, err := os.Stat(a.path)
	if err != nil || info.Size() <= maxAuditBytes {
		return
	}
	old := a.path + ".old"
	_ = os.Remove(old)
	if err := os.Rename(a.path, old); err != nil {
		log.Printf("pulse: audit rotation failed: %v", err)
		return
	}
	a.count = 0
	log.Printf("pulse: rotated mutations.jsonl (%dKB cap)", maxAuditBytes/1024)
}

// AuditSummary is the aggregate view exposed on the health surface.
type AuditSummary struct {
	Total        int                    `json:"total"`
	ByType       map[string]int         `json:"by_type"`
	ClampedCount int                    `json:"clamped_count"`
	Recent       []model.MutationRecord `json:"recent"`
}

// Summary aggregates the log; the result is cached until the next
// Record.
func (a *AuditLog) Summary() AuditSummary {
	if a.cachedSummary != nil {
		return *a.cachedSummary
	}

	entries := a.readAll()
	s := AuditSummary{
		Total:  len(entries),
		ByType: make(map[string]int),
	}
	for _, e := range entries {
		s.ByType[e.Type]++
		if e.Clamped {
			s.ClampedCount++
		}
	}
	if len(entries) > 5 {
		s.Recent = entries[len(entries)-5:]
	} else {
		s.Recent = entries
	}
	a.cachedSummary = &s
	return s
}
