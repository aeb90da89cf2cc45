package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpulse/pulse/model"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, time.Minute)
	s.Set("drives", map[string]any{"goals": map[string]any{"pressure": 1.5}})
	s.Set("config_overrides", map[string]any{"trigger_threshold": 0.6})
	require.NoError(t, s.Save())

	s2 := NewStore(dir, time.Minute)
	s2.Load()
	drives := s2.GetMap("drives")
	require.NotNil(t, drives)
	assert.Contains(t, drives, "goals")
	assert.NotNil(t, s2.Get("_saved_at"))
}

func TestCorruptSnapshotStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pulse-state.json"), []byte("{oops"), 0o600))

	s := NewStore(dir, time.Minute)
	s.Load()
	assert.Nil(t, s.Get("anything"))

	// and a subsequent save works
	s.Set("k", "v")
	require.NoError(t, s.Save())
}

func TestMaybeSaveDebounces(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, time.Hour)
	require.NoError(t, s.Save()) // establish lastSave

	s.Set("k", 1)
	require.NoError(t, s.MaybeSave())

	// interval has not elapsed; on-disk snapshot must not contain k yet
	s2 := NewStore(dir, time.Hour)
	s2.Load()
	assert.Nil(t, s2.Get("k"))

	// explicit request forces the next MaybeSave
	s.RequestSave()
	require.NoError(t, s.MaybeSave())
	s2.Load()
	assert.NotNil(t, s2.Get("k"))
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, time.Minute)
	s.Set("k", "v")
	require.NoError(t, s.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestLogTriggerAppendsAndStats(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, time.Minute)

	top := model.Drive{Name: "goals", Pressure: 1.2, Weight: 1.0}
	dec := model.TriggerDecision{Reason: "single_drive_threshold: goals", TotalPressure: 1.2, TopDrive: &top}
	require.NoError(t, s.LogTrigger(dec, true))
	require.NoError(t, s.LogTrigger(dec, false))

	stats := s.GetTriggerStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.NotZero(t, stats.LastAt)
}

func TestSelfWriteHookSeesWrites(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, time.Minute)
	var paths []string
	s.SelfWriteHook = func(p string) { paths = append(paths, p) }

	s.Set("k", "v")
	require.NoError(t, s.Save())
	require.NoError(t, s.LogTrigger(model.TriggerDecision{Reason: "r"}, true))

	assert.Contains(t, paths, filepath.Join(dir, "pulse-state.json"))
	assert.Contains(t, paths, filepath.Join(dir, "trigger-history.jsonl"))
}
