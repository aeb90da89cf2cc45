package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/openpulse/pulse/model"
)

// Mood shapes the trigger message's tone from the emotional landscape
// file. It only annotates; it never gates.
type Mood struct {
	BaseSubsystem
	path string

	cachedMtime time.Time
	hint        string
}

// NewMood watches the emotions file at path.
func NewMood(path string) *Mood {
	return &Mood{path: path}
}

func (m *Mood) Name() string { return "mood" }

// PreEvaluate re-reads the landscape on mtime change and returns the
// current tone hint, if any.
func (m *Mood) PreEvaluate(ds model.DriveState, reading model.SensorReading) HookContext {
	m.refresh()
	return HookContext{ToneHint: m.hint}
}

func (m *Mood) refresh() {
	info, err := os.Stat(m.path)
	if err != nil {
		m.hint = ""
		return
	}
	if info.ModTime().Equal(m.cachedMtime) {
		return
	}
	m.cachedMtime = info.ModTime()

	data, err := os.ReadFile(m.path)
	if err != nil {
		m.hint = ""
		return
	}
	var landscape struct {
		Mood      string  `json:"mood"`
		Intensity float64 `json:"intensity"`
	}
	if err := json.Unmarshal(data, &landscape); err != nil || landscape.Mood == "" {
		m.hint = ""
		return
	}
	if landscape.Intensity < 0.5 {
		m.hint = ""
		return
	}
	m.hint = fmt.Sprintf("Current mood leans %s (intensity %.1f); let that shape your tone.",
		landscape.Mood, landscape.Intensity)
}
