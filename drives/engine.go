// Package drives implements the motivation engine: pressure accumulates
// with wall-clock time, spikes on observed change, and decays when a
// drive is addressed.
package drives

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"time"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
	"github.com/openpulse/pulse/state"
)

// Engine owns all drives. It is not safe for concurrent use; the daemon
// loop is its single writer.
type Engine struct {
	cfg    *config.Config
	drives map[string]*model.Drive

	lastTick    time.Time
	sourceCache map[string]sourceEntry

	// Now is swappable for tests.
	Now func() time.Time
}

type sourceEntry struct {
	mtime time.Time
	data  []byte
}

// NewEngine creates an engine with the configured drive categories.
func NewEngine(cfg *config.Config) *Engine {
	e := &Engine{
		cfg:         cfg,
		drives:      make(map[string]*model.Drive),
		sourceCache: make(map[string]sourceEntry),
		Now:         time.Now,
	}
	for name, cat := range cfg.Drives.Categories {
		e.drives[name] = &model.Drive{
			Name:     name,
			Category: name,
			Weight:   cat.Weight,
		}
	}
	e.lastTick = e.Now()
	return e
}

// Drive returns the named drive, or nil. The pointer is live; only the
// daemon loop and the mutator may hold it.
func (e *Engine) Drive(name string) *model.Drive {
	return e.drives[name]
}

// Count returns the number of drives.
func (e *Engine) Count() int {
	return len(e.drives)
}

// Names returns drive names in sorted order.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.drives))
	for n := range e.drives {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Add registers a runtime-created drive (from an add_drive mutation).
func (e *Engine) Add(d *model.Drive) {
	e.drives[d.Name] = d
}

// Remove deletes a drive. Guardrail checks happen in the mutator.
func (e *Engine) Remove(name string) {
	delete(e.drives, name)
}

// Tick advances every drive by the elapsed wall-clock time, applies
// sensor spikes from this tick's reading, and returns a snapshot.
// Pure state transition: no file I/O here.
func (e *Engine) Tick(reading model.SensorReading) model.DriveState {
	now := e.Now()
	dt := now.Sub(e.lastTick)
	e.lastTick = now

	for _, d := range e.drives {
		d.Tick(dt, e.cfg.Drives.PressureRate, e.cfg.Drives.MaxPressure)
	}

	e.applySensorSpikes(reading, now)

	snapshot := make([]model.Drive, 0, len(e.drives))
	for _, name := range e.Names() {
		snapshot = append(snapshot, *e.drives[name])
	}
	return model.NewDriveState(snapshot, now)
}

// applySensorSpikes converts this tick's sensor events into one-time
// pressure increments.
func (e *Engine) applySensorSpikes(reading model.SensorReading, now time.Time) {
	maxP := e.cfg.Drives.MaxPressure

	// File changes feed the goals drive. The filesystem sensor drains
	// its buffer on read, so a change spikes exactly once.
	if len(reading.FileChanges()) > 0 {
		if d := e.drives["goals"]; d != nil {
			d.Spike(0.1, maxP)
		}
	}

	// System alerts spike the system drive, at most once per trigger
	// cooldown and only while its pressure is still low. Alert storms
	// must not ratchet pressure to the ceiling.
	if alerts := reading.SystemAlerts(); len(alerts) > 0 {
		d := e.drives["system"]
		if d == nil {
			d = &model.Drive{Name: "system", Category: "system", Weight: 1.5}
			e.drives["system"] = d
		}
		cooldown := float64(e.cfg.Webhook.MinTriggerInterval)
		sinceAddressed := float64(now.Unix()) - d.LastAddressed
		if sinceAddressed > cooldown && d.Pressure < 1.0 {
			d.Spike(0.5, maxP)
		}
	}
}

// RefreshSources reads the workspace source files and applies spikes
// only when a file actually changed since the last read. This is the
// rule that keeps a large-but-stable file from pumping pressure every
// tick.
func (e *Engine) RefreshSources() {
	ws := &e.cfg.Workspace
	maxP := e.cfg.Drives.MaxPressure

	if data, changed := e.readCached(ws.ResolvePath(ws.Hypotheses)); changed {
		if d := e.drives["unfinished"]; d != nil {
			untested := countUntestedHypotheses(data)
			if untested > 0 {
				boost := min(0.1, float64(untested)*0.02)
				d.Spike(boost, maxP)
			}
		}
	}

	if data, changed := e.readCached(ws.ResolvePath(ws.Emotions)); changed {
		var emo struct {
			Intensity float64 `json:"intensity"`
		}
		if err := json.Unmarshal(data, &emo); err == nil && emo.Intensity > 0.7 {
			if d := e.drives["emotions"]; d != nil {
				d.Spike(0.15, maxP)
			}
		}
	}
}

// readCached reads a JSON file with an mtime cache. The second return
// is true only on first read or when the mtime differs.
func (e *Engine) readCached(path string) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if cached, ok := e.sourceCache[path]; ok && cached.mtime.Equal(info.ModTime()) {
		return cached.data, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	e.sourceCache[path] = sourceEntry{mtime: info.ModTime(), data: data}
	return data, true
}

func countUntestedHypotheses(data []byte) int {
	type hypothesis struct {
		Outcome string `json:"outcome"`
	}
	var list []hypothesis
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Hypotheses []hypothesis `json:"hypotheses"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return 0
		}
		list = wrapped.Hypotheses
	}
	n := 0
	for _, h := range list {
		if h.Outcome == "" {
			n++
		}
	}
	return n
}

// OnTriggerSuccess decays all positive-pressure drives proportionally
// and marks the top drive addressed. When total pressure is high and
// adaptive decay is on, the decay budget scales up to 3x.
func (e *Engine) OnTriggerSuccess(decision model.TriggerDecision) {
	decayTotal := e.cfg.Drives.SuccessDecay
	if e.cfg.Drives.AdaptiveDecay && decision.TotalPressure > 5.0 {
		decayTotal *= min(3.0, decision.TotalPressure/5.0)
	}

	if decision.TotalPressure > 0 {
		for _, d := range e.drives {
			if d.Pressure > 0 {
				proportion := d.WeightedPressure() / decision.TotalPressure
				d.Decay(decayTotal * proportion * 2)
			}
		}
	}

	if decision.TopDrive != nil {
		if d := e.drives[decision.TopDrive.Name]; d != nil {
			d.LastAddressed = float64(e.Now().Unix())
			log.Printf("pulse: drives decayed, top drive %q addressed", d.Name)
		}
	}
}

// OnTriggerFailure spikes the top drive: a failed trigger raises
// frustration rather than relieving pressure.
func (e *Engine) OnTriggerFailure(decision model.TriggerDecision) {
	if decision.TopDrive == nil {
		return
	}
	if d := e.drives[decision.TopDrive.Name]; d != nil {
		d.Spike(e.cfg.Drives.FailureBoost, e.cfg.Drives.MaxPressure)
		log.Printf("pulse: drive %q boosted to %.2f after failed trigger", d.Name, d.Pressure)
	}
}

// RestoreState recreates drive pressures and runtime-added drives from
// the persisted snapshot. Drives created by mutation survive restart.
func (e *Engine) RestoreState(st *state.Store) {
	saved := st.GetMap("drives")
	for name, raw := range saved {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		d := e.drives[name]
		if d == nil {
			d = &model.Drive{Name: name, Category: name, Weight: 0.5}
			if cat, ok := m["category"].(string); ok {
				d.Category = cat
			}
			e.drives[name] = d
			log.Printf("pulse: restored runtime drive %q", name)
		}
		if v, ok := m["pressure"].(float64); ok {
			d.Pressure = v
		}
		if v, ok := m["weight"].(float64); ok {
			d.Weight = v
		}
		if v, ok := m["last_addressed"].(float64); ok {
			d.LastAddressed = v
		}
	}
}

// SaveState serializes drives for the state snapshot.
func (e *Engine) SaveState() map[string]any {
	out := make(map[string]any, len(e.drives))
	for name, d := range e.drives {
		out[name] = map[string]any{
			"name":           d.Name,
			"category":       d.Category,
			"pressure":       d.Pressure,
			"weight":         d.Weight,
			"last_addressed": d.LastAddressed,
		}
	}
	return out
}
