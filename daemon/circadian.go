package daemon

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openpulse/pulse/bus"
	"github.com/openpulse/pulse/model"
)

// remInterval keeps REM to one session per night.
const remInterval = 20 * time.Hour

// Circadian pauses triggering during a nightly quiet window and runs
// one REM consolidation session per night. State lives in its own file;
// the core treats it as opaque.
type Circadian struct {
	BaseSubsystem
	statePath string
	broadcast *bus.Broadcast

	NightStartHour int
	NightEndHour   int
	lastREM        time.Time

	Now func() time.Time
}

// NewCircadian loads persisted REM state from stateDir.
func NewCircadian(stateDir string, broadcast *bus.Broadcast) *Circadian {
	c := &Circadian{
		statePath:      filepath.Join(stateDir, "circadian-state.json"),
		broadcast:      broadcast,
		NightStartHour: 1,
		NightEndHour:   6,
		Now:            time.Now,
	}
	if data, err := os.ReadFile(c.statePath); err == nil {
		var persisted struct {
			LastREM float64 `json:"last_rem"`
		}
		if json.Unmarshal(data, &persisted) == nil && persisted.LastREM > 0 {
			c.lastREM = time.Unix(int64(persisted.LastREM), 0)
		}
	}
	return c
}

func (c *Circadian) Name() string { return "circadian" }

func (c *Circadian) inNightWindow() bool {
	hour := c.Now().Hour()
	if c.NightStartHour <= c.NightEndHour {
		return hour >= c.NightStartHour && hour < c.NightEndHour
	}
	return hour >= c.NightStartHour || hour < c.NightEndHour
}

// PreEvaluate suppresses triggering for the whole night window.
func (c *Circadian) PreEvaluate(ds model.DriveState, reading model.SensorReading) HookContext {
	if c.inNightWindow() {
		return HookContext{ShouldPause: true, PauseReason: "night_mode"}
	}
	return HookContext{}
}

func (c *Circadian) CheckNightMode(ds model.DriveState) bool {
	return c.inNightWindow()
}

// RunREMSession records one consolidation pass per night: a broadcast
// event with the pressure landscape for downstream dream subsystems.
func (c *Circadian) RunREMSession(ds model.DriveState) {
	now := c.Now()
	if !c.inNightWindow() || now.Sub(c.lastREM) < remInterval {
		return
	}
	c.lastREM = now
	c.save()

	if c.broadcast != nil {
		data := map[string]any{"total_pressure": ds.TotalPressure}
		if ds.TopDrive != nil {
			data["top_drive"] = ds.TopDrive.Name
		}
		if err := c.broadcast.Append(model.BroadcastEvent{
			Source:   "circadian",
			Type:     "rem_session",
			Salience: 0.3,
			Data:     data,
		}); err != nil {
			log.Printf("pulse: rem broadcast failed: %v", err)
		}
	}
	log.Printf("pulse: rem session complete (total pressure %.2f)", ds.TotalPressure)
}

func (c *Circadian) save() {
	data, err := json.Marshal(map[string]any{
		"last_rem": float64(c.lastREM.UnixMilli()) / 1000,
	})
	if err != nil {
		return
	}
	if err := os.WriteFile(c.statePath, data, 0o600); err != nil {
		log.Printf("pulse: failed to save circadian state: %v", err)
	}
}
