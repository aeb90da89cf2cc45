package daemon

import (
	"encoding/json"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/openpulse/pulse/drives"
	"github.com/openpulse/pulse/evolution"
	"github.com/openpulse/pulse/model"
	"github.com/openpulse/pulse/state"
)

// feedbackFileName is the turn-result drop the loop checks each tick.
const feedbackFileName = "turn_result.json"

// Feedback funnels both intake channels (file drop, HTTP POST) into one
// handler that decays the addressed drives.
type Feedback struct {
	engine     *drives.Engine
	st         *state.Store
	plasticity *evolution.Plasticity

	Now func() time.Time
}

// NewFeedback wires the handler. plasticity may be nil.
func NewFeedback(engine *drives.Engine, st *state.Store, plasticity *evolution.Plasticity) *Feedback {
	return &Feedback{engine: engine, st: st, plasticity: plasticity, Now: time.Now}
}

// Apply decays each addressed drive and marks it addressed. Unknown
// drive names are skipped. The state snapshot is persisted immediately.
func (f *Feedback) Apply(msg model.FeedbackMessage) map[string]model.FeedbackUpdate {
	updates := make(map[string]model.FeedbackUpdate)
	now := float64(f.Now().UnixMilli()) / 1000

	for _, name := range msg.DrivesAddressed {
		d := f.engine.Drive(name)
		if d == nil {
			continue
		}
		decay := math.Min(d.Pressure, d.Pressure*model.DecayFraction(msg.Outcome))
		// an override is an absolute decay amount, capped at current pressure
		if override, ok := msg.DecayOverrides[name]; ok {
			decay = math.Min(d.Pressure, math.Max(0, override))
		}

		before := d.Pressure
		d.Decay(decay)
		d.LastAddressed = now

		updates[name] = model.FeedbackUpdate{
			Before:  before,
			After:   d.Pressure,
			Decayed: decay,
		}
		log.Printf("pulse: feedback %s: %s %.2f -> %.2f", msg.Outcome, name, before, d.Pressure)

		if f.plasticity != nil {
			f.plasticity.RecordEvaluation(name,
				msg.Outcome == model.OutcomeSuccess,
				feedbackQuality(msg.Outcome), 5.0, msg.Summary)
		}
	}

	f.st.Set("drives", f.engine.SaveState())
	if err := f.st.Save(); err != nil {
		log.Printf("pulse: feedback save failed: %v", err)
	}
	return updates
}

// ProcessFile consumes the turn-result drop if present. The file is
// deleted even when its content is invalid, so a poison file cannot be
// reprocessed forever.
func (f *Feedback) ProcessFile(stateDir string) (map[string]model.FeedbackUpdate, bool) {
	path := filepath.Join(stateDir, feedbackFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if err := os.Remove(path); err != nil {
		log.Printf("pulse: failed to remove %s: %v", feedbackFileName, err)
	}

	var msg model.FeedbackMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("pulse: invalid %s discarded: %v", feedbackFileName, err)
		return nil, true
	}
	return f.Apply(msg), true
}

func feedbackQuality(outcome string) float64 {
	switch outcome {
	case model.OutcomeSuccess:
		return 0.9
	case model.OutcomePartial:
		return 0.5
	default:
		return 0.1
	}
}
