package model

import "time"

// TriggerDecision is the evaluator's verdict for one tick.
type TriggerDecision struct {
	ShouldTrigger bool      `json:"should_trigger"`
	Reason        string    `json:"reason"`
	TotalPressure float64   `json:"total_pressure"`
	TopDrive      *Drive    `json:"top_drive,omitempty"`
	SensorContext string    `json:"sensor_context,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// RecommendGenerate is set when the gate said no but pressure is high
	// enough that synthesizing new tasks would be worthwhile.
	RecommendGenerate bool `json:"recommend_generate,omitempty"`

	// ToneHint is prompt-shaping context from nervous-system subsystems.
	// It rides on the decision but is never persisted.
	ToneHint string `json:"-"`
}

// TopDriveName returns the top drive's name or "none".
func (d *TriggerDecision) TopDriveName() string {
	if d.TopDrive == nil {
		return "none"
	}
	return d.TopDrive.Name
}
