// Package evaluator decides whether the daemon should spend an agent
// turn this tick. Two interchangeable strategies sit behind one
// contract: immediate threshold rules, or a small LLM gate.
package evaluator

import (
	"fmt"
	"time"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

// Evaluator is the gate contract. workingMemory may be nil.
type Evaluator interface {
	Evaluate(driveState model.DriveState, sensorData model.SensorReading, workingMemory map[string]any) model.TriggerDecision
	RecordTrigger(decision model.TriggerDecision, success bool)
}

// New returns the configured strategy.
func New(cfg *config.Config) Evaluator {
	if cfg.Evaluator.Mode == "model" {
		return NewModelEvaluator(cfg)
	}
	return NewRulesEvaluator(cfg)
}

// RulesEvaluator is the synchronous threshold gate. Too sensitive is
// noisy and expensive; too conservative is inert.
type RulesEvaluator struct {
	cfg *config.Config

	// Now is swappable for tests.
	Now func() time.Time
}

// NewRulesEvaluator creates the rules strategy.
func NewRulesEvaluator(cfg *config.Config) *RulesEvaluator {
	return &RulesEvaluator{cfg: cfg, Now: time.Now}
}

// Evaluate applies, in order: conversation suppression, critical-alert
// bypass, single-drive threshold, combined threshold.
func (e *RulesEvaluator) Evaluate(driveState model.DriveState, sensorData model.SensorReading, workingMemory map[string]any) model.TriggerDecision {
	rules := e.cfg.Evaluator.Rules
	base := model.TriggerDecision{
		TotalPressure: driveState.TotalPressure,
		TopDrive:      driveState.TopDrive,
		Timestamp:     e.Now(),
	}

	if rules.SuppressDuringConversation {
		convo := sensorData.Conversation()
		if convo.Active || convo.InCooldown {
			base.Reason = fmt.Sprintf("suppressed_conversation (last activity %.0fs ago)", convo.SecondsSince)
			return base
		}
	}

	// Critical alerts bypass thresholds entirely.
	for _, a := range sensorData.SystemAlerts() {
		if a.Severity == "high" {
			base.ShouldTrigger = true
			base.Reason = "critical_alert: " + a.Type
			base.SensorContext = fmt.Sprintf("%+v", a)
			return base
		}
	}

	if driveState.TopDrive != nil && driveState.TopDrive.WeightedPressure() >= rules.SingleDriveThreshold {
		base.ShouldTrigger = true
		base.Reason = "single_drive_threshold: " + driveState.TopDrive.Name
		return base
	}

	if driveState.TotalPressure >= rules.CombinedThreshold {
		base.ShouldTrigger = true
		base.Reason = "combined_threshold"
		return base
	}

	// Not triggering, but significant pressure means the daemon should
	// synthesize work rather than idle-loop.
	base.Reason = "below_threshold"
	base.RecommendGenerate = driveState.TotalPressure >= rules.CombinedThreshold*0.8
	return base
}

// RecordTrigger is a no-op for the rules strategy.
func (e *RulesEvaluator) RecordTrigger(decision model.TriggerDecision, success bool) {}
