package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

func driveState(drives ...model.Drive) model.DriveState {
	return model.NewDriveState(drives, time.Now())
}

func TestRulesSingleDriveThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.Evaluator.Rules.SingleDriveThreshold = 0.8
	cfg.Evaluator.Rules.CombinedThreshold = 10.0
	e := NewRulesEvaluator(cfg)

	st := driveState(model.Drive{Name: "goals", Pressure: 0.9, Weight: 1.0})
	d := e.Evaluate(st, model.SensorReading{}, nil)
	assert.True(t, d.ShouldTrigger)
	assert.Equal(t, "single_drive_threshold: goals", d.Reason)
	require.NotNil(t, d.TopDrive)

	st = driveState(model.Drive{Name: "goals", Pressure: 0.5, Weight: 1.0})
	d = e.Evaluate(st, model.SensorReading{}, nil)
	assert.False(t, d.ShouldTrigger)
}

func TestRulesCombinedThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.Evaluator.Rules.SingleDriveThreshold = 5.0
	cfg.Evaluator.Rules.CombinedThreshold = 1.0
	e := NewRulesEvaluator(cfg)

	st := driveState(
		model.Drive{Name: "a", Pressure: 0.4, Weight: 1.0},
		model.Drive{Name: "b", Pressure: 0.7, Weight: 1.0},
	)
	d := e.Evaluate(st, model.SensorReading{}, nil)
	assert.True(t, d.ShouldTrigger)
	assert.Equal(t, "combined_threshold", d.Reason)
}

func TestRulesConversationSuppression(t *testing.T) {
	cfg := config.Default()
	cfg.Evaluator.Rules.SuppressDuringConversation = true
	e := NewRulesEvaluator(cfg)

	st := driveState(model.Drive{Name: "goals", Pressure: 5.0, Weight: 1.0})
	sensors := model.SensorReading{
		"conversation": {"active": true, "seconds_since": 12.0},
	}
	d := e.Evaluate(st, sensors, nil)
	assert.False(t, d.ShouldTrigger)
	assert.Contains(t, d.Reason, "suppressed_conversation")

	// cooldown suppresses too
	sensors = model.SensorReading{
		"conversation": {"active": false, "in_cooldown": true, "seconds_since": 200.0},
	}
	d = e.Evaluate(st, sensors, nil)
	assert.False(t, d.ShouldTrigger)
}

func TestRulesCriticalAlertBypassesThresholds(t *testing.T) {
	cfg := config.Default()
	cfg.Evaluator.Rules.SingleDriveThreshold = 100
	cfg.Evaluator.Rules.CombinedThreshold = 100
	e := NewRulesEvaluator(cfg)

	st := driveState(model.Drive{Name: "goals", Pressure: 0.1, Weight: 1.0})
	sensors := model.SensorReading{
		"system": {"alerts": []any{
			map[string]any{"type": "memory_pressure", "severity": "high"},
		}},
	}
	d := e.Evaluate(st, sensors, nil)
	assert.True(t, d.ShouldTrigger)
	assert.Equal(t, "critical_alert: memory_pressure", d.Reason)

	// medium severity does not bypass
	sensors = model.SensorReading{
		"system": {"alerts": []any{
			map[string]any{"type": "process_down", "severity": "medium"},
		}},
	}
	d = e.Evaluate(st, sensors, nil)
	assert.False(t, d.ShouldTrigger)
}

func TestRulesRecommendGenerate(t *testing.T) {
	cfg := config.Default()
	cfg.Evaluator.Rules.SingleDriveThreshold = 5.0
	cfg.Evaluator.Rules.CombinedThreshold = 1.0
	e := NewRulesEvaluator(cfg)

	// 0.9 is below the combined threshold but above 80% of it
	st := driveState(model.Drive{Name: "goals", Pressure: 0.9, Weight: 1.0})
	d := e.Evaluate(st, model.SensorReading{}, nil)
	assert.False(t, d.ShouldTrigger)
	assert.True(t, d.RecommendGenerate)

	st = driveState(model.Drive{Name: "goals", Pressure: 0.2, Weight: 1.0})
	d = e.Evaluate(st, model.SensorReading{}, nil)
	assert.False(t, d.RecommendGenerate)
}

func TestNewSelectsStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.Evaluator.Mode = "rules"
	_, ok := New(cfg).(*RulesEvaluator)
	assert.True(t, ok)

	cfg.Evaluator.Mode = "model"
	_, ok = New(cfg).(*ModelEvaluator)
	assert.True(t, ok)
}
