package evolution

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/drives"
	"github.com/openpulse/pulse/model"
	"github.com/openpulse/pulse/state"
)

func f64(v float64) *float64 { return &v }

func newMutator(t *testing.T) (*Mutator, *drives.Engine, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.State.Dir = t.TempDir()
	cfg.Workspace.Root = t.TempDir()
	cfg.Drives.Categories = map[string]config.DriveCategory{
		"goals":     {Weight: 1.0},
		"curiosity": {Weight: 0.8},
	}
	engine := drives.NewEngine(cfg)
	st := state.NewStore(cfg.State.ExpandedDir(), time.Minute)
	return NewMutator(cfg, engine, st), engine, cfg
}

func enqueue(t *testing.T, m *Mutator, cmds ...model.MutationCommand) {
	t.Helper()
	data, err := json.Marshal(cmds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.QueuePath(), data, 0o600))
}

func TestProcessQueueAppliesAndClears(t *testing.T) {
	m, engine, _ := newMutator(t)
	enqueue(t, m, model.MutationCommand{
		Type: model.MutAdjustWeight, Drive: "curiosity", Value: f64(1.2), Reason: "explore more",
	})

	results := m.ProcessQueue()
	require.Len(t, results, 1)
	assert.Equal(t, model.MutationApplied, results[0].Status)
	assert.Equal(t, 1.2, engine.Drive("curiosity").Weight)

	// queue cleared to []
	raw, err := os.ReadFile(m.QueuePath())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
	assert.Nil(t, m.ProcessQueue())
}

func TestWeightMutationClampedNotBlocked(t *testing.T) {
	m, engine, _ := newMutator(t)
	enqueue(t, m, model.MutationCommand{
		Type: model.MutAdjustWeight, Drive: "goals", Value: f64(3.5),
	})

	results := m.ProcessQueue()
	require.Len(t, results, 1)
	assert.Equal(t, model.MutationApplied, results[0].Status)
	assert.True(t, results[0].Clamped)
	assert.Equal(t, 1.5, engine.Drive("goals").Weight) // delta capped at 0.5
}

func TestThresholdAndRatePersistOverrides(t *testing.T) {
	m, _, cfg := newMutator(t)
	enqueue(t, m,
		model.MutationCommand{Type: model.MutAdjustThreshold, Value: f64(0.6)},
		model.MutationCommand{Type: model.MutAdjustRate, Value: f64(0.02)},
		model.MutationCommand{Type: model.MutAdjustCooldown, Value: f64(120)},
		model.MutationCommand{Type: model.MutAdjustTurnsPerHour, Value: f64(5)},
	)

	results := m.ProcessQueue()
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, model.MutationApplied, r.Status)
	}
	assert.Equal(t, 0.6, cfg.Drives.TriggerThreshold)
	assert.Equal(t, 0.02, cfg.Drives.PressureRate)
	assert.Equal(t, 120, cfg.Webhook.MinTriggerInterval)
	assert.Equal(t, 5, cfg.Webhook.MaxTurnsPerHour)

	overrides := m.st.GetMap("config_overrides")
	require.NotNil(t, overrides)
	assert.Equal(t, 0.6, overrides["trigger_threshold"])
	assert.Equal(t, 0.02, overrides["pressure_rate"])
	assert.Equal(t, 120, overrides["min_trigger_interval"])
	assert.Equal(t, 5, overrides["max_turns_per_hour"])
}

func TestAddRemoveSpikeDecay(t *testing.T) {
	m, engine, _ := newMutator(t)
	enqueue(t, m,
		model.MutationCommand{Type: model.MutAddDrive, Name: "writing", Weight: f64(0.7)},
		model.MutationCommand{Type: model.MutSpikeDrive, Drive: "writing", Amount: f64(0.4)},
		model.MutationCommand{Type: model.MutDecayDrive, Drive: "writing", Amount: f64(0.1)},
		model.MutationCommand{Type: model.MutRemoveDrive, Drive: "curiosity"},
	)

	results := m.ProcessQueue()
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, model.MutationApplied, r.Status, r.Err)
	}
	require.NotNil(t, engine.Drive("writing"))
	assert.InDelta(t, 0.3, engine.Drive("writing").Pressure, 1e-6)
	assert.Nil(t, engine.Drive("curiosity"))
}

func TestProtectedDriveRemovalIsBlocked(t *testing.T) {
	m, engine, _ := newMutator(t)
	enqueue(t, m,
		model.MutationCommand{Type: model.MutRemoveDrive, Drive: "goals"},
		model.MutationCommand{Type: model.MutAdjustWeight, Drive: "curiosity", Value: f64(1.0)},
	)

	results := m.ProcessQueue()
	require.Len(t, results, 2)
	assert.Equal(t, model.MutationBlocked, results[0].Status)
	assert.Contains(t, results[0].Err, "protected")
	// the blocked command does not stop the next one
	assert.Equal(t, model.MutationApplied, results[1].Status)
	require.NotNil(t, engine.Drive("goals"))
}

func TestUnknownTypeAndMissingFieldsAreErrors(t *testing.T) {
	m, _, _ := newMutator(t)
	enqueue(t, m,
		model.MutationCommand{Type: "transcend"},
		model.MutationCommand{Type: model.MutAdjustWeight, Drive: "goals"}, // no value
	)

	results := m.ProcessQueue()
	require.Len(t, results, 2)
	assert.Equal(t, model.MutationError, results[0].Status)
	assert.Equal(t, model.MutationError, results[1].Status)
}

func TestMalformedQueueDiscarded(t *testing.T) {
	m, _, _ := newMutator(t)
	require.NoError(t, os.WriteFile(m.QueuePath(), []byte("{nonsense"), 0o600))

	assert.Nil(t, m.ProcessQueue())
	raw, err := os.ReadFile(m.QueuePath())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestSingleObjectQueueTolerated(t *testing.T) {
	m, engine, _ := newMutator(t)
	raw, err := json.Marshal(model.MutationCommand{
		Type: model.MutAdjustWeight, Drive: "goals", Value: f64(1.2),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.QueuePath(), raw, 0o600))

	results := m.ProcessQueue()
	require.Len(t, results, 1)
	assert.Equal(t, 1.2, engine.Drive("goals").Weight)
}

func TestMutationRateLimitBlocksExcess(t *testing.T) {
	m, _, _ := newMutator(t)
	cmds := make([]model.MutationCommand, 0, 12)
	for i := 0; i < 12; i++ {
		cmds = append(cmds, model.MutationCommand{
			Type: model.MutSpikeDrive, Drive: "goals", Amount: f64(0.01),
		})
	}
	enqueue(t, m, cmds...)

	results := m.ProcessQueue()
	require.Len(t, results, 12)
	applied, blocked := 0, 0
	for _, r := range results {
		switch r.Status {
		case model.MutationApplied:
			applied++
		case model.MutationBlocked:
			blocked++
		}
	}
	assert.Equal(t, 10, applied)
	assert.Equal(t, 2, blocked)
}

func TestEnqueueMergesWithPending(t *testing.T) {
	m, engine, _ := newMutator(t)
	require.NoError(t, Enqueue(m.QueuePath(), model.MutationCommand{
		Type: model.MutAdjustWeight, Drive: "goals", Value: f64(1.1),
	}))
	require.NoError(t, Enqueue(m.QueuePath(), model.MutationCommand{
		Type: model.MutAdjustWeight, Drive: "curiosity", Value: f64(1.0),
	}))

	results := m.ProcessQueue()
	require.Len(t, results, 2)
	assert.Equal(t, 1.1, engine.Drive("goals").Weight)
	assert.Equal(t, 1.0, engine.Drive("curiosity").Weight)
}

func TestMutatorStateView(t *testing.T) {
	m, _, _ := newMutator(t)
	view := m.State()
	assert.Contains(t, view, "drives")
	assert.Contains(t, view, "guardrails")
	assert.Equal(t, 0.7, view["trigger_threshold"])
}
