package evolution

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/drives"
	"github.com/openpulse/pulse/model"
	"github.com/openpulse/pulse/state"
)

// Mutator processes self-modification commands. The agent (or the CLI)
// writes commands into the queue file; the daemon drains and applies
// them once per tick.
type Mutator struct {
	cfg        *config.Config
	engine     *drives.Engine
	guardrails *Guardrails
	audit      *AuditLog
	st         *state.Store

	queuePath string
	lock      *flock.Flock
}

// NewMutator wires the pipeline. st may be nil (no override
// persistence, no rate-window restore).
func NewMutator(cfg *config.Config, engine *drives.Engine, st *state.Store) *Mutator {
	stateDir := cfg.State.ExpandedDir()
	queuePath := filepath.Join(stateDir, "mutations.json")
	return &Mutator{
		cfg:        cfg,
		engine:     engine,
		guardrails: NewGuardrails(DefaultLimits(), st),
		audit:      NewAuditLog(stateDir),
		st:         st,
		queuePath:  queuePath,
		lock:       flock.New(queuePath + ".lock"),
	}
}

// Audit exposes the audit log for the health surface.
func (m *Mutator) Audit() *AuditLog { return m.audit }

// QueuePath returns the mutation queue file location.
func (m *Mutator) QueuePath() string { return m.queuePath }

// ProcessQueue drains pending mutations and applies each one. A queue
// held by another process is skipped this tick; a malformed queue is
// discarded. One bad command never stops the rest.
func (m *Mutator) ProcessQueue() []model.MutationResult {
	commands, ok := m.drainQueue()
	if !ok || len(commands) == 0 {
		return nil
	}

	results := make([]model.MutationResult, 0, len(commands))
	applied, blocked := 0, 0
	for _, cmd := range commands {
		result, err := m.apply(cmd)
		if err != nil {
			var gv *GuardrailViolation
			if errors.As(err, &gv) {
				log.Printf("pulse: mutation blocked by guardrails: %v", err)
				results = append(results, model.MutationResult{
					Status: model.MutationBlocked, Type: cmd.Type, Err: err.Error(),
				})
				blocked++
			} else {
				log.Printf("pulse: mutation failed: %v", err)
				results = append(results, model.MutationResult{
					Status: model.MutationError, Type: cmd.Type, Err: err.Error(),
				})
			}
			continue
		}
		results = append(results, result)
		applied++
	}

	log.Printf("pulse: processed %d mutations: %d applied, %d blocked",
		len(results), applied, blocked)
	return results
}

// drainQueue reads and clears the queue file under a non-blocking
// advisory lock. The second return is false when the queue is locked
// elsewhere or unreadable.
func (m *Mutator) drainQueue() ([]model.MutationCommand, bool) {
	if _, err := os.Stat(m.queuePath); err != nil {
		return nil, false
	}

	locked, err := m.lock.TryLock()
	if err != nil || !locked {
		return nil, false
	}
	defer m.lock.Unlock()

	raw, err := os.ReadFile(m.queuePath)
	if err != nil {
		return nil, false
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed == "" || trimmed == "[]" {
		return nil, false
	}

	var commands []model.MutationCommand
	if err := json.Unmarshal(raw, &commands); err != nil {
		// tolerate a single bare object
		var one model.MutationCommand
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			log.Printf("pulse: invalid mutation queue, discarding: %v", err)
			_ = os.WriteFile(m.queuePath, []byte("[]"), 0o600)
			return nil, false
		}
		commands = []model.MutationCommand{one}
	}

	// clear while holding the lock
	if err := os.WriteFile(m.queuePath, []byte("[]"), 0o600); err != nil {
		log.Printf("pulse: failed to clear mutation queue: %v", err)
	}
	return commands, true
}

// Enqueue appends a command to the queue file, merging with any
// commands already waiting. Used by the CLI.
func Enqueue(queuePath string, cmd model.MutationCommand) error {
	lk := flock.New(queuePath + ".lock")
	if err := lk.Lock(); err != nil {
		return fmt.Errorf("lock mutation queue: %w", err)
	}
	defer lk.Unlock()

	var pending []model.MutationCommand
	if raw, err := os.ReadFile(queuePath); err == nil {
		_ = json.Unmarshal(raw, &pending)
	}
	pending = append(pending, cmd)

	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(queuePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(queuePath, data, 0o600)
}

func (m *Mutator) apply(cmd model.MutationCommand) (model.MutationResult, error) {
	if err := m.guardrails.CheckMutationRate(); err != nil {
		return model.MutationResult{}, err
	}
	if cmd.Type == "" {
		return model.MutationResult{}, fmt.Errorf("mutation missing \"type\" field")
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "no reason given"
	}

	switch cmd.Type {
	case model.MutAdjustWeight:
		return m.adjustWeight(cmd, reason)
	case model.MutAdjustThreshold:
		return m.adjustThreshold(cmd, reason)
	case model.MutAdjustRate:
		return m.adjustRate(cmd, reason)
	case model.MutAdjustCooldown:
		return m.adjustCooldown(cmd, reason)
	case model.MutAdjustTurnsPerHour:
		return m.adjustTurnsPerHour(cmd, reason)
	case model.MutAddDrive:
		return m.addDrive(cmd, reason)
	case model.MutRemoveDrive:
		return m.removeDrive(cmd, reason)
	case model.MutSpikeDrive:
		return m.spikeDrive(cmd, reason)
	case model.MutDecayDrive:
		return m.decayDrive(cmd, reason)
	default:
		return model.MutationResult{}, fmt.Errorf("unknown mutation type: %q", cmd.Type)
	}
}

func (m *Mutator) record(recType, target string, before, after any, reason string, clamped bool, clampedFrom any) {
	rec := model.MutationRecord{
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
		Type:      recType,
		Target:    target,
		Before:    before,
		After:     after,
		Reason:    reason,
		Clamped:   clamped,
		Source:    "agent",
	}
	if clamped {
		rec.ClampedFrom = clampedFrom
	}
	m.audit.Record(rec)
}

// saveOverride persists a runtime config change so it survives restart.
func (m *Mutator) saveOverride(key string, value any) {
	if m.st == nil {
		return
	}
	overrides := m.st.GetMap("config_overrides")
	if overrides == nil {
		overrides = make(map[string]any)
	}
	overrides[key] = value
	m.st.Set("config_overrides", overrides)
	m.st.RequestSave()
}

func (m *Mutator) adjustWeight(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Drive == "" || cmd.Value == nil {
		return model.MutationResult{}, fmt.Errorf("adjust_weight requires \"drive\" and \"value\"")
	}
	d := m.engine.Drive(cmd.Drive)
	if d == nil {
		return model.MutationResult{}, fmt.Errorf("drive %q does not exist", cmd.Drive)
	}

	current := d.Weight
	validated, clamped := m.guardrails.ValidateWeightChange(cmd.Drive, current, *cmd.Value)
	d.Weight = validated

	m.record("weight", "drives."+cmd.Drive+".weight", current, validated, reason, clamped, *cmd.Value)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type, Drive: cmd.Drive,
		Before: current, After: validated, Clamped: clamped,
	}, nil
}

func (m *Mutator) adjustThreshold(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Value == nil {
		return model.MutationResult{}, fmt.Errorf("adjust_threshold requires \"value\"")
	}
	current := m.cfg.Drives.TriggerThreshold
	validated, clamped := m.guardrails.ValidateThresholdChange(current, *cmd.Value)
	m.cfg.Drives.TriggerThreshold = validated
	m.saveOverride("trigger_threshold", validated)

	m.record("threshold", "drives.trigger_threshold", current, validated, reason, clamped, *cmd.Value)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type,
		Before: current, After: validated, Clamped: clamped,
	}, nil
}

func (m *Mutator) adjustRate(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Value == nil {
		return model.MutationResult{}, fmt.Errorf("adjust_rate requires \"value\"")
	}
	current := m.cfg.Drives.PressureRate
	validated, clamped := m.guardrails.ValidateRateChange(current, *cmd.Value)
	m.cfg.Drives.PressureRate = validated
	m.saveOverride("pressure_rate", validated)

	m.record("rate", "drives.pressure_rate", current, validated, reason, clamped, *cmd.Value)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type,
		Before: current, After: validated, Clamped: clamped,
	}, nil
}

func (m *Mutator) adjustCooldown(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Value == nil {
		return model.MutationResult{}, fmt.Errorf("adjust_cooldown requires \"value\"")
	}
	proposed := int(*cmd.Value)
	current := m.cfg.Webhook.MinTriggerInterval
	validated, clamped := m.guardrails.ValidateCooldown(proposed)
	m.cfg.Webhook.MinTriggerInterval = validated
	m.saveOverride("min_trigger_interval", validated)

	m.record("cooldown", "webhook.min_trigger_interval", current, validated, reason, clamped, proposed)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type,
		Before: float64(current), After: float64(validated), Clamped: clamped,
	}, nil
}

func (m *Mutator) adjustTurnsPerHour(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Value == nil {
		return model.MutationResult{}, fmt.Errorf("adjust_turns_per_hour requires \"value\"")
	}
	proposed := int(*cmd.Value)
	current := m.cfg.Webhook.MaxTurnsPerHour
	validated, clamped := m.guardrails.ValidateTurnsPerHour(proposed)
	m.cfg.Webhook.MaxTurnsPerHour = validated
	m.saveOverride("max_turns_per_hour", validated)

	m.record("turns_per_hour", "webhook.max_turns_per_hour", current, validated, reason, clamped, proposed)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type,
		Before: float64(current), After: float64(validated), Clamped: clamped,
	}, nil
}

func (m *Mutator) addDrive(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Name == "" {
		return model.MutationResult{}, fmt.Errorf("add_drive requires \"name\"")
	}
	if m.engine.Drive(cmd.Name) != nil {
		return model.MutationResult{}, fmt.Errorf("drive %q already exists", cmd.Name)
	}
	if err := m.guardrails.ValidateDriveCount(m.engine.Count()); err != nil {
		return model.MutationResult{}, err
	}

	weight := 0.5
	if cmd.Weight != nil {
		weight = *cmd.Weight
	}
	weight, _ = m.guardrails.ValidateWeightChange(cmd.Name, 0.5, weight)

	m.engine.Add(&model.Drive{Name: cmd.Name, Category: cmd.Name, Weight: weight})

	m.record("drive_create", "drives."+cmd.Name, nil,
		map[string]any{"name": cmd.Name, "weight": weight}, reason, false, nil)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type, Drive: cmd.Name, After: weight,
	}, nil
}

func (m *Mutator) removeDrive(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Drive == "" {
		return model.MutationResult{}, fmt.Errorf("remove_drive requires \"drive\"")
	}
	if err := m.guardrails.ValidateDriveRemoval(cmd.Drive); err != nil {
		return model.MutationResult{}, err
	}
	d := m.engine.Drive(cmd.Drive)
	if d == nil {
		return model.MutationResult{}, fmt.Errorf("drive %q does not exist", cmd.Drive)
	}

	oldWeight := d.Weight
	m.engine.Remove(cmd.Drive)

	m.record("drive_remove", "drives."+cmd.Drive,
		map[string]any{"name": cmd.Drive, "weight": oldWeight}, nil, reason, false, nil)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type, Drive: cmd.Drive, Before: oldWeight,
	}, nil
}

func (m *Mutator) spikeDrive(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Drive == "" {
		return model.MutationResult{}, fmt.Errorf("spike_drive requires \"drive\"")
	}
	d := m.engine.Drive(cmd.Drive)
	if d == nil {
		return model.MutationResult{}, fmt.Errorf("drive %q does not exist", cmd.Drive)
	}

	amount := 0.3
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	before := d.Pressure
	d.Spike(amount, m.cfg.Drives.MaxPressure)

	m.record("spike", "drives."+cmd.Drive+".pressure",
		round4(before), round4(d.Pressure), reason, false, nil)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type, Drive: cmd.Drive,
		Before: round4(before), After: round4(d.Pressure),
	}, nil
}

func (m *Mutator) decayDrive(cmd model.MutationCommand, reason string) (model.MutationResult, error) {
	if cmd.Drive == "" {
		return model.MutationResult{}, fmt.Errorf("decay_drive requires \"drive\"")
	}
	d := m.engine.Drive(cmd.Drive)
	if d == nil {
		return model.MutationResult{}, fmt.Errorf("drive %q does not exist", cmd.Drive)
	}

	amount := 0.3
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	before := d.Pressure
	d.Decay(amount)

	m.record("decay", "drives."+cmd.Drive+".pressure",
		round4(before), round4(d.Pressure), reason, false, nil)
	return model.MutationResult{
		Status: model.MutationApplied, Type: cmd.Type, Drive: cmd.Drive,
		Before: round4(before), After: round4(d.Pressure),
	}, nil
}

// State reports the current mutable surface for the agent to reason
// about before writing mutations.
func (m *Mutator) State() map[string]any {
	driveView := make(map[string]any)
	for _, name := range m.engine.Names() {
		d := m.engine.Drive(name)
		driveView[name] = map[string]any{
			"weight":   d.Weight,
			"pressure": round4(d.Pressure),
		}
	}
	protected := make([]string, 0, len(m.guardrails.Limits.ProtectedDrives))
	for name := range m.guardrails.Limits.ProtectedDrives {
		protected = append(protected, name)
	}
	return map[string]any{
		"drives":            driveView,
		"trigger_threshold": m.cfg.Drives.TriggerThreshold,
		"pressure_rate":     m.cfg.Drives.PressureRate,
		"cooldown":          m.cfg.Webhook.MinTriggerInterval,
		"turns_per_hour":    m.cfg.Webhook.MaxTurnsPerHour,
		"mutations":         m.audit.Summary(),
		"guardrails": map[string]any{
			"protected_drives":       protected,
			"max_weight_delta":       m.guardrails.Limits.MaxWeightDelta,
			"max_threshold_delta":    m.guardrails.Limits.MaxThresholdDelta,
			"max_mutations_per_hour": m.guardrails.Limits.MaxMutationsPerHour,
		},
	}
}
