// Package evolution implements the self-modification pipeline: a
// file-drop mutation queue, hard guardrails, a hash-chained audit log,
// and outcome-driven weight plasticity.
//
// The agent can rewire its cortex; it cannot stop its own heart.
package evolution

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/openpulse/pulse/state"
)

// GuardrailLimits are the hard limits self-modification cannot exceed.
type GuardrailLimits struct {
	MinDriveWeight float64
	MaxDriveWeight float64

	MinPressureRate float64
	MaxPressureRate float64

	MinTriggerThreshold float64
	MaxTriggerThreshold float64

	MinTurnsPerHour int
	MaxTurnsPerHour int

	MinCooldown int // seconds
	MaxCooldown int

	// per-mutation deltas, so no single mutation is drastic
	MaxWeightDelta    float64
	MaxThresholdDelta float64
	MaxRateDelta      float64

	ProtectedDrives map[string]bool

	MaxDrives           int
	MaxMutationsPerHour int
}

// DefaultLimits returns the standard guardrail envelope.
func DefaultLimits() GuardrailLimits {
	return GuardrailLimits{
		MinDriveWeight:      0.05, // can't zero out a drive
		MaxDriveWeight:      3.0,  // can't make one drive dominate everything
		MinPressureRate:     0.001,
		MaxPressureRate:     0.1,
		MinTriggerThreshold: 0.2,  // can't trigger on every tick
		MaxTriggerThreshold: 0.95, // can't make itself unreachable
		MinTurnsPerHour:     1,
		MaxTurnsPerHour:     30,
		MinCooldown:         60,
		MaxCooldown:         3600,
		MaxWeightDelta:      0.5,
		MaxThresholdDelta:   0.15,
		MaxRateDelta:        0.02,
		ProtectedDrives:     map[string]bool{"goals": true, "growth": true},
		MaxDrives:           15,
		MaxMutationsPerHour: 10,
	}
}

// GuardrailViolation is returned when a mutation cannot be applied at
// all (as opposed to clamped).
type GuardrailViolation struct {
	Msg string
}

func (v *GuardrailViolation) Error() string { return v.Msg }

func violation(format string, args ...any) error {
	return &GuardrailViolation{Msg: fmt.Sprintf(format, args...)}
}

// Guardrails validates mutations against the limits. The mutation-rate
// window persists across restarts via the state store.
type Guardrails struct {
	Limits GuardrailLimits

	st         *state.Store
	timestamps []float64 // unix seconds of recent mutations

	// Now is swappable for tests.
	Now func() time.Time
}

// NewGuardrails creates guardrails, restoring the mutation-rate window
// from state. st may be nil.
func NewGuardrails(limits GuardrailLimits, st *state.Store) *Guardrails {
	g := &Guardrails{Limits: limits, st: st, Now: time.Now}
	g.loadTimestamps()
	return g
}

func (g *Guardrails) loadTimestamps() {
	if g.st == nil {
		return
	}
	raw, _ := g.st.Get("guardrail_mutation_timestamps").([]any)
	cutoff := float64(g.Now().Unix()) - 3600
	for _, v := range raw {
		if ts, ok := v.(float64); ok && ts > cutoff {
			g.timestamps = append(g.timestamps, ts)
		}
	}
}

func (g *Guardrails) saveTimestamps() {
	if g.st == nil {
		return
	}
	out := make([]any, len(g.timestamps))
	for i, ts := range g.timestamps {
		out[i] = ts
	}
	g.st.Set("guardrail_mutation_timestamps", out)
}

// clampDelta limits how far proposed may move from current, then
// clamps into [lo, hi]. The second return reports whether the request
// was modified.
func clampDelta(current, proposed, maxDelta, lo, hi float64) (float64, bool) {
	out := proposed
	if math.Abs(proposed-current) > maxDelta {
		if proposed > current {
			out = current + maxDelta
		} else {
			out = current - maxDelta
		}
	}
	out = math.Max(lo, math.Min(hi, out))
	return out, out != proposed
}

// ValidateWeightChange clamps a drive weight change.
func (g *Guardrails) ValidateWeightChange(driveName string, current, proposed float64) (float64, bool) {
	validated, clamped := clampDelta(current, proposed,
		g.Limits.MaxWeightDelta, g.Limits.MinDriveWeight, g.Limits.MaxDriveWeight)
	if clamped {
		log.Printf("pulse: weight change clamped for %q: %.2f -> %.2f", driveName, proposed, validated)
	}
	return round4(validated), clamped
}

// ValidateThresholdChange clamps a trigger threshold change.
func (g *Guardrails) ValidateThresholdChange(current, proposed float64) (float64, bool) {
	validated, clamped := clampDelta(current, proposed,
		g.Limits.MaxThresholdDelta, g.Limits.MinTriggerThreshold, g.Limits.MaxTriggerThreshold)
	if clamped {
		log.Printf("pulse: threshold change clamped: %.2f -> %.2f", proposed, validated)
	}
	return round4(validated), clamped
}

// ValidateRateChange clamps a pressure rate change.
func (g *Guardrails) ValidateRateChange(current, proposed float64) (float64, bool) {
	validated, clamped := clampDelta(current, proposed,
		g.Limits.MaxRateDelta, g.Limits.MinPressureRate, g.Limits.MaxPressureRate)
	return round6(validated), clamped
}

// ValidateDriveRemoval refuses removal of protected drives.
func (g *Guardrails) ValidateDriveRemoval(driveName string) error {
	if g.Limits.ProtectedDrives[driveName] {
		return violation("cannot remove protected drive %q", driveName)
	}
	return nil
}

// ValidateDriveCount refuses growth beyond the drive cap.
func (g *Guardrails) ValidateDriveCount(currentCount int) error {
	if currentCount >= g.Limits.MaxDrives {
		return violation("cannot add drive: at limit (%d/%d)", currentCount, g.Limits.MaxDrives)
	}
	return nil
}

// ValidateTurnsPerHour clamps into the allowed rate-limit range.
func (g *Guardrails) ValidateTurnsPerHour(proposed int) (int, bool) {
	validated := min(g.Limits.MaxTurnsPerHour, max(g.Limits.MinTurnsPerHour, proposed))
	return validated, validated != proposed
}

// ValidateCooldown clamps into the allowed cooldown range.
func (g *Guardrails) ValidateCooldown(proposed int) (int, bool) {
	validated := min(g.Limits.MaxCooldown, max(g.Limits.MinCooldown, proposed))
	return validated, validated != proposed
}

// CheckMutationRate enforces the sliding-hour mutation budget; a
// passing check consumes one slot.
func (g *Guardrails) CheckMutationRate() error {
	now := float64(g.Now().Unix())
	cutoff := now - 3600

	kept := g.timestamps[:0]
	for _, ts := range g.timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	g.timestamps = kept

	if len(g.timestamps) >= g.Limits.MaxMutationsPerHour {
		return violation("mutation rate limit: %d/%d per hour",
			len(g.timestamps), g.Limits.MaxMutationsPerHour)
	}
	g.timestamps = append(g.timestamps, now)
	g.saveTimestamps()
	return nil
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
