// Package trigger dispatches agent turns over the webhook, subject to
// cooldown and a sliding-hour rate limit.
package trigger

import (
	"fmt"
	"strings"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

// Integration composes the webhook body from a trigger decision.
// Integrations are the seam for agent-specific message formats.
type Integration interface {
	Name() string
	BuildTriggerMessage(decision model.TriggerDecision, cfg *config.Config) string
}

// LoadIntegration resolves a named integration; unknown names fall
// back to the default.
func LoadIntegration(name string) Integration {
	switch name {
	case "", "default":
		return DefaultIntegration{}
	default:
		return DefaultIntegration{}
	}
}

// DefaultIntegration sends a simple message with drive context. No
// assumptions about the hosting agent's architecture.
type DefaultIntegration struct{}

func (DefaultIntegration) Name() string { return "default" }

func (DefaultIntegration) BuildTriggerMessage(decision model.TriggerDecision, cfg *config.Config) string {
	var parts []string
	parts = append(parts,
		cfg.Webhook.MessagePrefix+" Self-initiated turn.",
		"Trigger reason: "+decision.Reason,
	)

	if decision.TopDrive != nil {
		parts = append(parts, fmt.Sprintf("Top drive: %s (pressure: %.2f)",
			decision.TopDrive.Name, decision.TopDrive.Pressure))
	} else {
		parts = append(parts, fmt.Sprintf("Total pressure: %.2f", decision.TotalPressure))
	}

	if decision.SensorContext != "" {
		parts = append(parts, "Suggested focus: "+decision.SensorContext)
	}
	if decision.ToneHint != "" {
		parts = append(parts, decision.ToneHint)
	}

	parts = append(parts,
		"Check if there's something worth doing. "+
			"If nothing needs attention, reply HEARTBEAT_OK.")
	return strings.Join(parts, "\n")
}
