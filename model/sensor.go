package model

// SensorReading maps sensor name to that sensor's payload. A failing
// sensor contributes {"error": msg} instead of its normal shape.
type SensorReading map[string]map[string]any

// FileChange is one filesystem sensor event. Type is one of
// "created", "modified", "deleted".
type FileChange struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// SystemAlert is one system sensor finding.
type SystemAlert struct {
	Type     string `json:"type"`
	Process  string `json:"process,omitempty"`
	FreeMB   int    `json:"free_mb,omitempty"`
	Severity string `json:"severity"`
}

// ConversationInfo is the conversation sensor payload.
type ConversationInfo struct {
	Active            bool    `json:"active"`
	InCooldown        bool    `json:"in_cooldown"`
	LastHumanActivity float64 `json:"last_human_activity"`
	SecondsSince      float64 `json:"seconds_since"`
}

// FileChanges extracts the filesystem sensor's change list, tolerating
// absent or errored readings.
func (r SensorReading) FileChanges() []FileChange {
	fs, ok := r["filesystem"]
	if !ok {
		return nil
	}
	raw, ok := fs["changes"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []FileChange:
		return v
	case []any:
		var out []FileChange
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				fc := FileChange{}
				fc.Path, _ = m["path"].(string)
				fc.Type, _ = m["type"].(string)
				out = append(out, fc)
			}
		}
		return out
	}
	return nil
}

// SystemAlerts extracts the system sensor's alert list.
func (r SensorReading) SystemAlerts() []SystemAlert {
	sys, ok := r["system"]
	if !ok {
		return nil
	}
	raw, ok := sys["alerts"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []SystemAlert:
		return v
	case []any:
		var out []SystemAlert
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				a := SystemAlert{}
				a.Type, _ = m["type"].(string)
				a.Process, _ = m["process"].(string)
				a.Severity, _ = m["severity"].(string)
				out = append(out, a)
			}
		}
		return out
	}
	return nil
}

// Conversation extracts the conversation sensor payload. The zero value
// (inactive, no cooldown) is returned when the sensor is absent or errored.
func (r SensorReading) Conversation() ConversationInfo {
	c, ok := r["conversation"]
	if !ok {
		return ConversationInfo{}
	}
	info := ConversationInfo{}
	if v, ok := c["active"].(bool); ok {
		info.Active = v
	}
	if v, ok := c["in_cooldown"].(bool); ok {
		info.InCooldown = v
	}
	if v, ok := c["last_human_activity"].(float64); ok {
		info.LastHumanActivity = v
	}
	if v, ok := c["seconds_since"].(float64); ok {
		info.SecondsSince = v
	}
	return info
}
