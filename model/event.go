package model

// BroadcastEvent is one line of the broadcast stream. TS is epoch
// milliseconds; ID and TS are assigned on write when absent.
type BroadcastEvent struct {
	ID       string         `json:"id,omitempty"`
	TS       int64          `json:"ts"`
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	Salience float64        `json:"salience"`
	Data     map[string]any `json:"data,omitempty"`
}
