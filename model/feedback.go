package model

// Feedback outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeBlocked = "blocked"
)

// FeedbackMessage is the turn result the agent reports back, either via
// POST /feedback or a turn_result.json file drop.
type FeedbackMessage struct {
	DrivesAddressed []string           `json:"drives_addressed"`
	Outcome         string             `json:"outcome"`
	Summary         string             `json:"summary,omitempty"`
	DecayOverrides  map[string]float64 `json:"decay_overrides,omitempty"`
}

// DecayFraction returns the default pressure decay fraction for an
// outcome when no per-drive override is given.
func DecayFraction(outcome string) float64 {
	switch outcome {
	case OutcomeSuccess:
		return 0.7
	case OutcomePartial:
		return 0.4
	default:
		return 0.0
	}
}

// FeedbackUpdate describes how one drive changed from feedback.
type FeedbackUpdate struct {
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
	Decayed float64 `json:"decayed"`
}
