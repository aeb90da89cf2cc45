package evaluator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

// systemPrompt frames the gate decision. The model returns structured
// JSON, not free-form text.
const systemPrompt = `You are the priority evaluator for an autonomous agent daemon.
Your ONLY job is to decide: should the agent wake up and think right now?

You will receive:
- Drive states (internal motivations with pressure levels)
- Sensor readings (what changed in the environment)
- Recent trigger history (past decisions and outcomes)
- Time context
- Working memory (what the agent was last focused on)

Respond with ONLY valid JSON (no markdown, no explanation):
{
  "trigger": true/false,
  "reason": "brief explanation (1 sentence)",
  "urgency": 0.0-1.0,
  "suggested_focus": "what the agent should focus on if triggered",
  "suppress_minutes": 0
}

HARD RULES (override everything else):
1. If "Human conversation ACTIVE" appears in sensors: trigger=false, suppress_minutes=10. ALWAYS.
2. If "Human conversation cooldown" appears: trigger=false, suppress_minutes=5.
3. trigger=true ONLY when there is a SPECIFIC, ACTIONABLE task the agent can do RIGHT NOW.
4. trigger=false is the DEFAULT. When in doubt, don't trigger.
5. Sensor changes (new files, system alerts) are the strongest trigger signals.
6. Pure time passage with no new information = suppress, don't trigger.`

const (
	maxConsecutiveFailures = 3
	modelRetryInterval     = 300 * time.Second
	maxHistoryEntries      = 20
	workingMemoryLimit     = 500
)

// ModelEvaluator gates via a bounded HTTP call to an OpenAI-compatible
// chat endpoint. Failures degrade to the rules strategy; the model is
// retried after a cooldown.
type ModelEvaluator struct {
	cfg      *config.Config
	client   *http.Client
	fallback *RulesEvaluator

	history             []historyEntry
	consecutiveFailures int
	lastFailureTime     time.Time
	suppressUntil       time.Time

	// Now is swappable for tests.
	Now func() time.Time
}

type historyEntry struct {
	Timestamp time.Time
	Reason    string
	Pressure  float64
	Success   bool
}

// NewModelEvaluator creates the model strategy.
func NewModelEvaluator(cfg *config.Config) *ModelEvaluator {
	return &ModelEvaluator{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.Evaluator.Model.TimeoutSeconds) * time.Second,
		},
		fallback: NewRulesEvaluator(cfg),
		Now:      time.Now,
	}
}

// modelResponse is the strict JSON shape the gate expects back.
type modelResponse struct {
	Trigger         bool    `json:"trigger"`
	Reason          string  `json:"reason"`
	Urgency         float64 `json:"urgency"`
	SuggestedFocus  string  `json:"suggested_focus"`
	SuppressMinutes int     `json:"suppress_minutes"`
}

// Evaluate calls the model, honoring a previously requested suppress
// window and falling back to rules while degraded.
func (e *ModelEvaluator) Evaluate(driveState model.DriveState, sensorData model.SensorReading, workingMemory map[string]any) model.TriggerDecision {
	now := e.Now()

	if now.Before(e.suppressUntil) {
		return model.TriggerDecision{
			Reason:        fmt.Sprintf("model_suppressed (until %ds)", int(e.suppressUntil.Sub(now).Seconds())),
			TotalPressure: driveState.TotalPressure,
			TopDrive:      driveState.TopDrive,
			Timestamp:     now,
		}
	}

	if e.consecutiveFailures >= maxConsecutiveFailures {
		if now.Sub(e.lastFailureTime) < modelRetryInterval {
			return e.fallbackEvaluate(driveState, sensorData)
		}
		log.Println("pulse: retrying model evaluator after cooldown")
	}

	raw, err := e.callModel(e.buildPrompt(driveState, sensorData, workingMemory))
	if err != nil {
		e.consecutiveFailures++
		e.lastFailureTime = now
		log.Printf("pulse: model evaluator failed (%d/%d): %v",
			e.consecutiveFailures, maxConsecutiveFailures, err)
		return e.fallbackEvaluate(driveState, sensorData)
	}

	resp, err := parseModelResponse(raw)
	if err != nil {
		e.consecutiveFailures++
		e.lastFailureTime = now
		log.Printf("pulse: model returned invalid JSON: %.200s", raw)
		return e.fallbackEvaluate(driveState, sensorData)
	}

	if e.consecutiveFailures > 0 {
		log.Println("pulse: model evaluator recovered")
	}
	e.consecutiveFailures = 0

	decision := model.TriggerDecision{
		ShouldTrigger: resp.Trigger,
		Reason:        "model: " + resp.Reason,
		TotalPressure: driveState.TotalPressure,
		TopDrive:      driveState.TopDrive,
		SensorContext: resp.SuggestedFocus,
		Timestamp:     now,
	}
	if resp.Trigger && resp.SuggestedFocus != "" {
		decision.Reason = fmt.Sprintf("model: %s -> focus: %s", resp.Reason, resp.SuggestedFocus)
	}
	if !resp.Trigger {
		decision.RecommendGenerate = driveState.TotalPressure >= e.cfg.Drives.TriggerThreshold
		if m := min(resp.SuppressMinutes, e.cfg.Evaluator.Model.MaxSuppressMinutes); m > 0 {
			e.suppressUntil = now.Add(time.Duration(m) * time.Minute)
		}
	}
	return decision
}

func (e *ModelEvaluator) fallbackEvaluate(driveState model.DriveState, sensorData model.SensorReading) model.TriggerDecision {
	if e.consecutiveFailures >= maxConsecutiveFailures {
		log.Println("pulse: model evaluator degraded, using rules fallback")
	}
	decision := e.fallback.Evaluate(driveState, sensorData, nil)
	decision.Reason = "fallback_" + decision.Reason
	return decision
}

// chatRequest / chatResponse are the OpenAI-compatible wire shapes.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (e *ModelEvaluator) callModel(userPrompt string) (string, error) {
	mc := e.cfg.Evaluator.Model
	body, err := json.Marshal(chatRequest{
		Model: mc.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   mc.MaxTokens,
		Temperature: mc.Temperature,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, mc.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+mc.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model API returned %d: %.200s", resp.StatusCode, data)
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("model response has no choices")
	}
	return chat.Choices[0].Message.Content, nil
}

// parseModelResponse strips markdown fences and decodes the strict
// JSON decision.
func parseModelResponse(raw string) (modelResponse, error) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		if _, rest, ok := strings.Cut(cleaned, "\n"); ok {
			cleaned = rest
		}
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	var resp modelResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return modelResponse{}, err
	}
	return resp, nil
}

// buildPrompt renders the compact evaluation context: drive bars,
// sensor summary, last 5 trigger outcomes, truncated working memory.
func (e *ModelEvaluator) buildPrompt(driveState model.DriveState, sensorData model.SensorReading, workingMemory map[string]any) string {
	now := e.Now()
	var b strings.Builder

	fmt.Fprintf(&b, "## Time Context\nCurrent time: %s\n\n", now.Format("Monday, January 2, 2006 - 3:04 PM"))

	b.WriteString("## Drive States\n")
	drives := make([]model.Drive, len(driveState.Drives))
	copy(drives, driveState.Drives)
	sort.Slice(drives, func(i, j int) bool {
		return drives[i].WeightedPressure() > drives[j].WeightedPressure()
	})
	for _, d := range drives {
		filled := int(d.Pressure * 10)
		if filled > 10 {
			filled = 10
		}
		bar := strings.Repeat("#", filled) + strings.Repeat(".", 10-filled)
		fmt.Fprintf(&b, "- %s: [%s] %.2f (weight: %g)", d.Name, bar, d.Pressure, d.Weight)
		if d.LastAddressed > 0 {
			ago := (float64(now.Unix()) - d.LastAddressed) / 60
			fmt.Fprintf(&b, " (last addressed %.0fm ago)", ago)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "- Combined pressure: %.2f\n\n", driveState.TotalPressure)

	b.WriteString("## Sensor Readings\n")
	changes := sensorData.FileChanges()
	if len(changes) > 0 {
		fmt.Fprintf(&b, "File changes (%d):\n", len(changes))
		for i, c := range changes {
			if i == 10 {
				fmt.Fprintf(&b, "  - ... and %d more\n", len(changes)-10)
				break
			}
			fmt.Fprintf(&b, "  - %s: %s\n", c.Type, c.Path)
		}
	} else {
		b.WriteString("File changes: none\n")
	}

	convo := sensorData.Conversation()
	switch {
	case convo.Active:
		fmt.Fprintf(&b, "Human conversation ACTIVE (last activity %.0fs ago)\n", convo.SecondsSince)
	case convo.InCooldown:
		fmt.Fprintf(&b, "Human conversation cooldown (%.0fs since last activity)\n", convo.SecondsSince)
	default:
		b.WriteString("Human conversation: inactive\n")
	}

	if alerts := sensorData.SystemAlerts(); len(alerts) > 0 {
		encoded, _ := json.Marshal(alerts)
		fmt.Fprintf(&b, "System alerts: %s\n", encoded)
	} else {
		b.WriteString("System alerts: none\n")
	}
	b.WriteByte('\n')

	if len(e.history) > 0 {
		b.WriteString("## Recent Trigger History (last 5)\n")
		start := max(0, len(e.history)-5)
		for _, h := range e.history[start:] {
			status := "FAIL"
			if h.Success {
				status = "OK"
			}
			fmt.Fprintf(&b, "- %.0fm ago: %s %s (pressure: %.2f)\n",
				now.Sub(h.Timestamp).Minutes(), status, h.Reason, h.Pressure)
		}
		b.WriteByte('\n')
	}

	if workingMemory != nil {
		b.WriteString("## Working Memory (agent's last known state)\n")
		wm, _ := json.MarshalIndent(workingMemory, "", "  ")
		if len(wm) > workingMemoryLimit {
			b.Write(wm[:workingMemoryLimit])
			b.WriteString("\n... (truncated)")
		} else {
			b.Write(wm)
		}
		b.WriteByte('\n')
	}

	return b.String()
}

// RecordTrigger feeds an outcome into the history the next prompt sees.
func (e *ModelEvaluator) RecordTrigger(decision model.TriggerDecision, success bool) {
	e.history = append(e.history, historyEntry{
		Timestamp: e.Now(),
		Reason:    decision.Reason,
		Pressure:  decision.TotalPressure,
		Success:   success,
	})
	if len(e.history) > maxHistoryEntries {
		e.history = e.history[len(e.history)-maxHistoryEntries:]
	}
}
