package evaluator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

// chatServer returns an OpenAI-compatible endpoint that always answers
// with content.
func chatServer(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Contains(t, r.Header.Get("Authorization"), "Bearer ")

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)

		resp := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func modelEval(t *testing.T, baseURL string) *ModelEvaluator {
	t.Helper()
	cfg := config.Default()
	cfg.Evaluator.Mode = "model"
	cfg.Evaluator.Model.BaseURL = baseURL
	cfg.Evaluator.Model.TimeoutSeconds = 2
	cfg.Evaluator.Model.MaxSuppressMinutes = 30
	return NewModelEvaluator(cfg)
}

func TestModelTriggerDecision(t *testing.T) {
	srv := chatServer(t, `{"trigger": true, "reason": "new files need review", "urgency": 0.8, "suggested_focus": "review notes.md", "suppress_minutes": 0}`, nil)
	defer srv.Close()

	e := modelEval(t, srv.URL)
	st := driveState(model.Drive{Name: "goals", Pressure: 1.0, Weight: 1.0})
	d := e.Evaluate(st, model.SensorReading{}, nil)

	assert.True(t, d.ShouldTrigger)
	assert.Contains(t, d.Reason, "model: new files need review")
	assert.Contains(t, d.Reason, "review notes.md")
	assert.Equal(t, "review notes.md", d.SensorContext)
}

func TestModelStripsMarkdownFences(t *testing.T) {
	srv := chatServer(t, "```json\n{\"trigger\": false, \"reason\": \"nothing actionable\", \"suppress_minutes\": 0}\n```", nil)
	defer srv.Close()

	e := modelEval(t, srv.URL)
	st := driveState(model.Drive{Name: "goals", Pressure: 0.1, Weight: 1.0})
	d := e.Evaluate(st, model.SensorReading{}, nil)

	assert.False(t, d.ShouldTrigger)
	assert.Equal(t, "model: nothing actionable", d.Reason)
	assert.Equal(t, 0, e.consecutiveFailures)
}

func TestModelSuppressWindow(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, `{"trigger": false, "reason": "quiet period", "suppress_minutes": 10}`, &calls)
	defer srv.Close()

	e := modelEval(t, srv.URL)
	now := time.Now()
	e.Now = func() time.Time { return now }

	st := driveState(model.Drive{Name: "goals", Pressure: 0.1, Weight: 1.0})
	e.Evaluate(st, model.SensorReading{}, nil)
	require.EqualValues(t, 1, calls.Load())

	// inside the window: no HTTP call at all
	now = now.Add(5 * time.Minute)
	d := e.Evaluate(st, model.SensorReading{}, nil)
	assert.False(t, d.ShouldTrigger)
	assert.Contains(t, d.Reason, "model_suppressed")
	assert.EqualValues(t, 1, calls.Load())

	// window expired: the model is consulted again
	now = now.Add(6 * time.Minute)
	e.Evaluate(st, model.SensorReading{}, nil)
	assert.EqualValues(t, 2, calls.Load())
}

func TestModelSuppressCappedByConfig(t *testing.T) {
	srv := chatServer(t, `{"trigger": false, "reason": "sleep forever", "suppress_minutes": 9999}`, nil)
	defer srv.Close()

	e := modelEval(t, srv.URL)
	now := time.Now()
	e.Now = func() time.Time { return now }

	st := driveState(model.Drive{Name: "goals", Pressure: 0.1, Weight: 1.0})
	e.Evaluate(st, model.SensorReading{}, nil)

	capAt := now.Add(time.Duration(e.cfg.Evaluator.Model.MaxSuppressMinutes) * time.Minute)
	assert.False(t, e.suppressUntil.After(capAt))
}

func TestModelFallsBackToRulesAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := modelEval(t, srv.URL)
	e.cfg.Evaluator.Rules.SingleDriveThreshold = 0.8

	st := driveState(model.Drive{Name: "goals", Pressure: 1.0, Weight: 1.0})
	for i := 0; i < maxConsecutiveFailures; i++ {
		d := e.Evaluate(st, model.SensorReading{}, nil)
		// each failed call still yields a usable rules decision
		assert.True(t, d.ShouldTrigger)
		assert.Contains(t, d.Reason, "fallback_")
	}
	require.Equal(t, maxConsecutiveFailures, e.consecutiveFailures)

	// degraded: evaluate goes straight to rules without touching the
	// failure counter
	d := e.Evaluate(st, model.SensorReading{}, nil)
	assert.Contains(t, d.Reason, "fallback_")
	assert.Equal(t, maxConsecutiveFailures, e.consecutiveFailures)
}

func TestModelRetriesAfterDegradationCooldown(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, `{"trigger": false, "reason": "ok again", "suppress_minutes": 0}`, &calls)
	defer srv.Close()

	e := modelEval(t, srv.URL)
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.consecutiveFailures = maxConsecutiveFailures
	e.lastFailureTime = now.Add(-modelRetryInterval - time.Second)

	st := driveState(model.Drive{Name: "goals", Pressure: 0.1, Weight: 1.0})
	d := e.Evaluate(st, model.SensorReading{}, nil)

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, "model: ok again", d.Reason)
	assert.Equal(t, 0, e.consecutiveFailures)
}

func TestModelInvalidJSONCountsAsFailure(t *testing.T) {
	srv := chatServer(t, "I think you should definitely wake up!", nil)
	defer srv.Close()

	e := modelEval(t, srv.URL)
	st := driveState(model.Drive{Name: "goals", Pressure: 0.1, Weight: 1.0})
	d := e.Evaluate(st, model.SensorReading{}, nil)

	assert.Contains(t, d.Reason, "fallback_")
	assert.Equal(t, 1, e.consecutiveFailures)
}

func TestBuildPromptTruncatesWorkingMemory(t *testing.T) {
	e := modelEval(t, "http://unused")
	big := map[string]any{"notes": make([]any, 0)}
	for i := 0; i < 200; i++ {
		big["notes"] = append(big["notes"].([]any), "a long working memory entry")
	}

	st := driveState(model.Drive{Name: "goals", Pressure: 1.0, Weight: 1.0})
	prompt := e.buildPrompt(st, model.SensorReading{}, big)
	assert.Contains(t, prompt, "... (truncated)")
	assert.Contains(t, prompt, "## Drive States")
}

func TestRecordTriggerTrimsHistory(t *testing.T) {
	e := modelEval(t, "http://unused")
	for i := 0; i < maxHistoryEntries+10; i++ {
		e.RecordTrigger(model.TriggerDecision{Reason: "r", TotalPressure: 1}, true)
	}
	assert.Len(t, e.history, maxHistoryEntries)
}
