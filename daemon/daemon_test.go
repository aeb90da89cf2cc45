package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/evolution"
	"github.com/openpulse/pulse/model"
)

// countingWebhook is a webhook endpoint that records received posts.
func countingWebhook(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestDaemon(t *testing.T, webhookURL string, mutate func(*config.Config)) *Daemon {
	t.Helper()
	cfg := config.Default()
	cfg.State.Dir = t.TempDir()
	cfg.Workspace.Root = t.TempDir()
	cfg.Daemon.PIDFile = filepath.Join(cfg.State.Dir, "pulse.pid")
	cfg.Sensors.Filesystem.Enabled = false
	cfg.Sensors.System.Enabled = false
	cfg.Webhook.URL = webhookURL
	cfg.Webhook.MinTriggerInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	d := New(cfg)
	d.restore()
	return d
}

func TestTickDispatchesWhenDriveCrossesThreshold(t *testing.T) {
	srv, calls := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)

	d.engine.Drive("goals").Pressure = 0.9
	d.tick(context.Background())

	assert.Equal(t, int64(1), calls.Load())
	// success decay fired and the drive was marked addressed
	assert.Less(t, d.engine.Drive("goals").Pressure, 0.9)
	assert.Greater(t, d.engine.Drive("goals").LastAddressed, 0.0)

	stats := d.st.GetTriggerStats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Succeeded)
}

func TestQuietTickDoesNotDispatch(t *testing.T) {
	srv, calls := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)

	d.tick(context.Background())
	assert.Equal(t, int64(0), calls.Load())
}

func TestActiveConversationSuppressesTrigger(t *testing.T) {
	srv, calls := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)

	// a large, freshly-touched transcript means the human is talking
	sessions := t.TempDir()
	transcript := filepath.Join(sessions, "main.jsonl")
	require.NoError(t, os.WriteFile(transcript, make([]byte, 100_001), 0o600))
	d.sensors.Conversation().SessionDirs = []string{sessions}

	d.engine.Drive("goals").Pressure = 5.0
	d.engine.Drive("curiosity").Pressure = 5.0
	d.tick(context.Background())

	assert.Equal(t, int64(0), calls.Load())
	// pressure is untouched beyond time accumulation
	assert.GreaterOrEqual(t, d.engine.Drive("goals").Pressure, 5.0)
}

func TestHighPressureOverrideForcesTrigger(t *testing.T) {
	srv, calls := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, func(cfg *config.Config) {
		cfg.Drives.Categories = map[string]config.DriveCategory{
			"a": {Weight: 1.0}, "b": {Weight: 1.0}, "c": {Weight: 1.0},
			"d": {Weight: 1.0}, "e": {Weight: 1.0}, "f": {Weight: 1.0},
		}
		// rules alone would never fire at these thresholds
		cfg.Evaluator.Rules.SingleDriveThreshold = 3.0
		cfg.Evaluator.Rules.CombinedThreshold = 15.0
		cfg.Drives.TriggerThreshold = 15.0
	})

	for _, name := range d.engine.Names() {
		d.engine.Drive(name).Pressure = 2.0
	}
	d.tick(context.Background())

	assert.Equal(t, int64(1), calls.Load())
	stats := d.st.GetTriggerStats()
	require.Equal(t, 1, stats.Total)

	events := d.broadcast.ByType("trigger", 5)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Data["reason"], "high_pressure_override")
}

func TestSubsystemPauseSuppressesTrigger(t *testing.T) {
	srv, calls := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)
	d.Register(&stubSubsystem{name: "inhibitor", pause: true})

	d.engine.Drive("goals").Pressure = 2.0
	d.tick(context.Background())
	assert.Equal(t, int64(0), calls.Load())
}

func TestToneHintReachesWebhookMessage(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			body = payload.Message
		}
	}))
	defer srv.Close()

	d := newTestDaemon(t, srv.URL, nil)
	d.Register(&stubSubsystem{name: "mood", tone: "keep it gentle"})

	d.engine.Drive("goals").Pressure = 2.0
	d.tick(context.Background())
	assert.Contains(t, body, "keep it gentle")
}

func TestFailedDispatchBoostsTopDrive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDaemon(t, srv.URL, nil)
	d.engine.Drive("goals").Pressure = 2.0
	d.tick(context.Background())

	assert.Greater(t, d.engine.Drive("goals").Pressure, 2.0)
	stats := d.st.GetTriggerStats()
	assert.Equal(t, 1, stats.Failed)
}

func TestStatusRespondsWhileDispatchInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer srv.Close()

	d := newTestDaemon(t, srv.URL, nil)
	d.engine.Drive("goals").Pressure = 2.0

	done := make(chan struct{})
	go func() {
		d.tick(context.Background())
		close(done)
	}()
	<-started

	// the webhook is still holding the POST open; /status must answer
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	close(release)
	<-done
}

func TestMutationQueueProcessedDuringTick(t *testing.T) {
	srv, _ := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)

	weight := 1.2
	require.NoError(t, evolution.Enqueue(d.mutator.QueuePath(), model.MutationCommand{
		Type: model.MutAdjustWeight, Drive: "curiosity", Value: &weight, Reason: "test",
	}))

	var applied []Event
	d.events.Subscribe(func(evt Event) {
		if evt.Type == EventMutationApplied {
			applied = append(applied, evt)
		}
	})

	d.tick(context.Background())

	assert.Equal(t, 1.2, d.engine.Drive("curiosity").Weight)
	require.Len(t, applied, 1)
	assert.Equal(t, model.MutAdjustWeight, applied[0].Mutation.Type)

	// the chronicle subscriber picked it up too
	notes, err := os.ReadDir(d.cfg.Workspace.ResolvePath("notes"))
	require.NoError(t, err)
	require.NotEmpty(t, notes)
}

func TestFeedbackFileProcessedDuringTick(t *testing.T) {
	srv, _ := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)
	d.engine.Drive("goals").Pressure = 2.0

	path := filepath.Join(d.st.Dir(), feedbackFileName)
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"drives_addressed":["goals"],"outcome":"success"}`), 0o600))

	d.tick(context.Background())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Less(t, d.engine.Drive("goals").Pressure, 2.0)
}

func TestGenerateHintWhenGateDeclines(t *testing.T) {
	srv, calls := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)

	// close to the combined threshold but below every trigger bar
	d.engine.Drive("goals").Pressure = 0.6
	d.tick(context.Background())

	assert.Equal(t, int64(0), calls.Load())
	hint, ok := d.st.Get("generated_hint").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "goals", hint["top_drive"])

	events := d.broadcast.ByType("tasks_recommended", 5)
	assert.Len(t, events, 1)

	// rate limited: the next tick does not rewrite the hint
	d.tick(context.Background())
	assert.Len(t, d.broadcast.ByType("tasks_recommended", 5), 1)
}

func TestConfigOverridesReapplyOnRestore(t *testing.T) {
	srv, _ := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)

	d.st.Set("config_overrides", map[string]any{
		"trigger_threshold":    0.55,
		"pressure_rate":        0.02,
		"min_trigger_interval": float64(120),
		"max_turns_per_hour":   float64(4),
	})
	d.applyConfigOverrides()

	assert.Equal(t, 0.55, d.cfg.Drives.TriggerThreshold)
	assert.Equal(t, 0.02, d.cfg.Drives.PressureRate)
	assert.Equal(t, 120, d.cfg.Webhook.MinTriggerInterval)
	assert.Equal(t, 4, d.cfg.Webhook.MaxTurnsPerHour)
}

func TestLastTriggerTimeSurvivesRestart(t *testing.T) {
	srv, _ := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, func(cfg *config.Config) {
		cfg.Webhook.MinTriggerInterval = 600
	})
	d.dispatcher.Now = time.Now

	// min interval is checked only once a trigger time exists
	require.True(t, d.dispatcher.CanTrigger())
	d.engine.Drive("goals").Pressure = 0.9
	d.tick(context.Background())
	require.NoError(t, d.st.Save())

	d2 := New(d.cfg)
	d2.restore()
	assert.False(t, d2.dispatcher.LastTrigger().IsZero())
	assert.False(t, d2.dispatcher.CanTrigger())
}

func TestTickSurvivesPanickingPhase(t *testing.T) {
	srv, _ := countingWebhook(t)
	d := newTestDaemon(t, srv.URL, nil)
	d.eval = panickingEvaluator{}

	assert.NotPanics(t, func() { d.tick(context.Background()) })
}

type panickingEvaluator struct{}

func (panickingEvaluator) Evaluate(model.DriveState, model.SensorReading, map[string]any) model.TriggerDecision {
	panic("evaluator exploded")
}
func (panickingEvaluator) RecordTrigger(model.TriggerDecision, bool) {}
