// Package daemon orchestrates the tick loop: sense, accumulate drive
// pressure, gate, trigger, absorb feedback, apply mutations, persist.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/openpulse/pulse/bus"
	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/drives"
	"github.com/openpulse/pulse/evaluator"
	"github.com/openpulse/pulse/evolution"
	"github.com/openpulse/pulse/model"
	"github.com/openpulse/pulse/sensors"
	"github.com/openpulse/pulse/state"
	"github.com/openpulse/pulse/trigger"
)

// overrideTotalPressure and overrideIdle gate the high-pressure escape
// hatch: when everything is screaming and nothing has happened for half
// an hour, trigger even if the gate said no.
const (
	overrideTotalPressure = 10.0
	overrideIdle          = 30 * time.Minute
)

// Daemon owns every organ and runs the loop.
type Daemon struct {
	cfg        *config.Config
	st         *state.Store
	broadcast  *bus.Broadcast
	engine     *drives.Engine
	sensors    *sensors.Manager
	eval       evaluator.Evaluator
	dispatcher *trigger.Dispatcher
	mutator    *evolution.Mutator
	plasticity *evolution.Plasticity
	feedback   *Feedback
	events     *Events
	nervous    *NervousSystem
	metrics    *Metrics

	// mu guards the engine and last snapshot against the health
	// surface's feedback handler, which runs off-loop.
	mu        sync.Mutex
	lastState model.DriveState

	startTime    time.Time
	lastHintTime time.Time
	running      bool

	Now func() time.Time
}

// New wires a daemon from config. Nothing is started yet.
func New(cfg *config.Config) *Daemon {
	stateDir := cfg.State.ExpandedDir()

	// unconfigured watcher falls back to the workspace itself
	if cfg.Sensors.Filesystem.Enabled && len(cfg.Sensors.Filesystem.WatchPaths) == 0 {
		cfg.Sensors.Filesystem.WatchPaths = []string{config.ExpandHome(cfg.Workspace.Root)}
	}

	st := state.NewStore(stateDir, time.Duration(cfg.State.SaveInterval)*time.Second)
	broadcast := bus.New(stateDir)
	engine := drives.NewEngine(cfg)
	sensorMgr := sensors.NewManager(cfg)
	mutator := evolution.NewMutator(cfg, engine, st)
	plasticity := evolution.NewPlasticity(evolution.DefaultPlasticityConfig(), stateDir, mutator.Audit())

	d := &Daemon{
		cfg:        cfg,
		st:         st,
		broadcast:  broadcast,
		engine:     engine,
		sensors:    sensorMgr,
		eval:       evaluator.New(cfg),
		dispatcher: trigger.NewDispatcher(cfg),
		mutator:    mutator,
		plasticity: plasticity,
		events:     NewEvents(),
		nervous:    NewNervousSystem(),
		metrics:    NewMetrics(),
		Now:        time.Now,
	}
	d.feedback = NewFeedback(engine, st, plasticity)

	plasticity.Weights = func() map[string]float64 {
		weights := make(map[string]float64)
		for _, name := range engine.Names() {
			weights[name] = engine.Drive(name).Weight
		}
		return weights
	}

	markSelfWrite := func(path string) {
		if fs := sensorMgr.Filesystem(); fs != nil {
			fs.MarkSelfWrite(path)
		}
	}
	st.SelfWriteHook = markSelfWrite

	d.nervous.Register(NewCircadian(stateDir, broadcast))
	d.nervous.Register(NewMood(cfg.Workspace.ResolvePath(cfg.Workspace.Emotions)))

	chronicle := NewChronicle(cfg.Workspace.ResolvePath("notes"), markSelfWrite)
	d.events.Subscribe(chronicle.Handle)

	return d
}

// Register adds a nervous-system subsystem before Run.
func (d *Daemon) Register(s Subsystem) {
	d.nervous.Register(s)
}

// Events exposes the internal bus for additional subscribers.
func (d *Daemon) Events() *Events {
	return d.events
}

// Run starts the daemon and blocks until a shutdown signal or context
// cancellation. It holds the PID lock for its whole lifetime.
func (d *Daemon) Run(ctx context.Context) error {
	pidPath := config.ExpandHome(d.cfg.Daemon.PIDFile)
	pid, err := AcquirePIDLock(pidPath)
	if err != nil {
		return err
	}
	defer pid.Release()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.restore()
	d.sensors.Start()

	health := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", d.cfg.Daemon.HealthPort),
		Handler: d.Router(),
	}
	go func() {
		if err := health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("pulse: health server: %v", err)
		}
	}()

	d.startTime = d.Now()
	d.running = true
	log.Printf("pulse: daemon running (pid %d, %d drives, evaluator=%s)",
		os.Getpid(), d.engine.Count(), d.cfg.Evaluator.Mode)

	interval := d.cfg.LoopInterval()
	for {
		tickStart := d.Now()
		d.tick(ctx)

		remaining := interval - d.Now().Sub(tickStart)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-ctx.Done():
			d.shutdown(health)
			return nil
		case <-time.After(remaining):
		}
	}
}

func (d *Daemon) shutdown(health *http.Server) {
	d.running = false
	log.Println("pulse: shutting down")

	d.sensors.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(d.cfg.Daemon.ShutdownTimeout)*time.Second)
	defer cancel()
	health.Shutdown(shutdownCtx)

	d.mu.Lock()
	d.st.Set("drives", d.engine.SaveState())
	if err := d.st.Save(); err != nil {
		log.Printf("pulse: final save failed: %v", err)
	}
	d.mu.Unlock()
	log.Println("pulse: stopped")
}

// restore rebuilds runtime state in the required order: snapshot, then
// drives, then config overrides, before anything else runs.
func (d *Daemon) restore() {
	d.st.Load()
	d.engine.RestoreState(d.st)
	d.applyConfigOverrides()

	if ts, ok := d.st.Get("last_trigger_time").(float64); ok && ts > 0 {
		d.dispatcher.Restore(time.Unix(int64(ts), 0))
	}
}

// applyConfigOverrides re-applies mutations that outlived a restart.
func (d *Daemon) applyConfigOverrides() {
	overrides := d.st.GetMap("config_overrides")
	if overrides == nil {
		return
	}
	if v, ok := asFloat(overrides["trigger_threshold"]); ok {
		d.cfg.Drives.TriggerThreshold = v
	}
	if v, ok := asFloat(overrides["pressure_rate"]); ok {
		d.cfg.Drives.PressureRate = v
	}
	if v, ok := asFloat(overrides["min_trigger_interval"]); ok {
		d.cfg.Webhook.MinTriggerInterval = int(v)
	}
	if v, ok := asFloat(overrides["max_turns_per_hour"]); ok {
		d.cfg.Webhook.MaxTurnsPerHour = int(v)
	}
	log.Printf("pulse: re-applied %d config overrides", len(overrides))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// tick runs one loop iteration. A panic in any phase is logged and the
// loop moves on; only the process signals stop it.
func (d *Daemon) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pulse: tick panicked: %v", r)
		}
	}()

	reading := d.sensors.Read(ctx)
	hookCtx := d.nervous.PreSense(reading)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.engine.RefreshSources()
	ds := d.engine.Tick(reading)
	d.lastState = ds

	hookCtx = hookCtx.merge(d.nervous.PreEvaluate(ds, reading))

	decision := d.eval.Evaluate(ds, reading, d.readWorkingMemory())
	if strings.HasPrefix(decision.Reason, "fallback_") {
		d.metrics.EvaluatorFallback.Inc()
	}

	// Escape hatch: sustained high pressure with a long-idle agent
	// overrides a reluctant gate.
	idle := d.idleTime()
	if !decision.ShouldTrigger &&
		ds.TotalPressure > overrideTotalPressure &&
		ds.MaxIndividual() > d.cfg.Drives.OverrideMinIndividualPressure &&
		idle > overrideIdle {
		decision.ShouldTrigger = true
		decision.Reason = fmt.Sprintf("high_pressure_override: total=%.1f idle=%.0fs",
			ds.TotalPressure, idle.Seconds())
		log.Printf("pulse: %s", decision.Reason)
	}

	// An active conversation is a hard suppressor, above everything.
	if decision.ShouldTrigger {
		if conv := reading.Conversation(); conv.Active {
			log.Println("pulse: trigger suppressed: conversation active")
			decision.ShouldTrigger = false
		} else if hookCtx.ShouldPause {
			log.Printf("pulse: trigger suppressed by subsystem: %s", hookCtx.PauseReason)
			decision.ShouldTrigger = false
		}
	}

	switch {
	case decision.ShouldTrigger && d.dispatcher.CanTrigger():
		decision.ToneHint = hookCtx.ToneHint
		d.dispatchTurn(ctx, decision, ds)
	case decision.RecommendGenerate:
		d.maybeGenerateHint(decision)
	}

	if updates, consumed := d.feedback.ProcessFile(d.st.Dir()); consumed {
		log.Printf("pulse: processed turn result: %d drives updated", len(updates))
	}

	d.processMutations()

	d.nervous.PostLoop()
	if d.nervous.CheckNightMode(ds) {
		d.nervous.RunREMSession(ds)
	}

	d.st.Set("drives", d.engine.SaveState())
	if err := d.st.MaybeSave(); err != nil {
		log.Printf("pulse: save failed: %v", err)
	}

	d.metrics.Ticks.Inc()
	d.metrics.TotalPressure.Set(ds.TotalPressure)
}

func (d *Daemon) idleTime() time.Duration {
	last := d.dispatcher.LastTrigger()
	if last.IsZero() {
		return 100 * time.Hour // never triggered
	}
	return d.Now().Sub(last)
}

// dispatchTurn sends the webhook and routes the outcome everywhere it
// needs to go. Exactly one success or failure event results.
func (d *Daemon) dispatchTurn(ctx context.Context, decision model.TriggerDecision, ds model.DriveState) {
	// The POST can block for the full dispatch timeout; the health
	// surface must not stall behind it.
	d.mu.Unlock()
	success := d.dispatcher.Dispatch(ctx, decision)
	d.mu.Lock()

	d.st.Set("last_trigger_time", float64(d.Now().UnixMilli())/1000)

	eventType := EventTriggerFailure
	outcome := "failure"
	if success {
		d.engine.OnTriggerSuccess(decision)
		eventType = EventTriggerSuccess
		outcome = "success"
	} else {
		d.engine.OnTriggerFailure(decision)
	}

	d.eval.RecordTrigger(decision, success)
	if err := d.st.LogTrigger(decision, success); err != nil {
		log.Printf("pulse: trigger history append failed: %v", err)
	}
	d.events.Publish(Event{Type: eventType, Decision: &decision})
	d.nervous.PostTrigger(decision, success)
	d.metrics.Triggers.WithLabelValues(outcome).Inc()

	if err := d.broadcast.Append(model.BroadcastEvent{
		Source:   "pulse",
		Type:     "trigger",
		Salience: math.Min(1.0, ds.TotalPressure/10.0),
		Data: map[string]any{
			"reason":  decision.Reason,
			"success": success,
		},
	}); err != nil {
		log.Printf("pulse: trigger broadcast failed: %v", err)
	}
}

// maybeGenerateHint records a task-synthesis nudge when the gate
// declined but pressure is close. Rate-limited so the hint is not
// rewritten every tick.
func (d *Daemon) maybeGenerateHint(decision model.TriggerDecision) {
	if !d.cfg.Generative.Enabled {
		return
	}
	minIdle := time.Duration(d.cfg.Generative.MinIdleMinutes) * time.Minute
	if !d.lastHintTime.IsZero() && d.Now().Sub(d.lastHintTime) < minIdle {
		return
	}
	d.lastHintTime = d.Now()

	hint := map[string]any{
		"reason":         decision.Reason,
		"top_drive":      decision.TopDriveName(),
		"total_pressure": decision.TotalPressure,
		"max_tasks":      d.cfg.Generative.MaxTasks,
		"ts":             float64(d.Now().UnixMilli()) / 1000,
	}
	d.st.Set("generated_hint", hint)
	if err := d.broadcast.Append(model.BroadcastEvent{
		Source:   "pulse",
		Type:     "tasks_recommended",
		Salience: 0.4,
		Data:     hint,
	}); err != nil {
		log.Printf("pulse: hint broadcast failed: %v", err)
	}
	log.Printf("pulse: generate hint recorded (top drive %s)", decision.TopDriveName())
}

// processMutations drains the queue and persists the aftermath.
func (d *Daemon) processMutations() {
	results := d.mutator.ProcessQueue()
	if len(results) == 0 {
		return
	}
	for i := range results {
		d.metrics.Mutations.WithLabelValues(results[i].Status).Inc()
		if results[i].Status == model.MutationApplied {
			d.events.Publish(Event{Type: EventMutationApplied, Mutation: &results[i]})
		}
	}
	d.st.Set("drives", d.engine.SaveState())
	if err := d.st.Save(); err != nil {
		log.Printf("pulse: post-mutation save failed: %v", err)
	}
}

// readWorkingMemory loads the agent's working-memory file for the
// evaluator prompt. Missing or malformed content means no context.
func (d *Daemon) readWorkingMemory() map[string]any {
	path := d.cfg.Workspace.ResolvePath(d.cfg.Workspace.WorkingMemory)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var wm map[string]any
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil
	}
	return wm
}

// ApplyFeedback is the HTTP channel into the shared feedback handler.
func (d *Daemon) ApplyFeedback(msg model.FeedbackMessage) map[string]model.FeedbackUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.feedback.Apply(msg)
}
