package daemon

import (
	"log"

	"github.com/openpulse/pulse/model"
)

// HookContext is what a subsystem contributes to one tick. ShouldPause
// suppresses triggering for the tick, like an active conversation does;
// ToneHint is appended to the trigger message.
type HookContext struct {
	ShouldPause bool
	PauseReason string
	ToneHint    string
}

func (c HookContext) merge(other HookContext) HookContext {
	if other.ShouldPause {
		c.ShouldPause = true
		if c.PauseReason == "" {
			c.PauseReason = other.PauseReason
		}
	}
	if c.ToneHint == "" {
		c.ToneHint = other.ToneHint
	}
	return c
}

// Subsystem is one nervous-system organ. The loop calls the hooks in a
// fixed order each tick; every call is isolated so a broken subsystem
// cannot crash the loop.
type Subsystem interface {
	Name() string
	PreSense(reading model.SensorReading) HookContext
	PreEvaluate(ds model.DriveState, reading model.SensorReading) HookContext
	PostTrigger(decision model.TriggerDecision, success bool)
	PostLoop()
	CheckNightMode(ds model.DriveState) bool
	RunREMSession(ds model.DriveState)
}

// BaseSubsystem is a no-op Subsystem for embedding; concrete subsystems
// override only the hooks they care about.
type BaseSubsystem struct{}

func (BaseSubsystem) PreSense(model.SensorReading) HookContext { return HookContext{} }
func (BaseSubsystem) PreEvaluate(model.DriveState, model.SensorReading) HookContext {
	return HookContext{}
}
func (BaseSubsystem) PostTrigger(model.TriggerDecision, bool) {}
func (BaseSubsystem) PostLoop()                               {}
func (BaseSubsystem) CheckNightMode(model.DriveState) bool    { return false }
func (BaseSubsystem) RunREMSession(model.DriveState)          {}

// NervousSystem fans the hook points out across registered subsystems.
type NervousSystem struct {
	subs []Subsystem
}

// NewNervousSystem returns an empty hook registry.
func NewNervousSystem() *NervousSystem {
	return &NervousSystem{}
}

// Register adds a subsystem. Hooks run in registration order.
func (n *NervousSystem) Register(s Subsystem) {
	n.subs = append(n.subs, s)
}

// Names lists registered subsystems for the health surface.
func (n *NervousSystem) Names() []string {
	names := make([]string, 0, len(n.subs))
	for _, s := range n.subs {
		names = append(names, s.Name())
	}
	return names
}

func (n *NervousSystem) safeCall(s Subsystem, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pulse: subsystem %s panicked in %s: %v", s.Name(), hook, r)
		}
	}()
	fn()
}

// PreSense runs before the drive tick sees sensor data.
func (n *NervousSystem) PreSense(reading model.SensorReading) HookContext {
	var ctx HookContext
	for _, s := range n.subs {
		n.safeCall(s, "pre_sense", func() {
			ctx = ctx.merge(s.PreSense(reading))
		})
	}
	return ctx
}

// PreEvaluate runs after the drive tick, before the gate.
func (n *NervousSystem) PreEvaluate(ds model.DriveState, reading model.SensorReading) HookContext {
	var ctx HookContext
	for _, s := range n.subs {
		n.safeCall(s, "pre_evaluate", func() {
			ctx = ctx.merge(s.PreEvaluate(ds, reading))
		})
	}
	return ctx
}

// PostTrigger runs after a dispatch attempt with its outcome.
func (n *NervousSystem) PostTrigger(decision model.TriggerDecision, success bool) {
	for _, s := range n.subs {
		n.safeCall(s, "post_trigger", func() {
			s.PostTrigger(decision, success)
		})
	}
}

// PostLoop runs at the end of every tick.
func (n *NervousSystem) PostLoop() {
	for _, s := range n.subs {
		n.safeCall(s, "post_loop", func() {
			s.PostLoop()
		})
	}
}

// CheckNightMode reports whether any subsystem declares night mode.
func (n *NervousSystem) CheckNightMode(ds model.DriveState) bool {
	night := false
	for _, s := range n.subs {
		n.safeCall(s, "check_night_mode", func() {
			if s.CheckNightMode(ds) {
				night = true
			}
		})
	}
	return night
}

// RunREMSession offers every subsystem a consolidation pass.
func (n *NervousSystem) RunREMSession(ds model.DriveState) {
	for _, s := range n.subs {
		n.safeCall(s, "run_rem_session", func() {
			s.RunREMSession(ds)
		})
	}
}
