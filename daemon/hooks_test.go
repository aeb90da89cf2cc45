package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openpulse/pulse/model"
)

type stubSubsystem struct {
	BaseSubsystem
	name        string
	pause       bool
	tone        string
	night       bool
	remRuns     int
	postLoops   int
	postTrigger int
	panicIn     string
}

func (s *stubSubsystem) Name() string { return s.name }

func (s *stubSubsystem) PreSense(model.SensorReading) HookContext {
	if s.panicIn == "pre_sense" {
		panic("boom")
	}
	return HookContext{}
}

func (s *stubSubsystem) PreEvaluate(model.DriveState, model.SensorReading) HookContext {
	if s.panicIn == "pre_evaluate" {
		panic("boom")
	}
	return HookContext{ShouldPause: s.pause, PauseReason: s.name, ToneHint: s.tone}
}

func (s *stubSubsystem) PostTrigger(model.TriggerDecision, bool) { s.postTrigger++ }
func (s *stubSubsystem) PostLoop()                               { s.postLoops++ }
func (s *stubSubsystem) CheckNightMode(model.DriveState) bool    { return s.night }
func (s *stubSubsystem) RunREMSession(model.DriveState)          { s.remRuns++ }

func TestHookContextsMerge(t *testing.T) {
	n := NewNervousSystem()
	n.Register(&stubSubsystem{name: "quiet"})
	n.Register(&stubSubsystem{name: "pauser", pause: true})
	n.Register(&stubSubsystem{name: "toner", tone: "keep it light"})

	ctx := n.PreEvaluate(model.DriveState{}, nil)
	assert.True(t, ctx.ShouldPause)
	assert.Equal(t, "pauser", ctx.PauseReason)
	assert.Equal(t, "keep it light", ctx.ToneHint)
}

func TestPanickingSubsystemDoesNotStopOthers(t *testing.T) {
	n := NewNervousSystem()
	n.Register(&stubSubsystem{name: "broken", panicIn: "pre_evaluate"})
	healthy := &stubSubsystem{name: "healthy", tone: "still here"}
	n.Register(healthy)

	var ctx HookContext
	assert.NotPanics(t, func() {
		ctx = n.PreEvaluate(model.DriveState{}, nil)
	})
	assert.Equal(t, "still here", ctx.ToneHint)

	n.PostLoop()
	assert.Equal(t, 1, healthy.postLoops)
}

func TestNightModeIsAnyTrue(t *testing.T) {
	n := NewNervousSystem()
	day := &stubSubsystem{name: "day"}
	n.Register(day)
	assert.False(t, n.CheckNightMode(model.DriveState{}))

	n.Register(&stubSubsystem{name: "night", night: true})
	assert.True(t, n.CheckNightMode(model.DriveState{}))
}

func TestCircadianNightWindow(t *testing.T) {
	c := NewCircadian(t.TempDir(), nil)
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }

	assert.True(t, c.CheckNightMode(model.DriveState{}))
	ctx := c.PreEvaluate(model.DriveState{}, nil)
	assert.True(t, ctx.ShouldPause)
	assert.Equal(t, "night_mode", ctx.PauseReason)

	now = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	assert.False(t, c.CheckNightMode(model.DriveState{}))
	assert.False(t, c.PreEvaluate(model.DriveState{}, nil).ShouldPause)
}

func TestCircadianREMOncePerNight(t *testing.T) {
	dir := t.TempDir()
	c := NewCircadian(dir, nil)
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }

	c.RunREMSession(model.DriveState{})
	first := c.lastREM
	assert.False(t, first.IsZero())

	// an hour later, still the same night
	now = now.Add(time.Hour)
	c.RunREMSession(model.DriveState{})
	assert.Equal(t, first, c.lastREM)

	// next night, and a new instance restores the persisted stamp
	c2 := NewCircadian(dir, nil)
	c2.Now = c.Now
	assert.Equal(t, first.Unix(), c2.lastREM.Unix())
	now = now.Add(24 * time.Hour)
	c2.RunREMSession(model.DriveState{})
	assert.NotEqual(t, first.Unix(), c2.lastREM.Unix())
}

func TestCircadianSkipsREMOutsideWindow(t *testing.T) {
	c := NewCircadian(t.TempDir(), nil)
	c.Now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	c.RunREMSession(model.DriveState{})
	assert.True(t, c.lastREM.IsZero())
}
