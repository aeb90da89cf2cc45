package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpulse/pulse/model"
)

func TestEventsDeliverInOrder(t *testing.T) {
	e := NewEvents()
	var seen []string
	e.Subscribe(func(evt Event) { seen = append(seen, "first:"+evt.Type) })
	e.Subscribe(func(evt Event) { seen = append(seen, "second:"+evt.Type) })

	e.Publish(Event{Type: EventTriggerSuccess})

	require.Len(t, seen, 2)
	assert.Equal(t, "first:"+EventTriggerSuccess, seen[0])
	assert.Equal(t, "second:"+EventTriggerSuccess, seen[1])
}

func TestEventsAssignID(t *testing.T) {
	e := NewEvents()
	var got Event
	e.Subscribe(func(evt Event) { got = evt })

	e.Publish(Event{Type: EventTriggerFailure})
	assert.NotEmpty(t, got.ID)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	e := NewEvents()
	var delivered bool
	e.Subscribe(func(Event) { panic("broken subscriber") })
	e.Subscribe(func(Event) { delivered = true })

	assert.NotPanics(t, func() {
		e.Publish(Event{Type: EventMutationApplied, Mutation: &model.MutationResult{}})
	})
	assert.True(t, delivered)
}
