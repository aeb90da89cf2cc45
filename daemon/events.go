package daemon

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/openpulse/pulse/model"
)

// Internal event types. These are in-process side-effect hooks, not
// broadcast-bus events.
const (
	EventTriggerSuccess  = "TRIGGER_SUCCESS"
	EventTriggerFailure  = "TRIGGER_FAILURE"
	EventMutationApplied = "MUTATION_APPLIED"
)

// Event is one internal occurrence handed to subscribers.
type Event struct {
	ID       string
	Type     string
	Decision *model.TriggerDecision
	Mutation *model.MutationResult
	Data     map[string]any
}

// Events is a synchronous in-process pub/sub. Subscribers run inline on
// the loop goroutine; a panicking subscriber is isolated and logged.
type Events struct {
	mu   sync.Mutex
	subs []func(Event)
}

// NewEvents returns an empty event bus.
func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers a handler for all events.
func (e *Events) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Publish delivers evt to every subscriber, assigning an ID if absent.
func (e *Events) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	e.mu.Lock()
	subs := make([]func(Event), len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("pulse: event subscriber panicked on %s: %v", evt.Type, r)
				}
			}()
			fn(evt)
		}()
	}
}
