// Package events is the signal bus shared by the engine components.
//
// Components publish typed events; collaborators (the alerting manager, the
// websocket hub, the NATS sink, metrics) register observers with Subscribe.
// Delivery is synchronous and in subscription order, so a test can attach a
// Recorder and assert the exact sequence of signals a call produced.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names a signal, e.g. "escalation:triggered".
type Type string

const (
	RuleRegistered   Type = "rule:registered"
	RuleUnregistered Type = "rule:unregistered"
	RuleMatched      Type = "rule:matched"
	RuleCleared      Type = "rule:cleared"

	ThresholdAdded     Type = "threshold:added"
	ThresholdRemoved   Type = "threshold:removed"
	ThresholdBreached  Type = "threshold:breached"
	ThresholdRecovered Type = "threshold:recovered"

	EscalationTriggered Type = "escalation:triggered"
	ActionExecute       Type = "action:execute"
	EscalationStopped   Type = "escalation:stopped"
	EscalationCompleted Type = "escalation:completed"

	IncidentCreated  Type = "incident:created"
	IncidentUpdated  Type = "incident:updated"
	IncidentTimeline Type = "incident:timeline"

	ScheduleRegistered Type = "schedule:registered"
	OverrideAdded      Type = "override:added"
	OverrideRemoved    Type = "override:removed"

	AlertRaised    Type = "alert:raised"
	AlertUpdated   Type = "alert:updated"
	AlertResolved  Type = "alert:resolved"
	NotifyDispatch Type = "notify:dispatch"
)

// Event is one published signal. Payload holds a value type owned by the
// publishing package (for example threshold.Breach or escalation.Trigger).
type Event struct {
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Handler observes events.
type Handler func(Event)

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id int
	fn Handler
}

// Bus fans events out to registered handlers.
//
// Bus is safe for concurrent use. Handlers run on the publishing goroutine
// and may themselves publish or (un)subscribe.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it again.
// The returned function is idempotent.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e to every handler registered at the time of the call.
// A handler that panics is logged and skipped; the remaining handlers still
// receive the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, e)
	}
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func deliver(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("events: handler panicked", "type", e.Type, "panic", r)
		}
	}()
	fn(e)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
