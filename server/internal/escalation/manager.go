package escalation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/store"
)

var (
	// ErrPolicyNotFound is returned when starting against an unknown policy id.
	ErrPolicyNotFound = errors.New("escalation policy not found")
	// ErrPolicyDisabled is returned when starting against a disabled policy.
	ErrPolicyDisabled = errors.New("escalation policy disabled")
	// ErrClosed is returned by StartEscalation after Close.
	ErrClosed = errors.New("escalation manager closed")
)

// Manager runs escalation chains.
//
// Manager is safe for concurrent use. Events are published after the
// internal lock is released, so handlers may call back into the manager.
type Manager struct {
	pub      events.Publisher
	clock    clock.Clock
	policies store.Repository[Policy]

	mu     sync.Mutex
	active map[string]*chain // key: alert id
	seq    uint64
	closed bool
}

// chain is the live escalation of one alert. The policy is captured at start
// so edits to a registered policy only affect later escalations.
type chain struct {
	state  State
	alert  types.Alert
	policy Policy
	levels []Level
	idx    int

	timer clock.Timer
	token uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock that drives level timers.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithRepository replaces the in-memory policy store.
func WithRepository(r store.Repository[Policy]) Option {
	return func(m *Manager) { m.policies = r }
}

// New creates a Manager publishing to pub. A nil pub discards events.
func New(pub events.Publisher, opts ...Option) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	m := &Manager{
		pub:      pub,
		clock:    clock.Real(),
		policies: store.NewMap[Policy](),
		active:   make(map[string]*chain),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterPolicy adds or replaces a policy. Running escalations keep the
// version they started with.
func (m *Manager) RegisterPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("escalation: register: %w", err)
	}
	if p.OnExhausted == "" {
		p.OnExhausted = ExhaustIdle
	}
	m.policies.Put(p.ID, p)
	slog.Debug("escalation: policy registered", "policy", p.ID, "levels", len(p.Levels))
	return nil
}

// UnregisterPolicy removes a policy. Running escalations are not affected.
func (m *Manager) UnregisterPolicy(id string) bool {
	return m.policies.Delete(id)
}

// Policy returns a registered policy.
func (m *Manager) Policy(id string) (Policy, bool) {
	return m.policies.Get(id)
}

// PolicyIDs returns the registered policy ids in sorted order.
func (m *Manager) PolicyIDs() []string {
	return m.policies.Keys()
}

// Policies returns all registered policies ordered by id.
func (m *Manager) Policies() []Policy {
	return m.policies.Values()
}

// StartEscalation begins escalating alert under policyID. An escalation
// already running for the alert is cancelled first. The first level fires
// before StartEscalation returns.
func (m *Manager) StartEscalation(alert types.Alert, policyID string) (State, error) {
	p, ok := m.policies.Get(policyID)
	if !ok {
		return State{}, fmt.Errorf("escalation: start %q: %w", policyID, ErrPolicyNotFound)
	}
	if !p.Enabled {
		return State{}, fmt.Errorf("escalation: start %q: %w", policyID, ErrPolicyDisabled)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return State{}, ErrClosed
	}
	var out []events.Event
	now := m.clock.Now()
	if prev, ok := m.active[alert.ID]; ok {
		m.cancelLocked(prev)
		delete(m.active, alert.ID)
		out = append(out, m.stoppedEvent(prev, ReasonRestarted, ""))
	}

	c := &chain{
		alert:  alert.Clone(),
		policy: p,
		levels: p.ordered(),
		state: State{
			AlertID:   alert.ID,
			PolicyID:  p.ID,
			StartedAt: now,
		},
	}
	m.active[alert.ID] = c
	out = append(out, m.triggerLocked(c, 0)...)
	m.mu.Unlock()

	m.publish(out)
	return m.advance(c), nil
}

// triggerLocked fires level idx of c and returns the events to publish.
func (m *Manager) triggerLocked(c *chain, idx int) []events.Event {
	now := m.clock.Now()
	lvl := c.levels[idx]
	c.idx = idx
	c.state.CurrentLevel = lvl.Level
	c.state.LastEscalatedAt = &now
	c.state.NextEscalationAt = nil

	slog.Info("escalation: level triggered",
		"alert", c.state.AlertID, "policy", c.state.PolicyID,
		"level", lvl.Level, "repeat", c.state.RepeatCount)

	out := make([]events.Event, 0, 1+len(lvl.Actions))
	out = append(out, events.Event{Type: events.EscalationTriggered, At: now, Payload: Trigger{
		AlertID:     c.state.AlertID,
		PolicyID:    c.state.PolicyID,
		Level:       lvl.Level,
		RepeatCount: c.state.RepeatCount,
		Recipients:  lvl.Recipients,
		Channels:    lvl.Channels,
		Actions:     lvl.Actions,
		Alert:       c.alert,
	}})
	for _, a := range lvl.Actions {
		out = append(out, events.Event{Type: events.ActionExecute, At: now, Payload: ActionRequest{
			AlertID:    c.state.AlertID,
			PolicyID:   c.state.PolicyID,
			Level:      lvl.Level,
			Action:     a,
			Recipients: lvl.Recipients,
			Channels:   lvl.Channels,
			Alert:      c.alert,
		}})
	}
	return out
}

// advance arms the timer for whatever follows the level c just fired, or
// applies the terminal transition. It runs after the level's events were
// published so a zero-delay timer on the real clock cannot overtake them.
func (m *Manager) advance(c *chain) State {
	m.mu.Lock()
	if m.active[c.state.AlertID] != c {
		st := c.state.clone()
		m.mu.Unlock()
		return st
	}

	var out []events.Event
	next := c.idx + 1
	switch {
	case next < len(c.levels):
		m.scheduleLocked(c, c.levels[next].Delay, next)
	case c.policy.canRepeat(c.state.RepeatCount):
		c.state.RepeatCount++
		m.scheduleLocked(c, c.policy.RepeatInterval, 0)
	default:
		now := m.clock.Now()
		c.state.Exhausted = true
		c.state.NextEscalationAt = nil
		out = append(out, events.Event{Type: events.EscalationCompleted, At: now, Payload: Completed{
			AlertID:     c.state.AlertID,
			PolicyID:    c.state.PolicyID,
			RepeatCount: c.state.RepeatCount,
			Terminal:    c.policy.OnExhausted,
		}})
		slog.Info("escalation: chain exhausted",
			"alert", c.state.AlertID, "policy", c.state.PolicyID, "terminal", c.policy.OnExhausted)
		if c.policy.OnExhausted == ExhaustStop {
			delete(m.active, c.state.AlertID)
			out = append(out, m.stoppedEvent(c, ReasonExhausted, ""))
		}
	}
	st := c.state.clone()
	m.mu.Unlock()

	m.publish(out)
	return st
}

// scheduleLocked cancels any pending timer of c and arms a new one that
// fires level idx after delay.
func (m *Manager) scheduleLocked(c *chain, delay time.Duration, idx int) {
	m.cancelLocked(c)
	due := m.clock.Now().Add(delay)
	c.state.NextEscalationAt = &due

	m.seq++
	token := m.seq
	c.token = token
	c.timer = m.clock.AfterFunc(delay, func() { m.fire(c, token, idx) })
}

func (m *Manager) cancelLocked(c *chain) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.token = 0
}

// fire is the timer callback. Stale tokens are dropped.
func (m *Manager) fire(c *chain, token uint64, idx int) {
	m.mu.Lock()
	if m.closed || m.active[c.state.AlertID] != c || c.token != token {
		m.mu.Unlock()
		return
	}
	c.timer = nil
	c.token = 0
	out := m.triggerLocked(c, idx)
	m.mu.Unlock()

	m.publish(out)
	m.advance(c)
}

// StopEscalation cancels the escalation of alertID and discards its state.
// It returns false when no escalation exists.
func (m *Manager) StopEscalation(alertID string) bool {
	return m.stop(alertID, ReasonStopped, "")
}

// Acknowledge stops the escalation of alertID on behalf of by.
func (m *Manager) Acknowledge(alertID, by string) bool {
	return m.stop(alertID, ReasonAcknowledged, by)
}

func (m *Manager) stop(alertID, reason, by string) bool {
	m.mu.Lock()
	c, ok := m.active[alertID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.cancelLocked(c)
	delete(m.active, alertID)
	ev := m.stoppedEvent(c, reason, by)
	m.mu.Unlock()

	slog.Info("escalation: stopped", "alert", alertID, "reason", reason, "by", by)
	m.pub.Publish(ev)
	return true
}

func (m *Manager) stoppedEvent(c *chain, reason, by string) events.Event {
	return events.Event{Type: events.EscalationStopped, At: m.clock.Now(), Payload: Stopped{
		AlertID:  c.state.AlertID,
		PolicyID: c.state.PolicyID,
		Reason:   reason,
		By:       by,
	}}
}

// State returns the escalation state of alertID.
func (m *Manager) State(alertID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[alertID]
	if !ok {
		return State{}, false
	}
	return c.state.clone(), true
}

// States returns every live escalation ordered by alert id.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.active))
	for _, c := range m.active {
		out = append(out, c.state.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertID < out[j].AlertID })
	return out
}

// Close cancels every pending timer and discards all states. Later calls to
// StartEscalation fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]events.Event, 0, len(ids))
	for _, id := range ids {
		c := m.active[id]
		m.cancelLocked(c)
		delete(m.active, id)
		out = append(out, m.stoppedEvent(c, ReasonClosed, ""))
	}
	m.mu.Unlock()
	m.publish(out)
}

func (m *Manager) publish(out []events.Event) {
	for _, e := range out {
		m.pub.Publish(e)
	}
}
