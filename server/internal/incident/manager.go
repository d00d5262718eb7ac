package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/store"
)

// Defaults for the closed-incident retention loop.
const (
	DefaultRetention     = 24 * time.Hour
	DefaultPruneInterval = time.Minute
)

var (
	// ErrNotFound is returned for an unknown incident id.
	ErrNotFound = errors.New("incident not found")
	// ErrAlertLinked is returned when an alert already belongs to another incident.
	ErrAlertLinked = errors.New("alert already linked to an incident")
)

// Manager owns the incident store.
//
// Manager is safe for concurrent use. Events are published after the
// internal lock is released.
type Manager struct {
	pub           events.Publisher
	clock         clock.Clock
	retention     time.Duration
	pruneInterval time.Duration

	mu        sync.Mutex
	incidents *store.Map[Incident]
	byAlert   map[string]string // alert id -> incident id
	seq       int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps and pruning.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithRetention sets how long closed incidents are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.retention = d
		}
	}
}

// WithPruneInterval sets the Run loop period.
func WithPruneInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pruneInterval = d
		}
	}
}

// New creates a Manager publishing to pub. A nil pub discards events.
func New(pub events.Publisher, opts ...Option) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	m := &Manager{
		pub:           pub,
		clock:         clock.Real(),
		retention:     DefaultRetention,
		pruneInterval: DefaultPruneInterval,
		incidents:     store.NewMap[Incident](),
		byAlert:       make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateIncident opens an incident for alert. title defaults to the alert's
// title.
func (m *Manager) CreateIncident(alert types.Alert, title string) (Incident, error) {
	if title == "" {
		title = alert.Title
	}

	m.mu.Lock()
	if other, ok := m.byAlert[alert.ID]; ok {
		m.mu.Unlock()
		return Incident{}, fmt.Errorf("incident: create for alert %q: %w (%s)", alert.ID, ErrAlertLinked, other)
	}
	m.seq++
	now := m.clock.Now()
	in := Incident{
		ID:             fmt.Sprintf("INC-%06d", m.seq),
		Title:          title,
		Description:    alert.Description,
		Severity:       alert.Severity,
		Status:         StatusOpen,
		AlertIDs:       []string{alert.ID},
		PrimaryAlertID: alert.ID,
		Responders:     []Responder{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ev := appendEvent(&in, now, EventCreated, "", "incident created from alert "+alert.ID, nil)
	m.incidents.Put(in.ID, in)
	m.byAlert[alert.ID] = in.ID
	out := in.Clone()
	m.mu.Unlock()

	slog.Info("incident: created", "incident", out.ID, "alert", alert.ID, "severity", out.Severity)
	m.pub.Publish(events.Event{Type: events.IncidentCreated, At: now, Payload: out})
	m.pub.Publish(events.Event{Type: events.IncidentTimeline, At: now, Payload: ev})
	return out, nil
}

// AddAlert links alert to the incident. added is false when the alert was
// already part of it.
func (m *Manager) AddAlert(id string, alert types.Alert) (added bool, err error) {
	m.mu.Lock()
	in, ok := m.incidents.Get(id)
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("incident: add alert to %q: %w", id, ErrNotFound)
	}
	if in.HasAlert(alert.ID) {
		m.mu.Unlock()
		return false, nil
	}
	if other, linked := m.byAlert[alert.ID]; linked {
		m.mu.Unlock()
		return false, fmt.Errorf("incident: add alert %q to %q: %w (%s)", alert.ID, id, ErrAlertLinked, other)
	}
	now := m.clock.Now()
	in.AlertIDs = append(in.AlertIDs, alert.ID)
	ev := appendEvent(&in, now, EventNote, "", "alert "+alert.ID+" added", map[string]string{"alert_id": alert.ID})
	m.incidents.Put(id, in)
	m.byAlert[alert.ID] = id
	out := in.Clone()
	m.mu.Unlock()

	m.publishUpdate(out, ev)
	return true, nil
}

// AddResponder adds r with JoinedAt now and status active. Adding a user
// that is already a responder is a no-op.
func (m *Manager) AddResponder(id string, r Responder) error {
	if r.UserID == "" {
		return errors.New("incident: add responder: user id is required")
	}
	m.mu.Lock()
	in, ok := m.incidents.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("incident: add responder to %q: %w", id, ErrNotFound)
	}
	for _, x := range in.Responders {
		if x.UserID == r.UserID {
			m.mu.Unlock()
			return nil
		}
	}
	now := m.clock.Now()
	r.JoinedAt = now
	r.Status = ResponderActive
	in.Responders = append(in.Responders, r)
	ev := appendEvent(&in, now, EventResponderAdded, r.UserID, r.UserID+" joined", map[string]string{"user_id": r.UserID, "role": r.Role})
	m.incidents.Put(id, in)
	out := in.Clone()
	m.mu.Unlock()

	m.publishUpdate(out, ev)
	return nil
}

// UpdateStatus moves the incident to status. Every call appends a
// status_change entry, even when the status is unchanged. Leaving closed
// links the incident's alerts again and fails with ErrAlertLinked when
// another incident has taken one of them meanwhile.
func (m *Manager) UpdateStatus(id string, status Status, actor, note string) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return fmt.Errorf("incident: update %q: %w", id, err)
	}
	m.mu.Lock()
	in, ok := m.incidents.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("incident: update %q: %w", id, ErrNotFound)
	}
	old := in.Status
	if old == StatusClosed && status != StatusClosed {
		for _, a := range in.AlertIDs {
			if other, linked := m.byAlert[a]; linked && other != id {
				m.mu.Unlock()
				return fmt.Errorf("incident: reopen %q: alert %q: %w (%s)", id, a, ErrAlertLinked, other)
			}
		}
		for _, a := range in.AlertIDs {
			m.byAlert[a] = id
		}
	}
	now := m.clock.Now()
	in.Status = status
	if old != status {
		switch status {
		case StatusAcknowledged:
			if in.AcknowledgedAt == nil {
				in.AcknowledgedAt = &now
			}
		case StatusResolved:
			in.ResolvedAt = &now
		case StatusClosed:
			in.ClosedAt = &now
			for _, a := range in.AlertIDs {
				if m.byAlert[a] == id {
					delete(m.byAlert, a)
				}
			}
		case StatusOpen, StatusInvestigating:
			in.ResolvedAt = nil
			in.ClosedAt = nil
		}
	}
	msg := fmt.Sprintf("status changed from %s to %s", old, status)
	if note != "" {
		msg += ": " + note
	}
	ev := appendEvent(&in, now, EventStatusChange, actor, msg, map[string]string{"from": string(old), "to": string(status)})
	m.incidents.Put(id, in)
	out := in.Clone()
	m.mu.Unlock()

	slog.Info("incident: status changed", "incident", id, "from", old, "to", status, "actor", actor)
	m.publishUpdate(out, ev)
	return nil
}

// AddNote appends a free-form note.
func (m *Manager) AddNote(id, actor, message string) error {
	m.mu.Lock()
	in, ok := m.incidents.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("incident: note on %q: %w", id, ErrNotFound)
	}
	ev := appendEvent(&in, m.clock.Now(), EventNote, actor, message, nil)
	m.incidents.Put(id, in)
	out := in.Clone()
	m.mu.Unlock()

	m.publishUpdate(out, ev)
	return nil
}

func (m *Manager) publishUpdate(in Incident, ev TimelineEvent) {
	m.pub.Publish(events.Event{Type: events.IncidentUpdated, At: ev.At, Payload: in})
	m.pub.Publish(events.Event{Type: events.IncidentTimeline, At: ev.At, Payload: ev})
}

// appendEvent appends a timeline entry to in. Timestamps never go backwards
// even if the clock does.
func appendEvent(in *Incident, now time.Time, kind EventKind, actor, msg string, data map[string]string) TimelineEvent {
	if n := len(in.Timeline); n > 0 && now.Before(in.Timeline[n-1].At) {
		now = in.Timeline[n-1].At
	}
	ev := TimelineEvent{
		ID:         uuid.NewString(),
		IncidentID: in.ID,
		Kind:       kind,
		At:         now,
		Actor:      actor,
		Message:    msg,
		Data:       data,
	}
	in.Timeline = append(in.Timeline, ev)
	in.UpdatedAt = now
	return ev
}

// Get returns an incident by id.
func (m *Manager) Get(id string) (Incident, bool) {
	in, ok := m.incidents.Get(id)
	if !ok {
		return Incident{}, false
	}
	return in.Clone(), true
}

// ByAlert returns the incident alertID currently belongs to.
func (m *Manager) ByAlert(alertID string) (Incident, bool) {
	m.mu.Lock()
	id, ok := m.byAlert[alertID]
	m.mu.Unlock()
	if !ok {
		return Incident{}, false
	}
	return m.Get(id)
}

// List returns every incident ordered by id.
func (m *Manager) List() []Incident {
	all := m.incidents.Values()
	for i := range all {
		all[i] = all[i].Clone()
	}
	return all
}

// Prune evicts closed incidents whose ClosedAt is older than the retention
// window and returns how many were removed.
func (m *Manager) Prune(now time.Time) int {
	if m.retention == 0 {
		return 0
	}
	cutoff := now.Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incidents.Evict(func(_ string, in Incident) bool {
		return in.Status == StatusClosed && in.ClosedAt != nil && in.ClosedAt.Before(cutoff)
	})
}

// Run prunes closed incidents every prune interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.pruneInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Prune(m.clock.Now()); n > 0 {
				slog.Debug("incident: pruned closed incidents", "count", n)
			}
		}
	}
}
