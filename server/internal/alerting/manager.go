package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/escalation"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/incident"
	"github.com/obsidianstack/alertcore/server/internal/oncall"
	"github.com/obsidianstack/alertcore/server/internal/ring"
	"github.com/obsidianstack/alertcore/server/internal/rules"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// DefaultHistorySize is the number of resolved alerts retained.
const DefaultHistorySize = 200

// OnCallPrefix marks a recipient resolved through the on-call scheduler.
const OnCallPrefix = "oncall:"

// ErrNotFound is returned for an unknown or no longer open alert id.
var ErrNotFound = errors.New("alert not found")

// Escalator is the part of escalation.Manager the alerting manager drives.
type Escalator interface {
	StartEscalation(alert types.Alert, policyID string) (escalation.State, error)
	StopEscalation(alertID string) bool
	Acknowledge(alertID, by string) bool
}

// Incidents is the part of incident.Manager used by create_incident actions.
type Incidents interface {
	CreateIncident(alert types.Alert, title string) (incident.Incident, error)
	AddAlert(id string, alert types.Alert) (bool, error)
	ByAlert(alertID string) (incident.Incident, bool)
}

// OnCall resolves on-call recipients.
type OnCall interface {
	CurrentOnCall(scheduleID string, at time.Time) ([]oncall.Assignment, error)
}

// Input describes one occurrence of an alert condition.
type Input struct {
	RuleID      string
	ThresholdID string
	Title       string
	Description string
	Severity    types.Severity
	Source      string
	Labels      map[string]string
	Value       float64
	PolicyID    string
}

// Dispatch is the notify:dispatch payload handed to delivery collaborators.
type Dispatch struct {
	AlertID  string            `json:"alert_id"`
	PolicyID string            `json:"policy_id"`
	Level    int               `json:"level"`
	Action   escalation.Action `json:"action"`
	Users    []string          `json:"users"`
	Channels []string          `json:"channels,omitempty"`
	Alert    types.Alert       `json:"alert"`
}

// Manager owns the open alerts.
//
// Manager is safe for concurrent use. Collaborators are called and events
// published after the internal lock is released.
type Manager struct {
	pub      events.Publisher
	clock    clock.Clock
	esc      Escalator
	inc      Incidents
	oncall   OnCall
	notifier *Notifier

	mu       sync.Mutex
	open     map[string]*types.Alert // key: fingerprint
	byID     map[string]string       // alert id -> fingerprint
	resolved *ring.Buffer[types.Alert]
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for occurrence timestamps.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithEscalator starts and stops escalations for alerts with a policy.
func WithEscalator(e Escalator) Option { return func(m *Manager) { m.esc = e } }

// WithIncidents enables create_incident actions.
func WithIncidents(i Incidents) Option { return func(m *Manager) { m.inc = i } }

// WithOnCall enables "oncall:<schedule>" recipients.
func WithOnCall(o OnCall) Option { return func(m *Manager) { m.oncall = o } }

// WithNotifier enables webhook delivery.
func WithNotifier(n *Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithHistorySize sets how many resolved alerts are retained.
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.resolved = ring.New[types.Alert](n)
		}
	}
}

// New creates a Manager publishing to pub. A nil pub discards events.
func New(pub events.Publisher, opts ...Option) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	m := &Manager{
		pub:      pub,
		clock:    clock.Real(),
		open:     make(map[string]*types.Alert),
		byID:     make(map[string]string),
		resolved: ring.New[types.Alert](DefaultHistorySize),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Fingerprint identifies an alert condition: the source plus its sorted
// labels.
func Fingerprint(source string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(source))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(labels[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Raise records one occurrence. created is false when an open alert with the
// same fingerprint absorbed it.
func (m *Manager) Raise(in Input) (alert types.Alert, created bool) {
	fp := Fingerprint(in.Source, in.Labels)
	now := m.clock.Now()

	m.mu.Lock()
	if a, ok := m.open[fp]; ok {
		a.Count++
		a.LastOccurrenceAt = now
		a.Value = in.Value
		out := a.Clone()
		m.mu.Unlock()

		slog.Debug("alerting: duplicate occurrence", "alert", out.ID, "count", out.Count)
		m.pub.Publish(events.Event{Type: events.AlertUpdated, At: now, Payload: out})
		return out, false
	}

	sev := in.Severity
	if sev == "" {
		sev = types.SeverityWarning
	}
	a := &types.Alert{
		ID:                uuid.NewString(),
		RuleID:            in.RuleID,
		ThresholdID:       in.ThresholdID,
		Title:             in.Title,
		Description:       in.Description,
		Severity:          sev,
		Status:            types.AlertFiring,
		Source:            in.Source,
		Labels:            in.Labels,
		Value:             in.Value,
		Fingerprint:       fp,
		Count:             1,
		FirstOccurrenceAt: now,
		LastOccurrenceAt:  now,
	}
	*a = a.Clone()
	m.open[fp] = a
	m.byID[a.ID] = fp
	out := a.Clone()
	m.mu.Unlock()

	slog.Warn("alerting: alert raised",
		"alert", out.ID, "title", out.Title, "severity", out.Severity, "source", out.Source)
	m.pub.Publish(events.Event{Type: events.AlertRaised, At: now, Payload: out})

	if in.PolicyID != "" && m.esc != nil {
		if _, err := m.esc.StartEscalation(out, in.PolicyID); err != nil {
			slog.Error("alerting: escalation not started", "alert", out.ID, "policy", in.PolicyID, "err", err)
		}
	}
	return out, true
}

// Acknowledge marks an open alert acknowledged and stops its escalation.
func (m *Manager) Acknowledge(id, by string) (types.Alert, error) {
	now := m.clock.Now()
	m.mu.Lock()
	a, ok := m.lookupLocked(id)
	if !ok {
		m.mu.Unlock()
		return types.Alert{}, fmt.Errorf("alerting: acknowledge %q: %w", id, ErrNotFound)
	}
	a.Status = types.AlertAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	out := a.Clone()
	m.mu.Unlock()

	if m.esc != nil {
		m.esc.Acknowledge(id, by)
	}
	m.pub.Publish(events.Event{Type: events.AlertUpdated, At: now, Payload: out})
	return out, nil
}

// Resolve closes an open alert, stops its escalation and moves it to the
// resolved history.
func (m *Manager) Resolve(id string) (types.Alert, error) {
	now := m.clock.Now()
	m.mu.Lock()
	a, ok := m.lookupLocked(id)
	if !ok {
		m.mu.Unlock()
		return types.Alert{}, fmt.Errorf("alerting: resolve %q: %w", id, ErrNotFound)
	}
	a.Status = types.AlertResolved
	a.ResolvedAt = &now
	delete(m.open, a.Fingerprint)
	delete(m.byID, a.ID)
	out := a.Clone()
	m.resolved.Push(out)
	m.mu.Unlock()

	if m.esc != nil {
		m.esc.StopEscalation(id)
	}
	slog.Info("alerting: alert resolved", "alert", out.ID, "title", out.Title)
	m.pub.Publish(events.Event{Type: events.AlertResolved, At: now, Payload: out})
	return out, nil
}

func (m *Manager) lookupLocked(id string) (*types.Alert, bool) {
	fp, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	a, ok := m.open[fp]
	return a, ok
}

// ResolveFingerprint resolves the open alert with fingerprint fp, if any.
func (m *Manager) ResolveFingerprint(fp string) (types.Alert, bool) {
	m.mu.Lock()
	a, ok := m.open[fp]
	var id string
	if ok {
		id = a.ID
	}
	m.mu.Unlock()
	if !ok {
		return types.Alert{}, false
	}
	out, err := m.Resolve(id)
	return out, err == nil
}

// Alert returns an open alert.
func (m *Manager) Alert(id string) (types.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.lookupLocked(id)
	if !ok {
		return types.Alert{}, false
	}
	return a.Clone(), true
}

// Alerts returns the open alerts, oldest first.
func (m *Manager) Alerts() []types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstOccurrenceAt.Equal(out[j].FirstOccurrenceAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstOccurrenceAt.Before(out[j].FirstOccurrenceAt)
	})
	return out
}

// History returns the retained resolved alerts, newest first.
func (m *Manager) History() []types.Alert {
	m.mu.Lock()
	items := m.resolved.Items()
	m.mu.Unlock()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// Subscribe attaches the manager to bus and returns the unsubscribe func.
func (m *Manager) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(m.Handle)
}

// Handle reacts to engine signals. It is an events.Handler.
func (m *Manager) Handle(e events.Event) {
	switch p := e.Payload.(type) {
	case rules.Match:
		src := "rule:" + p.Rule.ID
		switch e.Type {
		case events.RuleMatched:
			m.Raise(Input{
				RuleID:      p.Rule.ID,
				Title:       p.Rule.Name,
				Description: p.Rule.Description,
				Severity:    p.Rule.Severity,
				Source:      src,
				Labels:      p.Rule.Labels,
				PolicyID:    p.Rule.PolicyID,
			})
		case events.RuleCleared:
			m.ResolveFingerprint(Fingerprint(src, p.Rule.Labels))
		}
	case threshold.Breach:
		src := "threshold:" + p.Threshold.ID
		labels := map[string]string{"metric": p.Metric}
		switch e.Type {
		case events.ThresholdBreached:
			m.Raise(Input{
				ThresholdID: p.Threshold.ID,
				Title:       fmt.Sprintf("%s %s %g", p.Metric, p.Threshold.Operator, p.ThresholdValue),
				Severity:    p.Threshold.Severity,
				Source:      src,
				Labels:      labels,
				Value:       p.CurrentValue,
				PolicyID:    p.Threshold.PolicyID,
			})
		case events.ThresholdRecovered:
			m.ResolveFingerprint(Fingerprint(src, labels))
		}
	case escalation.ActionRequest:
		if e.Type == events.ActionExecute {
			m.execute(p)
		}
	}
}

// SetNotifier replaces the webhook notifier. A nil n disables delivery.
func (m *Manager) SetNotifier(n *Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

func (m *Manager) execute(req escalation.ActionRequest) {
	m.mu.Lock()
	notifier := m.notifier
	m.mu.Unlock()

	switch req.Action.Type {
	case escalation.ActionCreateIncident:
		m.openIncident(req)
	case escalation.ActionWebhook:
		if notifier == nil {
			slog.Warn("alerting: webhook action without notifier", "alert", req.AlertID, "target", req.Action.Target)
			return
		}
		go notifier.Deliver(req.Action.Target, m.dispatch(req, nil))
	default:
		recipients := req.Recipients
		if req.Action.Target != "" {
			recipients = append(append([]string(nil), recipients...), req.Action.Target)
		}
		d := m.dispatch(req, m.resolveRecipients(recipients))
		m.pub.Publish(events.Event{Type: events.NotifyDispatch, At: m.clock.Now(), Payload: d})
		if notifier != nil {
			for _, ch := range d.Channels {
				if notifier.Has(ch) {
					go notifier.Deliver(ch, d)
				}
			}
		}
	}
}

func (m *Manager) dispatch(req escalation.ActionRequest, users []string) Dispatch {
	return Dispatch{
		AlertID:  req.AlertID,
		PolicyID: req.PolicyID,
		Level:    req.Level,
		Action:   req.Action,
		Users:    users,
		Channels: req.Channels,
		Alert:    req.Alert,
	}
}

// openIncident handles create_incident. A Target names an existing incident
// to attach the alert to; otherwise a new incident is opened unless the
// alert already has one.
func (m *Manager) openIncident(req escalation.ActionRequest) {
	if m.inc == nil {
		slog.Warn("alerting: create_incident action without incident manager", "alert", req.AlertID)
		return
	}
	if target := req.Action.Target; target != "" {
		if _, err := m.inc.AddAlert(target, req.Alert); err != nil {
			slog.Error("alerting: attach alert to incident failed", "alert", req.AlertID, "incident", target, "err", err)
		}
		return
	}
	if _, ok := m.inc.ByAlert(req.AlertID); ok {
		return
	}
	if _, err := m.inc.CreateIncident(req.Alert, req.Action.Params["title"]); err != nil {
		slog.Error("alerting: create incident failed", "alert", req.AlertID, "err", err)
	}
}

// resolveRecipients expands "oncall:<schedule>" entries into the users on
// call now and drops duplicates, keeping first-seen order.
func (m *Manager) resolveRecipients(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, r := range in {
		sched, ok := strings.CutPrefix(r, OnCallPrefix)
		if !ok {
			add(r)
			continue
		}
		if m.oncall == nil {
			slog.Warn("alerting: on-call recipient without scheduler", "recipient", r)
			continue
		}
		as, err := m.oncall.CurrentOnCall(sched, m.clock.Now())
		if err != nil {
			slog.Warn("alerting: on-call lookup failed", "schedule", sched, "err", err)
			continue
		}
		for _, a := range as {
			add(a.UserID)
		}
	}
	return out
}
