package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/alerting"
	"github.com/obsidianstack/alertcore/server/internal/escalation"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/incident"
	"github.com/obsidianstack/alertcore/server/internal/rules"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

const namespace = "alertcore"

// Metrics holds the engine's self-instrumentation collectors.
type Metrics struct {
	Events             *prometheus.CounterVec
	RuleMatches        *prometheus.CounterVec
	ThresholdBreaches  *prometheus.CounterVec
	ActiveBreaches     prometheus.Gauge
	BreachDuration     *prometheus.HistogramVec
	EscalationLevels   *prometheus.CounterVec
	EscalationsStopped *prometheus.CounterVec
	ActiveEscalations  prometheus.Gauge
	IncidentsCreated   *prometheus.CounterVec
	OpenAlerts         prometheus.Gauge
	Notifications      *prometheus.CounterVec

	mu         sync.Mutex
	escalating map[string]bool
	breached   map[string]bool
	openAlerts map[string]bool
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events published, by type.",
		}, []string{"type"}),
		RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Rule evaluations that matched, by rule.",
		}, []string{"rule", "severity"}),
		ThresholdBreaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_breaches_total",
			Help:      "Threshold breaches started, by threshold.",
		}, []string{"threshold"}),
		ActiveBreaches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_breaches",
			Help:      "Thresholds currently breached.",
		}),
		BreachDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "breach_duration_seconds",
			Help:      "Duration of recovered threshold breaches.",
			Buckets:   prometheus.ExponentialBuckets(15, 2, 12), // 15s to ~8.5h
		}, []string{"threshold"}),
		EscalationLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_levels_total",
			Help:      "Escalation levels fired, by policy and level.",
		}, []string{"policy", "level"}),
		EscalationsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_stopped_total",
			Help:      "Escalations stopped, by reason.",
		}, []string{"reason"}),
		ActiveEscalations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_escalations",
			Help:      "Alerts with a live escalation.",
		}),
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_created_total",
			Help:      "Incidents opened, by severity.",
		}, []string{"severity"}),
		OpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_alerts",
			Help:      "Alerts firing or acknowledged.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification dispatches, by action type.",
		}, []string{"action"}),

		escalating: make(map[string]bool),
		breached:   make(map[string]bool),
		openAlerts: make(map[string]bool),
	}
	reg.MustRegister(
		m.Events, m.RuleMatches, m.ThresholdBreaches, m.ActiveBreaches, m.BreachDuration,
		m.EscalationLevels, m.EscalationsStopped, m.ActiveEscalations,
		m.IncidentsCreated, m.OpenAlerts, m.Notifications,
	)
	return m
}

// Subscribe attaches the collectors to bus and returns the unsubscribe func.
func (m *Metrics) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(m.Handle)
}

// Handle updates the collectors from one event. It is an events.Handler.
func (m *Metrics) Handle(e events.Event) {
	m.Events.WithLabelValues(string(e.Type)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := e.Payload.(type) {
	case rules.Match:
		m.RuleMatches.WithLabelValues(p.Rule.ID, severity(p.Rule.Severity)).Inc()

	case threshold.Breach:
		switch e.Type {
		case events.ThresholdBreached:
			m.ThresholdBreaches.WithLabelValues(p.Threshold.ID).Inc()
			m.breached[p.Threshold.ID] = true
		case events.ThresholdRecovered:
			delete(m.breached, p.Threshold.ID)
			m.BreachDuration.WithLabelValues(p.Threshold.ID).Observe(p.Duration.Seconds())
		}
		m.ActiveBreaches.Set(float64(len(m.breached)))

	case string:
		if e.Type == events.ThresholdRemoved {
			delete(m.breached, p)
			m.ActiveBreaches.Set(float64(len(m.breached)))
		}

	case escalation.Trigger:
		m.EscalationLevels.WithLabelValues(p.PolicyID, strconv.Itoa(p.Level)).Inc()
		m.escalating[p.AlertID] = true
		m.ActiveEscalations.Set(float64(len(m.escalating)))

	case escalation.Stopped:
		m.EscalationsStopped.WithLabelValues(p.Reason).Inc()
		delete(m.escalating, p.AlertID)
		m.ActiveEscalations.Set(float64(len(m.escalating)))

	case incident.Incident:
		if e.Type == events.IncidentCreated {
			m.IncidentsCreated.WithLabelValues(severity(p.Severity)).Inc()
		}

	case types.Alert:
		switch e.Type {
		case events.AlertRaised:
			m.openAlerts[p.ID] = true
		case events.AlertResolved:
			delete(m.openAlerts, p.ID)
		}
		m.OpenAlerts.Set(float64(len(m.openAlerts)))

	case alerting.Dispatch:
		m.Notifications.WithLabelValues(string(p.Action.Type)).Inc()
	}
}

func severity(s types.Severity) string {
	if s == "" {
		return string(types.SeverityWarning)
	}
	return string(s)
}
