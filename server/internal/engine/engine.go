package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/obsidianstack/alertcore/server/internal/alerting"
	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/escalation"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/incident"
	"github.com/obsidianstack/alertcore/server/internal/oncall"
	"github.com/obsidianstack/alertcore/server/internal/rules"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// Engine owns the components and the bus that connects them.
type Engine struct {
	Bus         *events.Bus
	Rules       *rules.Evaluator
	Thresholds  *threshold.Monitor
	Escalations *escalation.Manager
	Incidents   *incident.Manager
	OnCall      *oncall.Scheduler
	Alerts      *alerting.Manager

	mu      sync.Mutex
	applied *config.Config
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// New builds the components sized by cfg.Engine and wires them to one bus.
// Definitions are not registered until Apply.
func New(cfg *config.Config, opts ...Option) *Engine {
	o := options{clock: clock.Real()}
	for _, fn := range opts {
		fn(&o)
	}

	bus := events.NewBus()
	mon := threshold.NewMonitor(bus,
		threshold.WithClock(o.clock),
		threshold.WithHistorySize(cfg.Engine.MetricHistory),
	)
	e := &Engine{
		Bus:        bus,
		Thresholds: mon,
		Rules: rules.New(bus,
			rules.WithClock(o.clock),
			rules.WithHistorySize(cfg.Engine.RuleHistory),
			rules.WithThresholdSource(mon),
		),
		Escalations: escalation.New(bus, escalation.WithClock(o.clock)),
		Incidents: incident.New(bus,
			incident.WithClock(o.clock),
			incident.WithRetention(cfg.Engine.IncidentRetention),
			incident.WithPruneInterval(cfg.Engine.IncidentPruneInterval),
		),
		OnCall: oncall.New(bus, oncall.WithClock(o.clock)),
	}
	e.Alerts = alerting.New(bus,
		alerting.WithClock(o.clock),
		alerting.WithEscalator(e.Escalations),
		alerting.WithIncidents(e.Incidents),
		alerting.WithOnCall(e.OnCall),
		alerting.WithHistorySize(cfg.Engine.AlertHistory),
	)
	e.Alerts.Subscribe(bus)
	return e
}

// Apply registers the definitions in cfg and removes those cfg no longer
// names: every registered rule and policy, and the thresholds and schedules
// a previous Apply registered. Every definition is attempted;
// the returned error joins the failures.
//
// A schedule that declares no overrides keeps the overrides of the schedule
// it replaces, so overrides added at runtime survive a reload.
func (e *Engine) Apply(cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error

	keep := make(map[string]bool, len(cfg.Rules))
	for _, r := range cfg.Rules {
		keep[r.ID] = true
		if err := e.Rules.RegisterRule(r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range e.Rules.IDs() {
		if !keep[id] {
			e.Rules.UnregisterRule(id)
		}
	}

	keep = make(map[string]bool, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		keep[t.ID] = true
		if err := e.Thresholds.AddThreshold(t); err != nil {
			errs = append(errs, err)
		}
	}
	if prev := e.applied; prev != nil {
		for _, t := range prev.Thresholds {
			if !keep[t.ID] {
				e.Thresholds.RemoveThreshold(t.ID)
			}
		}
	}

	keep = make(map[string]bool, len(cfg.Policies))
	for _, p := range cfg.Policies {
		keep[p.ID] = true
		if err := e.Escalations.RegisterPolicy(p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range e.Escalations.PolicyIDs() {
		if !keep[id] {
			e.Escalations.UnregisterPolicy(id)
		}
	}

	keep = make(map[string]bool, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		keep[sc.ID] = true
		if len(sc.Overrides) == 0 {
			if cur, ok := e.OnCall.Schedule(sc.ID); ok {
				sc.Overrides = cur.Overrides
			}
		}
		if err := e.OnCall.RegisterSchedule(sc); err != nil {
			errs = append(errs, err)
		}
	}
	if prev := e.applied; prev != nil {
		for _, sc := range prev.Schedules {
			if !keep[sc.ID] {
				e.OnCall.RemoveSchedule(sc.ID)
			}
		}
	}

	e.Alerts.SetNotifier(notifier(cfg.Webhooks))
	e.applied = cfg

	slog.Info("engine: definitions applied",
		"rules", len(cfg.Rules),
		"thresholds", len(cfg.Thresholds),
		"policies", len(cfg.Policies),
		"schedules", len(cfg.Schedules),
		"webhooks", len(cfg.Webhooks),
		"errors", len(errs),
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("engine: apply: %w", err)
	}
	return nil
}

func notifier(hooks []config.WebhookConfig) *alerting.Notifier {
	if len(hooks) == 0 {
		return nil
	}
	out := make([]alerting.Webhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, alerting.Webhook{Name: h.Name, Type: h.Type, URL: h.URL()})
	}
	return alerting.NewNotifier(out)
}

// Run runs the background loops of the components until ctx is cancelled,
// then stops every running escalation.
func (e *Engine) Run(ctx context.Context) {
	e.Incidents.Run(ctx)
	e.Escalations.Close()
}
