package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/alertcore/server/internal/alerting"
	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/incident"
	"github.com/obsidianstack/alertcore/server/internal/oncall"
	"github.com/obsidianstack/alertcore/server/internal/rules"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

const engineConfig = `
rules:
  - id: http-errors
    name: HTTP 5xx
    severity: critical
    enabled: true
    policy_id: default
    conditions:
      - field: response.status
        operator: GREATER_THAN_OR_EQUAL
        value: 500
thresholds:
  - id: cpu-high
    metric: cpu
    operator: GREATER_THAN
    value: 90
    policy_id: default
policies:
  - id: default
    enabled: true
    levels:
      - level: 0
        recipients: ["oncall:platform"]
        actions:
          - type: notify
      - level: 1
        delay: 10m
        recipients: [lead]
        actions:
          - type: create_incident
schedules:
  - id: platform
    rotation_type: weekly
    rotation_start: 2024-01-01T00:00:00Z
    rotations:
      - id: primary
        users: [alice, bob]
`

var epoch = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, doc string) (*Engine, *clock.Fake, *events.Recorder) {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)

	clk := clock.NewFake(epoch)
	e := New(cfg, WithClock(clk))
	rec := events.NewRecorder()
	e.Bus.Subscribe(rec.Record)
	require.NoError(t, e.Apply(cfg))
	t.Cleanup(e.Escalations.Close)
	return e, clk, rec
}

func TestEngine_RuleMatchEscalatesToIncident(t *testing.T) {
	e, clk, rec := newEngine(t, engineConfig)

	e.Rules.EvaluateAll(rules.Context{Data: map[string]any{
		"response": map[string]any{"status": 503},
	}})

	alerts := e.Alerts.Alerts()
	require.Len(t, alerts, 1)
	a := alerts[0]

	d := rec.OfType(events.NotifyDispatch)
	require.Len(t, d, 1)
	assert.Equal(t, []string{"bob"}, d[0].Payload.(alerting.Dispatch).Users, "second week of the rotation")

	_, ok := e.Incidents.ByAlert(a.ID)
	assert.False(t, ok)

	clk.Advance(10 * time.Minute)
	in, ok := e.Incidents.ByAlert(a.ID)
	require.True(t, ok)
	assert.Equal(t, incident.StatusOpen, in.Status)

	_, err := e.Alerts.Acknowledge(a.ID, "bob")
	require.NoError(t, err)
	_, ok = e.Escalations.State(a.ID)
	assert.False(t, ok)
}

func TestEngine_RuleAlertResolvesWhenConditionClears(t *testing.T) {
	e, _, rec := newEngine(t, engineConfig)
	status := func(code int) rules.Context {
		return rules.Context{Data: map[string]any{"response": map[string]any{"status": code}}}
	}

	e.Rules.EvaluateAll(status(503))
	require.Len(t, e.Alerts.Alerts(), 1)
	require.Len(t, e.Escalations.States(), 1)

	e.Rules.EvaluateAll(status(200))
	e.Rules.EvaluateAll(status(200))
	assert.Empty(t, e.Alerts.Alerts())
	assert.Empty(t, e.Escalations.States())
	assert.Equal(t, 1, rec.Count(events.AlertResolved))
}

func TestEngine_ConfigRulesMatchJSONContext(t *testing.T) {
	e, _, _ := newEngine(t, `
rules:
  - id: exact
    name: Exact status
    enabled: true
    conditions:
      - field: response.status
        operator: EQUALS
        value: 500
  - id: listed
    name: Listed status
    enabled: true
    conditions:
      - field: response.status
        operator: IN
        value: [500, 503]
  - id: unlisted
    name: Unlisted status
    enabled: true
    conditions:
      - field: response.status
        operator: NOT_IN
        value: [500, 503]
`)

	var ctx rules.Context
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"response":{"status":500}}}`), &ctx))

	matched := map[string]bool{}
	for _, r := range e.Rules.EvaluateAll(ctx) {
		matched[r.RuleID] = r.Matched
	}
	assert.Equal(t, map[string]bool{"exact": true, "listed": true, "unlisted": false}, matched)
}

func TestEngine_ThresholdBreachAndRecovery(t *testing.T) {
	e, _, rec := newEngine(t, engineConfig)

	e.Thresholds.RecordMetric(threshold.MetricPoint{Metric: "cpu", Value: 97})
	require.Len(t, e.Alerts.Alerts(), 1)
	require.Len(t, e.Escalations.States(), 1)

	e.Thresholds.RecordMetric(threshold.MetricPoint{Metric: "cpu", Value: 40})
	assert.Empty(t, e.Alerts.Alerts())
	assert.Empty(t, e.Escalations.States())
	assert.Equal(t, 1, rec.Count(events.AlertResolved))
}

func TestEngine_ApplyRemovesStaleDefinitions(t *testing.T) {
	e, _, _ := newEngine(t, engineConfig)

	_, err := e.OnCall.AddOverride("platform", oncall.Override{UserID: "zoe", Start: epoch, End: epoch.Add(time.Hour)})
	require.NoError(t, err)

	next, err := config.Parse([]byte(`
rules:
  - id: disk-full
    name: Disk full
    enabled: true
    conditions:
      - field: disk.used_pct
        operator: GREATER_THAN
        value: 95
schedules:
  - id: platform
    rotation_type: daily
    rotation_start: 2024-01-01T00:00:00Z
    rotations:
      - id: primary
        users: [carol]
`))
	require.NoError(t, err)
	require.NoError(t, e.Apply(next))

	_, ok := e.Rules.Rule("http-errors")
	assert.False(t, ok)
	_, ok = e.Rules.Rule("disk-full")
	assert.True(t, ok)
	assert.Empty(t, e.Thresholds.Thresholds())
	assert.Empty(t, e.Escalations.Policies())

	as, err := e.OnCall.CurrentOnCall("platform", epoch)
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, "zoe", as[0].UserID, "runtime override survives the reload")
}

func TestEngine_ApplyReportsInvalidDefinitions(t *testing.T) {
	e, _, _ := newEngine(t, engineConfig)

	cfg, err := config.Parse([]byte(engineConfig))
	require.NoError(t, err)
	cfg.Rules = append(cfg.Rules, rules.Rule{Name: "no id"})

	err = e.Apply(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: apply")
	_, ok := e.Rules.Rule("http-errors")
	assert.True(t, ok, "valid definitions are still applied")
}

func TestEngine_RunStopsEscalationsOnCancel(t *testing.T) {
	e, _, rec := newEngine(t, engineConfig)
	e.Thresholds.RecordMetric(threshold.MetricPoint{Metric: "cpu", Value: 97})
	require.Len(t, e.Escalations.States(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx)

	assert.Empty(t, e.Escalations.States())
	stopped := rec.OfType(events.EscalationStopped)
	require.Len(t, stopped, 1)
}
