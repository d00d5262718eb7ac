package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/escalation"
	"github.com/obsidianstack/alertcore/server/internal/oncall"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, `server:
  log_level: info
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Engine.RuleHistory != DefaultRuleHistory {
		t.Errorf("rule_history: got %d, want %d", cfg.Engine.RuleHistory, DefaultRuleHistory)
	}
	if cfg.Engine.IncidentRetention != DefaultIncidentRetention {
		t.Errorf("incident_retention: got %v, want %v", cfg.Engine.IncidentRetention, DefaultIncidentRetention)
	}
	if cfg.NATS.SubjectPrefix != DefaultSubjectPrefix {
		t.Errorf("nats.subject_prefix: got %q, want %q", cfg.NATS.SubjectPrefix, DefaultSubjectPrefix)
	}
	if cfg.Server.Auth.EffectiveHeader() != "x-api-key" {
		t.Errorf("header: got %q, want x-api-key", cfg.Server.Auth.EffectiveHeader())
	}
}

const fullConfig = `server:
  http_port: 9091
  log_level: debug
  auth:
    mode: apikey
    key_env: TEST_ALERTCORE_KEY
    header: x-alert-key
engine:
  rule_history: 50
  incident_retention: 0s
sources:
  - id: node
    endpoint: http://node-exporter:9100/metrics
    prefix: node_
    auth:
      mode: bearer
      token_env: NODE_TOKEN
nats:
  url: nats://localhost:4222
webhooks:
  - name: ops-slack
    type: slack
    url_env: OPS_SLACK_URL
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
    metric: node_cpu
    operator: GREATER_THAN
    value: 90
    type: static
policies:
  - id: default
    enabled: true
    repeat_interval: 30m
    max_repeats: 2
    levels:
      - level: 0
        recipients: ["oncall:platform"]
        channels: [ops-slack]
        actions:
          - type: notify
      - level: 1
        delay: 10m
        actions:
          - type: create_incident
schedules:
  - id: platform
    rotation_type: weekly
    rotation_start: 2024-01-01T09:00:00Z
    timezone: UTC
    rotations:
      - id: primary
        users: [alice, bob]
        handoff_time: "09:00"
`

func TestLoad_Full(t *testing.T) {
	t.Setenv("TEST_ALERTCORE_KEY", "supersecret")
	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9091 {
		t.Errorf("http_port: got %d, want 9091", cfg.Server.HTTPPort)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
	if cfg.Engine.RuleHistory != 50 {
		t.Errorf("rule_history: got %d, want 50", cfg.Engine.RuleHistory)
	}
	if cfg.Engine.IncidentRetention != 0 {
		t.Errorf("incident_retention: got %v, want 0", cfg.Engine.IncidentRetention)
	}
	if cfg.Engine.MetricHistory != DefaultMetricHistory {
		t.Errorf("metric_history: got %d, want default", cfg.Engine.MetricHistory)
	}

	if len(cfg.Sources) != 1 || cfg.Sources[0].Interval != DefaultScrapeInterval {
		t.Fatalf("sources: got %+v, want one source with the default interval", cfg.Sources)
	}
	if cfg.Sources[0].Prefix != "node_" {
		t.Errorf("source prefix: got %q, want node_", cfg.Sources[0].Prefix)
	}

	if len(cfg.Rules) != 1 {
		t.Fatalf("rules: got %d, want 1", len(cfg.Rules))
	}
	r := cfg.Rules[0]
	if r.Severity != types.SeverityCritical || !r.Enabled || r.PolicyID != "default" {
		t.Errorf("rule: got %+v", r)
	}
	if c := r.Conditions[0]; c.Operator != types.OpGreaterThanOrEqual || c.Value != 500 {
		t.Errorf("condition: got %+v", c)
	}

	if len(cfg.Policies) != 1 {
		t.Fatalf("policies: got %d, want 1", len(cfg.Policies))
	}
	p := cfg.Policies[0]
	if p.RepeatInterval != 30*time.Minute || p.MaxRepeats != 2 {
		t.Errorf("policy repeat: got %v x%d", p.RepeatInterval, p.MaxRepeats)
	}
	if p.Levels[1].Delay != 10*time.Minute || p.Levels[1].Actions[0].Type != escalation.ActionCreateIncident {
		t.Errorf("policy level 1: got %+v", p.Levels[1])
	}

	if len(cfg.Schedules) != 1 {
		t.Fatalf("schedules: got %d, want 1", len(cfg.Schedules))
	}
	s := cfg.Schedules[0]
	if s.RotationType != oncall.Weekly {
		t.Errorf("rotation_type: got %q, want weekly", s.RotationType)
	}
	if want := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC); !s.RotationStart.Equal(want) {
		t.Errorf("rotation_start: got %v, want %v", s.RotationStart, want)
	}
}

func TestLoad_WebhookURLResolution(t *testing.T) {
	t.Setenv("OPS_SLACK_URL", "https://hooks.example/abc")
	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if u := cfg.Webhooks[0].URL(); u != "https://hooks.example/abc" {
		t.Errorf("URL(): got %q", u)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown auth mode", "server:\n  auth:\n    mode: oauth2\n", "server.auth.mode"},
		{"port out of range", "server:\n  http_port: 70000\n", "http_port"},
		{"unknown log level", "server:\n  log_level: loud\n", "log_level"},
		{"negative retention", "engine:\n  incident_retention: -1h\n", "incident_retention"},
		{"source without endpoint", "sources:\n  - id: a\n", "sources[0]"},
		{"apikey source without header", "sources:\n  - id: a\n    endpoint: http://x\n    auth:\n      mode: apikey\n", "auth.header"},
		{"duplicate webhook", "webhooks:\n  - name: a\n  - name: a\n", "duplicate"},
		{"rule without id", "rules:\n  - name: x\n", "rules[0]"},
		{"bad threshold operator", "thresholds:\n  - id: t\n    metric: m\n    operator: MATCHES\n", "thresholds[0]"},
		{"unknown operator", "thresholds:\n  - id: t\n    metric: m\n    operator: \"~=\"\n", "unknown operator"},
		{"policy without levels", "policies:\n  - id: p\n", "policies[0]"},
		{"schedule with bad type", "schedules:\n  - id: s\n    rotation_type: hourly\n    rotation_start: 2024-01-01T00:00:00Z\n", "schedules[0]"},
		{"malformed yaml", "server: [", "parse yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.HasPrefix(err.Error(), "config: ") {
				t.Errorf("error %q is not prefixed with config:", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_ShortOperators(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
rules:
  - id: r
    name: r
    conditions:
      - field: status
        operator: ">="
        value: 500
thresholds:
  - id: t
    metric: cpu
    operator: gt
    value: 90
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if op := cfg.Rules[0].Conditions[0].Operator; op != types.OpGreaterThanOrEqual {
		t.Errorf("rule operator: got %q, want %q", op, types.OpGreaterThanOrEqual)
	}
	if op := cfg.Thresholds[0].Operator; op != types.OpGreaterThan {
		t.Errorf("threshold operator: got %q, want %q", op, types.OpGreaterThan)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// startWatch runs Watch on p with a short debounce and returns the channel
// of applied configs and a stop func that reports Watch's return value.
func startWatch(t *testing.T, p string) (<-chan *Config, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, func(c *Config) error { got <- c; return nil }, WithDebounce(20*time.Millisecond))
	}()
	t.Cleanup(cancel)

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	return got, func() error {
		cancel()
		return <-done
	}
}

func waitPort(t *testing.T, got <-chan *Config, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Server.HTTPPort == 0 {
				t.Fatal("invalid config was delivered")
			}
			if c.Server.HTTPPort == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for http_port %d", want)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	p := writeConfig(t, "server:\n  http_port: 8081\n")
	got, stop := startWatch(t, p)

	// An invalid write is ignored.
	if err := os.WriteFile(p, []byte("server:\n  http_port: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("server:\n  http_port: 9999\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitPort(t, got, 9999)
	if err := stop(); err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestWatch_ReloadsOnReplace(t *testing.T) {
	p := writeConfig(t, "server:\n  http_port: 8081\n")
	got, _ := startWatch(t, p)

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte("server:\n  http_port: 7070\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitPort(t, got, 7070)

	// The watch survives the replaced file.
	if err := os.WriteFile(p, []byte("server:\n  http_port: 7071\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitPort(t, got, 7071)
}

func TestWatch_SkipsUnchangedContent(t *testing.T) {
	content := []byte("server:\n  http_port: 8081\n")
	p := writeConfig(t, string(content))
	got, _ := startWatch(t, p)

	if err := os.WriteFile(p, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case c := <-got:
		t.Fatalf("unchanged file applied: http_port %d", c.Server.HTTPPort)
	case <-time.After(300 * time.Millisecond):
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(p, []byte("server:\n  http_port: 9000\n"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitPort(t, got, 9000)
	select {
	case c := <-got:
		t.Errorf("burst applied more than once: extra http_port %d", c.Server.HTTPPort)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "config.yaml"), func(*Config) error { return nil })
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "config: watch") {
		t.Errorf("error %q is not prefixed with config: watch", err)
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if len(cfg.Sources) != 2 || len(cfg.Rules) != 1 || len(cfg.Thresholds) != 3 {
		t.Errorf("sections: got sources=%d rules=%d thresholds=%d", len(cfg.Sources), len(cfg.Rules), len(cfg.Thresholds))
	}
	if cfg.Policies[0].Levels[1].Delay != 15*time.Minute {
		t.Errorf("level 1 delay: got %v, want 15m", cfg.Policies[0].Levels[1].Delay)
	}
}
