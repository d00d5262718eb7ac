package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/alertcore/server/internal/escalation"
	"github.com/obsidianstack/alertcore/server/internal/oncall"
	"github.com/obsidianstack/alertcore/server/internal/rules"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort              = 8080
	DefaultLogLevel              = "info"
	DefaultRuleHistory           = 100
	DefaultMetricHistory         = 1000
	DefaultIncidentRetention     = 24 * time.Hour
	DefaultIncidentPruneInterval = time.Minute
	DefaultAlertHistory          = 200
	DefaultScrapeInterval        = 30 * time.Second
	DefaultSubjectPrefix         = "alertcore"
)

// Config is the top-level configuration. Fields map 1:1 to config.example.yaml.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Engine  EngineConfig `yaml:"engine"`
	Sources []Source     `yaml:"sources"`
	NATS    NATSConfig   `yaml:"nats"`

	// Webhooks are delivery targets referenced by policy channels and
	// webhook actions.
	Webhooks []WebhookConfig `yaml:"webhooks"`

	Rules      []rules.Rule          `yaml:"rules"`
	Thresholds []threshold.Threshold `yaml:"thresholds"`
	Policies   []escalation.Policy   `yaml:"policies"`
	Schedules  []oncall.Schedule     `yaml:"schedules"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on.
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// Auth configures how the server authenticates incoming REST clients.
	Auth ServerAuthConfig `yaml:"auth"`
}

// ServerAuthConfig controls client authentication on the server side.
type ServerAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a ServerAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a ServerAuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// EngineConfig sizes the in-memory state of the engine components.
type EngineConfig struct {
	// RuleHistory is the number of evaluation results kept per rule.
	RuleHistory int `yaml:"rule_history"`

	// MetricHistory is the number of samples kept per metric.
	MetricHistory int `yaml:"metric_history"`

	// AlertHistory is the number of resolved alerts kept.
	AlertHistory int `yaml:"alert_history"`

	// IncidentRetention is how long a closed incident is kept after ClosedAt.
	// Zero keeps incidents forever.
	IncidentRetention time.Duration `yaml:"incident_retention"`

	// IncidentPruneInterval is how often expired incidents are evicted.
	IncidentPruneInterval time.Duration `yaml:"incident_prune_interval"`
}

// Source is one Prometheus scrape target feeding the threshold monitor.
type Source struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Endpoint is the full URL of the text exposition endpoint.
	Endpoint string `yaml:"endpoint"`

	// Interval controls how often the source is scraped.
	Interval time.Duration `yaml:"interval"`

	// Prefix is prepended to every metric name read from this source.
	Prefix string `yaml:"prefix"`

	// Auth configures how the scraper authenticates to this source.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies the authentication mode for a source.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header the API key is sent in (Mode == "apikey").
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username (safe to store in config).
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// NATSConfig configures the optional event sink. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// TokenEnv is the name of the environment variable that holds the NATS token.
	TokenEnv string `yaml:"token_env"`
}

// Token returns the NATS token resolved from the environment.
func (n NATSConfig) Token() string {
	if n.TokenEnv == "" {
		return ""
	}
	return os.Getenv(n.TokenEnv)
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Name is referenced by level channels and webhook action targets.
	Name string `yaml:"name"`

	// Type is one of: teams | slack | pagerduty | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			LogLevel: DefaultLogLevel,
		},
		Engine: EngineConfig{
			RuleHistory:           DefaultRuleHistory,
			MetricHistory:         DefaultMetricHistory,
			AlertHistory:          DefaultAlertHistory,
			IncidentRetention:     DefaultIncidentRetention,
			IncidentPruneInterval: DefaultIncidentPruneInterval,
		},
		NATS: NATSConfig{SubjectPrefix: DefaultSubjectPrefix},
	}
}

// validate checks structural constraints on the parsed configuration.
// Entity definitions are validated by their own packages.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", cfg.Server.LogLevel)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Engine.RuleHistory <= 0 || cfg.Engine.MetricHistory <= 0 || cfg.Engine.AlertHistory <= 0 {
		return errors.New("engine history sizes must be positive")
	}
	if cfg.Engine.IncidentRetention < 0 {
		return errors.New("engine.incident_retention must not be negative")
	}
	if cfg.Engine.IncidentPruneInterval <= 0 {
		return errors.New("engine.incident_prune_interval must be positive")
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.ID == "" || src.Endpoint == "" {
			return fmt.Errorf("sources[%d]: id and endpoint are required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Interval == 0 {
			src.Interval = DefaultScrapeInterval
		}
		if src.Interval < 0 {
			return fmt.Errorf("source %q: interval must not be negative", src.ID)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("source %q: auth.mode %q unknown: want mtls|apikey|bearer|basic|none", src.ID, src.Auth.Mode)
		}
		if src.Auth.Mode == "apikey" && src.Auth.Header == "" {
			return fmt.Errorf("source %q: auth.header is required for apikey mode", src.ID)
		}
	}

	hooks := make(map[string]bool, len(cfg.Webhooks))
	for i, w := range cfg.Webhooks {
		if w.Name == "" {
			return fmt.Errorf("webhooks[%d]: name is required", i)
		}
		if hooks[w.Name] {
			return fmt.Errorf("webhooks[%d]: duplicate name %q", i, w.Name)
		}
		hooks[w.Name] = true
		switch w.Type {
		case "teams", "slack", "pagerduty", "http", "":
		default:
			return fmt.Errorf("webhook %q: type %q unknown: want teams|slack|pagerduty|http", w.Name, w.Type)
		}
	}

	for i, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	for i, t := range cfg.Thresholds {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("thresholds[%d]: %w", i, err)
		}
	}
	for i, p := range cfg.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
	}
	for i, s := range cfg.Schedules {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
	}
	return nil
}
