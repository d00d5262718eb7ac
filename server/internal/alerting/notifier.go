package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
)

// Webhook is one named delivery target.
type Webhook struct {
	Name string
	// Type is one of: teams | slack | pagerduty | http.
	Type string
	URL  string
}

// Notifier posts dispatches to webhook targets. Delivery is best effort:
// failures are logged and not retried.
type Notifier struct {
	hooks  map[string]Webhook
	client *http.Client
}

// NewNotifier creates a Notifier for hooks. Hooks without a URL are skipped.
func NewNotifier(hooks []Webhook) *Notifier {
	n := &Notifier{
		hooks:  make(map[string]Webhook, len(hooks)),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, h := range hooks {
		if h.URL == "" {
			slog.Warn("alerting: webhook has no URL, skipping", "webhook", h.Name)
			continue
		}
		n.hooks[h.Name] = h
	}
	return n
}

// Has reports whether a webhook named name is configured.
func (n *Notifier) Has(name string) bool {
	_, ok := n.hooks[name]
	return ok
}

// Deliver posts d to the webhook named name.
func (n *Notifier) Deliver(name string, d Dispatch) error {
	wh, ok := n.hooks[name]
	if !ok {
		slog.Warn("alerting: unknown webhook, skipping", "webhook", name, "alert", d.AlertID)
		return fmt.Errorf("webhook %q not configured", name)
	}

	var err error
	switch wh.Type {
	case "slack":
		err = n.sendSlack(wh.URL, d)
	case "teams":
		err = n.sendTeams(wh.URL, d)
	case "pagerduty", "http", "":
		err = n.sendHTTP(wh.URL, d)
	default:
		err = fmt.Errorf("unknown webhook type %q", wh.Type)
	}

	if err != nil {
		slog.Error("alerting: webhook delivery failed",
			"webhook", name,
			"type", wh.Type,
			"alert", d.AlertID,
			"err", err,
		)
		return err
	}
	slog.Debug("alerting: webhook delivered",
		"webhook", name,
		"type", wh.Type,
		"alert", d.AlertID,
		"level", d.Level,
	)
	return nil
}

func message(d Dispatch) string {
	msg := fmt.Sprintf("%s (escalation level %d)", d.Alert.Title, d.Level)
	if len(d.Users) > 0 {
		msg += fmt.Sprintf(" for %v", d.Users)
	}
	return msg
}

func (n *Notifier) sendSlack(url string, d Dispatch) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", severityLabel(d.Alert.Severity), message(d)),
	})
	return n.post(url, body)
}

func (n *Notifier) sendTeams(url string, d Dispatch) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(d.Alert.Severity),
		"summary":    d.Alert.Title,
		"title":      fmt.Sprintf("Alert: %s", d.Alert.Title),
		"text":       message(d),
	}
	body, _ := json.Marshal(payload)
	return n.post(url, body)
}

func (n *Notifier) sendHTTP(url string, d Dispatch) error {
	body, _ := json.Marshal(map[string]interface{}{"dispatch": d})
	return n.post(url, body)
}

func (n *Notifier) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "[CRITICAL]"
	case types.SeverityWarning:
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "FF4F6A"
	case types.SeverityWarning:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
