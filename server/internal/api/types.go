package api

import (
	"time"

	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// HealthResponse is the payload for GET /api/v1/health.
//
// State is "healthy" with no open alerts, otherwise the highest severity
// among them. Alerts without a severity count as info.
type HealthResponse struct {
	State             string `json:"state"`
	OpenAlerts        int    `json:"open_alerts"`
	CriticalCount     int    `json:"critical_count"`
	WarningCount      int    `json:"warning_count"`
	InfoCount         int    `json:"info_count"`
	ActiveBreaches    int    `json:"active_breaches"`
	ActiveEscalations int    `json:"active_escalations"`
	OpenIncidents     int    `json:"open_incidents"`
	RuleCount         int    `json:"rule_count"`
	ThresholdCount    int    `json:"threshold_count"`
	GeneratedAt       string `json:"generated_at"` // RFC3339
}

// MetricsRequest is the body of POST /api/v1/metrics.
type MetricsRequest struct {
	Points []threshold.MetricPoint `json:"points"`
}

// AcceptedResponse reports how many submitted items were taken.
type AcceptedResponse struct {
	Accepted int `json:"accepted"`
}

// StatusRequest is the body of POST /api/v1/incidents/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
	Note   string `json:"note,omitempty"`
}

// NoteRequest is the body of POST /api/v1/incidents/{id}/notes.
type NoteRequest struct {
	Actor   string `json:"actor"`
	Message string `json:"message"`
}

// AckRequest is the body of POST /api/v1/alerts/{id}/ack.
type AckRequest struct {
	By string `json:"by"`
}

// OverrideRequest is the body of POST /api/v1/oncall/{schedule}/overrides.
type OverrideRequest struct {
	UserID string    `json:"user_id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason,omitempty"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
