package types

import "time"

// Severity ranks an alert or incident.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity. The empty string is accepted
// and treated as warning by callers.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical, "":
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertFiring       AlertStatus = "firing"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is a raised condition instance. Alerts sharing a Fingerprint are
// deduplicated by the raising collaborator: Count grows and
// LastOccurrenceAt moves instead of a new Alert being created.
type Alert struct {
	ID          string            `json:"id" yaml:"id"`
	RuleID      string            `json:"rule_id,omitempty" yaml:"rule_id"`
	ThresholdID string            `json:"threshold_id,omitempty" yaml:"threshold_id"`
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Severity    Severity          `json:"severity" yaml:"severity"`
	Status      AlertStatus       `json:"status" yaml:"status"`
	Source      string            `json:"source,omitempty" yaml:"source"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels"`
	Value       float64           `json:"value" yaml:"value"`

	Fingerprint       string    `json:"fingerprint" yaml:"fingerprint"`
	Count             int       `json:"count" yaml:"count"`
	FirstOccurrenceAt time.Time `json:"first_occurrence_at" yaml:"first_occurrence_at"`
	LastOccurrenceAt  time.Time `json:"last_occurrence_at" yaml:"last_occurrence_at"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" yaml:"acknowledged_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty" yaml:"acknowledged_by"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at"`
}

// Clone returns a deep copy of a.
func (a Alert) Clone() Alert {
	if a.Labels != nil {
		labels := make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			labels[k] = v
		}
		a.Labels = labels
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		a.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}
