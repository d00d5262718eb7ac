package incident

import (
	"fmt"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen          Status = "open"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusAcknowledged, StatusInvestigating, StatusResolved, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("incident status %q unknown: want open|acknowledged|investigating|resolved|closed", s)
}

// EventKind classifies a timeline entry.
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventNote           EventKind = "note"
	EventStatusChange   EventKind = "status_change"
	EventResponderAdded EventKind = "responder_added"
)

// TimelineEvent is one append-only entry of an incident timeline.
type TimelineEvent struct {
	ID         string            `json:"id"`
	IncidentID string            `json:"incident_id"`
	Kind       EventKind         `json:"kind"`
	At         time.Time         `json:"at"`
	Actor      string            `json:"actor,omitempty"`
	Message    string            `json:"message"`
	Data       map[string]string `json:"data,omitempty"`
}

// Responder is a person working an incident.
type Responder struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name,omitempty"`
	Role     string    `json:"role,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
	Status   string    `json:"status"`
}

// ResponderActive is the status of a responder on joining.
const ResponderActive = "active"

// Incident groups one or more alerts into a single remediation unit.
type Incident struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Severity       types.Severity  `json:"severity"`
	Status         Status          `json:"status"`
	AlertIDs       []string        `json:"alert_ids"`
	PrimaryAlertID string          `json:"primary_alert_id"`
	Responders     []Responder     `json:"responders"`
	Timeline       []TimelineEvent `json:"timeline"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// HasAlert reports whether alertID is part of the incident.
func (in *Incident) HasAlert(alertID string) bool {
	for _, id := range in.AlertIDs {
		if id == alertID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of in.
func (in Incident) Clone() Incident {
	in.AlertIDs = append([]string(nil), in.AlertIDs...)
	in.Responders = append([]Responder(nil), in.Responders...)
	tl := make([]TimelineEvent, len(in.Timeline))
	for i, e := range in.Timeline {
		if e.Data != nil {
			d := make(map[string]string, len(e.Data))
			for k, v := range e.Data {
				d[k] = v
			}
			e.Data = d
		}
		tl[i] = e
	}
	in.Timeline = tl
	in.AcknowledgedAt = cloneTime(in.AcknowledgedAt)
	in.ResolvedAt = cloneTime(in.ResolvedAt)
	in.ClosedAt = cloneTime(in.ClosedAt)
	return in
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
