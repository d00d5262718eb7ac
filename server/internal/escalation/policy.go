package escalation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
)

// ActionType is interpreted by the collaborator handling action:execute.
type ActionType string

const (
	ActionNotify         ActionType = "notify"
	ActionReassign       ActionType = "reassign"
	ActionEscalate       ActionType = "escalate"
	ActionCreateIncident ActionType = "create_incident"
	ActionWebhook        ActionType = "webhook"
	ActionAutomation     ActionType = "automation"
)

func (t ActionType) valid() bool {
	switch t {
	case ActionNotify, ActionReassign, ActionEscalate, ActionCreateIncident, ActionWebhook, ActionAutomation:
		return true
	}
	return false
}

// Action is one directed step of a level.
type Action struct {
	Type   ActionType        `json:"type" yaml:"type"`
	Target string            `json:"target,omitempty" yaml:"target"`
	Params map[string]string `json:"params,omitempty" yaml:"params"`
}

// Level is one step of a policy. Delay is the wait after the previous level
// fired; the first level always fires immediately.
type Level struct {
	Level      int           `json:"level" yaml:"level"`
	Delay      time.Duration `json:"delay" yaml:"delay"`
	Actions    []Action      `json:"actions,omitempty" yaml:"actions"`
	Recipients []string      `json:"recipients,omitempty" yaml:"recipients"`
	Channels   []string      `json:"channels,omitempty" yaml:"channels"`
}

// ExhaustAction is the terminal transition of a chain with nothing left to fire.
type ExhaustAction string

const (
	// ExhaustIdle keeps the state with Exhausted set and no pending timer.
	ExhaustIdle ExhaustAction = "idle"
	// ExhaustStop discards the state and publishes escalation:stopped.
	ExhaustStop ExhaustAction = "stop"
)

// Policy is an escalation chain definition.
type Policy struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Levels  []Level `json:"levels" yaml:"levels"`
	Enabled bool    `json:"enabled" yaml:"enabled"`

	// RepeatInterval and MaxRepeats must both be positive for the chain to
	// restart from its first level after the last one fired.
	RepeatInterval time.Duration `json:"repeat_interval,omitempty" yaml:"repeat_interval"`
	MaxRepeats     int           `json:"max_repeats,omitempty" yaml:"max_repeats"`

	OnExhausted ExhaustAction `json:"on_exhausted,omitempty" yaml:"on_exhausted"`
}

// Validate checks the structural constraints of p.
func (p Policy) Validate() error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	if len(p.Levels) == 0 {
		return fmt.Errorf("policy %q: at least one level is required", p.ID)
	}
	seen := make(map[int]bool, len(p.Levels))
	for i, l := range p.Levels {
		if seen[l.Level] {
			return fmt.Errorf("policy %q: levels[%d]: duplicate level %d", p.ID, i, l.Level)
		}
		seen[l.Level] = true
		if l.Delay < 0 {
			return fmt.Errorf("policy %q: levels[%d]: delay must not be negative", p.ID, i)
		}
		for j, a := range l.Actions {
			if !a.Type.valid() {
				return fmt.Errorf("policy %q: levels[%d].actions[%d]: type %q unknown", p.ID, i, j, a.Type)
			}
		}
	}
	if p.RepeatInterval < 0 || p.MaxRepeats < 0 {
		return fmt.Errorf("policy %q: repeat_interval and max_repeats must not be negative", p.ID)
	}
	switch p.OnExhausted {
	case ExhaustIdle, ExhaustStop, "":
	default:
		return fmt.Errorf("policy %q: on_exhausted %q unknown: want idle|stop", p.ID, p.OnExhausted)
	}
	return nil
}

// ordered returns the levels sorted by level number.
func (p Policy) ordered() []Level {
	out := make([]Level, len(p.Levels))
	copy(out, p.Levels)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

func (p Policy) canRepeat(done int) bool {
	return p.RepeatInterval > 0 && p.MaxRepeats > 0 && done < p.MaxRepeats
}

// State is the live escalation of one alert.
type State struct {
	AlertID          string     `json:"alert_id"`
	PolicyID         string     `json:"policy_id"`
	CurrentLevel     int        `json:"current_level"`
	StartedAt        time.Time  `json:"started_at"`
	LastEscalatedAt  *time.Time `json:"last_escalated_at,omitempty"`
	RepeatCount      int        `json:"repeat_count"`
	NextEscalationAt *time.Time `json:"next_escalation_at,omitempty"`
	Exhausted        bool       `json:"exhausted"`
}

func (s State) clone() State {
	if s.LastEscalatedAt != nil {
		t := *s.LastEscalatedAt
		s.LastEscalatedAt = &t
	}
	if s.NextEscalationAt != nil {
		t := *s.NextEscalationAt
		s.NextEscalationAt = &t
	}
	return s
}

// Trigger is the escalation:triggered payload.
type Trigger struct {
	AlertID     string      `json:"alert_id"`
	PolicyID    string      `json:"policy_id"`
	Level       int         `json:"level"`
	RepeatCount int         `json:"repeat_count"`
	Recipients  []string    `json:"recipients,omitempty"`
	Channels    []string    `json:"channels,omitempty"`
	Actions     []Action    `json:"actions,omitempty"`
	Alert       types.Alert `json:"alert"`
}

// ActionRequest is the action:execute payload.
type ActionRequest struct {
	AlertID    string      `json:"alert_id"`
	PolicyID   string      `json:"policy_id"`
	Level      int         `json:"level"`
	Action     Action      `json:"action"`
	Recipients []string    `json:"recipients,omitempty"`
	Channels   []string    `json:"channels,omitempty"`
	Alert      types.Alert `json:"alert"`
}

// Stop reasons carried by escalation:stopped.
const (
	ReasonStopped      = "stopped"
	ReasonAcknowledged = "acknowledged"
	ReasonRestarted    = "restarted"
	ReasonExhausted    = "exhausted"
	ReasonClosed       = "closed"
)

// Stopped is the escalation:stopped payload.
type Stopped struct {
	AlertID  string `json:"alert_id"`
	PolicyID string `json:"policy_id"`
	Reason   string `json:"reason"`
	By       string `json:"by,omitempty"`
}

// Completed is the escalation:completed payload.
type Completed struct {
	AlertID     string        `json:"alert_id"`
	PolicyID    string        `json:"policy_id"`
	RepeatCount int           `json:"repeat_count"`
	Terminal    ExhaustAction `json:"terminal"`
}
