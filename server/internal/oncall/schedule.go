package oncall

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RotationType selects the shift period.
type RotationType string

const (
	Daily  RotationType = "daily"
	Weekly RotationType = "weekly"
	Custom RotationType = "custom"
)

// DefaultCustomPeriod applies to custom rotations without a period.
const DefaultCustomPeriod = 24 * time.Hour

// Rotation cycles through Users, one per period.
type Rotation struct {
	ID    string   `json:"id" yaml:"id"`
	Name  string   `json:"name,omitempty" yaml:"name"`
	Users []string `json:"users" yaml:"users"`

	// HandoffTime is the wall-clock "HH:MM" at which shifts change, in the
	// schedule's timezone. Empty means shifts change at the time of day of
	// the schedule's RotationStart.
	HandoffTime string `json:"handoff_time,omitempty" yaml:"handoff_time"`
}

// Override assigns UserID for [Start, End], both inclusive, ahead of any
// rotation.
type Override struct {
	ID     string    `json:"id" yaml:"id"`
	UserID string    `json:"user_id" yaml:"user_id"`
	Start  time.Time `json:"start" yaml:"start"`
	End    time.Time `json:"end" yaml:"end"`
	Reason string    `json:"reason,omitempty" yaml:"reason"`
}

func (o Override) covers(at time.Time) bool {
	return !at.Before(o.Start) && !at.After(o.End)
}

func (o Override) validate() error {
	if o.UserID == "" {
		return errors.New("override user_id is required")
	}
	if o.End.Before(o.Start) {
		return fmt.Errorf("override for %q: end %s is before start %s", o.UserID, o.End, o.Start)
	}
	return nil
}

// Schedule is an on-call schedule.
type Schedule struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name,omitempty" yaml:"name"`
	RotationType  RotationType  `json:"rotation_type" yaml:"rotation_type"`
	RotationStart time.Time     `json:"rotation_start" yaml:"rotation_start"`
	CustomPeriod  time.Duration `json:"custom_period,omitempty" yaml:"custom_period"`

	// Timezone is an IANA zone name used for handoff times. Empty means UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone"`

	Rotations []Rotation `json:"rotations" yaml:"rotations"`

	// Overrides are ordered by insertion; among overlapping overrides the
	// last one wins.
	Overrides []Override `json:"overrides,omitempty" yaml:"overrides"`
}

// Validate checks the structural constraints of s.
func (s Schedule) Validate() error {
	if s.ID == "" {
		return errors.New("schedule id is required")
	}
	switch s.RotationType {
	case Daily, Weekly:
	case Custom:
		if s.CustomPeriod < 0 {
			return fmt.Errorf("schedule %q: custom_period must not be negative", s.ID)
		}
	default:
		return fmt.Errorf("schedule %q: rotation_type %q unknown: want daily|weekly|custom", s.ID, s.RotationType)
	}
	if s.RotationStart.IsZero() {
		return fmt.Errorf("schedule %q: rotation_start is required", s.ID)
	}
	if _, err := s.location(); err != nil {
		return fmt.Errorf("schedule %q: %w", s.ID, err)
	}
	seen := make(map[string]bool, len(s.Rotations))
	for i, r := range s.Rotations {
		if err := r.validate(); err != nil {
			return fmt.Errorf("schedule %q: rotations[%d]: %w", s.ID, i, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("schedule %q: rotations[%d]: duplicate id %q", s.ID, i, r.ID)
		}
		seen[r.ID] = true
	}
	for i, o := range s.Overrides {
		if err := o.validate(); err != nil {
			return fmt.Errorf("schedule %q: overrides[%d]: %w", s.ID, i, err)
		}
	}
	return nil
}

func (r Rotation) validate() error {
	if r.ID == "" {
		return errors.New("rotation id is required")
	}
	if r.HandoffTime != "" {
		if _, _, err := parseHandoff(r.HandoffTime); err != nil {
			return fmt.Errorf("rotation %q: %w", r.ID, err)
		}
	}
	return nil
}

func (s Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// parseHandoff parses "HH:MM".
func parseHandoff(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("handoff_time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("handoff_time %q: hour out of range", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("handoff_time %q: minute out of range", s)
	}
	return hour, minute, nil
}

// Assignment is one user on call.
type Assignment struct {
	ScheduleID string    `json:"schedule_id"`
	RotationID string    `json:"rotation_id,omitempty"`
	OverrideID string    `json:"override_id,omitempty"`
	UserID     string    `json:"user_id"`
	At         time.Time `json:"at"`
	ShiftStart time.Time `json:"shift_start"`
	ShiftEnd   time.Time `json:"shift_end"`
}
