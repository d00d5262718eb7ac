package oncall

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/store"
)

// ErrScheduleNotFound is returned for an unknown schedule id.
var ErrScheduleNotFound = errors.New("on-call schedule not found")

// MaxUpcomingDays bounds UpcomingSchedule.
const MaxUpcomingDays = 366

// OverrideChange is the override:added and override:removed payload.
type OverrideChange struct {
	ScheduleID string   `json:"schedule_id"`
	Override   Override `json:"override"`
}

// Scheduler answers who is on call. Lookups are pure functions of the
// registered schedules and the requested instant.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	pub   events.Publisher
	clock clock.Clock

	mu        sync.Mutex // serialises read-modify-write of a schedule
	schedules *store.Map[Schedule]
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used when no instant is given.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// New creates a Scheduler publishing to pub. A nil pub discards events.
func New(pub events.Publisher, opts ...Option) *Scheduler {
	if pub == nil {
		pub = events.Discard
	}
	s := &Scheduler{
		pub:       pub,
		clock:     clock.Real(),
		schedules: store.NewMap[Schedule](),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterSchedule adds or replaces a schedule. Overrides without an id get
// one assigned.
func (s *Scheduler) RegisterSchedule(sc Schedule) error {
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("oncall: register: %w", err)
	}
	sc = sc.clone()
	for i := range sc.Overrides {
		if sc.Overrides[i].ID == "" {
			sc.Overrides[i].ID = uuid.NewString()
		}
	}
	s.mu.Lock()
	s.schedules.Put(sc.ID, sc)
	s.mu.Unlock()

	slog.Debug("oncall: schedule registered", "schedule", sc.ID, "rotations", len(sc.Rotations))
	s.pub.Publish(events.Event{Type: events.ScheduleRegistered, At: s.clock.Now(), Payload: sc.clone()})
	return nil
}

// RemoveSchedule removes a schedule.
func (s *Scheduler) RemoveSchedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules.Delete(id)
}

// Schedule returns a registered schedule.
func (s *Scheduler) Schedule(id string) (Schedule, bool) {
	sc, ok := s.schedules.Get(id)
	if !ok {
		return Schedule{}, false
	}
	return sc.clone(), true
}

// Schedules returns every registered schedule ordered by id.
func (s *Scheduler) Schedules() []Schedule {
	all := s.schedules.Values()
	for i := range all {
		all[i] = all[i].clone()
	}
	return all
}

// AddOverride appends o to the schedule and returns it with its id set.
func (s *Scheduler) AddOverride(scheduleID string, o Override) (Override, error) {
	if err := o.validate(); err != nil {
		return Override{}, fmt.Errorf("oncall: add override to %q: %w", scheduleID, err)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	s.mu.Lock()
	sc, ok := s.schedules.Get(scheduleID)
	if !ok {
		s.mu.Unlock()
		return Override{}, fmt.Errorf("oncall: add override to %q: %w", scheduleID, ErrScheduleNotFound)
	}
	sc = sc.clone()
	sc.Overrides = append(sc.Overrides, o)
	s.schedules.Put(scheduleID, sc)
	s.mu.Unlock()

	slog.Info("oncall: override added", "schedule", scheduleID, "user", o.UserID, "start", o.Start, "end", o.End)
	s.pub.Publish(events.Event{Type: events.OverrideAdded, At: s.clock.Now(), Payload: OverrideChange{ScheduleID: scheduleID, Override: o}})
	return o, nil
}

// RemoveOverride removes an override. It returns false when either id is
// unknown.
func (s *Scheduler) RemoveOverride(scheduleID, overrideID string) bool {
	s.mu.Lock()
	sc, ok := s.schedules.Get(scheduleID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	sc = sc.clone()
	var removed *Override
	for i, o := range sc.Overrides {
		if o.ID == overrideID {
			removed = &o
			sc.Overrides = append(sc.Overrides[:i], sc.Overrides[i+1:]...)
			break
		}
	}
	if removed == nil {
		s.mu.Unlock()
		return false
	}
	s.schedules.Put(scheduleID, sc)
	s.mu.Unlock()

	s.pub.Publish(events.Event{Type: events.OverrideRemoved, At: s.clock.Now(), Payload: OverrideChange{ScheduleID: scheduleID, Override: *removed}})
	return true
}

// AddRotation adds r to the schedule, replacing a rotation with the same id.
func (s *Scheduler) AddRotation(scheduleID string, r Rotation) error {
	if err := r.validate(); err != nil {
		return fmt.Errorf("oncall: add rotation to %q: %w", scheduleID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules.Get(scheduleID)
	if !ok {
		return fmt.Errorf("oncall: add rotation to %q: %w", scheduleID, ErrScheduleNotFound)
	}
	sc = sc.clone()
	r.Users = append([]string(nil), r.Users...)
	replaced := false
	for i := range sc.Rotations {
		if sc.Rotations[i].ID == r.ID {
			sc.Rotations[i] = r
			replaced = true
		}
	}
	if !replaced {
		sc.Rotations = append(sc.Rotations, r)
	}
	s.schedules.Put(scheduleID, sc)
	return nil
}

// RemoveRotation removes a rotation. It returns false when either id is
// unknown.
func (s *Scheduler) RemoveRotation(scheduleID, rotationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules.Get(scheduleID)
	if !ok {
		return false
	}
	sc = sc.clone()
	for i, r := range sc.Rotations {
		if r.ID == rotationID {
			sc.Rotations = append(sc.Rotations[:i], sc.Rotations[i+1:]...)
			s.schedules.Put(scheduleID, sc)
			return true
		}
	}
	return false
}

// CurrentOnCall returns who is on call at the given instant; a zero at means
// now. An active override is the sole assignment. Otherwise every rotation
// with users contributes one assignment, so the result may be empty.
func (s *Scheduler) CurrentOnCall(scheduleID string, at time.Time) ([]Assignment, error) {
	sc, ok := s.schedules.Get(scheduleID)
	if !ok {
		return nil, fmt.Errorf("oncall: %q: %w", scheduleID, ErrScheduleNotFound)
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	return sc.onCall(at), nil
}

// UpcomingSchedule evaluates CurrentOnCall once per day for days days
// starting at from (zero means now) and returns the flattened result.
func (s *Scheduler) UpcomingSchedule(scheduleID string, from time.Time, days int) ([]Assignment, error) {
	sc, ok := s.schedules.Get(scheduleID)
	if !ok {
		return nil, fmt.Errorf("oncall: %q: %w", scheduleID, ErrScheduleNotFound)
	}
	if days < 0 || days > MaxUpcomingDays {
		return nil, fmt.Errorf("oncall: %q: days must be within [0, %d]", scheduleID, MaxUpcomingDays)
	}
	if from.IsZero() {
		from = s.clock.Now()
	}
	var out []Assignment
	for d := 0; d < days; d++ {
		out = append(out, sc.onCall(from.AddDate(0, 0, d))...)
	}
	return out, nil
}

// onCall is the pure lookup behind CurrentOnCall.
func (sc Schedule) onCall(at time.Time) []Assignment {
	for i := len(sc.Overrides) - 1; i >= 0; i-- {
		o := sc.Overrides[i]
		if o.covers(at) {
			return []Assignment{{
				ScheduleID: sc.ID,
				OverrideID: o.ID,
				UserID:     o.UserID,
				At:         at,
				ShiftStart: o.Start,
				ShiftEnd:   o.End,
			}}
		}
	}

	if at.Before(sc.RotationStart) {
		return nil
	}
	loc, err := sc.location()
	if err != nil {
		loc = time.UTC
	}
	rot := sc.grid(sc.RotationStart.In(loc))
	k := rot.shift(at)

	var out []Assignment
	for _, r := range sc.Rotations {
		if len(r.Users) == 0 {
			continue
		}
		bounds, hk := rot, k
		if anchor, ok := handoffAnchor(sc.RotationStart.In(loc), r.HandoffTime); ok {
			bounds = sc.grid(anchor)
			hk = bounds.shift(at)
		}
		out = append(out, Assignment{
			ScheduleID: sc.ID,
			RotationID: r.ID,
			UserID:     r.Users[k%len(r.Users)],
			At:         at,
			ShiftStart: bounds.start(hk),
			ShiftEnd:   bounds.start(hk + 1),
		})
	}
	return out
}

// grid is a sequence of equal periods: period k starts at start(k).
type grid struct {
	anchor time.Time
	days   int // calendar days per period; 0 for fixed-duration custom periods
	period time.Duration
}

// grid lays the schedule's rotation period out from anchor. Daily and weekly
// periods step in calendar days so they keep their wall-clock time across
// DST changes.
func (sc Schedule) grid(anchor time.Time) grid {
	switch sc.RotationType {
	case Daily:
		return grid{anchor: anchor, days: 1, period: 24 * time.Hour}
	case Weekly:
		return grid{anchor: anchor, days: 7, period: 7 * 24 * time.Hour}
	default:
		p := sc.CustomPeriod
		if p <= 0 {
			p = DefaultCustomPeriod
		}
		return grid{anchor: anchor, period: p}
	}
}

// handoffAnchor returns the handoff instant on the date of start.
func handoffAnchor(start time.Time, handoff string) (time.Time, bool) {
	if handoff == "" {
		return time.Time{}, false
	}
	h, m, err := parseHandoff(handoff)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(start.Year(), start.Month(), start.Day(), h, m, 0, 0, start.Location()), true
}

func (g grid) start(k int) time.Time {
	if g.days > 0 {
		return g.anchor.AddDate(0, 0, k*g.days)
	}
	return g.anchor.Add(time.Duration(k) * g.period)
}

// shift returns the index of the period containing at. Instants before the
// anchor get negative indexes, so a handoff still ahead of at rolls the
// period back by one.
func (g grid) shift(at time.Time) int {
	k := int(at.Sub(g.anchor) / g.period)
	if at.Before(g.anchor) {
		k--
	}
	for g.start(k).After(at) {
		k--
	}
	for !g.start(k + 1).After(at) {
		k++
	}
	return k
}

func (sc Schedule) clone() Schedule {
	rot := make([]Rotation, len(sc.Rotations))
	for i, r := range sc.Rotations {
		r.Users = append([]string(nil), r.Users...)
		rot[i] = r
	}
	sc.Rotations = rot
	sc.Overrides = append([]Override(nil), sc.Overrides...)
	return sc
}
