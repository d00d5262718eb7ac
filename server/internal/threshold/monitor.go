package threshold

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/ring"
)

// DefaultHistorySize is the number of samples retained per metric.
const DefaultHistorySize = 1000

// Monitor ingests metric samples and maintains breach state.
//
// Monitor is safe for concurrent use. Events are published after the
// internal lock is released, in the order the transitions happened.
type Monitor struct {
	pub      events.Publisher
	clock    clock.Clock
	histSize int

	mu         sync.Mutex
	thresholds map[string]Threshold
	history    map[string]*ring.Buffer[MetricPoint]
	breaches   map[string]*Breach
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for breach timing and baseline windows.
func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithHistorySize sets the per-metric sample capacity.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.histSize = n
		}
	}
}

// NewMonitor creates a Monitor publishing to pub. A nil pub discards events.
func NewMonitor(pub events.Publisher, opts ...Option) *Monitor {
	if pub == nil {
		pub = events.Discard
	}
	m := &Monitor{
		pub:        pub,
		clock:      clock.Real(),
		histSize:   DefaultHistorySize,
		thresholds: make(map[string]Threshold),
		history:    make(map[string]*ring.Buffer[MetricPoint]),
		breaches:   make(map[string]*Breach),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddThreshold adds or replaces a threshold. Replacing a threshold keeps its
// breach record; the next sample re-evaluates it.
func (m *Monitor) AddThreshold(t Threshold) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("threshold: add: %w", err)
	}
	if t.Type == "" {
		t.Type = TypeStatic
	}
	m.mu.Lock()
	m.thresholds[t.ID] = t
	now := m.clock.Now()
	m.mu.Unlock()

	m.pub.Publish(events.Event{Type: events.ThresholdAdded, At: now, Payload: t})
	return nil
}

// RemoveThreshold removes a threshold and drops its breach without a
// recovery signal. It returns false when the threshold was not registered.
func (m *Monitor) RemoveThreshold(id string) bool {
	m.mu.Lock()
	if _, ok := m.thresholds[id]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.thresholds, id)
	delete(m.breaches, id)
	now := m.clock.Now()
	m.mu.Unlock()

	m.pub.Publish(events.Event{Type: events.ThresholdRemoved, At: now, Payload: id})
	return true
}

// Thresholds returns the registered thresholds ordered by id.
func (m *Monitor) Thresholds() []Threshold {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Threshold, 0, len(m.thresholds))
	for _, t := range m.thresholds {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordMetric ingests p and updates the breach state of every threshold
// watching p.Metric. A zero timestamp is replaced with the clock's now.
func (m *Monitor) RecordMetric(p MetricPoint) {
	m.mu.Lock()
	now := m.clock.Now()
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	buf, ok := m.history[p.Metric]
	if !ok {
		buf = ring.New[MetricPoint](m.histSize)
		m.history[p.Metric] = buf
	}
	buf.Push(p)

	var out []events.Event
	for _, t := range m.watchingLocked(p.Metric) {
		value, _ := m.computeLocked(t, now)
		exceeded := types.CompareFloat(p.Value, t.Operator, value)
		b, breached := m.breaches[t.ID]

		switch {
		case exceeded && !breached:
			b = &Breach{
				Threshold:      t,
				Metric:         p.Metric,
				CurrentValue:   p.Value,
				ThresholdValue: value,
				BreachedAt:     now,
			}
			m.breaches[t.ID] = b
			slog.Warn("threshold: breached",
				"threshold", t.ID, "metric", p.Metric,
				"value", p.Value, "threshold_value", value)
			out = append(out, events.Event{Type: events.ThresholdBreached, At: now, Payload: *b})

		case exceeded && breached:
			b.CurrentValue = p.Value
			b.ThresholdValue = value
			b.Duration = now.Sub(b.BreachedAt)

		case !exceeded && breached:
			b.CurrentValue = p.Value
			b.ThresholdValue = value
			b.Duration = now.Sub(b.BreachedAt)
			delete(m.breaches, t.ID)
			slog.Info("threshold: recovered",
				"threshold", t.ID, "metric", p.Metric,
				"value", p.Value, "duration", b.Duration)
			out = append(out, events.Event{Type: events.ThresholdRecovered, At: now, Payload: *b})
		}
	}
	m.mu.Unlock()

	for _, e := range out {
		m.pub.Publish(e)
	}
}

// watchingLocked returns the thresholds on metric ordered by id.
func (m *Monitor) watchingLocked(metric string) []Threshold {
	var out []Threshold
	for _, t := range m.thresholds {
		if t.Metric == metric {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// computeLocked returns the current value of t. ok is false when the value
// had to fall back to a default because no samples were available.
func (m *Monitor) computeLocked(t Threshold, now time.Time) (value float64, ok bool) {
	switch t.Type {
	case TypeDynamic:
		base, n := m.baselineLocked(t.Metric, t.window(), now)
		return base * t.multiplier(), n > 0
	case TypeBaseline:
		base, n := m.baselineLocked(t.Metric, t.window(), now)
		return base, n > 0
	case TypePercentage:
		ref, found := m.latestLocked(t.PercentageOf)
		return ref.Value * t.Value / 100, found
	default:
		return t.Value, true
	}
}

// baselineLocked returns the mean of the retained samples of metric with
// timestamp > now-window, and how many samples were averaged.
func (m *Monitor) baselineLocked(metric string, window time.Duration, now time.Time) (float64, int) {
	buf, ok := m.history[metric]
	if !ok {
		return 0, 0
	}
	cutoff := now.Add(-window)
	var sum float64
	var n int
	buf.Do(func(p MetricPoint) bool {
		if p.Timestamp.After(cutoff) {
			sum += p.Value
			n++
		}
		return true
	})
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func (m *Monitor) latestLocked(metric string) (MetricPoint, bool) {
	buf, ok := m.history[metric]
	if !ok {
		return MetricPoint{}, false
	}
	return buf.Last()
}

// Compute returns the current value of t from the retained history. It
// reports false for dynamic, baseline and percentage thresholds that have no
// samples to work from.
func (m *Monitor) Compute(t Threshold) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeLocked(t, m.clock.Now())
}

// ThresholdValue returns the current value of a registered threshold.
func (m *Monitor) ThresholdValue(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[id]
	if !ok {
		return 0, false
	}
	v, _ := m.computeLocked(t, m.clock.Now())
	return v, true
}

// Baseline returns the mean of the samples of metric inside the trailing
// window, or 0 when there are none.
func (m *Monitor) Baseline(metric string, window time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.baselineLocked(metric, window, m.clock.Now())
	return v
}

// Latest returns the newest sample of metric.
func (m *Monitor) Latest(metric string) (MetricPoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestLocked(metric)
}

// History returns the retained samples of metric, oldest first.
func (m *Monitor) History(metric string) []MetricPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.history[metric]
	if !ok {
		return nil
	}
	return buf.Items()
}

// Breach returns the active breach of a threshold.
func (m *Monitor) Breach(id string) (Breach, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breaches[id]
	if !ok {
		return Breach{}, false
	}
	return *b, true
}

// Breaches returns all active breaches ordered by threshold id.
func (m *Monitor) Breaches() []Breach {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Breach, 0, len(m.breaches))
	for _, b := range m.breaches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Threshold.ID < out[j].Threshold.ID })
	return out
}
