package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/events"
	"github.com/obsidianstack/alertcore/server/internal/ring"
	"github.com/obsidianstack/alertcore/server/internal/store"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// DefaultHistorySize is the number of evaluations retained per rule.
const DefaultHistorySize = 100

// ThresholdSource computes the current value of history-based thresholds
// (dynamic and baseline). threshold.Monitor implements it.
type ThresholdSource interface {
	Compute(t threshold.Threshold) (float64, bool)
}

// Evaluator matches rules against evaluation contexts.
//
// Evaluator is safe for concurrent use.
type Evaluator struct {
	rules    store.Repository[Rule]
	pub      events.Publisher
	clock    clock.Clock
	source   ThresholdSource
	histSize int
	patterns patternCache

	mu      sync.Mutex
	history map[string]*ring.Buffer[Result]
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock sets the clock used to stamp evaluations whose context carries
// no timestamp.
func WithClock(c clock.Clock) Option { return func(e *Evaluator) { e.clock = c } }

// WithHistorySize sets the per-rule history capacity.
func WithHistorySize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.histSize = n
		}
	}
}

// WithThresholdSource lets dynamic and baseline thresholds use metric history.
func WithThresholdSource(src ThresholdSource) Option {
	return func(e *Evaluator) { e.source = src }
}

// WithRepository replaces the in-memory rule store.
func WithRepository(r store.Repository[Rule]) Option {
	return func(e *Evaluator) { e.rules = r }
}

// New creates an Evaluator publishing to pub. A nil pub discards events.
func New(pub events.Publisher, opts ...Option) *Evaluator {
	if pub == nil {
		pub = events.Discard
	}
	e := &Evaluator{
		rules:    store.NewMap[Rule](),
		pub:      pub,
		clock:    clock.Real(),
		histSize: DefaultHistorySize,
		history:  make(map[string]*ring.Buffer[Result]),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RegisterRule adds or replaces a rule.
func (e *Evaluator) RegisterRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("rules: register: %w", err)
	}
	e.rules.Put(r.ID, r)
	slog.Debug("rules: rule registered", "rule", r.ID, "enabled", r.Enabled)
	e.pub.Publish(events.Event{Type: events.RuleRegistered, At: e.clock.Now(), Payload: r})
	return nil
}

// UnregisterRule removes a rule and its history. It returns false when the
// rule was not registered.
func (e *Evaluator) UnregisterRule(id string) bool {
	if !e.rules.Delete(id) {
		return false
	}
	e.mu.Lock()
	delete(e.history, id)
	e.mu.Unlock()

	e.pub.Publish(events.Event{Type: events.RuleUnregistered, At: e.clock.Now(), Payload: id})
	return true
}

// Rule returns a registered rule.
func (e *Evaluator) Rule(id string) (Rule, bool) {
	return e.rules.Get(id)
}

// Rules returns all registered rules ordered by id.
func (e *Evaluator) Rules() []Rule {
	return e.rules.Values()
}

// IDs returns the registered rule ids in sorted order.
func (e *Evaluator) IDs() []string {
	return e.rules.Keys()
}

// Count returns the number of registered rules.
func (e *Evaluator) Count() int {
	return e.rules.Count()
}

// EvaluateAll evaluates every enabled registered rule against ctx. A rule
// whose evaluation fails is reported with Err set and does not stop the
// remaining rules.
func (e *Evaluator) EvaluateAll(ctx Context) []Result {
	all := e.rules.Values()
	out := make([]Result, 0, len(all))
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		out = append(out, e.safeEvaluate(r, ctx))
	}
	return out
}

func (e *Evaluator) safeEvaluate(r Rule, ctx Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("rules: evaluation failed", "rule", r.ID, "panic", p)
			res = Result{
				RuleID:      r.ID,
				EvaluatedAt: e.evaluatedAt(ctx),
				Err:         fmt.Sprint(p),
			}
			e.record(res)
		}
	}()
	return e.EvaluateRule(r, ctx)
}

// EvaluateRule evaluates r against ctx, records the result in r's history
// and publishes rule:matched when it matched. A rule whose previous result
// matched and whose current result does not publishes rule:cleared.
func (e *Evaluator) EvaluateRule(r Rule, ctx Context) Result {
	res := Result{
		RuleID:      r.ID,
		EvaluatedAt: e.evaluatedAt(ctx),
		Conditions:  make([]ConditionResult, 0, len(r.Conditions)),
	}

	for _, c := range r.Conditions {
		res.Conditions = append(res.Conditions, e.evalCondition(c, ctx))
	}
	res.ConditionsMatched = combine(r.ConditionOperator, res.Conditions)

	exceeded := len(r.Thresholds) == 0
	for _, t := range r.Thresholds {
		tr := e.evalThreshold(t, ctx)
		res.Thresholds = append(res.Thresholds, tr)
		if tr.Exceeded {
			exceeded = true
		}
	}
	res.Matched = res.ConditionsMatched && exceeded

	wasMatched := e.record(res)
	switch {
	case res.Matched:
		slog.Info("rules: rule matched", "rule", r.ID, "severity", r.Severity)
		e.pub.Publish(events.Event{Type: events.RuleMatched, At: res.EvaluatedAt, Payload: Match{Rule: r, Result: res, Context: ctx}})
	case wasMatched:
		slog.Info("rules: rule cleared", "rule", r.ID)
		e.pub.Publish(events.Event{Type: events.RuleCleared, At: res.EvaluatedAt, Payload: Match{Rule: r, Result: res, Context: ctx}})
	}
	return res
}

// Match is the rule:matched and rule:cleared payload.
type Match struct {
	Rule    Rule    `json:"rule"`
	Result  Result  `json:"result"`
	Context Context `json:"context"`
}

// combine applies the group operator. An empty group is vacuously true.
func combine(op GroupOperator, results []ConditionResult) bool {
	if len(results) == 0 {
		return true
	}
	if op == GroupOR {
		for _, r := range results {
			if r.Matched {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r.Matched {
			return false
		}
	}
	return true
}

// evalThreshold gates on ctx.Metrics[t.Metric]. An absent metric never
// exceeds its threshold.
func (e *Evaluator) evalThreshold(t threshold.Threshold, ctx Context) ThresholdResult {
	tr := ThresholdResult{ThresholdID: t.ID, Metric: t.Metric}
	v, ok := ctx.Metrics[t.Metric]
	if !ok {
		return tr
	}
	tr.Present = true
	tr.Value = v
	tr.ThresholdValue = e.thresholdValue(t, ctx)
	tr.Exceeded = types.CompareFloat(v, t.Operator, tr.ThresholdValue)
	return tr
}

func (e *Evaluator) thresholdValue(t threshold.Threshold, ctx Context) float64 {
	switch t.Type {
	case threshold.TypePercentage:
		// An unknown reference metric counts as 0.
		return ctx.Metrics[t.PercentageOf] * t.Value / 100
	case threshold.TypeDynamic, threshold.TypeBaseline:
		if e.source != nil {
			if v, ok := e.source.Compute(t); ok {
				return v
			}
		}
		return t.Value
	default:
		return t.Value
	}
}

func (e *Evaluator) evaluatedAt(ctx Context) time.Time {
	if !ctx.Timestamp.IsZero() {
		return ctx.Timestamp
	}
	return e.clock.Now()
}

// record appends res to the rule's history and reports whether the previous
// result matched.
func (e *Evaluator) record(res Result) (wasMatched bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.history[res.RuleID]
	if !ok {
		buf = ring.New[Result](e.histSize)
		e.history[res.RuleID] = buf
	}
	if last, ok := buf.Last(); ok {
		wasMatched = last.Matched
	}
	buf.Push(res)
	return wasMatched
}

// History returns the retained evaluations of a rule, oldest first.
func (e *Evaluator) History(ruleID string) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.history[ruleID]
	if !ok {
		return nil
	}
	return buf.Items()
}

// Stats summarises the retained history of a rule.
func (e *Evaluator) Stats(ruleID string) Stats {
	st := Stats{RuleID: ruleID}
	for _, r := range e.History(ruleID) {
		st.Evaluations++
		at := r.EvaluatedAt
		st.LastEvaluatedAt = &at
		if r.Matched {
			st.Matches++
			st.LastMatchedAt = &at
		}
	}
	if st.Evaluations > 0 {
		st.MatchRate = float64(st.Matches) / float64(st.Evaluations)
	}
	return st
}
