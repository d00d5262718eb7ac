package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// ValueType says how a condition's Value is interpreted.
type ValueType string

const (
	// ValueStatic compares against Value as written.
	ValueStatic ValueType = "static"
	// ValueDynamic treats Value as a field path into Context.Data.
	ValueDynamic ValueType = "dynamic"
	// ValueReference treats Value as a field path into Context.Metadata.
	ValueReference ValueType = "reference"
)

// GroupOperator combines condition results.
type GroupOperator string

const (
	GroupAND GroupOperator = "AND"
	GroupOR  GroupOperator = "OR"
)

// Condition is one field comparison.
type Condition struct {
	Field     string         `json:"field" yaml:"field"`
	Operator  types.Operator `json:"operator" yaml:"operator"`
	Value     any            `json:"value" yaml:"value"`
	ValueType ValueType      `json:"value_type,omitempty" yaml:"value_type"`
}

// Rule is an alert rule. It matches iff its condition group matches and
// either it has no thresholds or at least one threshold is exceeded.
type Rule struct {
	ID                string                `json:"id" yaml:"id"`
	Name              string                `json:"name" yaml:"name"`
	Description       string                `json:"description,omitempty" yaml:"description"`
	Severity          types.Severity        `json:"severity" yaml:"severity"`
	Conditions        []Condition           `json:"conditions" yaml:"conditions"`
	ConditionOperator GroupOperator         `json:"condition_operator" yaml:"condition_operator"`
	Thresholds        []threshold.Threshold `json:"thresholds,omitempty" yaml:"thresholds"`
	Enabled           bool                  `json:"enabled" yaml:"enabled"`

	// PolicyID names the escalation policy started when the rule raises an alert.
	PolicyID string            `json:"policy_id,omitempty" yaml:"policy_id"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// Validate checks the structural constraints of r.
func (r Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	switch r.ConditionOperator {
	case GroupAND, GroupOR, "":
	default:
		return fmt.Errorf("rule %q: condition_operator %q unknown: want AND|OR", r.ID, r.ConditionOperator)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %q: severity %q unknown", r.ID, r.Severity)
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("rule %q: conditions[%d]: field is required", r.ID, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("rule %q: conditions[%d]: operator %q unknown", r.ID, i, c.Operator)
		}
		switch c.ValueType {
		case ValueStatic, ValueDynamic, ValueReference, "":
		default:
			return fmt.Errorf("rule %q: conditions[%d]: value_type %q unknown", r.ID, i, c.ValueType)
		}
	}
	for i, t := range r.Thresholds {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("rule %q: thresholds[%d]: %w", r.ID, i, err)
		}
	}
	return nil
}

// Context is the input of one evaluation.
type Context struct {
	Data      map[string]any     `json:"data"`
	Metrics   map[string]float64 `json:"metrics"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ConditionResult is the outcome of one condition.
type ConditionResult struct {
	Condition Condition `json:"condition"`
	Matched   bool      `json:"matched"`
	Actual    any       `json:"actual,omitempty"`
	Expected  any       `json:"expected,omitempty"`
}

// ThresholdResult is the outcome of one threshold gate.
type ThresholdResult struct {
	ThresholdID    string  `json:"threshold_id"`
	Metric         string  `json:"metric"`
	Present        bool    `json:"present"`
	Value          float64 `json:"value"`
	ThresholdValue float64 `json:"threshold_value"`
	Exceeded       bool    `json:"exceeded"`
}

// Result is the outcome of evaluating one rule.
type Result struct {
	RuleID            string            `json:"rule_id"`
	Matched           bool              `json:"matched"`
	ConditionsMatched bool              `json:"conditions_matched"`
	Conditions        []ConditionResult `json:"conditions"`
	Thresholds        []ThresholdResult `json:"thresholds,omitempty"`
	EvaluatedAt       time.Time         `json:"evaluated_at"`

	// Err is set when evaluation of this rule failed unexpectedly.
	// The rule is then reported as not matched.
	Err string `json:"error,omitempty"`
}

// Stats summarises the retained evaluation history of one rule.
type Stats struct {
	RuleID          string     `json:"rule_id"`
	Evaluations     int        `json:"evaluations"`
	Matches         int        `json:"matches"`
	MatchRate       float64    `json:"match_rate"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastMatchedAt   *time.Time `json:"last_matched_at,omitempty"`
}
