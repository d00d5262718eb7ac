package threshold

import (
	"errors"
	"fmt"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
)

// Type selects how a threshold's value is computed.
type Type string

const (
	TypeStatic     Type = "static"
	TypeDynamic    Type = "dynamic"
	TypePercentage Type = "percentage"
	TypeBaseline   Type = "baseline"
)

// Defaults applied when the optional fields are zero.
const (
	DefaultBaselineWindow      = time.Hour
	DefaultDeviationMultiplier = 2.0
)

// Threshold watches one metric.
type Threshold struct {
	ID       string         `json:"id" yaml:"id"`
	Metric   string         `json:"metric" yaml:"metric"`
	Operator types.Operator `json:"operator" yaml:"operator"`
	Value    float64        `json:"value" yaml:"value"`
	Type     Type           `json:"type" yaml:"type"`

	// BaselineWindow is the trailing window averaged by dynamic and
	// baseline thresholds.
	BaselineWindow time.Duration `json:"baseline_window,omitempty" yaml:"baseline_window"`

	// DeviationMultiplier scales the baseline of a dynamic threshold.
	DeviationMultiplier float64 `json:"deviation_multiplier,omitempty" yaml:"deviation_multiplier"`

	// PercentageOf names the reference metric of a percentage threshold.
	PercentageOf string `json:"percentage_of,omitempty" yaml:"percentage_of"`

	// PolicyID names the escalation policy started when a breach raises an alert.
	PolicyID string         `json:"policy_id,omitempty" yaml:"policy_id"`
	Severity types.Severity `json:"severity,omitempty" yaml:"severity"`
}

// Validate checks the structural constraints of t.
func (t Threshold) Validate() error {
	if t.ID == "" {
		return errors.New("threshold id is required")
	}
	if t.Metric == "" {
		return fmt.Errorf("threshold %q: metric is required", t.ID)
	}
	if !t.Operator.Numeric() {
		return fmt.Errorf("threshold %q: operator %q is not a numeric comparison", t.ID, t.Operator)
	}
	switch t.Type {
	case TypeStatic, TypeDynamic, TypeBaseline, "":
	case TypePercentage:
		if t.PercentageOf == "" {
			return fmt.Errorf("threshold %q: percentage_of is required for percentage thresholds", t.ID)
		}
	default:
		return fmt.Errorf("threshold %q: type %q unknown: want static|dynamic|percentage|baseline", t.ID, t.Type)
	}
	if t.BaselineWindow < 0 {
		return fmt.Errorf("threshold %q: baseline_window must not be negative", t.ID)
	}
	return nil
}

func (t Threshold) window() time.Duration {
	if t.BaselineWindow > 0 {
		return t.BaselineWindow
	}
	return DefaultBaselineWindow
}

func (t Threshold) multiplier() float64 {
	if t.DeviationMultiplier != 0 {
		return t.DeviationMultiplier
	}
	return DefaultDeviationMultiplier
}

// MetricPoint is one immutable sample.
type MetricPoint struct {
	Metric    string            `json:"metric" yaml:"metric"`
	Value     float64           `json:"value" yaml:"value"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty" yaml:"tags"`
}

// Breach exists while a metric satisfies a threshold's comparison.
type Breach struct {
	Threshold      Threshold     `json:"threshold"`
	Metric         string        `json:"metric"`
	CurrentValue   float64       `json:"current_value"`
	ThresholdValue float64       `json:"threshold_value"`
	BreachedAt     time.Time     `json:"breached_at"`
	Duration       time.Duration `json:"duration"`
}
