package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/obsidianstack/alertcore/pkg/types"
)

func sampleContext() Context {
	return Context{
		Data: map[string]any{
			"service": "checkout",
			"status":  503,
			"latency": 1.25,
			"host": map[string]any{
				"name":   "web-01.prod",
				"region": "eu-west-1",
				"labels": map[string]string{"tier": "frontend"},
			},
			"limit": 500,
			"tags":  []any{"a", "b"},
		},
		Metadata: map[string]any{
			"owner":    "payments",
			"expected": map[string]any{"status": 503},
		},
	}
}

func TestEvalCondition(t *testing.T) {
	e := New(nil)
	ctx := sampleContext()

	tests := []struct {
		name string
		c    Condition
		want bool
	}{
		{"equals string", Condition{Field: "service", Operator: types.OpEquals, Value: "checkout"}, true},
		{"equals type sensitive", Condition{Field: "status", Operator: types.OpEquals, Value: "503"}, false},
		{"equals int", Condition{Field: "status", Operator: types.OpEquals, Value: 503}, true},
		{"equals float vs int", Condition{Field: "status", Operator: types.OpEquals, Value: 503.0}, true},
		{"not equals float vs int", Condition{Field: "limit", Operator: types.OpNotEquals, Value: float64(500)}, false},
		{"equals bool vs number", Condition{Field: "status", Operator: types.OpEquals, Value: true}, false},
		{"not equals", Condition{Field: "service", Operator: types.OpNotEquals, Value: "cart"}, true},
		{"nested path", Condition{Field: "host.region", Operator: types.OpEquals, Value: "eu-west-1"}, true},
		{"nested string map", Condition{Field: "host.labels.tier", Operator: types.OpEquals, Value: "frontend"}, true},

		{"gt strict on equality", Condition{Field: "status", Operator: types.OpGreaterThan, Value: 503}, false},
		{"gte on equality", Condition{Field: "status", Operator: types.OpGreaterThanOrEqual, Value: 503}, true},
		{"lt float vs int", Condition{Field: "latency", Operator: types.OpLessThan, Value: 2}, true},
		{"lte", Condition{Field: "latency", Operator: types.OpLessThanOrEqual, Value: 1.25}, true},
		{"gt non-numeric actual", Condition{Field: "service", Operator: types.OpGreaterThan, Value: 1}, false},
		{"gt non-numeric expected", Condition{Field: "status", Operator: types.OpGreaterThan, Value: "100"}, false},

		{"contains", Condition{Field: "host.name", Operator: types.OpContains, Value: "prod"}, true},
		{"not contains", Condition{Field: "host.name", Operator: types.OpNotContains, Value: "staging"}, true},
		{"contains non-string", Condition{Field: "status", Operator: types.OpContains, Value: "5"}, false},
		{"not contains non-string", Condition{Field: "status", Operator: types.OpNotContains, Value: "5"}, false},

		{"matches", Condition{Field: "host.name", Operator: types.OpMatches, Value: `^web-\d+\.prod$`}, true},
		{"matches no", Condition{Field: "host.name", Operator: types.OpMatches, Value: `^db-`}, false},
		{"matches invalid pattern", Condition{Field: "host.name", Operator: types.OpMatches, Value: `web-(`}, false},

		{"in", Condition{Field: "service", Operator: types.OpIn, Value: []any{"cart", "checkout"}}, true},
		{"in mixed numeric kinds", Condition{Field: "status", Operator: types.OpIn, Value: []any{500.0, uint8(3), int64(503)}}, true},
		{"not in numeric", Condition{Field: "status", Operator: types.OpNotIn, Value: []float64{500, 502}}, true},
		{"in typed list", Condition{Field: "service", Operator: types.OpIn, Value: []string{"checkout"}}, true},
		{"not in", Condition{Field: "service", Operator: types.OpNotIn, Value: []any{"cart"}}, true},
		{"in non-list", Condition{Field: "service", Operator: types.OpIn, Value: "checkout"}, false},
		{"not in non-list", Condition{Field: "service", Operator: types.OpNotIn, Value: "checkout"}, false},

		{"absent equals", Condition{Field: "missing", Operator: types.OpEquals, Value: "x"}, false},
		{"absent gt", Condition{Field: "host.missing", Operator: types.OpGreaterThan, Value: 1}, false},
		{"absent not equals", Condition{Field: "missing", Operator: types.OpNotEquals, Value: "x"}, true},
		{"absent not contains", Condition{Field: "missing.deep", Operator: types.OpNotContains, Value: "x"}, true},
		{"absent not in", Condition{Field: "missing", Operator: types.OpNotIn, Value: []any{"x"}}, true},
		{"path through scalar", Condition{Field: "service.name", Operator: types.OpEquals, Value: "x"}, false},

		{"dynamic value", Condition{Field: "status", Operator: types.OpLessThan, Value: "limit", ValueType: ValueDynamic}, false},
		{"dynamic value gt", Condition{Field: "status", Operator: types.OpGreaterThan, Value: "limit", ValueType: ValueDynamic}, true},
		{"dynamic unresolved", Condition{Field: "status", Operator: types.OpGreaterThan, Value: "nope", ValueType: ValueDynamic}, false},
		{"reference value", Condition{Field: "status", Operator: types.OpEquals, Value: "expected.status", ValueType: ValueReference}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := e.evalCondition(tc.c, ctx)
			assert.Equal(t, tc.want, got.Matched)
		})
	}
}

func TestEvalCondition_ReportsOperands(t *testing.T) {
	e := New(nil)
	got := e.evalCondition(Condition{Field: "host.region", Operator: types.OpEquals, Value: "us-east-1"}, sampleContext())
	assert.False(t, got.Matched)
	assert.Equal(t, "eu-west-1", got.Actual)
	assert.Equal(t, "us-east-1", got.Expected)
}

func TestPatternCache_InvalidPatternCached(t *testing.T) {
	var p patternCache
	assert.Nil(t, p.compile("("))
	assert.Nil(t, p.compile("("))
	assert.NotNil(t, p.compile("ok"))
	assert.Len(t, p.compiled, 2)
}

func TestResolve(t *testing.T) {
	data := map[string]any{
		"a":   map[string]any{"b": map[string]any{"c": 1}},
		"nil": nil,
	}

	v, ok := resolve(data, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = resolve(data, "nil")
	assert.False(t, ok, "nil leaf counts as absent")
	_, ok = resolve(data, "")
	assert.False(t, ok)
	_, ok = resolve(nil, "a")
	assert.False(t, ok)
}
