package rules

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/obsidianstack/alertcore/pkg/types"
)

// genConditions draws conditions over integer fields f0..fN together with a
// context, so each condition's outcome is known up front.
func genConditions(t *rapid.T) ([]Condition, Context, []bool) {
	n := rapid.IntRange(1, 8).Draw(t, "n")
	data := make(map[string]any, n)
	conds := make([]Condition, n)
	want := make([]bool, n)
	for i := 0; i < n; i++ {
		field := fmt.Sprintf("f%d", i)
		actual := rapid.IntRange(-5, 5).Draw(t, field)
		expected := rapid.IntRange(-5, 5).Draw(t, field+"_expected")
		data[field] = actual
		conds[i] = Condition{Field: field, Operator: types.OpGreaterThan, Value: expected}
		want[i] = actual > expected
	}
	return conds, Context{Data: data}, want
}

func TestProperty_ANDRequiresEveryCondition(t *testing.T) {
	e := New(nil)
	rapid.Check(t, func(t *rapid.T) {
		conds, ctx, want := genConditions(t)
		res := e.EvaluateRule(Rule{ID: "p", Conditions: conds, ConditionOperator: GroupAND}, ctx)

		all := true
		for i, w := range want {
			if res.Conditions[i].Matched != w {
				t.Fatalf("condition %d: got %v, want %v", i, res.Conditions[i].Matched, w)
			}
			all = all && w
		}
		if res.Matched != all {
			t.Fatalf("AND matched: got %v, want %v", res.Matched, all)
		}
	})
}

func TestProperty_ORRequiresAnyCondition(t *testing.T) {
	e := New(nil)
	rapid.Check(t, func(t *rapid.T) {
		conds, ctx, want := genConditions(t)
		res := e.EvaluateRule(Rule{ID: "p", Conditions: conds, ConditionOperator: GroupOR}, ctx)

		anyMatched := false
		for _, w := range want {
			anyMatched = anyMatched || w
		}
		if res.Matched != anyMatched {
			t.Fatalf("OR matched: got %v, want %v", res.Matched, anyMatched)
		}
	})
}

func TestProperty_GreaterThanIsStrict(t *testing.T) {
	e := New(nil)
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float64Range(-1e6, 1e6).Draw(t, "v")
		ctx := Context{Data: map[string]any{"x": v}}
		gt := e.evalCondition(Condition{Field: "x", Operator: types.OpGreaterThan, Value: v}, ctx)
		gte := e.evalCondition(Condition{Field: "x", Operator: types.OpGreaterThanOrEqual, Value: v}, ctx)
		if gt.Matched {
			t.Fatalf("GREATER_THAN matched on equality for %v", v)
		}
		if !gte.Matched {
			t.Fatalf("GREATER_THAN_OR_EQUAL did not match on equality for %v", v)
		}
	})
}
