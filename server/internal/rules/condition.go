package rules

import (
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/obsidianstack/alertcore/pkg/types"
)

// maxCachedPatterns bounds the compiled MATCHES pattern cache.
const maxCachedPatterns = 512

// evalCondition evaluates c against ctx.
//
// Supported operators:
//
//	EQUALS, NOT_EQUALS                   exact compare; numbers compare by value
//	GREATER_THAN[_OR_EQUAL], LESS_THAN[_OR_EQUAL]   numeric operands only
//	CONTAINS, NOT_CONTAINS               string substring
//	MATCHES                              regular expression
//	IN, NOT_IN                           membership in an expected list
//
// An unresolved field only satisfies the negated family (NOT_EQUALS,
// NOT_CONTAINS, NOT_IN); every other operator is false.
func (e *Evaluator) evalCondition(c Condition, ctx Context) ConditionResult {
	res := ConditionResult{Condition: c}

	actual, found := resolve(ctx.Data, c.Field)
	expected, expectedFound := expectedValue(c, ctx)
	res.Expected = expected
	if found {
		res.Actual = actual
	}

	if !found {
		res.Matched = c.Operator.Negated()
		return res
	}
	if !expectedFound {
		// A dynamic or reference operand that cannot be resolved leaves
		// nothing to compare against.
		return res
	}

	switch c.Operator {
	case types.OpEquals:
		res.Matched = equal(actual, expected)
	case types.OpNotEquals:
		res.Matched = !equal(actual, expected)
	case types.OpGreaterThan, types.OpGreaterThanOrEqual, types.OpLessThan, types.OpLessThanOrEqual:
		a, okA := types.ToFloat(actual)
		b, okB := types.ToFloat(expected)
		res.Matched = okA && okB && types.CompareFloat(a, c.Operator, b)
	case types.OpContains, types.OpNotContains:
		a, okA := actual.(string)
		b, okB := expected.(string)
		if okA && okB {
			contains := strings.Contains(a, b)
			res.Matched = contains == (c.Operator == types.OpContains)
		}
	case types.OpMatches:
		a, okA := actual.(string)
		pattern, okB := expected.(string)
		if okA && okB {
			if re := e.patterns.compile(pattern); re != nil {
				res.Matched = re.MatchString(a)
			}
		}
	case types.OpIn, types.OpNotIn:
		in, isList := member(actual, expected)
		if isList {
			res.Matched = in == (c.Operator == types.OpIn)
		}
	}
	return res
}

// expectedValue returns the right-hand operand of c.
func expectedValue(c Condition, ctx Context) (any, bool) {
	switch c.ValueType {
	case ValueDynamic:
		path, ok := c.Value.(string)
		if !ok {
			return nil, false
		}
		return resolve(ctx.Data, path)
	case ValueReference:
		path, ok := c.Value.(string)
		if !ok {
			return nil, false
		}
		return resolve(ctx.Metadata, path)
	default:
		return c.Value, true
	}
}

// resolve walks a dotted path through nested maps. Any map type with string
// keys is traversed, so values decoded from JSON or YAML both work.
func resolve(data map[string]any, path string) (any, bool) {
	if path == "" || data == nil {
		return nil, false
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		next, ok := child(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func child(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		c, ok := m[key]
		return c, ok
	case map[string]string:
		c, ok := m[key]
		return c, ok
	case map[string]float64:
		c, ok := m[key]
		return c, ok
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	c := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
	if !c.IsValid() {
		return nil, false
	}
	return c.Interface(), true
}

// equal compares two values including their type. All Go numeric kinds
// count as one number type, so an int from YAML equals a float64 from JSON.
func equal(a, b any) bool {
	fa, okA := types.ToFloat(a)
	fb, okB := types.ToFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// member reports whether v is an element of list. isList is false when list
// is not a slice or array.
func member(v, list any) (in, isList bool) {
	if list == nil {
		return false, false
	}
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(v, rv.Index(i).Interface()) {
			return true, true
		}
	}
	return false, true
}

// patternCache memoises compiled MATCHES patterns. Invalid patterns are
// cached as nil so they are reported only once.
type patternCache struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

func (p *patternCache) compile(pattern string) *regexp.Regexp {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.compiled[pattern]; ok {
		return re
	}
	if p.compiled == nil || len(p.compiled) >= maxCachedPatterns {
		p.compiled = make(map[string]*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Debug("rules: invalid MATCHES pattern treated as non-matching",
			"pattern", pattern, "err", err)
		re = nil
	}
	p.compiled[pattern] = re
	return re
}
