// Package workflow provides multi-agent workflow definitions, conditional
// edge routing and execution.
package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Evaluator decides whether a routing condition holds for an agent's output.
// Evaluate is total: it never panics and never returns an error; conditions
// that cannot be evaluated are false. Compile reports conditions that are
// invalid at workflow load time (the lenient evaluator accepts everything,
// the CEL evaluator rejects what does not parse).
type Evaluator interface {
	Compile(condition string) error
	Evaluate(condition string, output any) bool
}

// conditionPattern parses the two supported comparison shapes:
//
//	output.path op value
//	value in|not in output.path
var conditionPattern = regexp.MustCompile(
	`^(?i)(?:output\.(\w+(?:\.\w+)*))\s*(==|!=|>=?|<=?|in|not in|contains)\s*(.+)$` +
		`|^(?i)(.+?)\s+(in|not in)\s+(?:output\.(\w+(?:\.\w+)*))$`,
)

var andSplit = regexp.MustCompile(`(?i)\s+and\s+`)
var orSplit = regexp.MustCompile(`(?i)\s+or\s+`)

// LenientEvaluator implements the default condition grammar:
//
//	output.category == 'technical'
//	output.confidence > 0.8
//	'error' in output.text
//	output.priority in ['high', 'critical']
//	cond and cond, cond or cond
//
// Anything that fails to parse falls back to a case-insensitive substring
// check of the whole condition against the output text. Missing fields
// evaluate to null, and comparisons against null are false except equality
// with null itself.
type LenientEvaluator struct{}

// NewLenientEvaluator returns the default evaluator.
func NewLenientEvaluator() *LenientEvaluator { return &LenientEvaluator{} }

// Compile always succeeds: every string is a valid lenient condition.
func (e *LenientEvaluator) Compile(condition string) error { return nil }

// Evaluate applies condition to output. An empty condition is always true.
func (e *LenientEvaluator) Evaluate(condition string, output any) (result bool) {
	if strings.TrimSpace(condition) == "" {
		return true
	}
	// The grammar is forgiving but the inputs are not trusted; any panic
	// from an unexpected shape evaluates to false.
	defer func() {
		if r := recover(); r != nil {
			result = false
		}
	}()
	return evaluateCondition(strings.TrimSpace(condition), normalizeOutput(output))
}

// normalizeOutput coerces an agent's output into a map. JSON object strings
// are parsed; any other string is wrapped as {"text": s, "raw": s}.
func normalizeOutput(output any) map[string]any {
	switch v := output.(type) {
	case map[string]any:
		return v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil && parsed != nil {
			return parsed
		}
		return map[string]any{"text": v, "raw": v}
	default:
		return map[string]any{"text": fmt.Sprint(output), "raw": fmt.Sprint(output)}
	}
}

func evaluateCondition(condition string, output map[string]any) bool {
	if andSplit.MatchString(condition) {
		for _, part := range andSplit.Split(condition, -1) {
			if !evaluateCondition(strings.TrimSpace(part), output) {
				return false
			}
		}
		return true
	}
	if orSplit.MatchString(condition) {
		for _, part := range orSplit.Split(condition, -1) {
			if evaluateCondition(strings.TrimSpace(part), output) {
				return true
			}
		}
		return false
	}

	if groups := conditionPattern.FindStringSubmatch(condition); groups != nil {
		switch {
		case groups[1] != "":
			// output.path op value
			fieldValue := fieldByPath(output, groups[1])
			compareValue := parseValue(strings.TrimSpace(groups[3]))
			return applyOperator(strings.ToLower(groups[2]), fieldValue, compareValue)
		case groups[6] != "":
			// value in|not in output.path
			compareValue := parseValue(strings.TrimSpace(groups[4]))
			fieldValue := fieldByPath(output, groups[6])
			return applyOperator(strings.ToLower(groups[5]), compareValue, fieldValue)
		}
	}

	// Fallback: substring match of the condition against the output text.
	return strings.Contains(strings.ToLower(outputText(output)), strings.ToLower(condition))
}

func outputText(output map[string]any) string {
	if text, ok := output["text"].(string); ok {
		return text
	}
	if raw, ok := output["raw"].(string); ok {
		return raw
	}
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprint(output)
	}
	return string(b)
}

// fieldByPath resolves a dotted path against nested maps. Missing or
// non-map intermediate values yield nil.
func fieldByPath(obj map[string]any, path string) any {
	var value any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = m[part]
	}
	return value
}

// parseValue converts a literal string from a condition into a typed value:
// quoted strings, JSON-style lists (single quotes accepted), booleans,
// null, numbers, or the raw string.
func parseValue(s string) any {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		var list []any
		if err := json.Unmarshal([]byte(strings.ReplaceAll(s, "'", `"`)), &list); err == nil {
			return list
		}
		return s
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "none", "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func applyOperator(op string, a, b any) bool {
	switch op {
	case "==":
		return looseEqual(a, b)
	case "!=":
		return !looseEqual(a, b)
	case ">", ">=", "<", "<=":
		return applyOrdering(op, a, b)
	case "in":
		return membership(a, b)
	case "not in":
		return !membership(a, b)
	case "contains":
		return membership(b, a)
	}
	return false
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func applyOrdering(op string, a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return false
		}
		return orderHolds(op, compareFloat(af, bf))
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return false
	}
	return orderHolds(op, strings.Compare(as, bs))
}

func orderHolds(op string, cmp int) bool {
	switch op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// membership reports whether a is in b: list membership for lists,
// substring for strings.
func membership(a, b any) bool {
	switch container := b.(type) {
	case []any:
		for _, item := range container {
			if looseEqual(a, item) {
				return true
			}
		}
		return false
	case string:
		s, ok := a.(string)
		if !ok {
			return false
		}
		return strings.Contains(container, s)
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
