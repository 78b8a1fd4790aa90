package runtime

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "notEquals"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "notContains"
	OpGreaterThan        Operator = "greaterThan"
	OpLessThan           Operator = "lessThan"
	OpGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OpLessThanOrEqual    Operator = "lessThanOrEqual"
	OpIsEmpty            Operator = "isEmpty"
	OpIsNotEmpty         Operator = "isNotEmpty"
	OpStartsWith         Operator = "startsWith"
	OpEndsWith           Operator = "endsWith"
	OpMatchesRegex       Operator = "matchesRegex"
	OpNotMatchesRegex    Operator = "notMatchesRegex"
	OpInList             Operator = "inList"
	OpNotInList          Operator = "notInList"
)

// negations maps each negated operator to its positive counterpart.
var negations = map[Operator]Operator{
	OpNotEquals:       OpEquals,
	OpNotContains:     OpContains,
	OpNotMatchesRegex: OpMatchesRegex,
	OpNotInList:       OpInList,
}

// Condition is one branch of a condition node: sub-conditions combined with AND or OR.
type Condition struct {
	LogicOperator LogicOperator  `json:"logicOperator"`
	Conditions    []SubCondition `json:"conditions" validate:"dive"`
}

// SubCondition is a leaf predicate. Field names a session variable or a
// client-data field such as chat.tags or customer.email.
type SubCondition struct {
	Field    string   `json:"field" validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    string   `json:"value"`
	StageIDs []string `json:"stageIds"`
}

// ConditionEvaluator evaluates condition trees. It is safe for concurrent use.
type ConditionEvaluator struct {
	l *slog.Logger

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
}

func NewConditionEvaluator(l *slog.Logger) *ConditionEvaluator {
	if l == nil {
		l = slog.Default()
	}
	return &ConditionEvaluator{l: l, regexps: make(map[string]*regexp.Regexp)}
}

// Evaluate combines the condition's leaves. An empty condition is false.
func (c *ConditionEvaluator) Evaluate(cond Condition, sc Scope) bool {
	if len(cond.Conditions) == 0 {
		return false
	}
	or := strings.EqualFold(string(cond.LogicOperator), string(LogicOr))
	for _, leaf := range cond.Conditions {
		ok := c.EvaluateLeaf(leaf, sc)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

// EvaluateLeaf resolves the leaf's operand and applies its operator. Unknown
// fields only satisfy isEmpty; unknown operators are false, and so is either
// regex operator with an invalid pattern.
func (c *ConditionEvaluator) EvaluateLeaf(leaf SubCondition, sc Scope) bool {
	operand, found := c.operand(leaf.Field, sc)
	if !found {
		c.l.Debug("Condition field not resolved", "field", leaf.Field, "operator", leaf.Operator)
		return leaf.Operator == OpIsEmpty
	}

	switch leaf.Operator {
	case OpIsEmpty:
		return isEmptyValue(operand)
	case OpIsNotEmpty:
		return !isEmptyValue(operand)
	}

	want := sc.Interpolate(leaf.Value)

	if isFunnelStageField(leaf.Field) && len(leaf.StageIDs) > 0 {
		in := containsFold(leaf.StageIDs, FormatValue(operand))
		switch leaf.Operator {
		case OpEquals, OpInList:
			return in
		case OpNotEquals, OpNotInList:
			return !in
		}
	}

	if leaf.Operator == OpMatchesRegex || leaf.Operator == OpNotMatchesRegex {
		if _, err := c.compile(want); err != nil {
			c.l.Warn("Invalid condition pattern", "pattern", want, "error", err)
			return false
		}
	}

	if positive, negated := negations[leaf.Operator]; negated {
		return !c.match(positive, operand, want)
	}
	return c.match(leaf.Operator, operand, want)
}

// match applies a positive operator. List operands match when any element does.
func (c *ConditionEvaluator) match(op Operator, operand any, want string) bool {
	if items, ok := listValue(operand); ok {
		for _, item := range items {
			if c.matchScalar(op, item, want) {
				return true
			}
		}
		return false
	}
	return c.matchScalar(op, FormatValue(operand), want)
}

func (c *ConditionEvaluator) matchScalar(op Operator, got, want string) bool {
	switch op {
	case OpEquals:
		if a, b, ok := bothNumbers(got, want); ok {
			return a == b
		}
		return got == want
	case OpContains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(got), strings.ToLower(want))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(got), strings.ToLower(want))
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		a, b, ok := bothNumbers(got, want)
		if !ok {
			return false
		}
		switch op {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterThanOrEqual:
			return a >= b
		default:
			return a <= b
		}
	case OpMatchesRegex:
		re, err := c.compile(want)
		if err != nil {
			c.l.Warn("Invalid condition pattern", "pattern", want, "error", err)
			return false
		}
		return re.MatchString(got)
	case OpInList:
		return containsFold(splitList(want), got)
	default:
		c.l.Warn("Unknown condition operator", "operator", op)
		return false
	}
}

func (c *ConditionEvaluator) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.regexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	c.regexps[pattern] = re
	return re, nil
}

func (c *ConditionEvaluator) operand(field string, sc Scope) (any, bool) {
	field = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(field), "{{"), "}}"))
	if strings.HasPrefix(field, "customer.") || strings.HasPrefix(field, "chat.") {
		if v, ok := sc.ClientField(field); ok {
			return v, true
		}
	}
	return sc.Lookup(field)
}

func isFunnelStageField(field string) bool {
	switch strings.TrimSpace(field) {
	case ClientFieldFunnelStage, "chat.funnelStage", "chat.funnelStageId", "chat.stage":
		return true
	}
	return false
}

func isEmptyValue(v any) bool {
	if items, ok := listValue(v); ok {
		return len(items) == 0
	}
	if m, ok := v.(map[string]any); ok {
		return len(m) == 0
	}
	return strings.TrimSpace(FormatValue(v)) == ""
}

func listValue(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, FormatValue(item))
		}
		return out, true
	}
	return nil, false
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), s) {
			return true
		}
	}
	return false
}

func bothNumbers(a, b string) (float64, float64, bool) {
	x, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}
