package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateLeaf(t *testing.T) {
	ce := NewConditionEvaluator(discardLogger())
	sc := testScope()
	sc.Session.Variables.Set("plan", "Pro")
	sc.Session.Variables.Set("age", "42")
	sc.Session.Variables.Set("blank", "  ")
	sc.Session.Variables.Set("phone", "+44 20 7946 0000")
	sc.Session.Variables.Set("threshold", "40")

	tests := []struct {
		name string
		leaf SubCondition
		want bool
	}{
		{"equals exact", SubCondition{Field: "plan", Operator: OpEquals, Value: "Pro"}, true},
		{"equals is case sensitive", SubCondition{Field: "plan", Operator: OpEquals, Value: "pro"}, false},
		{"equals numeric", SubCondition{Field: "age", Operator: OpEquals, Value: "42.0"}, true},
		{"notEquals", SubCondition{Field: "plan", Operator: OpNotEquals, Value: "basic"}, true},
		{"contains ignores case", SubCondition{Field: "name", Operator: OpContains, Value: "ADA"}, true},
		{"notContains", SubCondition{Field: "name", Operator: OpNotContains, Value: "bob"}, true},
		{"startsWith", SubCondition{Field: "phone", Operator: OpStartsWith, Value: "+44"}, true},
		{"endsWith", SubCondition{Field: "customer.email", Operator: OpEndsWith, Value: "@EXAMPLE.com"}, true},
		{"greaterThan", SubCondition{Field: "age", Operator: OpGreaterThan, Value: "40"}, true},
		{"greaterThan interpolated", SubCondition{Field: "age", Operator: OpGreaterThan, Value: "{{threshold}}"}, true},
		{"lessThan", SubCondition{Field: "age", Operator: OpLessThan, Value: "40"}, false},
		{"greaterThanOrEqual", SubCondition{Field: "age", Operator: OpGreaterThanOrEqual, Value: "42"}, true},
		{"lessThanOrEqual", SubCondition{Field: "age", Operator: OpLessThanOrEqual, Value: "41"}, false},
		{"numeric against text", SubCondition{Field: "plan", Operator: OpGreaterThan, Value: "1"}, false},
		{"isEmpty blank", SubCondition{Field: "blank", Operator: OpIsEmpty}, true},
		{"isEmpty unresolved", SubCondition{Field: "nope", Operator: OpIsEmpty}, true},
		{"isNotEmpty unresolved", SubCondition{Field: "nope", Operator: OpIsNotEmpty}, false},
		{"notEquals unresolved", SubCondition{Field: "nope", Operator: OpNotEquals, Value: "x"}, false},
		{"isNotEmpty", SubCondition{Field: "name", Operator: OpIsNotEmpty}, true},
		{"regex", SubCondition{Field: "phone", Operator: OpMatchesRegex, Value: `^\+44`}, true},
		{"invalid regex", SubCondition{Field: "phone", Operator: OpMatchesRegex, Value: `(`}, false},
		{"notMatchesRegex", SubCondition{Field: "phone", Operator: OpNotMatchesRegex, Value: `^\+1`}, true},
		{"invalid regex negated", SubCondition{Field: "phone", Operator: OpNotMatchesRegex, Value: `(`}, false},
		{"inList", SubCondition{Field: "plan", Operator: OpInList, Value: "basic, pro ,team"}, true},
		{"notInList", SubCondition{Field: "plan", Operator: OpNotInList, Value: "basic,team"}, true},
		{"tags inList", SubCondition{Field: "chat.tags", Operator: OpInList, Value: "vip,gold"}, true},
		{"tags notInList", SubCondition{Field: "chat.tags", Operator: OpNotInList, Value: "vip"}, false},
		{"tags contains", SubCondition{Field: "chat.tags", Operator: OpContains, Value: "ne"}, true},
		{"stage ids", SubCondition{Field: "chat.funnel_stage", Operator: OpEquals, StageIDs: []string{"stage-1", "stage-2"}}, true},
		{"stage ids negated", SubCondition{Field: "chat.funnel_stage", Operator: OpNotEquals, StageIDs: []string{"stage-2"}}, false},
		{"placeholder field", SubCondition{Field: "{{plan}}", Operator: OpEquals, Value: "Pro"}, true},
		{"nested path", SubCondition{Field: "order.id", Operator: OpEquals, Value: "A-17"}, true},
		{"unknown operator", SubCondition{Field: "plan", Operator: "looksLike", Value: "Pro"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ce.EvaluateLeaf(tt.leaf, sc))
		})
	}
}

func TestEvaluate_LogicOperators(t *testing.T) {
	ce := NewConditionEvaluator(discardLogger())
	sc := testScope()

	yes := SubCondition{Field: "name", Operator: OpEquals, Value: "Ada"}
	no := SubCondition{Field: "name", Operator: OpEquals, Value: "Bob"}

	assert.True(t, ce.Evaluate(Condition{LogicOperator: LogicAnd, Conditions: []SubCondition{yes, yes}}, sc))
	assert.False(t, ce.Evaluate(Condition{LogicOperator: LogicAnd, Conditions: []SubCondition{yes, no}}, sc))
	assert.True(t, ce.Evaluate(Condition{LogicOperator: LogicOr, Conditions: []SubCondition{no, yes}}, sc))
	assert.False(t, ce.Evaluate(Condition{LogicOperator: "or", Conditions: []SubCondition{no, no}}, sc))
	assert.True(t, ce.Evaluate(Condition{Conditions: []SubCondition{yes}}, sc), "AND is the default")
	assert.False(t, ce.Evaluate(Condition{LogicOperator: LogicAnd}, sc), "empty condition")
}
