package yaml

import (
	"encoding/base64"
	"fmt"
	"maps"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/expr-lang/expr"
)

// Custom expression functions available in all flows
var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}),
	expr.Function("text", func(params ...any) (any, error) {
		return runtime.FormatValue(params[0]), nil
	}),
}

// ExpressionEvaluator evaluates variable node expressions with expr-lang.
// Keys and expressions use the flat underscore convention.
type ExpressionEvaluator struct{}

var _ runtime.ExpressionEvaluator = (*ExpressionEvaluator)(nil)

func NewExpressionEvaluator() *ExpressionEvaluator {
	return &ExpressionEvaluator{}
}

func (e *ExpressionEvaluator) Eval(expression string, env map[string]any) (any, error) {
	context := maps.Clone(env)
	if context == nil {
		context = make(map[string]any)
	}
	// null is an alias for nil in flow documents
	context["null"] = nil

	// defined("order.id") is true when the key exists, even if its value is null
	definedFn := expr.Function(
		"defined",
		func(params ...any) (any, error) {
			path, ok := params[0].(string)
			if !ok {
				return false, fmt.Errorf("defined() expects string path argument, got %T", params[0])
			}
			_, exists := context[runtime.FormatKey(path)]
			return exists, nil
		},
		new(func(string) bool),
	)

	// NOTE: expr.Env MUST come before AllowUndefinedVariables for it to work
	opts := []expr.Option{
		expr.Env(context),
		expr.AllowUndefinedVariables(),
		definedFn,
	}
	opts = append(opts, exprFunctions...)

	program, err := expr.Compile(runtime.FormatExpression(expression), opts...)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, context)
}
