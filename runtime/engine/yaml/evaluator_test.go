package yaml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, expression string, env map[string]any) any {
	t.Helper()
	result, err := NewExpressionEvaluator().Eval(expression, env)
	require.NoError(t, err)
	return result
}

func TestBase64(t *testing.T) {
	assert.Equal(t, "aGVsbG8=", eval(t, `base64_encode("hello")`, nil))
	assert.Equal(t, "", eval(t, `base64_encode("")`, nil))
	assert.Equal(t, "user:password", eval(t, `base64_decode("dXNlcjpwYXNzd29yZA==")`, nil))
	assert.Equal(t, "Basic c2tfdGVzdF9hYmMxMjM6", eval(t, `"Basic " + base64_encode(api.key + ":")`, map[string]any{"api_key": "sk_test_abc123"}))

	_, err := NewExpressionEvaluator().Eval(`base64_decode("%%%")`, nil)
	assert.Error(t, err)
}

func TestFlatPaths(t *testing.T) {
	env := map[string]any{
		"cart_qty":      21,
		"customer_name": "Ada",
		"order-total":   10,
		"order_total":   10,
		"price":         2.5,
	}
	assert.Equal(t, 42, eval(t, "cart.qty * 2", env))
	assert.Equal(t, "Hi Ada", eval(t, `"Hi " + customer.name`, env))
	assert.Equal(t, 25.0, eval(t, "order.total * price", env))
	assert.Equal(t, true, eval(t, `customer.name == "Ada" && cart.qty > 20`, env))
}

func TestText(t *testing.T) {
	assert.Equal(t, "3", eval(t, "text(3.0)", nil))
	assert.Equal(t, "a, b", eval(t, "text(tags)", map[string]any{"tags": []string{"a", "b"}}))
}

func TestAllowUndefinedVariables(t *testing.T) {
	env := map[string]any{"exists": "hello", "is_nil": nil}

	assert.Equal(t, "hello", eval(t, "exists", env))
	assert.Nil(t, eval(t, "is_nil", env))
	assert.Nil(t, eval(t, "missing", env))
	assert.Nil(t, eval(t, "missing.nested.deep", env))
}

func TestNullCoalescing(t *testing.T) {
	env := map[string]any{"plan": "pro", "is_nil": nil}

	assert.Equal(t, "pro", eval(t, `plan ?? "basic"`, env))
	assert.Equal(t, "basic", eval(t, `is_nil ?? "basic"`, env))
	assert.Equal(t, "basic", eval(t, `missing ?? is_nil ?? "basic"`, env))
	assert.Equal(t, true, eval(t, `plan == null ? false : true`, env))
}

func TestOptionalChaining(t *testing.T) {
	env := map[string]any{
		"user": map[string]any{
			"email":   "ada@example.com",
			"profile": map[string]any{"bio": "Hello"},
		},
	}

	assert.Equal(t, "ada@example.com", eval(t, "user?.email", env))
	assert.Equal(t, "Hello", eval(t, "user?.profile?.bio", env))
	assert.Nil(t, eval(t, "user?.profile?.missing", env))
	assert.Nil(t, eval(t, "missing?.a?.b", env))
}

func TestDefined(t *testing.T) {
	env := map[string]any{"exists": "hello", "is_nil": nil, "order_id": "A-17"}

	assert.Equal(t, true, eval(t, `defined("exists")`, env))
	assert.Equal(t, true, eval(t, `defined("is_nil")`, env))
	assert.Equal(t, false, eval(t, `defined("missing")`, env))
	assert.Equal(t, true, eval(t, `defined("order.id")`, env))
	assert.Equal(t, "skipped", eval(t, `defined("order.total") ? "ran" : "skipped"`, env))
}

func TestEvalDoesNotMutateEnv(t *testing.T) {
	env := map[string]any{"a": 1}
	eval(t, "a + 1", env)
	assert.NotContains(t, env, "null")
}

func TestCompileError(t *testing.T) {
	_, err := NewExpressionEvaluator().Eval("1 +", nil)
	assert.Error(t, err)
}
