package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatKey(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"customer.name", "customer_name"},
		{"order.total-net", "order_total_net"},
		{"X-Request-ID", "X_Request_ID"},
		{"a-b-c-d-e", "a_b_c_d_e"},
		{"cart.items.0.sku", "cart_items_0_sku"},
		{"plain", "plain"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, FormatKey(tc.input), "FormatKey(%q)", tc.input)
	}
}

func TestFormatExpression(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"customer.name", "customer_name"},
		{"cart.qty * 2", "cart_qty * 2"},
		{`chat.tags contains "vip"`, `chat_tags contains "vip"`},

		// string literals are untouched
		{`"a.b" + order.id`, `"a.b" + order_id`},
		{"`x.y`", "`x.y`"},
		{`"say \"a.b\"" + c.d`, `"say \"a.b\"" + c_d`},

		// numbers keep their decimal point
		{"price * 0.5", "price * 0.5"},
		{"3.14", "3.14"},

		// optional chaining and lambda accessors
		{"user?.name", "user?.name"},
		{"profile.settings?.theme", "profile_settings?.theme"},
		{"filter(items, {#.Age > 18})", "filter(items, {#.Age > 18})"},

		// hyphens join names but spaced minus is subtraction
		{"order.total-net", "order_total_net"},
		{"total - discount", "total - discount"},
		{"-x", "_x"},
		{"x-", "x_"},
		{"-", "-"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, FormatExpression(tc.input), "FormatExpression(%q)", tc.input)
	}
}

func TestFlattenInto(t *testing.T) {
	env := map[string]any{}
	flattenInto(env, "order", map[string]any{
		"id":    "A-17",
		"lines": []any{map[string]any{"sku": "X1"}},
	})

	assert.Equal(t, "A-17", env["order_id"])
	assert.Equal(t, "X1", env["order_lines_0_sku"])
	assert.Contains(t, env, "order")
	assert.Contains(t, env, "order_lines")
	assert.Contains(t, env, "order_lines_0")
}
