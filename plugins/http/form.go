package http

import (
	"fmt"
	"strconv"
)

// flattenToFormData converts nested maps and slices to bracketed form keys:
// {"metadata": {"id": 1}} becomes metadata[id]=1 and {"items": ["a"]}
// becomes items[0]=a.
func flattenToFormData(data map[string]any, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range data {
		key := k
		if prefix != "" {
			key = prefix + "[" + k + "]"
		}
		flattenValue(out, key, v)
	}
	return out
}

func flattenValue(out map[string]string, key string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range flattenToFormData(val, key) {
			out[k] = inner
		}
	case []any:
		for i, item := range val {
			flattenValue(out, key+"["+strconv.Itoa(i)+"]", item)
		}
	case nil:
		out[key] = ""
	case float64:
		out[key] = strconv.FormatFloat(val, 'f', -1, 64)
	default:
		out[key] = fmt.Sprint(val)
	}
}
