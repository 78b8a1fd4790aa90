package runtime

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	hyphenStartOrEndRe = regexp.MustCompile(`(^|[^ ])-([^ ]|$)`)
	hyphenMiddleRe     = regexp.MustCompile(`([^ ])-([^ ])`)
)

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// FormatKey turns a dotted or hyphenated variable path into the flat
// identifier used in expression environments: "order.total-net" becomes
// "order_total_net".
func FormatKey(key string) string {
	key = strings.ReplaceAll(key, ".", "_")
	key = hyphenStartOrEndRe.ReplaceAllString(key, "${1}_${2}")
	key = hyphenMiddleRe.ReplaceAllString(key, "${1}_${2}")
	return key
}

// FormatExpression rewrites path accesses in an expression to the flat key
// convention, leaving string literals, numbers, optional chaining and lambda
// accessors alone.
func FormatExpression(e string) string {
	result := []rune(e)
	openParentheses := 0
	inDoubleQuote := false
	inBacktick := false
	escapeNext := false

	for i, r := range result {
		if escapeNext {
			escapeNext = false
			continue
		}

		if inDoubleQuote && r == '\\' {
			escapeNext = true
			continue
		}

		if r == '"' && !inBacktick {
			inDoubleQuote = !inDoubleQuote
			continue
		}
		if r == '`' && !inDoubleQuote {
			inBacktick = !inBacktick
			continue
		}

		if inDoubleQuote || inBacktick {
			continue
		}

		switch r {
		case '(':
			openParentheses++
		case ')':
			openParentheses--
		case '.':
			// ?. and #. are operators
			if i > 0 && (result[i-1] == '?' || result[i-1] == '#') {
				continue
			}
			if i > 0 && i < len(result)-1 && isDigit(result[i-1]) && isDigit(result[i+1]) {
				continue
			}
			result[i] = '_'
		case '-':
			if openParentheses > 0 || len(result) < 2 {
				continue
			}
			var temp string
			switch {
			case i == 0:
				temp = string(result[i : i+2])
			case i == len(result)-1:
				temp = string(result[i-1 : i+1])
			default:
				temp = string(result[i-1 : i+2])
			}
			if hyphenStartOrEndRe.MatchString(temp) || hyphenMiddleRe.MatchString(temp) {
				result[i] = '_'
			}
		}
	}
	return string(result)
}

// flattenInto stores value under FormatKey(prefix) and expands nested maps and
// arrays into their own flat keys, so "order.items.0.sku" is addressable.
func flattenInto(env map[string]any, prefix string, value any) {
	env[FormatKey(prefix)] = value

	switch v := value.(type) {
	case map[string]any:
		for k, item := range v {
			flattenInto(env, prefix+"."+k, item)
		}
	case []any:
		for i, item := range v {
			flattenInto(env, fmt.Sprintf("%s.%d", prefix, i), item)
		}
	}
}
