package runtime

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate substitutes {{name}} and {{object.path}} placeholders.
// Unresolved placeholders are left untouched.
func (sc Scope) Interpolate(text string) string {
	if text == "" {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := sc.Lookup(key)
		if !ok {
			return match
		}
		return FormatValue(v)
	})
}

// InterpolateMap interpolates every value of a string map.
func (sc Scope) InterpolateMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[sc.Interpolate(k)] = sc.Interpolate(v)
	}
	return out
}

// ReplaceVariables interpolates text against a session's variables and the
// chat and customer projections. chat and customer may be nil.
func ReplaceVariables(text string, session *FlowSession, chat *Chat, customer *Customer) string {
	return Scope{Session: session, Chat: chat, Customer: customer}.Interpolate(text)
}
