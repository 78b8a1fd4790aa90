package runtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Scope is the read-only view interpolation and conditions resolve names against.
type Scope struct {
	Session  *FlowSession
	Chat     *Chat
	Customer *Customer
}

// Client-data fields available to conditions.
const (
	ClientFieldFunnelStage = "chat.funnel_stage"
	ClientFieldPrice       = "chat.price"
	ClientFieldTeam        = "chat.team"
	ClientFieldAssignee    = "chat.assignee"
	ClientFieldTags        = "chat.tags"
)

// Variable resolves a session variable by name.
func (sc Scope) Variable(name string) (any, bool) {
	if sc.Session == nil {
		return nil, false
	}
	return sc.Session.Variables.Get(name)
}

// Lookup resolves a placeholder key: an exact variable name, a customer.* or
// chat.* projection, or a dotted path into a structured variable.
func (sc Scope) Lookup(key string) (any, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	if v, ok := sc.Variable(key); ok {
		return v, true
	}
	if strings.HasPrefix(key, "customer.") || strings.HasPrefix(key, "chat.") {
		if v, ok := sc.ClientField(key); ok {
			return v, true
		}
	}

	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	root, ok := sc.Variable(head)
	if !ok {
		return nil, false
	}
	return lookupPath(root, rest)
}

// ClientField resolves a customer.* or chat.* field.
func (sc Scope) ClientField(field string) (any, bool) {
	switch {
	case strings.HasPrefix(field, "customer."):
		return sc.customerField(strings.TrimPrefix(field, "customer."))
	case strings.HasPrefix(field, "chat."):
		return sc.chatField(strings.TrimPrefix(field, "chat."))
	}
	return nil, false
}

func (sc Scope) customerField(name string) (any, bool) {
	c := sc.Customer
	if c == nil {
		return nil, false
	}
	switch name {
	case "id":
		return c.ID, true
	case "name":
		return c.Name, true
	case "first_name", "firstName":
		first, _, _ := strings.Cut(strings.TrimSpace(c.Name), " ")
		return first, true
	case "email":
		return c.Email, true
	case "phone":
		return c.Phone, true
	}
	if c.Attributes == nil {
		return nil, false
	}
	if v, ok := c.Attributes[name]; ok {
		return v, true
	}
	return lookupPath(c.Attributes, name)
}

func (sc Scope) chatField(name string) (any, bool) {
	c := sc.Chat
	if c == nil {
		return nil, false
	}
	switch name {
	case "id":
		return c.ID, true
	case "status":
		return string(c.Status), true
	case "funnel", "funnel_id", "funnelId":
		return c.FunnelID, true
	case "funnel_stage", "funnelStage", "funnelStageId", "stage":
		return c.FunnelStageID, true
	case "price":
		return c.Price, true
	case "team", "teamId":
		return c.TeamID, true
	case "assignee", "assigneeId", "agent":
		return c.AssigneeID, true
	case "tags":
		return c.Tags, true
	case "rating":
		if c.Rating == nil {
			return nil, true
		}
		return *c.Rating, true
	case "feedback":
		return c.Feedback, true
	}
	return nil, false
}

// lookupPath walks a dotted path (array indices allowed) through a structured
// value. JSON text is parsed first.
func lookupPath(root any, path string) (any, bool) {
	var container *gabs.Container
	switch r := root.(type) {
	case string:
		trimmed := strings.TrimSpace(r)
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			return nil, false
		}
		parsed, err := gabs.ParseJSON([]byte(trimmed))
		if err != nil {
			return nil, false
		}
		container = parsed
	case map[string]any, []any:
		container = gabs.Wrap(r)
	default:
		return nil, false
	}

	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return container.Data(), true
	}
	if !container.ExistsP(path) {
		return nil, false
	}
	return container.Path(path).Data(), true
}

// FormatValue renders a variable value the way it appears in outbound text.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case []string:
		return strings.Join(t, ", ")
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
