package runtime

import (
	"fmt"
	"time"
)

const (
	VariableModeText       = "text"
	VariableModeExpression = "expression"
)

type VariableNodeConfig struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
	Mode  string `json:"mode" default:"text" validate:"oneof=text expression"`
}

type DelayNodeConfig struct {
	Seconds float64 `json:"seconds" validate:"gte=0"`
}

func (w *Walker) execVariable(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[VariableNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}

	if cfg.Mode != VariableModeExpression {
		exec.SetVariable(cfg.Name, exec.Interpolate(cfg.Value))
		return Continue(), nil
	}

	if w.evaluator == nil {
		return Outcome{}, &FlowError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeRuntimeError,
			Message: "no expression evaluator configured",
		}
	}
	v, err := w.evaluator.Eval(cfg.Value, expressionEnv(exec))
	if err != nil {
		return Outcome{}, &FlowError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeRuntimeError,
			Message: fmt.Sprintf("evaluate %q: %v", cfg.Value, err),
			Cause:   err,
		}
	}
	exec.SetVariable(cfg.Name, v)
	return Continue(), nil
}

// expressionEnv flattens variables and the customer and chat projections
// into underscore keys: {{order.id}} in a template is order.id (order_id) in
// an expression.
func expressionEnv(exec *Execution) map[string]any {
	env := make(map[string]any)
	for _, rec := range exec.Session.Variables.Records() {
		flattenInto(env, rec.Name, rec.Value)
	}
	if c := exec.Customer; c != nil {
		flattenInto(env, "customer", map[string]any{
			"id":         c.ID,
			"name":       c.Name,
			"email":      c.Email,
			"phone":      c.Phone,
			"attributes": c.Attributes,
		})
	}
	if c := exec.Chat; c != nil {
		flattenInto(env, "chat", map[string]any{
			"id":           c.ID,
			"status":       string(c.Status),
			"funnel_stage": c.FunnelStageID,
			"price":        c.Price,
			"team":         c.TeamID,
			"assignee":     c.AssigneeID,
			"tags":         c.Tags,
		})
	}
	return env
}

func (w *Walker) execDelay(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[DelayNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}
	if err := w.sleep(exec, time.Duration(cfg.Seconds*float64(time.Second))); err != nil {
		return Outcome{}, err
	}
	return Continue(), nil
}
