package runtime

import (
	"context"
	"slices"
	"time"
)

// LanguageModel is the chat-completion service language-model nodes call.
type LanguageModel interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition is a function the model may call. Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type CompletionRequest struct {
	Model       string           `json:"model,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type CompletionResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

type LLMNodeConfig struct {
	SystemPrompt    string       `json:"systemPrompt"`
	ContextMessages int          `json:"contextMessages" default:"10" validate:"gte=0"`
	Model           string       `json:"model"`
	Temperature     *float64     `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	AnswerVariable  string       `json:"answerVariable"`
	SendResponse    bool         `json:"sendResponse"`
	Tools           []ToolConfig `json:"tools" validate:"dive"`
}

type ToolConfig struct {
	Name         string          `json:"name" validate:"required"`
	Description  string          `json:"description"`
	TargetNodeID string          `json:"targetNodeId"`
	Parameters   []ToolParameter `json:"parameters" validate:"dive"`
}

type ToolParameter struct {
	Name        string          `json:"name" validate:"required"`
	Type        string          `json:"type" validate:"omitempty,oneof=string number integer boolean"`
	Description string          `json:"description"`
	Enum        []string        `json:"enum"`
	Required    bool            `json:"required"`
	Conditions  []ToolCondition `json:"conditions" validate:"dive"`
}

// ToolCondition redirects to TargetNodeID when the argument satisfies Operator/Value.
type ToolCondition struct {
	Operator     Operator `json:"operator" validate:"required"`
	Value        string   `json:"value"`
	TargetNodeID string   `json:"targetNodeId" validate:"required"`
}

func (w *Walker) execLLM(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[LLMNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}
	if w.llm == nil {
		return Outcome{}, &FlowError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeLLMFailure,
			Message: "no language model configured",
		}
	}

	req := CompletionRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages:    w.contextMessages(exec, cfg),
	}
	for _, t := range cfg.Tools {
		req.Tools = append(req.Tools, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toolSchema(t.Parameters),
		})
	}

	ctx, cancel := context.WithTimeout(exec, w.cfg.LLMTimeout)
	defer cancel()
	started := time.Now()
	resp, err := w.llm.Complete(ctx, req)
	if err != nil {
		fe := asFlowError(err, node.ID, exec.Session.ID)
		if fe.Type != ErrorTypeTimeout {
			fe.Type = ErrorTypeTransient
			fe.Code = ErrorCodeLLMFailure
		}
		return Outcome{}, fe
	}
	w.l.InfoContext(exec, "Language model replied",
		"session_id", exec.Session.ID,
		"node_id", node.ID,
		"tool_calls", len(resp.ToolCalls),
		"duration", time.Since(started))

	for _, call := range resp.ToolCalls {
		idx := slices.IndexFunc(cfg.Tools, func(t ToolConfig) bool { return t.Name == call.Name })
		if idx < 0 {
			w.l.WarnContext(exec, "Model called an undeclared tool", "node_id", node.ID, "tool", call.Name)
			continue
		}
		return w.applyToolCall(exec, cfg.Tools[idx], call), nil
	}

	answer := exec.Interpolate(resp.Content)
	if cfg.AnswerVariable != "" {
		exec.SetVariable(cfg.AnswerVariable, answer)
	}
	if cfg.SendResponse && answer != "" {
		if err := w.send(exec, OutboundMessage{Content: answer}); err != nil {
			return Outcome{}, err
		}
	}
	return Continue(), nil
}

// applyToolCall stores the call's arguments as variables and picks the
// redirect target: the first matching argument condition, then the tool's
// default target, then the node's own edges. Values outside a declared enum
// are coerced to its first entry.
func (w *Walker) applyToolCall(exec *Execution, tool ToolConfig, call ToolCall) Outcome {
	for _, p := range tool.Parameters {
		v, ok := call.Arguments[p.Name]
		if !ok {
			continue
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, FormatValue(v)) {
			w.l.WarnContext(exec, "Tool argument outside enum, coercing",
				"tool", tool.Name,
				"parameter", p.Name,
				"value", v,
				"coerced", p.Enum[0])
			v = p.Enum[0]
		}
		exec.SetVariable(p.Name, v)
	}

	sc := exec.Scope()
	for _, p := range tool.Parameters {
		if _, ok := call.Arguments[p.Name]; !ok {
			continue
		}
		for _, c := range p.Conditions {
			leaf := SubCondition{Field: p.Name, Operator: c.Operator, Value: c.Value}
			if w.conditions.EvaluateLeaf(leaf, sc) {
				return Redirect(c.TargetNodeID)
			}
		}
	}
	if tool.TargetNodeID != "" {
		return Redirect(tool.TargetNodeID)
	}
	return Continue()
}

func (w *Walker) contextMessages(exec *Execution, cfg LLMNodeConfig) []ChatMessage {
	var msgs []ChatMessage
	if prompt := exec.Interpolate(cfg.SystemPrompt); prompt != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: prompt})
	}
	history := exec.Session.MessageHistory
	if n := cfg.ContextMessages; n >= 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	for _, h := range history {
		role := "user"
		switch h.Role {
		case RoleBot:
			role = "assistant"
		case RoleSystem:
			role = "system"
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: h.Content})
	}
	return msgs
}

func toolSchema(params []ToolParameter) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
