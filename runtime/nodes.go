package runtime

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type OutcomeKind int

const (
	// OutcomeContinue follows the node's outgoing edges.
	OutcomeContinue OutcomeKind = iota
	// OutcomeRedirect switches to Target, bypassing edge resolution.
	OutcomeRedirect
	// OutcomeHalt parks the session until the next inbound message.
	OutcomeHalt
	// OutcomeEnd finishes the walk and ends the session.
	OutcomeEnd
)

// Outcome is what a node executor asks the walker to do next.
type Outcome struct {
	Kind   OutcomeKind
	Target string
}

func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }

func Redirect(target string) Outcome { return Outcome{Kind: OutcomeRedirect, Target: target} }

func Halt() Outcome { return Outcome{Kind: OutcomeHalt} }

func End() Outcome { return Outcome{Kind: OutcomeEnd} }

// ExecuteNode performs a node's side effect and reports how the walk proceeds.
func (w *Walker) ExecuteNode(exec *Execution, node *Node) (Outcome, error) {
	kind := node.Kind()
	ctx, span := tracer.Start(exec.Context(), "chatflow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(kind)),
	))
	defer span.End()
	exec = exec.WithContext(ctx)
	w.metrics.nodes.Add(ctx, 1, nodeAttrs(kind))

	w.l.InfoContext(exec, fmt.Sprintf("Executing node: %s", node.ID),
		"session_id", exec.Session.ID,
		"node_type", node.Type)

	switch kind {
	case NodeStart:
		return Continue(), nil
	case NodeMessage:
		return w.execMessage(exec, node)
	case NodeMedia:
		return w.execMedia(exec, node)
	case NodeInput:
		return w.execInput(exec, node)
	case NodeOptions:
		return w.execOptions(exec, node)
	case NodeCondition:
		return Continue(), nil
	case NodeVariable:
		return w.execVariable(exec, node)
	case NodeDelay:
		return w.execDelay(exec, node)
	case NodeHTTPRequest:
		return w.execHTTP(exec, node)
	case NodeLLM:
		return w.execLLM(exec, node)
	case NodeUpdateCustomer:
		return w.execUpdateCustomer(exec, node)
	case NodeJump:
		cfg, err := decodeNodeConfig[JumpNodeConfig](node)
		if err != nil {
			return Outcome{}, err
		}
		return Redirect(cfg.TargetNodeID), nil
	case NodeEnd:
		return End(), nil
	default:
		return Outcome{}, &FlowError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeRuntimeError,
			Message: fmt.Sprintf("unknown node type %q", node.Type),
			Node:    node.ID,
		}
	}
}

type ConditionNodeConfig struct {
	Conditions []Condition `json:"conditions" validate:"dive"`
}

type InputNodeConfig struct {
	Text           string  `json:"text"`
	Variable       string  `json:"variable"`
	TimeoutMinutes float64 `json:"timeoutMinutes" validate:"gte=0"`
}

type Option struct {
	Label string `json:"label" validate:"required"`
	Value string `json:"value"`
}

func (o Option) value() string {
	if o.Value != "" {
		return o.Value
	}
	return o.Label
}

type OptionsNodeConfig struct {
	Text           string   `json:"text"`
	Options        []Option `json:"options" validate:"dive"`
	Variable       string   `json:"variable"`
	OptionVariable string   `json:"optionVariable"`
	TimeoutMinutes float64  `json:"timeoutMinutes" validate:"gte=0"`
}

// match compares content against option labels, trimmed and case-insensitive.
func (c OptionsNodeConfig) match(content string) (int, bool) {
	content = strings.TrimSpace(content)
	for i, o := range c.Options {
		if strings.EqualFold(strings.TrimSpace(o.Label), content) {
			return i, true
		}
	}
	return 0, false
}

type JumpNodeConfig struct {
	TargetNodeID string `json:"targetNodeId" validate:"required"`
}

func (w *Walker) execInput(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[InputNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}
	if text := exec.Interpolate(cfg.Text); text != "" {
		if err := w.send(exec, OutboundMessage{Content: text}); err != nil {
			return Outcome{}, err
		}
	}
	w.armTimeout(exec, cfg.TimeoutMinutes)
	return Halt(), nil
}

func (w *Walker) execOptions(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[OptionsNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}
	labels := make([]string, 0, len(cfg.Options))
	for _, o := range cfg.Options {
		labels = append(labels, exec.Interpolate(o.Label))
	}
	msg := OutboundMessage{
		Content:  exec.Interpolate(cfg.Text),
		Metadata: map[string]any{"options": labels},
	}
	if err := w.send(exec, msg); err != nil {
		return Outcome{}, err
	}
	w.armTimeout(exec, cfg.TimeoutMinutes)
	return Halt(), nil
}

// armTimeout records when a parked session times out. Zero disables it.
func (w *Walker) armTimeout(exec *Execution, minutes float64) {
	if minutes <= 0 {
		exec.Session.TimeoutAt = nil
		return
	}
	at := w.now().Add(time.Duration(minutes * float64(time.Minute)))
	exec.Session.TimeoutAt = &at
}

// ValidateNode decodes and validates a node's data against its kind's config
// without executing it.
func ValidateNode(node *Node) error {
	var err error
	switch node.Kind() {
	case NodeStart, NodeEnd:
	case NodeMessage:
		_, err = decodeNodeConfig[MessageNodeConfig](node)
	case NodeMedia:
		_, err = decodeNodeConfig[MediaNodeConfig](node)
	case NodeInput:
		_, err = decodeNodeConfig[InputNodeConfig](node)
	case NodeOptions:
		_, err = decodeNodeConfig[OptionsNodeConfig](node)
	case NodeCondition:
		_, err = decodeNodeConfig[ConditionNodeConfig](node)
	case NodeVariable:
		_, err = decodeNodeConfig[VariableNodeConfig](node)
	case NodeDelay:
		_, err = decodeNodeConfig[DelayNodeConfig](node)
	case NodeHTTPRequest:
		_, err = decodeNodeConfig[HTTPNodeConfig](node)
	case NodeLLM:
		_, err = decodeNodeConfig[LLMNodeConfig](node)
	case NodeUpdateCustomer:
		_, err = decodeNodeConfig[UpdateCustomerNodeConfig](node)
	case NodeJump:
		_, err = decodeNodeConfig[JumpNodeConfig](node)
	default:
		err = fmt.Errorf("unknown node type %q", node.Type)
	}
	return err
}

// RedirectTargets returns the node ids a node may jump to outside its edges.
func RedirectTargets(node *Node) []string {
	switch node.Kind() {
	case NodeJump:
		if cfg, err := decodeNodeConfig[JumpNodeConfig](node); err == nil {
			return []string{cfg.TargetNodeID}
		}
	case NodeLLM:
		cfg, err := decodeNodeConfig[LLMNodeConfig](node)
		if err != nil {
			return nil
		}
		var out []string
		for _, t := range cfg.Tools {
			if t.TargetNodeID != "" {
				out = append(out, t.TargetNodeID)
			}
			for _, p := range t.Parameters {
				for _, c := range p.Conditions {
					out = append(out, c.TargetNodeID)
				}
			}
		}
		return out
	}
	return nil
}
