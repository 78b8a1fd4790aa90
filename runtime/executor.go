package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Walker moves a session through its flow graph. It executes nodes strictly
// sequentially and persists the session's position after every executed node,
// so a failing node leaves the session at the last node that completed.
type Walker struct {
	l          *slog.Logger
	cfg        ManagerConfig
	store      Store
	sender     Sender
	http       HTTPClient
	llm        LanguageModel
	evaluator  ExpressionEvaluator
	conditions *ConditionEvaluator
	reporter   ErrorReporter
	metrics    *instruments
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// WalkerOption configures optional collaborators.
type WalkerOption func(*Walker)

func WithHTTPClient(c HTTPClient) WalkerOption { return func(w *Walker) { w.http = c } }

func WithLanguageModel(m LanguageModel) WalkerOption { return func(w *Walker) { w.llm = m } }

func WithExpressionEvaluator(e ExpressionEvaluator) WalkerOption {
	return func(w *Walker) { w.evaluator = e }
}

func WithErrorReporter(r ErrorReporter) WalkerOption { return func(w *Walker) { w.reporter = r } }

// WithClock replaces time.Now and the cooperative sleep used by delay nodes
// and message pacing.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) WalkerOption {
	return func(w *Walker) {
		if now != nil {
			w.now = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

func NewWalker(l *slog.Logger, cfg ManagerConfig, store Store, sender Sender, opts ...WalkerOption) *Walker {
	w := &Walker{
		l:          l,
		cfg:        cfg.withLimits(),
		store:      store,
		sender:     sender,
		conditions: NewConditionEvaluator(l),
		metrics:    newInstruments(),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.reporter == nil {
		w.reporter = NewLogReporter(l)
	}
	return w
}

// ContinueFlow resumes a session with the execution's inbound event. When the
// session is parked at an input node the reply is captured first; the walk
// then proceeds from the node after the current one.
func (w *Walker) ContinueFlow(exec *Execution) error {
	s := exec.Session
	current := exec.Flow.Node(s.CurrentNodeID)
	if current == nil {
		w.l.WarnContext(exec, "Session points at a node missing from its flow",
			"session_id", s.ID,
			"flow_id", exec.Flow.ID,
			"node_id", s.CurrentNodeID)
		return w.EndSession(exec)
	}

	if exec.Event != nil {
		s.AppendHistory(HistoryEntry{Role: RoleUser, Content: exec.Event.Message.Content, At: w.now()}, w.cfg.HistoryLimit)
		s.LastInteraction = w.now()
	}
	if current.Kind().AwaitsInput() && exec.Event != nil {
		if err := w.processInputNode(exec, current); err != nil {
			return w.fail(exec, current, err)
		}
	}

	return w.Walk(exec, w.GetNextNode(exec, current))
}

// Walk executes node and its successors until the walk parks at an input
// node or runs out of edges, which ends the session.
func (w *Walker) Walk(exec *Execution, node *Node) error {
	ctx, span := tracer.Start(exec.Context(), "chatflow.walk", trace.WithAttributes(
		attribute.String("session.id", exec.Session.ID),
		attribute.String("flow.id", exec.Flow.ID),
	))
	defer span.End()
	exec = exec.WithContext(ctx)
	w.metrics.walks.Add(ctx, 1)

	maxSteps := w.cfg.MaxSteps
	if exec.Flow.Settings.MaxSteps > 0 {
		maxSteps = exec.Flow.Settings.MaxSteps
	}

	for node != nil {
		if exec.Steps >= maxSteps {
			err := &FlowError{
				Type:    ErrorTypePermanent,
				Code:    ErrorCodeStepLimit,
				Message: fmt.Sprintf("walk exceeded %d steps", maxSteps),
				Node:    node.ID,
				Session: exec.Session.ID,
			}
			span.SetStatus(codes.Error, err.Message)
			return w.fail(exec, node, err)
		}
		exec.Steps++

		outcome, err := w.ExecuteNode(exec, node)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return w.fail(exec, node, err)
		}

		exec.Session.CurrentNodeID = node.ID
		if err := w.persist(exec); err != nil {
			return err
		}

		switch outcome.Kind {
		case OutcomeHalt:
			w.l.InfoContext(exec, "Session parked at input node",
				"session_id", exec.Session.ID,
				"node_id", node.ID)
			return nil
		case OutcomeEnd:
			node = nil
		case OutcomeRedirect:
			target := exec.Flow.Node(outcome.Target)
			if target == nil {
				w.l.WarnContext(exec, "Redirect target not found",
					"session_id", exec.Session.ID,
					"node_id", node.ID,
					"target", outcome.Target)
			} else {
				w.l.InfoContext(exec, fmt.Sprintf("Redirecting from %s to %s", node.ID, target.ID),
					"session_id", exec.Session.ID)
			}
			node = target
		default:
			node = w.GetNextNode(exec, node)
		}
	}

	return w.EndSession(exec)
}

// GetNextNode resolves the node following current. Condition nodes select
// condition-{i} or else; option nodes select option{i} or no-match; every
// other node takes its single non-timeout edge. A nil result means the walk
// has nowhere to go.
func (w *Walker) GetNextNode(exec *Execution, current *Node) *Node {
	var edge *Edge
	switch current.Kind() {
	case NodeCondition:
		edge = w.conditionEdge(exec, current)
	case NodeOptions:
		edge = w.optionEdge(exec, current)
	case NodeEnd, NodeJump:
		return nil
	default:
		edge = exec.Flow.NextEdge(current.ID)
	}
	if edge == nil {
		return nil
	}
	next := exec.Flow.Node(edge.Target)
	if next == nil {
		w.l.WarnContext(exec, "Edge points at a missing node",
			"session_id", exec.Session.ID,
			"node_id", current.ID,
			"target", edge.Target)
	}
	return next
}

func (w *Walker) conditionEdge(exec *Execution, node *Node) *Edge {
	cfg, err := decodeNodeConfig[ConditionNodeConfig](node)
	if err != nil {
		w.l.WarnContext(exec, "Invalid condition node", "node_id", node.ID, "error", err)
		return exec.Flow.EdgeFrom(node.ID, HandleElse)
	}
	sc := exec.Scope()
	for i, cond := range cfg.Conditions {
		if w.conditions.Evaluate(cond, sc) {
			w.l.DebugContext(exec, "Condition matched", "node_id", node.ID, "index", i)
			return exec.Flow.EdgeFrom(node.ID, ConditionHandle(i))
		}
	}
	return exec.Flow.EdgeFrom(node.ID, HandleElse)
}

func (w *Walker) optionEdge(exec *Execution, node *Node) *Edge {
	cfg, err := decodeNodeConfig[OptionsNodeConfig](node)
	if err != nil {
		w.l.WarnContext(exec, "Invalid options node", "node_id", node.ID, "error", err)
		return exec.Flow.EdgeFrom(node.ID, HandleNoMatch)
	}
	if i, ok := cfg.match(exec.Content()); ok {
		return exec.Flow.EdgeFrom(node.ID, OptionHandle(i))
	}
	return exec.Flow.EdgeFrom(node.ID, HandleNoMatch)
}

// processInputNode captures the reply parked on an input or options node.
func (w *Walker) processInputNode(exec *Execution, node *Node) error {
	content := exec.Content()
	switch node.Kind() {
	case NodeInput:
		cfg, err := decodeNodeConfig[InputNodeConfig](node)
		if err != nil {
			return err
		}
		if cfg.Variable != "" {
			exec.SetVariable(cfg.Variable, content)
		}
	case NodeOptions:
		cfg, err := decodeNodeConfig[OptionsNodeConfig](node)
		if err != nil {
			return err
		}
		if cfg.Variable != "" {
			exec.SetVariable(cfg.Variable, content)
		}
		if i, ok := cfg.match(content); ok && cfg.OptionVariable != "" {
			exec.SetVariable(cfg.OptionVariable, cfg.Options[i].value())
		}
	}
	exec.Session.TimeoutAt = nil
	return nil
}

// followTimeout moves a timed-out session along its current node's timeout
// edge. Without one the session stays parked. The elapsed timeout is cleared
// and persisted first, so a failure on the timeout path is not picked up
// again by the next scan.
func (w *Walker) followTimeout(exec *Execution) error {
	s := exec.Session
	edge := exec.Flow.EdgeFrom(s.CurrentNodeID, HandleTimeout)
	s.TimeoutAt = nil
	if err := w.persist(exec); err != nil {
		return err
	}
	if edge == nil {
		w.l.InfoContext(exec, "No timeout edge, cleared timeout",
			"session_id", s.ID,
			"node_id", s.CurrentNodeID)
		return nil
	}

	target := exec.Flow.Node(edge.Target)
	w.l.InfoContext(exec, "Following timeout edge",
		"session_id", s.ID,
		"node_id", s.CurrentNodeID,
		"target", edge.Target)
	return w.Walk(exec, target)
}

// EndSession marks the session inactive and releases its chat.
func (w *Walker) EndSession(exec *Execution) error {
	s := exec.Session
	s.Status = SessionInactive
	s.TimeoutAt = nil
	if err := w.persist(exec); err != nil {
		return err
	}
	if err := w.store.ReleaseChatSession(exec, s.ChatID, s.ID); err != nil {
		return persistenceError(fmt.Errorf("release chat %s: %w", s.ChatID, err), s.ID)
	}
	if exec.Chat != nil && exec.Chat.CurrentSessionID == s.ID {
		exec.Chat.CurrentSessionID = ""
		if exec.Chat.Status == ChatPendingClose {
			exec.Chat.Status = ChatClosed
		}
	}
	w.metrics.sessionsEnded.Add(exec, 1)
	w.l.InfoContext(exec, "Session ended",
		"session_id", s.ID,
		"flow_id", s.FlowID,
		"chat_id", s.ChatID,
		"node_id", s.CurrentNodeID)
	return nil
}

func (w *Walker) persist(exec *Execution) error {
	exec.Session.UpdatedAt = w.now()
	if err := w.store.UpdateSession(exec, exec.Session); err != nil {
		fe := persistenceError(fmt.Errorf("update session: %w", err), exec.Session.ID)
		w.reporter.Report(exec, fe, exec.errorContext(exec.Session.CurrentNodeID))
		return fe
	}
	return nil
}

// fail classifies, reports and returns a node failure. The session keeps the
// position persisted before the failing node.
func (w *Walker) fail(exec *Execution, node *Node, err error) error {
	fe := asFlowError(err, node.ID, exec.Session.ID)
	w.metrics.errors.Add(exec, 1)
	w.reporter.Report(exec, fe, exec.errorContext(node.ID))
	return fe
}

// send queues an outbound message and records it in the session history.
func (w *Walker) send(exec *Execution, msg OutboundMessage) error {
	msg.SessionID = exec.Session.ID
	msg.ChatID = exec.Session.ChatID
	if err := w.sender.Send(exec, msg); err != nil {
		return &FlowError{
			Type:    ErrorTypeTransient,
			Code:    ErrorCodeRuntimeError,
			Message: fmt.Sprintf("send message: %v", err),
			Cause:   err,
		}
	}
	content := msg.Content
	if content == "" && len(msg.Attachments) > 0 {
		content = "[" + strings.ToLower(msg.Attachments[0].Type) + "] " + msg.Attachments[0].URL
	}
	exec.Session.AppendHistory(HistoryEntry{Role: RoleBot, Content: content, At: w.now()}, w.cfg.HistoryLimit)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
