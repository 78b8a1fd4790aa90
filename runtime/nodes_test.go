package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHTTP struct {
	req  HTTPRequest
	resp *HTTPResponse
	err  error
}

func (s *stubHTTP) Do(_ context.Context, req HTTPRequest) (*HTTPResponse, error) {
	s.req = req
	return s.resp, s.err
}

type stubModel struct {
	req  CompletionRequest
	resp *CompletionResponse
	err  error
}

func (s *stubModel) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.req = req
	return s.resp, s.err
}

type stubEvaluator struct {
	env map[string]any
	out any
}

func (s *stubEvaluator) Eval(_ string, env map[string]any) (any, error) {
	s.env = env
	return s.out, nil
}

func singleNodeFlow(n Node) *Flow {
	return &Flow{ID: "single", Nodes: []Node{node("start", "start", nil), n}, Edges: []Edge{edge("start", n.ID, "")}}
}

func runSingle(t *testing.T, f *fixture, n Node) (*FlowSession, error) {
	t.Helper()
	flow := singleNodeFlow(n)
	s := f.session(t, flow, "start")
	s.Variables.Set("order_id", "A-17")
	err := f.walker.Walk(NewExecution(context.Background(), flow, s, f.chat, f.customer, nil), flow.Node("start"))
	return s, err
}

func TestHTTPNode_MapsResponse(t *testing.T) {
	client := &stubHTTP{resp: &HTTPResponse{StatusCode: 200, Body: []byte(`{"data":{"status":"shipped","items":[{"sku":"X1"}]}}`)}}
	f := newFixture(t, WithHTTPClient(client))

	s, err := runSingle(t, f, node("call", "http_request", map[string]any{
		"method":  "post",
		"url":     "https://shop.example.com/orders/{{order_id}}",
		"headers": map[string]any{"X-Customer": "{{customer.email}}"},
		"body":    map[string]any{"order": "{{order_id}}", "qty": 2},
		"mappings": []any{
			map[string]any{"variable": "status", "path": "data.status"},
			map[string]any{"variable": "sku", "path": "$.data.items.0.sku"},
			map[string]any{"variable": "missing", "path": "data.nope"},
			map[string]any{"variable": "whole"},
		},
		"statusVariable": "http_status",
	}))
	require.NoError(t, err)

	assert.Equal(t, "POST", client.req.Method)
	assert.Equal(t, "https://shop.example.com/orders/A-17", client.req.URL)
	assert.Equal(t, "ada@example.com", client.req.Headers["X-Customer"])
	var body map[string]any
	require.NoError(t, json.Unmarshal(client.req.Body, &body))
	assert.Equal(t, map[string]any{"order": "A-17", "qty": 2.0}, body)

	stored := f.reload(t, s.ID)
	status, _ := stored.Variables.Get("status")
	assert.Equal(t, "shipped", status)
	sku, _ := stored.Variables.Get("sku")
	assert.Equal(t, "X1", sku)
	_, ok := stored.Variables.Get("missing")
	assert.False(t, ok)
	_, ok = stored.Variables.Get("whole")
	assert.True(t, ok)
	code, _ := stored.Variables.Get("http_status")
	assert.EqualValues(t, 200, code)
}

func TestHTTPNode_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		client   *stubHTTP
		wantType FlowErrorType
		wantCode FlowErrorCode
	}{
		{"server error", &stubHTTP{resp: &HTTPResponse{StatusCode: 503}}, ErrorTypeTransient, ErrorCodeHTTPStatus},
		{"rate limited", &stubHTTP{resp: &HTTPResponse{StatusCode: 429}}, ErrorTypeTransient, ErrorCodeHTTPStatus},
		{"client error", &stubHTTP{resp: &HTTPResponse{StatusCode: 404}}, ErrorTypePermanent, ErrorCodeHTTPStatus},
		{"transport", &stubHTTP{err: errors.New("connection refused")}, ErrorTypeTransient, ErrorCodeHTTPTransport},
		{"deadline", &stubHTTP{err: context.DeadlineExceeded}, ErrorTypeTimeout, ErrorCodeDeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithHTTPClient(tt.client))
			s, err := runSingle(t, f, node("call", "http_request", map[string]any{"url": "https://api.example.com"}))

			var fe *FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantType, fe.Type)
			assert.Equal(t, tt.wantCode, fe.Code)
			assert.Equal(t, "call", fe.Node)
			assert.Equal(t, "start", f.reload(t, s.ID).CurrentNodeID)
		})
	}
}

func TestHTTPNode_InvalidConfig(t *testing.T) {
	f := newFixture(t, WithHTTPClient(&stubHTTP{}))
	_, err := runSingle(t, f, node("call", "http_request", map[string]any{"url": "not a url", "method": "FETCH"}))
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrorTypePermanent, fe.Type)
}

func llmFlow() *Flow {
	return &Flow{
		ID: "assistant",
		Nodes: []Node{
			node("start", "start", nil),
			node("ai", "llm", map[string]any{
				"systemPrompt":   "You help {{customer.name}}.",
				"answerVariable": "answer",
				"sendResponse":   true,
				"tools": []any{
					map[string]any{
						"name":         "choose_plan",
						"targetNodeId": "generic",
						"parameters": []any{
							map[string]any{
								"name": "plan",
								"enum": []any{"basic", "pro"},
								"conditions": []any{
									map[string]any{"operator": "equals", "value": "pro", "targetNodeId": "pro-path"},
								},
							},
						},
					},
				},
			}),
			node("after", "message", map[string]any{"text": "after"}),
			node("generic", "message", map[string]any{"text": "generic"}),
			node("pro-path", "message", map[string]any{"text": "pro {{plan}}"}),
		},
		Edges: []Edge{edge("start", "ai", ""), edge("ai", "after", "")},
	}
}

func runLLM(t *testing.T, model *stubModel) (*fixture, *FlowSession) {
	t.Helper()
	f := newFixture(t, WithLanguageModel(model))
	flow := llmFlow()
	s := f.session(t, flow, "start")
	s.AppendHistory(HistoryEntry{Role: RoleUser, Content: "I want the big plan"}, 0)
	require.NoError(t, f.walker.Walk(NewExecution(context.Background(), flow, s, f.chat, f.customer, nil), flow.Node("start")))
	return f, s
}

func TestLLMNode_ToolConditionRedirects(t *testing.T) {
	model := &stubModel{resp: &CompletionResponse{ToolCalls: []ToolCall{{Name: "choose_plan", Arguments: map[string]any{"plan": "pro"}}}}}
	f, s := runLLM(t, model)

	assert.Equal(t, []string{"pro pro"}, f.sender.contents())
	plan, _ := f.reload(t, s.ID).Variables.Get("plan")
	assert.Equal(t, "pro", plan)

	require.Len(t, model.req.Tools, 1)
	assert.Equal(t, "choose_plan", model.req.Tools[0].Name)
	assert.Equal(t, ChatMessage{Role: "system", Content: "You help Ada Lovelace."}, model.req.Messages[0])
	assert.Equal(t, ChatMessage{Role: "user", Content: "I want the big plan"}, model.req.Messages[1])
}

func TestLLMNode_ToolDefaultTargetAndEnumCoercion(t *testing.T) {
	model := &stubModel{resp: &CompletionResponse{ToolCalls: []ToolCall{{Name: "choose_plan", Arguments: map[string]any{"plan": "enterprise"}}}}}
	f, s := runLLM(t, model)

	assert.Equal(t, []string{"generic"}, f.sender.contents())
	plan, _ := f.reload(t, s.ID).Variables.Get("plan")
	assert.Equal(t, "basic", plan)
}

func TestLLMNode_PlainReply(t *testing.T) {
	model := &stubModel{resp: &CompletionResponse{Content: "Hello Ada"}}
	f, s := runLLM(t, model)

	assert.Equal(t, []string{"Hello Ada", "after"}, f.sender.contents())
	answer, _ := f.reload(t, s.ID).Variables.Get("answer")
	assert.Equal(t, "Hello Ada", answer)
}

func TestLLMNode_UndeclaredToolFallsThrough(t *testing.T) {
	model := &stubModel{resp: &CompletionResponse{Content: "ok", ToolCalls: []ToolCall{{Name: "drop_tables"}}}}
	f, _ := runLLM(t, model)
	assert.Equal(t, []string{"ok", "after"}, f.sender.contents())
}

func TestLLMNode_FailureIsTransient(t *testing.T) {
	f := newFixture(t, WithLanguageModel(&stubModel{err: errors.New("overloaded")}))
	flow := llmFlow()
	s := f.session(t, flow, "start")

	err := f.walker.Walk(NewExecution(context.Background(), flow, s, f.chat, f.customer, nil), flow.Node("start"))
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrorCodeLLMFailure, fe.Code)
	assert.True(t, fe.Retryable())
}

func TestVariableNode_TextMode(t *testing.T) {
	f := newFixture(t)
	s, err := runSingle(t, f, node("set", "variable", map[string]any{"name": "ref", "value": "order {{order_id}}"}))
	require.NoError(t, err)
	ref, _ := f.reload(t, s.ID).Variables.Get("ref")
	assert.Equal(t, "order A-17", ref)
}

func TestVariableNode_ExpressionModeFlattensEnv(t *testing.T) {
	ev := &stubEvaluator{out: 42}
	f := newFixture(t, WithExpressionEvaluator(ev))
	flow := singleNodeFlow(node("set", "variable", map[string]any{"name": "total", "value": "cart.qty * 2", "mode": "expression"}))
	s := f.session(t, flow, "start")
	s.Variables.Set("cart", map[string]any{"qty": 21, "lines": []any{"a"}})

	require.NoError(t, f.walker.Walk(NewExecution(context.Background(), flow, s, f.chat, f.customer, nil), flow.Node("start")))

	assert.Equal(t, 21, ev.env["cart_qty"])
	assert.Equal(t, "a", ev.env["cart_lines_0"])
	assert.Equal(t, "Ada Lovelace", ev.env["customer_name"])
	assert.Equal(t, "chat-1", ev.env["chat_id"])
	total, _ := f.reload(t, s.ID).Variables.Get("total")
	assert.Equal(t, 42, total)
}

func TestVariableNode_ExpressionWithoutEvaluator(t *testing.T) {
	f := newFixture(t)
	_, err := runSingle(t, f, node("set", "variable", map[string]any{"name": "x", "value": "1+1", "mode": "expression"}))
	assert.Error(t, err)
}

func TestUpdateCustomerNode(t *testing.T) {
	ctx := context.Background()

	t.Run("funnel stage", func(t *testing.T) {
		f := newFixture(t)
		_, err := runSingle(t, f, node("u", "update_customer", map[string]any{"action": "funnel_stage", "funnelId": "f1", "stageId": "won"}))
		require.NoError(t, err)
		chat, err := f.store.GetChat(ctx, f.chat.ID)
		require.NoError(t, err)
		assert.Equal(t, "f1", chat.FunnelID)
		assert.Equal(t, "won", chat.FunnelStageID)
	})

	t.Run("rating", func(t *testing.T) {
		f := newFixture(t)
		_, err := runSingle(t, f, node("u", "update_customer", map[string]any{"action": "rating", "value": " 5 "}))
		require.NoError(t, err)
		chat, _ := f.store.GetChat(ctx, f.chat.ID)
		require.NotNil(t, chat.Rating)
		assert.Equal(t, 5, *chat.Rating)
	})

	t.Run("non-numeric rating is skipped", func(t *testing.T) {
		f := newFixture(t)
		_, err := runSingle(t, f, node("u", "update_customer", map[string]any{"action": "rating", "value": "great"}))
		require.NoError(t, err)
		chat, _ := f.store.GetChat(ctx, f.chat.ID)
		assert.Nil(t, chat.Rating)
	})

	t.Run("attribute", func(t *testing.T) {
		f := newFixture(t)
		_, err := runSingle(t, f, node("u", "update_customer", map[string]any{"action": "attribute", "attribute": "last_order", "value": "{{order_id}}"}))
		require.NoError(t, err)
		customer, _ := f.store.GetCustomer(ctx, f.customer.ID)
		assert.Equal(t, "A-17", customer.Attributes["last_order"])
	})

	t.Run("missing required field", func(t *testing.T) {
		f := newFixture(t)
		_, err := runSingle(t, f, node("u", "update_customer", map[string]any{"action": "team"}))
		assert.Error(t, err)
	})
}

func TestMediaNode(t *testing.T) {
	f := newFixture(t)
	_, err := runSingle(t, f, node("pic", "image", map[string]any{"url": "https://cdn.example.com/{{order_id}}.png", "caption": "Your order"}))
	require.NoError(t, err)
	require.Len(t, f.sender.msgs, 1)
	assert.Equal(t, []Attachment{{Type: "image", URL: "https://cdn.example.com/A-17.png", Caption: "Your order"}}, f.sender.msgs[0].Attachments)
}

func TestSplitMessage(t *testing.T) {
	t.Run("paragraphs", func(t *testing.T) {
		got := splitMessage("one\n\ntwo\n \nthree", true, false)
		require.Len(t, got, 3)
		assert.Equal(t, "two", got[1].Content)
	})

	t.Run("links", func(t *testing.T) {
		got := splitMessage("see https://example.com/a now", false, true)
		var contents []string
		for _, m := range got {
			contents = append(contents, m.Content)
		}
		assert.Equal(t, []string{"see", "https://example.com/a", "now"}, contents)
	})

	t.Run("list block", func(t *testing.T) {
		got := splitMessage("Pick:\n[list title=\"Plans\" button=\"Open\"]\n- Basic\n- Pro\n[/list]\nThanks", false, false)
		require.Len(t, got, 3)
		assert.Equal(t, "Pick:", got[0].Content)
		assert.Equal(t, map[string]any{"title": "Plans", "button": "Open", "items": []string{"Basic", "Pro"}}, got[1].Metadata["list"])
		assert.Equal(t, "Thanks", got[2].Content)
	})

	t.Run("unsplit", func(t *testing.T) {
		got := splitMessage("a\n\nb", false, false)
		require.Len(t, got, 1)
		assert.Equal(t, "a\n\nb", got[0].Content)
	})
}

// pacingClock records every sleep together with how many messages had been
// sent when it started.
type pacingClock struct {
	sender *recordingSender
	slept  []time.Duration
	sentAt []int
	err    error
}

func (c *pacingClock) sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.sentAt = append(c.sentAt, len(c.sender.contents()))
	return c.err
}

func newPacedFixture(t *testing.T) (*fixture, *pacingClock) {
	t.Helper()
	clock := &pacingClock{}
	f := newFixture(t, WithClock(nil, func(ctx context.Context, d time.Duration) error { return clock.sleep(ctx, d) }))
	clock.sender = f.sender
	return f, clock
}

func TestDelayNode(t *testing.T) {
	f, clock := newPacedFixture(t)
	flow := &Flow{
		ID: "paced",
		Nodes: []Node{
			node("start", "start", nil),
			node("first", "message", map[string]any{"text": "One moment"}),
			node("wait", "delay", map[string]any{"seconds": 2}),
			node("second", "message", map[string]any{"text": "Done"}),
		},
		Edges: []Edge{edge("start", "first", ""), edge("first", "wait", ""), edge("wait", "second", "")},
	}
	s := f.session(t, flow, "start")

	err := f.walker.Walk(NewExecution(context.Background(), flow, s, f.chat, f.customer, nil), flow.Node("start"))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second}, clock.slept)
	assert.Equal(t, []int{1}, clock.sentAt)
	assert.Equal(t, []string{"One moment", "Done"}, f.sender.contents())
}

func TestDelayNode_InterruptedSleepKeepsPosition(t *testing.T) {
	f, clock := newPacedFixture(t)
	clock.err = context.Canceled

	s, err := runSingle(t, f, node("wait", "delay", map[string]any{"seconds": 1.5}))
	require.Error(t, err)

	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, clock.slept)
	stored := f.reload(t, s.ID)
	assert.Equal(t, "start", stored.CurrentNodeID)
	assert.True(t, stored.Active())
}

func TestMessageNode_PacesSplitParts(t *testing.T) {
	text := "First.\n\nSecond.\n\nThird."

	t.Run("manager pacing", func(t *testing.T) {
		f, clock := newPacedFixture(t)
		_, err := runSingle(t, f, node("say", "message", map[string]any{"text": text, "splitParagraphs": true}))
		require.NoError(t, err)

		assert.Equal(t, []string{"First.", "Second.", "Third."}, f.sender.contents())
		assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.slept)
		assert.Equal(t, []int{1, 2}, clock.sentAt)
	})

	t.Run("delayMs override", func(t *testing.T) {
		f, clock := newPacedFixture(t)
		_, err := runSingle(t, f, node("say", "message", map[string]any{"text": text, "splitParagraphs": true, "delayMs": 250}))
		require.NoError(t, err)

		assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, clock.slept)
		assert.Equal(t, []int{1, 2}, clock.sentAt)
	})

	t.Run("single part does not sleep", func(t *testing.T) {
		f, clock := newPacedFixture(t)
		_, err := runSingle(t, f, node("say", "message", map[string]any{"text": text}))
		require.NoError(t, err)

		assert.Len(t, f.sender.contents(), 1)
		assert.Empty(t, clock.slept)
	})
}
