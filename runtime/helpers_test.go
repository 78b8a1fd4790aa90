package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSender captures outbound messages.
type recordingSender struct {
	mu   sync.Mutex
	msgs []OutboundMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Content)
	}
	return out
}

// recordingReporter captures reported errors.
type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ ErrorContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	store    *MemoryStore
	sender   *recordingSender
	reporter *recordingReporter
	walker   *Walker
	chat     *Chat
	customer *Customer
}

func newFixture(t *testing.T, opts ...WalkerOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		sender:   &recordingSender{},
		reporter: &recordingReporter{},
		chat:     &Chat{ID: "chat-1", OrganizationID: "org-1", CustomerID: "cust-1", ChannelID: "wa-1", Status: ChatOpen},
		customer: &Customer{ID: "cust-1", OrganizationID: "org-1", Name: "Ada Lovelace", Email: "ada@example.com"},
	}
	require.NoError(t, f.store.SaveChat(context.Background(), f.chat))
	require.NoError(t, f.store.SaveCustomer(context.Background(), f.customer))

	opts = append([]WalkerOption{
		WithClock(func() time.Time { return testNow }, noSleep),
		WithErrorReporter(f.reporter),
	}, opts...)
	f.walker = NewWalker(discardLogger(), DefaultManagerConfig(), f.store, f.sender, opts...)
	return f
}

func (f *fixture) event(content string) InboundEvent {
	return InboundEvent{
		OrganizationID: "org-1",
		Channel:        Channel{ID: "wa-1", Type: "whatsapp"},
		Chat:           f.chat,
		Customer:       f.customer,
		Message:        InboundMessage{Content: content, Type: "text"},
	}
}

// session creates and stores an active session parked at nodeID.
func (f *fixture) session(t *testing.T, flow *Flow, nodeID string) *FlowSession {
	t.Helper()
	s := &FlowSession{
		ID:             "sess-1",
		FlowID:         flow.ID,
		ChatID:         f.chat.ID,
		CustomerID:     f.customer.ID,
		OrganizationID: "org-1",
		Status:         SessionActive,
		CurrentNodeID:  nodeID,
		Variables:      NewVariables(),
		CreatedAt:      testNow,
	}
	_, created, err := f.store.CreateSessionIfAbsent(context.Background(), s)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.store.AttachChatSession(context.Background(), f.chat.ID, s.ID))
	return s
}

func (f *fixture) reload(t *testing.T, id string) *FlowSession {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func node(id, typ string, data map[string]any) Node {
	return Node{ID: id, Type: typ, Data: data}
}

func edge(source, target, handle string) Edge {
	return Edge{ID: source + "->" + target, Source: source, Target: target, SourceHandle: handle}
}
