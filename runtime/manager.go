package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrDraining = errors.New("manager is draining")

// Manager owns the session lifecycle: it starts flows, debounces inbound
// messages per session, applies timeouts and ends sessions. All work for a
// chat runs on that chat's actor, one job at a time.
type Manager struct {
	l        *slog.Logger
	cfg      ManagerConfig
	store    Store
	walker   *Walker
	triggers *TriggerResolver
	pending  PendingBuffer
	metrics  *instruments
	now      func() time.Time
	ctx      context.Context

	mu       sync.Mutex
	actors   map[string]*sessionActor
	wg       sync.WaitGroup
	draining atomic.Bool
}

type ManagerOption func(*Manager)

// WithPendingBuffer persists debounced messages so Recover can replay them.
func WithPendingBuffer(b PendingBuffer) ManagerOption {
	return func(m *Manager) { m.pending = b }
}

func NewManager(l *slog.Logger, cfg ManagerConfig, store Store, walker *Walker, triggers *TriggerResolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		l:        l,
		cfg:      cfg.withLimits(),
		store:    store,
		walker:   walker,
		triggers: triggers,
		pending:  NewMemoryPendingBuffer(),
		metrics:  walker.metrics,
		now:      walker.now,
		ctx:      context.Background(),
		actors:   make(map[string]*sessionActor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProcessMessage accepts an inbound event. With explicit set, that flow is
// started unconditionally. Otherwise the event is debounced into the chat's
// active session, or, without one, offered to the trigger resolver. Walks
// run asynchronously on the chat's actor.
func (m *Manager) ProcessMessage(ctx context.Context, ev InboundEvent, explicit *Flow) error {
	if m.draining.Load() {
		return ErrDraining
	}
	if ev.Chat == nil || ev.Customer == nil {
		return fmt.Errorf("inbound event for organization %s lacks chat or customer", ev.OrganizationID)
	}
	jobCtx := context.WithoutCancel(ctx)

	if explicit != nil {
		m.submit(ev.Chat.ID, func() {
			if _, err := m.startFlow(jobCtx, ev, explicit, true); err != nil {
				m.l.ErrorContext(jobCtx, "Explicit flow start failed", "flow_id", explicit.ID, "chat_id", ev.Chat.ID, "error", err)
			}
		})
		return nil
	}

	session, err := m.store.FindActiveSession(ctx, ev.Chat.ID, ev.Customer.ID)
	switch {
	case err == nil:
		return m.debounce(ctx, session, ev)
	case errors.Is(err, ErrSessionNotFound):
		m.submit(ev.Chat.ID, func() { m.resolve(jobCtx, ev) })
		return nil
	default:
		return persistenceError(fmt.Errorf("find active session for chat %s: %w", ev.Chat.ID, err), "")
	}
}

// StartFlow starts flow for the event's chat and waits for the first walk to
// park or finish. An active session for the chat is ended first.
func (m *Manager) StartFlow(ctx context.Context, ev InboundEvent, flow *Flow) (*FlowSession, error) {
	if ev.Chat == nil || ev.Customer == nil {
		return nil, fmt.Errorf("start flow %s: event lacks chat or customer", flow.ID)
	}
	var session *FlowSession
	err := m.do(ctx, ev.Chat.ID, func() error {
		var err error
		session, err = m.startFlow(ctx, ev, flow, true)
		return err
	})
	return session, err
}

// HandleSessionTimeout advances a session whose input timeout elapsed along
// its timeout edge, or clears the timeout when there is none. Sessions that
// moved on or ended since the caller read them are left alone.
func (m *Manager) HandleSessionTimeout(ctx context.Context, s *FlowSession) error {
	return m.do(ctx, s.ChatID, func() error {
		fresh, err := m.store.GetSession(ctx, s.ID)
		if err != nil {
			return persistenceError(fmt.Errorf("load session: %w", err), s.ID)
		}
		if !fresh.Active() || !fresh.TimedOut(m.now()) {
			m.l.DebugContext(ctx, "Timeout no longer applies", "session_id", s.ID)
			return nil
		}
		flow, err := m.store.GetFlow(ctx, fresh.FlowID)
		if err != nil {
			return fmt.Errorf("load flow %s: %w", fresh.FlowID, err)
		}
		chat, customer, err := m.participants(ctx, fresh, nil)
		if err != nil {
			return err
		}
		return m.walker.followTimeout(NewExecution(ctx, flow, fresh, chat, customer, nil))
	})
}

// PauseFlow ends a session: it becomes inactive, its chat is released and
// closed if closure was pending, and any debounced messages are dropped.
func (m *Manager) PauseFlow(ctx context.Context, s *FlowSession) error {
	return m.do(ctx, s.ChatID, func() error {
		fresh, err := m.store.GetSession(ctx, s.ID)
		if err != nil {
			return persistenceError(fmt.Errorf("load session: %w", err), s.ID)
		}
		if !fresh.Active() {
			return nil
		}
		return m.endSession(ctx, fresh)
	})
}

// Recover re-arms debounce windows for messages buffered before a restart.
func (m *Manager) Recover(ctx context.Context) error {
	keys, err := m.pending.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list pending buffers: %w", err)
	}
	recovered := 0
	for _, key := range keys {
		msgs, err := m.pending.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("load pending %s: %w", key, err)
		}
		if len(msgs) == 0 {
			continue
		}
		s, err := m.store.GetSession(ctx, key.SessionID)
		if errors.Is(err, ErrSessionNotFound) || (err == nil && !s.Active()) {
			if err := m.pending.Trim(ctx, key, len(msgs)); err != nil {
				return fmt.Errorf("trim pending %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("load session %s: %w", key.SessionID, err)
		}
		flow, err := m.store.GetFlow(ctx, s.FlowID)
		if err != nil {
			return fmt.Errorf("load flow %s: %w", s.FlowID, err)
		}
		m.arm(key, msgs, m.window(flow), flow.Settings.MergeMessages)
		recovered += len(msgs)
	}
	if recovered > 0 {
		m.l.InfoContext(ctx, "Recovered pending messages", "count", recovered)
	}
	return nil
}

// Wait blocks until every actor is idle and no debounce window is armed.
func (m *Manager) Wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		busy := len(m.actors)
		m.mu.Unlock()
		if busy == 0 {
			m.wg.Wait()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d chats still busy: %w", busy, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Drain stops accepting messages and waits for armed windows and running
// walks to finish.
func (m *Manager) Drain(ctx context.Context) error {
	m.draining.Store(true)
	return m.Wait(ctx)
}

// do runs fn on the chat's actor and waits for its result.
func (m *Manager) do(ctx context.Context, chatID string, fn func() error) error {
	done := make(chan error, 1)
	m.submit(chatID, func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) window(flow *Flow) time.Duration {
	if flow.Settings.DebounceMS > 0 {
		return time.Duration(flow.Settings.DebounceMS) * time.Millisecond
	}
	return m.cfg.Debounce
}

func (m *Manager) debounce(ctx context.Context, s *FlowSession, ev InboundEvent) error {
	flow, err := m.store.GetFlow(ctx, s.FlowID)
	if err != nil {
		return fmt.Errorf("load flow %s: %w", s.FlowID, err)
	}
	key := SessionKey{ChatID: s.ChatID, SessionID: s.ID}
	msg := PendingMessage{Event: ev, ReceivedAt: m.now()}
	if err := m.pending.Append(ctx, key, msg); err != nil {
		return persistenceError(fmt.Errorf("buffer message: %w", err), s.ID)
	}
	m.arm(key, []PendingMessage{msg}, m.window(flow), flow.Settings.MergeMessages)
	return nil
}

// flush hands a closed debounce window to the walker.
func (m *Manager) flush(key SessionKey, gen uint64, merge bool) {
	msgs := m.take(key, gen)
	if len(msgs) == 0 {
		return
	}
	ctx := m.ctx
	defer func() {
		if err := m.pending.Trim(ctx, key, len(msgs)); err != nil {
			m.l.ErrorContext(ctx, "Failed to trim pending buffer", "session_id", key.SessionID, "error", err)
		}
	}()

	s, err := m.store.GetSession(ctx, key.SessionID)
	if err != nil {
		m.walker.reporter.Report(ctx, persistenceError(err, key.SessionID), ErrorContext{SessionID: key.SessionID, ChatID: key.ChatID})
		return
	}
	if !s.Active() {
		m.l.InfoContext(ctx, "Dropping messages for ended session", "session_id", s.ID, "count", len(msgs))
		return
	}
	flow, err := m.store.GetFlow(ctx, s.FlowID)
	if err != nil {
		m.walker.reporter.Report(ctx, err, ErrorContext{SessionID: s.ID, FlowID: s.FlowID, ChatID: s.ChatID, OrganizationID: s.OrganizationID})
		return
	}

	batch := mergeBatch(msgs, merge)
	s.DebounceTimestamp = &batch.ReceivedAt
	chat, customer, err := m.participants(ctx, s, &batch.Event)
	if err != nil {
		m.walker.reporter.Report(ctx, err, ErrorContext{SessionID: s.ID, ChatID: s.ChatID, OrganizationID: s.OrganizationID})
		return
	}
	m.l.InfoContext(ctx, "Debounce window closed",
		"session_id", s.ID,
		"chat_id", s.ChatID,
		"messages", len(msgs))

	exec := NewExecution(ctx, flow, s, chat, customer, &batch.Event)
	if err := m.walker.ContinueFlow(exec); err != nil {
		m.l.WarnContext(ctx, "Walk stopped with error", "session_id", s.ID, "error", err)
	}
}

// resolve runs on the chat's actor for events that found no active session.
// A session started by an earlier job in the queue absorbs the event instead.
func (m *Manager) resolve(ctx context.Context, ev InboundEvent) {
	session, err := m.store.FindActiveSession(ctx, ev.Chat.ID, ev.Customer.ID)
	if err == nil {
		if err := m.debounce(ctx, session, ev); err != nil {
			m.walker.reporter.Report(ctx, err, ErrorContext{SessionID: session.ID, ChatID: ev.Chat.ID, OrganizationID: ev.OrganizationID})
		}
		return
	}
	if !errors.Is(err, ErrSessionNotFound) {
		m.walker.reporter.Report(ctx, persistenceError(err, ""), ErrorContext{ChatID: ev.Chat.ID, OrganizationID: ev.OrganizationID})
		return
	}

	prior, err := m.store.RecordContact(ctx, ev.Customer.ID)
	if err != nil {
		m.walker.reporter.Report(ctx, persistenceError(err, ""), ErrorContext{ChatID: ev.Chat.ID, OrganizationID: ev.OrganizationID})
		return
	}

	flow, err := m.triggers.CheckTriggers(ctx, TriggerQuery{
		OrganizationID: ev.OrganizationID,
		Channel:        ev.Channel,
		ChatID:         ev.Chat.ID,
		CustomerID:     ev.Customer.ID,
		Content:        ev.Message.Content,
		PriorContacts:  prior,
	})
	if err != nil {
		m.walker.reporter.Report(ctx, err, ErrorContext{ChatID: ev.Chat.ID, OrganizationID: ev.OrganizationID})
		return
	}
	if flow == nil {
		m.l.DebugContext(ctx, "No trigger matched", "chat_id", ev.Chat.ID, "organization_id", ev.OrganizationID)
		return
	}
	if _, err := m.startFlow(ctx, ev, flow, false); err != nil {
		m.l.WarnContext(ctx, "Triggered flow start failed", "flow_id", flow.ID, "chat_id", ev.Chat.ID, "error", err)
	}
}

// startFlow creates the session at the flow's entry node, persists it and
// walks from there. It must run on the chat's actor.
func (m *Manager) startFlow(ctx context.Context, ev InboundEvent, flow *Flow, replace bool) (*FlowSession, error) {
	entry, err := flow.EntryNode()
	if err != nil {
		m.walker.reporter.Report(ctx, err, ErrorContext{FlowID: flow.ID, ChatID: ev.Chat.ID, OrganizationID: ev.OrganizationID})
		return nil, err
	}

	now := m.now()
	s := &FlowSession{
		ID:              uuid.NewString(),
		FlowID:          flow.ID,
		ChatID:          ev.Chat.ID,
		CustomerID:      ev.Customer.ID,
		OrganizationID:  ev.OrganizationID,
		Status:          SessionActive,
		CurrentNodeID:   entry.ID,
		Variables:       NewVariables(),
		LastInteraction: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	stored, created, err := m.store.CreateSessionIfAbsent(ctx, s)
	if err != nil {
		return nil, persistenceError(fmt.Errorf("create session: %w", err), s.ID)
	}
	if !created {
		if !replace {
			m.l.InfoContext(ctx, "Chat already has an active session", "session_id", stored.ID, "chat_id", s.ChatID)
			return stored, nil
		}
		if err := m.endSession(ctx, stored); err != nil {
			return nil, err
		}
		if stored, created, err = m.store.CreateSessionIfAbsent(ctx, s); err != nil {
			return nil, persistenceError(fmt.Errorf("create session: %w", err), s.ID)
		}
		if !created {
			return nil, fmt.Errorf("chat %s gained active session %s concurrently", s.ChatID, stored.ID)
		}
	}

	if err := m.store.AttachChatSession(ctx, s.ChatID, s.ID); err != nil {
		return s, persistenceError(fmt.Errorf("attach chat %s: %w", s.ChatID, err), s.ID)
	}
	chat, customer, err := m.participants(ctx, s, &ev)
	if err != nil {
		return s, err
	}
	if chat != nil {
		chat.CurrentSessionID = s.ID
	}

	var event *InboundEvent
	if ev.Message.Content != "" {
		event = &ev
		s.AppendHistory(HistoryEntry{Role: RoleUser, Content: ev.Message.Content, At: now}, m.cfg.HistoryLimit)
	}
	m.l.InfoContext(ctx, "Flow started",
		"session_id", s.ID,
		"flow_id", flow.ID,
		"chat_id", s.ChatID,
		"node_id", entry.ID)

	return s, m.walker.Walk(NewExecution(ctx, flow, s, chat, customer, event), entry)
}

// endSession ends s and drops its debounced messages. It must run on the chat's actor.
func (m *Manager) endSession(ctx context.Context, s *FlowSession) error {
	key := SessionKey{ChatID: s.ChatID, SessionID: s.ID}
	m.discard(key)
	if msgs, err := m.pending.Load(ctx, key); err == nil && len(msgs) > 0 {
		if err := m.pending.Trim(ctx, key, len(msgs)); err != nil {
			m.l.WarnContext(ctx, "Failed to trim pending buffer", "session_id", s.ID, "error", err)
		}
	}
	chat, customer, err := m.participants(ctx, s, nil)
	if err != nil {
		return err
	}
	return m.walker.EndSession(NewExecution(ctx, nil, s, chat, customer, nil))
}

// participants loads the session's chat and customer, falling back to the
// records carried by ev when the store does not know them.
func (m *Manager) participants(ctx context.Context, s *FlowSession, ev *InboundEvent) (*Chat, *Customer, error) {
	chat, err := m.store.GetChat(ctx, s.ChatID)
	switch {
	case errors.Is(err, ErrChatNotFound):
		chat = nil
		if ev != nil {
			chat = ev.Chat
		}
	case err != nil:
		return nil, nil, persistenceError(fmt.Errorf("load chat %s: %w", s.ChatID, err), s.ID)
	}

	customer, err := m.store.GetCustomer(ctx, s.CustomerID)
	switch {
	case errors.Is(err, ErrCustomerNotFound):
		customer = nil
		if ev != nil {
			customer = ev.Customer
		}
	case err != nil:
		return nil, nil, persistenceError(fmt.Errorf("load customer %s: %w", s.CustomerID, err), s.ID)
	}
	return chat, customer, nil
}
