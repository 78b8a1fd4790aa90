package runtime

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a goroutine-safe Store backed by maps. Sessions, chats and
// customers are copied on the way in and out; flows are shared read-only.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*FlowSession
	chats     map[string]*Chat
	customers map[string]*Customer
	flows     map[string]*Flow
	contacts  map[string]int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*FlowSession),
		chats:     make(map[string]*Chat),
		customers: make(map[string]*Customer),
		flows:     make(map[string]*Flow),
		contacts:  make(map[string]int),
	}
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) FindActiveSession(_ context.Context, chatID, customerID string) (*FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if session := s.activeLocked(chatID, customerID); session != nil {
		return session.Clone(), nil
	}
	return nil, ErrSessionNotFound
}

func (s *MemoryStore) activeLocked(chatID, customerID string) *FlowSession {
	for _, session := range s.sessions {
		if session.Active() && session.ChatID == chatID && session.CustomerID == customerID {
			return session
		}
	}
	return nil
}

func (s *MemoryStore) CreateSessionIfAbsent(_ context.Context, session *FlowSession) (*FlowSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeLocked(session.ChatID, session.CustomerID); existing != nil {
		return existing.Clone(), false, nil
	}
	s.sessions[session.ID] = session.Clone()
	return session, true, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]*FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*FlowSession
	for _, session := range s.sessions {
		if session.Active() && session.TimedOut(now) {
			out = append(out, session.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *FlowSession) int { return a.TimeoutAt.Compare(*b.TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return copyChat(chat), nil
}

func (s *MemoryStore) SaveChat(_ context.Context, chat *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats[chat.ID] = copyChat(chat)
	return nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, id string) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return copyCustomer(customer), nil
}

func (s *MemoryStore) SaveCustomer(_ context.Context, customer *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.customers[customer.ID] = copyCustomer(customer)
	return nil
}

func (s *MemoryStore) AttachChatSession(_ context.Context, chatID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	chat.CurrentSessionID = sessionID
	return nil
}

func (s *MemoryStore) ReleaseChatSession(_ context.Context, chatID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.CurrentSessionID != sessionID {
		return nil
	}
	chat.CurrentSessionID = ""
	if chat.Status == ChatPendingClose {
		chat.Status = ChatClosed
	}
	return nil
}

func (s *MemoryStore) IsFirstContact(_ context.Context, customerID, chatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, chat := range s.chats {
		if chat.CustomerID == customerID && chat.ID != chatID {
			return false, nil
		}
	}
	for _, session := range s.sessions {
		if session.CustomerID == customerID {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) RecordContact(_ context.Context, customerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.contacts[customerID]
	s.contacts[customerID] = prior + 1
	return prior, nil
}

func (s *MemoryStore) GetFlow(_ context.Context, id string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return flow, nil
}

func (s *MemoryStore) SaveFlow(_ context.Context, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows[flow.ID] = flow
	return nil
}

func (s *MemoryStore) ListTriggers(_ context.Context, organizationID string) ([]Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Trigger
	for _, flow := range s.flows {
		if !flow.Published || flow.OrganizationID != organizationID {
			continue
		}
		for _, t := range flow.Triggers {
			if !t.Active {
				continue
			}
			t.FlowID = flow.ID
			t.OrganizationID = flow.OrganizationID
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b Trigger) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func copyChat(c *Chat) *Chat {
	out := *c
	out.Tags = slices.Clone(c.Tags)
	if c.Rating != nil {
		r := *c.Rating
		out.Rating = &r
	}
	return &out
}

func copyCustomer(c *Customer) *Customer {
	out := *c
	if c.Attributes != nil {
		out.Attributes = make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}
