package runtime

import (
	"context"
	"time"
)

// FlowLoader loads flow definitions from files.
type FlowLoader interface {
	Extensions() []string
	Load(filePath string) (Flow, error)
}

// ExpressionEvaluator evaluates an expression against a variable namespace.
type ExpressionEvaluator interface {
	Eval(expression string, env map[string]any) (any, error)
}

// SessionStore persists FlowSessions. Every mutation is a read-modify-persist
// cycle scoped to one session id.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*FlowSession, error)
	// FindActiveSession returns ErrSessionNotFound when the pair has no active session.
	FindActiveSession(ctx context.Context, chatID, customerID string) (*FlowSession, error)
	// CreateSessionIfAbsent inserts s unless an active session already exists
	// for its (chat, customer) pair, in which case the existing one is returned
	// with created=false.
	CreateSessionIfAbsent(ctx context.Context, s *FlowSession) (stored *FlowSession, created bool, err error)
	UpdateSession(ctx context.Context, s *FlowSession) error
	// ListExpiredSessions returns active sessions whose timeoutAt is at or before now.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*FlowSession, error)
}

// ChatStore reads and writes the chat and customer fields the core owns.
type ChatStore interface {
	GetChat(ctx context.Context, id string) (*Chat, error)
	SaveChat(ctx context.Context, chat *Chat) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	SaveCustomer(ctx context.Context, customer *Customer) error
	// AttachChatSession points the chat at its active session.
	AttachChatSession(ctx context.Context, chatID, sessionID string) error
	// ReleaseChatSession clears the chat's session pointer if it still refers to
	// sessionID, and closes the chat when it was pending closure.
	ReleaseChatSession(ctx context.Context, chatID, sessionID string) error
	// IsFirstContact reports whether the customer has no chat other than chatID
	// and has never had a flow session.
	IsFirstContact(ctx context.Context, customerID, chatID string) (bool, error)
	// RecordContact counts one inbound contact that reached trigger resolution
	// and returns how many were recorded for the customer before it.
	RecordContact(ctx context.Context, customerID string) (int, error)
}

// FlowStore reads authored flows and their triggers.
type FlowStore interface {
	GetFlow(ctx context.Context, id string) (*Flow, error)
	SaveFlow(ctx context.Context, flow *Flow) error
	// ListTriggers returns active triggers of published flows for the
	// organization, ordered by position.
	ListTriggers(ctx context.Context, organizationID string) ([]Trigger, error)
}

// Store is the persistence the core depends on.
type Store interface {
	SessionStore
	ChatStore
	FlowStore
}

// Sender queues system-authored messages for channel delivery. A nil error
// means the message was queued, not delivered.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// ErrorContext identifies where an error happened without exposing it to end users.
type ErrorContext struct {
	SessionID      string
	NodeID         string
	FlowID         string
	ChatID         string
	OrganizationID string
}

// ErrorReporter forwards caught errors to error tracking.
type ErrorReporter interface {
	Report(ctx context.Context, err error, ec ErrorContext)
}

// PendingBuffer holds debounced messages that have not reached the walker yet,
// so a restart can replay them.
type PendingBuffer interface {
	Append(ctx context.Context, key SessionKey, msg PendingMessage) error
	// Trim drops the oldest n messages of key once they reached the walker.
	Trim(ctx context.Context, key SessionKey, n int) error
	// Keys lists every session key with buffered messages.
	Keys(ctx context.Context) ([]SessionKey, error)
	Load(ctx context.Context, key SessionKey) ([]PendingMessage, error)
}

// SessionKey partitions debounce state per (chat, session).
type SessionKey struct {
	ChatID    string `json:"chatId"`
	SessionID string `json:"sessionId"`
}

func (k SessionKey) String() string {
	return k.ChatID + ":" + k.SessionID
}

// PendingMessage is a buffered inbound message awaiting its debounce window.
type PendingMessage struct {
	Event      InboundEvent `json:"event"`
	ReceivedAt time.Time    `json:"receivedAt"`
}
