package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var _ context.Context = &Execution{}

// Execution is one walk of a session through its flow. It carries the
// session being mutated and the read-only records the walk resolves names
// against. Node executors share the same *FlowSession, so every variable
// write made earlier in the walk is visible to later nodes.
type Execution struct {
	ID       string
	Flow     *Flow
	Session  *FlowSession
	Chat     *Chat
	Customer *Customer
	// Event is the debounced inbound message driving this walk; nil for
	// explicit starts without a message and for timeout walks.
	Event *InboundEvent
	Steps int
	ctx   context.Context
}

func NewExecution(ctx context.Context, flow *Flow, session *FlowSession, chat *Chat, customer *Customer, event *InboundEvent) *Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Execution{
		ID:       uuid.NewString(),
		Flow:     flow,
		Session:  session,
		Chat:     chat,
		Customer: customer,
		Event:    event,
		ctx:      ctx,
	}
}

// context.Context implementation. Deadlines and cancellation come from the
// wrapped context so they reach every store, sender and client call.

func (e *Execution) Deadline() (deadline time.Time, ok bool) {
	return e.ctx.Deadline()
}

func (e *Execution) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Execution) Err() error {
	return e.ctx.Err()
}

// Value resolves string keys as session variables.
func (e *Execution) Value(key any) any {
	k, ok := key.(string)
	if !ok || e.Session == nil {
		return e.ctx.Value(key)
	}
	if v, found := e.Session.Variables.Get(k); found {
		return v
	}
	return e.ctx.Value(key)
}

// WithContext returns a shallow copy of the Execution with a new embedded
// context, like http.Request.WithContext.
func (e *Execution) WithContext(ctx context.Context) *Execution {
	c := *e
	c.ctx = ctx
	return &c
}

// Context returns the wrapped context.
func (e *Execution) Context() context.Context {
	return e.ctx
}

func (e *Execution) Scope() Scope {
	return Scope{Session: e.Session, Chat: e.Chat, Customer: e.Customer}
}

func (e *Execution) Interpolate(text string) string {
	return e.Scope().Interpolate(text)
}

func (e *Execution) SetVariable(name string, value any) {
	e.Session.Variables.Set(name, value)
}

// Content returns the inbound message text, or "" when the walk has no event.
func (e *Execution) Content() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.Message.Content
}

// errorContext describes the walk's position for error reporting.
func (e *Execution) errorContext(nodeID string) ErrorContext {
	ec := ErrorContext{NodeID: nodeID}
	if e.Flow != nil {
		ec.FlowID = e.Flow.ID
	}
	if e.Session != nil {
		ec.SessionID = e.Session.ID
		ec.ChatID = e.Session.ChatID
		ec.OrganizationID = e.Session.OrganizationID
	}
	return ec
}
