package runtime

import (
	"time"
)

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
)

// FlowSession is the durable record of one customer's in-progress execution of a flow.
type FlowSession struct {
	ID                string         `json:"id"`
	FlowID            string         `json:"flowId"`
	ChatID            string         `json:"chatId"`
	CustomerID        string         `json:"customerId"`
	OrganizationID    string         `json:"organizationId"`
	Status            SessionStatus  `json:"status"`
	CurrentNodeID     string         `json:"currentNodeId"`
	Variables         Variables      `json:"variables"`
	MessageHistory    []HistoryEntry `json:"messageHistory"`
	DebounceTimestamp *time.Time     `json:"debounceTimestamp,omitempty"`
	TimeoutAt         *time.Time     `json:"timeoutAt,omitempty"`
	LastInteraction   time.Time      `json:"lastInteraction"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (s *FlowSession) Active() bool {
	return s.Status == SessionActive
}

// TimedOut reports whether the session's input timeout has elapsed at now.
func (s *FlowSession) TimedOut(now time.Time) bool {
	return s.TimeoutAt != nil && !now.Before(*s.TimeoutAt)
}

// AppendHistory records a message and trims the history to the newest limit entries.
func (s *FlowSession) AppendHistory(entry HistoryEntry, limit int) {
	s.MessageHistory = append(s.MessageHistory, entry)
	if limit > 0 && len(s.MessageHistory) > limit {
		s.MessageHistory = append([]HistoryEntry(nil), s.MessageHistory[len(s.MessageHistory)-limit:]...)
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *FlowSession) Clone() *FlowSession {
	c := *s
	c.Variables = s.Variables.Clone()
	c.MessageHistory = append([]HistoryEntry(nil), s.MessageHistory...)
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		c.TimeoutAt = &t
	}
	if s.DebounceTimestamp != nil {
		t := *s.DebounceTimestamp
		c.DebounceTimestamp = &t
	}
	return &c
}

type HistoryRole string

const (
	RoleUser   HistoryRole = "user"
	RoleBot    HistoryRole = "bot"
	RoleSystem HistoryRole = "system"
)

type HistoryEntry struct {
	Role    HistoryRole `json:"role"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

type ChatStatus string

const (
	ChatOpen         ChatStatus = "open"
	ChatPendingClose ChatStatus = "pending_close"
	ChatClosed       ChatStatus = "closed"
)

// Chat is the read/write projection of a conversation the core needs.
type Chat struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organizationId"`
	CustomerID       string     `json:"customerId"`
	ChannelID        string     `json:"channelId"`
	Status           ChatStatus `json:"status"`
	CurrentSessionID string     `json:"currentSessionId,omitempty"`
	FunnelID         string     `json:"funnelId,omitempty"`
	FunnelStageID    string     `json:"funnelStageId,omitempty"`
	TeamID           string     `json:"teamId,omitempty"`
	AssigneeID       string     `json:"assigneeId,omitempty"`
	Price            float64    `json:"price,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Rating           *int       `json:"rating,omitempty"`
	Feedback         string     `json:"feedback,omitempty"`
}

// Customer is the read/write projection of a contact the core needs.
type Customer struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Name           string         `json:"name,omitempty"`
	Email          string         `json:"email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

type Channel struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// InboundMessage is the canonical event delivered by channel ingestion.
type InboundMessage struct {
	Content  string         `json:"content"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InboundEvent is an inbound message plus the records ingestion resolved for it.
type InboundEvent struct {
	OrganizationID string         `json:"organizationId"`
	Channel        Channel        `json:"channel"`
	Chat           *Chat          `json:"chat"`
	Customer       *Customer      `json:"customer"`
	Message        InboundMessage `json:"message"`
}

type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// OutboundMessage is a system-authored message queued for channel delivery.
type OutboundMessage struct {
	SessionID   string         `json:"sessionId"`
	ChatID      string         `json:"chatId"`
	Content     string         `json:"content,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
