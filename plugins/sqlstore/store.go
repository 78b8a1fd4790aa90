// Package sqlstore implements runtime.Store on database/sql. The same schema
// and queries serve SQLite and Postgres; only placeholder syntax differs.
package sqlstore

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BDNK1/chatflow/runtime"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Store persists sessions, chats, customers and flows. Records are stored as
// JSON documents alongside the columns queries filter on.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ runtime.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		published INTEGER NOT NULL,
		definition TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS flows_org ON flows (organization_id, published)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_session_id TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chats_customer ON chats (customer_id)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS flow_sessions (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		timeout_at BIGINT,
		data TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS flow_sessions_one_active
		ON flow_sessions (chat_id, customer_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS flow_sessions_timeout ON flow_sessions (status, timeout_at)`,
	`CREATE INDEX IF NOT EXISTS flow_sessions_customer ON flow_sessions (customer_id)`,
	`CREATE TABLE IF NOT EXISTS customer_contacts (
		customer_id TEXT PRIMARY KEY,
		contacts INTEGER NOT NULL,
		first_contact_at BIGINT NOT NULL
	)`,
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *Store) GetSession(ctx context.Context, id string) (*runtime.FlowSession, error) {
	var data string
	err := s.queryRow(ctx, `SELECT data FROM flow_sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runtime.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSession(data)
}

func (s *Store) FindActiveSession(ctx context.Context, chatID, customerID string) (*runtime.FlowSession, error) {
	var data string
	err := s.queryRow(ctx,
		`SELECT data FROM flow_sessions WHERE chat_id = ? AND customer_id = ? AND status = 'active'`,
		chatID, customerID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runtime.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active session for chat %s: %w", chatID, err)
	}
	return decodeSession(data)
}

// CreateSessionIfAbsent relies on the partial unique index over active
// sessions: a losing insert affects no rows and the winner is returned.
func (s *Store) CreateSessionIfAbsent(ctx context.Context, session *runtime.FlowSession) (*runtime.FlowSession, bool, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, false, fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	res, err := s.exec(ctx, `
		INSERT INTO flow_sessions (id, flow_id, chat_id, customer_id, status, timeout_at, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		session.ID, session.FlowID, session.ChatID, session.CustomerID, string(session.Status),
		millis(session.TimeoutAt), string(data), session.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("create session %s: %w", session.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("create session %s: %w", session.ID, err)
	} else if n == 1 {
		return session, true, nil
	}

	existing, err := s.FindActiveSession(ctx, session.ChatID, session.CustomerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) UpdateSession(ctx context.Context, session *runtime.FlowSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	res, err := s.exec(ctx, `
		UPDATE flow_sessions
		SET flow_id = ?, status = ?, timeout_at = ?, data = ?, updated_at = ?
		WHERE id = ?`,
		session.FlowID, string(session.Status), millis(session.TimeoutAt), string(data),
		session.UpdatedAt.UnixMilli(), session.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	if n == 0 {
		return runtime.ErrSessionNotFound
	}
	return nil
}

func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*runtime.FlowSession, error) {
	q := `SELECT data FROM flow_sessions
		WHERE status = 'active' AND timeout_at IS NOT NULL AND timeout_at <= ?
		ORDER BY timeout_at`
	args := []any{now.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*runtime.FlowSession
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list expired sessions: %w", err)
		}
		session, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func decodeSession(data string) (*runtime.FlowSession, error) {
	var session runtime.FlowSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*runtime.Chat, error) {
	var (
		data, status, current string
	)
	err := s.queryRow(ctx, `SELECT data, status, current_session_id FROM chats WHERE id = ?`, id).
		Scan(&data, &status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runtime.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	var chat runtime.Chat
	if err := json.Unmarshal([]byte(data), &chat); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", id, err)
	}
	chat.Status = runtime.ChatStatus(status)
	chat.CurrentSessionID = current
	return &chat, nil
}

func (s *Store) SaveChat(ctx context.Context, chat *runtime.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("encode chat %s: %w", chat.ID, err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO chats (id, organization_id, customer_id, status, current_session_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id,
			customer_id = excluded.customer_id,
			status = excluded.status,
			current_session_id = excluded.current_session_id,
			data = excluded.data`,
		chat.ID, chat.OrganizationID, chat.CustomerID, string(chat.Status), chat.CurrentSessionID, string(data))
	if err != nil {
		return fmt.Errorf("save chat %s: %w", chat.ID, err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*runtime.Customer, error) {
	var data string
	err := s.queryRow(ctx, `SELECT data FROM customers WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runtime.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", id, err)
	}
	var customer runtime.Customer
	if err := json.Unmarshal([]byte(data), &customer); err != nil {
		return nil, fmt.Errorf("decode customer %s: %w", id, err)
	}
	return &customer, nil
}

func (s *Store) SaveCustomer(ctx context.Context, customer *runtime.Customer) error {
	data, err := json.Marshal(customer)
	if err != nil {
		return fmt.Errorf("encode customer %s: %w", customer.ID, err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO customers (id, organization_id, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET organization_id = excluded.organization_id, data = excluded.data`,
		customer.ID, customer.OrganizationID, string(data))
	if err != nil {
		return fmt.Errorf("save customer %s: %w", customer.ID, err)
	}
	return nil
}

func (s *Store) AttachChatSession(ctx context.Context, chatID, sessionID string) error {
	res, err := s.exec(ctx, `UPDATE chats SET current_session_id = ? WHERE id = ?`, sessionID, chatID)
	if err != nil {
		return fmt.Errorf("attach session to chat %s: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach session to chat %s: %w", chatID, err)
	}
	if n == 0 {
		return runtime.ErrChatNotFound
	}
	return nil
}

func (s *Store) ReleaseChatSession(ctx context.Context, chatID, sessionID string) error {
	_, err := s.exec(ctx, `
		UPDATE chats SET
			current_session_id = '',
			status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ? AND current_session_id = ?`,
		string(runtime.ChatPendingClose), string(runtime.ChatClosed), chatID, sessionID)
	if err != nil {
		return fmt.Errorf("release session of chat %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) IsFirstContact(ctx context.Context, customerID, chatID string) (bool, error) {
	var chats, sessions int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM chats WHERE customer_id = ? AND id <> ?`, customerID, chatID).Scan(&chats); err != nil {
		return false, fmt.Errorf("count chats of customer %s: %w", customerID, err)
	}
	if chats > 0 {
		return false, nil
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM flow_sessions WHERE customer_id = ?`, customerID).Scan(&sessions); err != nil {
		return false, fmt.Errorf("count sessions of customer %s: %w", customerID, err)
	}
	return sessions == 0, nil
}

func (s *Store) RecordContact(ctx context.Context, customerID string) (int, error) {
	var contacts int
	err := s.queryRow(ctx, `
		INSERT INTO customer_contacts (customer_id, contacts, first_contact_at) VALUES (?, 1, ?)
		ON CONFLICT (customer_id) DO UPDATE SET contacts = customer_contacts.contacts + 1
		RETURNING contacts`,
		customerID, time.Now().UnixMilli()).Scan(&contacts)
	if err != nil {
		return 0, fmt.Errorf("record contact of customer %s: %w", customerID, err)
	}
	return contacts - 1, nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*runtime.Flow, error) {
	var def string
	err := s.queryRow(ctx, `SELECT definition FROM flows WHERE id = ?`, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runtime.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", id, err)
	}
	var flow runtime.Flow
	if err := json.Unmarshal([]byte(def), &flow); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}
	return &flow, nil
}

func (s *Store) SaveFlow(ctx context.Context, flow *runtime.Flow) error {
	def, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", flow.ID, err)
	}
	published := 0
	if flow.Published {
		published = 1
	}
	_, err = s.exec(ctx, `
		INSERT INTO flows (id, organization_id, published, definition) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id,
			published = excluded.published,
			definition = excluded.definition`,
		flow.ID, flow.OrganizationID, published, string(def))
	if err != nil {
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}
	return nil
}

func (s *Store) ListTriggers(ctx context.Context, organizationID string) ([]runtime.Trigger, error) {
	rows, err := s.query(ctx, `SELECT definition FROM flows WHERE organization_id = ? AND published = 1`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []runtime.Trigger
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("list triggers: %w", err)
		}
		var flow runtime.Flow
		if err := json.Unmarshal([]byte(def), &flow); err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	slices.SortStableFunc(out, func(a, b runtime.Trigger) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
