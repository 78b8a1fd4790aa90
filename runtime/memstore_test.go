package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateSessionIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := &FlowSession{ID: "s1", ChatID: "c1", CustomerID: "u1", Status: SessionActive}
	stored, created, err := store.CreateSessionIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "s1", stored.ID)

	second := &FlowSession{ID: "s2", ChatID: "c1", CustomerID: "u1", Status: SessionActive}
	stored, created, err = store.CreateSessionIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "s1", stored.ID)

	first.Status = SessionInactive
	require.NoError(t, store.UpdateSession(ctx, first))
	_, created, err = store.CreateSessionIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := &FlowSession{ID: "s1", ChatID: "c1", CustomerID: "u1", Status: SessionActive, Variables: NewVariables()}
	_, _, err := store.CreateSessionIfAbsent(ctx, s)
	require.NoError(t, err)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	got.Variables.Set("leak", true)

	again, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	_, ok := again.Variables.Get("leak")
	assert.False(t, ok)
}

func TestMemoryStore_UpdateUnknownSession(t *testing.T) {
	err := NewMemoryStore().UpdateSession(context.Background(), &FlowSession{ID: "nope"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_ListExpiredSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mk := func(id, chat string, offset time.Duration, status SessionStatus) {
		at := testNow.Add(offset)
		_, _, err := store.CreateSessionIfAbsent(ctx, &FlowSession{ID: id, ChatID: chat, CustomerID: "u-" + chat, Status: SessionActive, TimeoutAt: &at})
		require.NoError(t, err)
		if status != SessionActive {
			s, _ := store.GetSession(ctx, id)
			s.Status = status
			require.NoError(t, store.UpdateSession(ctx, s))
		}
	}
	mk("late", "c1", -time.Minute, SessionActive)
	mk("later", "c2", -time.Hour, SessionActive)
	mk("future", "c3", time.Minute, SessionActive)
	mk("ended", "c4", -time.Hour, SessionInactive)

	got, err := store.ListExpiredSessions(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "later", got[0].ID)
	assert.Equal(t, "late", got[1].ID)

	got, err = store.ListExpiredSessions(ctx, testNow, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_ChatSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveChat(ctx, &Chat{ID: "c1", Status: ChatPendingClose}))

	assert.ErrorIs(t, store.AttachChatSession(ctx, "missing", "s1"), ErrChatNotFound)
	require.NoError(t, store.AttachChatSession(ctx, "c1", "s1"))

	require.NoError(t, store.ReleaseChatSession(ctx, "c1", "other"))
	chat, _ := store.GetChat(ctx, "c1")
	assert.Equal(t, "s1", chat.CurrentSessionID)

	require.NoError(t, store.ReleaseChatSession(ctx, "c1", "s1"))
	chat, _ = store.GetChat(ctx, "c1")
	assert.Empty(t, chat.CurrentSessionID)
	assert.Equal(t, ChatClosed, chat.Status)
}

func TestMemoryStore_IsFirstContact(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveChat(ctx, &Chat{ID: "c1", CustomerID: "u1"}))

	first, err := store.IsFirstContact(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, first)

	_, _, err = store.CreateSessionIfAbsent(ctx, &FlowSession{ID: "s1", ChatID: "c1", CustomerID: "u1", Status: SessionInactive})
	require.NoError(t, err)
	first, err = store.IsFirstContact(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, first)
}

func TestMemoryStore_RecordContact(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for want := range 3 {
		prior, err := store.RecordContact(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, want, prior)
	}
	prior, err := store.RecordContact(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, prior)
}

func TestMemoryStore_ListTriggersOrdersByPosition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveFlow(ctx, triggerFlow("a", true,
		Trigger{ID: "t2", Type: TriggerKeyword, Active: true, Position: 2},
		Trigger{ID: "off", Type: TriggerKeyword, Active: false, Position: 0})))
	require.NoError(t, store.SaveFlow(ctx, triggerFlow("b", true,
		Trigger{ID: "t1", Type: TriggerFirstContact, Active: true, Position: 1})))

	got, err := store.ListTriggers(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, "b", got[0].FlowID)
	assert.Equal(t, "t2", got[1].ID)
}

func TestMemoryPendingBuffer_TrimKeepsLateArrivals(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryPendingBuffer()
	key := SessionKey{ChatID: "c1", SessionID: "s1"}
	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, b.Append(ctx, key, PendingMessage{Event: InboundEvent{Message: InboundMessage{Content: c}}}))
	}

	require.NoError(t, b.Trim(ctx, key, 2))
	msgs, err := b.Load(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].Event.Message.Content)

	require.NoError(t, b.Trim(ctx, key, 5))
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
