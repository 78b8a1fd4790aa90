package runtime

import (
	"context"
	"sync"
)

// MemoryPendingBuffer keeps debounced messages in process memory. Buffered
// messages do not survive a restart; use a persistent buffer for that.
type MemoryPendingBuffer struct {
	mu   sync.Mutex
	msgs map[SessionKey][]PendingMessage
}

var _ PendingBuffer = (*MemoryPendingBuffer)(nil)

func NewMemoryPendingBuffer() *MemoryPendingBuffer {
	return &MemoryPendingBuffer{msgs: make(map[SessionKey][]PendingMessage)}
}

func (b *MemoryPendingBuffer) Append(_ context.Context, key SessionKey, msg PendingMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[key] = append(b.msgs[key], msg)
	return nil
}

func (b *MemoryPendingBuffer) Trim(_ context.Context, key SessionKey, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.msgs[key]
	if n >= len(msgs) {
		delete(b.msgs, key)
		return nil
	}
	b.msgs[key] = append([]PendingMessage(nil), msgs[n:]...)
	return nil
}

func (b *MemoryPendingBuffer) Keys(_ context.Context) ([]SessionKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]SessionKey, 0, len(b.msgs))
	for k := range b.msgs {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *MemoryPendingBuffer) Load(_ context.Context, key SessionKey) ([]PendingMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PendingMessage(nil), b.msgs[key]...), nil
}
