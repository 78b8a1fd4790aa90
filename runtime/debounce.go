package runtime

import (
	"time"
)

// sessionActor serializes all work for one chat. A chat owns at most one
// active session, so debounce batches inside it are partitioned per
// (chat, session). Actors exist only while they have queued jobs or armed
// batches; the registry drops them once idle. All fields are guarded by
// Manager.mu.
type sessionActor struct {
	chatID  string
	queue   []func()
	running bool
	batches map[SessionKey]*debounceBatch
}

// debounceBatch is the set of messages waiting for one session's debounce
// window. Each re-arm bumps gen so superseded timers become no-ops.
type debounceBatch struct {
	msgs  []PendingMessage
	timer *time.Timer
	gen   uint64
}

func (a *sessionActor) idle() bool {
	return !a.running && len(a.queue) == 0 && len(a.batches) == 0
}

// submit queues job on the chat's actor, starting its goroutine if needed.
func (m *Manager) submit(chatID string, job func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actorLocked(chatID)
	a.queue = append(a.queue, job)
	if !a.running {
		a.running = true
		m.wg.Add(1)
		go m.run(a)
	}
}

func (m *Manager) actorLocked(chatID string) *sessionActor {
	a, ok := m.actors[chatID]
	if !ok {
		a = &sessionActor{chatID: chatID, batches: make(map[SessionKey]*debounceBatch)}
		m.actors[chatID] = a
	}
	return a
}

func (m *Manager) run(a *sessionActor) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			if a.idle() {
				delete(m.actors, a.chatID)
			}
			m.mu.Unlock()
			return
		}
		job := a.queue[0]
		a.queue = a.queue[1:]
		m.mu.Unlock()

		job()
	}
}

// arm adds msg to its session's batch and (re)starts the debounce window.
// Messages arriving before the window closes are absorbed into the batch.
func (m *Manager) arm(key SessionKey, msgs []PendingMessage, window time.Duration, merge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actorLocked(key.ChatID)
	b, ok := a.batches[key]
	if !ok {
		b = &debounceBatch{}
		a.batches[key] = b
	} else {
		m.metrics.debounced.Add(m.ctx, int64(len(msgs)))
	}
	b.msgs = append(b.msgs, msgs...)
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(window, func() {
		m.submit(key.ChatID, func() { m.flush(key, gen, merge) })
	})
}

// take removes and returns the batch for key if gen is still current.
func (m *Manager) take(key SessionKey, gen uint64) []PendingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[key.ChatID]
	if !ok {
		return nil
	}
	b, ok := a.batches[key]
	if !ok || b.gen != gen {
		return nil
	}
	delete(a.batches, key)
	return b.msgs
}

// discard cancels the batch for key, returning how many messages it held.
func (m *Manager) discard(key SessionKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[key.ChatID]
	if !ok {
		return 0
	}
	b, ok := a.batches[key]
	if !ok {
		return 0
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(a.batches, key)
	if a.idle() {
		delete(m.actors, key.ChatID)
	}
	return len(b.msgs)
}

// mergeBatch hands the walker the latest event, or with merge set, the
// latest event carrying every non-empty content joined by newlines.
func mergeBatch(msgs []PendingMessage, merge bool) PendingMessage {
	latest := msgs[len(msgs)-1]
	if !merge || len(msgs) == 1 {
		return latest
	}
	var content string
	for _, msg := range msgs {
		if c := msg.Event.Message.Content; c != "" {
			if content != "" {
				content += "\n"
			}
			content += c
		}
	}
	latest.Event.Message.Content = content
	return latest
}
