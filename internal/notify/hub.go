// Package notify fans out state-change events to interested subscribers, for
// UI surfaces that render recipient badges and key status live. Events carry
// sequence numbers so a reconnecting subscriber can replay what it missed.
package notify

import (
	"sync"
	"time"

	"mailcrypt/go-backend/pkg/models"
)

// Kind labels what changed.
type Kind string

const (
	KindRecipientResolved Kind = "recipient.resolved"
	KindKeyStored         Kind = "key.stored"
	KindKeyRemoved        Kind = "key.removed"
	KindAccountLockedOut  Kind = "account.locked_out"
	KindSessionWiped      Kind = "session.wiped"
)

// Event is one published state change.
type Event struct {
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub buffers recent events and delivers new ones to subscribers. A
// subscriber that stops draining its channel is dropped rather than blocking
// publishers.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewHub(limit int) *Hub {
	if limit < 1 {
		limit = 1
	}
	return &Hub{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

// Publish records and fans out one event. Safe for concurrent use; a nil hub
// drops events silently so callers need no guard.
func (h *Hub) Publish(kind Kind, payload any) Event {
	if h == nil {
		return Event{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:       h.nextSeq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns the buffered events newer than fromSeq, a channel for
// subsequent ones, and a cancel function.
func (h *Hub) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

// RecipientResolved publishes a capability change. Satisfies the resolver's
// event sink.
func (h *Hub) RecipientResolved(capability models.RecipientCapability) {
	h.Publish(KindRecipientResolved, capability)
}

// AccountLockedOut publishes a lockout transition. Satisfies the unlocker's
// event sink.
func (h *Hub) AccountLockedOut(account string, retryIn time.Duration) {
	h.Publish(KindAccountLockedOut, map[string]any{
		"account":   account,
		"retryInMs": retryIn.Milliseconds(),
	})
}

// BacklogSize reports how many events the replay buffer currently holds.
func (h *Hub) BacklogSize() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
