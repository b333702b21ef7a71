// Package stream fans live training events out to connected clients. The hub
// is a per-job publish/subscribe registry; events arrive from the callback
// ingress and leave over server-sent event streams.
package stream

import (
	"sync"

	"github.com/google/uuid"
)

// Event is one message on a job's live stream.
type Event struct {
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload"`
}

const subscriberBuffer = 64

// Hub routes events to per-job subscribers. Delivery is best-effort: a
// subscriber that cannot keep up has events dropped rather than blocking the
// callback ingress.
type Hub struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{jobs: make(map[uuid.UUID]map[chan Event]struct{})}
}

// Subscribe registers a listener for a job's events and returns its channel.
func (h *Hub) Subscribe(jobID uuid.UUID) chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	subs, ok := h.jobs[jobID]
	if !ok {
		subs = make(map[chan Event]struct{})
		h.jobs[jobID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel. Empty job entries
// are pruned.
func (h *Hub) Unsubscribe(jobID uuid.UUID, ch chan Event) {
	h.mu.Lock()
	if subs, ok := h.jobs[jobID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.jobs, jobID)
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers an event to every subscriber of a job without blocking.
func (h *Hub) Broadcast(jobID uuid.UUID, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.jobs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners a job currently has.
func (h *Hub) SubscriberCount(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.jobs[jobID])
}
