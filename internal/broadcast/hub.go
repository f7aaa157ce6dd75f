// Package broadcast fans live messages out to subscribers without letting any
// of them slow the publisher down.
package broadcast

import (
	"log"
	"sync"

	"github.com/PratikDhanave/journal-sync-service/internal/metrics"
)

// Message is one live-channel message.
type Message struct {
	Kind string
	Data any
}

// Subscription receives messages on C until it is closed by Unsubscribe,
// by the hub dropping it, or by Hub.Close.
type Subscription struct {
	C <-chan Message

	ch      chan Message
	id      uint64
	dropped int
	once    sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is a one-writer, many-reader fan-out. Publish never blocks: a subscriber
// whose buffer is full loses the message, and one that keeps falling behind
// is disconnected.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	maxDrop int
	closed  bool
	metrics *metrics.Metrics
}

// NewHub creates a hub whose subscribers buffer up to buffer messages and are
// disconnected after maxDrop consecutive drops.
func NewHub(buffer, maxDrop int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if maxDrop <= 0 {
		maxDrop = buffer
	}
	return &Hub{subs: make(map[uint64]*Subscription), buffer: buffer, maxDrop: maxDrop, metrics: m}
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Message, h.buffer)
	sub := &Subscription{C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.metrics.SubscriberAdded()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub)
}

func (h *Hub) remove(sub *Subscription) {
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		h.metrics.SubscriberRemoved()
	}
	sub.close()
}

// Publish delivers msg to every current subscriber, in publish order.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
			sub.dropped = 0
		default:
			sub.dropped++
			h.metrics.Dropped()
			if sub.dropped >= h.maxDrop {
				log.Printf("broadcast: subscriber %d fell behind, disconnecting", sub.id)
				h.remove(sub)
			}
		}
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber; later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, sub := range h.subs {
		h.remove(sub)
	}
}
