// Package broadcast fans media events out to live subscribers by topic.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/models"
)

// TopicAll receives every event
const TopicAll = "all"

// DeviceTopic receives events of one device
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// Message is one delivered event. Payload is the JSON encoding of Event,
// shared by all subscribers and must not be modified.
type Message struct {
	Event   *models.MediaEvent
	Payload []byte
}

// Subscription receives messages on C until it is closed by the hub or by
// Close. C is closed when a subscriber falls behind.
type Subscription struct {
	C <-chan Message

	hub    *Hub
	send   chan Message
	topics []string
	closed bool
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub delivers published events without blocking the publisher. A
// subscriber whose buffer is full is dropped. Late subscribers get no
// replay.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub with per-subscriber buffers of the given size
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers for the given topics, or TopicAll if none are given
func (h *Hub) Subscribe(topics ...string) *Subscription {
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}

	send := make(chan Message, h.buffer)
	sub := &Subscription{C: send, hub: h, send: send, topics: topics}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		set, ok := h.topics[topic]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.topics[topic] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Publish delivers event to subscribers of TopicAll and of the event's
// device topic. It returns the number of subscribers reached.
func (h *Hub) Publish(event *models.MediaEvent) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal media event: %w", err)
	}
	msg := Message{Event: event, Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	seen := make(map[*Subscription]struct{})
	for _, topic := range []string{TopicAll, DeviceTopic(event.DeviceID)} {
		for sub := range h.topics[topic] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}

			select {
			case sub.send <- msg:
				delivered++
			default:
				log.Warn().
					Strs("topics", sub.topics).
					Msg("Dropping slow media event subscriber")
				h.removeLocked(sub)
			}
		}
	}
	return delivered, nil
}

// SubscriberCount returns the number of distinct live subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[*Subscription]struct{})
	for _, set := range h.topics {
		for sub := range set {
			seen[sub] = struct{}{}
		}
	}
	return len(seen)
}

// Close drops every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.topics {
		for sub := range set {
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	for _, topic := range sub.topics {
		if set, ok := h.topics[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	close(sub.send)
}
