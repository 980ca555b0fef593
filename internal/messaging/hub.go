package messaging

import (
	"log"
	"sync"
)

const defaultSubscriberBuffer = 16

// Hub fans notifications out to subscribers. Slow subscribers lose messages
// instead of blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*Subscription)}
}

// Subscription receives notifications for one tab, or for all when TabID is 0.
type Subscription struct {
	C     <-chan Notification
	TabID int

	id   int
	ch   chan Notification
	hub  *Hub
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (h *Hub) Subscribe(tabID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	h.nextID++
	sub := &Subscription{C: ch, TabID: tabID, id: h.nextID, ch: ch, hub: h}
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Publish delivers n to subscribers of n.TabID and to catch-all subscribers.
// A TabID of 0 reaches every subscriber.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if n.TabID != 0 && sub.TabID != 0 && sub.TabID != n.TabID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			log.Printf("[hub] dropping %s for subscriber %d (tab %d): buffer full", n.Action, sub.id, sub.TabID)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
