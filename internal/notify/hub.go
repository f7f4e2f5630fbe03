// Package notify fans persisted lot changes out to subscribers such as the
// API server's event feed.
package notify

import (
	"log/slog"
	"sync"

	"lotkeeper/internal/domain"
)

// Event is the wire format for lot update messages.
type Event struct {
	Type string     `json:"type"` // "lot"
	Lot  domain.Lot `json:"lot"`
}

// Hub is an in-process pub/sub for lot updates. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	log *slog.Logger

	mu        sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "notify"),
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns an id and a channel that receives events. bufSize
// controls the channel buffer.
func (h *Hub) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// PublishLot broadcasts a copy of lot. Safe on a nil Hub.
func (h *Hub) PublishLot(lot *domain.Lot) {
	if h == nil {
		return
	}
	e := Event{Type: "lot", Lot: *lot.Clone()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Debug("subscriber slow, event dropped", "subscriber", id, "lot", lot.ID)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
