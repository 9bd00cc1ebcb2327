// Package hub fans realtime sync events out to a user's live SSE
// connections. Events are delivered in publish order per connection; there
// is no cross-connection ordering guarantee, which is why every envelope
// carries the originating device ID.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qazuor/markview/internal/domain/models"
)

// subscriberBuffer bounds the per-connection event queue. A subscriber that
// cannot drain this many events is considered dead and is dropped; the
// client's reconnect-and-refetch path recovers the missed state.
const subscriberBuffer = 64

type subscriber struct {
	userID string
	ch     chan models.Event
}

// Hub is the per-user subscriber registry.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[int]*subscriber // userID -> subID -> subscriber
	nextID  int
	logger  *slog.Logger
	closed  bool
	beat    time.Duration
}

// New creates a hub that emits a heartbeat event to every subscriber at the
// given interval once Run is called.
func New(heartbeatInterval time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[int]*subscriber),
		logger: logger,
		beat:   heartbeatInterval,
	}
}

// Subscribe registers a connection for the user's events. The returned
// cancel func is idempotent and safe to call after the hub shut down.
func (h *Hub) Subscribe(userID string) (<-chan models.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{userID: userID, ch: make(chan models.Event, subscriberBuffer)}
	h.nextID++
	id := h.nextID

	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]*subscriber)
	}
	h.subs[userID][id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if m, ok := h.subs[userID]; ok {
				if s, ok := m[id]; ok {
					delete(m, id)
					close(s.ch)
					if len(m) == 0 {
						delete(h.subs, userID)
					}
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to all of the user's live connections. Delivery
// is non-blocking: a subscriber with a full buffer is dropped rather than
// stalling every other connection.
func (h *Hub) Publish(userID string, ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("dropping slow event subscriber", "user_id", userID)
			delete(h.subs[userID], id)
			close(sub.ch)
		}
	}
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

// Run emits heartbeats until the context is canceled, then closes every
// subscriber channel.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.beat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.broadcastHeartbeat()
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	ev := models.Event{Type: models.EventHeartbeat}
	for _, m := range h.subs {
		for id, sub := range m {
			select {
			case sub.ch <- ev:
			default:
				delete(m, id)
				close(sub.ch)
			}
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, m := range h.subs {
		for _, sub := range m {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[int]*subscriber)
}
