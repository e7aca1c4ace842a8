// Package notify fans event changes out to live subscribers.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cctv-monitor/pkg/models"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

// Hub owns the subscriber set. Publish never blocks: a subscriber whose
// buffer is full misses the notification.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan models.Notification
	buffer int
	logger *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]chan models.Notification),
		buffer: DefaultBuffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (h *Hub) Subscribe() (string, <-chan models.Notification) {
	id := uuid.NewString()
	ch := make(chan models.Notification, h.buffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	h.logger.Debug("Subscriber added", zap.String("subscriber", id))
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug("Subscriber removed", zap.String("subscriber", id))
	}
}

// Publish delivers n to every subscriber with room in its buffer.
func (h *Hub) Publish(n models.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Warn("Dropping notification for slow subscriber",
				zap.String("subscriber", id),
				zap.String("type", n.Type),
				zap.Int64("event_id", n.EventID))
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// EventNotification builds a notification of type typ for ev.
func EventNotification(typ string, ev models.Event) models.Notification {
	return models.Notification{
		Type:      typ,
		EventID:   ev.ID,
		Camera:    ev.Camera,
		VideoPath: ev.VideoPath,
		At:        time.Now(),
	}
}
