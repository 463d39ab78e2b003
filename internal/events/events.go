// Package events fans todo item change events out to feed subscribers.
package events

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/todo-api/internal/model"
)

// DefaultSubscriberBuffer is the number of events queued per subscriber
// before new events are dropped for it.
const DefaultSubscriberBuffer = 16

// Prometheus metrics.
var (
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "todo_item_events_published_total",
			Help: "Total number of item events delivered to the local hub",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "todo_item_events_dropped_total",
			Help: "Total number of item events dropped for slow subscribers",
		},
	)
)

// Publisher publishes item events.
type Publisher interface {
	Publish(ctx context.Context, event model.ItemEvent) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(_ context.Context, _ model.ItemEvent) error {
	return nil
}

// Hub delivers events to in-process subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan model.ItemEvent]struct{}
	buffer      int
	logger      *zap.Logger
}

// NewHub creates a new Hub instance.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan model.ItemEvent]struct{}),
		buffer:      DefaultSubscriberBuffer,
		logger:      logger,
	}
}

// Publish delivers the event to every subscriber without blocking.
// A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, event model.ItemEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			eventsDroppedTotal.Inc()
			h.logger.Warn("dropping item event for slow subscriber",
				zap.String("type", string(event.Type)),
				zap.Int64("item_id", event.Item.ID),
			)
		}
	}

	eventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// Subscribe registers a new subscriber. The returned function unregisters
// it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan model.ItemEvent, func()) {
	ch := make(chan model.ItemEvent, h.buffer)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
			close(ch)
		})
	}

	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
