// Package realtime fans committed row changes out to table subscribers.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

var errMissingTable = errors.New("realtime: topic table required")

// HubConfig tunes the hub.
type HubConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Hub delivers change events to subscribers keyed by table.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	topic  rows.Topic
	stream chan rows.ChangeEvent
	done   chan struct{}
	hub    *Hub
	once   sync.Once
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a subscriber for the topic. The subscription ends when
// ctx is cancelled or Unsubscribe is called.
func (h *Hub) Subscribe(ctx context.Context, topic rows.Topic) (rows.Subscription, error) {
	if topic.Table == "" {
		return nil, errMissingTable
	}
	if topic.Event == "" {
		topic.Event = rows.EventAll
	}
	sub := &subscriber{
		topic:  topic,
		stream: make(chan rows.ChangeEvent, h.bufferSize),
		done:   make(chan struct{}),
		hub:    h,
	}
	h.register(sub)
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish delivers the event to every matching subscriber without blocking.
// Subscribers with a full buffer miss the event.
func (h *Hub) Publish(event rows.ChangeEvent) {
	if event.Table == "" || event.Type == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers[event.Table] {
		if !sub.topic.Matches(event) {
			continue
		}
		select {
		case sub.stream <- event:
		default:
			h.logger.Warn("realtime subscriber buffer full, event dropped",
				zap.String("topic", sub.topic.String()),
				zap.String("event_type", string(event.Type)))
		}
	}
}

// SubscriberCount reports the number of live subscribers for a table.
func (h *Hub) SubscriberCount(table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[table])
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub.id = h.nextID
	if _, ok := h.subscribers[sub.topic.Table]; !ok {
		h.subscribers[sub.topic.Table] = make(map[int64]*subscriber)
	}
	h.subscribers[sub.topic.Table][sub.id] = sub
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[sub.topic.Table]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(h.subscribers, sub.topic.Table)
		}
	}
	close(sub.stream)
}

func (s *subscriber) Events() <-chan rows.ChangeEvent {
	return s.stream
}

func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.hub.unregister(s)
		close(s.done)
	})
}
