// Package stream fans freshly scored events out to live subscribers.
// Delivery is best-effort: a subscriber that cannot keep up loses
// events rather than stalling ingest.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
)

const DefaultBuffer = 16

type Hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]chan []byte
	nextID uint64
	closed bool
}

func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[uint64]chan []byte),
	}
}

// Subscribe registers a new receiver. The channel closes on
// Unsubscribe or hub shutdown.
func (h *Hub) Subscribe() (uint64, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan []byte, h.buffer)
	if h.closed {
		close(ch)
		return 0, ch
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish serializes e once and offers it to every subscriber without
// blocking. A full subscriber buffer drops the event for that
// subscriber only.
func (h *Hub) Publish(e *model.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("stream marshal failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- payload:
		default:
			observability.IncStreamDropped()
			h.logger.Debug("stream subscriber lagging, event dropped", "subscriber", id)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
