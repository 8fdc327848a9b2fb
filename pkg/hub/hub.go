// Package hub holds the coordinator's channel registry and the backlog of
// envelopes addressed to channels that have not connected yet.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"sandbus/pkg/protocol"
	"sandbus/pkg/transport"
)

// Hub maps resolved channel ids ("content-script@7") to live channel handles
// and queues envelopes for ids with no live channel. The backlog is an
// ordered multimap: per-id delivery order is insertion order, it has no size
// bound, no deduplication, and no expiry.
type Hub struct {
	mu       sync.Mutex
	channels map[string]transport.Channel
	backlog  map[string][]*protocol.Envelope
}

func New() *Hub {
	return &Hub{
		channels: make(map[string]transport.Channel),
		backlog:  make(map[string][]*protocol.Envelope),
	}
}

// Connect registers a live channel under id and drains the backlog for that
// id. The drained envelopes are returned in insertion order and removed, so
// each entry is flushed exactly once; a later connect under the same id gets
// only what was enqueued after this one.
func (h *Hub) Connect(id string, ch transport.Channel) []*protocol.Envelope {
	h.mu.Lock()
	h.channels[id] = ch
	queued := h.backlog[id]
	delete(h.backlog, id)
	h.mu.Unlock()
	zap.L().Info("channel connected", zap.String("channel", id), zap.Int("backlog", len(queued)))
	return queued
}

// Disconnect removes the registry entry for id. Backlog entries for id are
// left queued so a reconnect under the same id still receives them.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	delete(h.channels, id)
	h.mu.Unlock()
	zap.L().Info("channel disconnected", zap.String("channel", id))
}

// Channel returns the live channel for id, if any.
func (h *Hub) Channel(id string) (transport.Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	return ch, ok
}

// Enqueue appends env to the backlog for id, unconditionally. Two identical
// enqueues produce two deliveries.
func (h *Hub) Enqueue(id string, env *protocol.Envelope) {
	h.mu.Lock()
	h.backlog[id] = append(h.backlog[id], env)
	n := len(h.backlog[id])
	h.mu.Unlock()
	zap.L().Debug("envelope queued for offline channel",
		zap.String("channel", id),
		zap.String("message", env.MessageID),
		zap.Int("depth", n))
}

// Backlogged reports the queue depth for id; tests use it to watch the
// unbounded-growth policy.
func (h *Hub) Backlogged(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.backlog[id])
}
