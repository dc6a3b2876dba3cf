// Package broadcast implements the two-layer message fan-out (C6): a local
// hub delivers frames to the subscriber channels of this instance's own
// connections, and a relay republishes every local broadcast on a Redis
// pub/sub channel so every other instance's local hub also delivers it.
//
// The local layer never blocks a producer on a slow consumer: each
// subscriber has a small bounded channel, and a full channel has its oldest
// queued frame dropped to make room for the new one (drop-oldest
// backpressure), counted in BroadcastDropped.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/chatkit/chatkit/internal/metrics"
	"github.com/chatkit/chatkit/internal/protocol"
	"github.com/google/uuid"
)

// subscriberBuffer bounds how many frames may queue for one connection
// before the oldest is dropped in favor of the newest.
const subscriberBuffer = 64

type subscriber struct {
	ch chan protocol.ServerFrame
}

// Hub fans out frames to per-room subscriber sets within this process.
type Hub struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]map[uuid.UUID]*subscriber
}

// NewHub builds an empty local Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[uuid.UUID]map[uuid.UUID]*subscriber)}
}

// Subscribe registers subscriberID for frames published to roomID, returning
// the read side of its channel and an unsubscribe func the caller must
// invoke exactly once on teardown.
func (h *Hub) Subscribe(roomID, subscriberID uuid.UUID) (<-chan protocol.ServerFrame, func()) {
	sub := &subscriber{ch: make(chan protocol.ServerFrame, subscriberBuffer)}

	h.mu.Lock()
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[uuid.UUID]*subscriber)
		h.rooms[roomID] = subs
	}
	subs[subscriberID] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(roomID, subscriberID) }
}

func (h *Hub) unsubscribe(roomID, subscriberID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if sub, ok := subs[subscriberID]; ok {
		close(sub.ch)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(h.rooms, roomID)
	}
}

// Publish delivers frame to every current subscriber of roomID.
func (h *Hub) Publish(roomID uuid.UUID, frame protocol.ServerFrame) {
	h.mu.RLock()
	subs := h.rooms[roomID]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		deliver(roomID, sub, frame)
	}
}

func deliver(roomID uuid.UUID, sub *subscriber, frame protocol.ServerFrame) {
	select {
	case sub.ch <- frame:
		return
	default:
	}

	// Channel full: drop the oldest queued frame and retry once.
	select {
	case <-sub.ch:
		metrics.BroadcastDropped.WithLabelValues(roomID.String()).Inc()
	default:
	}

	select {
	case sub.ch <- frame:
	default:
		slog.Warn("broadcast: subscriber channel still full after drop, discarding frame", "room", roomID)
		metrics.BroadcastDropped.WithLabelValues(roomID.String()).Inc()
	}
}

// RoomSize returns the current number of local subscribers for roomID.
func (h *Hub) RoomSize(roomID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
