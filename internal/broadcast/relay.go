package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chatkit/chatkit/internal/bus"
	"github.com/chatkit/chatkit/internal/protocol"
	"github.com/google/uuid"
)

// relayEvent names the pub/sub event carried in every bus.PubSubPayload the
// Relay produces; every room channel carries exactly this one event kind.
const relayEvent = "frame"

// Relay republishes every local Hub broadcast onto the shared Redis bus so
// sibling instances' Hubs also deliver it, and subscribes to the same rooms
// to apply peer frames to this instance's local Hub. selfID tags every
// frame this instance originates so peers' echoes can be told apart from a
// peer's own frame.
type Relay struct {
	bus    *bus.Service
	hub    *Hub
	selfID uuid.UUID
	mu     sync.Mutex
	cancel map[uuid.UUID]context.CancelFunc
}

// NewRelay builds a Relay that fans out through svc, delivering inbound peer
// frames into hub. svc may be nil, in which case Relay only ever delivers
// locally (single-instance mode). selfID identifies this process instance.
func NewRelay(svc *bus.Service, hub *Hub, selfID uuid.UUID) *Relay {
	return &Relay{
		bus:    svc,
		hub:    hub,
		selfID: selfID,
		cancel: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Publish delivers frame locally and, if a bus is configured, republishes it
// for other instances.
func (r *Relay) Publish(ctx context.Context, roomID uuid.UUID, frame protocol.ServerFrame) error {
	r.hub.Publish(roomID, frame)

	if r.bus == nil {
		return nil
	}

	if err := r.bus.Publish(ctx, roomID.String(), relayEvent, frame, r.selfID.String(), nil); err != nil {
		slog.Warn("broadcast: cross-instance publish failed", "room", roomID, "error", err)
		return nil // local delivery already happened; cross-instance fan-out is best-effort
	}
	return nil
}

// EnsureSubscription starts (idempotently) a background subscriber for
// roomID so peer-originated frames reach this instance's local Hub. Callers
// invoke this when the first local subscriber joins a room and rely on
// StopSubscription when the last one leaves.
func (r *Relay) EnsureSubscription(ctx context.Context, roomID uuid.UUID) {
	if r.bus == nil {
		return
	}

	r.mu.Lock()
	if _, ok := r.cancel[roomID]; ok {
		r.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	r.cancel[roomID] = cancel
	r.mu.Unlock()

	r.bus.Subscribe(subCtx, roomID.String(), nil, func(payload bus.PubSubPayload) {
		if payload.SenderID == r.selfID.String() {
			return // already delivered locally by Publish
		}

		var frame protocol.ServerFrame
		if err := json.Unmarshal(payload.Payload, &frame); err != nil {
			slog.Error("broadcast: malformed relay frame", "error", err)
			return
		}

		peerRoom, err := uuid.Parse(payload.RoomID)
		if err != nil {
			slog.Error("broadcast: malformed relay room id", "room", payload.RoomID, "error", err)
			return
		}

		r.hub.Publish(peerRoom, frame)
	})
}

// StopSubscription cancels the background subscriber for roomID, called once
// the room has no more local subscribers.
func (r *Relay) StopSubscription(roomID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancel[roomID]; ok {
		cancel()
		delete(r.cancel, roomID)
	}
}
