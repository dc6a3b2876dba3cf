// Package presence implements the per-room online-user tracker (C2): a
// Redis-backed implementation for production and an in-memory
// implementation for tests, behind a shared Tracker interface so the
// connection manager never depends on which backend is in play.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Metadata carries the optional connection attributes recorded alongside a
// presence event.
type Metadata struct {
	IP    string
	Agent string
}

// Tracker is the capability set consumed by the connection manager. Exactly
// one of RedisTracker or MemoryTracker backs it at runtime.
type Tracker interface {
	// Connect adds user to room's online set and room to the user's set,
	// refreshes both TTLs, and appends a connected event. Idempotent on the
	// sets: a repeat call leaves membership unchanged and refreshes TTLs,
	// but still appends its own connected event.
	Connect(ctx context.Context, roomID, userID, sessionID uuid.UUID, meta Metadata) error
	// Disconnect removes both sides of the pair and appends a disconnected
	// event. Idempotent.
	Disconnect(ctx context.Context, roomID, userID, sessionID uuid.UUID) error
	// Refresh extends both presence TTLs for an already-connected session
	// without re-appending a connected event. If sample is true, a Heartbeat
	// event is also appended to the event sink — callers are expected to set
	// sample at a reduced cadence so the stream is not flooded with one event
	// per heartbeat frame.
	Refresh(ctx context.Context, roomID, userID, sessionID uuid.UUID, meta Metadata, sample bool) error
	// CleanupUser removes the user from every room it is present in and
	// deletes its room-set. RedisTracker does this in one atomic batch;
	// MemoryTracker does it one room at a time.
	CleanupUser(ctx context.Context, userID uuid.UUID) error
	// OnlineUsers returns the room's online user set.
	OnlineUsers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
	// OnlineCount returns len(OnlineUsers(room)).
	OnlineCount(ctx context.Context, roomID uuid.UUID) (int, error)
	// IsOnline reports whether user is a member of room's online set.
	IsOnline(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	// UserRooms returns the set of rooms the user is currently present in.
	UserRooms(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// EventKind enumerates the presence event variants appended to the event log.
type EventKind string

const (
	EventConnected    EventKind = "Connected"
	EventDisconnected EventKind = "Disconnected"
	EventHeartbeat    EventKind = "Heartbeat"
)

// Event is a presence lifecycle record. It is handed to an EventSink (the
// event log stream, C3) for append; the tracker treats appending as
// best-effort and never rolls back a membership change if it fails.
type Event struct {
	EventID   uuid.UUID
	UserID    uuid.UUID
	RoomID    uuid.UUID
	Kind      EventKind
	Timestamp time.Time
	SessionID uuid.UUID
	UserIP    string
	UserAgent string
}

// EventSink receives presence events for durable append. Implemented by
// internal/eventstream.Producer; a no-op sink is acceptable (the presence
// set itself is authoritative per spec, the event is best-effort).
type EventSink interface {
	Append(ctx context.Context, event Event) error
}

// NoopSink discards every event; useful for tests that don't exercise C3.
type NoopSink struct{}

// Append implements EventSink.
func (NoopSink) Append(context.Context, Event) error { return nil }
