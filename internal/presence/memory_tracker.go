package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTracker is an in-process Tracker, guarded by a single RWMutex,
// swappable in for RedisTracker in tests that don't need a real store (see
// spec Design Notes: "Mutex-guarded in-memory presence fallback for tests").
type MemoryTracker struct {
	mu        sync.RWMutex
	roomUsers map[uuid.UUID]map[uuid.UUID]struct{}
	userRooms map[uuid.UUID]map[uuid.UUID]struct{}
	sink      EventSink
}

// NewMemoryTracker builds an in-process Tracker.
func NewMemoryTracker(sink EventSink) *MemoryTracker {
	if sink == nil {
		sink = NoopSink{}
	}
	return &MemoryTracker{
		roomUsers: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		userRooms: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		sink:      sink,
	}
}

// Connect implements Tracker.
func (m *MemoryTracker) Connect(ctx context.Context, roomID, userID, sessionID uuid.UUID, meta Metadata) error {
	m.mu.Lock()
	if m.roomUsers[roomID] == nil {
		m.roomUsers[roomID] = make(map[uuid.UUID]struct{})
	}
	m.roomUsers[roomID][userID] = struct{}{}
	if m.userRooms[userID] == nil {
		m.userRooms[userID] = make(map[uuid.UUID]struct{})
	}
	m.userRooms[userID][roomID] = struct{}{}
	m.mu.Unlock()

	_ = m.sink.Append(ctx, Event{
		EventID:   uuid.New(),
		UserID:    userID,
		RoomID:    roomID,
		Kind:      EventConnected,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		UserIP:    meta.IP,
		UserAgent: meta.Agent,
	})
	return nil
}

// Disconnect implements Tracker.
func (m *MemoryTracker) Disconnect(ctx context.Context, roomID, userID, sessionID uuid.UUID) error {
	m.mu.Lock()
	if users, ok := m.roomUsers[roomID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.roomUsers, roomID)
		}
	}
	if rooms, ok := m.userRooms[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(m.userRooms, userID)
		}
	}
	m.mu.Unlock()

	_ = m.sink.Append(ctx, Event{
		EventID:   uuid.New(),
		UserID:    userID,
		RoomID:    roomID,
		Kind:      EventDisconnected,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	})
	return nil
}

// Refresh implements Tracker. Membership has no TTL in-process, so only the
// sampled heartbeat event append is meaningful here.
func (m *MemoryTracker) Refresh(ctx context.Context, roomID, userID, sessionID uuid.UUID, meta Metadata, sample bool) error {
	if !sample {
		return nil
	}
	_ = m.sink.Append(ctx, Event{
		EventID:   uuid.New(),
		UserID:    userID,
		RoomID:    roomID,
		Kind:      EventHeartbeat,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		UserIP:    meta.IP,
		UserAgent: meta.Agent,
	})
	return nil
}

// CleanupUser implements Tracker. It calls Disconnect once per room, so the
// rooms are released one at a time rather than in one batch, and a
// disconnected event with a nil session id is appended for each room.
func (m *MemoryTracker) CleanupUser(ctx context.Context, userID uuid.UUID) error {
	rooms, err := m.UserRooms(ctx, userID)
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		if err := m.Disconnect(ctx, roomID, userID, uuid.Nil); err != nil {
			return err
		}
	}
	return nil
}

// OnlineUsers implements Tracker.
func (m *MemoryTracker) OnlineUsers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := m.roomUsers[roomID]
	out := make([]uuid.UUID, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out, nil
}

// OnlineCount implements Tracker.
func (m *MemoryTracker) OnlineCount(ctx context.Context, roomID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.roomUsers[roomID]), nil
}

// IsOnline implements Tracker.
func (m *MemoryTracker) IsOnline(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roomUsers[roomID][userID]
	return ok, nil
}

// UserRooms implements Tracker.
func (m *MemoryTracker) UserRooms(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := m.userRooms[userID]
	out := make([]uuid.UUID, 0, len(rooms))
	for r := range rooms {
		out = append(out, r)
	}
	return out, nil
}
