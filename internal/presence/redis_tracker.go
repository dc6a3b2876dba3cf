package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/chatkit/chatkit/internal/logging"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTracker is the store-backed Tracker. Every transition is a single
// pipelined batch so the room_online/user_rooms pair never observes a
// half-applied mutation (P1).
type RedisTracker struct {
	store  *store.Store
	sink   EventSink
	ttl    time.Duration
}

// NewRedisTracker builds a Tracker over st, appending lifecycle events to
// sink. ttl bounds how long an orphaned entry survives a missed teardown.
func NewRedisTracker(st *store.Store, sink EventSink, ttl time.Duration) *RedisTracker {
	if sink == nil {
		sink = NoopSink{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTracker{store: st, sink: sink, ttl: ttl}
}

func roomOnlineKey(roomID uuid.UUID) string {
	return fmt.Sprintf("room:%s:online", roomID)
}

func userRoomsKey(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:rooms", userID)
}

// Connect implements Tracker.
func (t *RedisTracker) Connect(ctx context.Context, roomID, userID, sessionID uuid.UUID, meta Metadata) error {
	roomKey := roomOnlineKey(roomID)
	userKey := userRoomsKey(userID)

	err := t.store.Pipeline(ctx, "presence_connect", func(pipe redis.Pipeliner) {
		pipe.SAdd(ctx, roomKey, userID.String())
		pipe.SAdd(ctx, userKey, roomID.String())
		pipe.Expire(ctx, roomKey, t.ttl)
		pipe.Expire(ctx, userKey, t.ttl)
	})
	if err != nil {
		return fmt.Errorf("presence connect: %w", err)
	}

	event := Event{
		EventID:   uuid.New(),
		UserID:    userID,
		RoomID:    roomID,
		Kind:      EventConnected,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		UserIP:    meta.IP,
		UserAgent: meta.Agent,
	}
	if err := t.sink.Append(ctx, event); err != nil {
		logging.Warn(ctx, "failed to append connected event, presence state unaffected", zap.Error(err))
	}
	return nil
}

// Disconnect implements Tracker.
func (t *RedisTracker) Disconnect(ctx context.Context, roomID, userID, sessionID uuid.UUID) error {
	roomKey := roomOnlineKey(roomID)
	userKey := userRoomsKey(userID)

	err := t.store.Pipeline(ctx, "presence_disconnect", func(pipe redis.Pipeliner) {
		pipe.SRem(ctx, roomKey, userID.String())
		pipe.SRem(ctx, userKey, roomID.String())
	})
	if err != nil {
		return fmt.Errorf("presence disconnect: %w", err)
	}

	event := Event{
		EventID:   uuid.New(),
		UserID:    userID,
		RoomID:    roomID,
		Kind:      EventDisconnected,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
	if err := t.sink.Append(ctx, event); err != nil {
		logging.Warn(ctx, "failed to append disconnected event, presence state unaffected", zap.Error(err))
	}
	return nil
}

// Refresh implements Tracker.
func (t *RedisTracker) Refresh(ctx context.Context, roomID, userID, sessionID uuid.UUID, meta Metadata, sample bool) error {
	roomKey := roomOnlineKey(roomID)
	userKey := userRoomsKey(userID)

	err := t.store.Pipeline(ctx, "presence_refresh", func(pipe redis.Pipeliner) {
		pipe.Expire(ctx, roomKey, t.ttl)
		pipe.Expire(ctx, userKey, t.ttl)
	})
	if err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}

	if !sample {
		return nil
	}

	event := Event{
		EventID:   uuid.New(),
		UserID:    userID,
		RoomID:    roomID,
		Kind:      EventHeartbeat,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		UserIP:    meta.IP,
		UserAgent: meta.Agent,
	}
	if err := t.sink.Append(ctx, event); err != nil {
		logging.Warn(ctx, "failed to append heartbeat event, presence state unaffected", zap.Error(err))
	}
	return nil
}

// CleanupUser implements Tracker.
func (t *RedisTracker) CleanupUser(ctx context.Context, userID uuid.UUID) error {
	rooms, err := t.UserRooms(ctx, userID)
	if err != nil {
		return fmt.Errorf("presence cleanup: %w", err)
	}
	if len(rooms) == 0 {
		return nil
	}

	userKey := userRoomsKey(userID)
	err = t.store.Pipeline(ctx, "presence_cleanup_user", func(pipe redis.Pipeliner) {
		for _, roomID := range rooms {
			pipe.SRem(ctx, roomOnlineKey(roomID), userID.String())
		}
		pipe.Del(ctx, userKey)
	})
	if err != nil {
		return fmt.Errorf("presence cleanup: %w", err)
	}
	return nil
}

// OnlineUsers implements Tracker.
func (t *RedisTracker) OnlineUsers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	members, err := t.store.SMembers(ctx, roomOnlineKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("presence online users: %w", err)
	}
	return parseUUIDs(members)
}

// OnlineCount implements Tracker.
func (t *RedisTracker) OnlineCount(ctx context.Context, roomID uuid.UUID) (int, error) {
	users, err := t.OnlineUsers(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// IsOnline implements Tracker.
func (t *RedisTracker) IsOnline(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	ok, err := t.store.SIsMember(ctx, roomOnlineKey(roomID), userID.String())
	if err != nil {
		return false, fmt.Errorf("presence is online: %w", err)
	}
	return ok, nil
}

// UserRooms implements Tracker.
func (t *RedisTracker) UserRooms(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	members, err := t.store.SMembers(ctx, userRoomsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("presence user rooms: %w", err)
	}
	return parseUUIDs(members)
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid id in store: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
