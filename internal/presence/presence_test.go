package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Append(_ context.Context, e Event) error {
	s.events = append(s.events, e)
	return nil
}

func newRedisTracker(t *testing.T) (*RedisTracker, *recordingSink, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	st, err := store.New(store.Config{Addr: mr.Addr()})
	require.NoError(t, err)

	sink := &recordingSink{}
	tr := NewRedisTracker(st, sink, 0)
	return tr, sink, func() {
		_ = st.Close()
		mr.Close()
	}
}

func trackers(t *testing.T) map[string]func() (Tracker, *recordingSink, func()) {
	return map[string]func() (Tracker, *recordingSink, func()){
		"redis": func() (Tracker, *recordingSink, func()) {
			tr, sink, cleanup := newRedisTracker(t)
			return tr, sink, cleanup
		},
		"memory": func() (Tracker, *recordingSink, func()) {
			sink := &recordingSink{}
			return NewMemoryTracker(sink), sink, func() {}
		},
	}
}

func TestTracker_ConnectDisconnectInvariants(t *testing.T) {
	for name, build := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			tr, sink, cleanup := build()
			defer cleanup()

			ctx := context.Background()
			room := uuid.New()
			user := uuid.New()
			session := uuid.New()

			require.NoError(t, tr.Connect(ctx, room, user, session, Metadata{IP: "1.2.3.4"}))

			online, err := tr.IsOnline(ctx, room, user)
			require.NoError(t, err)
			assert.True(t, online)

			rooms, err := tr.UserRooms(ctx, user)
			require.NoError(t, err)
			assert.Contains(t, rooms, room)

			count, err := tr.OnlineCount(ctx, room)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			require.NoError(t, tr.Disconnect(ctx, room, user, session))

			online, err = tr.IsOnline(ctx, room, user)
			require.NoError(t, err)
			assert.False(t, online)

			rooms, err = tr.UserRooms(ctx, user)
			require.NoError(t, err)
			assert.Empty(t, rooms)

			require.Len(t, sink.events, 2)
			assert.Equal(t, EventConnected, sink.events[0].Kind)
			assert.Equal(t, EventDisconnected, sink.events[1].Kind)
		})
	}
}

func TestTracker_ConnectIsIdempotent(t *testing.T) {
	for name, build := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			tr, _, cleanup := build()
			defer cleanup()

			ctx := context.Background()
			room := uuid.New()
			user := uuid.New()
			session := uuid.New()

			require.NoError(t, tr.Connect(ctx, room, user, session, Metadata{}))
			require.NoError(t, tr.Connect(ctx, room, user, session, Metadata{}))

			count, err := tr.OnlineCount(ctx, room)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestTracker_CleanupUser(t *testing.T) {
	for name, build := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			tr, _, cleanup := build()
			defer cleanup()

			ctx := context.Background()
			user := uuid.New()
			r1, r2 := uuid.New(), uuid.New()
			session := uuid.New()

			require.NoError(t, tr.Connect(ctx, r1, user, session, Metadata{}))
			require.NoError(t, tr.Connect(ctx, r2, user, session, Metadata{}))

			require.NoError(t, tr.CleanupUser(ctx, user))

			for _, room := range []uuid.UUID{r1, r2} {
				online, err := tr.IsOnline(ctx, room, user)
				require.NoError(t, err)
				assert.False(t, online, "P6: user must appear in no room_online set after cleanup")
			}

			rooms, err := tr.UserRooms(ctx, user)
			require.NoError(t, err)
			assert.Empty(t, rooms)
		})
	}
}

func TestTracker_RefreshSamplesHeartbeatOnlyWhenAsked(t *testing.T) {
	for name, build := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			tr, sink, cleanup := build()
			defer cleanup()

			ctx := context.Background()
			room := uuid.New()
			user := uuid.New()
			session := uuid.New()

			require.NoError(t, tr.Connect(ctx, room, user, session, Metadata{}))
			require.NoError(t, tr.Refresh(ctx, room, user, session, Metadata{}, false))
			require.Len(t, sink.events, 1, "unsampled refresh must not append an event")

			require.NoError(t, tr.Refresh(ctx, room, user, session, Metadata{IP: "9.9.9.9"}, true))
			require.Len(t, sink.events, 2)
			assert.Equal(t, EventHeartbeat, sink.events[1].Kind)
			assert.Equal(t, "9.9.9.9", sink.events[1].UserIP)

			online, err := tr.IsOnline(ctx, room, user)
			require.NoError(t, err)
			assert.True(t, online, "refresh must not remove presence membership")
		})
	}
}

func TestTracker_OnlineCountMatchesSetSize(t *testing.T) {
	for name, build := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			tr, _, cleanup := build()
			defer cleanup()

			ctx := context.Background()
			room := uuid.New()

			for i := 0; i < 5; i++ {
				require.NoError(t, tr.Connect(ctx, room, uuid.New(), uuid.New(), Metadata{}))
			}

			users, err := tr.OnlineUsers(ctx, room)
			require.NoError(t, err)
			count, err := tr.OnlineCount(ctx, room)
			require.NoError(t, err)
			assert.Equal(t, len(users), count, "P2: online_count(r) = |online_users(r)|")
		})
	}
}
