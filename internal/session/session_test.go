package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatkit/chatkit/internal/broadcast"
	"github.com/chatkit/chatkit/internal/presence"
	"github.com/chatkit/chatkit/internal/protocol"
	"github.com/chatkit/chatkit/internal/ratelimit"
	"github.com/chatkit/chatkit/internal/repository"
	"github.com/chatkit/chatkit/internal/sequence"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn: inbound frames are fed on a channel, and
// every WriteMessage call is recorded for assertions.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return textMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) send(t *testing.T, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) frames(t *testing.T) []protocol.ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.ServerFrame
	for _, raw := range c.written {
		var f protocol.ServerFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

type testEnv struct {
	deps Deps
	repo *repository.Fake
	user uuid.UUID
	room uuid.UUID
}

func newTestEnv(t *testing.T) (testEnv, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	st, err := store.New(store.Config{Addr: mr.Addr()})
	require.NoError(t, err)

	repo := repository.NewFake()
	user := uuid.New()
	room := uuid.New()
	repo.AddMembership(repository.Membership{RoomID: room, UserID: user, Role: repository.RoleMember})
	repo.AddToken("good-token", repository.Claims{UserID: user})

	deps := Deps{
		Presence: presence.NewMemoryTracker(presence.NoopSink{}),
		Rooms:    repo,
		Messages: repo,
		Auth:     repo,
		Sequence: sequence.NewAllocator(st),
		Rates:    ratelimit.NewMessageRate(st, 10, time.Minute, 5, time.Minute),
		Hub:      broadcast.NewHub(),
		Relay:    broadcast.NewRelay(nil, broadcast.NewHub(), uuid.New()),
	}
	// Subscriptions must land in the Hub the session actually subscribes
	// through, so give Relay the same Hub instance as Deps.Hub.
	deps.Relay = broadcast.NewRelay(nil, deps.Hub, uuid.New())

	return testEnv{deps: deps, repo: repo, user: user, room: room}, func() {
		_ = st.Close()
		mr.Close()
	}
}

func TestSession_HandshakeFailureClosesWithError(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	conn := newFakeConn()
	close(conn.inbound)
	s := New(conn, env.deps, "1.2.3.4", "test-agent")

	err := s.Run(context.Background(), "bad-token")
	assert.Error(t, err)
	assert.Equal(t, StateClosed, s.State())

	frames := conn.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.ServerError, frames[0].Kind)
}

func TestSession_JoinSendLeaveFlow(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	conn := newFakeConn()
	s := New(conn, env.deps, "1.2.3.4", "test-agent")

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), "good-token") }()

	conn.send(t, protocol.ClientFrame{Kind: protocol.ClientJoin, RoomID: env.room.String()})
	time.Sleep(50 * time.Millisecond)

	conn.send(t, protocol.ClientFrame{Kind: protocol.ClientSend, RoomID: env.room.String(), Content: "hello", MessageKind: "text"})
	time.Sleep(50 * time.Millisecond)

	conn.send(t, protocol.ClientFrame{Kind: protocol.ClientLeave, RoomID: env.room.String()})
	time.Sleep(50 * time.Millisecond)

	conn.Close()
	err := <-done
	assert.Error(t, err) // read loop ends via EOF once inbound closes

	var sawJoined, sawMessage, sawLeft bool
	for _, f := range conn.frames(t) {
		switch f.Kind {
		case protocol.ServerUserJoined:
			sawJoined = true
		case protocol.ServerMessage:
			sawMessage = true
			assert.Equal(t, "hello", f.Content)
			assert.Equal(t, int64(1), f.SequenceNo)
		case protocol.ServerUserLeft:
			sawLeft = true
		}
	}
	assert.True(t, sawJoined, "expected a user_joined frame")
	assert.True(t, sawMessage, "expected the broadcast message frame")
	assert.True(t, sawLeft, "expected a user_left frame")

	persisted, err := env.repo.ListRecent(context.Background(), env.room, 10, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "hello", persisted[0].Content)
}

func TestSession_JoinRejectsNonMember(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	conn := newFakeConn()
	s := New(conn, env.deps, "1.2.3.4", "test-agent")

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), "good-token") }()

	otherRoom := uuid.New()
	conn.send(t, protocol.ClientFrame{Kind: protocol.ClientJoin, RoomID: otherRoom.String()})
	time.Sleep(50 * time.Millisecond)
	conn.Close()
	<-done

	frames := conn.frames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, protocol.ServerError, frames[0].Kind)
	assert.Equal(t, "Unauthorized", frames[0].Code)
}

func TestSession_PingReceivesPong(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	conn := newFakeConn()
	s := New(conn, env.deps, "1.2.3.4", "test-agent")

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), "good-token") }()

	conn.send(t, protocol.ClientFrame{Kind: protocol.ClientPing})
	time.Sleep(50 * time.Millisecond)
	conn.Close()
	<-done

	frames := conn.frames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, protocol.ServerPong, frames[0].Kind)
}
