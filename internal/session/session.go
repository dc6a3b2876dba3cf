// Package session implements the connection manager (C7): one instance per
// client connection, carrying it through HANDSHAKE, AUTHENTICATED, ACTIVE,
// DRAINING and CLOSED, and enforcing the single-writer discipline that lets
// the manager shut down without racing its own socket writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatkit/chatkit/internal/broadcast"
	"github.com/chatkit/chatkit/internal/chaterrors"
	"github.com/chatkit/chatkit/internal/presence"
	"github.com/chatkit/chatkit/internal/protocol"
	"github.com/chatkit/chatkit/internal/ratelimit"
	"github.com/chatkit/chatkit/internal/repository"
	"github.com/chatkit/chatkit/internal/sequence"
	"github.com/google/uuid"
)

// State is a step in the session lifecycle.
type State int

const (
	StateHandshake State = iota
	StateAuthenticated
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the minimal transport surface the manager needs; production code
// wires this to a *websocket.Conn, tests wire it to an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// outboundBuffer bounds the command channel the writer task drains; it is
// the only path anything takes to reach the socket.
const outboundBuffer = 128

const writeWait = 10 * time.Second

// textMessage mirrors websocket.TextMessage without importing gorilla here;
// Conn is an abstraction over the transport, same as the teacher's
// wsConnection interface.
const textMessage = 1

// Deps collects every collaborator the manager orchestrates.
type Deps struct {
	Presence   presence.Tracker
	Rooms      repository.RoomRepository
	Messages   repository.MessageRepository
	Auth       repository.AuthService
	Sequence   *sequence.Allocator
	Rates      *ratelimit.MessageRate
	Hub        *broadcast.Hub
	Relay      *broadcast.Relay
	Heartbeat  HeartbeatConfig
}

// HeartbeatConfig mirrors the heartbeat.* configuration keys.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// StatsSampleInterval bounds how often a heartbeat frame is sampled into
	// C3 as a Heartbeat event; TTL refresh via C2 still happens on every
	// heartbeat regardless of sampling.
	StatsSampleInterval time.Duration
}

type roomSubscription struct {
	cancel context.CancelFunc
}

// Session is one client's streaming connection.
type Session struct {
	conn    Conn
	deps    Deps
	ip, ua  string

	mu                  sync.RWMutex
	state               State
	userID              uuid.UUID
	sessionID           uuid.UUID
	subscriptions       map[uuid.UUID]roomSubscription
	lastInbound         time.Time
	lastHeartbeatSample time.Time

	outbound chan protocol.ServerFrame
}

// New builds a Session around an accepted connection. Metadata (ip, agent)
// is recorded on presence events.
func New(conn Conn, deps Deps, ip, userAgent string) *Session {
	return &Session{
		conn:          conn,
		deps:          deps,
		ip:            ip,
		ua:            userAgent,
		state:         StateHandshake,
		subscriptions: make(map[uuid.UUID]roomSubscription),
		outbound:      make(chan protocol.ServerFrame, outboundBuffer),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session to completion: handshake, then the active loop,
// then teardown. It blocks until the connection closes, ctx is cancelled, or
// an unrecoverable error occurs.
func (s *Session) Run(ctx context.Context, token string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.handshake(ctx, token); err != nil {
		s.closeWithError(err)
		return err
	}

	s.sessionID = uuid.New()
	s.setState(StateActive)
	s.lastInbound = time.Now()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx, cancel)
	}()

	err := s.readPump(ctx)

	s.setState(StateDraining)
	s.teardown(context.Background())
	cancel()
	wg.Wait()
	s.setState(StateClosed)
	return err
}

func (s *Session) handshake(ctx context.Context, token string) error {
	claims, err := s.deps.Auth.Validate(ctx, token)
	if err != nil {
		return fmt.Errorf("handshake: %w", chaterrors.ErrAuthFailed)
	}
	if claims.Revoked {
		return fmt.Errorf("handshake: revoked: %w", chaterrors.ErrAuthFailed)
	}
	s.userID = claims.UserID
	s.setState(StateAuthenticated)
	return nil
}

func (s *Session) readPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.lastInbound = time.Now()
		s.mu.Unlock()

		frame, err := protocol.DecodeClientFrame(data)
		if err != nil {
			s.sendError(chaterrors.CodeFor(fmt.Errorf("%w", chaterrors.ErrProtocol)))
			continue
		}

		if err := s.handleFrame(ctx, frame); err != nil {
			code, msg := chaterrors.CodeFor(err)
			s.sendError(code, msg)
			if errors.Is(err, chaterrors.ErrAuthFailed) || errors.Is(err, chaterrors.ErrInternal) {
				return err
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame protocol.ClientFrame) error {
	switch frame.Kind {
	case protocol.ClientJoin:
		return s.handleJoin(ctx, frame)
	case protocol.ClientLeave:
		return s.handleLeave(ctx, frame)
	case protocol.ClientSend:
		return s.handleSend(ctx, frame)
	case protocol.ClientPing:
		s.handleHeartbeat(ctx)
		s.enqueue(protocol.ServerFrame{Kind: protocol.ServerPong})
		return nil
	case protocol.ClientPong:
		s.handleHeartbeat(ctx)
		return nil
	default:
		return fmt.Errorf("unhandled frame kind %q: %w", frame.Kind, chaterrors.ErrProtocol)
	}
}

func (s *Session) handleJoin(ctx context.Context, frame protocol.ClientFrame) error {
	roomID, err := uuid.Parse(frame.RoomID)
	if err != nil {
		return fmt.Errorf("join: bad room id: %w", chaterrors.ErrProtocol)
	}

	member, err := s.deps.Rooms.IsMember(ctx, roomID, s.userID)
	if err != nil {
		return fmt.Errorf("join: membership check: %w", chaterrors.ErrInternal)
	}
	if !member {
		return fmt.Errorf("join: %w", chaterrors.ErrUnauthorized)
	}

	if err := s.deps.Presence.Connect(ctx, roomID, s.userID, s.sessionID, presence.Metadata{IP: s.ip, Agent: s.ua}); err != nil {
		return fmt.Errorf("join: presence connect: %w", chaterrors.ErrTransientStore)
	}

	s.subscribeRoom(ctx, roomID)

	s.enqueue(protocol.ServerFrame{Kind: protocol.ServerUserJoined, RoomID: roomID.String(), UserID: s.userID.String()})
	return nil
}

func (s *Session) subscribeRoom(ctx context.Context, roomID uuid.UUID) {
	s.mu.Lock()
	if _, ok := s.subscriptions[roomID]; ok {
		s.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.subscriptions[roomID] = roomSubscription{cancel: cancel}
	s.mu.Unlock()

	ch, unsub := s.deps.Hub.Subscribe(roomID, s.sessionID)
	s.deps.Relay.EnsureSubscription(ctx, roomID)

	go func() {
		defer unsub()
		for {
			select {
			case <-subCtx.Done():
				return
			case frame, ok := <-ch:
				if !ok {
					return
				}
				s.enqueue(frame)
			}
		}
	}()
}

// handleHeartbeat refreshes presence TTLs for every room the session is
// subscribed to, and samples a Heartbeat event into C3 at a reduced cadence
// so the stream isn't flooded with one event per heartbeat frame.
func (s *Session) handleHeartbeat(ctx context.Context) {
	sample := false
	if s.deps.Heartbeat.StatsSampleInterval > 0 {
		s.mu.Lock()
		if time.Since(s.lastHeartbeatSample) >= s.deps.Heartbeat.StatsSampleInterval {
			sample = true
			s.lastHeartbeatSample = time.Now()
		}
		s.mu.Unlock()
	}

	s.mu.RLock()
	rooms := make([]uuid.UUID, 0, len(s.subscriptions))
	for roomID := range s.subscriptions {
		rooms = append(rooms, roomID)
	}
	s.mu.RUnlock()

	meta := presence.Metadata{IP: s.ip, Agent: s.ua}
	for _, roomID := range rooms {
		if err := s.deps.Presence.Refresh(ctx, roomID, s.userID, s.sessionID, meta, sample); err != nil {
			slog.Warn("session: heartbeat refresh failed", "room", roomID, "error", err)
		}
	}
}

func (s *Session) handleLeave(ctx context.Context, frame protocol.ClientFrame) error {
	roomID, err := uuid.Parse(frame.RoomID)
	if err != nil {
		return fmt.Errorf("leave: bad room id: %w", chaterrors.ErrProtocol)
	}

	s.unsubscribeRoom(roomID)

	if err := s.deps.Presence.Disconnect(ctx, roomID, s.userID, s.sessionID); err != nil {
		return fmt.Errorf("leave: presence disconnect: %w", chaterrors.ErrTransientStore)
	}

	s.enqueue(protocol.ServerFrame{Kind: protocol.ServerUserLeft, RoomID: roomID.String(), UserID: s.userID.String()})
	return nil
}

func (s *Session) unsubscribeRoom(roomID uuid.UUID) {
	s.mu.Lock()
	sub, ok := s.subscriptions[roomID]
	if ok {
		delete(s.subscriptions, roomID)
	}
	s.mu.Unlock()
	if ok {
		sub.cancel()
		if s.deps.Hub.RoomSize(roomID) == 0 {
			s.deps.Relay.StopSubscription(roomID)
		}
	}
}

func (s *Session) handleSend(ctx context.Context, frame protocol.ClientFrame) error {
	roomID, err := uuid.Parse(frame.RoomID)
	if err != nil {
		return fmt.Errorf("send: bad room id: %w", chaterrors.ErrProtocol)
	}

	decision, err := s.deps.Rates.CheckMessageRate(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("send: rate check: %w", chaterrors.ErrTransientStore)
	}
	if !decision.Allowed {
		return fmt.Errorf("send: %w", chaterrors.ErrRateLimited)
	}

	seq, err := s.deps.Sequence.Next(ctx, roomID)
	if err != nil {
		return fmt.Errorf("send: sequence: %w", chaterrors.ErrTransientStore)
	}

	var replyTo uuid.UUID
	if frame.ReplyTo != "" {
		replyTo, err = uuid.Parse(frame.ReplyTo)
		if err != nil {
			return fmt.Errorf("send: bad reply_to: %w", chaterrors.ErrProtocol)
		}
	}

	msg := repository.Message{
		ID:         uuid.New(),
		RoomID:     roomID,
		SenderID:   s.userID,
		Content:    frame.Content,
		Kind:       frame.MessageKind,
		ReplyTo:    replyTo,
		CreatedAt:  time.Now().UTC(),
		SequenceNo: seq,
	}
	if err := s.deps.Messages.Persist(ctx, msg); err != nil {
		return fmt.Errorf("send: persist: %w", chaterrors.ErrTransientPersistence)
	}

	out := protocol.ServerFrame{
		Kind:        protocol.ServerMessage,
		ID:          msg.ID.String(),
		RoomID:      roomID.String(),
		SenderID:    s.userID.String(),
		Content:     msg.Content,
		MessageKind: msg.Kind,
		SequenceNo:  msg.SequenceNo,
		CreatedAt:   msg.CreatedAt.Format(time.RFC3339),
	}
	if replyTo != uuid.Nil {
		out.ReplyTo = replyTo.String()
	}

	if err := s.deps.Relay.Publish(ctx, roomID, out); err != nil {
		slog.Warn("session: broadcast publish failed", "room", roomID, "error", err)
	}
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	if s.deps.Heartbeat.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.deps.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			idle := time.Since(s.lastInbound)
			s.mu.RUnlock()

			if s.deps.Heartbeat.Timeout > 0 && idle > s.deps.Heartbeat.Timeout {
				s.setState(StateDraining)
				cancel()
				return
			}
			s.enqueue(protocol.ServerFrame{Kind: protocol.ServerPing})
		}
	}
}

func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainAndClose()
			return
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			data, err := frame.Encode()
			if err != nil {
				slog.Error("session: encode frame failed", "error", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(textMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *Session) drainAndClose() {
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			data, err := frame.Encode()
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(textMessage, data)
		default:
			return
		}
	}
}

func (s *Session) enqueue(frame protocol.ServerFrame) {
	select {
	case s.outbound <- frame:
		return
	default:
	}

	select {
	case <-s.outbound:
	default:
	}
	select {
	case s.outbound <- frame:
	default:
		slog.Warn("session: outbound channel full, dropping frame", "kind", frame.Kind)
	}
}

func (s *Session) sendError(code chaterrors.Code, message string) {
	s.enqueue(protocol.NewErrorFrame(string(code), message))
}

func (s *Session) closeWithError(err error) {
	code, msg := chaterrors.CodeFor(err)
	frame := protocol.NewErrorFrame(string(code), msg)
	if data, encErr := frame.Encode(); encErr == nil {
		_ = s.conn.WriteMessage(textMessage, data)
	}
	_ = s.conn.Close()
}

// teardown disconnects every subscribed room and runs the cleanup sweep, per
// DRAINING -> CLOSED.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	rooms := make([]uuid.UUID, 0, len(s.subscriptions))
	for roomID := range s.subscriptions {
		rooms = append(rooms, roomID)
	}
	s.mu.Unlock()

	for _, roomID := range rooms {
		s.unsubscribeRoom(roomID)
		if err := s.deps.Presence.Disconnect(ctx, roomID, s.userID, s.sessionID); err != nil {
			slog.Warn("session: teardown disconnect failed", "room", roomID, "error", err)
		}
	}

	if err := s.deps.Presence.CleanupUser(ctx, s.userID); err != nil {
		slog.Warn("session: cleanup sweep failed", "user", s.userID, "error", err)
	}

	_ = s.conn.Close()
}
