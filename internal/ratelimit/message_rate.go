package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatkit/chatkit/internal/chaterrors"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/google/uuid"
)

// MessageRate enforces the per-(user, kind) fixed-window counters for message
// sends and concurrent connections (C4's hot-path extension). It is kept
// separate from RateLimiter: the HTTP/WS admission gate above fails open on a
// store outage to protect availability of the upgrade path, but the
// per-message check fails closed, since letting an unbounded sender through
// during a Redis outage defeats the point of the limiter.
type MessageRate struct {
	store            *store.Store
	messageCap       int64
	messageWindow    time.Duration
	connectionCap    int64
	connectionWindow time.Duration
}

// NewMessageRate builds a MessageRate backed by st. messageCap/messageWindow
// bound sends per user; connectionCap/connectionWindow bound concurrent
// connection attempts per user.
func NewMessageRate(st *store.Store, messageCap int64, messageWindow time.Duration, connectionCap int64, connectionWindow time.Duration) *MessageRate {
	return &MessageRate{
		store:            st,
		messageCap:       messageCap,
		messageWindow:    messageWindow,
		connectionCap:    connectionCap,
		connectionWindow: connectionWindow,
	}
}

func messageRateKey(userID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:message:%s", userID)
}

func connectionRateKey(userID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:connection:%s", userID)
}

// Decision reports whether an operation is allowed, and if not, how long the
// caller should wait before retrying.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CheckMessageRate increments this user's per-window message counter and
// rejects once the configured cap is exceeded. A transient store error is
// surfaced as chaterrors.ErrTransientStore rather than allowed through.
func (m *MessageRate) CheckMessageRate(ctx context.Context, userID uuid.UUID) (Decision, error) {
	return m.check(ctx, messageRateKey(userID), m.messageCap, m.messageWindow)
}

// CheckConnectionRate increments this user's per-window connection-attempt
// counter and rejects once the configured cap is exceeded.
func (m *MessageRate) CheckConnectionRate(ctx context.Context, userID uuid.UUID) (Decision, error) {
	return m.check(ctx, connectionRateKey(userID), m.connectionCap, m.connectionWindow)
}

func (m *MessageRate) check(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	count, err := m.store.IncrWithExpire(ctx, key, window)
	if err != nil {
		if errors.Is(err, chaterrors.ErrTransientStore) {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("rate check: %w", err)
	}

	if count > limit {
		return Decision{Allowed: false, RetryAfter: window}, nil
	}
	return Decision{Allowed: true}, nil
}
