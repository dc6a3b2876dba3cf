// Package eventstream implements the append-only presence-event log (C3):
// producers append flat key-value records, consumers belong to a named
// consumer group and read via claim-then-ack semantics, with redelivery of
// unacknowledged entries on restart.
package eventstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatkit/chatkit/internal/presence"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Record is the flat key-value shape of a stream entry, matching the wire
// format in the external-interfaces section: event_id, user_id, room_id,
// event_type, timestamp (RFC-3339 UTC), session_id, optional user_ip/user_agent.
// Consumers must tolerate unknown fields.
type Record struct {
	EventID   string `redis:"event_id"`
	UserID    string `redis:"user_id"`
	RoomID    string `redis:"room_id"`
	EventType string `redis:"event_type"`
	Timestamp string `redis:"timestamp"`
	SessionID string `redis:"session_id"`
	UserIP    string `redis:"user_ip"`
	UserAgent string `redis:"user_agent"`
}

func recordFromEvent(e presence.Event) Record {
	return Record{
		EventID:   e.EventID.String(),
		UserID:    e.UserID.String(),
		RoomID:    e.RoomID.String(),
		EventType: string(e.Kind),
		Timestamp: e.Timestamp.Format(time.RFC3339),
		SessionID: e.SessionID.String(),
		UserIP:    e.UserIP,
		UserAgent: e.UserAgent,
	}
}

func (r Record) fields() map[string]any {
	return map[string]any{
		"event_id":   r.EventID,
		"user_id":    r.UserID,
		"room_id":    r.RoomID,
		"event_type": r.EventType,
		"timestamp":  r.Timestamp,
		"session_id": r.SessionID,
		"user_ip":    r.UserIP,
		"user_agent": r.UserAgent,
	}
}

// ParseEvent decodes a raw field map (as returned by XReadGroup) back into a
// presence.Event, tolerating unknown fields and missing optional ones.
func ParseEvent(fields map[string]any) (presence.Event, error) {
	get := func(key string) string {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}

	eventID, err := uuid.Parse(get("event_id"))
	if err != nil {
		return presence.Event{}, fmt.Errorf("parse event_id: %w", err)
	}
	userID, err := uuid.Parse(get("user_id"))
	if err != nil {
		return presence.Event{}, fmt.Errorf("parse user_id: %w", err)
	}
	roomID, err := uuid.Parse(get("room_id"))
	if err != nil {
		return presence.Event{}, fmt.Errorf("parse room_id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, get("timestamp"))
	if err != nil {
		return presence.Event{}, fmt.Errorf("parse timestamp: %w", err)
	}

	var sessionID uuid.UUID
	if raw := get("session_id"); raw != "" {
		sessionID, err = uuid.Parse(raw)
		if err != nil {
			return presence.Event{}, fmt.Errorf("parse session_id: %w", err)
		}
	}

	return presence.Event{
		EventID:   eventID,
		UserID:    userID,
		RoomID:    roomID,
		Kind:      presence.EventKind(get("event_type")),
		Timestamp: ts,
		SessionID: sessionID,
		UserIP:    get("user_ip"),
		UserAgent: get("user_agent"),
	}, nil
}

// Producer appends presence events to the stream; it implements
// presence.EventSink.
type Producer struct {
	client     *redis.Client
	streamName string
}

// NewProducer builds a Producer writing to streamName on client.
func NewProducer(client *redis.Client, streamName string) *Producer {
	return &Producer{client: client, streamName: streamName}
}

// Append implements presence.EventSink.
func (p *Producer) Append(ctx context.Context, event presence.Event) error {
	record := recordFromEvent(event)
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName,
		Values: record.fields(),
	}).Err()
}

// Entry pairs a stream-assigned id with its decoded event.
type Entry struct {
	ID    string
	Event presence.Event
	// ParseErr is set when the raw fields could not be decoded into a
	// presence.Event; the caller (stats consumer) acks poison entries like
	// this to avoid head-of-line blocking, logging the id for inspection.
	ParseErr error
}

// ConsumerGroup reads Record entries from a named consumer group, acking
// explicitly once the caller has durably persisted them.
type ConsumerGroup struct {
	client       *redis.Client
	streamName   string
	group        string
	consumerName string
}

// NewConsumerGroup builds a ConsumerGroup reader.
func NewConsumerGroup(client *redis.Client, streamName, group, consumerName string) *ConsumerGroup {
	return &ConsumerGroup{
		client:       client,
		streamName:   streamName,
		group:        group,
		consumerName: consumerName,
	}
}

// EnsureGroup creates the consumer group (and the stream, if absent),
// tolerating a "group already exists" response.
func (c *ConsumerGroup) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.streamName, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// ReadNew reads up to count new entries (not yet claimed by any consumer in
// the group), blocking up to block for arrivals.
func (c *ConsumerGroup) ReadNew(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	return c.read(ctx, ">", count, block)
}

// ReadPending re-reads entries already claimed by this consumer but not yet
// acknowledged — used on startup to recover from a crash between read and ack.
func (c *ConsumerGroup) ReadPending(ctx context.Context, count int64) ([]Entry, error) {
	return c.read(ctx, "0", count, 0)
}

func (c *ConsumerGroup) read(ctx context.Context, start string, count int64, block time.Duration) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerName,
		Streams:  []string{c.streamName, start},
		Count:    count,
	}
	if start == ">" {
		args.Block = block
	}

	streams, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var entries []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, parseErr := ParseEvent(msg.Values)
			entries = append(entries, Entry{ID: msg.ID, Event: event, ParseErr: parseErr})
		}
	}
	return entries, nil
}

// Ack acknowledges one or more entries, removing them from the pending set.
func (c *ConsumerGroup) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.client.XAck(ctx, c.streamName, c.group, ids...).Err()
}

// PendingCount reports the number of unacknowledged entries for this group.
func (c *ConsumerGroup) PendingCount(ctx context.Context) (int64, error) {
	summary, err := c.client.XPending(ctx, c.streamName, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return summary.Count, nil
}

// Trim bounds the stream to approximately maxLen entries (size-bounded
// retention); callers must assume events older than the bound are gone.
func (c *ConsumerGroup) Trim(ctx context.Context, maxLen int64) error {
	return c.client.XTrimMaxLenApprox(ctx, c.streamName, maxLen, 0).Err()
}
