package statsconsumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatkit/chatkit/internal/eventstream"
	"github.com/chatkit/chatkit/internal/presence"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]presence.Event
	failN   int // fail this many calls before succeeding
}

func (w *fakeWriter) InsertBatch(ctx context.Context, events []presence.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return assert.AnError
	}
	cp := make([]presence.Event, len(events))
	copy(cp, events)
	w.batches = append(w.batches, cp)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func newTestConsumer(t *testing.T, writer EventWriter, cfg Config) (*Consumer, *eventstream.Producer, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	producer := eventstream.NewProducer(client, "presence_events_stream")
	group := eventstream.NewConsumerGroup(client, "presence_events_stream", "stats_consumers", "consumer-1")

	consumer := NewConsumer(group, writer, cfg)
	return consumer, producer, func() {
		_ = client.Close()
		mr.Close()
	}
}

func appendEvent(t *testing.T, producer *eventstream.Producer, kind presence.EventKind) {
	require.NoError(t, producer.Append(context.Background(), presence.Event{
		EventID:   uuid.New(),
		UserID:    uuid.New(),
		RoomID:    uuid.New(),
		Kind:      kind,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		SessionID: uuid.New(),
	}))
}

func TestConsumer_FlushesOnBatchSize(t *testing.T) {
	writer := &fakeWriter{}
	consumer, producer, cleanup := newTestConsumer(t, writer, Config{BatchSize: 3, FlushInterval: time.Hour, BlockTimeout: 50 * time.Millisecond})
	defer cleanup()

	for i := 0; i < 3; i++ {
		appendEvent(t, producer, presence.EventConnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = consumer.Run(ctx)

	assert.Equal(t, 3, writer.count())
}

func TestConsumer_FlushesOnInterval(t *testing.T) {
	writer := &fakeWriter{}
	consumer, producer, cleanup := newTestConsumer(t, writer, Config{BatchSize: 100, FlushInterval: 100 * time.Millisecond, BlockTimeout: 50 * time.Millisecond})
	defer cleanup()

	appendEvent(t, producer, presence.EventConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = consumer.Run(ctx)

	assert.Equal(t, 1, writer.count())
}

func TestConsumer_PoisonEventAckedWithoutBlockingGoodOnes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// Inject a malformed record directly (bypassing the producer's
	// well-formed encoding) to simulate a poison entry.
	ctx := context.Background()
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "presence_events_stream",
		Values: map[string]any{"event_id": "not-a-uuid"},
	}).Err())

	producer := eventstream.NewProducer(client, "presence_events_stream")
	appendEvent(t, producer, presence.EventConnected)

	group := eventstream.NewConsumerGroup(client, "presence_events_stream", "stats_consumers", "consumer-1")
	writer := &fakeWriter{}
	consumer := NewConsumer(group, writer, Config{BatchSize: 2, FlushInterval: time.Hour, BlockTimeout: 50 * time.Millisecond})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = consumer.Run(runCtx)

	assert.Equal(t, 1, writer.count(), "the well-formed event must still be written")

	pending, err := group.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending, "both the poison and the good entry must end up acked")
}

func TestConsumer_FailedInsertLeavesEntriesPending(t *testing.T) {
	writer := &fakeWriter{failN: 1}
	consumer, producer, cleanup := newTestConsumer(t, writer, Config{BatchSize: 1, FlushInterval: time.Hour, BlockTimeout: 50 * time.Millisecond})
	defer cleanup()

	appendEvent(t, producer, presence.EventConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = consumer.Run(ctx)

	// The insert failed once; the entry must not have been acked, so it's
	// still pending for a retry.
	assert.Equal(t, 0, writer.count())
}
