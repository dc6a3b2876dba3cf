// Package statsconsumer implements the stats consumer (C8): a separate
// long-running worker that drains the presence event stream in batches and
// writes them through to the stats store, acknowledging only after a
// successful commit so a crash mid-batch simply replays on restart.
package statsconsumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatkit/chatkit/internal/eventstream"
	"github.com/chatkit/chatkit/internal/metrics"
	"github.com/chatkit/chatkit/internal/presence"
)

// EventWriter durably persists a batch of presence events, idempotent on
// event_id so at-least-once stream delivery becomes effectively-once in the
// stats store.
type EventWriter interface {
	InsertBatch(ctx context.Context, events []presence.Event) error
}

// Config tunes batching and polling behavior.
type Config struct {
	BatchSize     int64
	FlushInterval time.Duration
	BlockTimeout  time.Duration
}

// Consumer drains a ConsumerGroup and writes through to an EventWriter.
type Consumer struct {
	group  *eventstream.ConsumerGroup
	writer EventWriter
	cfg    Config
}

// NewConsumer builds a Consumer. Zero-value Config fields are defaulted.
func NewConsumer(group *eventstream.ConsumerGroup, writer EventWriter, cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	return &Consumer{group: group, writer: writer, cfg: cfg}
}

// Run drains the stream until ctx is cancelled, flushing on exit.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.group.EnsureGroup(ctx); err != nil {
		return err
	}

	// Entries this consumer claimed in an earlier run but never acked are
	// replayed once at startup, up to one batch.
	if pending, err := c.group.ReadPending(ctx, c.cfg.BatchSize); err != nil {
		slog.Error("statsconsumer: read pending failed", "error", err)
	} else if len(pending) > 0 {
		c.flush(ctx, pending)
	}

	var batch []eventstream.Entry
	flushTimer := time.NewTimer(c.cfg.FlushInterval)
	defer flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				c.flush(context.Background(), batch)
			}
			return ctx.Err()
		default:
		}

		want := c.cfg.BatchSize - int64(len(batch))
		if want <= 0 {
			want = 1
		}

		entries, err := c.group.ReadNew(ctx, want, c.cfg.BlockTimeout)
		if err != nil {
			slog.Error("statsconsumer: read new failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		batch = append(batch, entries...)

		select {
		case <-flushTimer.C:
			if len(batch) > 0 {
				c.flush(ctx, batch)
				batch = nil
			}
			flushTimer.Reset(c.cfg.FlushInterval)
		default:
			if int64(len(batch)) >= c.cfg.BatchSize {
				c.flush(ctx, batch)
				batch = nil
				if !flushTimer.Stop() {
					<-flushTimer.C
				}
				flushTimer.Reset(c.cfg.FlushInterval)
			}
		}
	}
}

// flush separates poison entries (ack-and-log, never retried) from good
// ones, writes the good ones transactionally, and only then acks them —
// acknowledging after the commit, not before the flush, so a crash between
// write and ack just redelivers on restart instead of silently losing rows.
func (c *Consumer) flush(ctx context.Context, batch []eventstream.Entry) {
	var good []eventstream.Entry
	var goodEvents []presence.Event
	var poisonIDs []string

	for _, entry := range batch {
		if entry.ParseErr != nil {
			slog.Warn("statsconsumer: poison event, acking and skipping", "id", entry.ID, "error", entry.ParseErr)
			poisonIDs = append(poisonIDs, entry.ID)
			metrics.StatsConsumerPoisonEvents.Inc()
			continue
		}
		good = append(good, entry)
		goodEvents = append(goodEvents, entry.Event)
	}

	metrics.StatsConsumerBatchSize.Observe(float64(len(batch)))

	if len(poisonIDs) > 0 {
		if err := c.group.Ack(ctx, poisonIDs...); err != nil {
			slog.Error("statsconsumer: failed to ack poison entries", "error", err)
		}
	}

	if len(good) == 0 {
		return
	}

	if err := c.writer.InsertBatch(ctx, goodEvents); err != nil {
		slog.Error("statsconsumer: batch insert failed, leaving entries pending", "count", len(good), "error", err)
		return
	}

	ids := make([]string, len(good))
	for i, entry := range good {
		ids[i] = entry.ID
	}
	if err := c.group.Ack(ctx, ids...); err != nil {
		slog.Error("statsconsumer: failed to ack committed entries", "error", err)
	}
}
