package aggregation

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatkit/chatkit/internal/metrics"
)

// Engine runs a bucket computation across every active dimension and writes
// the results through StatsWriter.
type Engine struct {
	reader EventReader
	writer StatsWriter
}

// NewEngine builds an Engine over reader/writer.
func NewEngine(reader EventReader, writer StatsWriter) *Engine {
	return &Engine{reader: reader, writer: writer}
}

// RunBucket aggregates [start, end) at granularity for every dimension with
// activity in that window.
func (e *Engine) RunBucket(ctx context.Context, granularity Granularity, start, end time.Time) error {
	began := time.Now()
	status := "success"
	defer func() {
		metrics.AggregationRunsTotal.WithLabelValues(string(granularity), status).Inc()
		metrics.AggregationDuration.WithLabelValues(string(granularity)).Observe(time.Since(began).Seconds())
	}()

	dims, err := e.reader.Dimensions(ctx, start, end)
	if err != nil {
		status = "error"
		return err
	}

	for _, dim := range dims {
		events, err := e.reader.EventsInRange(ctx, dim, start, end)
		if err != nil {
			status = "error"
			slog.Error("aggregation: read events failed", "dimension", dim, "error", err)
			continue
		}

		row := ComputeBucket(dim, granularity, start, end, events)
		if err := e.writer.Upsert(ctx, row); err != nil {
			status = "error"
			slog.Error("aggregation: upsert failed", "key", bucketKey(row), "error", err)
			continue
		}
	}

	return nil
}

// BucketRange returns the most recently completed [start, end) window for
// granularity, as of now.
func BucketRange(granularity Granularity, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch granularity {
	case Hourly:
		end := now.Truncate(time.Hour)
		return end.Add(-time.Hour), end
	case Daily:
		end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, 0, -1), end
	case Weekly:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		daysSinceMonday := (int(midnight.Weekday()) + 6) % 7
		end := midnight.AddDate(0, 0, -daysSinceMonday)
		return end.AddDate(0, 0, -7), end
	case Monthly:
		end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, -1, 0), end
	case Yearly:
		end := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return end.AddDate(-1, 0, 0), end
	default:
		end := now.Truncate(time.Hour)
		return end.Add(-time.Hour), end
	}
}
