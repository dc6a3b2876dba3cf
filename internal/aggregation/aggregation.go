// Package aggregation implements the aggregation engine (C9): periodic,
// cron-scheduled roll-ups of raw presence events into time-bucketed
// statistics, replayed from the running count of concurrent sessions rather
// than approximated.
package aggregation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chatkit/chatkit/internal/presence"
	"github.com/google/uuid"
)

// Granularity is a roll-up bucket width.
type Granularity string

const (
	Hourly  Granularity = "hour"
	Daily   Granularity = "day"
	Weekly  Granularity = "week"
	Monthly Granularity = "month"
	Yearly  Granularity = "year"
)

// Dimension identifies what a bucket is aggregated for: a room, an
// organization, or a user.
type Dimension struct {
	Kind string // "room", "org", "user"
	ID   string
}

// Row is one aggregated-stats row, upserted idempotently on
// (dimension, time_bucket, granularity).
type Row struct {
	Dimension                 Dimension
	TimeBucket                time.Time
	Granularity               Granularity
	PeakOnline                int
	AvgOnline                 float64
	TotalConnections          int
	UniqueUsers               int
	AvgSessionDurationSeconds float64
}

// EventReader supplies the raw material for a bucket: which dimensions had
// any activity in [start, end), and the events for one dimension in that
// range. Implementations may widen the query slightly past the bucket edges
// so that sessions spanning a boundary can be clipped rather than dropped.
type EventReader interface {
	Dimensions(ctx context.Context, start, end time.Time) ([]Dimension, error)
	EventsInRange(ctx context.Context, dim Dimension, start, end time.Time) ([]presence.Event, error)
}

// StatsWriter persists a computed row, overwriting any prior aggregate for
// the same key (recomputation is idempotent).
type StatsWriter interface {
	Upsert(ctx context.Context, row Row) error
}

// ComputeBucket replays events in time order to derive total_connections,
// unique_users, avg_session_duration_seconds, peak_online and avg_online for
// one dimension's [start, end) bucket.
func ComputeBucket(dim Dimension, granularity Granularity, start, end time.Time, events []presence.Event) Row {
	sorted := make([]presence.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	row := Row{Dimension: dim, TimeBucket: start, Granularity: granularity}

	uniqueUsers := make(map[uuid.UUID]struct{})
	openSessions := make(map[uuid.UUID]time.Time)
	var durations []float64

	current := 0
	peak := 0
	last := start
	var weightedSum float64

	clip := func(t time.Time) time.Time {
		if t.Before(start) {
			return start
		}
		if t.After(end) {
			return end
		}
		return t
	}

	startSeen := false
	for _, e := range sorted {
		inBucket := !e.Timestamp.Before(start) && e.Timestamp.Before(end)
		if !startSeen && !e.Timestamp.Before(start) {
			// The value held at the bucket's start counts toward its peak.
			startSeen = true
			peak = max(peak, current)
		}
		if inBucket {
			uniqueUsers[e.UserID] = struct{}{}
		}

		switch e.Kind {
		case presence.EventConnected:
			if inBucket {
				row.TotalConnections++
			}
			openSessions[e.SessionID] = e.Timestamp

			t := clip(e.Timestamp)
			weightedSum += float64(current) * t.Sub(last).Seconds()
			last = t
			current++
			if inBucket && current > peak {
				peak = current
			}

		case presence.EventDisconnected:
			connectedAt, ok := openSessions[e.SessionID]
			if ok {
				delete(openSessions, e.SessionID)
			} else {
				connectedAt = start
			}
			c, d := clip(connectedAt), clip(e.Timestamp)
			if d.After(c) {
				durations = append(durations, d.Sub(c).Seconds())
			}

			t := clip(e.Timestamp)
			weightedSum += float64(current) * t.Sub(last).Seconds()
			last = t
			if current > 0 {
				current--
			}
		}
	}

	if !startSeen {
		peak = max(peak, current)
	}

	// Sessions still open at the bucket's end are clipped there.
	for _, connectedAt := range openSessions {
		c := clip(connectedAt)
		if end.After(c) {
			durations = append(durations, end.Sub(c).Seconds())
		}
	}

	weightedSum += float64(current) * end.Sub(last).Seconds()
	if total := end.Sub(start).Seconds(); total > 0 {
		row.AvgOnline = weightedSum / total
	}
	row.PeakOnline = peak
	row.UniqueUsers = len(uniqueUsers)

	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		row.AvgSessionDurationSeconds = sum / float64(len(durations))
	}

	return row
}

func bucketKey(row Row) string {
	return fmt.Sprintf("%s:%s:%s:%s", row.Dimension.Kind, row.Dimension.ID, row.Granularity, row.TimeBucket.Format(time.RFC3339))
}
