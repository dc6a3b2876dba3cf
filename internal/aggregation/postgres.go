package aggregation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chatkit/chatkit/internal/presence"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStats implements EventReader and StatsWriter over the
// presence_events_raw / stats_aggregated tables.
type PostgresStats struct {
	db *sql.DB
}

// NewPostgresStats wraps an already-opened *sql.DB.
func NewPostgresStats(db *sql.DB) *PostgresStats {
	return &PostgresStats{db: db}
}

// Dimensions returns every room with at least one event in [start, end).
// Only room-scoped dimensions are produced; no org or user rows are
// computed anywhere in this package.
func (p *PostgresStats) Dimensions(ctx context.Context, start, end time.Time) ([]Dimension, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT room_id FROM presence_events_raw
		WHERE timestamp >= $1 AND timestamp < $2
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("dimensions query: %w", err)
	}
	defer rows.Close()

	var dims []Dimension
	for rows.Next() {
		var roomID uuid.UUID
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan dimension: %w", err)
		}
		dims = append(dims, Dimension{Kind: "room", ID: roomID.String()})
	}
	return dims, rows.Err()
}

// eventPadding widens the query past the bucket edges so sessions spanning
// a boundary have their connect/disconnect counterpart available to clip
// against, rather than being silently dropped.
const eventPadding = 24 * time.Hour

// EventsInRange returns dim's events touching [start-padding, end+padding).
func (p *PostgresStats) EventsInRange(ctx context.Context, dim Dimension, start, end time.Time) ([]presence.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_id, user_id, room_id, event_type, timestamp, session_id, user_ip, user_agent
		FROM presence_events_raw
		WHERE room_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp
	`, dim.ID, start.Add(-eventPadding), end.Add(eventPadding))
	if err != nil {
		return nil, fmt.Errorf("events query: %w", err)
	}
	defer rows.Close()

	var events []presence.Event
	for rows.Next() {
		var e presence.Event
		var kind string
		var ip, agent sql.NullString
		if err := rows.Scan(&e.EventID, &e.UserID, &e.RoomID, &kind, &e.Timestamp, &e.SessionID, &ip, &agent); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = presence.EventKind(kind)
		e.UserIP = ip.String
		e.UserAgent = agent.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Upsert implements StatsWriter.
func (p *PostgresStats) Upsert(ctx context.Context, row Row) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stats_aggregated
			(dimension_type, dimension_id, time_bucket, granularity, peak_online_count,
			 avg_online_count, total_connections, unique_users, avg_session_duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dimension_type, dimension_id, time_bucket, granularity)
		DO UPDATE SET
			peak_online_count = EXCLUDED.peak_online_count,
			avg_online_count = EXCLUDED.avg_online_count,
			total_connections = EXCLUDED.total_connections,
			unique_users = EXCLUDED.unique_users,
			avg_session_duration = EXCLUDED.avg_session_duration
	`, row.Dimension.Kind, row.Dimension.ID, row.TimeBucket, string(row.Granularity),
		row.PeakOnline, row.AvgOnline, row.TotalConnections, row.UniqueUsers, row.AvgSessionDurationSeconds)
	if err != nil {
		return fmt.Errorf("upsert stats row: %w", err)
	}
	return nil
}

// OnlineSummary is a derived read over already-aggregated rows: peak
// concurrent users and average session duration across an arbitrary window,
// without re-scanning raw presence events. Recovered from the original
// implementation's get_online_summary query, rebuilt here over
// stats_aggregated instead of the raw event table.
type OnlineSummary struct {
	Dimension                 Dimension
	Granularity               Granularity
	Start, End                time.Time
	PeakConcurrentUsers       int
	AvgSessionDurationSeconds float64
}

// GetOnlineSummary folds every stats_aggregated row for dim/granularity in
// [start, end) into one summary: the highest peak_online_count observed, and
// the connection-weighted mean session duration.
func (p *PostgresStats) GetOnlineSummary(ctx context.Context, dim Dimension, granularity Granularity, start, end time.Time) (OnlineSummary, error) {
	summary := OnlineSummary{Dimension: dim, Granularity: granularity, Start: start, End: end}

	row := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(MAX(peak_online_count), 0),
			COALESCE(SUM(avg_session_duration * total_connections) / NULLIF(SUM(total_connections), 0), 0)
		FROM stats_aggregated
		WHERE dimension_type = $1 AND dimension_id = $2 AND granularity = $3
		  AND time_bucket >= $4 AND time_bucket < $5
	`, dim.Kind, dim.ID, string(granularity), start, end)

	if err := row.Scan(&summary.PeakConcurrentUsers, &summary.AvgSessionDurationSeconds); err != nil {
		return OnlineSummary{}, fmt.Errorf("online summary query: %w", err)
	}
	return summary, nil
}

// DeleteOlderThan implements StatsPruner, removing aggregated rows for
// granularity whose time_bucket predates cutoff.
func (p *PostgresStats) DeleteOlderThan(ctx context.Context, granularity Granularity, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM stats_aggregated WHERE granularity = $1 AND time_bucket < $2
	`, string(granularity), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete older than %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}

// GetStats is the read-only query API: ordered rows for one dimension over
// a time range at a granularity. The dimension/granularity strings are bound
// as parameters, never interpolated into the query text.
func (p *PostgresStats) GetStats(ctx context.Context, dim Dimension, granularity Granularity, start, end time.Time) ([]Row, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT dimension_type, dimension_id, time_bucket, granularity, peak_online_count,
		       avg_online_count, total_connections, unique_users, avg_session_duration
		FROM stats_aggregated
		WHERE dimension_type = $1 AND dimension_id = $2 AND granularity = $3
		  AND time_bucket >= $4 AND time_bucket < $5
		ORDER BY time_bucket
	`, dim.Kind, dim.ID, string(granularity), start, end)
	if err != nil {
		return nil, fmt.Errorf("get_stats query: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		var granularityStr string
		if err := rows.Scan(&r.Dimension.Kind, &r.Dimension.ID, &r.TimeBucket, &granularityStr,
			&r.PeakOnline, &r.AvgOnline, &r.TotalConnections, &r.UniqueUsers, &r.AvgSessionDurationSeconds); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		r.Granularity = Granularity(granularityStr)
		result = append(result, r)
	}
	return result, rows.Err()
}
