package statsconsumer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chatkit/chatkit/internal/presence"
	_ "github.com/lib/pq"
)

// PostgresWriter persists presence events into presence_events_raw, relying
// on its unique constraint on event_id for idempotent inserts under
// at-least-once stream delivery.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter wraps an already-opened *sql.DB.
func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

const insertEventStmt = `
INSERT INTO presence_events_raw
	(event_id, user_id, room_id, event_type, timestamp, session_id, user_ip, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING
`

// InsertBatch implements EventWriter: every event in one transaction,
// committed once, or none at all.
func (w *PostgresWriter) InsertBatch(ctx context.Context, events []presence.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEventStmt)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var ip, agent any
		if e.UserIP != "" {
			ip = e.UserIP
		}
		if e.UserAgent != "" {
			agent = e.UserAgent
		}
		if _, err := stmt.ExecContext(ctx, e.EventID, e.UserID, e.RoomID, string(e.Kind), e.Timestamp, e.SessionID, ip, agent); err != nil {
			return fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
