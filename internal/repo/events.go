package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"joatu/internal/db"
	"joatu/internal/domain"
)

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

// eventLogLock is the advisory lock key serializing event appends on postgres.
const eventLogLock = 4_207_001

// LockEventLog serializes appenders until q's transaction ends so that
// postgres sequence ids commit in order. No-op on sqlite.
func (r Repo) LockEventLog(ctx context.Context, q Querier) error {
	if r.Dialect != db.Postgres {
		return nil
	}
	_, err := r.exec(ctx, q, `SELECT pg_advisory_xact_lock(?)`, int64(eventLogLock))
	return err
}

// InsertEvent appends one row to the event log.
func (r Repo) InsertEvent(ctx context.Context, q Querier, e domain.Event) error {
	_, err := r.exec(ctx, q, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	return err
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.scanEvents(ctx, nil, query, args...)
}

// EventsAfter returns events with id > after in id order, optionally
// restricted to the given types.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int, types ...string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE id > ?`
	args := []any{after}
	if len(types) > 0 {
		query += fmt.Sprintf(` AND type IN (%s)`, placeholders(len(types)))
		args = append(args, stringArgs(types)...)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.scanEvents(ctx, nil, query, args...)
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.queryRow(ctx, nil, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Cursor returns the last processed event id for a named consumer.
func (r Repo) Cursor(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.queryRow(ctx, nil, `SELECT last_event_id FROM outbox_cursors WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (r Repo) SetCursor(ctx context.Context, q Querier, name string, lastEventID int64, now string) error {
	_, err := r.exec(ctx, q, `INSERT INTO outbox_cursors(name,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		strings.TrimSpace(name), lastEventID, now)
	return err
}

func (r Repo) scanEvents(ctx context.Context, q Querier, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
