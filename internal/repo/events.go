package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"coordline/internal/domain"
)

// InsertEvent appends e and returns the topic sequence it was assigned.
func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO events(id,session_id,topic,type,agent_id,payload_json,ts) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, e.Topic, e.Type, e.AgentID, nullableJSON(e.Payload), TS(e.TS))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type EventFilters struct {
	SessionID string
	Topic     string
	// Topics matches any of the listed topics when Topic is empty.
	Topics []string
	After  int64
	Limit  int
}

// EventsAfter returns events with seq greater than f.After in ascending order.
func (r Repo) EventsAfter(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"seq > ?"}
	args := []any{f.After}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	} else if len(f.Topics) > 0 {
		clauses = append(clauses, "topic IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Topics)), ",")+")")
		for _, t := range f.Topics {
			args = append(args, t)
		}
	}
	query := `SELECT seq,id,session_id,topic,type,agent_id,payload_json,ts FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC LIMIT ?`
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			payload sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &e.Topic, &e.Type, &e.AgentID, &payload, &ts); err != nil {
			return nil, err
		}
		e.Payload = rawJSON(payload)
		e.TS = FromTS(ts)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventSeq returns the highest seq on a topic, or 0.
func (r Repo) LatestEventSeq(ctx context.Context, sessionID, topic string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events WHERE session_id=? AND topic=?`, sessionID, topic).Scan(&seq)
	return seq, err
}

// UpsertCursor stores a subscriber position. Positions only move forward.
func (r Repo) UpsertCursor(ctx context.Context, sessionID, topic, subscriber string, cursor int64, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO subscriptions(session_id,topic,subscriber_id,cursor,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(session_id, topic, subscriber_id) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at
WHERE excluded.cursor > subscriptions.cursor`,
		sessionID, topic, subscriber, cursor, TS(now))
	return err
}

// GetCursor returns the stored position or 0 when the subscriber is new.
func (r Repo) GetCursor(ctx context.Context, sessionID, topic, subscriber string) (int64, error) {
	var cursor int64
	err := r.DB.QueryRowContext(ctx, `SELECT cursor FROM subscriptions WHERE session_id=? AND topic=? AND subscriber_id=?`,
		sessionID, topic, subscriber).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}
