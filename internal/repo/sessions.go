package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coordline/internal/domain"
)

const sessionColumns = `id,initiator_id,context_json,status,created_at,expires_at,ended_at`

func scanSession(row interface{ Scan(...any) error }) (domain.Session, error) {
	var (
		s                domain.Session
		ctxJSON          sql.NullString
		created          int64
		expires, endedAt sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.InitiatorID, &ctxJSON, &s.Status, &created, &expires, &endedAt); err != nil {
		if err == sql.ErrNoRows {
			return s, ErrNotFound
		}
		return s, err
	}
	s.Context = rawJSON(ctxJSON)
	s.CreatedAt = FromTS(created)
	s.ExpiresAt = timePtr(expires)
	s.EndedAt = timePtr(endedAt)
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.InitiatorID, nullableJSON(s.Context), s.Status, TS(s.CreatedAt), nullableTime(s.ExpiresAt), nullableTime(s.EndedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(r.conn(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

// RequireActiveSession fails unless session id exists, is active and, when now
// is set, has not outlived its expires_at. An overdue session is closed even
// before a sweep marks it aborted.
func (r Repo) RequireActiveSession(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	s, err := r.GetSession(ctx, tx, id)
	if err != nil {
		if err == ErrNotFound {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return err
	}
	if s.Status != domain.SessionActive {
		return fmt.Errorf("session %s is %s: %w", id, s.Status, domain.ErrSessionClosed)
	}
	if !now.IsZero() && s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return fmt.Errorf("session %s expired at %s: %w", id, s.ExpiresAt.Format(time.RFC3339), domain.ErrSessionClosed)
	}
	return nil
}

// EndSession moves an active session to status. It reports whether the row changed.
func (r Repo) EndSession(ctx context.Context, tx *sql.Tx, id, status string, at time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE sessions SET status=?, ended_at=? WHERE id=? AND status='active'`,
		status, TS(at), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

type SessionFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ExpiredSessions returns active sessions whose TTL elapsed before now.
func (r Repo) ExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM sessions WHERE status='active' AND expires_at IS NOT NULL AND expires_at <= ?`, TS(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertParticipant records a join. A returning agent is marked active again.
func (r Repo) UpsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO participants(session_id,agent_id,joined_at) VALUES (?,?,?)
ON CONFLICT(session_id, agent_id) DO UPDATE SET left_at=NULL, outcome=NULL`,
		p.SessionID, p.AgentID, TS(p.JoinedAt))
	return err
}

// MarkParticipantLeft reports whether the participant was active.
func (r Repo) MarkParticipantLeft(ctx context.Context, tx *sql.Tx, sessionID, agentID, outcome string, at time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE participants SET left_at=?, outcome=? WHERE session_id=? AND agent_id=? AND left_at IS NULL`,
		TS(at), nullable(outcome), sessionID, agentID)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r Repo) GetParticipant(ctx context.Context, tx *sql.Tx, sessionID, agentID string) (domain.Participant, error) {
	var (
		p       domain.Participant
		joined  int64
		left    sql.NullInt64
		outcome sql.NullString
	)
	err := r.conn(tx).QueryRowContext(ctx, `SELECT session_id,agent_id,joined_at,left_at,outcome FROM participants WHERE session_id=? AND agent_id=?`,
		sessionID, agentID).Scan(&p.SessionID, &p.AgentID, &joined, &left, &outcome)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.JoinedAt = FromTS(joined)
	p.LeftAt = timePtr(left)
	p.Outcome = outcome.String
	return p, nil
}

// ListParticipants returns participants ordered by join time. activeOnly skips agents that left.
func (r Repo) ListParticipants(ctx context.Context, tx *sql.Tx, sessionID string, activeOnly bool) ([]domain.Participant, error) {
	query := `SELECT session_id,agent_id,joined_at,left_at,outcome FROM participants WHERE session_id=?`
	if activeOnly {
		query += ` AND left_at IS NULL`
	}
	query += ` ORDER BY joined_at, agent_id`
	rows, err := r.conn(tx).QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var (
			p       domain.Participant
			joined  int64
			left    sql.NullInt64
			outcome sql.NullString
		)
		if err := rows.Scan(&p.SessionID, &p.AgentID, &joined, &left, &outcome); err != nil {
			return nil, err
		}
		p.JoinedAt = FromTS(joined)
		p.LeftAt = timePtr(left)
		p.Outcome = outcome.String
		res = append(res, p)
	}
	return res, rows.Err()
}

// ParticipationCounts summarizes what an agent did in a session.
type ParticipationCounts struct {
	Findings int `json:"findings"`
	Votes    int `json:"votes"`
	Tasks    int `json:"tasks_completed"`
	Events   int `json:"events_published"`
}

func (r Repo) CountParticipation(ctx context.Context, tx *sql.Tx, sessionID, agentID string) (ParticipationCounts, error) {
	var c ParticipationCounts
	err := r.conn(tx).QueryRowContext(ctx, `SELECT
 (SELECT COUNT(*) FROM findings WHERE session_id=? AND agent_id=?),
 (SELECT COUNT(*) FROM votes v JOIN proposals p ON p.id=v.proposal_id WHERE p.session_id=? AND v.agent_id=?),
 (SELECT COUNT(*) FROM tasks WHERE session_id=? AND assigned_to=? AND status='completed'),
 (SELECT COUNT(*) FROM events WHERE session_id=? AND agent_id=?)`,
		sessionID, agentID, sessionID, agentID, sessionID, agentID, sessionID, agentID).
		Scan(&c.Findings, &c.Votes, &c.Tasks, &c.Events)
	return c, err
}
