package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"coordline/internal/domain"
)

const taskColumns = `seq,id,session_id,type,params_json,priority,status,assigned_to,result_json,fail_reason,attempts,max_retries,lease_expires_at,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, int64, error) {
	var (
		t                domain.Task
		seq              int64
		params, result   sql.NullString
		assigned, reason sql.NullString
		lease            sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&seq, &t.ID, &t.SessionID, &t.Type, &params, &t.Priority, &t.Status, &assigned, &result, &reason,
		&t.Attempts, &t.MaxRetries, &lease, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return t, 0, ErrNotFound
		}
		return t, 0, err
	}
	t.Params = rawJSON(params)
	t.Result = rawJSON(result)
	if assigned.Valid {
		t.AssignedTo = &assigned.String
	}
	t.FailReason = reason.String
	t.LeaseExpiresAt = timePtr(lease)
	t.CreatedAt = FromTS(created)
	t.UpdatedAt = FromTS(updated)
	return t, seq, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tasks(id,session_id,type,params_json,priority,status,attempts,max_retries,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.Type, nullableJSON(t.Params), t.Priority, t.Status, t.Attempts, t.MaxRetries, TS(t.CreatedAt), TS(t.UpdatedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, _, err := scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	return t, err
}

type ClaimFilters struct {
	SessionID string
	Types     []string
	Limit     int
}

// PendingTasks lists claim candidates in active sessions: priority first, then FIFO.
func (r Repo) PendingTasks(ctx context.Context, tx *sql.Tx, f ClaimFilters) ([]domain.Task, error) {
	clauses := []string{"status='pending'", "session_id IN (SELECT id FROM sessions WHERE status='active')"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if len(f.Types) > 0 {
		clauses = append(clauses, "type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY priority DESC, created_at ASC, seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, tx, query, args...)
}

type TaskFilters struct {
	SessionID  string
	Status     string
	Type       string
	AssignedTo string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY priority DESC, created_at ASC, seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, nil, query, args...)
}

func (r Repo) queryTasks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AssignTask moves a pending task to assigned under worker's claim lease.
func (r Repo) AssignTask(ctx context.Context, tx *sql.Tx, id, worker string, leaseExpires, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status='assigned', assigned_to=?, lease_expires_at=?, updated_at=?
WHERE id=? AND status='pending'`, worker, TS(leaseExpires), TS(now), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// StartTask moves assigned to running while the claim is live.
func (r Repo) StartTask(ctx context.Context, tx *sql.Tx, id, worker string, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status='running', updated_at=?
WHERE id=? AND assigned_to=? AND status='assigned' AND lease_expires_at >= ?`, TS(now), id, worker, TS(now))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// ExtendTaskLease records a renewed claim expiry.
func (r Repo) ExtendTaskLease(ctx context.Context, tx *sql.Tx, id, worker string, leaseExpires, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET lease_expires_at=?, updated_at=?
WHERE id=? AND assigned_to=? AND status IN ('assigned','running') AND lease_expires_at >= ?`,
		TS(leaseExpires), TS(now), id, worker, TS(now))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id, worker string, result []byte, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status='completed', result_json=?, lease_expires_at=NULL, updated_at=?
WHERE id=? AND assigned_to=? AND status IN ('assigned','running') AND lease_expires_at >= ?`,
		nullableJSON(result), TS(now), id, worker, TS(now))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// FailTask consumes one attempt. The task is requeued while attempts stay
// within max_retries and becomes terminal failed after. An empty status
// means worker held no live claim.
func (r Repo) FailTask(ctx context.Context, tx *sql.Tx, id, worker, reason string, now time.Time) (string, error) {
	var status string
	err := r.conn(tx).QueryRowContext(ctx, `UPDATE tasks SET
 attempts = attempts + 1,
 status = CASE WHEN attempts + 1 > max_retries THEN 'failed' ELSE 'pending' END,
 assigned_to = CASE WHEN attempts + 1 > max_retries THEN assigned_to ELSE NULL END,
 fail_reason = ?, lease_expires_at = NULL, updated_at = ?
WHERE id=? AND assigned_to=? AND status IN ('assigned','running') AND lease_expires_at >= ?
RETURNING status`, nullable(reason), TS(now), id, worker, TS(now)).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}

// RequeueExpiredTasks returns lapsed claims to pending without consuming an
// attempt. id limits the sweep to one task when non-empty.
func (r Repo) RequeueExpiredTasks(ctx context.Context, tx *sql.Tx, id string, now time.Time) ([]string, error) {
	query := `UPDATE tasks SET status='pending', last_assigned_to=assigned_to, assigned_to=NULL, lease_expires_at=NULL, updated_at=?
WHERE status IN ('assigned','running') AND lease_expires_at < ?`
	args := []any{TS(now), TS(now)}
	if id != "" {
		query += ` AND id=?`
		args = append(args, id)
	}
	query += ` RETURNING id`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		ids = append(ids, tid)
	}
	return ids, rows.Err()
}

// LastClaimant returns the worker whose lapsed claim last sent id back to
// pending, or "" when no claim on it has lapsed.
func (r Repo) LastClaimant(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var worker sql.NullString
	err := r.conn(tx).QueryRowContext(ctx, `SELECT last_assigned_to FROM tasks WHERE id=?`, id).Scan(&worker)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return worker.String, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE session_id=? GROUP BY status`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
