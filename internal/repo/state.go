package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"coordline/internal/domain"
)

func (r Repo) GetState(ctx context.Context, tx *sql.Tx, sessionID, key string) (domain.StateEntry, error) {
	var (
		e       domain.StateEntry
		value   string
		updated int64
	)
	err := r.conn(tx).QueryRowContext(ctx, `SELECT session_id,key,value_json,version,updated_by,updated_at FROM kv WHERE session_id=? AND key=?`,
		sessionID, key).Scan(&e.SessionID, &e.Key, &value, &e.Version, &e.UpdatedBy, &updated)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Value = json.RawMessage(value)
	e.UpdatedAt = FromTS(updated)
	return e, nil
}

// CompareAndPutState writes e only when the stored version equals expected.
// expected == 0 means the key must not exist yet. It reports whether the row
// was written; e.Version must already hold expected+1.
func (r Repo) CompareAndPutState(ctx context.Context, tx *sql.Tx, e domain.StateEntry, expected int64) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = r.conn(tx).ExecContext(ctx, `INSERT INTO kv(session_id,key,value_json,version,updated_by,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(session_id, key) DO NOTHING`,
			e.SessionID, e.Key, string(e.Value), e.Version, e.UpdatedBy, TS(e.UpdatedAt))
	} else {
		res, err = r.conn(tx).ExecContext(ctx, `UPDATE kv SET value_json=?, version=?, updated_by=?, updated_at=? WHERE session_id=? AND key=? AND version=?`,
			string(e.Value), e.Version, e.UpdatedBy, TS(e.UpdatedAt), e.SessionID, e.Key, expected)
	}
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// StateVersion returns the current version of key, or 0 when absent.
func (r Repo) StateVersion(ctx context.Context, tx *sql.Tx, sessionID, key string) (int64, error) {
	var v int64
	err := r.conn(tx).QueryRowContext(ctx, `SELECT version FROM kv WHERE session_id=? AND key=?`, sessionID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (r Repo) ListStateKeys(ctx context.Context, tx *sql.Tx, sessionID, prefix string) ([]domain.StateEntry, error) {
	query := `SELECT session_id,key,value_json,version,updated_by,updated_at FROM kv WHERE session_id=?`
	args := []any{sessionID}
	if prefix != "" {
		query += ` AND substr(key, 1, ?) = ?`
		args = append(args, len(prefix), prefix)
	}
	query += ` ORDER BY key`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateEntry
	for rows.Next() {
		var (
			e       domain.StateEntry
			value   string
			updated int64
		)
		if err := rows.Scan(&e.SessionID, &e.Key, &value, &e.Version, &e.UpdatedBy, &updated); err != nil {
			return nil, err
		}
		e.Value = json.RawMessage(value)
		e.UpdatedAt = FromTS(updated)
		res = append(res, e)
	}
	return res, rows.Err()
}

// InsertFinding appends f and returns its insertion sequence.
func (r Repo) InsertFinding(ctx context.Context, tx *sql.Tx, f domain.Finding) (int64, error) {
	evidence, err := marshalList(f.Evidence)
	if err != nil {
		return 0, err
	}
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO findings(id,session_id,agent_id,category,content,confidence,evidence_json,supersedes,redacted,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.SessionID, f.AgentID, f.Category, f.Content, f.Confidence, evidence, nullable(f.Supersedes), f.Redacted, TS(f.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) FindingExists(ctx context.Context, tx *sql.Tx, sessionID, id string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM findings WHERE session_id=? AND id=?`, sessionID, id).Scan(&n)
	return n > 0, err
}

type FindingFilters struct {
	SessionID string
	Category  string
	AgentID   string
	// AfterTS/AfterSeq is the exclusive keyset position.
	AfterTS  int64
	AfterSeq int64
	// UpToSeq pins the listing to findings that existed when it started.
	UpToSeq int64
	// ExcludeSuperseded hides findings that a later finding supersedes.
	ExcludeSuperseded bool
	Limit             int
}

func (r Repo) ListFindings(ctx context.Context, tx *sql.Tx, f FindingFilters) ([]domain.Finding, error) {
	clauses := []string{"f.session_id=?"}
	args := []any{f.SessionID}
	if f.Category != "" {
		clauses = append(clauses, "f.category=?")
		args = append(args, f.Category)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "f.agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.AfterTS != 0 || f.AfterSeq != 0 {
		clauses = append(clauses, "(f.created_at > ? OR (f.created_at = ? AND f.seq > ?))")
		args = append(args, f.AfterTS, f.AfterTS, f.AfterSeq)
	}
	if f.UpToSeq > 0 {
		clauses = append(clauses, "f.seq <= ?")
		args = append(args, f.UpToSeq)
	}
	if f.ExcludeSuperseded {
		clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM findings s WHERE s.session_id=f.session_id AND s.supersedes=f.id)")
	}
	query := `SELECT f.seq,f.id,f.session_id,f.agent_id,f.category,f.content,f.confidence,f.evidence_json,f.supersedes,f.redacted,f.created_at
FROM findings f WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY f.created_at ASC, f.seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Finding
	for rows.Next() {
		var (
			fd         domain.Finding
			evidence   sql.NullString
			supersedes sql.NullString
			created    int64
		)
		if err := rows.Scan(&fd.Seq, &fd.ID, &fd.SessionID, &fd.AgentID, &fd.Category, &fd.Content, &fd.Confidence,
			&evidence, &supersedes, &fd.Redacted, &created); err != nil {
			return nil, err
		}
		if fd.Evidence, err = unmarshalList(evidence); err != nil {
			return nil, err
		}
		fd.Supersedes = supersedes.String
		fd.CreatedAt = FromTS(created)
		res = append(res, fd)
	}
	return res, rows.Err()
}

func (r Repo) MaxFindingSeq(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	var seq int64
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM findings WHERE session_id=?`, sessionID).Scan(&seq)
	return seq, err
}
