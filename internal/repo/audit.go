package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"coordline/internal/domain"
)

const auditColumns = `seq,id,ts,agent_id,session_id,action_type,action_name,details_json,outcome,resources_json,redaction_applied,sensitive,duration_ns`

const (
	hourNS = int64(time.Hour)
	dayNS  = 24 * hourNS
)

func (r Repo) InsertAuditEntry(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) error {
	resources, err := marshalList(e.Resources)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO audit_log(id,ts,agent_id,session_id,action_type,action_name,details_json,outcome,resources_json,redaction_applied,sensitive,duration_ns)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, TS(e.Timestamp), e.AgentID, nullable(e.SessionID), string(e.ActionType), e.ActionName, nullable(e.Details),
		e.Outcome, resources, e.RedactionApplied, e.SensitiveDataAccessed, int64(e.Duration))
	return err
}

func scanAudit(row interface{ Scan(...any) error }) (domain.AuditEntry, error) {
	var (
		e                           domain.AuditEntry
		ts, duration                int64
		session, details, resources sql.NullString
		kind                        string
	)
	if err := row.Scan(&e.Seq, &e.ID, &ts, &e.AgentID, &session, &kind, &e.ActionName, &details, &e.Outcome, &resources,
		&e.RedactionApplied, &e.SensitiveDataAccessed, &duration); err != nil {
		if err == sql.ErrNoRows {
			return e, ErrNotFound
		}
		return e, err
	}
	e.Timestamp = FromTS(ts)
	e.SessionID = session.String
	e.ActionType = domain.ActionKind(kind)
	e.Details = details.String
	e.Duration = time.Duration(duration)
	var err error
	if e.Resources, err = unmarshalList(resources); err != nil {
		return e, err
	}
	if e.Action, err = domain.DecodeAction(e.ActionType, []byte(e.Details)); err != nil {
		return e, err
	}
	return e, nil
}

type AuditFilters struct {
	AgentID    string
	SessionID  string
	ActionType string
	ActionName string
	Outcome    string
	Since      time.Time
	Until      time.Time
	// BeforeTS/BeforeSeq is the exclusive keyset position for descending pages.
	BeforeTS  int64
	BeforeSeq int64
	Limit     int
}

// QueryAudit returns hot-tier entries newest first.
func (r Repo) QueryAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	if f.ActionName != "" {
		clauses = append(clauses, "action_name=?")
		args = append(args, f.ActionName)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, TS(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, TS(f.Until))
	}
	if f.BeforeTS != 0 || f.BeforeSeq != 0 {
		clauses = append(clauses, "(ts < ? OR (ts = ? AND seq < ?))")
		args = append(args, f.BeforeTS, f.BeforeTS, f.BeforeSeq)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log ` + where + ` ORDER BY ts DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryAudit(ctx, query, args...)
}

// AuditAfter returns entries with seq greater than cursor, oldest first.
func (r Repo) AuditAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE seq > ? ORDER BY seq ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestAuditSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_log`).Scan(&seq)
	return seq, err
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// WarmBucket is one hourly aggregate row.
type WarmBucket struct {
	Bucket           time.Time     `json:"bucket"`
	AgentID          string        `json:"agent_id"`
	SessionID        string        `json:"session_id"`
	ActionType       string        `json:"action_type"`
	ActionName       string        `json:"action_name"`
	Outcome          string        `json:"outcome"`
	Entries          int64         `json:"entries"`
	RedactedEntries  int64         `json:"redacted_entries"`
	SensitiveEntries int64         `json:"sensitive_entries"`
	TotalDuration    time.Duration `json:"total_duration_ns"`
}

// RollupAudit folds hot entries older than cutoff into hourly warm buckets and
// removes them from the hot tier. It returns the number of entries moved.
func (r Repo) RollupAudit(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int64, error) {
	q := r.conn(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO audit_warm(bucket,agent_id,session_id,action_type,action_name,outcome,entries,redacted_entries,sensitive_entries,total_duration_ns)
SELECT (ts / ?) * ?, agent_id, COALESCE(session_id,''), action_type, action_name, outcome,
 COUNT(*), SUM(redaction_applied), SUM(sensitive), SUM(duration_ns)
FROM audit_log WHERE ts < ?
GROUP BY 1,2,3,4,5,6
ON CONFLICT(bucket,agent_id,session_id,action_type,action_name,outcome) DO UPDATE SET
 entries = audit_warm.entries + excluded.entries,
 redacted_entries = audit_warm.redacted_entries + excluded.redacted_entries,
 sensitive_entries = audit_warm.sensitive_entries + excluded.sensitive_entries,
 total_duration_ns = audit_warm.total_duration_ns + excluded.total_duration_ns`,
		hourNS, hourNS, TS(cutoff))
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, TS(cutoff))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// WarmBuckets lists warm rows with bucket start before cutoff (zero = all).
func (r Repo) WarmBuckets(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]WarmBucket, error) {
	query := `SELECT bucket,agent_id,session_id,action_type,action_name,outcome,entries,redacted_entries,sensitive_entries,total_duration_ns FROM audit_warm`
	var args []any
	if !cutoff.IsZero() {
		query += ` WHERE bucket < ?`
		args = append(args, TS(cutoff))
	}
	query += ` ORDER BY bucket, agent_id, session_id, action_type, action_name, outcome`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []WarmBucket
	for rows.Next() {
		var (
			b             WarmBucket
			bucket, total int64
		)
		if err := rows.Scan(&bucket, &b.AgentID, &b.SessionID, &b.ActionType, &b.ActionName, &b.Outcome,
			&b.Entries, &b.RedactedEntries, &b.SensitiveEntries, &total); err != nil {
			return nil, err
		}
		b.Bucket = FromTS(bucket)
		b.TotalDuration = time.Duration(total)
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWarmBefore(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM audit_warm WHERE bucket < ?`, TS(cutoff))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// ColdArchive is one compressed day of warm buckets.
type ColdArchive struct {
	Seq        int64     `json:"seq"`
	Day        time.Time `json:"day"`
	Buckets    int64     `json:"buckets"`
	Entries    int64     `json:"entries"`
	Archive    []byte    `json:"-"`
	ArchivedAt time.Time `json:"archived_at"`
}

// DayOf truncates t to the UTC day used as the cold-tier key.
func DayOf(t time.Time) time.Time {
	return FromTS((TS(t) / dayNS) * dayNS)
}

func (r Repo) InsertColdArchive(ctx context.Context, tx *sql.Tx, a ColdArchive) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO audit_cold(day,buckets,entries,archive,archived_at) VALUES (?,?,?,?,?)`,
		TS(a.Day), a.Buckets, a.Entries, a.Archive, TS(a.ArchivedAt))
	return err
}

// ListColdArchives returns archive metadata. withData includes the blobs.
func (r Repo) ListColdArchives(ctx context.Context, withData bool) ([]ColdArchive, error) {
	cols := `seq,day,buckets,entries,archived_at`
	if withData {
		cols += `,archive`
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cols+` FROM audit_cold ORDER BY day, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ColdArchive
	for rows.Next() {
		var (
			a             ColdArchive
			day, archived int64
		)
		dest := []any{&a.Seq, &day, &a.Buckets, &a.Entries, &archived}
		if withData {
			dest = append(dest, &a.Archive)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		a.Day = FromTS(day)
		a.ArchivedAt = FromTS(archived)
		res = append(res, a)
	}
	return res, rows.Err()
}
