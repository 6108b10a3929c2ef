package repo

import (
	"context"
	"database/sql"
	"time"

	"coordline/internal/domain"
)

// TryAcquireLock grants resource to holder unless an unexpired lock exists.
// A lease is live through expires_at inclusive. The upsert only replaces a row
// whose lease has lapsed, so the check and the write are one statement.
func (r Repo) TryAcquireLock(ctx context.Context, tx *sql.Tx, resource, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO locks(resource_id,holder_id,acquired_at,expires_at,ttl_ns) VALUES (?,?,?,?,?)
ON CONFLICT(resource_id) DO UPDATE SET holder_id=excluded.holder_id, acquired_at=excluded.acquired_at,
 expires_at=excluded.expires_at, ttl_ns=excluded.ttl_ns
WHERE locks.expires_at < excluded.acquired_at`,
		resource, holder, TS(now), TS(now.Add(ttl)), int64(ttl))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// RenewLock pushes the expiry to now+ttl when holder still owns an unexpired lease.
func (r Repo) RenewLock(ctx context.Context, tx *sql.Tx, resource, holder string, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE locks SET expires_at = ? + ttl_ns WHERE resource_id=? AND holder_id=? AND expires_at >= ?`,
		TS(now), resource, holder, TS(now))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// ReleaseLock deletes the lock only when holder owns an unexpired lease.
func (r Repo) ReleaseLock(ctx context.Context, tx *sql.Tx, resource, holder string, now time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM locks WHERE resource_id=? AND holder_id=? AND expires_at >= ?`,
		resource, holder, TS(now))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// RevokeLock deletes a grant made at acquiredAt for holder. It is used to undo
// an acquisition whose result the caller never observed.
func (r Repo) RevokeLock(ctx context.Context, resource, holder string, acquiredAt time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE resource_id=? AND holder_id=? AND acquired_at=?`,
		resource, holder, TS(acquiredAt))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func scanLock(row interface{ Scan(...any) error }) (domain.Lock, error) {
	var (
		l                 domain.Lock
		acquired, expires int64
		ttl               int64
	)
	if err := row.Scan(&l.ResourceID, &l.HolderID, &acquired, &expires, &ttl); err != nil {
		if err == sql.ErrNoRows {
			return l, ErrNotFound
		}
		return l, err
	}
	l.AcquiredAt = FromTS(acquired)
	l.ExpiresAt = FromTS(expires)
	l.TTL = time.Duration(ttl)
	return l, nil
}

// GetLock returns the lock row for resource, expired or not.
func (r Repo) GetLock(ctx context.Context, tx *sql.Tx, resource string) (domain.Lock, error) {
	return scanLock(r.conn(tx).QueryRowContext(ctx, `SELECT resource_id,holder_id,acquired_at,expires_at,ttl_ns FROM locks WHERE resource_id=?`, resource))
}

type LockFilters struct {
	Prefix string
	Holder string
	// ActiveAt hides leases that expired before this instant when non-zero.
	ActiveAt time.Time
}

func (r Repo) ListLocks(ctx context.Context, f LockFilters) ([]domain.Lock, error) {
	query := `SELECT resource_id,holder_id,acquired_at,expires_at,ttl_ns FROM locks WHERE 1=1`
	var args []any
	if f.Prefix != "" {
		query += ` AND substr(resource_id, 1, ?) = ?`
		args = append(args, len(f.Prefix), f.Prefix)
	}
	if f.Holder != "" {
		query += ` AND holder_id=?`
		args = append(args, f.Holder)
	}
	if !f.ActiveAt.IsZero() {
		query += ` AND expires_at >= ?`
		args = append(args, TS(f.ActiveAt))
	}
	query += ` ORDER BY resource_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// PurgeExpiredLocks removes lapsed rows. Correctness never depends on it.
func (r Repo) PurgeExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE expires_at < ?`, TS(now))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
