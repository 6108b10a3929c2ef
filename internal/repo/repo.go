package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"coordline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Begin starts a write transaction. The DSN makes it BEGIN IMMEDIATE.
func (r Repo) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, Wrap("begin", err)
	}
	return tx, nil
}

// BeginRead starts a read-only transaction for snapshot reads.
func (r Repo) BeginRead(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, Wrap("begin read", err)
	}
	return tx, nil
}

var passthrough = []error{
	domain.ErrConflict,
	domain.ErrNotHolder,
	domain.ErrExpired,
	domain.ErrAuditWriteFailed,
	domain.ErrInvalid,
	domain.ErrSessionClosed,
	domain.ErrNotOnRoster,
}

// Wrap classifies err. Not-found and domain errors pass through, context
// errors are kept as-is, anything else is a store failure.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	for _, known := range passthrough {
		if errors.Is(err, known) {
			return err
		}
	}
	return &domain.StoreError{Op: op, Err: err}
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// Backoff is a bounded exponential backoff policy.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var DefaultBackoff = Backoff{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.BaseDelay << uint(attempt)
	if d <= 0 || d > b.MaxDelay {
		d = b.MaxDelay
	}
	if half := int64(d / 2); half > 0 {
		d = d - d/4 + time.Duration(rand.Int64N(half))
	}
	return d
}

// RetryOnBusy runs f until it succeeds, fails with a non-busy error, or the
// attempt budget runs out.
func RetryOnBusy(ctx context.Context, b Backoff, f func() error) error {
	return Retry(ctx, b, IsBusy, f)
}

// Retry runs f while retryable(err) holds, sleeping between attempts.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, f func() error) error {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		err = f()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == b.Attempts-1 {
			break
		}
		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalList(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalList(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TS converts a time to the stored representation (unix nanoseconds).
func TS(t time.Time) int64 { return t.UnixNano() }

// FromTS converts stored unix nanoseconds back to UTC time.
func FromTS(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromTS(v.Int64)
	return &t
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

// ComposeCursor encodes a (timestamp, seq) keyset position.
func ComposeCursor(ts time.Time, seq int64) string {
	return strconv.FormatInt(ts.UnixNano(), 10) + "|" + strconv.FormatInt(seq, 10)
}

// ParseCursor decodes a ComposeCursor value. An empty cursor is the zero position.
func ParseCursor(cursor string) (int64, int64, error) {
	if cursor == "" {
		return 0, 0, nil
	}
	parts := strings.Split(cursor, "|")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return ts, seq, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
