package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"time"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/repo"
)

// Entry is what callers hand to the logger; the logger assigns id and timestamp.
type Entry struct {
	AgentID   string
	SessionID string
	Action    domain.Action
	Outcome   string
	Resources []string
	Sensitive bool
	Duration  time.Duration
}

type Logger struct {
	Repo      repo.Repo
	Redactor  *Redactor
	Backoff   repo.Backoff
	Retention Retention
	Now       func() time.Time
}

func New(r repo.Repo, red *Redactor) Logger {
	return Logger{
		Repo:     r,
		Redactor: red,
		Backoff:  repo.DefaultBackoff,
		Now:      time.Now,
	}
}

func (l Logger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Tool builds the action used for core operations, named <component>.<op>.
func Tool(name string, args map[string]any) domain.ToolAction {
	return domain.ToolAction{Tool: name, Args: args}
}

// OutcomeFor maps an operation error to the recorded outcome.
func OutcomeFor(err error) string {
	switch {
	case err == nil:
		return domain.OutcomeOK
	case errors.Is(err, domain.ErrConflict):
		return domain.OutcomeConflict
	case errors.Is(err, domain.ErrNotHolder):
		return domain.OutcomeNotHolder
	case errors.Is(err, domain.ErrExpired):
		return domain.OutcomeExpired
	case errors.Is(err, domain.ErrSessionClosed), errors.Is(err, domain.ErrNotOnRoster):
		return domain.OutcomeDenied
	default:
		return domain.OutcomeError
	}
}

func (l Logger) build(e Entry) (domain.AuditEntry, error) {
	if e.Action == nil {
		return domain.AuditEntry{}, errors.New("audit entry without action")
	}
	if e.AgentID == "" {
		return domain.AuditEntry{}, errors.New("audit entry without agent")
	}
	details, err := json.Marshal(e.Action)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal action: %w", err)
	}
	details, redactedDetails, err := l.Redactor.RedactJSON(details)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	resources, redactedResources := l.Redactor.RedactStrings(e.Resources)
	action, err := domain.DecodeAction(e.Action.Kind(), details)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	outcome := e.Outcome
	if outcome == "" {
		outcome = domain.OutcomeOK
	}
	redacted := redactedDetails || redactedResources
	return domain.AuditEntry{
		ID:                    uuid.NewString(),
		Timestamp:             l.now(),
		AgentID:               e.AgentID,
		SessionID:             e.SessionID,
		Action:                action,
		ActionType:            action.Kind(),
		ActionName:            action.Name(),
		Details:               string(details),
		Outcome:               outcome,
		Resources:             resources,
		RedactionApplied:      redacted,
		SensitiveDataAccessed: e.Sensitive || redacted,
		Duration:              e.Duration,
	}, nil
}

// Record persists e on its own, retrying with bounded backoff. The write
// survives cancellation of ctx; exhausting the budget is fatal.
func (l Logger) Record(ctx context.Context, e Entry) error {
	entry, err := l.build(e)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAuditWriteFailed, err)
	}
	wctx := context.WithoutCancel(ctx)
	err = repo.Retry(wctx, l.Backoff, func(error) bool { return true }, func() error {
		return l.Repo.InsertAuditEntry(wctx, nil, entry)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrAuditWriteFailed, entry.ActionName, err)
	}
	return nil
}

// RecordTx persists e inside tx so it commits or rolls back with the operation.
func (l Logger) RecordTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	entry, err := l.build(e)
	if err == nil {
		err = l.Repo.InsertAuditEntry(ctx, tx, entry)
	}
	if err != nil {
		if repo.IsBusy(err) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrAuditWriteFailed, err)
	}
	return nil
}

// Do runs fn in a write transaction. On success the audit entry commits with
// the operation. On failure the transaction rolls back and the failure is
// recorded on its own, so every call leaves an entry either way.
func (l Logger) Do(ctx context.Context, e Entry, fn func(tx *sql.Tx, e *Entry) error) error {
	start := l.now()
	var (
		final Entry
		opErr error
	)
	err := repo.RetryOnBusy(ctx, l.Backoff, func() error {
		final, opErr = e, nil
		tx, err := l.Repo.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx, &final); err != nil {
			if repo.IsBusy(err) {
				return err
			}
			opErr = err
			return nil
		}
		final.Duration = l.now().Sub(start)
		if err := l.RecordTx(ctx, tx, final); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil && opErr == nil {
		return nil
	}
	if opErr == nil {
		if errors.Is(err, domain.ErrAuditWriteFailed) {
			opErr = err
		} else {
			opErr = repo.Wrap(final.Action.Name(), err)
		}
	}
	final.Duration = l.now().Sub(start)
	return l.Reject(ctx, final, opErr)
}

// Reject records a failed call whose operation never ran, such as one turned
// away by argument checks, and returns err. Calls without a resolvable agent
// are attributed to the system identity.
func (l Logger) Reject(ctx context.Context, e Entry, err error) error {
	if e.AgentID == "" {
		e.AgentID = domain.SystemAgentID
	}
	e.Outcome = OutcomeFor(err)
	e.Action = withError(e.Action, err)
	if aerr := l.Record(ctx, e); aerr != nil {
		return errors.Join(err, aerr)
	}
	return err
}

func withError(a domain.Action, err error) domain.Action {
	ta, ok := a.(domain.ToolAction)
	if !ok {
		return a
	}
	args := maps.Clone(ta.Args)
	if args == nil {
		args = map[string]any{}
	}
	args["error"] = err.Error()
	ta.Args = args
	return ta
}

// Filter selects hot-tier entries. Cursor comes from a previous Page call.
type Filter struct {
	AgentID    string
	SessionID  string
	ActionType string
	ActionName string
	Outcome    string
	Since      time.Time
	Until      time.Time
	Cursor     string
	Limit      int
	PageSize   int
}

func (f Filter) repoFilters() (repo.AuditFilters, error) {
	ts, seq, err := repo.ParseCursor(f.Cursor)
	if err != nil {
		return repo.AuditFilters{}, err
	}
	size := f.PageSize
	if size <= 0 {
		size = 100
	}
	return repo.AuditFilters{
		AgentID:    f.AgentID,
		SessionID:  f.SessionID,
		ActionType: f.ActionType,
		ActionName: f.ActionName,
		Outcome:    f.Outcome,
		Since:      f.Since,
		Until:      f.Until,
		BeforeTS:   ts,
		BeforeSeq:  seq,
		Limit:      size,
	}, nil
}

// Query yields matching entries newest first, fetching pages lazily.
func (l Logger) Query(ctx context.Context, f Filter) iter.Seq2[domain.AuditEntry, error] {
	return func(yield func(domain.AuditEntry, error) bool) {
		rf, err := f.repoFilters()
		if err != nil {
			yield(domain.AuditEntry{}, err)
			return
		}
		emitted := 0
		for {
			entries, err := l.Repo.QueryAudit(ctx, rf)
			if err != nil {
				yield(domain.AuditEntry{}, repo.Wrap("audit query", err))
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}
			if len(entries) < rf.Limit {
				return
			}
			last := entries[len(entries)-1]
			rf.BeforeTS, rf.BeforeSeq = repo.TS(last.Timestamp), last.Seq
		}
	}
}

// Page returns one page and the cursor for the next, empty when exhausted.
func (l Logger) Page(ctx context.Context, f Filter) ([]domain.AuditEntry, string, error) {
	if f.Limit > 0 {
		f.PageSize = f.Limit
	}
	rf, err := f.repoFilters()
	if err != nil {
		return nil, "", err
	}
	entries, err := l.Repo.QueryAudit(ctx, rf)
	if err != nil {
		return nil, "", repo.Wrap("audit query", err)
	}
	next := ""
	if len(entries) == rf.Limit {
		last := entries[len(entries)-1]
		next = repo.ComposeCursor(last.Timestamp, last.Seq)
	}
	return entries, next, nil
}

// Export writes matching entries as JSON lines of the flat export record.
func (l Logger) Export(ctx context.Context, w io.Writer, f Filter) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for e, err := range l.Query(ctx, f) {
		if err != nil {
			return n, err
		}
		if err := enc.Encode(e.Export()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
