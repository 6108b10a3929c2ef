package blackboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/audit"
	"coordline/internal/domain"
	"coordline/internal/repo"
)

// Store is the versioned knowledge base shared by a session's agents.
type Store struct {
	Repo  repo.Repo
	Audit audit.Logger
	Now   func() time.Time
}

func New(r repo.Repo, a audit.Logger) Store {
	return Store{Repo: r, Audit: a, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Put writes value under key when the stored version equals expected and
// returns the new version. expected == 0 creates the key.
func (s Store) Put(ctx context.Context, sessionID, agentID, key string, value json.RawMessage, expected int64) (int64, error) {
	put := audit.Entry{
		AgentID:   agentID,
		SessionID: sessionID,
		Action:    audit.Tool("state.put", map[string]any{"key": key, "expected_version": expected}),
		Resources: []string{"state:" + key},
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if err := checkPut(key, value, expected); err != nil {
		return 0, s.Audit.Reject(ctx, put, err)
	}
	value, redacted, err := s.Audit.Redactor.RedactJSON(value)
	if err != nil {
		return 0, s.Audit.Reject(ctx, put, err)
	}
	put.Sensitive = redacted
	var version int64
	err = s.Audit.Do(ctx, put, func(tx *sql.Tx, e *audit.Entry) error {
		if err := s.Repo.RequireActiveSession(ctx, tx, sessionID, s.now()); err != nil {
			return err
		}
		entry := domain.StateEntry{
			SessionID: sessionID,
			Key:       key,
			Value:     value,
			Version:   expected + 1,
			UpdatedBy: agentID,
			UpdatedAt: s.now(),
		}
		ok, err := s.Repo.CompareAndPutState(ctx, tx, entry, expected)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.Repo.StateVersion(ctx, tx, sessionID, key)
			if err != nil {
				return err
			}
			return &domain.ConflictError{Key: key, Current: current}
		}
		version = entry.Version
		e.Action = audit.Tool("state.put", map[string]any{"key": key, "expected_version": expected, "version": version})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func checkPut(key string, value json.RawMessage, expected int64) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key required: %w", domain.ErrInvalid)
	}
	if expected < 0 {
		return fmt.Errorf("expected version must be >= 0: %w", domain.ErrInvalid)
	}
	if !json.Valid(value) {
		return fmt.Errorf("value must be JSON: %w", domain.ErrInvalid)
	}
	return nil
}

// Get returns the current value and version of key.
func (s Store) Get(ctx context.Context, sessionID, key string) (domain.StateEntry, error) {
	e, err := s.Repo.GetState(ctx, nil, sessionID, key)
	if err != nil {
		return e, repo.Wrap("state get", err)
	}
	return e, nil
}

// Entries lists keys under prefix from one snapshot.
func (s Store) Entries(ctx context.Context, sessionID, prefix string) ([]domain.StateEntry, error) {
	tx, err := s.Repo.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	entries, err := s.Repo.ListStateKeys(ctx, tx, sessionID, prefix)
	if err != nil {
		return nil, repo.Wrap("state list", err)
	}
	return entries, nil
}

// AppendFinding stores f and returns its id. Findings never conflict.
func (s Store) AppendFinding(ctx context.Context, f domain.Finding) (string, error) {
	if err := validateFinding(f); err != nil {
		return "", s.Audit.Reject(ctx, audit.Entry{
			AgentID:   f.AgentID,
			SessionID: f.SessionID,
			Action:    audit.Tool("blackboard.append_finding", map[string]any{"category": f.Category, "confidence": f.Confidence}),
		}, err)
	}
	content, c1 := s.Audit.Redactor.Redact(f.Content)
	evidence, c2 := s.Audit.Redactor.RedactStrings(f.Evidence)
	f.Content, f.Evidence = content, evidence
	f.Redacted = c1 || c2
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = s.now()
	err := s.Audit.Do(ctx, audit.Entry{
		AgentID:   f.AgentID,
		SessionID: f.SessionID,
		Action: audit.Tool("blackboard.append_finding", map[string]any{
			"finding_id": f.ID,
			"category":   f.Category,
			"confidence": f.Confidence,
		}),
		Resources: []string{"finding:" + f.ID},
		Sensitive: f.Redacted,
	}, func(tx *sql.Tx, _ *audit.Entry) error {
		if err := s.Repo.RequireActiveSession(ctx, tx, f.SessionID, s.now()); err != nil {
			return err
		}
		if f.Supersedes != "" {
			ok, err := s.Repo.FindingExists(ctx, tx, f.SessionID, f.Supersedes)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("superseded finding %s: %w", f.Supersedes, repo.ErrNotFound)
			}
		}
		_, err := s.Repo.InsertFinding(ctx, tx, f)
		return err
	})
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

func validateFinding(f domain.Finding) error {
	if f.SessionID == "" || f.AgentID == "" {
		return fmt.Errorf("session and agent required: %w", domain.ErrInvalid)
	}
	switch f.Category {
	case domain.CategoryObservation, domain.CategoryHypothesis, domain.CategoryConclusion:
	default:
		return fmt.Errorf("unknown finding category %q: %w", f.Category, domain.ErrInvalid)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]: %w", f.Confidence, domain.ErrInvalid)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("finding content required: %w", domain.ErrInvalid)
	}
	return nil
}

// FindingFilter narrows ListFindings. Cursor is a value returned by FindingsPage.
type FindingFilter struct {
	Category string
	AgentID  string
	// Current hides findings that a later finding supersedes.
	Current  bool
	Cursor   string
	PageSize int
}

func (f FindingFilter) repoFilters(sessionID string) (repo.FindingFilters, error) {
	ts, seq, err := repo.ParseCursor(f.Cursor)
	if err != nil {
		return repo.FindingFilters{}, fmt.Errorf("%w: %w", domain.ErrInvalid, err)
	}
	size := f.PageSize
	if size <= 0 {
		size = 100
	}
	return repo.FindingFilters{
		SessionID:         sessionID,
		Category:          f.Category,
		AgentID:           f.AgentID,
		AfterTS:           ts,
		AfterSeq:          seq,
		ExcludeSuperseded: f.Current,
		Limit:             size,
	}, nil
}

// ListFindings yields findings ordered by timestamp then insertion sequence.
// The listing is pinned to what existed when iteration started; restart it
// from a FindingsPage cursor to continue later.
func (s Store) ListFindings(ctx context.Context, sessionID string, f FindingFilter) iter.Seq2[domain.Finding, error] {
	return func(yield func(domain.Finding, error) bool) {
		rf, err := f.repoFilters(sessionID)
		if err != nil {
			yield(domain.Finding{}, err)
			return
		}
		upTo, err := s.Repo.MaxFindingSeq(ctx, nil, sessionID)
		if err != nil {
			yield(domain.Finding{}, repo.Wrap("findings list", err))
			return
		}
		if upTo == 0 {
			return
		}
		rf.UpToSeq = upTo
		for {
			page, err := s.findings(ctx, rf)
			if err != nil {
				yield(domain.Finding{}, err)
				return
			}
			for _, fd := range page {
				if !yield(fd, nil) {
					return
				}
			}
			if len(page) < rf.Limit {
				return
			}
			last := page[len(page)-1]
			rf.AfterTS, rf.AfterSeq = repo.TS(last.CreatedAt), last.Seq
		}
	}
}

// FindingsPage returns one page and the cursor to continue from.
func (s Store) FindingsPage(ctx context.Context, sessionID string, f FindingFilter) ([]domain.Finding, string, error) {
	rf, err := f.repoFilters(sessionID)
	if err != nil {
		return nil, "", err
	}
	page, err := s.findings(ctx, rf)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(page) == rf.Limit {
		last := page[len(page)-1]
		next = repo.ComposeCursor(last.CreatedAt, last.Seq)
	}
	return page, next, nil
}

func (s Store) findings(ctx context.Context, rf repo.FindingFilters) ([]domain.Finding, error) {
	tx, err := s.Repo.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	page, err := s.Repo.ListFindings(ctx, tx, rf)
	if err != nil {
		return nil, repo.Wrap("findings list", err)
	}
	return page, nil
}
