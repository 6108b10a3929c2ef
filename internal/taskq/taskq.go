package taskq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/audit"
	"coordline/internal/domain"
	"coordline/internal/lock"
	"coordline/internal/repo"
)

const (
	defaultClaimTTL    = 60 * time.Second
	defaultRetryBudget = 2
	claimBatch         = 32
)

var errTaken = fmt.Errorf("task no longer claimable: %w", domain.ErrConflict)

// Queue distributes tasks to workers. A claim is a lock on "task:<id>" whose
// lease mirrors the task's lease_expires_at.
type Queue struct {
	Repo        repo.Repo
	Audit       audit.Logger
	Locks       lock.Manager
	ClaimTTL    time.Duration
	RetryBudget int
	Now         func() time.Time
}

func New(r repo.Repo, a audit.Logger, locks lock.Manager) Queue {
	return Queue{Repo: r, Audit: a, Locks: locks, ClaimTTL: defaultClaimTTL, RetryBudget: defaultRetryBudget, Now: time.Now}
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func (q Queue) claimTTL() time.Duration {
	if q.ClaimTTL > 0 {
		return q.ClaimTTL
	}
	return defaultClaimTTL
}

func resource(id string) string { return "task:" + id }

// CreateOptions are parameters for creating a task. A nil MaxRetries takes the
// configured retry budget.
type CreateOptions struct {
	ID         string
	SessionID  string
	AgentID    string
	Type       string
	Params     json.RawMessage
	Priority   int
	MaxRetries *int
}

func (q Queue) Create(ctx context.Context, opts CreateOptions) (domain.Task, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	retries := q.RetryBudget
	if opts.MaxRetries != nil {
		retries = *opts.MaxRetries
	}
	entry := audit.Entry{
		AgentID:   opts.AgentID,
		SessionID: opts.SessionID,
		Action:    audit.Tool("task.create", map[string]any{"task_id": opts.ID, "type": opts.Type, "priority": opts.Priority, "max_retries": retries}),
		Resources: []string{resource(opts.ID)},
	}
	if err := checkCreate(opts, retries); err != nil {
		return domain.Task{}, q.Audit.Reject(ctx, entry, err)
	}
	params := opts.Params
	redacted := false
	var err error
	if len(params) > 0 {
		params, redacted, err = q.Audit.Redactor.RedactJSON(params)
		if err != nil {
			return domain.Task{}, q.Audit.Reject(ctx, entry, err)
		}
	}
	entry.Sensitive = redacted
	now := q.now()
	t := domain.Task{
		ID:         opts.ID,
		SessionID:  opts.SessionID,
		Type:       opts.Type,
		Params:     params,
		Priority:   opts.Priority,
		Status:     domain.TaskPending,
		MaxRetries: retries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = q.Audit.Do(ctx, entry, func(tx *sql.Tx, _ *audit.Entry) error {
		if err := q.Repo.RequireActiveSession(ctx, tx, t.SessionID, now); err != nil {
			return err
		}
		return q.Repo.InsertTask(ctx, tx, t)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func checkCreate(opts CreateOptions, retries int) error {
	if opts.SessionID == "" || opts.AgentID == "" {
		return fmt.Errorf("session and agent required: %w", domain.ErrInvalid)
	}
	if strings.TrimSpace(opts.Type) == "" {
		return fmt.Errorf("task type required: %w", domain.ErrInvalid)
	}
	if retries < 0 {
		return fmt.Errorf("max retries must be >= 0: %w", domain.ErrInvalid)
	}
	if len(opts.Params) > 0 && !json.Valid(opts.Params) {
		return fmt.Errorf("params must be JSON: %w", domain.ErrInvalid)
	}
	return nil
}

// Filter narrows which pending tasks a worker is willing to take.
type Filter struct {
	SessionID string
	Types     []string
}

// Claim reserves the best pending task for worker: highest priority first,
// oldest first within a priority. It returns nil when nothing is claimable.
func (q Queue) Claim(ctx context.Context, worker string, f Filter) (*domain.Task, error) {
	entry := audit.Entry{
		AgentID:   worker,
		SessionID: f.SessionID,
		Action:    audit.Tool("task.claim", map[string]any{"types": f.Types}),
	}
	if strings.TrimSpace(worker) == "" {
		return nil, q.Audit.Reject(ctx, entry, fmt.Errorf("worker required: %w", domain.ErrInvalid))
	}
	if _, err := q.RequeueExpired(ctx); err != nil {
		return nil, q.Audit.Reject(ctx, entry, err)
	}
	candidates, err := q.Repo.PendingTasks(ctx, nil, repo.ClaimFilters{SessionID: f.SessionID, Types: f.Types, Limit: claimBatch})
	if err != nil {
		return nil, q.Audit.Reject(ctx, entry, repo.Wrap("task claim", err))
	}
	for _, c := range candidates {
		t, err := q.claim(ctx, c, worker)
		if errors.Is(err, errTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	entry.Action = audit.Tool("task.claim", map[string]any{"types": f.Types, "candidates": len(candidates)})
	entry.Outcome = domain.OutcomeEmpty
	return nil, q.Audit.Record(ctx, entry)
}

func (q Queue) claim(ctx context.Context, c domain.Task, worker string) (domain.Task, error) {
	locks := q.Locks.ForSession(c.SessionID)
	var t domain.Task
	err := q.Audit.Do(ctx, audit.Entry{
		AgentID:   worker,
		SessionID: c.SessionID,
		Action:    audit.Tool("task.claim", map[string]any{"task_id": c.ID, "type": c.Type}),
		Resources: []string{resource(c.ID)},
	}, func(tx *sql.Tx, _ *audit.Entry) error {
		g, err := locks.AcquireTx(ctx, tx, resource(c.ID), worker, q.claimTTL())
		if err != nil {
			return err
		}
		if !g.Granted {
			return errTaken
		}
		ok, err := q.Repo.AssignTask(ctx, tx, c.ID, worker, g.Lock.ExpiresAt, q.now())
		if err != nil {
			return err
		}
		if !ok {
			return errTaken
		}
		t, err = q.Repo.GetTask(ctx, tx, c.ID)
		return err
	})
	return t, err
}

// claimErr explains why worker has no live claim on id.
func (q Queue) claimErr(ctx context.Context, tx *sql.Tx, id, worker string, now time.Time) error {
	t, err := q.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.AssignedTo == nil || *t.AssignedTo != worker {
		last, err := q.Repo.LastClaimant(ctx, tx, id)
		if err != nil {
			return err
		}
		if last == worker {
			return fmt.Errorf("task %s: claim by %s lapsed and was requeued: %w", id, worker, domain.ErrLost)
		}
		return fmt.Errorf("task %s not claimed by %s: %w", id, worker, domain.ErrNotHolder)
	}
	switch {
	case t.Terminal():
		return fmt.Errorf("task %s already %s: %w", id, t.Status, domain.ErrConflict)
	case t.LeaseExpiresAt != nil && now.After(*t.LeaseExpiresAt):
		return fmt.Errorf("task %s: %w", id, domain.ErrLost)
	default:
		return fmt.Errorf("task %s is %s: %w", id, t.Status, domain.ErrConflict)
	}
}

// settle returns a lost claim to pending right away instead of waiting for
// the next sweep.
func (q Queue) settle(ctx context.Context, id string, err error) error {
	if errors.Is(err, domain.ErrLost) {
		if _, rerr := q.requeue(ctx, id); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

func (q Queue) transition(ctx context.Context, op, id, worker string, args map[string]any, fn func(tx *sql.Tx, now time.Time) (bool, error)) (domain.Task, error) {
	if args == nil {
		args = map[string]any{}
	}
	args["task_id"] = id
	entry := audit.Entry{
		AgentID:   worker,
		Action:    audit.Tool(op, args),
		Resources: []string{resource(id)},
	}
	if id == "" || strings.TrimSpace(worker) == "" {
		return domain.Task{}, q.Audit.Reject(ctx, entry, fmt.Errorf("task and worker required: %w", domain.ErrInvalid))
	}
	var t domain.Task
	err := q.Audit.Do(ctx, entry, func(tx *sql.Tx, e *audit.Entry) error {
		now := q.now()
		cur, err := q.Repo.GetTask(ctx, tx, id)
		if err != nil {
			return err
		}
		e.SessionID = cur.SessionID
		ok, err := fn(tx, now)
		if err != nil {
			return err
		}
		if !ok {
			return q.claimErr(ctx, tx, id, worker, now)
		}
		t, err = q.Repo.GetTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Task{}, q.settle(ctx, id, err)
	}
	return t, nil
}

// Start marks an assigned task as running.
func (q Queue) Start(ctx context.Context, id, worker string) (domain.Task, error) {
	return q.transition(ctx, "task.start", id, worker, nil, func(tx *sql.Tx, now time.Time) (bool, error) {
		return q.Repo.StartTask(ctx, tx, id, worker, now)
	})
}

// Heartbeat renews worker's claim. A lapsed claim returns the task to pending
// and fails with domain.ErrLost.
func (q Queue) Heartbeat(ctx context.Context, id, worker string) (domain.Task, error) {
	return q.transition(ctx, "task.heartbeat", id, worker, nil, func(tx *sql.Tx, now time.Time) (bool, error) {
		l, err := q.Locks.RenewTx(ctx, tx, resource(id), worker)
		if errors.Is(err, domain.ErrNotHolder) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return q.Repo.ExtendTaskLease(ctx, tx, id, worker, l.ExpiresAt, now)
	})
}

func (q Queue) release(ctx context.Context, tx *sql.Tx, id, worker string) error {
	err := q.Locks.ReleaseTx(ctx, tx, resource(id), worker)
	if errors.Is(err, domain.ErrNotHolder) {
		// the lease lapsed between the task update and here; it ages out on its own
		return nil
	}
	return err
}

// Complete stores result and ends the claim.
func (q Queue) Complete(ctx context.Context, id, worker string, result json.RawMessage) (domain.Task, error) {
	if len(result) > 0 && !json.Valid(result) {
		return domain.Task{}, q.Audit.Reject(ctx, audit.Entry{
			AgentID:   worker,
			Action:    audit.Tool("task.complete", map[string]any{"task_id": id}),
			Resources: []string{resource(id)},
		}, fmt.Errorf("result must be JSON: %w", domain.ErrInvalid))
	}
	result, _, err := q.Audit.Redactor.RedactJSON(result)
	if err != nil {
		return domain.Task{}, err
	}
	return q.transition(ctx, "task.complete", id, worker, nil, func(tx *sql.Tx, now time.Time) (bool, error) {
		ok, err := q.Repo.CompleteTask(ctx, tx, id, worker, result, now)
		if err != nil || !ok {
			return ok, err
		}
		return true, q.release(ctx, tx, id, worker)
	})
}

// Fail consumes one attempt and returns the resulting status: pending while
// the retry budget lasts, failed once it is exhausted.
func (q Queue) Fail(ctx context.Context, id, worker, reason string) (string, error) {
	reason, _ = q.Audit.Redactor.Redact(reason)
	var status string
	_, err := q.transition(ctx, "task.fail", id, worker, map[string]any{"reason": reason}, func(tx *sql.Tx, now time.Time) (bool, error) {
		var err error
		status, err = q.Repo.FailTask(ctx, tx, id, worker, reason, now)
		if err != nil || status == "" {
			return false, err
		}
		return true, q.release(ctx, tx, id, worker)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (q Queue) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := q.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return t, repo.Wrap("task get", err)
	}
	return t, nil
}

type ListFilter struct {
	SessionID  string
	Status     string
	Type       string
	AssignedTo string
	Limit      int
}

func (q Queue) List(ctx context.Context, f ListFilter) ([]domain.Task, error) {
	tasks, err := q.Repo.ListTasks(ctx, repo.TaskFilters{
		SessionID:  f.SessionID,
		Status:     f.Status,
		Type:       f.Type,
		AssignedTo: f.AssignedTo,
		Limit:      f.Limit,
	})
	if err != nil {
		return nil, repo.Wrap("task list", err)
	}
	return tasks, nil
}

// RequeueExpired returns every lapsed claim to pending. Attempts are not
// consumed: the worker vanished, the task did not fail.
func (q Queue) RequeueExpired(ctx context.Context) ([]string, error) {
	return q.requeue(ctx, "")
}

func (q Queue) requeue(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := repo.RetryOnBusy(ctx, q.Audit.Backoff, func() error {
		tx, err := q.Repo.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		ids, err = q.Repo.RequeueExpiredTasks(ctx, tx, id, q.now())
		if err != nil {
			return err
		}
		for _, tid := range ids {
			if err := q.Audit.RecordTx(ctx, tx, audit.Entry{
				AgentID:   domain.SystemAgentID,
				Action:    audit.Tool("task.requeue", map[string]any{"task_id": tid, "reason": "claim expired"}),
				Resources: []string{resource(tid)},
			}); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, repo.Wrap("task requeue", err)
	}
	return ids, nil
}

// Counts reports how many of a session's tasks sit in each status.
func (q Queue) Counts(ctx context.Context, sessionID string) (map[string]int, error) {
	counts, err := q.Repo.CountTasksByStatus(ctx, sessionID)
	if err != nil {
		return nil, repo.Wrap("task counts", err)
	}
	return counts, nil
}
