package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"coordline/internal/audit"
	"coordline/internal/domain"
	"coordline/internal/repo"
)

const (
	defaultTTL  = 30 * time.Second
	defaultPoll = 100 * time.Millisecond
	maxPoll     = 2 * time.Second
)

// Grant is the result of an acquisition attempt. On denial Lock describes the
// current holder.
type Grant struct {
	Granted bool        `json:"granted"`
	Lock    domain.Lock `json:"lock"`
}

// Manager hands out leased locks over named resources. SessionID only tags
// audit entries; locks themselves are global.
type Manager struct {
	Repo         repo.Repo
	Audit        audit.Logger
	DefaultTTL   time.Duration
	PollInterval time.Duration
	SessionID    string
	Now          func() time.Time
}

func New(r repo.Repo, a audit.Logger, defaultTTL time.Duration) Manager {
	return Manager{Repo: r, Audit: a, DefaultTTL: defaultTTL, PollInterval: defaultPoll, Now: time.Now}
}

// ForSession returns a copy whose audit entries carry sessionID.
func (m Manager) ForSession(sessionID string) Manager {
	m.SessionID = sessionID
	return m
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Manager) ttl(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if m.DefaultTTL > 0 {
		return m.DefaultTTL
	}
	return defaultTTL
}

func validate(resource, holder string) error {
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(holder) == "" {
		return fmt.Errorf("resource and holder required: %w", domain.ErrInvalid)
	}
	return nil
}

func (m Manager) entry(op, resource, holder string, args map[string]any) audit.Entry {
	return audit.Entry{
		AgentID:   holder,
		SessionID: m.SessionID,
		Action:    audit.Tool(op, args),
		Resources: []string{"lock:" + resource},
	}
}

func (m Manager) tryAcquire(ctx context.Context, tx *sql.Tx, resource, holder string, ttl time.Duration, now time.Time) (Grant, error) {
	ok, err := m.Repo.TryAcquireLock(ctx, tx, resource, holder, now, ttl)
	if err != nil {
		return Grant{}, err
	}
	if ok {
		return Grant{Granted: true, Lock: domain.Lock{ResourceID: resource, HolderID: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl), TTL: ttl}}, nil
	}
	current, err := m.Repo.GetLock(ctx, tx, resource)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Grant{}, err
	}
	return Grant{Granted: false, Lock: current}, nil
}

func outcome(g Grant) string {
	if g.Granted {
		return domain.OutcomeOK
	}
	return domain.OutcomeDenied
}

// Acquire grants resource to holder unless another unexpired lease exists.
// It never waits; a denial is a normal result, not an error.
func (m Manager) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (Grant, error) {
	g, _, err := m.acquire(ctx, resource, holder, ttl)
	return g, err
}

func (m Manager) acquire(ctx context.Context, resource, holder string, ttl time.Duration) (Grant, time.Time, error) {
	ttl = m.ttl(ttl)
	e := m.entry("lock.acquire", resource, holder, map[string]any{"ttl_ms": ttl.Milliseconds()})
	if err := validate(resource, holder); err != nil {
		return Grant{}, time.Time{}, m.Audit.Reject(ctx, e, err)
	}
	now := m.now()
	var g Grant
	err := m.Audit.Do(ctx, e,
		func(tx *sql.Tx, e *audit.Entry) error {
			var err error
			g, err = m.tryAcquire(ctx, tx, resource, holder, ttl, now)
			if err != nil {
				return err
			}
			e.Outcome = outcome(g)
			return nil
		})
	return g, now, err
}

// AcquireTx is Acquire inside the caller's transaction.
func (m Manager) AcquireTx(ctx context.Context, tx *sql.Tx, resource, holder string, ttl time.Duration) (Grant, error) {
	if err := validate(resource, holder); err != nil {
		return Grant{}, err
	}
	ttl = m.ttl(ttl)
	g, err := m.tryAcquire(ctx, tx, resource, holder, ttl, m.now())
	if err != nil {
		return Grant{}, err
	}
	e := m.entry("lock.acquire", resource, holder, map[string]any{"ttl_ms": ttl.Milliseconds()})
	e.Outcome = outcome(g)
	if err := m.Audit.RecordTx(ctx, tx, e); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// AcquireWait polls until the lock is granted, timeout elapses or ctx ends.
// A timeout returns a denied Grant. When ctx ends while an attempt is in
// flight, any grant that attempt may have committed is revoked before
// returning, so cancellation never leaves the caller holding the lock.
func (m Manager) AcquireWait(ctx context.Context, resource, holder string, ttl, timeout time.Duration) (Grant, error) {
	deadline := time.Now().Add(timeout)
	poll := m.PollInterval
	if poll <= 0 {
		poll = defaultPoll
	}
	for {
		g, at, err := m.acquire(ctx, resource, holder, ttl)
		if err != nil {
			if ctx.Err() != nil && !at.IsZero() {
				return Grant{}, errors.Join(err, m.revoke(ctx, resource, holder, at))
			}
			return Grant{}, err
		}
		if g.Granted {
			if ctx.Err() != nil {
				return Grant{}, errors.Join(ctx.Err(), m.revoke(ctx, resource, holder, at))
			}
			return g, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return g, nil
		}
		wait := poll/2 + time.Duration(rand.Int64N(int64(poll)))
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Grant{}, ctx.Err()
		case <-t.C:
		}
		if poll < maxPoll {
			poll *= 2
		}
	}
}

// revoke undoes a grant committed after the caller gave up. Only the audit
// write error is returned; a failed revoke is recorded with an error outcome
// and the lease lapses on its own.
func (m Manager) revoke(ctx context.Context, resource, holder string, acquiredAt time.Time) error {
	wctx := context.WithoutCancel(ctx)
	revoked, err := m.Repo.RevokeLock(wctx, resource, holder, acquiredAt)
	e := m.entry("lock.revoke", resource, holder, map[string]any{"reason": "cancelled"})
	switch {
	case err != nil:
		e.Outcome = domain.OutcomeError
	case !revoked:
		e.Outcome = domain.OutcomeEmpty
	}
	return m.Audit.Record(wctx, e)
}

func (m Manager) tryRenew(ctx context.Context, tx *sql.Tx, resource, holder string) (domain.Lock, error) {
	now := m.now()
	ok, err := m.Repo.RenewLock(ctx, tx, resource, holder, now)
	if err != nil {
		return domain.Lock{}, err
	}
	if !ok {
		return domain.Lock{}, fmt.Errorf("renew %s by %s: %w", resource, holder, domain.ErrNotHolder)
	}
	return m.Repo.GetLock(ctx, tx, resource)
}

// Renew extends the lease by its original ttl if holder still owns it.
func (m Manager) Renew(ctx context.Context, resource, holder string) (domain.Lock, error) {
	e := m.entry("lock.renew", resource, holder, nil)
	if err := validate(resource, holder); err != nil {
		return domain.Lock{}, m.Audit.Reject(ctx, e, err)
	}
	var l domain.Lock
	err := m.Audit.Do(ctx, e, func(tx *sql.Tx, _ *audit.Entry) error {
		var err error
		l, err = m.tryRenew(ctx, tx, resource, holder)
		return err
	})
	return l, err
}

// RenewTx is Renew inside the caller's transaction.
func (m Manager) RenewTx(ctx context.Context, tx *sql.Tx, resource, holder string) (domain.Lock, error) {
	l, err := m.tryRenew(ctx, tx, resource, holder)
	if err != nil {
		return l, err
	}
	return l, m.Audit.RecordTx(ctx, tx, m.entry("lock.renew", resource, holder, nil))
}

func (m Manager) tryRelease(ctx context.Context, tx *sql.Tx, resource, holder string) error {
	ok, err := m.Repo.ReleaseLock(ctx, tx, resource, holder, m.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("release %s by %s: %w", resource, holder, domain.ErrNotHolder)
	}
	return nil
}

// Release deletes the lock only if holder owns an unexpired lease.
func (m Manager) Release(ctx context.Context, resource, holder string) error {
	e := m.entry("lock.release", resource, holder, nil)
	if err := validate(resource, holder); err != nil {
		return m.Audit.Reject(ctx, e, err)
	}
	return m.Audit.Do(ctx, e, func(tx *sql.Tx, _ *audit.Entry) error {
		return m.tryRelease(ctx, tx, resource, holder)
	})
}

// ReleaseTx is Release inside the caller's transaction.
func (m Manager) ReleaseTx(ctx context.Context, tx *sql.Tx, resource, holder string) error {
	if err := m.tryRelease(ctx, tx, resource, holder); err != nil {
		return err
	}
	return m.Audit.RecordTx(ctx, tx, m.entry("lock.release", resource, holder, nil))
}

// Get returns the live lease on resource, or repo.ErrNotFound.
func (m Manager) Get(ctx context.Context, resource string) (domain.Lock, error) {
	l, err := m.Repo.GetLock(ctx, nil, resource)
	if err != nil {
		return l, repo.Wrap("lock get", err)
	}
	if l.Expired(m.now()) {
		return domain.Lock{}, repo.ErrNotFound
	}
	return l, nil
}

// List returns live leases whose resource starts with prefix.
func (m Manager) List(ctx context.Context, prefix string) ([]domain.Lock, error) {
	locks, err := m.Repo.ListLocks(ctx, repo.LockFilters{Prefix: prefix, ActiveAt: m.now()})
	if err != nil {
		return nil, repo.Wrap("lock list", err)
	}
	return locks, nil
}

// Purge removes expired rows.
func (m Manager) Purge(ctx context.Context) (int64, error) {
	n, err := m.Repo.PurgeExpiredLocks(ctx, m.now())
	return n, repo.Wrap("lock purge", err)
}
