package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coordline/internal/audit"
	"coordline/internal/domain"
	"coordline/internal/repo"
)

const (
	defaultPoll     = 250 * time.Millisecond
	defaultPageSize = 100
)

// Bus is a durable, per-topic ordered event log. Delivery is at-least-once:
// subscribers track their own position and may see an event again after a
// restart from an older cursor.
type Bus struct {
	Repo         repo.Repo
	Redactor     *audit.Redactor
	Backoff      repo.Backoff
	PollInterval time.Duration
	Now          func() time.Time

	notify *notifier
}

func New(r repo.Repo, red *audit.Redactor) Bus {
	return Bus{Repo: r, Redactor: red, Backoff: repo.DefaultBackoff, PollInterval: defaultPoll, Now: time.Now, notify: newNotifier()}
}

func (b Bus) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

// notifier wakes in-process subscribers. Waiters grab the current channel and
// Broadcast closes it and installs a fresh one.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	if n == nil {
		return
	}
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// Notify wakes subscribers. Call it after committing a transaction that used Append.
func (b Bus) Notify() {
	b.notify.broadcast()
}

func (b Bus) prepare(e domain.Event) (domain.Event, error) {
	if strings.TrimSpace(e.SessionID) == "" || strings.TrimSpace(e.Topic) == "" {
		return e, fmt.Errorf("session and topic required: %w", domain.ErrInvalid)
	}
	if strings.TrimSpace(e.Type) == "" || e.AgentID == "" {
		return e, fmt.Errorf("event type and agent required: %w", domain.ErrInvalid)
	}
	if len(e.Payload) > 0 {
		if !json.Valid(e.Payload) {
			return e, fmt.Errorf("payload must be JSON: %w", domain.ErrInvalid)
		}
		payload, _, err := b.Redactor.RedactJSON(e.Payload)
		if err != nil {
			return e, err
		}
		e.Payload = payload
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.TS = b.now()
	return e, nil
}

// Append writes e inside tx. The event becomes visible when tx commits.
func (b Bus) Append(ctx context.Context, tx *sql.Tx, e domain.Event) (domain.Event, error) {
	e, err := b.prepare(e)
	if err != nil {
		return e, err
	}
	seq, err := b.Repo.InsertEvent(ctx, tx, e)
	if err != nil {
		return e, err
	}
	e.Seq = seq
	return e, nil
}

// Publish appends e to its topic and wakes subscribers.
func (b Bus) Publish(ctx context.Context, e domain.Event) (domain.Event, error) {
	e, err := b.prepare(e)
	if err != nil {
		return e, err
	}
	err = repo.RetryOnBusy(ctx, b.Backoff, func() error {
		tx, err := b.Repo.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := b.Repo.RequireActiveSession(ctx, tx, e.SessionID, b.now()); err != nil {
			return err
		}
		e.Seq, err = b.Repo.InsertEvent(ctx, tx, e)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return e, repo.Wrap("event publish", err)
	}
	b.Notify()
	return e, nil
}

// Subscribe yields events on topic with seq greater than from, in order. The
// sequence never ends on its own; it returns quietly once ctx is done. It
// wakes on local publishes and polls for writes from other processes.
func (b Bus) Subscribe(ctx context.Context, sessionID, topic string, from int64) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		poll := b.PollInterval
		if poll <= 0 {
			poll = defaultPoll
		}
		cursor := from
		for {
			wake := b.notify.wait()
			page, err := b.Repo.EventsAfter(ctx, repo.EventFilters{SessionID: sessionID, Topic: topic, After: cursor, Limit: defaultPageSize})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(domain.Event{}, repo.Wrap("event subscribe", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.Seq
			}
			if len(page) == defaultPageSize {
				continue
			}
			t := time.NewTimer(poll)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-wake:
				t.Stop()
			case <-t.C:
			}
		}
	}
}

// Resume subscribes from subscriber's stored cursor.
func (b Bus) Resume(ctx context.Context, sessionID, topic, subscriber string) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		from, err := b.Cursor(ctx, sessionID, topic, subscriber)
		if err != nil {
			yield(domain.Event{}, err)
			return
		}
		for e, err := range b.Subscribe(ctx, sessionID, topic, from) {
			if !yield(e, err) {
				return
			}
		}
	}
}

// Ack records that subscriber has processed everything up to cursor.
func (b Bus) Ack(ctx context.Context, sessionID, topic, subscriber string, cursor int64) error {
	if subscriber == "" || cursor < 0 {
		return fmt.Errorf("subscriber and non-negative cursor required: %w", domain.ErrInvalid)
	}
	err := repo.RetryOnBusy(ctx, b.Backoff, func() error {
		return b.Repo.UpsertCursor(ctx, sessionID, topic, subscriber, cursor, b.now())
	})
	return repo.Wrap("event ack", err)
}

func (b Bus) Cursor(ctx context.Context, sessionID, topic, subscriber string) (int64, error) {
	c, err := b.Repo.GetCursor(ctx, sessionID, topic, subscriber)
	if err != nil {
		return 0, repo.Wrap("event cursor", err)
	}
	return c, nil
}

// Page returns up to limit events after the given seq and the seq to pass
// next time, for transports that poll.
func (b Bus) Page(ctx context.Context, sessionID, topic string, after int64, limit int) ([]domain.Event, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultPageSize
	}
	page, err := b.Repo.EventsAfter(ctx, repo.EventFilters{SessionID: sessionID, Topic: topic, After: after, Limit: limit})
	if err != nil {
		return nil, after, repo.Wrap("event page", err)
	}
	next := after
	if len(page) > 0 {
		next = page[len(page)-1].Seq
	}
	return page, next, nil
}

func (b Bus) Latest(ctx context.Context, sessionID, topic string) (int64, error) {
	seq, err := b.Repo.LatestEventSeq(ctx, sessionID, topic)
	return seq, repo.Wrap("event latest", err)
}
