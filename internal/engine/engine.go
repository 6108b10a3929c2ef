package engine

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
	"coordline/internal/blackboard"
	"coordline/internal/config"
	"coordline/internal/consensus"
	"coordline/internal/domain"
	"coordline/internal/events"
	"coordline/internal/lock"
	"coordline/internal/repo"
	"coordline/internal/taskq"
)

// MessagesTopic carries request and response envelopes between workers.
const MessagesTopic = "messages"

// Engine ties the coordination components to one store and configuration.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Audit     audit.Logger
	Board     blackboard.Store
	Locks     lock.Manager
	Tasks     taskq.Queue
	Events    events.Bus
	Consensus consensus.Engine
	Now       func() time.Time
}

// New wires every component from cfg. red may be nil when no redaction
// patterns are configured.
func New(db *sql.DB, cfg *config.Config, red *audit.Redactor) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	logger := audit.New(r, red)
	if cfg.Audit.RetryAttempts > 0 {
		logger.Backoff.Attempts = cfg.Audit.RetryAttempts
	}
	logger.Retention = audit.Retention{Hot: cfg.Audit.Retention.Hot, Warm: cfg.Audit.Retention.Warm}

	locks := lock.New(r, logger, cfg.Coordination.LockTTL)
	tasks := taskq.New(r, logger, locks)
	if cfg.Coordination.ClaimTTL > 0 {
		tasks.ClaimTTL = cfg.Coordination.ClaimTTL
	}
	tasks.RetryBudget = cfg.Coordination.RetryBudget
	bus := events.New(r, red)
	if cfg.Coordination.PollInterval > 0 {
		bus.PollInterval = cfg.Coordination.PollInterval
	}
	votes := consensus.New(r, logger, bus)
	if cfg.Coordination.ProposalDeadline > 0 {
		votes.Deadline = cfg.Coordination.ProposalDeadline
	}
	return Engine{
		DB:        db,
		Repo:      r,
		Config:    cfg,
		Audit:     logger,
		Board:     blackboard.New(r, logger),
		Locks:     locks,
		Tasks:     tasks,
		Events:    bus,
		Consensus: votes,
		Now:       time.Now,
	}
}

// WithClock returns a copy whose components all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Audit.Now = now
	e.Board.Audit, e.Board.Now = e.Audit, now
	e.Locks.Audit, e.Locks.Now = e.Audit, now
	e.Tasks.Audit, e.Tasks.Locks, e.Tasks.Now = e.Audit, e.Locks, now
	e.Events.Now = now
	e.Consensus.Audit, e.Consensus.Events, e.Consensus.Now = e.Audit, e.Events, now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

type JoinOptions struct {
	// Context is stored on sessions created by this join.
	Context json.RawMessage
	// TTL overrides the configured session lifetime for new sessions.
	TTL time.Duration
}

// Join attaches agentID to sessionID. An empty sessionID starts a new session
// with agentID as initiator.
func (e Engine) Join(ctx context.Context, agentID, sessionID string, opts JoinOptions) (*Session, error) {
	create := sessionID == ""
	if create {
		sessionID = uuid.NewString()
	}
	op := "session.join"
	if create {
		op = "session.create"
	}
	entry := audit.Entry{
		AgentID:   agentID,
		SessionID: sessionID,
		Action:    audit.Tool(op, map[string]any{"session_id": sessionID}),
		Resources: []string{"session:" + sessionID},
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, e.Audit.Reject(ctx, entry, fmt.Errorf("agent required: %w", domain.ErrInvalid))
	}
	if len(opts.Context) > 0 && !json.Valid(opts.Context) {
		return nil, e.Audit.Reject(ctx, entry, fmt.Errorf("session context must be JSON: %w", domain.ErrInvalid))
	}
	sessCtx, redacted, err := e.Audit.Redactor.RedactJSON(opts.Context)
	if err != nil {
		return nil, err
	}
	entry.Sensitive = redacted
	now := e.now()
	err = e.Audit.Do(ctx, entry, func(tx *sql.Tx, _ *audit.Entry) error {
		if create {
			ttl := opts.TTL
			if ttl <= 0 {
				ttl = e.Config.Coordination.SessionTTL
			}
			s := domain.Session{ID: sessionID, InitiatorID: agentID, Context: sessCtx, Status: domain.SessionActive, CreatedAt: now}
			if ttl > 0 {
				exp := now.Add(ttl)
				s.ExpiresAt = &exp
			}
			if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
				return err
			}
		} else if err := e.Repo.RequireActiveSession(ctx, tx, sessionID, now); err != nil {
			return err
		}
		return e.Repo.UpsertParticipant(ctx, tx, domain.Participant{SessionID: sessionID, AgentID: agentID, JoinedAt: now})
	})
	if err != nil {
		return nil, err
	}
	return e.handle(sessionID, agentID), nil
}

// Attach returns a handle for an agent that already joined, for transports
// that carry the session and agent on every request.
func (e Engine) Attach(ctx context.Context, agentID, sessionID string) (*Session, error) {
	p, err := e.Repo.GetParticipant(ctx, nil, sessionID, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%s has not joined session %s: %w", agentID, sessionID, repo.ErrNotFound)
		}
		return nil, repo.Wrap("session attach", err)
	}
	if p.LeftAt != nil {
		return nil, fmt.Errorf("%s left session %s: %w", agentID, sessionID, domain.ErrSessionClosed)
	}
	return e.handle(sessionID, agentID), nil
}

func (e Engine) handle(sessionID, agentID string) *Session {
	return &Session{ID: sessionID, AgentID: agentID, engine: e, locks: e.Locks.ForSession(sessionID)}
}

func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, nil, id)
	if err != nil {
		return s, repo.Wrap("session get", err)
	}
	return s, nil
}

func (e Engine) ListSessions(ctx context.Context, status string, limit int) ([]domain.Session, error) {
	ss, err := e.Repo.ListSessions(ctx, repo.SessionFilters{Status: status, Limit: limit})
	if err != nil {
		return nil, repo.Wrap("session list", err)
	}
	return ss, nil
}

func (e Engine) Participants(ctx context.Context, sessionID string, activeOnly bool) ([]domain.Participant, error) {
	ps, err := e.Repo.ListParticipants(ctx, nil, sessionID, activeOnly)
	if err != nil {
		return nil, repo.Wrap("session participants", err)
	}
	return ps, nil
}

// DispatchResult identifies what a dispatched message produced.
type DispatchResult struct {
	Kind string `json:"kind"`
	// ID is the finding id, vote proposal id, audit entry action name or event id.
	ID  string `json:"id"`
	Seq int64  `json:"seq,omitempty"`
}

// Dispatch routes a worker message envelope to the component it addresses.
func (e Engine) Dispatch(ctx context.Context, msg domain.Message) (DispatchResult, error) {
	if msg.SessionID == "" || msg.AgentID == "" {
		return DispatchResult{}, fmt.Errorf("message needs session and agent: %w", domain.ErrInvalid)
	}
	s, err := e.Attach(ctx, msg.AgentID, msg.SessionID)
	if err != nil {
		return DispatchResult{}, err
	}
	res := DispatchResult{Kind: msg.Kind}
	switch msg.Kind {
	case domain.MessageFinding:
		var p domain.FindingPayload
		if err := decode(msg.Payload, &p); err != nil {
			return res, err
		}
		res.ID, err = s.AppendFinding(ctx, p)
		return res, err
	case domain.MessageVote:
		var p domain.VotePayload
		if err := decode(msg.Payload, &p); err != nil {
			return res, err
		}
		_, err = s.Vote(ctx, p)
		res.ID = p.ProposalID
		return res, err
	case domain.MessageAction:
		var p domain.ActionPayload
		if err := decode(msg.Payload, &p); err != nil {
			return res, err
		}
		action, err := s.ReportAction(ctx, p)
		if action != nil {
			res.ID = action.Name()
		}
		return res, err
	case domain.MessageRequest, domain.MessageResponse:
		ev, err := s.Publish(ctx, MessagesTopic, msg.Kind, msg.Payload)
		res.ID, res.Seq = ev.ID, ev.Seq
		return res, err
	default:
		return res, fmt.Errorf("unknown message kind %q: %w", msg.Kind, domain.ErrInvalid)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("message payload required: %w", domain.ErrInvalid)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w: %w", domain.ErrInvalid, err)
	}
	return nil
}

// SweepStats reports what one janitor pass changed.
type SweepStats struct {
	ExpiredSessions []string             `json:"expired_sessions,omitempty"`
	ClosedProposals []consensus.Decision `json:"closed_proposals,omitempty"`
	RequeuedTasks   []string             `json:"requeued_tasks,omitempty"`
	PurgedLocks     int64                `json:"purged_locks"`
	AuditCompaction audit.CompactStats   `json:"audit_compaction"`
}

// Sweep aborts sessions past their TTL, closes overdue proposals, returns
// lapsed task claims to the queue, drops dead lock rows and compacts the
// audit tiers.
func (e Engine) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := e.now()
	ids, err := e.Repo.ExpiredSessions(ctx, now)
	if err != nil {
		return stats, repo.Wrap("session sweep", err)
	}
	for _, id := range ids {
		var ended bool
		err := e.Audit.Do(ctx, audit.Entry{
			AgentID:   domain.SystemAgentID,
			SessionID: id,
			Action:    audit.Tool("session.expire", map[string]any{"session_id": id}),
			Resources: []string{"session:" + id},
		}, func(tx *sql.Tx, entry *audit.Entry) error {
			var err error
			ended, err = e.Repo.EndSession(ctx, tx, id, domain.SessionAborted, now)
			if err == nil && !ended {
				entry.Outcome = domain.OutcomeEmpty
			}
			return err
		})
		if err != nil {
			return stats, err
		}
		if ended {
			stats.ExpiredSessions = append(stats.ExpiredSessions, id)
		}
	}
	if stats.ClosedProposals, err = e.Consensus.CloseOverdue(ctx); err != nil {
		return stats, err
	}
	if stats.RequeuedTasks, err = e.Tasks.RequeueExpired(ctx); err != nil {
		return stats, err
	}
	if stats.PurgedLocks, err = e.Locks.Purge(ctx); err != nil {
		return stats, err
	}
	if stats.AuditCompaction, err = e.Audit.Compact(ctx, now); err != nil {
		return stats, err
	}
	return stats, nil
}

// SeedProfiles stores the configured agent expertise so consensus can weigh votes.
func (e Engine) SeedProfiles(ctx context.Context) error {
	if len(e.Config.Agents.Expertise) == 0 {
		return nil
	}
	now := e.now()
	var profiles []domain.AgentProfile
	for agent, expertise := range e.Config.Agents.Expertise {
		profiles = append(profiles, domain.AgentProfile{AgentID: agent, Expertise: expertise, UpdatedAt: now})
	}
	return repo.Wrap("seed profiles", repo.RetryOnBusy(ctx, e.Audit.Backoff, func() error {
		tx, err := e.Repo.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.ReplaceAgentProfiles(ctx, tx, profiles); err != nil {
			return err
		}
		return tx.Commit()
	}))
}
