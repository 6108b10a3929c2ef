package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"coordline/internal/audit"
	"coordline/internal/blackboard"
	"coordline/internal/consensus"
	"coordline/internal/domain"
	"coordline/internal/lock"
	"coordline/internal/repo"
	"coordline/internal/taskq"
)

// Session is one agent's handle on a session. Every call is attributed to
// AgentID and scoped to ID.
type Session struct {
	ID      string
	AgentID string

	engine Engine
	locks  lock.Manager
}

func (s *Session) Put(ctx context.Context, key string, value json.RawMessage, expected int64) (int64, error) {
	return s.engine.Board.Put(ctx, s.ID, s.AgentID, key, value, expected)
}

func (s *Session) Get(ctx context.Context, key string) (domain.StateEntry, error) {
	return s.engine.Board.Get(ctx, s.ID, key)
}

func (s *Session) Entries(ctx context.Context, prefix string) ([]domain.StateEntry, error) {
	return s.engine.Board.Entries(ctx, s.ID, prefix)
}

func (s *Session) AppendFinding(ctx context.Context, p domain.FindingPayload) (string, error) {
	return s.engine.Board.AppendFinding(ctx, domain.Finding{
		SessionID:  s.ID,
		AgentID:    s.AgentID,
		Category:   p.Category,
		Content:    p.Content,
		Confidence: p.Confidence,
		Evidence:   p.Evidence,
		Supersedes: p.Supersedes,
	})
}

func (s *Session) Findings(ctx context.Context, f blackboard.FindingFilter) iter.Seq2[domain.Finding, error] {
	return s.engine.Board.ListFindings(ctx, s.ID, f)
}

func (s *Session) Acquire(ctx context.Context, resource string, ttl time.Duration) (lock.Grant, error) {
	return s.locks.Acquire(ctx, resource, s.AgentID, ttl)
}

func (s *Session) AcquireWait(ctx context.Context, resource string, ttl, timeout time.Duration) (lock.Grant, error) {
	return s.locks.AcquireWait(ctx, resource, s.AgentID, ttl, timeout)
}

func (s *Session) Renew(ctx context.Context, resource string) (domain.Lock, error) {
	return s.locks.Renew(ctx, resource, s.AgentID)
}

func (s *Session) Release(ctx context.Context, resource string) error {
	return s.locks.Release(ctx, resource, s.AgentID)
}

func (s *Session) CreateTask(ctx context.Context, opts taskq.CreateOptions) (domain.Task, error) {
	opts.SessionID, opts.AgentID = s.ID, s.AgentID
	return s.engine.Tasks.Create(ctx, opts)
}

// Claim takes the best pending task of this session.
func (s *Session) Claim(ctx context.Context, types ...string) (*domain.Task, error) {
	return s.engine.Tasks.Claim(ctx, s.AgentID, taskq.Filter{SessionID: s.ID, Types: types})
}

func (s *Session) Start(ctx context.Context, taskID string) (domain.Task, error) {
	return s.engine.Tasks.Start(ctx, taskID, s.AgentID)
}

func (s *Session) Heartbeat(ctx context.Context, taskID string) (domain.Task, error) {
	return s.engine.Tasks.Heartbeat(ctx, taskID, s.AgentID)
}

func (s *Session) Complete(ctx context.Context, taskID string, result json.RawMessage) (domain.Task, error) {
	return s.engine.Tasks.Complete(ctx, taskID, s.AgentID, result)
}

func (s *Session) Fail(ctx context.Context, taskID, reason string) (string, error) {
	return s.engine.Tasks.Fail(ctx, taskID, s.AgentID, reason)
}

func (s *Session) Publish(ctx context.Context, topic, typ string, payload json.RawMessage) (domain.Event, error) {
	return s.engine.Events.Publish(ctx, domain.Event{
		SessionID: s.ID,
		Topic:     topic,
		Type:      typ,
		AgentID:   s.AgentID,
		Payload:   payload,
	})
}

func (s *Session) Subscribe(ctx context.Context, topic string, from int64) iter.Seq2[domain.Event, error] {
	return s.engine.Events.Subscribe(ctx, s.ID, topic, from)
}

// Resume continues the topic after this agent's acknowledged cursor.
func (s *Session) Resume(ctx context.Context, topic string) iter.Seq2[domain.Event, error] {
	return s.engine.Events.Resume(ctx, s.ID, topic, s.AgentID)
}

func (s *Session) Ack(ctx context.Context, topic string, seq int64) error {
	return s.engine.Events.Ack(ctx, s.ID, topic, s.AgentID, seq)
}

func (s *Session) Propose(ctx context.Context, opts consensus.OpenOptions) (domain.Proposal, error) {
	opts.SessionID, opts.CreatedBy = s.ID, s.AgentID
	return s.engine.Consensus.Open(ctx, opts)
}

func (s *Session) Vote(ctx context.Context, p domain.VotePayload) (domain.Vote, error) {
	return s.engine.Consensus.CastVote(ctx, consensus.VoteOptions{
		ProposalID: p.ProposalID,
		AgentID:    s.AgentID,
		Choice:     p.Choice,
		Confidence: p.Confidence,
		Reason:     p.Reason,
		Evidence:   p.Evidence,
		Domain:     p.Domain,
	})
}

func (s *Session) Resolve(ctx context.Context, proposalID string) (consensus.Decision, error) {
	return s.engine.Consensus.Resolve(ctx, proposalID, s.AgentID)
}

// ReportAction records an action the worker performed on its own side. The
// worker's outcome and duration are kept as reported.
func (s *Session) ReportAction(ctx context.Context, p domain.ActionPayload) (domain.Action, error) {
	action, err := p.Action()
	if err != nil {
		return nil, err
	}
	if err := s.engine.Repo.RequireActiveSession(ctx, nil, s.ID, s.engine.now()); err != nil {
		return action, repo.Wrap("action report", err)
	}
	outcome := p.Outcome
	if outcome == "" {
		outcome = domain.OutcomeOK
	}
	err = s.engine.Audit.Record(ctx, audit.Entry{
		AgentID:   s.AgentID,
		SessionID: s.ID,
		Action:    action,
		Outcome:   outcome,
		Resources: p.Resources,
		Sensitive: p.Sensitive,
		Duration:  time.Duration(p.DurationMS) * time.Millisecond,
	})
	return action, err
}

// LeaveSummary is what an agent contributed before leaving.
type LeaveSummary struct {
	SessionID     string                   `json:"session_id"`
	AgentID       string                   `json:"agent_id"`
	Outcome       string                   `json:"outcome"`
	Participation repo.ParticipationCounts `json:"participation"`
	// SessionEnded is set when the last active participant left.
	SessionEnded bool `json:"session_ended"`
}

// Leave detaches the agent. outcome is completed or aborted; when the last
// active participant leaves, the session ends with that status. Locks the
// agent still holds are left to expire.
func (s *Session) Leave(ctx context.Context, outcome string) (LeaveSummary, error) {
	switch outcome {
	case "":
		outcome = domain.SessionCompleted
	case domain.SessionCompleted, domain.SessionAborted:
	default:
		return LeaveSummary{}, s.engine.Audit.Reject(ctx, audit.Entry{
			AgentID:   s.AgentID,
			SessionID: s.ID,
			Action:    audit.Tool("session.leave", map[string]any{"session_id": s.ID, "outcome": outcome}),
			Resources: []string{"session:" + s.ID},
		}, fmt.Errorf("unknown outcome %q: %w", outcome, domain.ErrInvalid))
	}
	sum := LeaveSummary{SessionID: s.ID, AgentID: s.AgentID, Outcome: outcome}
	now := s.engine.now()
	err := s.engine.Audit.Do(ctx, audit.Entry{
		AgentID:   s.AgentID,
		SessionID: s.ID,
		Action:    audit.Tool("session.leave", map[string]any{"session_id": s.ID, "outcome": outcome}),
		Resources: []string{"session:" + s.ID},
	}, func(tx *sql.Tx, entry *audit.Entry) error {
		left, err := s.engine.Repo.MarkParticipantLeft(ctx, tx, s.ID, s.AgentID, outcome, now)
		if err != nil {
			return err
		}
		if !left {
			return fmt.Errorf("%s is not an active participant of %s: %w", s.AgentID, s.ID, repo.ErrNotFound)
		}
		if sum.Participation, err = s.engine.Repo.CountParticipation(ctx, tx, s.ID, s.AgentID); err != nil {
			return err
		}
		active, err := s.engine.Repo.ListParticipants(ctx, tx, s.ID, true)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			if sum.SessionEnded, err = s.engine.Repo.EndSession(ctx, tx, s.ID, outcome, now); err != nil {
				return err
			}
		}
		entry.Action = audit.Tool("session.leave", map[string]any{
			"session_id":       s.ID,
			"outcome":          outcome,
			"findings":         sum.Participation.Findings,
			"votes":            sum.Participation.Votes,
			"tasks_completed":  sum.Participation.Tasks,
			"events_published": sum.Participation.Events,
			"session_ended":    sum.SessionEnded,
		})
		return nil
	})
	return sum, err
}
