package consensus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/audit"
	"coordline/internal/domain"
	"coordline/internal/events"
	"coordline/internal/repo"
)

const (
	defaultDeadline = 10 * time.Minute

	// DecisionPending is reported while an open proposal lacks quorum.
	DecisionPending = "pending"

	// ProposalsTopic carries proposal.opened for every session.
	ProposalsTopic = "proposals"
)

// Topic is where votes and the final decision of a proposal are published.
func Topic(proposalID string) string { return "proposal:" + proposalID }

// Decision is what Resolve reports. Status is pending, decided or expired;
// an expired proposal has no outcome and must not be read as a no.
type Decision struct {
	ProposalID          string     `json:"proposal_id"`
	Status              string     `json:"status" enum:"pending,decided,expired"`
	Outcome             string     `json:"outcome,omitempty" enum:"yes,no"`
	AggregateConfidence *float64   `json:"aggregate_confidence,omitempty"`
	Tally               Tally      `json:"tally"`
	DecidedAt           *time.Time `json:"decided_at,omitempty" format:"date-time"`
}

type Engine struct {
	Repo     repo.Repo
	Audit    audit.Logger
	Events   events.Bus
	Deadline time.Duration
	Now      func() time.Time
}

func New(r repo.Repo, a audit.Logger, bus events.Bus) Engine {
	return Engine{Repo: r, Audit: a, Events: bus, Deadline: defaultDeadline, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

type OpenOptions struct {
	SessionID   string
	Description string
	Rule        string
	Threshold   float64
	// Deadline defaults to now plus the configured proposal deadline.
	Deadline time.Time
	// Roster defaults to the session's active participants.
	Roster    []string
	CreatedBy string
}

// Open creates a proposal. Its roster is fixed here and never follows later
// joins or leaves.
func (e Engine) Open(ctx context.Context, opts OpenOptions) (domain.Proposal, error) {
	now := e.now()
	deadline, verr := e.checkOpen(&opts, now)
	p := domain.Proposal{
		ID:          uuid.NewString(),
		SessionID:   opts.SessionID,
		Description: opts.Description,
		Rule:        opts.Rule,
		Threshold:   opts.Threshold,
		Deadline:    deadline.UTC(),
		Status:      domain.ProposalOpen,
		CreatedBy:   opts.CreatedBy,
		CreatedAt:   now,
	}
	entry := audit.Entry{
		AgentID:   opts.CreatedBy,
		SessionID: opts.SessionID,
		Action:    audit.Tool("consensus.open", map[string]any{"proposal_id": p.ID, "rule": p.Rule, "threshold": p.Threshold}),
		Resources: []string{"proposal:" + p.ID},
	}
	if verr != nil {
		return domain.Proposal{}, e.Audit.Reject(ctx, entry, verr)
	}
	var published bool
	err := e.Audit.Do(ctx, entry, func(tx *sql.Tx, _ *audit.Entry) error {
		if err := e.Repo.RequireActiveSession(ctx, tx, p.SessionID, now); err != nil {
			return err
		}
		roster := opts.Roster
		if len(roster) == 0 {
			participants, err := e.Repo.ListParticipants(ctx, tx, p.SessionID, true)
			if err != nil {
				return err
			}
			for _, pt := range participants {
				roster = append(roster, pt.AgentID)
			}
		}
		p.Roster = normalizeRoster(roster)
		if p.Rule == domain.RuleUnanimous && len(p.Roster) == 0 {
			return fmt.Errorf("unanimous proposal needs a roster: %w", domain.ErrInvalid)
		}
		if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
			return err
		}
		payload, _ := json.Marshal(p)
		if _, err := e.Events.Append(ctx, tx, domain.Event{
			SessionID: p.SessionID,
			Topic:     ProposalsTopic,
			Type:      "proposal.opened",
			AgentID:   p.CreatedBy,
			Payload:   payload,
		}); err != nil {
			return err
		}
		published = true
		return nil
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	if published {
		e.Events.Notify()
	}
	return p, nil
}

// checkOpen validates opts, zeroing the threshold for rules that ignore it,
// and returns the effective deadline.
func (e Engine) checkOpen(opts *OpenOptions, now time.Time) (time.Time, error) {
	if opts.SessionID == "" || opts.CreatedBy == "" {
		return time.Time{}, fmt.Errorf("session and creator required: %w", domain.ErrInvalid)
	}
	if strings.TrimSpace(opts.Description) == "" {
		return time.Time{}, fmt.Errorf("description required: %w", domain.ErrInvalid)
	}
	switch opts.Rule {
	case domain.RuleMajority, domain.RuleUnanimous:
		opts.Threshold = 0
	case domain.RuleThreshold:
		if opts.Threshold <= 0 || opts.Threshold > 1 {
			return time.Time{}, fmt.Errorf("threshold %.3f outside (0,1]: %w", opts.Threshold, domain.ErrInvalid)
		}
	default:
		return time.Time{}, fmt.Errorf("unknown quorum rule %q: %w", opts.Rule, domain.ErrInvalid)
	}
	deadline := opts.Deadline
	if deadline.IsZero() {
		d := e.Deadline
		if d <= 0 {
			d = defaultDeadline
		}
		deadline = now.Add(d)
	}
	if !deadline.After(now) {
		return time.Time{}, fmt.Errorf("deadline must be in the future: %w", domain.ErrInvalid)
	}
	return deadline, nil
}

func normalizeRoster(in []string) []string {
	var out []string
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type VoteOptions struct {
	ProposalID string
	AgentID    string
	Choice     string
	Confidence float64
	Reason     string
	Evidence   []string
	Domain     string
}

// CastVote records or replaces agent's vote while the proposal is open.
func (e Engine) CastVote(ctx context.Context, opts VoteOptions) (domain.Vote, error) {
	reason, redacted := e.Audit.Redactor.Redact(opts.Reason)
	v := domain.Vote{
		ProposalID:    opts.ProposalID,
		AgentID:       opts.AgentID,
		Choice:        opts.Choice,
		Confidence:    opts.Confidence,
		Reason:        reason,
		EvidenceCount: len(opts.Evidence),
		Domain:        opts.Domain,
		CastAt:        e.now(),
	}
	entry := audit.Entry{
		AgentID: opts.AgentID,
		Action: audit.Tool("consensus.vote", map[string]any{
			"proposal_id": v.ProposalID,
			"choice":      v.Choice,
			"confidence":  v.Confidence,
			"evidence":    v.EvidenceCount,
		}),
		Resources: []string{"proposal:" + v.ProposalID},
		Sensitive: redacted,
	}
	if err := checkVote(opts); err != nil {
		return domain.Vote{}, e.Audit.Reject(ctx, entry, err)
	}
	err := e.Audit.Do(ctx, entry, func(tx *sql.Tx, entry *audit.Entry) error {
		p, err := e.Repo.GetProposal(ctx, tx, v.ProposalID)
		if err != nil {
			return err
		}
		entry.SessionID = p.SessionID
		if p.Status != domain.ProposalOpen {
			return fmt.Errorf("proposal %s is %s: %w", p.ID, p.Status, domain.ErrProposalClosed)
		}
		if v.CastAt.After(p.Deadline) {
			return fmt.Errorf("proposal %s deadline passed: %w", p.ID, domain.ErrProposalClosed)
		}
		if len(p.Roster) > 0 && !slices.Contains(p.Roster, v.AgentID) {
			return fmt.Errorf("%s on proposal %s: %w", v.AgentID, p.ID, domain.ErrNotOnRoster)
		}
		if err := e.Repo.RequireActiveSession(ctx, tx, p.SessionID, v.CastAt); err != nil {
			return err
		}
		if err := e.Repo.UpsertVote(ctx, tx, v); err != nil {
			return err
		}
		payload, _ := json.Marshal(v)
		_, err = e.Events.Append(ctx, tx, domain.Event{
			SessionID: p.SessionID,
			Topic:     Topic(p.ID),
			Type:      "vote.cast",
			AgentID:   v.AgentID,
			Payload:   payload,
		})
		return err
	})
	if err != nil {
		return domain.Vote{}, err
	}
	e.Events.Notify()
	return v, nil
}

func checkVote(opts VoteOptions) error {
	if opts.ProposalID == "" || opts.AgentID == "" {
		return fmt.Errorf("proposal and agent required: %w", domain.ErrInvalid)
	}
	switch opts.Choice {
	case domain.ChoiceYes, domain.ChoiceNo, domain.ChoiceAbstain:
	default:
		return fmt.Errorf("unknown choice %q: %w", opts.Choice, domain.ErrInvalid)
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]: %w", opts.Confidence, domain.ErrInvalid)
	}
	return nil
}

// Weights returns the weight function used for aggregation: the agent's
// expertise in the vote's domain times the evidence factor. Unknown agents
// and domains weigh 1.
func (e Engine) Weights(ctx context.Context, tx *sql.Tx, votes []domain.Vote) (WeightFunc, error) {
	profiles := map[string]map[string]float64{}
	for _, v := range votes {
		if _, seen := profiles[v.AgentID]; seen {
			continue
		}
		p, err := e.Repo.GetAgentProfile(ctx, tx, v.AgentID)
		if errors.Is(err, repo.ErrNotFound) {
			profiles[v.AgentID] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles[v.AgentID] = p.Expertise
	}
	return func(v domain.Vote) float64 {
		return expertise(profiles[v.AgentID], v.Domain) * EvidenceFactor(v.EvidenceCount)
	}, nil
}

func expertise(m map[string]float64, d string) float64 {
	if f, ok := m[d]; ok && f > 0 {
		return f
	}
	if f, ok := m["*"]; ok && f > 0 {
		return f
	}
	return 1
}

// Resolve reports the proposal's decision, closing it when quorum is reached
// or its deadline has passed. A closed proposal returns its stored decision.
func (e Engine) Resolve(ctx context.Context, proposalID, agentID string) (Decision, error) {
	if agentID == "" {
		agentID = domain.SystemAgentID
	}
	var (
		d      Decision
		closed bool
	)
	err := e.Audit.Do(ctx, audit.Entry{
		AgentID:   agentID,
		Action:    audit.Tool("consensus.resolve", map[string]any{"proposal_id": proposalID}),
		Resources: []string{"proposal:" + proposalID},
	}, func(tx *sql.Tx, entry *audit.Entry) error {
		closed = false
		p, err := e.Repo.GetProposal(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		entry.SessionID = p.SessionID
		votes, err := e.Repo.ListVotes(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		weight, err := e.Weights(ctx, tx, votes)
		if err != nil {
			return err
		}
		res := Evaluate(p, votes, weight)
		if p.Status != domain.ProposalOpen {
			d = stored(p, res.Tally)
			return nil
		}
		now := e.now()
		status := domain.ProposalDecided
		switch {
		case res.Decided:
		case now.After(p.Deadline):
			status = domain.ProposalExpired
			res.Outcome = ""
		default:
			d = Decision{ProposalID: p.ID, Status: DecisionPending, AggregateConfidence: res.AggregateConfidence, Tally: res.Tally}
			return nil
		}
		ok, err := e.Repo.CloseProposal(ctx, tx, p.ID, status, res.Outcome, res.AggregateConfidence, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("proposal %s closed concurrently: %w", p.ID, domain.ErrConflict)
		}
		d = Decision{ProposalID: p.ID, Status: status, Outcome: res.Outcome, AggregateConfidence: res.AggregateConfidence, Tally: res.Tally, DecidedAt: &now}
		confidence := 0.0
		if res.AggregateConfidence != nil {
			confidence = *res.AggregateConfidence
		}
		entry.Action = domain.DecisionAction{ProposalID: p.ID, Status: status, Outcome: res.Outcome, Confidence: confidence}
		payload, _ := json.Marshal(d)
		if _, err := e.Events.Append(ctx, tx, domain.Event{
			SessionID: p.SessionID,
			Topic:     Topic(p.ID),
			Type:      "proposal." + status,
			AgentID:   agentID,
			Payload:   payload,
		}); err != nil {
			return err
		}
		closed = true
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	if closed {
		e.Events.Notify()
	}
	return d, nil
}

func stored(p domain.Proposal, t Tally) Decision {
	status := p.Status
	if status == domain.ProposalOpen {
		status = DecisionPending
	}
	return Decision{
		ProposalID:          p.ID,
		Status:              status,
		Outcome:             p.Outcome,
		AggregateConfidence: p.AggregateConfidence,
		Tally:               t,
		DecidedAt:           p.DecidedAt,
	}
}

// CloseOverdue resolves every open proposal past its deadline. Proposals that
// reached quorum are decided; the rest expire.
func (e Engine) CloseOverdue(ctx context.Context) ([]Decision, error) {
	ids, err := e.Repo.OverdueProposals(ctx, e.now())
	if err != nil {
		return nil, repo.Wrap("proposal sweep", err)
	}
	var out []Decision
	for _, id := range ids {
		d, err := e.Resolve(ctx, id, domain.SystemAgentID)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, nil, id)
	if err != nil {
		return p, repo.Wrap("proposal get", err)
	}
	return p, nil
}

func (e Engine) Votes(ctx context.Context, id string) ([]domain.Vote, error) {
	votes, err := e.Repo.ListVotes(ctx, nil, id)
	if err != nil {
		return nil, repo.Wrap("proposal votes", err)
	}
	return votes, nil
}

func (e Engine) List(ctx context.Context, sessionID, status string) ([]domain.Proposal, error) {
	ps, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{SessionID: sessionID, Status: status})
	if err != nil {
		return nil, repo.Wrap("proposal list", err)
	}
	return ps, nil
}
