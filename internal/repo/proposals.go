package repo

import (
	"context"
	"database/sql"
	"time"

	"coordline/internal/domain"
)

const proposalColumns = `id,session_id,description,rule,threshold,roster_json,deadline,status,outcome,aggregate_confidence,created_by,created_at,decided_at`

func scanProposal(row interface{ Scan(...any) error }) (domain.Proposal, error) {
	var (
		p                 domain.Proposal
		roster, outcome   sql.NullString
		aggregate         sql.NullFloat64
		deadline, created int64
		decided           sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.SessionID, &p.Description, &p.Rule, &p.Threshold, &roster, &deadline, &p.Status, &outcome,
		&aggregate, &p.CreatedBy, &created, &decided); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	var err error
	if p.Roster, err = unmarshalList(roster); err != nil {
		return p, err
	}
	p.Deadline = FromTS(deadline)
	p.Outcome = outcome.String
	if aggregate.Valid {
		v := aggregate.Float64
		p.AggregateConfidence = &v
	}
	p.CreatedAt = FromTS(created)
	p.DecidedAt = timePtr(decided)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	roster, err := marshalList(p.Roster)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO proposals(id,session_id,description,rule,threshold,roster_json,deadline,status,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SessionID, p.Description, p.Rule, p.Threshold, roster, TS(p.Deadline), p.Status, p.CreatedBy, TS(p.CreatedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(r.conn(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

type ProposalFilters struct {
	SessionID string
	Status    string
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += ` AND session_id=?`
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// OverdueProposals lists open proposals whose deadline has passed.
func (r Repo) OverdueProposals(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM proposals WHERE status='open' AND deadline < ?`, TS(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CloseProposal moves an open proposal to its final status. The status guard
// makes a second close a no-op, which keeps decisions exactly-once.
func (r Repo) CloseProposal(ctx context.Context, tx *sql.Tx, id, status, outcome string, aggregate *float64, at time.Time) (bool, error) {
	var agg any
	if aggregate != nil {
		agg = *aggregate
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE proposals SET status=?, outcome=?, aggregate_confidence=?, decided_at=? WHERE id=? AND status='open'`,
		status, nullable(outcome), agg, TS(at), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// UpsertVote stores v, replacing the agent's earlier vote.
func (r Repo) UpsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO votes(proposal_id,agent_id,choice,confidence,reason,evidence_count,domain,cast_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(proposal_id, agent_id) DO UPDATE SET choice=excluded.choice, confidence=excluded.confidence, reason=excluded.reason,
 evidence_count=excluded.evidence_count, domain=excluded.domain, cast_at=excluded.cast_at`,
		v.ProposalID, v.AgentID, v.Choice, v.Confidence, nullable(v.Reason), v.EvidenceCount, nullable(v.Domain), TS(v.CastAt))
	return err
}

// ListVotes returns votes ordered by agent so evaluation never sees arrival order.
func (r Repo) ListVotes(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.Vote, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT proposal_id,agent_id,choice,confidence,COALESCE(reason,''),evidence_count,COALESCE(domain,''),cast_at
FROM votes WHERE proposal_id=? ORDER BY agent_id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var (
			v    domain.Vote
			cast int64
		)
		if err := rows.Scan(&v.ProposalID, &v.AgentID, &v.Choice, &v.Confidence, &v.Reason, &v.EvidenceCount, &v.Domain, &cast); err != nil {
			return nil, err
		}
		v.CastAt = FromTS(cast)
		res = append(res, v)
	}
	return res, rows.Err()
}
