package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"coordline/internal/domain"
)

func (r Repo) UpsertAgentProfile(ctx context.Context, tx *sql.Tx, p domain.AgentProfile) error {
	expertise := p.Expertise
	if expertise == nil {
		expertise = map[string]float64{}
	}
	data, err := json.Marshal(expertise)
	if err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO agent_profiles(agent_id, expertise_json, updated_at) VALUES (?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET expertise_json=excluded.expertise_json, updated_at=excluded.updated_at`,
		p.AgentID, string(data), TS(p.UpdatedAt))
	return err
}

func (r Repo) GetAgentProfile(ctx context.Context, tx *sql.Tx, agentID string) (domain.AgentProfile, error) {
	var (
		p       domain.AgentProfile
		data    string
		updated int64
	)
	err := r.conn(tx).QueryRowContext(ctx, `SELECT agent_id, expertise_json, updated_at FROM agent_profiles WHERE agent_id=?`, agentID).
		Scan(&p.AgentID, &data, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(data), &p.Expertise); err != nil {
		return p, err
	}
	p.UpdatedAt = FromTS(updated)
	return p, nil
}

func (r Repo) ListAgentProfiles(ctx context.Context) ([]domain.AgentProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id, expertise_json, updated_at FROM agent_profiles ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentProfile
	for rows.Next() {
		var (
			p       domain.AgentProfile
			data    string
			updated int64
		)
		if err := rows.Scan(&p.AgentID, &data, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &p.Expertise); err != nil {
			return nil, err
		}
		p.UpdatedAt = FromTS(updated)
		res = append(res, p)
	}
	return res, rows.Err()
}

// ReplaceAgentProfiles seeds profiles from configuration inside tx.
func (r Repo) ReplaceAgentProfiles(ctx context.Context, tx *sql.Tx, profiles []domain.AgentProfile) error {
	for _, p := range profiles {
		if err := r.UpsertAgentProfile(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}
