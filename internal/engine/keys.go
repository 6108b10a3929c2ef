package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"coordline/internal/audit"
	"coordline/internal/domain"
	"coordline/internal/repo"
)

const apiKeyPrefix = "cl_"

// IssuedKey carries the plaintext key. It is only available at issue time.
type IssuedKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// IssueAPIKey mints a key for agentID. Only its hash is stored.
func (e Engine) IssueAPIKey(ctx context.Context, agentID, name string) (IssuedKey, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return IssuedKey{}, fmt.Errorf("agent required: %w", domain.ErrInvalid)
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return IssuedKey{}, err
	}
	plain := apiKeyPrefix + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now(),
	}
	err := e.Audit.Do(ctx, audit.Entry{
		AgentID:   agentID,
		Action:    audit.Tool("agent.key_issue", map[string]any{"key_id": key.ID, "name": name}),
		Resources: []string{"agent:" + agentID},
		Sensitive: true,
	}, func(tx *sql.Tx, _ *audit.Entry) error {
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{APIKey: key, Key: plain}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, agentID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, agentID)
	if err != nil {
		return nil, repo.Wrap("list api keys", err)
	}
	return keys, nil
}

// RevokeAPIKey deletes the key with id; actor is recorded as the revoker.
func (e Engine) RevokeAPIKey(ctx context.Context, actor, id string) error {
	if actor == "" {
		actor = domain.SystemAgentID
	}
	return e.Audit.Do(ctx, audit.Entry{
		AgentID:   actor,
		Action:    audit.Tool("agent.key_revoke", map[string]any{"key_id": id}),
		Resources: []string{"api_key:" + id},
	}, func(tx *sql.Tx, _ *audit.Entry) error {
		ok, err := e.Repo.DeleteAPIKey(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("api key %s: %w", id, repo.ErrNotFound)
		}
		return nil
	})
}
