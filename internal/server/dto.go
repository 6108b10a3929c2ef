package server

import (
	"encoding/json"
	"time"

	"coordline/internal/domain"
	"coordline/internal/lock"
)

// Request payloads

type JoinRequest struct {
	Context    json.RawMessage `json:"context,omitempty"`
	TTLSeconds int             `json:"ttl_seconds,omitempty" minimum:"0"`
}

type LeaveRequest struct {
	Outcome string `json:"outcome,omitempty" enum:"completed,aborted"`
}

type PutStateRequest struct {
	Value json.RawMessage `json:"value"`
	// ExpectedVersion is 0 to create the key.
	ExpectedVersion int64 `json:"expected_version" minimum:"0"`
}

type LockRequest struct {
	Resource string `json:"resource"`
	TTLMS    int64  `json:"ttl_ms,omitempty" minimum:"0"`
	// WaitMS makes acquire block up to this long for the lock.
	WaitMS int64 `json:"wait_ms,omitempty" minimum:"0"`
}

type CreateTaskRequest struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty" minimum:"0"`
}

type ClaimRequest struct {
	Types []string `json:"types,omitempty"`
}

type CompleteTaskRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type FailTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PublishRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AckRequest struct {
	Seq int64 `json:"seq" minimum:"0"`
}

type ProposeRequest struct {
	Description string     `json:"description"`
	Rule        string     `json:"rule" enum:"majority,unanimous,threshold"`
	Threshold   float64    `json:"threshold,omitempty" minimum:"0" maximum:"1"`
	Deadline    *time.Time `json:"deadline,omitempty" format:"date-time"`
	Roster      []string   `json:"roster,omitempty"`
}

type VoteRequest struct {
	Choice     string   `json:"choice" enum:"yes,no,abstain"`
	Confidence float64  `json:"confidence" minimum:"0" maximum:"1"`
	Reason     string   `json:"reason,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
	Domain     string   `json:"domain,omitempty"`
}

// DispatchRequest is a worker message envelope. The agent comes from the
// credentials; id and timestamp are filled in when absent.
type DispatchRequest struct {
	ID        string          `json:"id,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty" format:"date-time"`
	SessionID string          `json:"session_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Kind      string          `json:"kind" enum:"finding,action,request,response,vote"`
	Payload   json.RawMessage `json:"payload"`
}

type TokenRequest struct {
	AgentID    string `json:"agent_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Responses

type SessionResponse struct {
	Session      domain.Session       `json:"session"`
	Participants []domain.Participant `json:"participants"`
}

type StateVersionResponse struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

type FindingCreatedResponse struct {
	ID string `json:"id"`
}

type FindingsPage struct {
	Items      []domain.Finding `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type LockResponse struct {
	Granted bool        `json:"granted"`
	Lock    domain.Lock `json:"lock"`
}

type ClaimResponse struct {
	// Task is absent when nothing was claimable.
	Task *domain.Task `json:"task,omitempty"`
}

type FailTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type EventsPage struct {
	Items []domain.Event `json:"items"`
	Next  int64          `json:"next"`
}

type ProposalResponse struct {
	Proposal domain.Proposal `json:"proposal"`
	Votes    []domain.Vote   `json:"votes"`
}

type AuditPage struct {
	Items      []domain.ExportRecord `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type output[T any] struct {
	Body T
}

func out[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

func lockResponse(g lock.Grant) LockResponse {
	return LockResponse{Granted: g.Granted, Lock: g.Lock}
}

func sessionResponse(s domain.Session, ps []domain.Participant) SessionResponse {
	return SessionResponse{Session: s, Participants: nonNilSlice(ps)}
}

func proposalResponse(p domain.Proposal, votes []domain.Vote) ProposalResponse {
	return ProposalResponse{Proposal: p, Votes: nonNilSlice(votes)}
}

func exportRecords(entries []domain.AuditEntry) []domain.ExportRecord {
	res := make([]domain.ExportRecord, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.Export())
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
