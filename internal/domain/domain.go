package domain

import (
	"encoding/json"
	"time"
)

// SystemAgentID attributes actions the platform takes on its own, such as
// janitor sweeps.
const SystemAgentID = "coordline"

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionAborted   = "aborted"
)

type Session struct {
	ID          string          `json:"id"`
	InitiatorID string          `json:"initiator_id"`
	Context     json.RawMessage `json:"context,omitempty"`
	Status      string          `json:"status" enum:"active,completed,aborted"`
	CreatedAt   time.Time       `json:"created_at" format:"date-time"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty" format:"date-time"`
	EndedAt     *time.Time      `json:"ended_at,omitempty" format:"date-time"`
}

type Participant struct {
	SessionID string     `json:"session_id"`
	AgentID   string     `json:"agent_id"`
	JoinedAt  time.Time  `json:"joined_at" format:"date-time"`
	LeftAt    *time.Time `json:"left_at,omitempty" format:"date-time"`
	Outcome   string     `json:"outcome,omitempty"`
}

const (
	CategoryObservation = "observation"
	CategoryHypothesis  = "hypothesis"
	CategoryConclusion  = "conclusion"
)

type Finding struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	Category   string    `json:"category" enum:"observation,hypothesis,conclusion"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence" minimum:"0" maximum:"1"`
	Evidence   []string  `json:"evidence,omitempty"`
	Supersedes string    `json:"supersedes,omitempty"`
	Redacted   bool      `json:"redacted,omitempty"`
	Seq        int64     `json:"seq"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

type StateEntry struct {
	SessionID string          `json:"session_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at" format:"date-time"`
}

const (
	TaskPending   = "pending"
	TaskAssigned  = "assigned"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

type Task struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Type           string          `json:"type"`
	Params         json.RawMessage `json:"params,omitempty"`
	Priority       int             `json:"priority"`
	Status         string          `json:"status" enum:"pending,assigned,running,completed,failed"`
	AssignedTo     *string         `json:"assigned_to,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailReason     string          `json:"fail_reason,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxRetries     int             `json:"max_retries"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt      time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time       `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transition is possible. A failed task
// that still has retry budget is stored as pending, so failed is always final.
func (t Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

type Lock struct {
	ResourceID string        `json:"resource_id"`
	HolderID   string        `json:"holder_id"`
	AcquiredAt time.Time     `json:"acquired_at" format:"date-time"`
	ExpiresAt  time.Time     `json:"expires_at" format:"date-time"`
	TTL        time.Duration `json:"ttl_ns"`
}

// Expired reports whether the lease has lapsed at now. A lease is still held
// at the instant ExpiresAt.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

const (
	RuleMajority  = "majority"
	RuleUnanimous = "unanimous"
	RuleThreshold = "threshold"
)

const (
	ProposalOpen    = "open"
	ProposalDecided = "decided"
	ProposalExpired = "expired"
)

type Proposal struct {
	ID                  string     `json:"id"`
	SessionID           string     `json:"session_id"`
	Description         string     `json:"description"`
	Rule                string     `json:"rule" enum:"majority,unanimous,threshold"`
	Threshold           float64    `json:"threshold,omitempty"`
	Roster              []string   `json:"roster,omitempty"`
	Deadline            time.Time  `json:"deadline" format:"date-time"`
	Status              string     `json:"status" enum:"open,decided,expired"`
	Outcome             string     `json:"outcome,omitempty" enum:"yes,no"`
	AggregateConfidence *float64   `json:"aggregate_confidence,omitempty"`
	CreatedBy           string     `json:"created_by"`
	CreatedAt           time.Time  `json:"created_at" format:"date-time"`
	DecidedAt           *time.Time `json:"decided_at,omitempty" format:"date-time"`
}

const (
	ChoiceYes     = "yes"
	ChoiceNo      = "no"
	ChoiceAbstain = "abstain"
)

type Vote struct {
	ProposalID    string    `json:"proposal_id"`
	AgentID       string    `json:"agent_id"`
	Choice        string    `json:"choice" enum:"yes,no,abstain"`
	Confidence    float64   `json:"confidence" minimum:"0" maximum:"1"`
	Reason        string    `json:"reason,omitempty"`
	EvidenceCount int       `json:"evidence_count"`
	Domain        string    `json:"domain,omitempty"`
	CastAt        time.Time `json:"cast_at" format:"date-time"`
}

type Event struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        time.Time       `json:"ts" format:"date-time"`
}

type AgentProfile struct {
	AgentID   string             `json:"agent_id"`
	Expertise map[string]float64 `json:"expertise,omitempty"`
	UpdatedAt time.Time          `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}
