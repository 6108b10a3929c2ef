package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MessageFinding  = "finding"
	MessageAction   = "action"
	MessageRequest  = "request"
	MessageResponse = "response"
	MessageVote     = "vote"
)

// Message is the transport-independent envelope workers send.
type Message struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp" format:"date-time"`
	SessionID string          `json:"session_id"`
	AgentID   string          `json:"agent_id"`
	Kind      string          `json:"kind" enum:"finding,action,request,response,vote"`
	Payload   json.RawMessage `json:"payload"`
}

type FindingPayload struct {
	Category   string   `json:"category"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
	Supersedes string   `json:"supersedes,omitempty"`
}

type VotePayload struct {
	ProposalID string   `json:"proposal_id"`
	Choice     string   `json:"choice"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
	Domain     string   `json:"domain,omitempty"`
}

// ActionPayload is a worker-reported action. Kind selects which of the
// variant fields is read.
type ActionPayload struct {
	Kind       ActionKind      `json:"kind"`
	Tool       *ToolAction     `json:"tool,omitempty"`
	Skill      *SkillAction    `json:"skill,omitempty"`
	External   *ExternalAction `json:"external,omitempty"`
	Error      *ErrorAction    `json:"error,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	Resources  []string        `json:"resources,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Sensitive  bool            `json:"sensitive,omitempty"`
}

// Action returns the variant selected by Kind. Decisions are only ever
// recorded by the platform, never reported by workers.
func (p ActionPayload) Action() (Action, error) {
	switch p.Kind {
	case ActionTool:
		if p.Tool != nil && p.Tool.Tool != "" {
			return *p.Tool, nil
		}
	case ActionSkill:
		if p.Skill != nil && p.Skill.Skill != "" {
			return *p.Skill, nil
		}
	case ActionExternal:
		if p.External != nil && p.External.Service != "" {
			return *p.External, nil
		}
	case ActionError:
		if p.Error != nil && p.Error.Op != "" {
			return *p.Error, nil
		}
	case ActionDecision:
		return nil, fmt.Errorf("decision actions cannot be reported: %w", ErrInvalid)
	default:
		return nil, fmt.Errorf("unknown action kind %q: %w", p.Kind, ErrInvalid)
	}
	return nil, fmt.Errorf("%s action without a %s body: %w", p.Kind, p.Kind, ErrInvalid)
}

type ConversationPayload struct {
	Topic   string          `json:"topic,omitempty"`
	Body    json.RawMessage `json:"body"`
	ReplyTo string          `json:"reply_to,omitempty"`
}
