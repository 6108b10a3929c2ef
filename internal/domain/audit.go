package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind is the closed set of things an audit entry can describe.
type ActionKind string

const (
	ActionTool     ActionKind = "tool"
	ActionSkill    ActionKind = "skill"
	ActionExternal ActionKind = "external"
	ActionDecision ActionKind = "decision"
	ActionError    ActionKind = "error"
)

// Action is implemented only by the variant structs below.
type Action interface {
	Kind() ActionKind
	Name() string
	isAction()
}

// ToolAction covers platform operations (lock.acquire, task.claim, …) and
// worker-reported tool invocations.
type ToolAction struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type SkillAction struct {
	Skill string `json:"skill"`
	Input string `json:"input,omitempty"`
}

type ExternalAction struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint,omitempty"`
	Method   string `json:"method,omitempty"`
}

type DecisionAction struct {
	ProposalID string  `json:"proposal_id"`
	Status     string  `json:"status"`
	Outcome    string  `json:"outcome,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type ErrorAction struct {
	Op      string `json:"op"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (ToolAction) Kind() ActionKind     { return ActionTool }
func (SkillAction) Kind() ActionKind    { return ActionSkill }
func (ExternalAction) Kind() ActionKind { return ActionExternal }
func (DecisionAction) Kind() ActionKind { return ActionDecision }
func (ErrorAction) Kind() ActionKind    { return ActionError }

func (a ToolAction) Name() string  { return a.Tool }
func (a SkillAction) Name() string { return a.Skill }
func (a ExternalAction) Name() string {
	if a.Endpoint == "" {
		return a.Service
	}
	return a.Service + ":" + a.Endpoint
}
func (a DecisionAction) Name() string { return "proposal." + a.Status }
func (a ErrorAction) Name() string    { return a.Op }

func (ToolAction) isAction()     {}
func (SkillAction) isAction()    {}
func (ExternalAction) isAction() {}
func (DecisionAction) isAction() {}
func (ErrorAction) isAction()    {}

// DecodeAction rebuilds the variant stored under kind.
func DecodeAction(kind ActionKind, details []byte) (Action, error) {
	if len(details) == 0 {
		details = []byte("{}")
	}
	var (
		a   Action
		err error
	)
	switch kind {
	case ActionTool:
		var v ToolAction
		err = json.Unmarshal(details, &v)
		a = v
	case ActionSkill:
		var v SkillAction
		err = json.Unmarshal(details, &v)
		a = v
	case ActionExternal:
		var v ExternalAction
		err = json.Unmarshal(details, &v)
		a = v
	case ActionDecision:
		var v DecisionAction
		err = json.Unmarshal(details, &v)
		a = v
	case ActionError:
		var v ErrorAction
		err = json.Unmarshal(details, &v)
		a = v
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s action: %w", kind, err)
	}
	return a, nil
}

const (
	OutcomeOK        = "ok"
	OutcomeDenied    = "denied"
	OutcomeConflict  = "conflict"
	OutcomeNotHolder = "not_holder"
	OutcomeExpired   = "expired"
	OutcomeEmpty     = "empty"
	OutcomeError     = "error"
)

type AuditEntry struct {
	Seq                   int64         `json:"seq,omitempty"`
	ID                    string        `json:"id"`
	Timestamp             time.Time     `json:"timestamp" format:"date-time"`
	AgentID               string        `json:"agent_id"`
	SessionID             string        `json:"session_id,omitempty"`
	Action                Action        `json:"-"`
	ActionType            ActionKind    `json:"action_type" enum:"tool,skill,external,decision,error"`
	ActionName            string        `json:"action_name"`
	Details               string        `json:"details,omitempty"`
	Outcome               string        `json:"outcome"`
	Resources             []string      `json:"resources,omitempty"`
	RedactionApplied      bool          `json:"redaction_applied"`
	SensitiveDataAccessed bool          `json:"sensitive_data_accessed"`
	Duration              time.Duration `json:"duration_ns"`
}

// ExportRecord is the flat audit contract consumed by external reporting.
type ExportRecord struct {
	ID                    string   `json:"id"`
	Timestamp             string   `json:"timestamp"`
	AgentID               string   `json:"agent_id"`
	SessionID             string   `json:"session_id"`
	ActionType            string   `json:"action_type"`
	ActionName            string   `json:"action_name"`
	OutcomeStatus         string   `json:"outcome_status"`
	ResourcesAccessed     []string `json:"resources_accessed"`
	SensitiveDataAccessed bool     `json:"sensitive_data_accessed"`
	DurationMS            int64    `json:"duration_ms"`
}

func (e AuditEntry) Export() ExportRecord {
	resources := e.Resources
	if resources == nil {
		resources = []string{}
	}
	return ExportRecord{
		ID:                    e.ID,
		Timestamp:             e.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentID:               e.AgentID,
		SessionID:             e.SessionID,
		ActionType:            string(e.ActionType),
		ActionName:            e.ActionName,
		OutcomeStatus:         e.Outcome,
		ResourcesAccessed:     resources,
		SensitiveDataAccessed: e.SensitiveDataAccessed || e.RedactionApplied,
		DurationMS:            e.Duration.Milliseconds(),
	}
}
