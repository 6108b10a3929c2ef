// Package mcptools exposes the coordination primitives as MCP tools so an
// agent host can drive a session over stdio. One server speaks for one agent.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"coordline/internal/blackboard"
	"coordline/internal/consensus"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/taskq"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Tool pairs a definition with its handler.
type Tool struct {
	Definition mcp.Tool
	Handle     server.ToolHandlerFunc
}

// Tools binds the tool handlers to an engine and the agent they act as.
type Tools struct {
	Engine  engine.Engine
	AgentID string
}

// NewServer builds the MCP server with every coordination tool registered.
func NewServer(e engine.Engine, agentID string) *server.MCPServer {
	s := server.NewMCPServer(
		"coordline",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions(agentID)),
	)
	for _, t := range (Tools{Engine: e, AgentID: agentID}).All() {
		s.AddTool(t.Definition, t.Handle)
	}
	return s
}

func instructions(agentID string) string {
	return fmt.Sprintf(`You are agent %q in a coordline session.
Call coord_join first (without session_id to start a session), then use the
returned session id for every other tool. Locks and task claims are leases:
renew or finish them before they expire. Call coord_leave when done.`, agentID)
}

// All returns the tool set in registration order.
func (t Tools) All() []Tool {
	sessionArg := mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id returned by coord_join"))
	return []Tool{
		{mcp.NewTool("coord_join",
			mcp.WithDescription("Join a session, or start one when session_id is empty"),
			mcp.WithString("session_id", mcp.Description("Existing session to join")),
			mcp.WithString("context", mcp.Description("JSON object describing the session goal (new sessions only)")),
		), t.join},
		{mcp.NewTool("coord_leave",
			mcp.WithDescription("Leave a session and get the participation summary"),
			sessionArg,
			mcp.WithString("outcome", mcp.Enum(domain.SessionCompleted, domain.SessionAborted)),
		), t.leave},
		{mcp.NewTool("coord_state_put",
			mcp.WithDescription("Compare-and-set a blackboard key. expected_version 0 creates the key"),
			sessionArg,
			mcp.WithString("key", mcp.Required()),
			mcp.WithString("value", mcp.Required(), mcp.Description("JSON value")),
			mcp.WithNumber("expected_version", mcp.Required()),
		), t.statePut},
		{mcp.NewTool("coord_state_get",
			mcp.WithDescription("Read a blackboard key with its version"),
			sessionArg,
			mcp.WithString("key", mcp.Required()),
		), t.stateGet},
		{mcp.NewTool("coord_finding",
			mcp.WithDescription("Record a finding on the shared blackboard"),
			sessionArg,
			mcp.WithString("category", mcp.Required(), mcp.Enum(domain.CategoryObservation, domain.CategoryHypothesis, domain.CategoryConclusion)),
			mcp.WithString("content", mcp.Required()),
			mcp.WithNumber("confidence", mcp.Required(), mcp.Description("0..1")),
			mcp.WithArray("evidence", mcp.Items(map[string]any{"type": "string"})),
			mcp.WithString("supersedes", mcp.Description("Id of a finding this one replaces")),
		), t.finding},
		{mcp.NewTool("coord_findings",
			mcp.WithDescription("List findings in timestamp order"),
			sessionArg,
			mcp.WithString("category"),
			mcp.WithBoolean("current", mcp.Description("Hide superseded findings")),
			mcp.WithNumber("limit"),
		), t.findings},
		{mcp.NewTool("coord_lock_acquire",
			mcp.WithDescription("Acquire a leased lock on a resource"),
			sessionArg,
			mcp.WithString("resource", mcp.Required()),
			mcp.WithNumber("ttl_ms"),
			mcp.WithNumber("wait_ms", mcp.Description("Block up to this long for the lock")),
		), t.lockAcquire},
		{mcp.NewTool("coord_lock_release",
			mcp.WithDescription("Release a lock you hold"),
			sessionArg,
			mcp.WithString("resource", mcp.Required()),
		), t.lockRelease},
		{mcp.NewTool("coord_task_create",
			mcp.WithDescription("Enqueue a task"),
			sessionArg,
			mcp.WithString("type", mcp.Required()),
			mcp.WithString("params", mcp.Description("JSON parameters")),
			mcp.WithNumber("priority"),
		), t.taskCreate},
		{mcp.NewTool("coord_task_claim",
			mcp.WithDescription("Claim the best pending task"),
			sessionArg,
			mcp.WithArray("types", mcp.Items(map[string]any{"type": "string"})),
		), t.taskClaim},
		{mcp.NewTool("coord_task_complete",
			mcp.WithDescription("Complete a task you claimed"),
			sessionArg,
			mcp.WithString("task_id", mcp.Required()),
			mcp.WithString("result", mcp.Description("JSON result")),
		), t.taskComplete},
		{mcp.NewTool("coord_task_fail",
			mcp.WithDescription("Fail a task you claimed; it is retried while budget remains"),
			sessionArg,
			mcp.WithString("task_id", mcp.Required()),
			mcp.WithString("reason"),
		), t.taskFail},
		{mcp.NewTool("coord_publish",
			mcp.WithDescription("Publish an event on a topic"),
			sessionArg,
			mcp.WithString("topic", mcp.Required()),
			mcp.WithString("type", mcp.Required()),
			mcp.WithString("payload", mcp.Description("JSON payload")),
		), t.publish},
		{mcp.NewTool("coord_propose",
			mcp.WithDescription("Open a proposal for the session to vote on"),
			sessionArg,
			mcp.WithString("description", mcp.Required()),
			mcp.WithString("rule", mcp.Enum(domain.RuleMajority, domain.RuleUnanimous, domain.RuleThreshold)),
			mcp.WithNumber("threshold"),
			mcp.WithNumber("deadline_seconds"),
		), t.propose},
		{mcp.NewTool("coord_vote",
			mcp.WithDescription("Cast or replace your vote on a proposal"),
			sessionArg,
			mcp.WithString("proposal_id", mcp.Required()),
			mcp.WithString("choice", mcp.Required(), mcp.Enum(domain.ChoiceYes, domain.ChoiceNo, domain.ChoiceAbstain)),
			mcp.WithNumber("confidence", mcp.Required()),
			mcp.WithString("reason"),
			mcp.WithArray("evidence", mcp.Items(map[string]any{"type": "string"})),
		), t.vote},
		{mcp.NewTool("coord_resolve",
			mcp.WithDescription("Evaluate the votes and close the proposal if decided"),
			sessionArg,
			mcp.WithString("proposal_id", mcp.Required()),
		), t.resolve},
	}
}

func (t Tools) session(ctx context.Context, req mcp.CallToolRequest) (*engine.Session, error) {
	sid, err := req.RequireString("session_id")
	if err != nil {
		return nil, err
	}
	return t.Engine.Attach(ctx, t.AgentID, sid)
}

// result renders v as JSON text. Coordination errors become tool errors so the
// model can react to them; nothing is returned as a protocol error.
func result(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func describe(err error) string {
	var ce *domain.ConflictError
	switch {
	case errors.As(err, &ce):
		return fmt.Sprintf("conflict: %s is at version %d; re-read and retry", ce.Key, ce.Current)
	case errors.Is(err, domain.ErrNotHolder):
		return "not_holder: " + err.Error()
	case errors.Is(err, domain.ErrExpired):
		return "expired: " + err.Error()
	case errors.Is(err, domain.ErrSessionClosed):
		return "session_closed: " + err.Error()
	default:
		return err.Error()
	}
}

// jsonArg accepts JSON text; anything else is stored as a JSON string.
func jsonArg(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func (t Tools) join(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.Engine.Join(ctx, t.AgentID, req.GetString("session_id", ""), engine.JoinOptions{
		Context: jsonArg(req.GetString("context", "")),
	})
	if err != nil {
		return result(nil, err)
	}
	sess, err := t.Engine.GetSession(ctx, s.ID)
	return result(sess, err)
}

func (t Tools) leave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	return result(s.Leave(ctx, req.GetString("outcome", "")))
}

func (t Tools) statePut(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	key, err := req.RequireString("key")
	if err != nil {
		return result(nil, err)
	}
	value, err := req.RequireString("value")
	if err != nil {
		return result(nil, err)
	}
	v, err := s.Put(ctx, key, jsonArg(value), int64(req.GetInt("expected_version", 0)))
	return result(map[string]any{"key": key, "version": v}, err)
}

func (t Tools) stateGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	key, err := req.RequireString("key")
	if err != nil {
		return result(nil, err)
	}
	return result(s.Get(ctx, key))
}

func (t Tools) finding(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	id, err := s.AppendFinding(ctx, domain.FindingPayload{
		Category:   req.GetString("category", ""),
		Content:    req.GetString("content", ""),
		Confidence: req.GetFloat("confidence", 0),
		Evidence:   req.GetStringSlice("evidence", nil),
		Supersedes: req.GetString("supersedes", ""),
	})
	return result(map[string]string{"id": id}, err)
}

func (t Tools) findings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	items, _, err := t.Engine.Board.FindingsPage(ctx, s.ID, blackboard.FindingFilter{
		Category: req.GetString("category", ""),
		Current:  req.GetBool("current", false),
		PageSize: req.GetInt("limit", 50),
	})
	return result(items, err)
}

func (t Tools) lockAcquire(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return result(nil, err)
	}
	ttl := time.Duration(req.GetInt("ttl_ms", 0)) * time.Millisecond
	if wait := req.GetInt("wait_ms", 0); wait > 0 {
		return result(s.AcquireWait(ctx, resource, ttl, time.Duration(wait)*time.Millisecond))
	}
	return result(s.Acquire(ctx, resource, ttl))
}

func (t Tools) lockRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return result(nil, err)
	}
	return result(map[string]any{"released": resource}, s.Release(ctx, resource))
}

func (t Tools) taskCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	return result(s.CreateTask(ctx, taskq.CreateOptions{
		Type:     req.GetString("type", ""),
		Params:   jsonArg(req.GetString("params", "")),
		Priority: req.GetInt("priority", 0),
	}))
}

func (t Tools) taskClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	task, err := s.Claim(ctx, req.GetStringSlice("types", nil)...)
	if err == nil && task == nil {
		return mcp.NewToolResultText("no claimable task"), nil
	}
	return result(task, err)
}

func (t Tools) taskComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	id, err := req.RequireString("task_id")
	if err != nil {
		return result(nil, err)
	}
	return result(s.Complete(ctx, id, jsonArg(req.GetString("result", ""))))
}

func (t Tools) taskFail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	id, err := req.RequireString("task_id")
	if err != nil {
		return result(nil, err)
	}
	status, err := s.Fail(ctx, id, req.GetString("reason", ""))
	return result(map[string]string{"id": id, "status": status}, err)
}

func (t Tools) publish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	return result(s.Publish(ctx, req.GetString("topic", ""), req.GetString("type", ""), jsonArg(req.GetString("payload", ""))))
}

func (t Tools) propose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	opts := consensus.OpenOptions{
		Description: req.GetString("description", ""),
		Rule:        req.GetString("rule", domain.RuleMajority),
		Threshold:   req.GetFloat("threshold", 0),
	}
	if secs := req.GetInt("deadline_seconds", 0); secs > 0 {
		now := time.Now
		if t.Engine.Now != nil {
			now = t.Engine.Now
		}
		opts.Deadline = now().Add(time.Duration(secs) * time.Second)
	}
	return result(s.Propose(ctx, opts))
}

func (t Tools) vote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	return result(s.Vote(ctx, domain.VotePayload{
		ProposalID: req.GetString("proposal_id", ""),
		Choice:     req.GetString("choice", ""),
		Confidence: req.GetFloat("confidence", 0),
		Reason:     req.GetString("reason", ""),
		Evidence:   req.GetStringSlice("evidence", nil),
	}))
}

func (t Tools) resolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.session(ctx, req)
	if err != nil {
		return result(nil, err)
	}
	id, err := req.RequireString("proposal_id")
	if err != nil {
		return result(nil, err)
	}
	return result(s.Resolve(ctx, id))
}
