package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"coordline/internal/audit"
	"coordline/internal/blackboard"
	"coordline/internal/config"
	"coordline/internal/consensus"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/migrate"
	"coordline/internal/repo"
	"coordline/internal/taskq"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	red, err := audit.NewRedactor(cfg.Audit.RedactPatterns)
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{Ctx: context.Background(), now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	env.Engine = engine.New(conn, cfg, red).WithClock(env.clock)
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *testEnv) join(t *testing.T, agent, session string) *engine.Session {
	t.Helper()
	s, err := e.Engine.Join(e.Ctx, agent, session, engine.JoinOptions{})
	if err != nil {
		t.Fatalf("join %s: %v", agent, err)
	}
	return s
}

func (e *testEnv) countAudit(t *testing.T, f audit.Filter) int {
	t.Helper()
	n := 0
	for _, err := range e.Engine.Audit.Query(e.Ctx, f) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	return n
}

func TestJoinAndLeaveLifecycle(t *testing.T) {
	env := newTestEnv(t)
	lead, err := env.Engine.Join(env.Ctx, "lead", "", engine.JoinOptions{Context: json.RawMessage(`{"goal":"triage","password":"hunter2"}`)})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := env.Engine.GetSession(env.Ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.InitiatorID != "lead" || sess.Status != domain.SessionActive || sess.ExpiresAt == nil {
		t.Fatalf("unexpected session %+v", sess)
	}
	var stored map[string]string
	if err := json.Unmarshal(sess.Context, &stored); err != nil || stored["password"] != audit.Marker || stored["goal"] != "triage" {
		t.Fatalf("context not redacted: %s", sess.Context)
	}
	helper := env.join(t, "helper", lead.ID)
	if _, err := lead.AppendFinding(env.Ctx, domain.FindingPayload{Category: domain.CategoryObservation, Content: "disk full", Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}

	sum, err := lead.Leave(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if sum.SessionEnded || sum.Participation.Findings != 1 || sum.Outcome != domain.SessionCompleted {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, err := lead.Leave(env.Ctx, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second leave should be not found, got %v", err)
	}
	if _, err := env.Engine.Attach(env.Ctx, "lead", lead.ID); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("attach after leave: %v", err)
	}

	sum, err = helper.Leave(env.Ctx, domain.SessionAborted)
	if err != nil || !sum.SessionEnded {
		t.Fatalf("last leave should end the session: %+v %v", sum, err)
	}
	if sess, _ = env.Engine.GetSession(env.Ctx, lead.ID); sess.Status != domain.SessionAborted || sess.EndedAt == nil {
		t.Fatalf("session not ended: %+v", sess)
	}
	if _, err := env.Engine.Join(env.Ctx, "late", lead.ID, engine.JoinOptions{}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("join of ended session: %v", err)
	}
	if n := env.countAudit(t, audit.Filter{SessionID: lead.ID, ActionName: "session.leave"}); n != 3 {
		t.Fatalf("expected 3 leave entries, got %d", n)
	}
	if _, err := helper.Leave(env.Ctx, "gone"); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("bad outcome: %v", err)
	}
}

func TestDispatchRoutesEachKind(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "a", "")
	b := env.join(t, "b", a.ID)

	send := func(agent, kind string, payload any) (engine.DispatchResult, error) {
		raw, _ := json.Marshal(payload)
		return env.Engine.Dispatch(env.Ctx, domain.Message{SessionID: a.ID, AgentID: agent, Kind: kind, Payload: raw})
	}

	res, err := send("a", domain.MessageFinding, domain.FindingPayload{Category: domain.CategoryHypothesis, Content: "bad deploy", Confidence: 0.6})
	if err != nil || res.ID == "" {
		t.Fatalf("finding: %+v %v", res, err)
	}
	n := 0
	for f, err := range a.Findings(env.Ctx, blackboard.FindingFilter{}) {
		if err != nil {
			t.Fatal(err)
		}
		if f.ID != res.ID || f.AgentID != "a" {
			t.Fatalf("unexpected finding %+v", f)
		}
		n++
	}
	if n != 1 {
		t.Fatalf("expected one finding, got %d", n)
	}

	res, err = send("b", domain.MessageAction, domain.ActionPayload{
		Kind:       domain.ActionExternal,
		External:   &domain.ExternalAction{Service: "pagerduty", Endpoint: "/incidents", Method: "POST"},
		Resources:  []string{"incident:42"},
		DurationMS: 120,
	})
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if n := env.countAudit(t, audit.Filter{SessionID: a.ID, AgentID: "b", ActionType: string(domain.ActionExternal)}); n != 1 {
		t.Fatalf("expected the reported action in the audit log, got %d", n)
	}
	if _, err := send("b", domain.MessageAction, domain.ActionPayload{Kind: domain.ActionDecision}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("decision report should be rejected, got %v", err)
	}

	p, err := a.Propose(env.Ctx, consensus.OpenOptions{Description: "roll back", Rule: domain.RuleMajority})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := send("a", domain.MessageVote, domain.VotePayload{ProposalID: p.ID, Choice: domain.ChoiceYes, Confidence: 0.8}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := b.Vote(env.Ctx, domain.VotePayload{ProposalID: p.ID, Choice: domain.ChoiceYes, Confidence: 0.6}); err != nil {
		t.Fatal(err)
	}
	d, err := b.Resolve(env.Ctx, p.ID)
	if err != nil || d.Status != domain.ProposalDecided || d.Outcome != domain.ChoiceYes {
		t.Fatalf("decision %+v %v", d, err)
	}

	res, err = send("b", domain.MessageRequest, domain.ConversationPayload{Body: json.RawMessage(`{"q":"logs?"}`)})
	if err != nil || res.Seq == 0 {
		t.Fatalf("request: %+v %v", res, err)
	}
	page, _, err := env.Engine.Events.Page(env.Ctx, a.ID, engine.MessagesTopic, 0, 10)
	if err != nil || len(page) != 1 || page[0].Type != domain.MessageRequest || page[0].AgentID != "b" {
		t.Fatalf("messages topic: %+v %v", page, err)
	}

	if _, err := send("stranger", domain.MessageFinding, domain.FindingPayload{Category: domain.CategoryObservation, Content: "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("non-participant dispatch: %v", err)
	}
	if _, err := send("a", "gossip", map[string]string{}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("unknown kind: %v", err)
	}
}

func TestSessionWorkflow(t *testing.T) {
	env := newTestEnv(t)
	lead := env.join(t, "lead", "")
	worker := env.join(t, "worker", lead.ID)

	if _, err := lead.Put(env.Ctx, "plan", json.RawMessage(`{"step":1}`), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := worker.Put(env.Ctx, "plan", json.RawMessage(`{"step":2}`), 0); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale put: %v", err)
	}
	g, err := lead.Acquire(env.Ctx, "db:primary", 0)
	if err != nil || !g.Granted {
		t.Fatalf("acquire: %+v %v", g, err)
	}
	if g, err := worker.Acquire(env.Ctx, "db:primary", 0); err != nil || g.Granted || g.Lock.HolderID != "lead" {
		t.Fatalf("second acquire: %+v %v", g, err)
	}

	task, err := lead.CreateTask(env.Ctx, taskq.CreateOptions{Type: "collect-logs", Priority: 2})
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := worker.Claim(env.Ctx)
	if err != nil || claimed == nil || claimed.ID != task.ID {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if _, err := worker.Complete(env.Ctx, task.ID, json.RawMessage(`{"lines":12}`)); err != nil {
		t.Fatal(err)
	}
	sum, err := worker.Leave(env.Ctx, "")
	if err != nil || sum.Participation.Tasks != 1 {
		t.Fatalf("worker summary %+v %v", sum, err)
	}
}

func TestSweepExpiresSessionsAndProposals(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "a", "")
	env.join(t, "b", a.ID)
	short, err := env.Engine.Join(env.Ctx, "c", "", engine.JoinOptions{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	p, err := a.Propose(env.Ctx, consensus.OpenOptions{Description: "ship", Rule: domain.RuleUnanimous})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Vote(env.Ctx, domain.VotePayload{ProposalID: p.ID, Choice: domain.ChoiceYes, Confidence: 1}); err != nil {
		t.Fatal(err)
	}

	env.advance(2 * time.Hour)
	stats, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.ExpiredSessions) != 1 || stats.ExpiredSessions[0] != short.ID {
		t.Fatalf("expired sessions %v", stats.ExpiredSessions)
	}
	if len(stats.ClosedProposals) != 1 || stats.ClosedProposals[0].Status != domain.ProposalExpired || stats.ClosedProposals[0].Outcome != "" {
		t.Fatalf("closed proposals %+v", stats.ClosedProposals)
	}
	if s, _ := env.Engine.GetSession(env.Ctx, short.ID); s.Status != domain.SessionAborted {
		t.Fatalf("short session status %s", s.Status)
	}
	if s, _ := env.Engine.GetSession(env.Ctx, a.ID); s.Status != domain.SessionActive {
		t.Fatalf("long session status %s", s.Status)
	}
	if n := env.countAudit(t, audit.Filter{AgentID: domain.SystemAgentID, ActionName: "session.expire"}); n != 1 {
		t.Fatalf("expected one expiry entry, got %d", n)
	}

	again, err := env.Engine.Sweep(env.Ctx)
	if err != nil || len(again.ExpiredSessions) != 0 || len(again.ClosedProposals) != 0 {
		t.Fatalf("second sweep should be a no-op: %+v %v", again, err)
	}
}

func TestSeedProfiles(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Agents.Expertise = map[string]map[string]float64{"dba": {"database": 2, "*": 1}}
	if err := env.Engine.SeedProfiles(env.Ctx); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.Repo.GetAgentProfile(env.Ctx, nil, "dba")
	if err != nil || p.Expertise["database"] != 2 {
		t.Fatalf("profile %+v %v", p, err)
	}
}

func TestIssueAndRevokeAPIKey(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.Engine.IssueAPIKey(env.Ctx, "ci-bot", "pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(issued.Key, "cl_") || issued.KeyHash != repo.HashAPIKey(issued.Key) {
		t.Fatalf("unexpected key %+v", issued)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(issued.Key))
	if err != nil || stored.AgentID != "ci-bot" {
		t.Fatalf("stored key %+v %v", stored, err)
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "ci-bot")
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys %+v %v", keys, err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "admin", issued.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "admin", issued.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second revoke: %v", err)
	}
	if n := env.countAudit(t, audit.Filter{ActionName: "agent.key_issue"}); n != 1 {
		t.Fatalf("expected one issue entry, got %d", n)
	}
}

func TestOverdueSessionIsClosedBeforeSweep(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Join(env.Ctx, "c", "", engine.JoinOptions{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(env.Ctx, "plan", json.RawMessage(`"v1"`), 0); err != nil {
		t.Fatalf("put inside ttl: %v", err)
	}

	env.advance(2 * time.Hour)
	if _, err := s.Put(env.Ctx, "plan", json.RawMessage(`"v2"`), 1); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("put after expires_at must see a closed session, got %v", err)
	}
	if _, err := s.AppendFinding(env.Ctx, domain.FindingPayload{Category: domain.CategoryObservation, Content: "late", Confidence: 0.5}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("finding after expires_at must see a closed session, got %v", err)
	}
	if _, err := env.Engine.Join(env.Ctx, "d", s.ID, engine.JoinOptions{}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("join after expires_at must see a closed session, got %v", err)
	}
	if got, _ := env.Engine.GetSession(env.Ctx, s.ID); got.Status != domain.SessionActive {
		t.Fatalf("no sweep has run yet, status %s", got.Status)
	}
	if n := env.countAudit(t, audit.Filter{SessionID: s.ID, ActionName: "state.put", Outcome: domain.OutcomeDenied}); n != 1 {
		t.Fatalf("expected one denied put entry, got %d", n)
	}
}

func TestHeartbeatAfterSweepReportsLostClaim(t *testing.T) {
	env := newTestEnv(t)
	lead := env.join(t, "lead", "")
	worker := env.join(t, "worker", lead.ID)
	created, err := lead.CreateTask(env.Ctx, taskq.CreateOptions{Type: "index"})
	if err != nil {
		t.Fatal(err)
	}
	if task, err := worker.Claim(env.Ctx); err != nil || task == nil || task.ID != created.ID {
		t.Fatalf("claim: %v %v", task, err)
	}

	env.advance(5 * time.Minute)
	stats, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.RequeuedTasks) != 1 || stats.RequeuedTasks[0] != created.ID {
		t.Fatalf("requeued %v", stats.RequeuedTasks)
	}
	if _, err := worker.Heartbeat(env.Ctx, created.ID); !errors.Is(err, domain.ErrLost) {
		t.Fatalf("heartbeat after sweep must report a lost claim, got %v", err)
	}
	if _, err := lead.Heartbeat(env.Ctx, created.ID); !errors.Is(err, domain.ErrNotHolder) {
		t.Fatalf("an agent that never claimed gets not holder, got %v", err)
	}
}
