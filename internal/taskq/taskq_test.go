package taskq_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coordline/internal/audit"
	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/lock"
	"coordline/internal/migrate"
	"coordline/internal/repo"
	"coordline/internal/taskq"
)

type testEnv struct {
	Queue taskq.Queue
	Repo  repo.Repo
	Ctx   context.Context

	mu  sync.Mutex
	now time.Time
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
	red, err := audit.NewRedactor(config.Default().Audit.RedactPatterns)
	if err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	env := &testEnv{Repo: r, Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := audit.New(r, red)
	logger.Now = env.clock
	locks := lock.New(r, logger, 30*time.Second)
	locks.Now = env.clock
	env.Queue = taskq.New(r, logger, locks)
	env.Queue.ClaimTTL = 10 * time.Second
	env.Queue.Now = env.clock
	if err := r.InsertSession(env.Ctx, nil, domain.Session{ID: "s1", InitiatorID: "lead", Status: domain.SessionActive, CreatedAt: env.now}); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return env
}

func (e *testEnv) countAudit(t *testing.T, f audit.Filter) int {
	t.Helper()
	n := 0
	for _, err := range e.Queue.Audit.Query(e.Ctx, f) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	return n
}

func (e *testEnv) create(t *testing.T, typ string, priority int) domain.Task {
	t.Helper()
	task, err := e.Queue.Create(e.Ctx, taskq.CreateOptions{SessionID: "s1", AgentID: "lead", Type: typ, Priority: priority})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	env := newTestEnv(t)
	low1 := env.create(t, "scan", 0)
	env.advance(time.Second)
	high := env.create(t, "scan", 5)
	env.advance(time.Second)
	low2 := env.create(t, "scan", 0)

	var got []string
	for i := 0; i < 3; i++ {
		task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{SessionID: "s1"})
		if err != nil || task == nil {
			t.Fatalf("claim %d: %v %v", i, task, err)
		}
		if task.Status != domain.TaskAssigned || task.AssignedTo == nil || *task.AssignedTo != "w1" {
			t.Fatalf("unexpected claim state: %+v", task)
		}
		got = append(got, task.ID)
	}
	want := []string{high.ID, low1.ID, low2.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order %v, want %v", got, want)
		}
	}
	task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{SessionID: "s1"})
	if err != nil || task != nil {
		t.Fatalf("expected empty queue, got %v %v", task, err)
	}
	empty := 0
	for _, err := range env.Queue.Audit.Query(env.Ctx, audit.Filter{ActionName: "task.claim", Outcome: domain.OutcomeEmpty}) {
		if err != nil {
			t.Fatal(err)
		}
		empty++
	}
	if empty != 1 {
		t.Fatalf("expected the empty claim audited, got %d", empty)
	}
}

func TestClaimFiltersByType(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "scan", 9)
	review := env.create(t, "review", 0)
	task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{Types: []string{"review"}})
	if err != nil || task == nil || task.ID != review.ID {
		t.Fatalf("expected the review task, got %v %v", task, err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	env := newTestEnv(t)
	const tasks, workers = 6, 8
	for i := 0; i < tasks; i++ {
		env.create(t, "scan", 0)
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
		errs    []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				task, err := env.Queue.Claim(env.Ctx, fmt.Sprintf("w%d", w), taskq.Filter{SessionID: "s1"})
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else if task != nil {
					claimed[task.ID]++
				}
				mu.Unlock()
				if err != nil || task == nil {
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if len(errs) != 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if len(claimed) != tasks {
		t.Fatalf("expected %d distinct claims, got %v", tasks, claimed)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
}

func TestFailHonoursRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	budget := 2
	created, err := env.Queue.Create(env.Ctx, taskq.CreateOptions{SessionID: "s1", AgentID: "lead", Type: "deploy", MaxRetries: &budget})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{domain.TaskPending, domain.TaskPending, domain.TaskFailed}
	for i, status := range want {
		task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{})
		if err != nil || task == nil || task.ID != created.ID {
			t.Fatalf("claim %d: %v %v", i, task, err)
		}
		got, err := env.Queue.Fail(env.Ctx, created.ID, "w1", "exit status 1")
		if err != nil || got != status {
			t.Fatalf("fail %d: status=%q err=%v, want %q", i, got, err, status)
		}
	}
	final, err := env.Queue.Get(env.Ctx, created.ID)
	if err != nil || final.Attempts != 3 || !final.Terminal() || final.FailReason != "exit status 1" {
		t.Fatalf("final task: %+v %v", final, err)
	}
	if task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{}); err != nil || task != nil {
		t.Fatalf("failed task must not be claimable: %v %v", task, err)
	}
}

func TestLapsedClaimIsLost(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "scan", 0)
	if task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{}); err != nil || task == nil {
		t.Fatalf("claim: %v %v", task, err)
	}
	if _, err := env.Queue.Start(env.Ctx, created.ID, "w2"); !errors.Is(err, domain.ErrNotHolder) {
		t.Fatalf("expected not holder for w2, got %v", err)
	}
	env.advance(11 * time.Second)
	if _, err := env.Queue.Heartbeat(env.Ctx, created.ID, "w1"); !errors.Is(err, domain.ErrLost) || !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected lost claim, got %v", err)
	}
	task, err := env.Queue.Get(env.Ctx, created.ID)
	if err != nil || task.Status != domain.TaskPending || task.Attempts != 0 || task.AssignedTo != nil {
		t.Fatalf("lost task should be pending without a spent attempt: %+v %v", task, err)
	}
	again, err := env.Queue.Claim(env.Ctx, "w2", taskq.Filter{})
	if err != nil || again == nil || again.ID != created.ID {
		t.Fatalf("w2 should pick the task up: %v %v", again, err)
	}
	if _, err := env.Queue.Complete(env.Ctx, created.ID, "w1", nil); !errors.Is(err, domain.ErrLost) {
		t.Fatalf("stale worker must learn its claim was lost, got %v", err)
	}
	if _, err := env.Queue.Complete(env.Ctx, created.ID, "w3", nil); !errors.Is(err, domain.ErrNotHolder) {
		t.Fatalf("worker that never claimed must get not holder, got %v", err)
	}
	if task, err := env.Queue.Heartbeat(env.Ctx, created.ID, "w2"); err != nil || *task.AssignedTo != "w2" {
		t.Fatalf("w2 claim must survive w1's stale calls: %+v %v", task, err)
	}
}

func TestHeartbeatAfterRequeueIsLost(t *testing.T) {
	cases := []struct {
		name    string
		requeue func(t *testing.T, env *testEnv, id string)
	}{
		{"sweep", func(t *testing.T, env *testEnv, id string) {
			ids, err := env.Queue.RequeueExpired(env.Ctx)
			if err != nil || len(ids) != 1 || ids[0] != id {
				t.Fatalf("requeue: %v %v", ids, err)
			}
		}},
		{"claim by another worker", func(t *testing.T, env *testEnv, id string) {
			task, err := env.Queue.Claim(env.Ctx, "w2", taskq.Filter{})
			if err != nil || task == nil || task.ID != id {
				t.Fatalf("w2 claim: %v %v", task, err)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			created := env.create(t, "scan", 0)
			if task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{}); err != nil || task == nil {
				t.Fatalf("claim: %v %v", task, err)
			}
			env.advance(11 * time.Second)
			tc.requeue(t, env, created.ID)

			_, err := env.Queue.Heartbeat(env.Ctx, created.ID, "w1")
			if !errors.Is(err, domain.ErrLost) || !errors.Is(err, domain.ErrExpired) {
				t.Fatalf("expected lost claim after requeue, got %v", err)
			}
			if errors.Is(err, domain.ErrNotHolder) {
				t.Fatalf("lapsed claimant must not be reported as a stranger: %v", err)
			}
			if _, err := env.Queue.Heartbeat(env.Ctx, created.ID, "w9"); !errors.Is(err, domain.ErrNotHolder) {
				t.Fatalf("expected not holder for a worker that never claimed, got %v", err)
			}
			if n := env.countAudit(t, audit.Filter{AgentID: "w1", ActionName: "task.heartbeat", Outcome: domain.OutcomeExpired}); n != 1 {
				t.Fatalf("expected one expired heartbeat entry, got %d", n)
			}
		})
	}
}

func TestFailedCallsAreAudited(t *testing.T) {
	cases := []struct {
		name    string
		action  string
		agent   string
		outcome string
		call    func(env *testEnv, id string) error
	}{
		{"start by non-holder", "task.start", "w2", domain.OutcomeNotHolder, func(env *testEnv, id string) error {
			_, err := env.Queue.Start(env.Ctx, id, "w2")
			return err
		}},
		{"complete by non-holder", "task.complete", "w2", domain.OutcomeNotHolder, func(env *testEnv, id string) error {
			_, err := env.Queue.Complete(env.Ctx, id, "w2", nil)
			return err
		}},
		{"fail by non-holder", "task.fail", "w2", domain.OutcomeNotHolder, func(env *testEnv, id string) error {
			_, err := env.Queue.Fail(env.Ctx, id, "w2", "nope")
			return err
		}},
		{"complete with malformed result", "task.complete", "w1", domain.OutcomeError, func(env *testEnv, id string) error {
			_, err := env.Queue.Complete(env.Ctx, id, "w1", json.RawMessage(`{"ok":`))
			return err
		}},
		{"start without task id", "task.start", "w1", domain.OutcomeError, func(env *testEnv, id string) error {
			_, err := env.Queue.Start(env.Ctx, "", "w1")
			return err
		}},
		{"heartbeat without worker", "task.heartbeat", domain.SystemAgentID, domain.OutcomeError, func(env *testEnv, id string) error {
			_, err := env.Queue.Heartbeat(env.Ctx, id, "")
			return err
		}},
		{"claim without worker", "task.claim", domain.SystemAgentID, domain.OutcomeError, func(env *testEnv, id string) error {
			_, err := env.Queue.Claim(env.Ctx, "", taskq.Filter{})
			return err
		}},
		{"create without type", "task.create", "lead", domain.OutcomeError, func(env *testEnv, id string) error {
			_, err := env.Queue.Create(env.Ctx, taskq.CreateOptions{SessionID: "s1", AgentID: "lead"})
			return err
		}},
		{"create with negative retries", "task.create", "lead", domain.OutcomeError, func(env *testEnv, id string) error {
			retries := -1
			_, err := env.Queue.Create(env.Ctx, taskq.CreateOptions{SessionID: "s1", AgentID: "lead", Type: "scan", MaxRetries: &retries})
			return err
		}},
		{"create with malformed params", "task.create", "lead", domain.OutcomeError, func(env *testEnv, id string) error {
			_, err := env.Queue.Create(env.Ctx, taskq.CreateOptions{SessionID: "s1", AgentID: "lead", Type: "scan", Params: json.RawMessage(`[1,`)})
			return err
		}},
		{"heartbeat after sweep", "task.heartbeat", "w1", domain.OutcomeExpired, func(env *testEnv, id string) error {
			env.advance(11 * time.Second)
			if _, err := env.Queue.RequeueExpired(env.Ctx); err != nil {
				return err
			}
			_, err := env.Queue.Heartbeat(env.Ctx, id, "w1")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			created := env.create(t, "scan", 0)
			if task, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{}); err != nil || task == nil {
				t.Fatalf("claim: %v %v", task, err)
			}
			f := audit.Filter{AgentID: tc.agent, ActionName: tc.action, Outcome: tc.outcome}
			before := env.countAudit(t, f)
			if err := tc.call(env, created.ID); err == nil {
				t.Fatalf("expected the call to fail")
			}
			if got := env.countAudit(t, f); got != before+1 {
				t.Fatalf("expected one %s/%s entry for %s, got %d new", tc.action, tc.outcome, tc.agent, got-before)
			}
		})
	}
}

func TestExpiredClaimsRequeuedOnClaim(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "scan", 0)
	if _, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{}); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	task, err := env.Queue.Claim(env.Ctx, "w2", taskq.Filter{})
	if err != nil || task == nil || task.ID != created.ID || *task.AssignedTo != "w2" {
		t.Fatalf("expired claim should be reclaimable: %v %v", task, err)
	}
}

func TestHeartbeatKeepsClaimAlive(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "scan", 0)
	if _, err := env.Queue.Claim(env.Ctx, "w1", taskq.Filter{}); err != nil {
		t.Fatal(err)
	}
	if task, err := env.Queue.Start(env.Ctx, created.ID, "w1"); err != nil || task.Status != domain.TaskRunning {
		t.Fatalf("start: %+v %v", task, err)
	}
	for i := 0; i < 3; i++ {
		env.advance(8 * time.Second)
		task, err := env.Queue.Heartbeat(env.Ctx, created.ID, "w1")
		if err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
		if want := env.clock().Add(10 * time.Second); task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.Equal(want) {
			t.Fatalf("lease %v, want %v", task.LeaseExpiresAt, want)
		}
	}
	if task, err := env.Queue.Claim(env.Ctx, "w2", taskq.Filter{}); err != nil || task != nil {
		t.Fatalf("running task must not be claimable: %v %v", task, err)
	}
	task, err := env.Queue.Complete(env.Ctx, created.ID, "w1", json.RawMessage(`{"api_key":"sk-123","ok":true}`))
	if err != nil || task.Status != domain.TaskCompleted {
		t.Fatalf("complete: %+v %v", task, err)
	}
	var result map[string]any
	if err := json.Unmarshal(task.Result, &result); err != nil || result["api_key"] != audit.Marker || result["ok"] != true {
		t.Fatalf("result not stored redacted: %s %v", task.Result, err)
	}
	if _, err := env.Queue.Locks.Get(env.Ctx, "task:"+created.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("claim lock should be released, got %v", err)
	}
	if _, err := env.Queue.Fail(env.Ctx, created.ID, "w1", "late"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("completed task cannot fail, got %v", err)
	}
}

func TestCreateRequiresActiveSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Repo.EndSession(env.Ctx, nil, "s1", domain.SessionAborted, env.clock()); err != nil {
		t.Fatal(err)
	}
	_, err := env.Queue.Create(env.Ctx, taskq.CreateOptions{SessionID: "s1", AgentID: "lead", Type: "scan"})
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
	if _, err := env.Queue.Create(env.Ctx, taskq.CreateOptions{SessionID: "s1", AgentID: "lead"}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}
