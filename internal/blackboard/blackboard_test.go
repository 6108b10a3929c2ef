package blackboard_test

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
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/migrate"
	"coordline/internal/repo"
)

type testEnv struct {
	Store blackboard.Store
	Ctx   context.Context
	now   time.Time
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
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	logger := audit.New(r, red)
	logger.Now = clock
	env.Store = blackboard.New(r, logger)
	env.Store.Now = clock
	for _, id := range []string{"s1", "closed"} {
		if err := r.InsertSession(env.Ctx, nil, domain.Session{ID: id, InitiatorID: "a1", Status: domain.SessionActive, CreatedAt: env.now}); err != nil {
			t.Fatalf("insert session: %v", err)
		}
	}
	if _, err := r.EndSession(env.Ctx, nil, "closed", domain.SessionCompleted, env.now); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestPutOptimisticVersioning(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Store.Put(env.Ctx, "s1", "a1", "incident/root-cause", json.RawMessage(`"disk"`), 0)
	if err != nil || v != 1 {
		t.Fatalf("create: v=%d err=%v", v, err)
	}
	_, err = env.Store.Put(env.Ctx, "s1", "a2", "incident/root-cause", json.RawMessage(`"network"`), 0)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Current != 1 || !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict at version 1, got %v", err)
	}
	v, err = env.Store.Put(env.Ctx, "s1", "a2", "incident/root-cause", json.RawMessage(`"network"`), conflict.Current)
	if err != nil || v != 2 {
		t.Fatalf("retry after re-read: v=%d err=%v", v, err)
	}
	got, err := env.Store.Get(env.Ctx, "s1", "incident/root-cause")
	if err != nil || got.Version != 2 || string(got.Value) != `"network"` || got.UpdatedBy != "a2" {
		t.Fatalf("get: %+v %v", got, err)
	}
	if _, err := env.Store.Get(env.Ctx, "s1", "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	conflicts := 0
	for e, err := range env.Store.Audit.Query(env.Ctx, audit.Filter{ActionName: "state.put"}) {
		if err != nil {
			t.Fatal(err)
		}
		if e.Outcome == domain.OutcomeConflict {
			conflicts++
		}
	}
	if conflicts != 1 {
		t.Fatalf("expected one audited conflict, got %d", conflicts)
	}
}

func TestConcurrentPutsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Store.Put(env.Ctx, "s1", "a1", "k", json.RawMessage(`0`), 0); err != nil {
		t.Fatal(err)
	}
	const writers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		others []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Store.Put(env.Ctx, "s1", "writer", "k", json.RawMessage(`1`), 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if !errors.Is(err, domain.ErrConflict) {
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || len(others) != 0 {
		t.Fatalf("expected exactly one winner, wins=%d errors=%v", wins, others)
	}
}

func TestAppendFindingValidatesAndRedacts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.AppendFinding(env.Ctx, domain.Finding{SessionID: "s1", AgentID: "a1", Category: domain.CategoryObservation, Content: "x", Confidence: 1.2})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid confidence, got %v", err)
	}
	_, err = env.Store.AppendFinding(env.Ctx, domain.Finding{SessionID: "s1", AgentID: "a1", Category: "rumor", Content: "x", Confidence: 0.5})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid category, got %v", err)
	}
	id, err := env.Store.AppendFinding(env.Ctx, domain.Finding{
		SessionID:  "s1",
		AgentID:    "a1",
		Category:   domain.CategoryObservation,
		Content:    "config leaks password=hunter2 in env",
		Confidence: 0.9,
		Evidence:   []string{"log line: token=abcd1234"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	var found []domain.Finding
	for f, err := range env.Store.ListFindings(env.Ctx, "s1", blackboard.FindingFilter{}) {
		if err != nil {
			t.Fatal(err)
		}
		found = append(found, f)
	}
	if len(found) != 1 || found[0].ID != id {
		t.Fatalf("expected the finding back, got %+v", found)
	}
	f := found[0]
	if strings.Contains(f.Content, "hunter2") || strings.Contains(strings.Join(f.Evidence, ""), "abcd1234") || !f.Redacted {
		t.Fatalf("finding not redacted: %+v", f)
	}
}

func TestListFindingsOrderedAndRestartable(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := env.Store.AppendFinding(env.Ctx, domain.Finding{SessionID: "s1", AgentID: "a1", Category: domain.CategoryHypothesis, Content: "h", Confidence: 0.5})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		// two findings share each timestamp; insertion order breaks the tie
		if i%2 == 1 {
			env.now = env.now.Add(time.Second)
		}
	}
	var got []string
	for f, err := range env.Store.ListFindings(env.Ctx, "s1", blackboard.FindingFilter{PageSize: 2}) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, f.ID)
	}
	if strings.Join(got, ",") != strings.Join(ids, ",") {
		t.Fatalf("order mismatch:\n got %v\nwant %v", got, ids)
	}
	page, next, err := env.Store.FindingsPage(env.Ctx, "s1", blackboard.FindingFilter{PageSize: 3})
	if err != nil || len(page) != 3 || next == "" {
		t.Fatalf("page: %d %q %v", len(page), next, err)
	}
	var rest []string
	for f, err := range env.Store.ListFindings(env.Ctx, "s1", blackboard.FindingFilter{Cursor: next}) {
		if err != nil {
			t.Fatal(err)
		}
		rest = append(rest, f.ID)
	}
	if strings.Join(rest, ",") != strings.Join(ids[3:], ",") {
		t.Fatalf("resume mismatch: %v", rest)
	}
}

func TestSupersededFindingsHidden(t *testing.T) {
	env := newTestEnv(t)
	old, err := env.Store.AppendFinding(env.Ctx, domain.Finding{SessionID: "s1", AgentID: "a1", Category: domain.CategoryHypothesis, Content: "dns", Confidence: 0.4})
	if err != nil {
		t.Fatal(err)
	}
	newer, err := env.Store.AppendFinding(env.Ctx, domain.Finding{SessionID: "s1", AgentID: "a2", Category: domain.CategoryConclusion, Content: "cert expiry", Confidence: 0.8, Supersedes: old})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.AppendFinding(env.Ctx, domain.Finding{SessionID: "s1", AgentID: "a2", Category: domain.CategoryConclusion, Content: "x", Confidence: 0.8, Supersedes: "nope"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected unknown supersedes to fail, got %v", err)
	}
	var current []string
	for f, err := range env.Store.ListFindings(env.Ctx, "s1", blackboard.FindingFilter{Current: true}) {
		if err != nil {
			t.Fatal(err)
		}
		current = append(current, f.ID)
	}
	if len(current) != 1 || current[0] != newer {
		t.Fatalf("expected only the superseding finding, got %v", current)
	}
}

func TestClosedSessionRejectsWrites(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Store.Put(env.Ctx, "closed", "a1", "k", json.RawMessage(`1`), 0); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
	if _, err := env.Store.AppendFinding(env.Ctx, domain.Finding{SessionID: "closed", AgentID: "a1", Category: domain.CategoryObservation, Content: "x", Confidence: 0.1}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
}
