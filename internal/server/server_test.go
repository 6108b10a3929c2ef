package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coordline/internal/audit"
	"coordline/internal/config"
	"coordline/internal/consensus"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/migrate"
	"coordline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, cfg *config.Config) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	red, err := audit.NewRedactor(cfg.Audit.RedactPatterns)
	if err != nil {
		t.Fatalf("redactor: %v", err)
	}
	e := engine.New(conn, cfg, red)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:        testSecret,
		AllowAgentHeader: true,
		Logger:           log.New(io.Discard, "", 0),
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(agent string) map[string]string {
	return map[string]string{"X-Agent-Id": agent}
}

func decodeBody[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func expectErrorCode(t *testing.T, data []byte, code string) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	if env.Error.Code != code {
		t.Fatalf("error code %q, want %q: %s", env.Error.Code, code, string(data))
	}
	return env.Error
}

func createSession(t *testing.T, srv *testServer, agent string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"context": map[string]any{"goal": "triage incident"},
	}, as(agent))
	expectStatus(t, res, data, http.StatusCreated)
	return decodeBody[SessionResponse](t, data).Session.ID
}

func joinSession(t *testing.T, srv *testServer, agent, sessionID string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+sessionID+"/join", nil, as(agent))
	expectStatus(t, res, data, http.StatusOK)
}

func TestSessionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	sid := createSession(t, srv, "lead")
	joinSession(t, srv, "worker", sid)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+sid, nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	got := decodeBody[SessionResponse](t, data)
	if got.Session.InitiatorID != "lead" || got.Session.Status != domain.SessionActive {
		t.Fatalf("unexpected session: %+v", got.Session)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(got.Participants))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+sid+"/leave", map[string]any{"outcome": "completed"}, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	sum := decodeBody[engine.LeaveSummary](t, data)
	if sum.SessionEnded {
		t.Fatalf("session should stay open while lead is active")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+sid+"/leave", map[string]any{"outcome": "aborted"}, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if !decodeBody[engine.LeaveSummary](t, data).SessionEnded {
		t.Fatalf("last leave should end the session")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+sid+"/join", nil, as("late"))
	expectStatus(t, res, data, http.StatusConflict)
	expectErrorCode(t, data, "session_closed")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/missing", nil, as("lead"))
	expectStatus(t, res, data, http.StatusNotFound)
	expectErrorCode(t, data, "not_found")
}

func TestStateVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	sid := createSession(t, srv, "lead")
	url := srv.URL + "/v0/sessions/" + sid + "/state/plan"

	res, data := doJSON(t, client, http.MethodPut, url, map[string]any{"value": map[string]any{"step": 1}, "expected_version": 0}, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if v := decodeBody[StateVersionResponse](t, data).Version; v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	res, data = doJSON(t, client, http.MethodPut, url, map[string]any{"value": map[string]any{"step": 2}, "expected_version": 0}, as("lead"))
	expectStatus(t, res, data, http.StatusConflict)
	body := expectErrorCode(t, data, "conflict")
	if cur, _ := body.Details["current_version"].(float64); cur != 1 {
		t.Fatalf("expected current_version 1 in details, got %v", body.Details)
	}

	res, data = doJSON(t, client, http.MethodGet, url, nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	entry := decodeBody[domain.StateEntry](t, data)
	if entry.Version != 1 || entry.UpdatedBy != "lead" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+sid+"/state/other", nil, as("lead"))
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestLockContention(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	sid := createSession(t, srv, "lead")
	joinSession(t, srv, "worker", sid)
	base := srv.URL + "/v0/sessions/" + sid + "/locks/"

	res, data := doJSON(t, client, http.MethodPost, base+"acquire", map[string]any{"resource": "repo/main", "ttl_ms": 60000}, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if !decodeBody[LockResponse](t, data).Granted {
		t.Fatalf("lead should get the lock: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"acquire", map[string]any{"resource": "repo/main"}, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	denied := decodeBody[LockResponse](t, data)
	if denied.Granted || denied.Lock.HolderID != "lead" {
		t.Fatalf("worker should see lead's lease: %+v", denied)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"release", map[string]any{"resource": "repo/main"}, as("worker"))
	expectStatus(t, res, data, http.StatusConflict)
	expectErrorCode(t, data, "not_holder")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/locks?prefix=repo/", nil, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	if locks := decodeBody[[]domain.Lock](t, data); len(locks) != 1 {
		t.Fatalf("expected 1 live lock, got %d", len(locks))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"release", map[string]any{"resource": "repo/main"}, as("lead"))
	expectStatus(t, res, data, http.StatusNoContent)
}

func TestTaskClaimAndComplete(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	sid := createSession(t, srv, "lead")
	joinSession(t, srv, "worker", sid)
	base := srv.URL + "/v0/sessions/" + sid + "/tasks"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{"type": "scan", "params": map[string]any{"host": "db-1"}, "priority": 5}, as("lead"))
	expectStatus(t, res, data, http.StatusCreated)
	created := decodeBody[domain.Task](t, data)
	if created.Status != domain.TaskPending {
		t.Fatalf("expected pending task, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/claim", map[string]any{"types": []string{"scan"}}, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	claimed := decodeBody[ClaimResponse](t, data)
	if claimed.Task == nil || claimed.Task.ID != created.ID {
		t.Fatalf("worker should claim %s: %s", created.ID, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/claim", nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if decodeBody[ClaimResponse](t, data).Task != nil {
		t.Fatalf("nothing should be left to claim: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/"+created.ID+"/complete", map[string]any{"result": map[string]any{"open_ports": 2}}, as("lead"))
	expectStatus(t, res, data, http.StatusConflict)
	expectErrorCode(t, data, "not_holder")

	res, data = doJSON(t, client, http.MethodPost, base+"/"+created.ID+"/complete", map[string]any{"result": map[string]any{"open_ports": 2}}, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	if done := decodeBody[domain.Task](t, data); done.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"?status=completed", nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if ts := decodeBody[[]domain.Task](t, data); len(ts) != 1 {
		t.Fatalf("expected 1 completed task, got %d", len(ts))
	}
}

func TestProposalVoteAndResolve(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	sid := createSession(t, srv, "lead")
	joinSession(t, srv, "worker", sid)
	base := srv.URL + "/v0/sessions/" + sid + "/proposals"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{"description": "roll back deploy", "rule": "majority"}, as("lead"))
	expectStatus(t, res, data, http.StatusCreated)
	prop := decodeBody[domain.Proposal](t, data)
	if len(prop.Roster) != 2 {
		t.Fatalf("roster should default to active participants: %v", prop.Roster)
	}

	for _, agent := range []string{"lead", "worker"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/"+prop.ID+"/votes", map[string]any{"choice": "yes", "confidence": 0.8}, as(agent))
		expectStatus(t, res, data, http.StatusOK)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/"+prop.ID+"/votes", map[string]any{"choice": "yes", "confidence": 0.8}, as("outsider"))
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodPost, base+"/"+prop.ID+"/resolve", nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	decision := decodeBody[consensus.Decision](t, data)
	if decision.Status != domain.ProposalDecided || decision.Outcome != domain.ChoiceYes {
		t.Fatalf("unexpected decision: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/"+prop.ID, nil, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	got := decodeBody[ProposalResponse](t, data)
	if got.Proposal.Status != domain.ProposalDecided || len(got.Votes) != 2 {
		t.Fatalf("unexpected proposal: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/"+prop.ID+"/votes", map[string]any{"choice": "no", "confidence": 0.5}, as("worker"))
	expectStatus(t, res, data, http.StatusGone)
	expectErrorCode(t, data, "expired")
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	expectErrorCode(t, data, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	expectStatus(t, res, data, http.StatusUnauthorized)
	expectErrorCode(t, data, "invalid_credentials")

	wrong, err := SignToken("other-secret", "lead", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer " + wrong})
	expectStatus(t, res, data, http.StatusUnauthorized)

	token, err := SignToken(testSecret, "jwt-agent", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusCreated)
	if got := decodeBody[SessionResponse](t, data).Session.InitiatorID; got != "jwt-agent" {
		t.Fatalf("initiator should come from the token subject, got %q", got)
	}

	err = srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		AgentID:   "keyed-agent",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey("s3cret-key"),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", nil, map[string]string{"X-Api-Key": "s3cret-key"})
	expectStatus(t, res, data, http.StatusCreated)
	if got := decodeBody[SessionResponse](t, data).Session.InitiatorID; got != "keyed-agent" {
		t.Fatalf("initiator should come from the api key, got %q", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"X-Api-Key": "wrong"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestDispatchAndAuditExport(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	sid := createSession(t, srv, "lead")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", map[string]any{
		"session_id": sid,
		"kind":       "finding",
		"payload":    map[string]any{"category": "observation", "content": "disk at 97%", "confidence": 0.9},
	}, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if r := decodeBody[engine.DispatchResult](t, data); r.Kind != "finding" || r.ID == "" {
		t.Fatalf("unexpected dispatch result: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", map[string]any{
		"session_id": sid,
		"agent_id":   "someone-else",
		"kind":       "finding",
		"payload":    map[string]any{"category": "observation", "content": "x", "confidence": 0.1},
	}, as("lead"))
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+sid+"/findings", nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if page := decodeBody[FindingsPage](t, data); len(page.Items) != 1 || page.Items[0].Content != "disk at 97%" {
		t.Fatalf("unexpected findings: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?session_id="+sid, nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	page := decodeBody[AuditPage](t, data)
	names := map[string]bool{}
	for _, r := range page.Items {
		names[r.ActionName] = true
		if r.SessionID != sid {
			t.Fatalf("record from another session: %+v", r)
		}
	}
	if !names["session.create"] || !names["blackboard.append_finding"] {
		t.Fatalf("missing audit records: %v", names)
	}
}

func TestTopicStream(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	sid := createSession(t, srv, "lead")
	events := srv.URL + "/v0/sessions/" + sid + "/topics/alerts/events"

	res, data := doJSON(t, client, http.MethodPost, events, map[string]any{"type": "alert", "payload": map[string]any{"n": 1}}, as("lead"))
	expectStatus(t, res, data, http.StatusCreated)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/sessions/" + sid + "/topics/alerts/stream?from=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-Agent-Id": {"lead"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first StreamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Type != "event" || first.Event == nil || first.Event.Seq != 1 {
		t.Fatalf("unexpected first frame: %+v", first)
	}

	res, data = doJSON(t, client, http.MethodPost, events, map[string]any{"type": "alert", "payload": map[string]any{"n": 2}}, as("lead"))
	expectStatus(t, res, data, http.StatusCreated)
	var second StreamMessage
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if second.Event == nil || second.Event.Seq != 2 {
		t.Fatalf("unexpected second frame: %+v", second)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "ack", Seq: 2}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := srv.Engine.Events.Cursor(context.Background(), sid, "alerts", "lead")
		if err != nil {
			t.Fatalf("cursor: %v", err)
		}
		if cur == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ack never stored, cursor %d", cur)
		}
		time.Sleep(20 * time.Millisecond)
	}

	res, data = doJSON(t, client, http.MethodGet, events+"?after=1", nil, as("lead"))
	expectStatus(t, res, data, http.StatusOK)
	if page := decodeBody[EventsPage](t, data); len(page.Items) != 1 || page.Next != 2 {
		t.Fatalf("unexpected page: %s", string(data))
	}
}

func TestTopicStreamAuthenticatesWithoutCookies(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	sid := createSession(t, srv, "lead")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+sid+"/topics/alerts/events",
		map[string]any{"type": "alert"}, as("lead"))
	expectStatus(t, res, data, http.StatusCreated)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/sessions/" + sid + "/topics/alerts/stream?from=0"
	foreign := http.Header{
		"Origin": {"https://elsewhere.example"},
		"Cookie": {"session=lead; access_token=whatever"},
	}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, foreign)
	if err == nil {
		t.Fatalf("cookie-only handshake must not authenticate")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for cookie-only handshake, got %v %v", resp, err)
	}

	token, err := SignToken(testSecret, "lead", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"&access_token="+token, http.Header{"Origin": {"https://elsewhere.example"}})
	if err != nil {
		t.Fatalf("token handshake from another origin: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame StreamMessage
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "event" {
		t.Fatalf("expected event frame, got %+v %v", frame, err)
	}
}

func TestWebhookForwardsAuditRecords(t *testing.T) {
	var (
		mu      sync.Mutex
		records []domain.ExportRecord
		secrets []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec domain.ExportRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		records = append(records, rec)
		secrets = append(secrets, r.Header.Get("X-Coordline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Audit.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "shh", Actions: []string{"session.*"}}}
	srv, cleanup := newTestServer(t, cfg)
	defer cleanup()

	d := NewWebhookDispatcher(srv.Engine, log.New(io.Discard, "", 0))
	if d == nil {
		t.Fatalf("dispatcher should be built when webhooks are configured")
	}
	ctx := context.Background()
	d.Prime(ctx)

	sid := createSession(t, srv, "lead")
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/sessions/"+sid+"/state/k", map[string]any{"value": 1, "expected_version": 0}, as("lead"))
	expectStatus(t, res, data, http.StatusOK)

	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(records) != 1 {
		t.Fatalf("expected only the session.create record, got %+v", records)
	}
	if records[0].ActionName != "session.create" || records[0].SessionID != sid {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if secrets[0] != "shh" {
		t.Fatalf("secret header not forwarded")
	}
}

func TestActionFilter(t *testing.T) {
	f := newActionFilter([]string{"lock.*", "task.claim"})
	cases := map[string]bool{
		"lock.acquire":   true,
		"lock.release":   true,
		"task.claim":     true,
		"task.create":    false,
		"locksmith.pick": false,
	}
	for action, want := range cases {
		if got := f.match(action); got != want {
			t.Fatalf("match(%q) = %v, want %v", action, got, want)
		}
	}
	if !newActionFilter(nil).match("anything") {
		t.Fatalf("empty filter should match everything")
	}
}
