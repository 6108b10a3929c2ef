package coordsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Coordline HTTP API client for workers.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// AgentID is sent as X-Agent-Id; servers only honor it in local mode.
	AgentID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Session struct {
	ID          string          `json:"id"`
	InitiatorID string          `json:"initiator_id"`
	Context     json.RawMessage `json:"context,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

type Participant struct {
	SessionID string     `json:"session_id"`
	AgentID   string     `json:"agent_id"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
}

type SessionInfo struct {
	Session      Session       `json:"session"`
	Participants []Participant `json:"participants"`
}

type LeaveSummary struct {
	SessionID     string `json:"session_id"`
	AgentID       string `json:"agent_id"`
	Outcome       string `json:"outcome"`
	Participation struct {
		Findings int `json:"findings"`
		Votes    int `json:"votes"`
		Tasks    int `json:"tasks_completed"`
		Events   int `json:"events_published"`
	} `json:"participation"`
	SessionEnded bool `json:"session_ended"`
}

type StateEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Finding struct {
	ID         string    `json:"id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Category   string    `json:"category"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`
	Supersedes string    `json:"supersedes,omitempty"`
	Seq        int64     `json:"seq,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

type FindingsPage struct {
	Items      []Finding `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

type Lock struct {
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type LockGrant struct {
	Granted bool `json:"granted"`
	Lock    Lock `json:"lock"`
}

type Task struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Type           string          `json:"type"`
	Params         json.RawMessage `json:"params,omitempty"`
	Priority       int             `json:"priority"`
	Status         string          `json:"status"`
	AssignedTo     *string         `json:"assigned_to,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailReason     string          `json:"fail_reason,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxRetries     int             `json:"max_retries"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
}

type NewTask struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type"`
	Params     any    `json:"params,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

type Event struct {
	Seq     int64           `json:"seq"`
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	AgentID string          `json:"agent_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

type EventsPage struct {
	Items []Event `json:"items"`
	Next  int64   `json:"next"`
}

type Proposal struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Description string    `json:"description"`
	Rule        string    `json:"rule"`
	Threshold   float64   `json:"threshold,omitempty"`
	Roster      []string  `json:"roster,omitempty"`
	Deadline    time.Time `json:"deadline"`
	Status      string    `json:"status"`
	Outcome     string    `json:"outcome,omitempty"`
	CreatedBy   string    `json:"created_by"`
}

type NewProposal struct {
	Description string     `json:"description"`
	Rule        string     `json:"rule"`
	Threshold   float64    `json:"threshold,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Roster      []string   `json:"roster,omitempty"`
}

type Ballot struct {
	Choice     string   `json:"choice"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
	Domain     string   `json:"domain,omitempty"`
}

type Vote struct {
	ProposalID    string    `json:"proposal_id"`
	AgentID       string    `json:"agent_id"`
	Choice        string    `json:"choice"`
	Confidence    float64   `json:"confidence"`
	EvidenceCount int       `json:"evidence_count"`
	CastAt        time.Time `json:"cast_at"`
}

type Decision struct {
	ProposalID          string   `json:"proposal_id"`
	Status              string   `json:"status"`
	Outcome             string   `json:"outcome,omitempty"`
	AggregateConfidence *float64 `json:"aggregate_confidence,omitempty"`
}

// Message is the worker envelope accepted by Dispatch.
type Message struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Payload   any    `json:"payload"`
}

type DispatchResult struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Seq  int64  `json:"seq,omitempty"`
}

// AuditRecord is the export contract.
type AuditRecord struct {
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

type AuditPage struct {
	Items      []AuditRecord `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

type AuditQuery struct {
	AgentID    string
	SessionID  string
	ActionName string
	Outcome    string
	Cursor     string
	Limit      int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the API error code carried by err, if any.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// CreateSession starts a session with the caller as initiator.
func (c *Client) CreateSession(ctx context.Context, sessionContext any, ttl time.Duration) (SessionInfo, error) {
	body := map[string]any{}
	if sessionContext != nil {
		body["context"] = sessionContext
	}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl / time.Second)
	}
	var resp SessionInfo
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

func (c *Client) Join(ctx context.Context, sessionID string) (SessionInfo, error) {
	var resp SessionInfo
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "join"), nil, &resp)
	return resp, err
}

func (c *Client) Leave(ctx context.Context, sessionID, outcome string) (LeaveSummary, error) {
	var resp LeaveSummary
	body := map[string]any{}
	if outcome != "" {
		body["outcome"] = outcome
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "leave"), body, &resp)
	return resp, err
}

func (c *Client) Session(ctx context.Context, sessionID string) (SessionInfo, error) {
	var resp SessionInfo
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, ""), nil, &resp)
	return resp, err
}

// PutState writes key if its version is still expected and returns the new
// version.
func (c *Client) PutState(ctx context.Context, sessionID, key string, value any, expected int64) (int64, error) {
	var resp struct {
		Version int64 `json:"version"`
	}
	body := map[string]any{"value": value, "expected_version": expected}
	err := c.do(ctx, http.MethodPut, c.sessionPath(sessionID, "state/"+url.PathEscape(key)), body, &resp)
	return resp.Version, err
}

func (c *Client) GetState(ctx context.Context, sessionID, key string) (StateEntry, error) {
	var resp StateEntry
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "state/"+url.PathEscape(key)), nil, &resp)
	return resp, err
}

func (c *Client) AppendFinding(ctx context.Context, sessionID string, f Finding) (string, error) {
	body := map[string]any{
		"category":   f.Category,
		"content":    f.Content,
		"confidence": f.Confidence,
	}
	if len(f.Evidence) > 0 {
		body["evidence"] = f.Evidence
	}
	if f.Supersedes != "" {
		body["supersedes"] = f.Supersedes
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "findings"), body, &resp)
	return resp.ID, err
}

func (c *Client) Findings(ctx context.Context, sessionID, cursor string, limit int) (FindingsPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp FindingsPage
	err := c.do(ctx, http.MethodGet, withQuery(c.sessionPath(sessionID, "findings"), q), nil, &resp)
	return resp, err
}

// AcquireLock asks for resource. A non-zero wait blocks server-side until the
// lock frees up or wait elapses; a denial is reported in the grant, not as an
// error.
func (c *Client) AcquireLock(ctx context.Context, sessionID, resource string, ttl, wait time.Duration) (LockGrant, error) {
	body := map[string]any{"resource": resource}
	if ttl > 0 {
		body["ttl_ms"] = ttl.Milliseconds()
	}
	if wait > 0 {
		body["wait_ms"] = wait.Milliseconds()
	}
	var resp LockGrant
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "locks/acquire"), body, &resp)
	return resp, err
}

func (c *Client) RenewLock(ctx context.Context, sessionID, resource string) (Lock, error) {
	var resp Lock
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "locks/renew"), map[string]any{"resource": resource}, &resp)
	return resp, err
}

func (c *Client) ReleaseLock(ctx context.Context, sessionID, resource string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "locks/release"), map[string]any{"resource": resource}, nil)
}

func (c *Client) CreateTask(ctx context.Context, sessionID string, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "tasks"), t, &resp)
	return resp, err
}

// ClaimTask returns nil when no pending task matches types.
func (c *Client) ClaimTask(ctx context.Context, sessionID string, types ...string) (*Task, error) {
	var resp struct {
		Task *Task `json:"task"`
	}
	body := map[string]any{}
	if len(types) > 0 {
		body["types"] = types
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "tasks/claim"), body, &resp)
	return resp.Task, err
}

func (c *Client) StartTask(ctx context.Context, sessionID, taskID string) (Task, error) {
	return c.taskAction(ctx, sessionID, taskID, "start", nil)
}

func (c *Client) HeartbeatTask(ctx context.Context, sessionID, taskID string) (Task, error) {
	return c.taskAction(ctx, sessionID, taskID, "heartbeat", nil)
}

func (c *Client) CompleteTask(ctx context.Context, sessionID, taskID string, result any) (Task, error) {
	body := map[string]any{}
	if result != nil {
		body["result"] = result
	}
	return c.taskAction(ctx, sessionID, taskID, "complete", body)
}

// FailTask returns the task's status after the failure: pending while retries
// remain, failed after.
func (c *Client) FailTask(ctx context.Context, sessionID, taskID, reason string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	endpoint := c.sessionPath(sessionID, "tasks/"+url.PathEscape(taskID)+"/fail")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp.Status, err
}

func (c *Client) taskAction(ctx context.Context, sessionID, taskID, action string, body any) (Task, error) {
	var resp Task
	endpoint := c.sessionPath(sessionID, "tasks/"+url.PathEscape(taskID)+"/"+action)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) Publish(ctx context.Context, sessionID, topic, eventType string, payload any) (Event, error) {
	var resp Event
	body := map[string]any{"type": eventType}
	if payload != nil {
		body["payload"] = payload
	}
	err := c.do(ctx, http.MethodPost, c.topicPath(sessionID, topic, "events"), body, &resp)
	return resp, err
}

func (c *Client) Events(ctx context.Context, sessionID, topic string, after int64, limit int) (EventsPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, withQuery(c.topicPath(sessionID, topic, "events"), q), nil, &resp)
	return resp, err
}

func (c *Client) Ack(ctx context.Context, sessionID, topic string, seq int64) error {
	return c.do(ctx, http.MethodPost, c.topicPath(sessionID, topic, "ack"), map[string]any{"seq": seq}, nil)
}

func (c *Client) Propose(ctx context.Context, sessionID string, p NewProposal) (Proposal, error) {
	if p.Rule == "" {
		p.Rule = "majority"
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "proposals"), p, &resp)
	return resp, err
}

func (c *Client) Vote(ctx context.Context, sessionID, proposalID string, b Ballot) (Vote, error) {
	var resp Vote
	endpoint := c.sessionPath(sessionID, "proposals/"+url.PathEscape(proposalID)+"/votes")
	err := c.do(ctx, http.MethodPost, endpoint, b, &resp)
	return resp, err
}

func (c *Client) Resolve(ctx context.Context, sessionID, proposalID string) (Decision, error) {
	var resp Decision
	endpoint := c.sessionPath(sessionID, "proposals/"+url.PathEscape(proposalID)+"/resolve")
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Dispatch(ctx context.Context, msg Message) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "v0/messages", msg, &resp)
	return resp, err
}

func (c *Client) Audit(ctx context.Context, query AuditQuery) (AuditPage, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"agent_id":    query.AgentID,
		"session_id":  query.SessionID,
		"action_name": query.ActionName,
		"outcome":     query.Outcome,
		"cursor":      query.Cursor,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, withQuery("v0/audit", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(sessionID, p string) string {
	endpoint := "v0/sessions/" + url.PathEscape(sessionID)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) topicPath(sessionID, topic, p string) string {
	return c.sessionPath(sessionID, "topics/"+url.PathEscape(topic)+"/"+p)
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
