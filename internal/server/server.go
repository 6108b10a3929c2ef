package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"coordline/internal/audit"
	"coordline/internal/blackboard"
	"coordline/internal/consensus"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/repo"
	"coordline/internal/taskq"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"version conflict on plan (current version 3)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the coordination API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Coordline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, e)
	registerState(group, e)
	registerFindings(group, e)
	registerLocks(group, e)
	registerTasks(group, e)
	registerTopics(group, e)
	registerProposals(group, e)
	registerAudit(group, e)
	registerMessages(group, e)
	registerStream(router, basePath, e, cfg.Auth.logger())
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var ce *domain.ConflictError
	switch {
	case errors.Is(err, domain.ErrAuditWriteFailed):
		return newAPIError(http.StatusInternalServerError, "audit_write_failed", msg, nil)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", msg, nil)
	case errors.Is(err, domain.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "conflict", msg, map[string]any{"key": ce.Key, "current_version": ce.Current})
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrNotHolder):
		return newAPIError(http.StatusConflict, "not_holder", msg, nil)
	case errors.Is(err, domain.ErrSessionClosed):
		return newAPIError(http.StatusConflict, "session_closed", msg, nil)
	case errors.Is(err, domain.ErrNotOnRoster):
		return newAPIError(http.StatusForbidden, "not_on_roster", msg, nil)
	case errors.Is(err, domain.ErrExpired):
		return newAPIError(http.StatusGone, "expired", msg, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "expired"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{
						Type: huma.TypeObject,
						Properties: map[string]*huma.Schema{
							"error": {
								Type: huma.TypeObject,
								Properties: map[string]*huma.Schema{
									"code":    {Type: huma.TypeString},
									"message": {Type: huma.TypeString},
									"details": {Type: huma.TypeObject},
								},
							},
						},
					}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Coordline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return out(map[string]string{"status": "ok"}), nil
	})
}

// attach resolves the caller's handle on sessionID.
func attach(ctx context.Context, e engine.Engine, sessionID string) (*engine.Session, error) {
	agentID, authErr := agentIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	return e.Attach(ctx, agentID, sessionID)
}

type SessionPath struct {
	SessionID string `path:"session_id"`
}

func registerSessions(api huma.API, e engine.Engine) {
	join := func(ctx context.Context, sessionID string, body *JoinRequest) (*output[SessionResponse], error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var opts engine.JoinOptions
		if body != nil {
			opts.Context = body.Context
			opts.TTL = time.Duration(body.TTLSeconds) * time.Second
		}
		s, err := e.Join(ctx, agentID, sessionID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		sess, err := e.GetSession(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ps, err := e.Participants(ctx, s.ID, true)
		if err != nil {
			return nil, handleError(err)
		}
		return out(sessionResponse(sess, ps)), nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a session with the caller as initiator",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body *JoinRequest
	}) (*output[SessionResponse], error) {
		return join(ctx, "", input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/join",
		Summary:     "Join an active session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body *JoinRequest
	}) (*output[SessionResponse], error) {
		return join(ctx, input.SessionID, input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "leave-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/leave",
		Summary:     "Leave a session and get the participation summary",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body *LeaveRequest
	}) (*output[engine.LeaveSummary], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		outcome := ""
		if input.Body != nil {
			outcome = input.Body.Outcome
		}
		sum, err := s.Leave(ctx, outcome)
		if err != nil {
			return nil, handleError(err)
		}
		return out(sum), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session and its participants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*output[SessionResponse], error) {
		sess, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		ps, err := e.Participants(ctx, input.SessionID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return out(sessionResponse(sess, ps)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,completed,aborted,"`
		Limit  int    `query:"limit" default:"50"`
	}) (*output[[]domain.Session], error) {
		ss, err := e.ListSessions(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(ss)), nil
	})
}

func registerState(api huma.API, e engine.Engine) {
	type KeyPath struct {
		SessionID string `path:"session_id"`
		Key       string `path:"key"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "put-state",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/state/{key}",
		Summary:     "Compare-and-set a blackboard key",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		KeyPath
		Body PutStateRequest
	}) (*output[StateVersionResponse], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := s.Put(ctx, input.Key, input.Body.Value, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return out(StateVersionResponse{Key: input.Key, Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/state/{key}",
		Summary:     "Read a blackboard key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *KeyPath) (*output[domain.StateEntry], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		entry, err := s.Get(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return out(entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-state",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/state",
		Summary:     "List blackboard keys by prefix",
	}, func(ctx context.Context, input *struct {
		SessionPath
		Prefix string `query:"prefix"`
	}) (*output[[]domain.StateEntry], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := s.Entries(ctx, input.Prefix)
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(entries)), nil
	})
}

func registerFindings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-finding",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/findings",
		Summary:       "Append a finding",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body domain.FindingPayload
	}) (*output[FindingCreatedResponse], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		id, err := s.AppendFinding(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return out(FindingCreatedResponse{ID: id}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-findings",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/findings",
		Summary:     "List findings in timestamp order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Category string `query:"category" enum:"observation,hypothesis,conclusion,"`
		AgentID  string `query:"agent_id"`
		Current  bool   `query:"current"`
		Cursor   string `query:"cursor"`
		Limit    int    `query:"limit" default:"50"`
	}) (*output[FindingsPage], error) {
		if _, err := attach(ctx, e, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, next, err := e.Board.FindingsPage(ctx, input.SessionID, blackboard.FindingFilter{
			Category: input.Category,
			AgentID:  input.AgentID,
			Current:  input.Current,
			Cursor:   input.Cursor,
			PageSize: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(FindingsPage{Items: nonNilSlice(items), NextCursor: next}), nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acquire-lock",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/locks/acquire",
		Summary:     "Acquire a leased lock, optionally waiting for it",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body LockRequest
	}) (*output[LockResponse], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		ttl := time.Duration(input.Body.TTLMS) * time.Millisecond
		if input.Body.WaitMS > 0 {
			g, err := s.AcquireWait(ctx, input.Body.Resource, ttl, time.Duration(input.Body.WaitMS)*time.Millisecond)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return nil, handleError(err)
			}
			return out(lockResponse(g)), nil
		}
		g, err := s.Acquire(ctx, input.Body.Resource, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return out(lockResponse(g)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "renew-lock",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/locks/renew",
		Summary:     "Extend a held lock by its TTL",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body LockRequest
	}) (*output[domain.Lock], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		l, err := s.Renew(ctx, input.Body.Resource)
		if err != nil {
			return nil, handleError(err)
		}
		return out(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-lock",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/locks/release",
		Summary:       "Release a held lock",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body LockRequest
	}) (*struct{}, error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.Release(ctx, input.Body.Resource); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "List live locks",
	}, func(ctx context.Context, input *struct {
		Prefix string `query:"prefix"`
	}) (*output[[]domain.Lock], error) {
		ls, err := e.Locks.List(ctx, input.Prefix)
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(ls)), nil
	})
}

type TaskPath struct {
	SessionID string `path:"session_id"`
	TaskID    string `path:"task_id"`
}

// sessionTask attaches to the session and checks that the task belongs to it.
func sessionTask(ctx context.Context, e engine.Engine, p TaskPath) (*engine.Session, error) {
	s, err := attach(ctx, e, p.SessionID)
	if err != nil {
		return nil, err
	}
	t, err := e.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if t.SessionID != p.SessionID {
		return nil, fmt.Errorf("task %s: %w", p.TaskID, repo.ErrNotFound)
	}
	return s, nil
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/tasks",
		Summary:       "Enqueue a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body CreateTaskRequest
	}) (*output[domain.Task], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := s.CreateTask(ctx, taskq.CreateOptions{
			ID:         input.Body.ID,
			Type:       input.Body.Type,
			Params:     input.Body.Params,
			Priority:   input.Body.Priority,
			MaxRetries: input.Body.MaxRetries,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		SessionPath
		Status     string `query:"status" enum:"pending,assigned,running,completed,failed,"`
		Type       string `query:"type"`
		AssignedTo string `query:"assigned_to"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[[]domain.Task], error) {
		ts, err := e.Tasks.List(ctx, taskq.ListFilter{
			SessionID:  input.SessionID,
			Status:     input.Status,
			Type:       input.Type,
			AssignedTo: input.AssignedTo,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(ts)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/tasks/claim",
		Summary:     "Claim the best pending task",
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body *ClaimRequest
	}) (*output[ClaimResponse], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		var types []string
		if input.Body != nil {
			types = input.Body.Types
		}
		t, err := s.Claim(ctx, types...)
		if err != nil {
			return nil, handleError(err)
		}
		return out(ClaimResponse{Task: t}), nil
	})

	transition := func(id, summary string, fn func(s *engine.Session, ctx context.Context, taskID string) (domain.Task, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id + "-task",
			Method:      http.MethodPost,
			Path:        "/sessions/{session_id}/tasks/{task_id}/" + id,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
		}, func(ctx context.Context, input *TaskPath) (*output[domain.Task], error) {
			s, err := sessionTask(ctx, e, *input)
			if err != nil {
				return nil, handleError(err)
			}
			t, err := fn(s, ctx, input.TaskID)
			if err != nil {
				return nil, handleError(err)
			}
			return out(t), nil
		})
	}
	transition("start", "Mark a claimed task running", (*engine.Session).Start)
	transition("heartbeat", "Extend the claim on a task", (*engine.Session).Heartbeat)

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/tasks/{task_id}/complete",
		Summary:     "Complete a claimed task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body *CompleteTaskRequest
	}) (*output[domain.Task], error) {
		s, err := sessionTask(ctx, e, input.TaskPath)
		if err != nil {
			return nil, handleError(err)
		}
		var result json.RawMessage
		if input.Body != nil {
			result = input.Body.Result
		}
		t, err := s.Complete(ctx, input.TaskID, result)
		if err != nil {
			return nil, handleError(err)
		}
		return out(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/tasks/{task_id}/fail",
		Summary:     "Fail a claimed task; it is requeued while retries remain",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body *FailTaskRequest
	}) (*output[FailTaskResponse], error) {
		s, err := sessionTask(ctx, e, input.TaskPath)
		if err != nil {
			return nil, handleError(err)
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		status, err := s.Fail(ctx, input.TaskID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return out(FailTaskResponse{ID: input.TaskID, Status: status}), nil
	})
}

type TopicPath struct {
	SessionID string `path:"session_id"`
	Topic     string `path:"topic"`
}

func registerTopics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-event",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/topics/{topic}/events",
		Summary:       "Publish an event on a topic",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TopicPath
		Body PublishRequest
	}) (*output[domain.Event], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := s.Publish(ctx, input.Topic, input.Body.Type, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return out(ev), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/topics/{topic}/events",
		Summary:     "Read a topic after a sequence number",
	}, func(ctx context.Context, input *struct {
		TopicPath
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"50"`
	}) (*output[EventsPage], error) {
		if _, err := attach(ctx, e, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, next, err := e.Events.Page(ctx, input.SessionID, input.Topic, input.After, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return out(EventsPage{Items: nonNilSlice(items), Next: next}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ack-topic",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/topics/{topic}/ack",
		Summary:       "Store the caller's cursor on a topic",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		TopicPath
		Body AckRequest
	}) (*struct{}, error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.Ack(ctx, input.Topic, input.Body.Seq); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type ProposalPath struct {
	SessionID  string `path:"session_id"`
	ProposalID string `path:"proposal_id"`
}

func sessionProposal(ctx context.Context, e engine.Engine, p ProposalPath) (*engine.Session, domain.Proposal, error) {
	s, err := attach(ctx, e, p.SessionID)
	if err != nil {
		return nil, domain.Proposal{}, err
	}
	prop, err := e.Consensus.Get(ctx, p.ProposalID)
	if err != nil {
		return nil, prop, err
	}
	if prop.SessionID != p.SessionID {
		return nil, prop, fmt.Errorf("proposal %s: %w", p.ProposalID, repo.ErrNotFound)
	}
	return s, prop, nil
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-proposal",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/proposals",
		Summary:       "Open a proposal for a vote",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body ProposeRequest
	}) (*output[domain.Proposal], error) {
		s, err := attach(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		opts := consensus.OpenOptions{
			Description: input.Body.Description,
			Rule:        input.Body.Rule,
			Threshold:   input.Body.Threshold,
			Roster:      input.Body.Roster,
		}
		if input.Body.Deadline != nil {
			opts.Deadline = *input.Body.Deadline
		}
		p, err := s.Propose(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return out(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		SessionPath
		Status string `query:"status" enum:"open,decided,expired,"`
	}) (*output[[]domain.Proposal], error) {
		ps, err := e.Consensus.List(ctx, input.SessionID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(ps)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/proposals/{proposal_id}",
		Summary:     "Get a proposal with its votes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProposalPath) (*output[ProposalResponse], error) {
		_, p, err := sessionProposal(ctx, e, *input)
		if err != nil {
			return nil, handleError(err)
		}
		votes, err := e.Consensus.Votes(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(proposalResponse(p, votes)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/proposals/{proposal_id}/votes",
		Summary:     "Cast or replace the caller's vote",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ProposalPath
		Body VoteRequest
	}) (*output[domain.Vote], error) {
		s, _, err := sessionProposal(ctx, e, input.ProposalPath)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := s.Vote(ctx, domain.VotePayload{
			ProposalID: input.ProposalID,
			Choice:     input.Body.Choice,
			Confidence: input.Body.Confidence,
			Reason:     input.Body.Reason,
			Evidence:   input.Body.Evidence,
			Domain:     input.Body.Domain,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-proposal",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/proposals/{proposal_id}/resolve",
		Summary:     "Evaluate the votes and close the proposal if decided or overdue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProposalPath) (*output[consensus.Decision], error) {
		s, _, err := sessionProposal(ctx, e, *input)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := s.Resolve(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(d), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query hot audit entries as export records, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID    string    `query:"agent_id"`
		SessionID  string    `query:"session_id"`
		ActionType string    `query:"action_type" enum:"tool,skill,external,decision,error,"`
		ActionName string    `query:"action_name"`
		Outcome    string    `query:"outcome"`
		Since      time.Time `query:"since"`
		Until      time.Time `query:"until"`
		Cursor     string    `query:"cursor"`
		Limit      int       `query:"limit" default:"50"`
	}) (*output[AuditPage], error) {
		items, next, err := e.Audit.Page(ctx, audit.Filter{
			AgentID:    input.AgentID,
			SessionID:  input.SessionID,
			ActionType: input.ActionType,
			ActionName: input.ActionName,
			Outcome:    input.Outcome,
			Since:      input.Since,
			Until:      input.Until,
			Cursor:     input.Cursor,
			PageSize:   normalizeLimit(input.Limit),
		})
		if err != nil {
			if !errors.Is(err, domain.ErrStoreUnavailable) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			return nil, handleError(err)
		}
		return out(AuditPage{Items: exportRecords(items), NextCursor: next}), nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Dispatch a worker message envelope",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest
	}) (*output[engine.DispatchResult], error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		body := input.Body
		if body.AgentID != "" && body.AgentID != agentID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "agent_id does not match the authenticated agent", nil)
		}
		msg := domain.Message{
			ID:        body.ID,
			SessionID: body.SessionID,
			AgentID:   agentID,
			Kind:      body.Kind,
			Payload:   body.Payload,
		}
		if body.Timestamp != nil {
			msg.Timestamp = *body.Timestamp
		}
		res, err := e.Dispatch(ctx, msg)
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
