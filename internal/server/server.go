package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"arena/internal/domain"
	"arena/internal/engine"
	"arena/internal/engine/auth"
	"arena/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"submission_rejected"`
	Message string         `json:"message" example:"submission rejected: task run is not running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"task run is not running\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the arena API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	e := cfg.Engine
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.Repo))
	hcfg := huma.DefaultConfig("Arena API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerLive(router, basePath, e)
	registerHealth(group)
	registerRuns(group, e)
	registerTasks(group, e)
	registerSubmissions(group, e)
	registerJudging(group, e)
	registerScores(group, e)
	registerEvents(group, e)
	registerTeams(group, e)
	registerRBAC(group, e)
	registerMe(group, e)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	var ist domain.InvalidStateTransitionError
	if errors.As(err, &ist) {
		return newAPIError(http.StatusConflict, "invalid_state_transition", err.Error(), map[string]any{
			"entity": ist.Entity,
			"id":     ist.ID,
			"from":   ist.From,
			"to":     ist.To,
		})
	}
	var rej domain.SubmissionRejectedError
	if errors.As(err, &rej) {
		return newAPIError(http.StatusUnprocessableEntity, "submission_rejected", err.Error(), map[string]any{"reason": rej.Reason})
	}
	if errors.Is(err, domain.ErrUnknownToken) {
		return newAPIError(http.StatusConflict, "unknown_token", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrRunNotFound) ||
		errors.Is(err, domain.ErrTaskRunNotFound) ||
		errors.Is(err, domain.ErrSubmissionNotFound) ||
		errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not in template"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireRole passes when the principal holds any of roles, either in its
// token claims or in the stored role assignments.
func requireRole(ctx context.Context, e *engine.Engine, roles ...string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	for _, role := range roles {
		if auth.HasRole(principal.Roles, role) {
			return principal, nil
		}
	}
	stored, err := e.Auth.ActorRoles(ctx, principal.ActorID)
	if err != nil {
		return Principal{}, err
	}
	for _, role := range roles {
		if auth.HasRole(stored, role) {
			return principal, nil
		}
	}
	return Principal{}, auth.ForbiddenError{Role: roles[0]}
}

var readRoles = []string{auth.RoleViewer, auth.RoleJudge, auth.RoleParticipant}

// taskRunParam maps the "current" alias to the engine's empty id.
func taskRunParam(id string) string {
	if id == "current" {
		return ""
	}
	return id
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Arena API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type runPath struct {
	RunID string `path:"run_id"`
}

type taskPath struct {
	RunID     string `path:"run_id"`
	TaskRunID string `path:"task_run_id" doc:"task run id or \"current\""`
}

type runBody struct {
	Body RunResponse `json:"body"`
}

type taskRunBody struct {
	Body TaskRunResponse `json:"body"`
}

func runWithTasks(e *engine.Engine, run domain.Run) (*runBody, error) {
	tasks, err := e.TaskRuns(run.ID)
	if err != nil {
		return nil, handleError(err)
	}
	return &runBody{Body: runResponse(run, tasks)}, nil
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create a run from the loaded template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*runBody, error) {
		principal, err := requireRole(ctx, e, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		run, err := e.CreateRun(ctx, name, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return runWithTasks(e, run)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, readRoles...); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: nonNilSlice(e.ListRuns())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run with its task runs",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*runBody, error) {
		if _, err := requireRole(ctx, e, readRoles...); err != nil {
			return nil, handleError(err)
		}
		run, err := e.Run(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return runWithTasks(e, run)
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/start",
		Summary:     "Start a created run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*runBody, error) {
		principal, err := requireRole(ctx, e, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.StartRun(ctx, input.RunID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return runWithTasks(e, run)
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/terminate",
		Summary:     "Terminate a run, ending its running task and cancelling open judgements",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*runBody, error) {
		principal, err := requireRole(ctx, e, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.TerminateRun(ctx, input.RunID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return runWithTasks(e, run)
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "prepare-task",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/tasks",
		Summary:       "Prepare the next task run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string             `path:"run_id"`
		Body  PrepareTaskRequest `json:"body"`
	}) (*taskRunBody, error) {
		principal, err := requireRole(ctx, e, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.Task) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task is required", nil)
		}
		tr, err := e.PrepareTask(ctx, input.RunID, input.Body.Task, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskRunBody{Body: taskRunResponse(tr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-runs",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/tasks",
		Summary:     "List task runs in order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body []TaskRunResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, readRoles...); err != nil {
			return nil, handleError(err)
		}
		trs, err := e.TaskRuns(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskRunResponse, 0, len(trs))
		for _, tr := range trs {
			out = append(out, taskRunResponse(tr))
		}
		return &struct {
			Body []TaskRunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-state",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/tasks/{task_run_id}",
		Summary:     "Task run phase and time left",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskStateResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, readRoles...); err != nil {
			return nil, handleError(err)
		}
		tr, err := e.TaskRun(input.RunID, taskRunParam(input.TaskRunID))
		if err != nil {
			return nil, handleError(err)
		}
		left, _, err := e.TimeLeft(input.RunID, tr.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStateResponse `json:"body"`
		}{Body: TaskStateResponse{TaskRunResponse: taskRunResponse(tr), TimeLeftMS: left.Milliseconds()}}, nil
	})

	transition := func(id, verb, summary string, fn func(context.Context, string, string, string) (domain.TaskRun, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/runs/{run_id}/tasks/{task_run_id}/" + verb,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *taskPath) (*taskRunBody, error) {
			principal, err := requireRole(ctx, e, auth.RoleAdmin)
			if err != nil {
				return nil, handleError(err)
			}
			tr, err := fn(ctx, input.RunID, taskRunParam(input.TaskRunID), principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &taskRunBody{Body: taskRunResponse(tr)}, nil
		})
	}
	transition("start-task", "start", "Start a prepared task run", e.StartTask)
	transition("end-task", "end", "End a running task run", e.EndTask)
}

func registerSubmissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/tasks/{task_run_id}/submissions",
		Summary:       "Submit an answer for a team",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RunID     string        `path:"run_id"`
		TaskRunID string        `path:"task_run_id"`
		Body      SubmitRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, e, auth.RoleParticipant)
		if err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.TeamID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "team_id is required", nil)
		}
		sub, err := e.Submit(ctx, input.RunID, taskRunParam(input.TaskRunID), input.Body.TeamID, principal.ActorID, input.Body.Answer)
		if err != nil && sub.ID == 0 {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/tasks/{task_run_id}/submissions",
		Summary:     "List a task run's submissions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.Submission `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, auth.RoleJudge); err != nil {
			return nil, handleError(err)
		}
		subs, err := e.Submissions(input.RunID, taskRunParam(input.TaskRunID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Submission `json:"body"`
		}{Body: nonNilSlice(subs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-verdict",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/override",
		Summary:     "Override a submission verdict",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubmissionID int64           `path:"submission_id"`
		Body         OverrideRequest `json:"body"`
	}) (*struct {
		Body OverrideResponse `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, e, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		verdict, err := domain.ParseVerdict(input.Body.Verdict)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		sub, old, err := e.Override(ctx, input.SubmissionID, verdict, principal.ActorID)
		if err != nil && sub.ID == 0 {
			return nil, handleError(err)
		}
		return &struct {
			Body OverrideResponse `json:"body"`
		}{Body: OverrideResponse{Submission: sub, Previous: old}}, nil
	})
}

func registerJudging(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-judgement",
		Method:      http.MethodPost,
		Path:        "/judgements/next",
		Summary:     "Claim the oldest open judgement request",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, e, auth.RoleJudge)
		if err != nil {
			return nil, handleError(err)
		}
		req, ok := e.Claim(principal.ActorID)
		res := ClaimResponse{Available: ok}
		if ok {
			res.Request = &req
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-judgements",
		Method:      http.MethodGet,
		Path:        "/judgements",
		Summary:     "List open judgement requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.JudgementRequest `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, auth.RoleJudge); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JudgementRequest `json:"body"`
		}{Body: nonNilSlice(e.OpenJudgements())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-judgement",
		Method:      http.MethodPost,
		Path:        "/judgements/{token}",
		Summary:     "Resolve a claimed judgement request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Token string       `path:"token"`
		Body  JudgeRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, e, auth.RoleJudge)
		if err != nil {
			return nil, handleError(err)
		}
		verdict, err := domain.ParseVerdict(input.Body.Verdict)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		sub, err := e.Judge(ctx, principal.ActorID, domain.Judgement{Token: input.Token, Verdict: verdict, ValidatorID: principal.ActorID})
		if err != nil && sub.ID == 0 {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})
}

func registerScores(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-scores",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/tasks/{task_run_id}/scores",
		Summary:     "Current scores of one task run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body ScoresResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, readRoles...); err != nil {
			return nil, handleError(err)
		}
		tr, err := e.TaskRun(input.RunID, taskRunParam(input.TaskRunID))
		if err != nil {
			return nil, handleError(err)
		}
		scores, err := e.CurrentScores(input.RunID, tr.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoresResponse `json:"body"`
		}{Body: ScoresResponse{RunID: input.RunID, TaskRunID: tr.ID, Scores: nonNilSlice(scores)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "overall-scores",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/scores",
		Summary:     "Overall scores summed across task runs",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body ScoresResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, readRoles...); err != nil {
			return nil, handleError(err)
		}
		scores, err := e.Overall(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoresResponse `json:"body"`
		}{Body: ScoresResponse{RunID: input.RunID, Scores: nonNilSlice(scores)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "score-series",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/series",
		Summary:     "Score history of a run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Board string `query:"board" doc:"task run id; empty for every board"`
	}) (*struct {
		Body []domain.ScoreTimePoint `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, readRoles...); err != nil {
			return nil, handleError(err)
		}
		points, err := e.ScoreSeries(ctx, input.RunID, input.Board)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ScoreTimePoint `json:"body"`
		}{Body: nonNilSlice(points)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RunID  string `query:"run_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, auth.RoleViewer, auth.RoleJudge); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.RunID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTeams(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-team-member",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/members",
		Summary:       "Add a member to a team",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string           `path:"team_id"`
		Body   AddMemberRequest `json:"body"`
	}) (*struct{}, error) {
		principal, err := requireRole(ctx, e, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.AddMember(ctx, input.TeamID, strings.TrimSpace(input.Body.MemberID), principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team-members",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/members",
		Summary:     "List the members of a team",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body MembersResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, auth.RoleAdmin, auth.RoleJudge, auth.RoleViewer); err != nil {
			return nil, handleError(err)
		}
		members, err := e.Members(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MembersResponse `json:"body"`
		}{Body: MembersResponse{TeamID: input.TeamID, Members: members}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-team-member",
		Method:        http.MethodDelete,
		Path:          "/teams/{team_id}/members/{member_id}",
		Summary:       "Remove a member from a team",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID   string `path:"team_id"`
		MemberID string `path:"member_id"`
	}) (*struct{}, error) {
		principal, err := requireRole(ctx, e, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveMember(ctx, input.TeamID, input.MemberID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRBAC(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/rbac/roles",
		Summary:       "Grant a role",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct{}, error) {
		principal, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		if err := e.GrantRole(ctx, principal.ActorID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/rbac/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		target := strings.TrimSpace(input.Body.ActorID)
		if target == "" {
			target = principal.ActorID
		}
		plain, key, kerr := e.CreateAPIKey(ctx, principal.ActorID, target, input.Body.Name)
		if kerr != nil {
			return nil, handleError(kerr)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/rbac/api-keys",
		Summary:     "List API keys",
		Description: "Lists the caller's keys. Admins may pass actor_id, or all=true for every key.",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
		All     bool   `query:"all"`
	}) (*struct {
		Body []APIKeyInfo `json:"body"`
	}, error) {
		principal, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		target := strings.TrimSpace(input.ActorID)
		switch {
		case input.All:
			target = ""
		case target == "":
			target = principal.ActorID
		}
		keys, lerr := e.APIKeys(ctx, principal.ActorID, target)
		if lerr != nil {
			return nil, handleError(lerr)
		}
		out := make([]APIKeyInfo, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyInfo{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyInfo `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/rbac/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := e.RevokeAPIKey(ctx, principal.ActorID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		if len(roles) == 0 {
			stored, err := e.Auth.ActorRoles(ctx, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			roles = stored
		}
		teams, err := e.Repo.ActorTeams(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(roles),
			Teams:   nonNilSlice(teams),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		for _, role := range input.Body.Roles {
			if !auth.KnownRole(role) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid role "+role, nil)
			}
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
