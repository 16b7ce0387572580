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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"stakeline/internal/amount"
	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/engine"
	"stakeline/internal/engine/auth"
	"stakeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
	// Context stops the webhook dispatcher; nil disables webhooks.
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"state conflict: task 3 is completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body for huma.
type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type taskPath struct {
	ID int64 `path:"id"`
}

// New returns an HTTP handler exposing the Stakeline API.
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation is a malformed request, not a rule violation
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Log))
	hcfg := huma.DefaultConfig("Stakeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	startWebhookDispatcher(cfg.Context, cfg.Engine, cfg.Log)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerJoin(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerCancel(group, cfg.Engine)
	registerFunds(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
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
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrReentrant):
		return newAPIError(http.StatusLocked, "reentrant_call", msg, nil)
	case errors.Is(err, engine.ErrTransferFailed):
		return newAPIError(http.StatusBadGateway, "transfer_failed", msg, nil)
	case errors.Is(err, engine.ErrValueMismatch):
		return newAPIError(http.StatusUnprocessableEntity, "value_mismatch", msg, nil)
	case errors.Is(err, engine.ErrLimit):
		return newAPIError(http.StatusUnprocessableEntity, "limit_violation", msg, nil)
	case errors.Is(err, engine.ErrStateConflict):
		return newAPIError(http.StatusConflict, "state_conflict", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stakeline API Docs</title>
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
</html>`, docURL)
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Protocol status",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]any], error) {
		counts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		pool, err := e.FeePool(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		solvency, err := e.Solvency(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		_, version, err := e.Config(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(map[string]any{
			"task_counts":    counts,
			"fee_pool":       pool,
			"solvency":       solvency,
			"balanced":       solvency.Balanced(),
			"config_version": version,
		}), nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Register(ctx, actorID, input.Body.Name, input.Body.Age)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unregister-user",
		Method:        http.MethodDelete,
		Path:          "/users/me",
		Summary:       "Unregister the caller",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Unregister(ctx, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users by reputation",
	}, func(ctx context.Context, _ *struct{}) (*output[any], error) {
		users, err := e.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](nonNilSlice(users)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "User profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[any], error) {
		u, err := e.Profile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/users/{id}/reputation",
		Summary:     "Reputation score (0 when unregistered)",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[map[string]int64], error) {
		rep, err := e.Reputation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(map[string]int64{"reputation": rep}), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "quote-creator-stake",
		Method:      http.MethodGet,
		Path:        "/stake/quote",
		Summary:     "Quote the funding a task needs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		DeadlineHours int64  `query:"deadline_hours"`
		MaxRevisions  int64  `query:"max_revisions"`
		Reward        int64  `query:"reward"`
		CreatorID     string `query:"creator_id"`
	}) (*output[engine.Quote], error) {
		creator := input.CreatorID
		if creator == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			creator = actorID
		}
		q, err := e.QuoteCreatorStake(ctx, input.DeadlineHours, input.MaxRevisions, input.Reward, creator)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a funded task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Title:         input.Body.Title,
			URL:           input.Body.URL,
			DeadlineHours: input.Body.DeadlineHours,
			MaxRevisions:  input.Body.MaxRevisions,
			Reward:        input.Body.Reward,
			Value:         input.Body.Value,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		CreatorID string `query:"creator_id"`
		MemberID  string `query:"member_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedTasks], error) {
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		tasks, lerr := e.ListTasks(ctx, repo.TaskFilters{
			Status:    input.Status,
			CreatorID: input.CreatorID,
			MemberID:  input.MemberID,
			Limit:     limit + 1,
			Cursor:    cursor,
		})
		if lerr != nil {
			return nil, handleError(lerr)
		}
		resp := paginatedTasks{}
		if len(tasks) > limit {
			resp.NextCursor = strconv.FormatInt(tasks[limit-1].ID, 10)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[TaskResponse], error) {
		t, err := e.Task(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	registerTaskAction(api, "open-registration", "/tasks/{id}/registration/open", "Open registration", e.OpenRegistration)
	registerTaskAction(api, "close-registration", "/tasks/{id}/registration/close", "Close registration", e.CloseRegistration)
	registerTaskAction(api, "approve-task", "/tasks/{id}/approve", "Approve the pending submission", e.ApproveTask)
	registerTaskAction(api, "expire-cancel", "/tasks/{id}/cancel/expire", "Reset an expired cancel negotiation", e.ExpireCancel)
	registerTaskAction(api, "cancel-by-me", "/tasks/{id}/cancel/self", "Cancel unilaterally", e.CancelByMe)

	huma.Register(api, huma.Operation{
		OperationID: "trigger-deadline",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/deadline",
		Summary:     "Cancel the task if its deadline passed",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*output[DeadlineResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		triggered, t, err := e.TriggerDeadline(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DeadlineResponse{Triggered: triggered, Task: taskResponse(t)}), nil
	})
}

// registerTaskAction registers a body-less POST that runs fn for the caller.
func registerTaskAction(api huma.API, opID, route, summary string, fn func(context.Context, int64, string) (domain.Task, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*output[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := fn(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})
}

func registerJoin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "quote-member-stake",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/member-stake",
		Summary:     "Collateral required to join",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[map[string]int64], error) {
		s, err := e.QuoteMemberStake(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(map[string]int64{"stake": s}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-join",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/join",
		Summary:       "Request to join with the member stake",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body JoinRequestBody `json:"body"`
	}) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		jr, err := e.RequestJoin(ctx, input.ID, actorID, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](jr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-join",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}/join",
		Summary:     "Withdraw the caller's pending join request",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		jr, err := e.WithdrawJoinRequest(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](jr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-join-requests",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/join-requests",
		Summary:     "Join request history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[any], error) {
		items, err := e.JoinRequests(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-join",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/join/approve",
		Summary:     "Assign an applicant as member",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body ApplicantRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveJoin(ctx, input.ID, actorID, input.Body.ApplicantID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-join",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/join/reject",
		Summary:     "Reject an applicant and refund the stake",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body ApplicantRequest `json:"body"`
	}) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		jr, err := e.RejectJoin(ctx, input.ID, actorID, input.Body.ApplicantID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](jr), nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/submit",
		Summary:     "Submit work for review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body SubmitRequest `json:"body"`
	}) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.Submit(ctx, input.ID, actorID, input.Body.URL, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](sub), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/submission",
		Summary:     "Active submission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[any], error) {
		sub, err := e.Submission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](sub), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/revision",
		Summary:     "Send the submission back for revision",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body RevisionRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RequestRevision(ctx, input.ID, actorID, input.Body.Note, input.Body.ExtraHours)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/resubmit",
		Summary:     "Answer a revision request",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body ResubmitRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Resubmit(ctx, input.ID, actorID, input.Body.Note, input.Body.URL)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})
}

func registerCancel(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-cancel",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/cancel/request",
		Summary:       "Open a mutual-cancel negotiation",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body CancelRequestBody `json:"body"`
	}) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cr, err := e.RequestCancel(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](cr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cancel-request",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Pending cancel negotiation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[any], error) {
		cr, err := e.CancelRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](cr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-cancel",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel/respond",
		Summary:     "Answer a cancel negotiation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body CancelResponseRequest `json:"body"`
	}) (*output[CancelOutcomeResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcome, err := e.RespondCancel(ctx, input.ID, actorID, input.Body.Approve)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Task(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CancelOutcomeResponse{Outcome: string(outcome), Task: taskResponse(t)}), nil
	})
}

func registerFunds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/balance",
		Summary:     "Caller's withdrawable balance",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[BalanceResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Balance(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(BalanceResponse{ActorID: actorID, Amount: b, Display: displayAmount(ctx, e, b)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw",
		Method:      http.MethodPost,
		Path:        "/balance/withdraw",
		Summary:     "Withdraw the caller's whole balance",
		Errors:      append([]int{http.StatusBadGateway, http.StatusLocked}, mutationErrors...),
	}, func(ctx context.Context, _ *struct{}) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Withdraw(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-fee-pool",
		Method:      http.MethodGet,
		Path:        "/fees",
		Summary:     "Fee pool",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.FeePool], error) {
		pool, err := e.FeePool(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pool), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-fees",
		Method:      http.MethodPost,
		Path:        "/fees/sweep",
		Summary:     "Transfer the fee pool to the treasury",
		Errors:      append([]int{http.StatusBadGateway, http.StatusLocked}, mutationErrors...),
	}, func(ctx context.Context, _ *struct{}) (*output[any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SweepFees(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payouts",
		Method:      http.MethodGet,
		Path:        "/payouts",
		Summary:     "Executed payouts",
	}, func(ctx context.Context, input *struct {
		Recipient string `query:"recipient"`
		Limit     int    `query:"limit" default:"50"`
	}) (*output[any], error) {
		items, err := e.ListPayouts(ctx, input.Recipient, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](nonNilSlice(items)), nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Current protocol config",
	}, func(ctx context.Context, _ *struct{}) (*output[ConfigResponse], error) {
		cfg, version, err := e.Config(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ConfigResponse{Version: version, Config: cfg}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-config-versions",
		Method:      http.MethodGet,
		Path:        "/config/versions",
		Summary:     "Config version history",
	}, func(ctx context.Context, _ *struct{}) (*output[any], error) {
		items, err := e.ConfigVersions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply[any](nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Replace the protocol config (owner only)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body config.Config `json:"body"`
	}) (*output[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, err := e.ImportConfig(ctx, actorID, &input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(VersionResponse{Version: version}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPatch,
		Path:        "/config",
		Summary:     "Change protocol parameters (owner only)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ConfigFieldRequest `json:"body"`
	}) (*output[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, err := e.UpdateConfig(ctx, actorID, "patch", input.Body.apply)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(VersionResponse{Version: version}), nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-employee",
		Method:      http.MethodPost,
		Path:        "/rbac/employees/grant",
		Summary:     "Grant the employee role (owner only)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantEmployee(ctx, actorID, input.Body.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-employee",
		Method:      http.MethodPost,
		Path:        "/rbac/employees/revoke",
		Summary:     "Revoke the employee role (owner only)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeEmployee(ctx, actorID, input.Body.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		TaskID  int64  `query:"task_id"`
		ActorID string `query:"actor_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		items, lerr := e.ListEvents(ctx, repo.EventFilters{
			Type:    input.Type,
			TaskID:  input.TaskID,
			ActorID: input.ActorID,
			Limit:   limit + 1,
			Cursor:  cursor,
		})
		if lerr != nil {
			return nil, handleError(lerr)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := e.Roles(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		caps, err := e.Capabilities(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := MeResponse{
			ActorID:      principal.ActorID,
			Source:       principal.Source,
			Roles:        nonNilSlice(roles),
			Capabilities: caps,
		}
		if u, err := e.Profile(ctx, principal.ActorID); err == nil {
			resp.Profile = &u
		}
		return reply(resp), nil
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
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		// tokens are checked against the wall clock, not the engine clock
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Issue an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*output[CreateAPIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		rec, key, err := e.Repo.IssueAPIKey(ctx, nil, actorID, input.Body.Name, now.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CreateAPIKeyResponse{ID: rec.ID, Key: key, Name: rec.Name}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List the caller's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.APIKey], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range keys {
			keys[i].KeyHash = ""
		}
		return reply(nonNilSlice(keys)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{id}",
		Summary:       "Revoke one of the caller's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.RevokeAPIKey(ctx, actorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// displayAmount renders base units in whole tokens using the current config.
func displayAmount(ctx context.Context, e engine.Engine, units int64) string {
	cfg, _, err := e.Config(ctx)
	if err != nil || cfg.Limits.UnitsPerWhole <= 0 {
		return strconv.FormatInt(units, 10)
	}
	return amount.Format(units, cfg.Limits.UnitsPerWhole)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

// parseCursor reads an exclusive id cursor; "" means from the newest.
func parseCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return v, nil
}
