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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flockline/internal/domain"
	"flockline/internal/engine"
	"flockline/internal/engine/auth"
	"flockline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"journey not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Flockline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Flockline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerJourneys(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerPeople(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var re engine.RemoteError
	if errors.As(err, &re) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": re.Error()})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, orgID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	svc := auth.Service{DB: e.DB}
	ok, err := svc.ActorHasPermission(ctx, orgID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

// orgContext resolves the tenant (path, then X-Org-Id, then token claim,
// then configured default) plus the authenticated actor.
func orgContext(ctx context.Context, e engine.Engine, pathOrgID string) (domain.OrgContext, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.OrgContext{}, authErr
	}
	orgID := pathOrgID
	if orgID == "" {
		if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
			orgID = strings.TrimSpace(req.Header.Get("X-Org-Id"))
		}
	}
	if orgID == "" {
		orgID = principal.OrgID
	}
	if orgID == "" && e.Config != nil {
		orgID = e.Config.Org.ID
	}
	if orgID == "" {
		return domain.OrgContext{}, newAPIError(http.StatusBadRequest, "bad_request", "organization not specified", nil)
	}
	return domain.OrgContext{OrgID: orgID, ActorID: principal.ActorID}, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Flockline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	type journeyPath struct {
		JourneyID string `path:"journey_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "journey-status",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}/status",
		Summary:     "Journey stage counts",
	}, func(ctx context.Context, input *journeyPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.Board(ctx, org, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		total := 0
		for _, s := range view.Stages {
			n := len(view.PeopleByStage[s.ID])
			counts[s.Title] = n
			total += n
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"journey_id":   view.Journey.ID,
			"title":        view.Journey.Title,
			"stage_counts": counts,
			"people":       total,
		}}, nil
	})
}

func registerJourneys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-journey",
		Method:        http.MethodPost,
		Path:          "/journeys",
		Summary:       "Create journey",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJourneyRequest `json:"body"`
	}) (*struct {
		Body JourneyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "journey.create"); err != nil {
			return nil, handleError(err)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		j, err := e.CreateJourney(ctx, org, input.Body.Title, desc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JourneyResponse `json:"body"`
		}{Body: journeyResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journeys",
		Method:      http.MethodGet,
		Path:        "/journeys",
		Summary:     "List journeys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []JourneyResponse `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListJourneys(ctx, org.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JourneyResponse `json:"body"`
		}{Body: mapJourneys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journey",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}",
		Summary:     "Get journey",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JourneyID string `path:"journey_id"`
	}) (*struct {
		Body JourneyResponse `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Repo.GetJourney(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		if j.OrgID != org.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body JourneyResponse `json:"body"`
		}{Body: journeyResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-journey",
		Method:      http.MethodDelete,
		Path:        "/journeys/{journey_id}",
		Summary:     "Delete journey",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		JourneyID string `path:"journey_id"`
	}) (*struct{}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "journey.delete"); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteJourney(ctx, org, input.JourneyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}/board",
		Summary:     "Journey board grouped by stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JourneyID string `path:"journey_id"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.Board(ctx, org, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: boardResponse(view)}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-stage",
		Method:        http.MethodPost,
		Path:          "/journeys/{journey_id}/stages",
		Summary:       "Add stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		JourneyID string          `path:"journey_id"`
		Body      AddStageRequest `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "stage.add"); err != nil {
			return nil, handleError(err)
		}
		s, err := e.AddStage(ctx, org, input.JourneyID, input.Body.Title)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}/stages",
		Summary:     "List stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JourneyID string `path:"journey_id"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Repo.GetJourney(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		if j.OrgID != org.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		items, err := e.Repo.ListStages(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename-stage",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}",
		Summary:     "Rename stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StageID string             `path:"stage_id"`
		Body    RenameStageRequest `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "stage.rename"); err != nil {
			return nil, handleError(err)
		}
		if err := e.RenameStage(ctx, org, input.StageID, input.Body.Title); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-stages",
		Method:      http.MethodPut,
		Path:        "/journeys/{journey_id}/stages/order",
		Summary:     "Reorder stages",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		JourneyID string               `path:"journey_id"`
		Body      ReorderStagesRequest `json:"body"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "structure.edit"); err != nil {
			return nil, handleError(err)
		}
		if err := e.ReorderStages(ctx, org, input.JourneyID, input.Body.Order); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStages(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-stage",
		Method:      http.MethodDelete,
		Path:        "/stages/{stage_id}",
		Summary:     "Delete stage",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct{}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "structure.edit"); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteStage(ctx, org, input.StageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPeople(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-person",
		Method:        http.MethodPost,
		Path:          "/people",
		Summary:       "Create person",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePersonRequest `json:"body"`
	}) (*struct {
		Body PersonResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "person.create"); err != nil {
			return nil, handleError(err)
		}
		journeyID := ""
		if input.Body.JourneyID != nil {
			journeyID = *input.Body.JourneyID
		}
		p, err := e.CreatePerson(ctx, org, input.Body.Name, journeyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PersonResponse `json:"body"`
		}{Body: personResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-people",
		Method:      http.MethodGet,
		Path:        "/people",
		Summary:     "List people",
	}, func(ctx context.Context, input *struct {
		JourneyID       string `query:"journey_id"`
		StageID         string `query:"stage_id"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit"`
	}) (*struct {
		Body []PersonResponse `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPeople(ctx, repo.PersonFilters{
			OrgID:           org.OrgID,
			JourneyID:       input.JourneyID,
			StageID:         input.StageID,
			IncludeArchived: input.IncludeArchived,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PersonResponse `json:"body"`
		}{Body: mapPeople(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-person",
		Method:      http.MethodGet,
		Path:        "/people/{person_id}",
		Summary:     "Get person",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PersonID string `path:"person_id"`
	}) (*struct {
		Body PersonResponse `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPerson(ctx, input.PersonID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.OrgID != org.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body PersonResponse `json:"body"`
		}{Body: personResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-person-stage",
		Method:      http.MethodPut,
		Path:        "/people/{person_id}/stage",
		Summary:     "Move person to a stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PersonID string          `path:"person_id"`
		Body     SetStageRequest `json:"body"`
	}) (*struct {
		Body PersonResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "person.move"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.SetStage(ctx, org, input.PersonID, input.Body.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PersonResponse `json:"body"`
		}{Body: personResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-person-journey",
		Method:      http.MethodPut,
		Path:        "/people/{person_id}/journey",
		Summary:     "Move person to another journey",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PersonID string            `path:"person_id"`
		Body     SetJourneyRequest `json:"body"`
	}) (*struct {
		Body PersonResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "person.move"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.SetJourney(ctx, org, input.PersonID, input.Body.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PersonResponse `json:"body"`
		}{Body: personResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-person",
		Method:      http.MethodPost,
		Path:        "/people/{person_id}/archive",
		Summary:     "Archive person",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PersonID string `path:"person_id"`
	}) (*struct{}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "person.archive"); err != nil {
			return nil, handleError(err)
		}
		if err := e.SetArchived(ctx, org, input.PersonID, true); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-person",
		Method:      http.MethodPost,
		Path:        "/people/{person_id}/restore",
		Summary:     "Restore archived person",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PersonID string `path:"person_id"`
	}) (*struct{}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "person.archive"); err != nil {
			return nil, handleError(err)
		}
		if err := e.SetArchived(ctx, org, input.PersonID, false); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "List history events",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		PersonID string `query:"person_id"`
		Action   string `query:"action"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedHistory `json:"body"`
	}, error) {
		org, authErr := orgContext(ctx, e, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, org.OrgID, "history.read"); err != nil {
			return nil, handleError(err)
		}
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = v
		}
		items, err := e.Repo.ListHistory(ctx, repo.HistoryFilters{
			OrgID:    org.OrgID,
			PersonID: input.PersonID,
			Action:   input.Action,
			Limit:    input.Limit,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedHistory{Items: make([]HistoryEventResponse, 0, len(items))}
		for _, ev := range items {
			out.Items = append(out.Items, historyResponse(ev))
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		if len(items) == limit {
			out.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedHistory `json:"body"`
		}{Body: out}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		orgID := principal.OrgID
		if orgID == "" && e.Config != nil {
			orgID = e.Config.Org.ID
		}
		if len(perms) == 0 && orgID != "" {
			svc := auth.Service{DB: e.DB}
			if stored, err := svc.ActorPermissions(ctx, orgID, principal.ActorID); err == nil {
				perms = stored
			}
			if len(roles) == 0 {
				if stored, err := e.Repo.ActorRoles(ctx, orgID, principal.ActorID); err == nil {
					roles = stored
				}
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			OrgID:       orgID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
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
		org := strings.TrimSpace(input.Body.OrgID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, org, input.Body.Roles, input.Body.Permissions)
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
