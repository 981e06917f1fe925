package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sitewright/internal/app"
	"sitewright/internal/domain"
	"sitewright/internal/engine"
	"sitewright/internal/llm"
	"sitewright/internal/logging"
	"sitewright/internal/metrics"
	"sitewright/internal/orchestrator"
	"sitewright/internal/repo"
	"sitewright/internal/runs"
	"sitewright/internal/workspace"
)

const DefaultBasePath = "/api"

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"provider_error"`
	Message string         `json:"message" example:"provider status 502: upstream unavailable"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":502}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sitewright API, the preview
// file server and the metrics endpoint.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Sitewright API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.App
	registerDocs(router, basePath)
	router.Handle("/metrics", metrics.Handler())
	registerPreview(router, a)
	registerHealth(api, a)
	registerSystem(group, a)
	registerProvider(group, a)
	registerProjects(group, a)
	registerPermissions(group, a)
	registerWorkspace(group, a)
	registerRuns(group, a)
	registerWorkflow(group, a)
	if err := registerOpenAPI(router, api, basePath, cfg.Auth); err != nil {
		return nil, err
	}

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
	var pe *llm.ProviderError
	switch {
	case errors.As(err, &pe):
		return newAPIError(http.StatusBadGateway, "provider_error", err.Error(), map[string]any{"status": pe.Status})
	case llm.IsProviderError(err):
		return newAPIError(http.StatusBadGateway, "provider_error", err.Error(), nil)
	case errors.Is(err, llm.ErrMissingAPIKey):
		return newAPIError(http.StatusServiceUnavailable, "provider_unavailable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, runs.ErrNotFound), errors.Is(err, workspace.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, workspace.ErrPathTraversal):
		return newAPIError(http.StatusBadRequest, "path_traversal", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidProject), errors.Is(err, workspace.ErrInvalidProject):
		return newAPIError(http.StatusBadRequest, "invalid_project", err.Error(), nil)
	case errors.Is(err, engine.ErrEmptyGoal), errors.Is(err, orchestrator.ErrNoMessages):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusBadGateway:
		return "provider_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// project resolves an optional project id, defaulting to the default
// project.
func project(id string) (string, huma.StatusError) {
	p, err := app.ResolveProject(id)
	if err != nil {
		return "", handleError(err)
	}
	return p, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			attrs := []any{"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(started)}
			if p, ok := principalFromContext(r.Context()); ok {
				attrs = append(attrs, "subject", p.Subject)
			}
			logger.Debug("http request", attrs...)
		})
	}
}

// registerPreview serves a project's files so /preview/<project>/preview/
// renders the generated site.
func registerPreview(r chi.Router, a *app.App) {
	r.Get("/preview/{project}/*", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "project")
		if !domain.ValidID(id) || !a.Workspace.Exists(id) {
			http.NotFound(w, req)
			return
		}
		root, err := a.Workspace.ProjectRoot(id)
		if err != nil {
			http.NotFound(w, req)
			return
		}
		prefix := "/preview/" + id
		http.StripPrefix(prefix, http.FileServer(http.Dir(filepath.Clean(root)))).ServeHTTP(w, req)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI renders the document once; it must run after every
// operation is registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) error {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	if auth.enabled() {
		applyAuthSecurity(oas)
	}
	spec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("render openapi: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
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

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == "/health" {
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
    <title>Sitewright API Docs</title>
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
  </body>
</html>`, specURL)
}
