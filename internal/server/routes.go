package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sitewright/internal/app"
	"sitewright/internal/domain"
	"sitewright/internal/engine"
	"sitewright/internal/orchestrator"
	"sitewright/internal/repo"
	"sitewright/internal/tools"
)

type projectQuery struct {
	ProjectID string `query:"project_id" default:"default"`
}

type traceQuery struct {
	ProjectID string `query:"project_id" default:"default"`
	TraceID   string `query:"trace_id"`
}

type fileQuery struct {
	ProjectID string `query:"project_id" default:"default"`
	Path      string `query:"path"`
}

type runPath struct {
	ProjectID string `path:"project_id"`
	TraceID   string `path:"trace_id"`
}

type catalogQuery struct {
	ProjectID string `path:"project_id"`
	Status    string `query:"status"`
	Limit     int    `query:"limit" minimum:"0" maximum:"500"`
}

func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(ctx context.Context, input *projectQuery) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			OK:           true,
			PreviewURL:   "/preview/" + id + "/preview/",
			WorkspaceDir: a.Workspace.Dir,
		}}, nil
	})
}

func registerSystem(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "system-maps",
		Method:      http.MethodGet,
		Path:        "/system/maps",
		Summary:     "System maps and runtime memory",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]json.RawMessage `json:"body"`
	}, error) {
		maps := a.Config.SystemMap.LoadSystemMaps()
		doc, err := a.States.Snapshot()
		if err != nil {
			return nil, handleError(err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, handleError(err)
		}
		maps["runtime_memory"] = raw
		return &struct {
			Body map[string]json.RawMessage `json:"body"`
		}{Body: maps}, nil
	})
}

func registerProvider(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-models",
		Method:      http.MethodGet,
		Path:        "/models",
		Summary:     "List provider models",
		Tags:        []string{"provider"},
		Errors:      []int{http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		if a.Provider == nil {
			return nil, errNoProvider()
		}
		out, err := a.Provider.ListModels(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-agent",
		Method:      http.MethodPost,
		Path:        "/agents/create",
		Summary:     "Register a provider-side agent with the tool catalogue",
		Tags:        []string{"provider"},
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body AgentCreateRequest `json:"body"`
	}) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		if a.Provider == nil {
			return nil, errNoProvider()
		}
		out, err := a.Provider.CreateAgent(ctx, map[string]any{
			"name":         input.Body.Name,
			"model":        input.Body.Model,
			"instructions": input.Body.Instructions + "\n\n" + a.Engine.Rules(),
			"description":  input.Body.Description,
			"tools":        tools.Catalogue(),
			"completion_args": map[string]any{
				"tool_choice":         "auto",
				"parallel_tool_calls": true,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-agent",
		Method:      http.MethodPost,
		Path:        "/agents/complete",
		Summary:     "Run a completion against a provider-side agent",
		Tags:        []string{"provider"},
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body AgentCompleteRequest `json:"body"`
	}) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		if a.Provider == nil {
			return nil, errNoProvider()
		}
		parallel := true
		if input.Body.ParallelToolCalls != nil {
			parallel = *input.Body.ParallelToolCalls
		}
		out, err := a.Provider.CompleteAgent(ctx, map[string]any{
			"agent_id":            input.Body.AgentID,
			"messages":            input.Body.Messages,
			"tools":               tools.Catalogue(),
			"tool_choice":         "auto",
			"parallel_tool_calls": parallel,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: out}, nil
	})
}

func errNoProvider() huma.StatusError {
	return newAPIError(http.StatusServiceUnavailable, "provider_unavailable", "no provider client configured", nil)
}

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Tags:        []string{"projects"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		ids, err := a.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{OK: true, Projects: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectCreateResponse `json:"body"`
	}, error) {
		id, err := a.CreateProject(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectCreateResponse `json:"body"`
		}{Body: ProjectCreateResponse{OK: true, ProjectID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List catalogued runs of a project",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *catalogQuery) (*struct {
		Body RunCatalogResponse `json:"body"`
	}, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		items, err := a.Repo.ListRuns(ctx, repo.RunFilter{ProjectID: id, Status: domain.RunStatus(input.Status), Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunCatalogResponse `json:"body"`
		}{Body: RunCatalogResponse{OK: true, ProjectID: id, Runs: items}}, nil
	})
}

func registerPermissions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-permissions",
		Method:      http.MethodGet,
		Path:        "/permissions",
		Summary:     "Get project permissions",
		Tags:        []string{"permissions"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *projectQuery) (*struct {
		Body PermissionsResponse `json:"body"`
	}, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		perms, err := a.Gate.Get(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionsResponse `json:"body"`
		}{Body: PermissionsResponse{OK: true, ProjectID: id, Permissions: perms}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-permissions",
		Method:      http.MethodPost,
		Path:        "/permissions",
		Summary:     "Merge a permission patch",
		Tags:        []string{"permissions"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PermissionsRequest `json:"body"`
	}) (*struct {
		Body PermissionsResponse `json:"body"`
	}, error) {
		id, herr := project(input.Body.ProjectID)
		if herr != nil {
			return nil, herr
		}
		perms, err := a.Gate.Set(ctx, id, input.Body.Permissions)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionsResponse `json:"body"`
		}{Body: PermissionsResponse{OK: true, ProjectID: id, Permissions: perms}}, nil
	})
}

// Workspace endpoints answer with the tool result document, so a blocked or
// missing file is a 200 with ok=false just as the model would see it.
func registerWorkspace(api huma.API, a *app.App) {
	type resultOutput struct {
		Body tools.Result `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "workspace-list",
		Method:      http.MethodGet,
		Path:        "/workspace/list",
		Summary:     "List project files",
		Tags:        []string{"workspace"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *projectQuery) (*resultOutput, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		return &resultOutput{Body: a.Tools.ListWorkspace(id)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-read",
		Method:      http.MethodGet,
		Path:        "/workspace/read",
		Summary:     "Read a project file",
		Tags:        []string{"workspace"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *fileQuery) (*resultOutput, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		if input.Path == "" {
			return &resultOutput{Body: tools.Result{Error: "path_required"}}, nil
		}
		return &resultOutput{Body: a.Tools.ReadFile(id, input.Path)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-write",
		Method:      http.MethodPost,
		Path:        "/workspace/write",
		Summary:     "Create or overwrite a project file",
		Tags:        []string{"workspace"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body WriteRequest `json:"body"`
	}) (*resultOutput, error) {
		id, herr := project(input.Body.ProjectID)
		if herr != nil {
			return nil, herr
		}
		return &resultOutput{Body: a.Tools.CreateFile(ctx, id, input.Body.Path, input.Body.Content)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-patch",
		Method:      http.MethodPost,
		Path:        "/workspace/patch",
		Summary:     "Find and replace inside a project file",
		Tags:        []string{"workspace"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PatchRequest `json:"body"`
	}) (*resultOutput, error) {
		id, herr := project(input.Body.ProjectID)
		if herr != nil {
			return nil, herr
		}
		b := input.Body
		return &resultOutput{Body: a.Tools.PatchFile(ctx, id, b.Path, b.Find, b.Replace, b.Count)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-delete",
		Method:      http.MethodDelete,
		Path:        "/workspace/delete",
		Summary:     "Delete a project file",
		Tags:        []string{"workspace"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *fileQuery) (*resultOutput, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		return &resultOutput{Body: a.Tools.DeleteFile(ctx, id, input.Path)}, nil
	})
}

func registerRuns(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recorded run ids",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *projectQuery) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		ids, err := a.Archive.List(id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{OK: true, ProjectID: id, Runs: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{project_id}/{trace_id}",
		Summary:     "Read a run and its post-run artifacts",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body RunDetailResponse `json:"body"`
	}, error) {
		art, err := a.Archive.Load(input.ProjectID, input.TraceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunDetailResponse `json:"body"`
		}{Body: RunDetailResponse{
			OK:               true,
			ProjectID:        input.ProjectID,
			TraceID:          input.TraceID,
			Run:              art.Run,
			ArchitectSummary: art.ArchitectSummary,
			Notes:            art.Notes,
			MetaReview:       art.MetaReview,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-agents",
		Method:      http.MethodGet,
		Path:        "/workflow/agents",
		Summary:     "Agent summaries of a run",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *traceQuery) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		out := AgentsResponse{OK: true, ProjectID: id, TraceID: input.TraceID, Agents: []domain.AgentSummary{}}
		if input.TraceID != "" {
			if err := a.Events.LoadFromDisk(ctx, id, input.TraceID); err != nil {
				return nil, handleError(err)
			}
			out.Agents = a.Events.Agents(id, input.TraceID)
		}
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-events",
		Method:      http.MethodGet,
		Path:        "/workflow/events",
		Summary:     "Events of a run grouped by agent",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *traceQuery) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		id, herr := project(input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		out := EventsResponse{OK: true, ProjectID: id, TraceID: input.TraceID, EventsByAgent: map[string][]domain.Event{}}
		if input.TraceID != "" {
			if err := a.Events.LoadFromDisk(ctx, id, input.TraceID); err != nil {
				return nil, handleError(err)
			}
			out.EventsByAgent = a.Events.EventsByAgent(id, input.TraceID)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerWorkflow(api huma.API, a *app.App) {
	postprocess := func(v *bool) bool {
		if v != nil {
			return *v
		}
		return a.Config.Agent.EnablePostprocess
	}
	reasoning := func(v string) string {
		if v != "" {
			return v
		}
		return a.Config.Agent.ReasoningModel
	}

	huma.Register(api, huma.Operation{
		OperationID: "run-workflow",
		Method:      http.MethodPost,
		Path:        "/workflow",
		Summary:     "Run the agent loop for a goal",
		Tags:        []string{"workflow"},
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		Body WorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.RunPayload `json:"body"`
	}, error) {
		b := input.Body
		id, herr := project(b.ProjectID)
		if herr != nil {
			return nil, herr
		}
		if err := a.EnsureProject(ctx, id); err != nil {
			return nil, handleError(err)
		}
		payload, err := a.Engine.Run(ctx, engine.RunRequest{
			Project:           id,
			Model:             b.Model,
			Goal:              b.Goal,
			MaxSteps:          b.MaxSteps,
			EnablePostprocess: postprocess(b.EnablePostprocess),
			ReasoningModel:    reasoning(b.ReasoningModel),
			Permissions:       b.Permissions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunPayload `json:"body"`
		}{Body: payload}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestrate",
		Method:      http.MethodPost,
		Path:        "/orchestrate",
		Summary:     "Conversational front door: chat, propose, approve, execute",
		Tags:        []string{"workflow"},
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		Body OrchestrateRequest `json:"body"`
	}) (*struct {
		Body orchestrator.Response `json:"body"`
	}, error) {
		b := input.Body
		id, herr := project(b.ProjectID)
		if herr != nil {
			return nil, herr
		}
		resp, err := a.Orchestrator.Handle(ctx, orchestrator.Request{
			Project:           id,
			Model:             b.Model,
			Messages:          b.Messages,
			MaxSteps:          b.MaxSteps,
			EnablePostprocess: postprocess(b.EnablePostprocess),
			ReasoningModel:    reasoning(b.ReasoningModel),
			Permissions:       b.Permissions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.Response `json:"body"`
		}{Body: resp}, nil
	})
}
