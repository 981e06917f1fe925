package server

import (
	"encoding/json"

	"sitewright/internal/domain"
	"sitewright/internal/llm"
)

// Request payloads

type CreateProjectRequest struct {
	Name string `json:"name,omitempty"`
}

type PermissionsRequest struct {
	ProjectID   string                 `json:"project_id,omitempty" default:"default"`
	Permissions domain.PermissionPatch `json:"permissions"`
}

type WriteRequest struct {
	ProjectID string `json:"project_id,omitempty" default:"default"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type PatchRequest struct {
	ProjectID string `json:"project_id,omitempty" default:"default"`
	Path      string `json:"path"`
	Find      string `json:"find"`
	Replace   string `json:"replace"`
	Count     int    `json:"count,omitempty" default:"1" minimum:"1"`
}

type WorkflowRequest struct {
	ProjectID         string                 `json:"project_id,omitempty" default:"default"`
	Model             string                 `json:"model,omitempty"`
	Goal              string                 `json:"goal" minLength:"1"`
	ReasoningModel    string                 `json:"reasoning_model,omitempty"`
	EnablePostprocess *bool                  `json:"enable_postprocess,omitempty"`
	MaxSteps          int                    `json:"max_steps,omitempty" minimum:"1" maximum:"25"`
	Permissions       domain.PermissionPatch `json:"permissions,omitempty"`
}

type OrchestrateRequest struct {
	ProjectID         string                 `json:"project_id,omitempty" default:"default"`
	Model             string                 `json:"model,omitempty"`
	Messages          []llm.Message          `json:"messages" minItems:"1"`
	ReasoningModel    string                 `json:"reasoning_model,omitempty"`
	EnablePostprocess *bool                  `json:"enable_postprocess,omitempty"`
	MaxSteps          int                    `json:"max_steps,omitempty" minimum:"1" maximum:"25"`
	Permissions       domain.PermissionPatch `json:"permissions,omitempty"`
}

type AgentCreateRequest struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Description  string `json:"description,omitempty"`
}

type AgentCompleteRequest struct {
	AgentID           string        `json:"agent_id"`
	Messages          []llm.Message `json:"messages"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
}

// Response payloads

type HealthResponse struct {
	OK           bool   `json:"ok"`
	PreviewURL   string `json:"preview_url"`
	WorkspaceDir string `json:"workspace_dir"`
}

type ProjectListResponse struct {
	OK       bool     `json:"ok"`
	Projects []string `json:"projects"`
}

type ProjectCreateResponse struct {
	OK        bool   `json:"ok"`
	ProjectID string `json:"project_id"`
}

type PermissionsResponse struct {
	OK          bool               `json:"ok"`
	ProjectID   string             `json:"project_id"`
	Permissions domain.Permissions `json:"permissions"`
}

type AgentsResponse struct {
	OK        bool                  `json:"ok"`
	ProjectID string                `json:"project_id"`
	TraceID   string                `json:"trace_id"`
	Agents    []domain.AgentSummary `json:"agents"`
}

type EventsResponse struct {
	OK            bool                      `json:"ok"`
	ProjectID     string                    `json:"project_id"`
	TraceID       string                    `json:"trace_id"`
	EventsByAgent map[string][]domain.Event `json:"events_by_agent"`
}

type RunListResponse struct {
	OK        bool     `json:"ok"`
	ProjectID string   `json:"project_id"`
	Runs      []string `json:"runs"`
}

type RunCatalogResponse struct {
	OK        bool         `json:"ok"`
	ProjectID string       `json:"project_id"`
	Runs      []domain.Run `json:"runs"`
}

type RunDetailResponse struct {
	OK               bool            `json:"ok"`
	ProjectID        string          `json:"project_id"`
	TraceID          string          `json:"trace_id"`
	Run              json.RawMessage `json:"run"`
	ArchitectSummary json.RawMessage `json:"architect_summary"`
	Notes            *string         `json:"notes"`
	MetaReview       json.RawMessage `json:"meta_review"`
}
