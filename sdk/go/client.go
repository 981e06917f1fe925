package sitewrightsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sitewright HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Runs block until the agent loop
// ends, so the timeout is generous.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/api",
		ProjectID: projectID,
		Timeout:   10 * time.Minute,
	}
}

type Permissions struct {
	SelfModify bool `json:"self_modify"`
	FileWrite  bool `json:"file_write"`
	Shell      bool `json:"shell"`
	Web        bool `json:"web"`
}

// PermissionPatch changes only the non-nil keys.
type PermissionPatch struct {
	SelfModify *bool `json:"self_modify,omitempty"`
	FileWrite  *bool `json:"file_write,omitempty"`
	Shell      *bool `json:"shell,omitempty"`
	Web        *bool `json:"web,omitempty"`
}

// ToolResult is the document the workspace endpoints return; OK=false is
// not an HTTP error.
type ToolResult struct {
	OK        bool      `json:"ok"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	Bytes     *int      `json:"bytes,omitempty"`
	Content   *string   `json:"content,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	Patched   bool      `json:"patched,omitempty"`
	Replaced  int       `json:"replaced,omitempty"`
	Files     *[]string `json:"files,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type WorkflowOptions struct {
	Model             string           `json:"model,omitempty"`
	ReasoningModel    string           `json:"reasoning_model,omitempty"`
	EnablePostprocess *bool            `json:"enable_postprocess,omitempty"`
	MaxSteps          int              `json:"max_steps,omitempty"`
	Permissions       *PermissionPatch `json:"permissions,omitempty"`
}

// RunResult is the outcome of one agent loop.
type RunResult struct {
	OK          bool            `json:"ok"`
	TraceID     string          `json:"trace_id"`
	ProjectID   string          `json:"project_id"`
	Status      string          `json:"status"`
	Walkthrough string          `json:"walkthrough"`
	Files       []string        `json:"files"`
	UsedSteps   int             `json:"used_steps"`
	Postprocess json.RawMessage `json:"postprocess,omitempty"`
}

// Turn is the orchestrator's answer to one conversation turn.
type Turn struct {
	OK               bool       `json:"ok"`
	Mode             string     `json:"mode"`
	Reply            string     `json:"reply"`
	PendingExecution bool       `json:"pending_execution"`
	TraceID          string     `json:"trace_id,omitempty"`
	Result           *RunResult `json:"result,omitempty"`
}

type Event struct {
	TS    float64 `json:"ts"`
	Agent string  `json:"agent"`
	Text  string  `json:"text"`
	Kind  string  `json:"kind"`
	Level string  `json:"level"`
}

// RunDetail holds run.json and the post-run artifacts; absent ones are nil.
type RunDetail struct {
	Run              json.RawMessage `json:"run"`
	ArchitectSummary json.RawMessage `json:"architect_summary"`
	Notes            *string         `json:"notes"`
	MetaReview       json.RawMessage `json:"meta_review"`
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
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Projects(ctx context.Context) ([]string, error) {
	var resp struct {
		Projects []string `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp.Projects, err
}

// CreateProject returns the id derived from name.
func (c *Client) CreateProject(ctx context.Context, name string) (string, error) {
	var resp struct {
		ProjectID string `json:"project_id"`
	}
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"name": name}, &resp)
	return resp.ProjectID, err
}

func (c *Client) Permissions(ctx context.Context) (Permissions, error) {
	var resp struct {
		Permissions Permissions `json:"permissions"`
	}
	err := c.do(ctx, http.MethodGet, c.query("permissions", nil), nil, &resp)
	return resp.Permissions, err
}

func (c *Client) SetPermissions(ctx context.Context, patch PermissionPatch) (Permissions, error) {
	var resp struct {
		Permissions Permissions `json:"permissions"`
	}
	body := map[string]any{"project_id": c.project(), "permissions": patch}
	err := c.do(ctx, http.MethodPost, "permissions", body, &resp)
	return resp.Permissions, err
}

func (c *Client) ListFiles(ctx context.Context) (ToolResult, error) {
	var resp ToolResult
	err := c.do(ctx, http.MethodGet, c.query("workspace/list", nil), nil, &resp)
	return resp, err
}

func (c *Client) ReadFile(ctx context.Context, path string) (ToolResult, error) {
	var resp ToolResult
	err := c.do(ctx, http.MethodGet, c.query("workspace/read", url.Values{"path": {path}}), nil, &resp)
	return resp, err
}

func (c *Client) WriteFile(ctx context.Context, path, content string) (ToolResult, error) {
	var resp ToolResult
	body := map[string]any{"project_id": c.project(), "path": path, "content": content}
	err := c.do(ctx, http.MethodPost, "workspace/write", body, &resp)
	return resp, err
}

func (c *Client) PatchFile(ctx context.Context, path, find, replace string, count int) (ToolResult, error) {
	if count < 1 {
		count = 1
	}
	var resp ToolResult
	body := map[string]any{"project_id": c.project(), "path": path, "find": find, "replace": replace, "count": count}
	err := c.do(ctx, http.MethodPost, "workspace/patch", body, &resp)
	return resp, err
}

func (c *Client) DeleteFile(ctx context.Context, path string) (ToolResult, error) {
	var resp ToolResult
	err := c.do(ctx, http.MethodDelete, c.query("workspace/delete", url.Values{"path": {path}}), nil, &resp)
	return resp, err
}

// RunWorkflow runs the agent loop for goal and waits for it to finish.
func (c *Client) RunWorkflow(ctx context.Context, goal string, opts WorkflowOptions) (RunResult, error) {
	body := map[string]any{"project_id": c.project(), "goal": goal}
	mergeOptions(body, opts)
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "workflow", body, &resp)
	return resp, err
}

// Orchestrate sends the whole conversation so far; the server keeps only the
// pending-plan state.
func (c *Client) Orchestrate(ctx context.Context, messages []Message, opts WorkflowOptions) (Turn, error) {
	body := map[string]any{"project_id": c.project(), "messages": messages}
	mergeOptions(body, opts)
	var resp Turn
	err := c.do(ctx, http.MethodPost, "orchestrate", body, &resp)
	return resp, err
}

// Runs lists the newest recorded run ids.
func (c *Client) Runs(ctx context.Context) ([]string, error) {
	var resp struct {
		Runs []string `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, c.query("runs", nil), nil, &resp)
	return resp.Runs, err
}

func (c *Client) Run(ctx context.Context, traceID string) (RunDetail, error) {
	var resp RunDetail
	endpoint := fmt.Sprintf("runs/%s/%s", url.PathEscape(c.project()), url.PathEscape(traceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns a run's events grouped by agent name.
func (c *Client) Events(ctx context.Context, traceID string) (map[string][]Event, error) {
	var resp struct {
		EventsByAgent map[string][]Event `json:"events_by_agent"`
	}
	err := c.do(ctx, http.MethodGet, c.query("workflow/events", url.Values{"trace_id": {traceID}}), nil, &resp)
	return resp.EventsByAgent, err
}

func mergeOptions(body map[string]any, opts WorkflowOptions) {
	raw, _ := json.Marshal(opts)
	var extra map[string]any
	_ = json.Unmarshal(raw, &extra)
	for k, v := range extra {
		body[k] = v
	}
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) project() string {
	if c.ProjectID == "" {
		return "default"
	}
	return c.ProjectID
}

func (c *Client) query(p string, v url.Values) string {
	if v == nil {
		v = url.Values{}
	}
	v.Set("project_id", c.project())
	return p + "?" + v.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
