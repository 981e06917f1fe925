package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"sitewright/internal/app"
	"sitewright/internal/config"
	"sitewright/internal/domain"
	"sitewright/internal/llm"
	"sitewright/internal/llm/llmtest"
	"sitewright/internal/permissions"
	"sitewright/internal/tools"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, model llm.Completer, auth AuthConfig) *testServer {
	t.Helper()
	a, err := app.Build(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default(), Model: model})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	a.Bootstrap(context.Background())
	handler, err := New(Config{App: a, Auth: auth})
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
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
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

func decode(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health?project_id=shop", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var out HealthResponse
	decode(t, body, &out)
	if !out.OK || out.PreviewURL != "/preview/shop/preview/" || out.WorkspaceDir != srv.App.Workspace.Dir {
		t.Fatalf("unexpected health %+v", out)
	}
}

func TestPermissionsGateWorkspaceWrites(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	c := srv.Client()

	res, body := doJSON(t, c, http.MethodGet, srv.URL+"/api/permissions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get permissions: %d %s", res.StatusCode, body)
	}
	var perms PermissionsResponse
	decode(t, body, &perms)
	if perms.ProjectID != "default" || perms.Permissions != domain.DefaultPermissions() {
		t.Fatalf("unexpected permissions %+v", perms)
	}

	off := false
	res, body = doJSON(t, c, http.MethodPost, srv.URL+"/api/permissions", map[string]any{
		"permissions": domain.PermissionPatch{FileWrite: &off},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set permissions: %d %s", res.StatusCode, body)
	}
	decode(t, body, &perms)
	if perms.Permissions.FileWrite {
		t.Fatalf("file_write still on: %+v", perms)
	}

	res, body = doJSON(t, c, http.MethodPost, srv.URL+"/api/workspace/write", WriteRequest{Path: "preview/a.html", Content: "x"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("write: %d %s", res.StatusCode, body)
	}
	var result tools.Result
	decode(t, body, &result)
	if result.OK || result.Error != permissions.ReasonFileWriteOff {
		t.Fatalf("expected blocked write, got %+v", result)
	}
}

func TestWorkspaceRoundTripAndPreview(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	c := srv.Client()

	res, body := doJSON(t, c, http.MethodPost, srv.URL+"/api/workspace/write", WriteRequest{Path: "preview/about.html", Content: "<h1>About</h1>"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("write: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, c, http.MethodPost, srv.URL+"/api/workspace/patch", PatchRequest{Path: "preview/about.html", Find: "About", Replace: "Team", Count: 1}, nil)
	var result tools.Result
	decode(t, body, &result)
	if res.StatusCode != http.StatusOK || !result.Patched {
		t.Fatalf("patch: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/workspace/read?path=preview/about.html", nil, nil)
	result = tools.Result{}
	decode(t, body, &result)
	if res.StatusCode != http.StatusOK || result.Content == nil || *result.Content != "<h1>Team</h1>" {
		t.Fatalf("read: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/preview/default/preview/about.html", nil, nil)
	if res.StatusCode != http.StatusOK || string(body) != "<h1>Team</h1>" {
		t.Fatalf("preview: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodDelete, srv.URL+"/api/workspace/delete?path=preview/about.html", nil, nil)
	result = tools.Result{}
	decode(t, body, &result)
	if res.StatusCode != http.StatusOK || !result.OK {
		t.Fatalf("delete: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/workspace/list", nil, nil)
	result = tools.Result{}
	decode(t, body, &result)
	if res.StatusCode != http.StatusOK || result.Files == nil || len(*result.Files) != 1 || (*result.Files)[0] != "preview/index.html" {
		t.Fatalf("list: %d %s", res.StatusCode, body)
	}
}

func TestWorkspaceTraversalAndBadProject(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	c := srv.Client()

	res, body := doJSON(t, c, http.MethodPost, srv.URL+"/api/workspace/write", WriteRequest{Path: "../escape.txt", Content: "x"}, nil)
	var result tools.Result
	decode(t, body, &result)
	if res.StatusCode != http.StatusOK || result.OK || !strings.Contains(result.Error, "traversal") {
		t.Fatalf("traversal: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/workspace/list?project_id=..%2Fetc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, body)
	}
	var env errorEnvelope
	decode(t, body, &env)
	if env.Error.Code != "invalid_project" {
		t.Fatalf("unexpected envelope %s", body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/workspace/read", nil, nil)
	result = tools.Result{}
	decode(t, body, &result)
	if res.StatusCode != http.StatusOK || result.Error != "path_required" {
		t.Fatalf("read without path: %d %s", res.StatusCode, body)
	}
}

func TestProjects(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	c := srv.Client()
	res, body := doJSON(t, c, http.MethodPost, srv.URL+"/api/projects", CreateProjectRequest{Name: "Coffee Shop"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, body)
	}
	var created ProjectCreateResponse
	decode(t, body, &created)
	if created.ProjectID != "coffee-shop" {
		t.Fatalf("unexpected id %q", created.ProjectID)
	}
	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/projects", nil, nil)
	var list ProjectListResponse
	decode(t, body, &list)
	if res.StatusCode != http.StatusOK || len(list.Projects) != 2 || list.Projects[0] != "coffee-shop" || list.Projects[1] != "default" {
		t.Fatalf("list: %d %s", res.StatusCode, body)
	}
}

func TestWorkflowRunIsRecorded(t *testing.T) {
	model := llmtest.NewScript(
		llmtest.Text(`{"steps":["Write the landing page"]}`),
		llmtest.Calls(llmtest.Call("c1", tools.CreateFile, `{"filename":"preview/index.html","content":"<h1>Bakery</h1>"}`)),
		llmtest.Text("Done."),
	)
	srv := newTestServer(t, model, AuthConfig{})
	c := srv.Client()
	off := false
	res, body := doJSON(t, c, http.MethodPost, srv.URL+"/api/workflow", WorkflowRequest{
		ProjectID:         "bakery",
		Goal:              "a bakery landing page",
		EnablePostprocess: &off,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("workflow: %d %s", res.StatusCode, body)
	}
	var payload domain.RunPayload
	decode(t, body, &payload)
	if !payload.OK || payload.Status != domain.RunComplete || payload.UsedSteps != 2 || payload.TraceID == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/runs?project_id=bakery", nil, nil)
	var list RunListResponse
	decode(t, body, &list)
	if res.StatusCode != http.StatusOK || len(list.Runs) != 1 || list.Runs[0] != payload.TraceID {
		t.Fatalf("runs: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/runs/bakery/"+payload.TraceID, nil, nil)
	var detail RunDetailResponse
	decode(t, body, &detail)
	if res.StatusCode != http.StatusOK || len(detail.Run) == 0 || detail.Notes != nil {
		t.Fatalf("run detail: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/projects/bakery/runs?status=complete", nil, nil)
	var catalog RunCatalogResponse
	decode(t, body, &catalog)
	if res.StatusCode != http.StatusOK || len(catalog.Runs) != 1 || catalog.Runs[0].UsedSteps != 2 {
		t.Fatalf("catalog: %d %s", res.StatusCode, body)
	}

	srv.App.Events.Forget("bakery", payload.TraceID)
	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/workflow/events?project_id=bakery&trace_id="+payload.TraceID, nil, nil)
	var events EventsResponse
	decode(t, body, &events)
	if res.StatusCode != http.StatusOK || len(events.EventsByAgent["Architect"]) == 0 {
		t.Fatalf("events: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/workflow/agents?project_id=bakery&trace_id="+payload.TraceID, nil, nil)
	var agents AgentsResponse
	decode(t, body, &agents)
	if res.StatusCode != http.StatusOK || len(agents.Agents) == 0 || agents.Agents[0].Name != "Architect" {
		t.Fatalf("agents: %d %s", res.StatusCode, body)
	}
}

func TestWorkflowValidation(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/workflow", map[string]any{"goal": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/workflow", map[string]any{"goal": "x", "max_steps": 40}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for max_steps, got %d %s", res.StatusCode, body)
	}
}

func TestProviderFailureMapsToBadGateway(t *testing.T) {
	model := llmtest.NewScript()
	model.Fallback = func(llm.Request) llmtest.Reply {
		return llmtest.Fail(&llm.ProviderError{Status: 500, Body: "upstream exploded"})
	}
	srv := newTestServer(t, model, AuthConfig{})
	off := false
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/workflow", WorkflowRequest{Goal: "anything", EnablePostprocess: &off}, nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, body)
	}
	var env errorEnvelope
	decode(t, body, &env)
	if env.Error.Code != "provider_error" || env.Error.Details["status"] != float64(500) {
		t.Fatalf("unexpected envelope %s", body)
	}
}

func TestOrchestrateChat(t *testing.T) {
	model := llmtest.NewScript(
		llmtest.Text(`{"mode":"chat","goal":null,"confidence":0.95}`),
		llmtest.Text("Hello! What shall we build?"),
	)
	srv := newTestServer(t, model, AuthConfig{})
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/orchestrate", OrchestrateRequest{
		Messages: []llm.Message{llm.User("hi")},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("orchestrate: %d %s", res.StatusCode, body)
	}
	var out struct {
		Mode             string `json:"mode"`
		Reply            string `json:"reply"`
		PendingExecution bool   `json:"pending_execution"`
	}
	decode(t, body, &out)
	if out.Mode != "chat" || out.Reply != "Hello! What shall we build?" || out.PendingExecution {
		t.Fatalf("unexpected reply %s", body)
	}
}

func TestRunNotFound(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/runs/default/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, body)
	}
}

func TestProviderEndpointsNeedClient(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/models", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", res.StatusCode, body)
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{JWTSecret: secret})
	c := srv.Client()

	res, body := doJSON(t, c, http.MethodGet, srv.URL+"/api/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, body)
	}
	res, _ = doJSON(t, c, http.MethodGet, srv.URL+"/api/projects", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "designer"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, body = doJSON(t, c, http.MethodGet, srv.URL+"/api/projects", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", res.StatusCode, body)
	}
	res, _ = doJSON(t, c, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d", res.StatusCode)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t, llmtest.NewScript(), AuthConfig{})
	bodies := make([]string, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/api/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			bodies[i] = string(data)
		}()
	}
	wg.Wait()
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	decode(t, []byte(bodies[0]), &doc)
	if _, ok := doc.Paths["/health"]; !ok {
		t.Fatalf("health missing from openapi paths: %v", doc.Paths)
	}
	for i, b := range bodies {
		if b != bodies[0] {
			t.Fatalf("response %d differs", i)
		}
	}
}
