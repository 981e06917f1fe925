package sitewrightsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"sitewright/internal/app"
	"sitewright/internal/config"
	"sitewright/internal/llm/llmtest"
	"sitewright/internal/server"
	"sitewright/internal/tools"
	sitewrightsdk "sitewright/sdk/go"
)

func newClient(t *testing.T, model *llmtest.Script) *sitewrightsdk.Client {
	t.Helper()
	a, err := app.Build(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default(), Model: model})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	a.Bootstrap(context.Background())
	handler, err := server.New(server.Config{App: a})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return sitewrightsdk.New(srv.URL, "")
}

func TestWorkspaceCalls(t *testing.T) {
	c := newClient(t, llmtest.NewScript())
	ctx := context.Background()

	res, err := c.WriteFile(ctx, "preview/contact.html", "<form></form>")
	if err != nil || !res.OK {
		t.Fatalf("write: %+v %v", res, err)
	}
	res, err = c.PatchFile(ctx, "preview/contact.html", "form", "section", 2)
	if err != nil || !res.Patched || res.Replaced != 2 {
		t.Fatalf("patch: %+v %v", res, err)
	}
	res, err = c.ReadFile(ctx, "preview/contact.html")
	if err != nil || res.Content == nil || *res.Content != "<section></section>" {
		t.Fatalf("read: %+v %v", res, err)
	}
	res, err = c.ReadFile(ctx, "preview/missing.html")
	if err != nil || res.OK {
		t.Fatalf("missing file should be a result, got %+v %v", res, err)
	}

	off := false
	perms, err := c.SetPermissions(ctx, sitewrightsdk.PermissionPatch{FileWrite: &off})
	if err != nil || perms.FileWrite {
		t.Fatalf("set permissions: %+v %v", perms, err)
	}
	res, err = c.DeleteFile(ctx, "preview/contact.html")
	if err != nil || res.OK {
		t.Fatalf("delete should be blocked: %+v %v", res, err)
	}
}

func TestRunWorkflowAndReadBack(t *testing.T) {
	model := llmtest.NewScript(
		llmtest.Text(`{"steps":["Write page"]}`),
		llmtest.Calls(llmtest.Call("c1", tools.CreateFile, `{"filename":"preview/index.html","content":"<h1>Hi</h1>"}`)),
		llmtest.Text("Finished."),
	)
	c := newClient(t, model)
	c.ProjectID = "hello"
	ctx := context.Background()
	off := false
	run, err := c.RunWorkflow(ctx, "a greeting page", sitewrightsdk.WorkflowOptions{EnablePostprocess: &off})
	if err != nil || run.Status != "complete" || len(run.Files) != 1 {
		t.Fatalf("run: %+v %v", run, err)
	}
	ids, err := c.Runs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != run.TraceID {
		t.Fatalf("runs: %v %v", ids, err)
	}
	detail, err := c.Run(ctx, run.TraceID)
	if err != nil || len(detail.Run) == 0 {
		t.Fatalf("run detail: %+v %v", detail, err)
	}
	events, err := c.Events(ctx, run.TraceID)
	if err != nil || len(events["Architect"]) == 0 {
		t.Fatalf("events: %v %v", events, err)
	}
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	c := newClient(t, llmtest.NewScript())
	_, err := c.Run(context.Background(), "nope")
	var apiErr *sitewrightsdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error %v", err)
	}
}
