package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitewright/internal/config"
	"sitewright/internal/db"
	"sitewright/internal/domain"
	"sitewright/internal/engine"
	"sitewright/internal/events"
	"sitewright/internal/llm"
	"sitewright/internal/llm/llmtest"
	"sitewright/internal/migrate"
	"sitewright/internal/permissions"
	"sitewright/internal/registry"
	"sitewright/internal/repo"
	"sitewright/internal/runs"
	"sitewright/internal/state"
	"sitewright/internal/tools"
	"sitewright/internal/workspace"
)

type testEnv struct {
	Engine *engine.Engine
	Model  *llmtest.Script
	Dir    string
	Ctx    context.Context
}

func newTestEnv(t *testing.T, replies ...llmtest.Reply) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	model := llmtest.NewScript(replies...)
	ws := workspace.New(filepath.Join(dir, "projects"))
	gate := permissions.NewGate(registry.Open(filepath.Join(dir, "permissions_runtime.json")))
	log := events.NewLog(events.FileSink{Dir: filepath.Join(dir, "runs")}, nil)
	ids := 0
	eng := &engine.Engine{
		Model:        model,
		Tools:        &tools.Executor{Workspace: ws, Gate: gate, Events: log, Model: model},
		Workspace:    ws,
		Gate:         gate,
		Events:       log,
		States:       state.NewStore(registry.Open(filepath.Join(dir, "project_memory.json"))),
		Repo:         repo.Repo{DB: conn},
		Archive:      runs.Archive{Dir: filepath.Join(dir, "runs")},
		SystemMap:    config.Default().SystemMap,
		DefaultModel: "test-model",
		Now:          func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
		NewID: func() string {
			ids++
			return fmt.Sprintf("run-%d", ids)
		},
	}
	return testEnv{Engine: eng, Model: model, Dir: dir, Ctx: ctx}
}

func planReply() llmtest.Reply {
	return llmtest.Text(`{"files":[{"name":"preview/index.html","purpose":"landing"}],"steps":["write html"]}`)
}

func createIndex(id string) llm.ToolCall {
	return llmtest.Call(id, tools.CreateFile, `{"filename":"preview/index.html","content":"<h1>Bakery</h1>"}`)
}

func TestRunCompletesWhenModelStopsCallingTools(t *testing.T) {
	env := newTestEnv(t,
		planReply(),
		llmtest.Calls(createIndex("c1")),
		llmtest.Text("All done."),
	)
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "Build a bakery landing page"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.Status != domain.RunComplete || payload.UsedSteps != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.TraceID != "run-1" || payload.State != "ready" || payload.Walkthrough != "/preview/demo/preview" {
		t.Fatalf("unexpected payload fields %+v", payload)
	}
	if len(payload.Files) != 1 || payload.Files[0] != "preview/index.html" {
		t.Fatalf("unexpected files %v", payload.Files)
	}
	if payload.ImprovedPlan == nil || len(payload.ImprovedPlan.Steps) != 1 {
		t.Fatalf("improved plan not carried: %+v", payload.ImprovedPlan)
	}
	data, err := os.ReadFile(filepath.Join(env.Dir, "projects", "demo", "preview", "index.html"))
	if err != nil || string(data) != "<h1>Bakery</h1>" {
		t.Fatalf("index.html: %q %v", data, err)
	}

	run, err := env.Engine.Repo.GetRun(env.Ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunComplete || run.UsedSteps != 2 || run.Goal != "Build a bakery landing page" || run.Model != "test-model" {
		t.Fatalf("unexpected run row %+v", run)
	}
	art, err := env.Engine.Archive.Load("demo", "run-1")
	if err != nil {
		t.Fatalf("load archive: %v", err)
	}
	var saved domain.RunPayload
	if err := json.Unmarshal(art.Run, &saved); err != nil || saved.Status != domain.RunComplete {
		t.Fatalf("run.json: %s %v", art.Run, err)
	}

	evs := env.Engine.Events.Events("demo", "run-1")
	texts := make([]string, 0, len(evs))
	for _, ev := range evs {
		texts = append(texts, ev.Agent+": "+ev.Text)
	}
	want := []string{
		"Architect: New project: Build a bakery landing page",
		"Executor: Workflow step 1/10",
		"Executor: Workflow step 2/10",
		"Architect: Project complete! Created 1 files",
	}
	if strings.Join(texts, "\n") != strings.Join(want, "\n") {
		t.Fatalf("events:\n%s", strings.Join(texts, "\n"))
	}
	for _, a := range env.Engine.Events.Agents("demo", "run-1") {
		if a.Name == "Architect" && (a.Status != "Success" || a.Mission != "Build a bakery landing page") {
			t.Fatalf("architect summary %+v", a)
		}
	}
}

func TestRunSendsToolResultsInCallOrder(t *testing.T) {
	env := newTestEnv(t,
		planReply(),
		llmtest.Calls(
			createIndex("c1"),
			llmtest.Call("c2", tools.ReadFile, `{"filename":"preview/missing.css"}`),
			llmtest.Call("c3", "launch_rocket", ""),
		),
		llmtest.Text("done"),
	)
	if _, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "site"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	reqs := env.Model.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 model calls, got %d", len(reqs))
	}
	step1 := reqs[1]
	if step1.ToolChoice != "auto" || step1.ParallelToolCalls == nil || !*step1.ParallelToolCalls || len(step1.Tools) != 7 {
		t.Fatalf("unexpected tool config %+v", step1)
	}
	msgs := reqs[2].Messages
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	roles := []string{"system", "user", "assistant", "tool", "tool", "tool"}
	for i, m := range msgs {
		if m.Role != roles[i] {
			t.Fatalf("message %d role %s, want %s", i, m.Role, roles[i])
		}
	}
	if len(msgs[2].ToolCalls) != 3 {
		t.Fatalf("assistant message not appended verbatim: %+v", msgs[2])
	}
	for i, id := range []string{"c1", "c2", "c3"} {
		if msgs[3+i].ToolCallID != id {
			t.Fatalf("tool message %d answers %s, want %s", i, msgs[3+i].ToolCallID, id)
		}
	}
	if !strings.Contains(msgs[3].Content, `"ok":true`) {
		t.Fatalf("create result %s", msgs[3].Content)
	}
	if !strings.Contains(msgs[4].Content, "File not found") || !strings.Contains(msgs[5].Content, "unknown tool") {
		t.Fatalf("failure results %s / %s", msgs[4].Content, msgs[5].Content)
	}
	warns := 0
	for _, ev := range env.Engine.Events.Events("demo", "run-1") {
		if ev.Level == "warn" {
			warns++
		}
	}
	if warns != 2 {
		t.Fatalf("expected 2 warn events, got %d", warns)
	}
}

func TestRunReportsNamelessToolCall(t *testing.T) {
	env := newTestEnv(t,
		planReply(),
		llmtest.Calls(llmtest.Call("c1", "", "{}")),
		llmtest.Text("done"),
	)
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "site"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.Status != domain.RunComplete || payload.UsedSteps != 2 {
		t.Fatalf("nameless call should cost a step, got %+v", payload)
	}
	msgs := env.Model.Requests()[2].Messages
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || !strings.Contains(last.Content, "unknown tool") {
		t.Fatalf("nameless call not answered: %+v", last)
	}
}

func TestRunInterruptedAtStepCeiling(t *testing.T) {
	env := newTestEnv(t, planReply())
	n := 0
	env.Model.Fallback = func(llm.Request) llmtest.Reply {
		n++
		return llmtest.Calls(llmtest.Call(fmt.Sprintf("c%d", n), tools.ListWorkspace, ""))
	}
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "loop forever", MaxSteps: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.Status != domain.RunInterrupted || payload.UsedSteps != 3 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if got := len(env.Model.Requests()); got != 4 {
		t.Fatalf("expected plan + 3 step calls, got %d", got)
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, payload.TraceID)
	if err != nil || run.Status != domain.RunInterrupted || run.UsedSteps != 3 {
		t.Fatalf("run row %+v %v", run, err)
	}
}

func TestRunClampsStepBudget(t *testing.T) {
	env := newTestEnv(t, planReply())
	env.Model.Fallback = func(llm.Request) llmtest.Reply {
		return llmtest.Calls(llmtest.Call("c", tools.ListWorkspace, ""))
	}
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "g", MaxSteps: 99})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.UsedSteps != config.MaxSteps {
		t.Fatalf("used %d steps, want %d", payload.UsedSteps, config.MaxSteps)
	}
}

func TestRunProviderFailureFailsRun(t *testing.T) {
	env := newTestEnv(t,
		planReply(),
		llmtest.Fail(&llm.ProviderError{Status: 502, Body: "upstream down"}),
	)
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "g"})
	var perr *llm.ProviderError
	if !errors.As(err, &perr) || perr.Status != 502 {
		t.Fatalf("expected provider error, got %v", err)
	}
	if payload.Status != domain.RunFailed || payload.OK {
		t.Fatalf("unexpected payload %+v", payload)
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, payload.TraceID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunFailed || !strings.Contains(run.Error, "upstream down") {
		t.Fatalf("run row %+v", run)
	}
}

func TestRunSurvivesPlanEnhancementFailure(t *testing.T) {
	env := newTestEnv(t,
		llmtest.Fail(errors.New("boom")),
		llmtest.Text("nothing to do"),
	)
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "g"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.Status != domain.RunComplete || payload.UsedSteps != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	system := env.Model.Requests()[1].Messages[0].Content
	if !strings.Contains(system, "Plan enhancement failed: boom") {
		t.Fatalf("system prompt missing failure note:\n%s", system)
	}
	if !strings.Contains(env.Model.Requests()[1].Messages[1].Content, "default website plan") {
		t.Fatalf("user prompt should fall back to default plan")
	}
}

func TestRunClearsPendingApproval(t *testing.T) {
	env := newTestEnv(t, planReply(), llmtest.Text("done"))
	goal := "old goal"
	if err := env.Engine.States.Save(env.Ctx, "demo", domain.OrchestratorState{PendingExecution: true, ProposedGoal: &goal}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "g"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	st, err := env.Engine.States.Load(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.PendingExecution || st.ProposedGoal != nil {
		t.Fatalf("state not reset: %+v", st)
	}
}

func TestRunAppliesPermissionPatch(t *testing.T) {
	env := newTestEnv(t, planReply(), llmtest.Calls(createIndex("c1")), llmtest.Text("done"))
	off := false
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "g", Permissions: domain.PermissionPatch{FileWrite: &off}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(payload.Files) != 0 {
		t.Fatalf("write should have been blocked, files=%v", payload.Files)
	}
	toolMsg := env.Model.Requests()[2].Messages[3].Content
	if !strings.Contains(toolMsg, permissions.ReasonFileWriteOff) {
		t.Fatalf("tool result %s", toolMsg)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "../etc", Goal: "g"}); !errors.Is(err, engine.ErrInvalidProject) {
		t.Fatalf("expected ErrInvalidProject, got %v", err)
	}
	if _, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "  "}); !errors.Is(err, engine.ErrEmptyGoal) {
		t.Fatalf("expected ErrEmptyGoal, got %v", err)
	}
	if len(env.Model.Requests()) != 0 {
		t.Fatalf("model should not be called")
	}
}

func TestRunPostprocessDegradesOnProviderError(t *testing.T) {
	env := newTestEnv(t,
		planReply(),
		llmtest.Text("done"),
		llmtest.Fail(errors.New("architect offline")),
		llmtest.Text("- landmine: none"),
		llmtest.Text(`{"workflow_issues":["slow plan"],"prompt_improvements":[]}`),
	)
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "g", EnablePostprocess: true, ReasoningModel: "thinker"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.Status != domain.RunComplete || payload.Postprocess == nil || !payload.Postprocess.Degraded {
		t.Fatalf("unexpected postprocess %+v", payload.Postprocess)
	}
	if !strings.Contains(string(payload.Postprocess.Architect), "architect_call_failed") {
		t.Fatalf("architect doc %s", payload.Postprocess.Architect)
	}
	reqs := env.Model.Requests()
	if reqs[2].Model != "thinker" {
		t.Fatalf("compaction should use the reasoning model, got %s", reqs[2].Model)
	}
	art, err := env.Engine.Archive.Load("demo", payload.TraceID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if art.Notes == nil || *art.Notes != "- landmine: none\n" || art.MetaReview == nil {
		t.Fatalf("artifacts not written: %+v", art)
	}
	bad, err := env.Engine.States.BadExamples(env.Ctx, "demo")
	if err != nil || len(bad) != 1 || bad[0].TraceID != payload.TraceID {
		t.Fatalf("bad examples %+v %v", bad, err)
	}
}

func TestRunPostprocessCleanRunIsNotRemembered(t *testing.T) {
	env := newTestEnv(t,
		planReply(),
		llmtest.Text("done"),
		llmtest.Text(`{"goal":"g","decisions":[]}`),
		llmtest.Text("nothing notable"),
		llmtest.Text(`{"workflow_issues":[]}`),
	)
	payload, err := env.Engine.Run(env.Ctx, engine.RunRequest{Project: "demo", Goal: "g", EnablePostprocess: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.Postprocess == nil || payload.Postprocess.Degraded {
		t.Fatalf("unexpected postprocess %+v", payload.Postprocess)
	}
	bad, err := env.Engine.States.BadExamples(env.Ctx, "demo")
	if err != nil || len(bad) != 0 {
		t.Fatalf("bad examples %+v %v", bad, err)
	}
}

func TestGeneratePlan(t *testing.T) {
	env := newTestEnv(t,
		llmtest.Text("```json\n{\"steps\":\"Write index\",\"files_to_create\":[\"preview/index.html\"],\"estimated_steps\":\"2\"}\n```"),
		llmtest.Text("I cannot produce JSON today"),
	)
	plan, err := env.Engine.GeneratePlan(env.Ctx, "", "demo", "landing page")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Fallback || len(plan.Steps) != 1 || plan.Steps[0] != "Write index" || plan.EstimatedSteps != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	req := env.Model.Requests()[0]
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" || req.Temperature == nil || *req.Temperature != 0.1 {
		t.Fatalf("unexpected planner request %+v", req)
	}

	plan, err = env.Engine.GeneratePlan(env.Ctx, "", "demo", "landing page")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Fallback || plan.Steps[0] != domain.FallbackPlan().Steps[0] {
		t.Fatalf("expected fallback plan, got %+v", plan)
	}
}

func TestGeneratePlanProviderError(t *testing.T) {
	env := newTestEnv(t, llmtest.Fail(&llm.ProviderError{Status: 500}))
	if _, err := env.Engine.GeneratePlan(env.Ctx, "", "demo", "g"); !llm.IsProviderError(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
