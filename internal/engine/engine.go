// Package engine runs the bounded tool-calling agent loop that builds a
// project's workspace from a goal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitewright/internal/config"
	"sitewright/internal/domain"
	"sitewright/internal/events"
	"sitewright/internal/llm"
	"sitewright/internal/logging"
	"sitewright/internal/metrics"
	"sitewright/internal/permissions"
	"sitewright/internal/repo"
	"sitewright/internal/runs"
	"sitewright/internal/state"
	"sitewright/internal/tools"
	"sitewright/internal/webhook"
	"sitewright/internal/workspace"
)

const (
	agentArchitect = "Architect"
	agentExecutor  = "Executor"
	stateReady     = "ready"
)

var (
	ErrInvalidProject = errors.New("invalid project id")
	ErrEmptyGoal      = errors.New("goal is required")
)

type Engine struct {
	Model        llm.Completer
	Tools        *tools.Executor
	Workspace    *workspace.Store
	Gate         *permissions.Gate
	Events       *events.Log
	States       *state.Store
	Repo         repo.Repo
	Archive      runs.Archive
	Notifier     *webhook.Dispatcher
	SystemMap    config.SystemMap
	DefaultModel string
	// MaxSteps is the budget used when a request does not set one.
	MaxSteps     int
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) logger() *slog.Logger {
	return logging.OrNop(e.Logger)
}

func (e *Engine) model(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return e.DefaultModel
}

// Rules is the system prompt shared by the loop, the planner and external
// agents.
func (e *Engine) Rules() string {
	return SystemRules(e.SystemMap.Snippet())
}

type RunRequest struct {
	Project           string
	Model             string
	Goal              string
	MaxSteps          int
	EnablePostprocess bool
	ReasoningModel    string
	Permissions       domain.PermissionPatch
}

// Run executes one agent loop to completion or until the step budget is
// spent. A provider failure ends the run as failed and is returned along
// with the partial payload.
func (e *Engine) Run(ctx context.Context, req RunRequest) (domain.RunPayload, error) {
	if !domain.ValidID(req.Project) {
		return domain.RunPayload{}, ErrInvalidProject
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return domain.RunPayload{}, ErrEmptyGoal
	}
	project := req.Project
	model := e.model(req.Model)
	requested := req.MaxSteps
	if requested == 0 {
		requested = e.MaxSteps
	}
	steps := config.ClampSteps(requested)
	runID := e.newID()

	if err := e.States.Reset(ctx, project); err != nil {
		return domain.RunPayload{}, fmt.Errorf("reset orchestrator state: %w", err)
	}
	if !req.Permissions.Empty() {
		if _, err := e.Gate.Set(ctx, project, req.Permissions); err != nil {
			return domain.RunPayload{}, fmt.Errorf("apply permissions: %w", err)
		}
	} else if _, err := e.Gate.Get(ctx, project); err != nil {
		return domain.RunPayload{}, fmt.Errorf("load permissions: %w", err)
	}
	if _, err := e.Workspace.EnsureProject(project); err != nil {
		return domain.RunPayload{}, err
	}
	startedAt := e.now().UTC().Format(time.RFC3339)
	if e.Repo.DB != nil {
		if err := e.Repo.EnsureProject(ctx, project, startedAt); err != nil {
			return domain.RunPayload{}, fmt.Errorf("ensure project: %w", err)
		}
		run := domain.Run{ID: runID, ProjectID: project, Goal: goal, Model: model, Status: domain.RunRunning, CreatedAt: startedAt}
		if err := e.Repo.InsertRun(ctx, run); err != nil {
			return domain.RunPayload{}, err
		}
	}
	log := e.logger().With("project", project, "run", runID)
	log.Info("run started", "model", model, "max_steps", steps)

	e.emit(ctx, project, runID, agentArchitect, "New project: "+goal, "info", "Planning", goal)

	rules := e.Rules()
	improved, planErr := e.improvePlan(ctx, model, project, goal, rules)
	system := enhancedContext(rules, goal, improved)
	if planErr != nil {
		log.Warn("plan enhancement failed", "err", planErr)
		system = degradedContext(rules, goal, planErr)
	}
	transcript := []llm.Message{
		llm.System(system),
		llm.User(implementPrompt(goal, improved)),
	}

	payload := domain.RunPayload{
		OK:           true,
		TraceID:      runID,
		ProjectID:    project,
		Status:       domain.RunInterrupted,
		Walkthrough:  "/preview/" + project + "/preview",
		ImprovedPlan: &improved,
		State:        stateReady,
	}
	scope := tools.Scope{Project: project, Run: runID, Model: model}
	catalogue := tools.Catalogue()

	var runErr error
	for step := 1; step <= steps; step++ {
		payload.UsedSteps = step
		resp, err := e.Model.Complete(ctx, llm.Request{
			Model:             model,
			Messages:          transcript,
			Tools:             catalogue,
			ToolChoice:        "auto",
			ParallelToolCalls: llm.Bool(true),
		})
		if err != nil {
			runErr = fmt.Errorf("step %d: %w", step, err)
			payload.Status = domain.RunFailed
			payload.OK = false
			e.emit(ctx, project, runID, agentExecutor, "Model call failed: "+err.Error(), "error", "Failed", "")
			break
		}
		msg := resp.Message
		if msg.Role == "" {
			msg.Role = "assistant"
		}
		transcript = append(transcript, msg)
		e.emit(ctx, project, runID, agentExecutor, fmt.Sprintf("Workflow step %d/%d", step, steps), "info", "Working", "")

		if len(msg.ToolCalls) == 0 {
			payload.Status = domain.RunComplete
			break
		}
		for _, out := range e.Tools.ExecuteAll(ctx, scope, msg.ToolCalls) {
			transcript = append(transcript, llm.Message{
				Role:       "tool",
				ToolCallID: out.CallID,
				Name:       out.Name,
				Content:    out.Result.JSON(),
			})
			if !out.Result.OK {
				e.emit(ctx, project, runID, agentExecutor, fmt.Sprintf("%s failed: %s", out.Name, out.Result.Error), "warn", "", "")
			}
		}
	}

	files, err := e.Workspace.List(project)
	if err != nil {
		log.Warn("list workspace failed", "err", err)
		files = []string{}
	}
	payload.Files = files

	switch payload.Status {
	case domain.RunComplete:
		e.emit(ctx, project, runID, agentArchitect, fmt.Sprintf("Project complete! Created %d files", len(files)), "info", "Success", "")
	case domain.RunInterrupted:
		e.emit(ctx, project, runID, agentArchitect, fmt.Sprintf("Step budget of %d exhausted; run interrupted", steps), "warn", "Interrupted", "")
	}

	if runErr == nil && req.EnablePostprocess {
		reasoning := strings.TrimSpace(req.ReasoningModel)
		if reasoning == "" {
			reasoning = model
		}
		comp := e.Compact(ctx, CompactRequest{Project: project, Run: runID, Goal: goal, Model: reasoning, Transcript: transcript})
		payload.Postprocess = &comp
	}

	e.finish(ctx, log, payload, runErr)
	return payload, runErr
}

// finish persists the terminal payload and run row, then notifies webhooks.
// Only the run itself can fail a run; bookkeeping failures are logged.
func (e *Engine) finish(ctx context.Context, log *slog.Logger, payload domain.RunPayload, runErr error) {
	if err := e.Archive.SavePayload(payload); err != nil {
		log.Warn("save run payload failed", "err", err)
	}
	if e.Repo.DB != nil {
		errText := ""
		if runErr != nil {
			errText = runErr.Error()
		}
		finishedAt := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.FinishRun(context.WithoutCancel(ctx), payload.TraceID, payload.Status, payload.UsedSteps, errText, finishedAt); err != nil {
			log.Warn("finish run row failed", "err", err)
		}
	}
	metrics.RecordRun(string(payload.Status), payload.UsedSteps)
	log.Info("run finished", "status", payload.Status, "used_steps", payload.UsedSteps, "files", len(payload.Files))
	if err := e.Notifier.Notify(context.WithoutCancel(ctx), payload, runErr); err != nil {
		log.Warn("webhook notify failed", "err", err)
	}
}

func (e *Engine) emit(ctx context.Context, project, run, agent, text, level, status, mission string) {
	if e.Events == nil {
		return
	}
	entry := events.Entry{Project: project, Run: run, Agent: agent, Text: text, Level: level}
	if status != "" {
		entry.Status = &status
	}
	if mission != "" {
		entry.Mission = &mission
	}
	if err := e.Events.Emit(ctx, entry); err != nil {
		e.logger().Debug("emit event failed", "project", project, "run", run, "err", err)
	}
}
