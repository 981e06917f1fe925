package engine

import (
	"context"
	"fmt"

	"sitewright/internal/domain"
	"sitewright/internal/llm"
)

// GeneratePlan asks the model for a strict JSON execution plan. Output that
// does not parse into a plan is replaced with domain.FallbackPlan; provider
// errors are returned.
func (e *Engine) GeneratePlan(ctx context.Context, model, project, goal string) (domain.Plan, error) {
	if !domain.ValidID(project) {
		return domain.Plan{}, ErrInvalidProject
	}
	files, err := e.Workspace.List(project)
	if err != nil {
		return domain.Plan{}, err
	}
	resp, err := e.Model.Complete(ctx, llm.Request{
		Model:          e.model(model),
		Messages:       []llm.Message{llm.System(e.Rules()), llm.User(plannerPrompt(goal, files))},
		ResponseFormat: llm.JSONObject(),
		Temperature:    llm.Temperature(0.1),
	})
	if err != nil {
		return domain.Plan{}, fmt.Errorf("plan: %w", err)
	}
	var plan domain.Plan
	if err := llm.DecodeJSON(resp.Message.Content, &plan); err != nil {
		e.logger().Warn("planner output unparseable", "project", project, "err", err)
		return domain.FallbackPlan(), nil
	}
	if len(plan.Steps) == 0 && len(plan.FilesToCreate) == 0 && len(plan.FilesToModify) == 0 {
		return domain.FallbackPlan(), nil
	}
	plan.Fallback = false
	return plan, nil
}

// improvePlan is the architect's pre-run refinement. Unparseable output
// yields an empty plan; only provider errors are returned.
func (e *Engine) improvePlan(ctx context.Context, model, project, goal, rules string) (domain.ImprovedPlan, error) {
	files, err := e.Workspace.List(project)
	if err != nil {
		return domain.ImprovedPlan{}, err
	}
	resp, err := e.Model.Complete(ctx, llm.Request{
		Model: model,
		Messages: []llm.Message{
			llm.System(rules + "\n\n" + analysisInstructions(goal, files)),
			llm.User("Analyze and improve: " + goal),
		},
		ResponseFormat: llm.JSONObject(),
		Temperature:    llm.Temperature(0.3),
	})
	if err != nil {
		return domain.ImprovedPlan{}, err
	}
	var plan domain.ImprovedPlan
	if err := llm.DecodeJSON(resp.Message.Content, &plan); err != nil {
		e.logger().Warn("improved plan unparseable", "project", project, "err", err)
		return domain.ImprovedPlan{}, nil
	}
	return plan, nil
}
