// Package orchestrator decides, per user turn, whether to chat, propose a
// build plan, or run an approved plan through the agent loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"sitewright/internal/domain"
	"sitewright/internal/engine"
	"sitewright/internal/llm"
	"sitewright/internal/logging"
	"sitewright/internal/metrics"
	"sitewright/internal/state"
)

const (
	ModeChat             = "chat"
	ModePlanProposed     = "plan_proposed"
	ModeAwaitingApproval = "awaiting_approval"
	ModeWorkflowExecuted = "workflow_executed"
)

const (
	replyCancelled = "Plan cancelled. What would you like to build instead?"
	replyConfirm   = "Please confirm: 'yes' to start, 'no' to cancel."
	replyReady     = "I'm ready to help you build something! What would you like to create?"
	approvedGoal   = "Execute approved plan"
	planStepLimit  = 8
)

var ErrNoMessages = errors.New("messages are required")

// Workflow is the agent loop as seen by the orchestrator.
type Workflow interface {
	Run(ctx context.Context, req engine.RunRequest) (domain.RunPayload, error)
	GeneratePlan(ctx context.Context, model, project, goal string) (domain.Plan, error)
}

type Request struct {
	Project           string
	Model             string
	Messages          []llm.Message
	MaxSteps          int
	EnablePostprocess bool
	ReasoningModel    string
	Permissions       domain.PermissionPatch
}

type Response struct {
	OK               bool               `json:"ok"`
	Mode             string             `json:"mode"`
	Reply            string             `json:"reply"`
	PendingExecution bool               `json:"pending_execution"`
	TraceID          string             `json:"trace_id,omitempty"`
	Result           *domain.RunPayload `json:"result,omitempty"`
	Plan             *domain.Plan       `json:"plan,omitempty"`
	GoalText         string             `json:"goal_text,omitempty"`
	OriginalInput    string             `json:"original_input,omitempty"`
	GoalDetection    *Intent            `json:"goal_detection,omitempty"`
}

type Orchestrator struct {
	Workflow     Workflow
	States       *state.Store
	Model        llm.Completer
	Approval     ApprovalClassifier
	Intent       IntentClassifier
	DefaultModel string
	Logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires the model-backed classifiers, with the rules classifier as the
// approval fallback.
func New(wf Workflow, states *state.Store, model llm.Completer, logger *slog.Logger) *Orchestrator {
	logger = logging.OrNop(logger)
	return &Orchestrator{
		Workflow: wf,
		States:   states,
		Model:    model,
		Approval: FallbackApproval{Primary: ModelApproval{Model: model}, Secondary: RuleApproval{}, Logger: logger},
		Intent:   IntentClassifier{Model: model, Logger: logger},
		Logger:   logger,
	}
}

// lock serializes turns of one project so the approval state is never
// read and written by two turns at once.
func (o *Orchestrator) lock(project string) func() {
	o.mu.Lock()
	if o.locks == nil {
		o.locks = make(map[string]*sync.Mutex)
	}
	m, ok := o.locks[project]
	if !ok {
		m = &sync.Mutex{}
		o.locks[project] = m
	}
	o.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (o *Orchestrator) model(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return o.DefaultModel
}

// Handle processes one conversational turn. The last message is the new
// user input; earlier ones are history.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	if !domain.ValidID(req.Project) {
		return Response{}, engine.ErrInvalidProject
	}
	if len(req.Messages) == 0 {
		return Response{}, ErrNoMessages
	}
	defer o.lock(req.Project)()

	resp, err := o.handle(ctx, req)
	if err == nil {
		metrics.RecordOrchestratorTurn(resp.Mode)
	}
	return resp, err
}

func (o *Orchestrator) handle(ctx context.Context, req Request) (Response, error) {
	log := logging.OrNop(o.Logger).With("project", req.Project)
	model := o.model(req.Model)
	st, err := o.States.Load(ctx, req.Project)
	if err != nil {
		return Response{}, err
	}
	last := req.Messages[len(req.Messages)-1].Content
	history := req.Messages[:len(req.Messages)-1]

	if st.PendingExecution {
		verdict, err := o.Approval.Classify(ctx, model, history, last)
		if err != nil {
			return Response{}, err
		}
		log.Info("approval classified", "decision", verdict.Decision, "confidence", verdict.Confidence)
		switch verdict.Decision {
		case Approve:
			return o.execute(ctx, req, st)
		case Reject:
			if err := o.States.Reset(ctx, req.Project); err != nil {
				return Response{}, err
			}
			return Response{OK: true, Mode: ModeChat, Reply: replyCancelled}, nil
		default:
			return Response{OK: true, Mode: ModeAwaitingApproval, Reply: replyConfirm, PendingExecution: true}, nil
		}
	}

	intent := o.Intent.Classify(ctx, model, req.Messages)
	log.Info("intent classified", "mode", intent.Mode, "confidence", intent.Confidence)
	if intent.Mode == ModeWorkflow && intent.Goal != nil {
		return o.propose(ctx, req.Project, model, *intent.Goal, last)
	}

	out, err := o.Model.Complete(ctx, llm.Request{
		Model:       model,
		Messages:    req.Messages,
		Temperature: llm.Temperature(0.7),
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat: %w", err)
	}
	reply := out.Message.Content
	if strings.TrimSpace(reply) == "" {
		reply = replyReady
	}
	return Response{OK: true, Mode: ModeChat, Reply: reply, GoalDetection: &intent}, nil
}

func (o *Orchestrator) propose(ctx context.Context, project, model, goal, input string) (Response, error) {
	plan, err := o.Workflow.GeneratePlan(ctx, model, project, goal)
	if err != nil {
		return Response{}, err
	}
	st := domain.OrchestratorState{PendingExecution: true, ProposedGoal: &goal, ProposedPlan: &plan}
	if err := o.States.Save(ctx, project, st); err != nil {
		return Response{}, err
	}
	return Response{
		OK:               true,
		Mode:             ModePlanProposed,
		Reply:            PlanSummary(goal, plan),
		PendingExecution: true,
		Plan:             &plan,
		GoalText:         goal,
		OriginalInput:    input,
	}, nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request, st domain.OrchestratorState) (Response, error) {
	if err := o.States.Reset(ctx, req.Project); err != nil {
		return Response{}, err
	}
	goal := approvedGoal
	if st.ProposedGoal != nil && strings.TrimSpace(*st.ProposedGoal) != "" {
		goal = *st.ProposedGoal
	}
	payload, err := o.Workflow.Run(ctx, engine.RunRequest{
		Project:           req.Project,
		Model:             o.model(req.Model),
		Goal:              goal,
		MaxSteps:          req.MaxSteps,
		EnablePostprocess: req.EnablePostprocess,
		ReasoningModel:    req.ReasoningModel,
		Permissions:       req.Permissions,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{
		OK:      true,
		Mode:    ModeWorkflowExecuted,
		Reply:   runReply(payload),
		TraceID: payload.TraceID,
		Result:  &payload,
	}, nil
}

func runReply(p domain.RunPayload) string {
	if p.Status == domain.RunComplete {
		return "Workflow completed successfully! Preview: " + p.Walkthrough
	}
	return fmt.Sprintf("Workflow stopped after %d steps without finishing. Preview: %s", p.UsedSteps, p.Walkthrough)
}

// PlanSummary renders the markdown shown to the user with a proposed plan.
func PlanSummary(goal string, plan domain.Plan) string {
	steps := plan.Steps
	if len(steps) > planStepLimit {
		steps = steps[:planStepLimit]
	}
	var b strings.Builder
	b.WriteString("Prepared a detailed plan for your request:\n\n")
	fmt.Fprintf(&b, "**Your goal:** %s\n**Execution Plan:**\n", goal)
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\n**Files to create:**\n")
	for _, f := range plan.FilesToCreate {
		fmt.Fprintf(&b, "→ %s\n", f)
	}
	b.WriteString("\n**Quality requirements:**\n")
	for _, r := range plan.QualityRequirements {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	b.WriteString("\nThis will create a production-ready implementation. Start execution? (yes/no)")
	return b.String()
}
