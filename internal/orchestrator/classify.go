package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sitewright/internal/domain"
	"sitewright/internal/llm"
	"sitewright/internal/logging"
)

type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
	Other   Decision = "other"
)

// Verdict is a classified reply to a proposed plan.
type Verdict struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
}

// ApprovalClassifier decides whether a reply approves a pending plan.
// history holds the messages before reply.
type ApprovalClassifier interface {
	Classify(ctx context.Context, model string, history []llm.Message, reply string) (Verdict, error)
}

const approvalContext = 4

const approvalPrompt = `Classify user response as 'approve', 'reject', or 'other'. Return JSON: {"decision": "approve|reject|other", "confidence": 0.0-1.0}`

var errUnparseable = errors.New("unparseable classifier output")

// ModelApproval asks the model to classify the reply.
type ModelApproval struct {
	Model llm.Completer
}

func (c ModelApproval) Classify(ctx context.Context, model string, history []llm.Message, reply string) (Verdict, error) {
	if len(history) > approvalContext {
		history = history[len(history)-approvalContext:]
	}
	conversation := append(append([]llm.Message{}, history...), llm.User(reply))
	input, err := json.Marshal(map[string][]llm.Message{"conversation": conversation})
	if err != nil {
		return Verdict{}, err
	}
	resp, err := c.Model.Complete(ctx, llm.Request{
		Model:          model,
		Messages:       []llm.Message{llm.System(approvalPrompt), llm.User(string(input))},
		ResponseFormat: llm.JSONObject(),
		Temperature:    llm.Temperature(0),
	})
	if err != nil {
		return Verdict{}, err
	}
	var out struct {
		Decision   *string           `json:"decision"`
		Confidence *domain.FlexFloat `json:"confidence"`
	}
	if err := llm.DecodeJSON(resp.Message.Content, &out); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", errUnparseable, err)
	}
	v := Verdict{Decision: Other, Confidence: 0.5}
	if out.Confidence != nil {
		v.Confidence = float64(*out.Confidence)
	}
	if out.Decision != nil {
		switch d := Decision(strings.ToLower(strings.TrimSpace(*out.Decision))); d {
		case Approve, Reject:
			v.Decision = d
		}
	}
	return v, nil
}

var (
	affirmatives = map[string]bool{"yes": true, "ok": true, "y": true, "tak": true, "do it": true, "go": true, "start": true, "proceed": true}
	negatives    = map[string]bool{"no": true, "n": true, "stop": true, "cancel": true, "nie": true}
)

// RuleApproval matches the reply against fixed affirmative and negative
// words. It never fails.
type RuleApproval struct{}

func (RuleApproval) Classify(_ context.Context, _ string, _ []llm.Message, reply string) (Verdict, error) {
	txt := strings.ToLower(strings.TrimSpace(reply))
	switch {
	case affirmatives[txt]:
		return Verdict{Decision: Approve, Confidence: 0.9}, nil
	case negatives[txt]:
		return Verdict{Decision: Reject, Confidence: 0.9}, nil
	}
	return Verdict{Decision: Other, Confidence: 0.5}, nil
}

// FallbackApproval uses Secondary whenever Primary errors.
type FallbackApproval struct {
	Primary   ApprovalClassifier
	Secondary ApprovalClassifier
	Logger    *slog.Logger
}

func (c FallbackApproval) Classify(ctx context.Context, model string, history []llm.Message, reply string) (Verdict, error) {
	v, err := c.Primary.Classify(ctx, model, history, reply)
	if err == nil {
		return v, nil
	}
	logging.OrNop(c.Logger).Warn("approval classifier fell back to rules", "err", err)
	return c.Secondary.Classify(ctx, model, history, reply)
}

const (
	ModeWorkflow = "workflow"

	// workflowThreshold is the confidence below which a workflow intent is
	// treated as chat.
	workflowThreshold = 0.7
	intentHistory     = 5
)

// Intent is the classified purpose of a user message.
type Intent struct {
	Mode       string  `json:"mode"`
	Goal       *string `json:"goal"`
	Confidence float64 `json:"confidence"`
}

func chatIntent() Intent {
	return Intent{Mode: ModeChat, Confidence: 0.5}
}

// IntentClassifier asks the model whether a message requests a build.
type IntentClassifier struct {
	Model  llm.Completer
	Logger *slog.Logger
}

// Classify never fails: provider and parse errors classify as chat.
func (c IntentClassifier) Classify(ctx context.Context, model string, messages []llm.Message) Intent {
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	recent := messages
	if len(recent) > intentHistory {
		recent = recent[len(recent)-intentHistory:]
	}
	history, err := json.Marshal(recent)
	if err != nil {
		history = []byte("[]")
	}
	resp, err := c.Model.Complete(ctx, llm.Request{
		Model: model,
		Messages: []llm.Message{
			llm.System(intentPrompt(last, string(history))),
			llm.User("Classify the following user input"),
		},
		ResponseFormat: llm.JSONObject(),
		Temperature:    llm.Temperature(0.2),
	})
	if err != nil {
		logging.OrNop(c.Logger).Warn("intent classification failed", "err", err)
		return chatIntent()
	}
	var out struct {
		Mode       *string           `json:"mode"`
		Goal       *string           `json:"goal"`
		Confidence *domain.FlexFloat `json:"confidence"`
	}
	if err := llm.DecodeJSON(resp.Message.Content, &out); err != nil {
		logging.OrNop(c.Logger).Warn("intent output unparseable", "err", err)
		return chatIntent()
	}
	intent := chatIntent()
	if out.Mode != nil {
		intent.Mode = strings.ToLower(strings.TrimSpace(*out.Mode))
	}
	if out.Confidence != nil {
		intent.Confidence = float64(*out.Confidence)
	}
	if out.Goal != nil {
		if g := strings.TrimSpace(*out.Goal); g != "" {
			intent.Goal = &g
		}
	}
	if intent.Mode == ModeWorkflow && intent.Confidence < workflowThreshold {
		intent.Mode = ModeChat
	}
	return intent
}

func intentPrompt(message, history string) string {
	return fmt.Sprintf(`Analyze the user's request and classify it with confidence.

User message: '%s'
Recent history: %s

Classification:
1. 'workflow' - When the user wants to CREATE/BUILD/FIX something concrete (websites, apps, features)
2. 'chat' - When the user wants to DISCUSS/ASK QUERY/GET ADVICE

Respond in strict JSON format:
{
"mode": "workflow" | "chat",
"goal": "a clear, specific description of what to build",
"confidence": 0.0-1.0,
"reasoning": "why you chose this mode"
}

If you find any of these terms in the user's message, classify as 'workflow':
create, build, make, generate, setup, develop, modify, fix, update, change, add, remove, implement

Examples:
1. User: "Create a website for a restaurant" -> Workflow - create website for restaurant
2. User: "Why isn't my code working?" -> Chat - debugging question
3. User: "Build me a React app with a login form" -> Workflow - build React app with login form
4. User: "What frameworks should I use?" -> Chat - architectural advice

Look for direct construction verbs plus objects (e.g., 'build X', 'create Y').
If uncertain, choose 'chat'.`, message, history)
}
