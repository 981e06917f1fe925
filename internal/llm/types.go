package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Completer is the model provider contract: given a message list and
// optional tool schemas, return either a message or tool invocations.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Message is a transcript entry. Assistant messages may carry tool calls;
// tool messages carry the id of the call they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

func System(content string) Message { return Message{Role: "system", Content: content} }
func User(content string) Message   { return Message{Role: "user", Content: content} }

// Tool represents a function tool definition.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function for the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

// Request is one completion call.
type Request struct {
	Model             string
	Messages          []Message
	Tools             []Tool
	ToolChoice        string
	ParallelToolCalls *bool
	ResponseFormat    *ResponseFormat
	Temperature       *float64
}

// Response carries the first choice's message.
type Response struct {
	Message      Message
	FinishReason string
}

func JSONObject() *ResponseFormat { return &ResponseFormat{Type: "json_object"} }

func Temperature(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }

// DecodeJSON parses model content that is expected to be a JSON object.
// Markdown code fences around the object are tolerated.
func DecodeJSON(content string, out any) error {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return json.Unmarshal([]byte(strings.TrimSpace(text)), out)
}
