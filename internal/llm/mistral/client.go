package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sitewright/internal/llm"
	"sitewright/internal/metrics"
)

const DefaultBaseURL = "https://api.mistral.ai"
const maxErrorBodyBytes = 4096

// Client is a thin wrapper over the Mistral chat-completions and agents API.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

type Option func(*Client)

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		timeout: 120 * time.Second,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends one chat completion.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	payload := chatCompletionRequest{
		Model:             req.Model,
		Messages:          toWireMessages(req.Messages),
		Tools:             req.Tools,
		ResponseFormat:    req.ResponseFormat,
		Temperature:       req.Temperature,
		ParallelToolCalls: req.ParallelToolCalls,
	}
	if len(req.Tools) > 0 {
		payload.ToolChoice = req.ToolChoice
		if payload.ToolChoice == "" {
			payload.ToolChoice = "auto"
		}
	}
	var completion chatCompletionResponse
	if err := c.post(ctx, "/v1/chat/completions", payload, &completion); err != nil {
		return llm.Response{}, err
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, llm.ErrEmptyResponse
	}
	choice := completion.Choices[0]
	return llm.Response{
		Message: llm.Message{
			Role:      "assistant",
			Content:   extractContent(choice.Message.Content),
			ToolCalls: toToolCalls(choice.Message.ToolCalls),
		},
		FinishReason: choice.FinishReason,
	}, nil
}

// ListModels returns the provider's model listing as-is.
func (c *Client) ListModels(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAgent registers an agent definition with the provider.
func (c *Client) CreateAgent(ctx context.Context, payload any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.post(ctx, "/v1/agents", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteAgent runs a completion against a provider-side agent.
func (c *Client) CompleteAgent(ctx context.Context, payload any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.post(ctx, "/v1/agents/completions", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) (err error) {
	if c.apiKey == "" {
		return llm.ErrMissingAPIKey
	}
	started := time.Now()
	defer func() { metrics.ObserveProviderCall(started, err) }()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &llm.ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(errorBody))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

type chatCompletionRequest struct {
	Model             string              `json:"model"`
	Messages          []chatMessage       `json:"messages"`
	Tools             []llm.Tool          `json:"tools,omitempty"`
	ToolChoice        string              `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool               `json:"parallel_tool_calls,omitempty"`
	ResponseFormat    *llm.ResponseFormat `json:"response_format,omitempty"`
	Temperature       *float64            `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Content   json.RawMessage    `json:"content"`
	ToolCalls []chatToolCallResp `json:"tool_calls"`
}

type chatToolCallResp struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type contentBlock struct {
	Text string `json:"text"`
}

func toWireMessages(messages []llm.Message) []chatMessage {
	result := make([]chatMessage, 0, len(messages))
	toolNameByID := make(map[string]string)
	for _, msg := range messages {
		entry := chatMessage{
			Role:       normalizeRole(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, call := range msg.ToolCalls {
			toolNameByID[call.ID] = call.Function.Name
		}
		if len(msg.ToolCalls) > 0 {
			entry.ToolCalls = msg.ToolCalls
		}
		if entry.Role == "tool" && entry.Name == "" {
			entry.Name = toolNameByID[msg.ToolCallID]
		}
		result = append(result, entry)
	}
	return result
}

func normalizeRole(role string) string {
	switch strings.TrimSpace(role) {
	case "assistant", "user", "system", "tool":
		return strings.TrimSpace(role)
	default:
		return "user"
	}
}

func extractContent(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var builder strings.Builder
		for _, block := range blocks {
			builder.WriteString(block.Text)
		}
		return builder.String()
	}
	return ""
}

func toToolCalls(calls []chatToolCallResp) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]llm.ToolCall, 0, len(calls))
	for idx, call := range calls {
		// A nameless call is kept so dispatch reports it as an unknown tool.
		name := strings.TrimSpace(call.Function.Name)
		callID := strings.TrimSpace(call.ID)
		if callID == "" {
			callID = fmt.Sprintf("call-%s-%d", name, idx)
		}
		result = append(result, llm.ToolCall{
			ID:   callID,
			Type: "function",
			Function: llm.ToolCallFunction{
				Name:      name,
				Arguments: normalizeArguments(call.Function.Arguments),
			},
		})
	}
	return result
}

// normalizeArguments accepts arguments sent either as a JSON string or as an
// inline object and always returns the object text.
func normalizeArguments(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "{}"
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if strings.TrimSpace(asString) == "" {
			return "{}"
		}
		return asString
	}
	return trimmed
}
