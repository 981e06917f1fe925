// Package llmtest provides scripted model clients for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sitewright/internal/llm"
)

// ErrScriptExhausted is returned when a Script has no replies left.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Reply is one scripted provider answer.
type Reply struct {
	Message llm.Message
	Err     error
}

// Text returns a plain assistant reply.
func Text(content string) Reply {
	return Reply{Message: llm.Message{Role: "assistant", Content: content}}
}

// Calls returns an assistant reply issuing the given tool calls.
func Calls(calls ...llm.ToolCall) Reply {
	return Reply{Message: llm.Message{Role: "assistant", ToolCalls: calls}}
}

// Fail returns a reply that surfaces err.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// Call builds a tool call with JSON arguments.
func Call(id, name, args string) llm.ToolCall {
	if args == "" {
		args = "{}"
	}
	return llm.ToolCall{ID: id, Type: "function", Function: llm.ToolCallFunction{Name: name, Arguments: args}}
}

// Script answers requests in order and records every request it received.
type Script struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.Request
	// Fallback, when set, answers once the script runs out.
	Fallback func(req llm.Request) Reply
}

func NewScript(replies ...Reply) *Script {
	return &Script{replies: replies}
}

func (s *Script) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

func (s *Script) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, cloneRequest(req))
	var reply Reply
	switch {
	case len(s.replies) > 0:
		reply = s.replies[0]
		s.replies = s.replies[1:]
	case s.Fallback != nil:
		fallback := s.Fallback
		s.mu.Unlock()
		reply = fallback(req)
		s.mu.Lock()
	default:
		s.mu.Unlock()
		return llm.Response{}, fmt.Errorf("%w after %d requests", ErrScriptExhausted, len(s.requests))
	}
	s.mu.Unlock()
	if reply.Err != nil {
		return llm.Response{}, reply.Err
	}
	msg := reply.Message
	if msg.Role == "" {
		msg.Role = "assistant"
	}
	return llm.Response{Message: msg}, nil
}

// Requests returns a copy of every request received so far.
func (s *Script) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining reports how many scripted replies are unused.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

func cloneRequest(req llm.Request) llm.Request {
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	return req
}

// Func adapts a function to llm.Completer.
type Func func(ctx context.Context, req llm.Request) (llm.Response, error)

func (f Func) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return f(ctx, req)
}
