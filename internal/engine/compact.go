package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sitewright/internal/domain"
	"sitewright/internal/llm"
)

const (
	transcriptTail = 30
	rawOutputLimit = 5000
)

type CompactRequest struct {
	Project    string
	Run        string
	Goal       string
	Model      string
	Transcript []llm.Message
}

// Compact summarizes a finished run into the architect summary, note-taker
// markdown and meta review, stores them next to run.json and remembers runs
// whose review reported issues. It never fails: provider errors produce
// degraded artifacts.
func (e *Engine) Compact(ctx context.Context, req CompactRequest) domain.Compaction {
	log := e.logger().With("project", req.Project, "run", req.Run)
	tail := req.Transcript
	if len(tail) > transcriptTail {
		tail = tail[len(tail)-transcriptTail:]
	}
	input, err := json.Marshal(struct {
		TraceID        string        `json:"trace_id"`
		TranscriptTail []llm.Message `json:"transcript_tail"`
	}{req.Run, tail})
	if err != nil {
		input = []byte(`{}`)
	}

	var comp domain.Compaction
	architect, ok := e.compactJSON(ctx, req.Model, fmt.Sprintf(architectPromptFmt, req.Goal), string(input), "architect")
	comp.Architect = architect
	comp.Degraded = comp.Degraded || !ok

	notes, err := e.compactText(ctx, req.Model, notesPrompt, string(input))
	if err != nil {
		log.Warn("note-taker call failed", "err", err)
		comp.Degraded = true
	}
	comp.NotesMD = notes

	metaInput, _ := json.Marshal(map[string]json.RawMessage{"architect": architect, "notes_md": mustJSON(notes)})
	meta, ok := e.compactJSON(ctx, req.Model, metaPrompt, string(metaInput), "meta")
	comp.Meta = meta
	comp.Degraded = comp.Degraded || !ok

	if err := e.Archive.SaveCompaction(req.Project, req.Run, comp); err != nil {
		log.Warn("save compaction failed", "err", err)
	}
	if hadIssue(comp) {
		ex := domain.BadExample{TraceID: req.Run, Goal: req.Goal, Architect: comp.Architect, NotesMD: comp.NotesMD, Meta: comp.Meta}
		if err := e.States.AppendBadExample(ctx, req.Project, ex); err != nil {
			log.Warn("record bad example failed", "err", err)
		}
	}
	return comp
}

// compactJSON returns the model's JSON object, or an {"error":...} document
// and false when the call or the parse fails.
func (e *Engine) compactJSON(ctx context.Context, model, system, input, role string) (json.RawMessage, bool) {
	resp, err := e.Model.Complete(ctx, llm.Request{
		Model:          model,
		Messages:       []llm.Message{llm.System(system), llm.User(input)},
		ResponseFormat: llm.JSONObject(),
		Temperature:    llm.Temperature(0.2),
	})
	if err != nil {
		return errorDoc(map[string]string{"error": role + "_call_failed", "detail": err.Error()}), false
	}
	var obj map[string]json.RawMessage
	if err := llm.DecodeJSON(resp.Message.Content, &obj); err != nil || len(obj) == 0 {
		raw := resp.Message.Content
		if len(raw) > rawOutputLimit {
			raw = raw[:rawOutputLimit]
		}
		return errorDoc(map[string]string{"error": role + "_parse_failed", "raw": raw}), false
	}
	data, _ := json.Marshal(obj)
	return data, true
}

func (e *Engine) compactText(ctx context.Context, model, system, input string) (string, error) {
	resp, err := e.Model.Complete(ctx, llm.Request{
		Model:       model,
		Messages:    []llm.Message{llm.System(system), llm.User(input)},
		Temperature: llm.Temperature(0.2),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func hadIssue(c domain.Compaction) bool {
	var meta struct {
		WorkflowIssues []json.RawMessage `json:"workflow_issues"`
	}
	if json.Unmarshal(c.Meta, &meta) == nil && len(meta.WorkflowIssues) > 0 {
		return true
	}
	var architect map[string]json.RawMessage
	if json.Unmarshal(c.Architect, &architect) == nil {
		if _, failed := architect["error"]; failed {
			return true
		}
	}
	return false
}

func errorDoc(v map[string]string) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func mustJSON(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
