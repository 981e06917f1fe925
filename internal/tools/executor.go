// Package tools exposes the agent's tool catalogue and executes tool calls
// against the workspace. Every fault is returned as a structured result so
// the model can read it and adapt.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"sitewright/internal/domain"
	"sitewright/internal/events"
	"sitewright/internal/llm"
	"sitewright/internal/logging"
	"sitewright/internal/metrics"
	"sitewright/internal/permissions"
	"sitewright/internal/workspace"
)

var ErrUnknownTool = errors.New("unknown tool")

const (
	msgFileNotFound  = "File not found"
	msgFindNotFound  = "Find-text not found; patch not applied."
	msgEmptyPreview  = "The preview is empty. There is no HTML content."
	visualizerAgent  = "Visualizer"
	visualizerPrompt = "You are an expert front-end developer. Based on the following HTML and CSS, render the page in your mind and describe its visual appearance in plain English. " +
		"Be detailed and literal. Describe the layout, colors, typography, spacing, and key elements. " +
		"This description will be used by other agents to understand the current state of the UI."
)

// Scope identifies who a tool call runs for. Run may be empty outside an
// agent loop, in which case no progress events are emitted.
type Scope struct {
	Project string
	Run     string
	Model   string
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Result is the JSON document returned to the model for one tool call.
type Result struct {
	OK          bool                   `json:"ok"`
	Path        string                 `json:"path,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Bytes       *int                   `json:"bytes,omitempty"`
	Content     *string                `json:"content,omitempty"`
	Truncated   bool                   `json:"truncated,omitempty"`
	Patched     bool                   `json:"patched,omitempty"`
	Replaced    int                    `json:"replaced,omitempty"`
	Diff        *workspace.DiffSummary `json:"diff,omitempty"`
	Files       *[]string              `json:"files,omitempty"`
	Description *string                `json:"description,omitempty"`
	Results     []SearchResult         `json:"results,omitempty"`
}

func failure(err string, path string) Result {
	return Result{Error: err, Path: path}
}

// JSON renders the result as tool message content.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":"unencodable tool result"}`
	}
	return string(data)
}

// Outcome pairs a tool call with its result.
type Outcome struct {
	CallID string
	Name   string
	Result Result
}

type Executor struct {
	Workspace *workspace.Store
	Gate      *permissions.Gate
	Events    *events.Log
	Model     llm.Completer
	Logger    *slog.Logger
}

func (x *Executor) logger() *slog.Logger {
	return logging.OrNop(x.Logger)
}

// Dispatch runs one tool call and never fails: decode errors, unknown tools
// and panics all become {ok:false} results.
func (x *Executor) Dispatch(ctx context.Context, scope Scope, call llm.ToolCall) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			x.logger().Error("tool panicked", "tool", call.Function.Name, "project", scope.Project, "panic", r)
			res = failure(fmt.Sprintf("tool %s failed: %v", call.Function.Name, r), "")
		}
		metrics.RecordToolCall(call.Function.Name, res.OK)
	}()
	res, err := x.Run(ctx, scope, call.Function.Name, call.Function.Arguments)
	if err != nil {
		return failure(err.Error(), res.Path)
	}
	return res
}

// Run decodes arguments and invokes the named tool. Only argument and
// unknown-tool errors are returned as errors; tool-level failures come back
// as results.
func (x *Executor) Run(ctx context.Context, scope Scope, name, arguments string) (Result, error) {
	if !Known(name) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	switch name {
	case CreateFile:
		var args struct {
			Filename *string `json:"filename"`
			Content  *string `json:"content"`
		}
		if err := decodeArgs(arguments, &args); err != nil {
			return Result{}, err
		}
		if args.Filename == nil || args.Content == nil {
			return Result{}, missing("filename", "content")
		}
		return x.CreateFile(ctx, scope.Project, *args.Filename, *args.Content), nil
	case ReadFile:
		var args struct {
			Filename *string `json:"filename"`
		}
		if err := decodeArgs(arguments, &args); err != nil {
			return Result{}, err
		}
		if args.Filename == nil {
			return Result{}, missing("filename")
		}
		return x.ReadFile(scope.Project, *args.Filename), nil
	case PatchFile:
		var args struct {
			Filename *string        `json:"filename"`
			Find     *string        `json:"find"`
			Replace  *string        `json:"replace"`
			Count    domain.FlexInt `json:"count"`
		}
		if err := decodeArgs(arguments, &args); err != nil {
			return Result{}, err
		}
		if args.Filename == nil || args.Find == nil || args.Replace == nil {
			return Result{}, missing("filename", "find", "replace")
		}
		return x.PatchFile(ctx, scope.Project, *args.Filename, *args.Find, *args.Replace, int(args.Count)), nil
	case ListWorkspace:
		return x.ListWorkspace(scope.Project), nil
	case DescribeVisuals:
		return x.DescribeVisuals(ctx, scope), nil
	case DeleteFile:
		var args struct {
			Filename *string `json:"filename"`
		}
		if err := decodeArgs(arguments, &args); err != nil {
			return Result{}, err
		}
		if args.Filename == nil {
			return Result{}, missing("filename")
		}
		return x.DeleteFile(ctx, scope.Project, *args.Filename), nil
	case WebSearch:
		var args struct {
			Query string `json:"query"`
		}
		if err := decodeArgs(arguments, &args); err != nil {
			return Result{}, err
		}
		return x.WebSearch(args.Query), nil
	default:
		return Result{}, fmt.Errorf("tool %s has no handler", name)
	}
}

// ExecuteAll runs the tool calls of one step concurrently and returns their
// outcomes in call order.
func (x *Executor) ExecuteAll(ctx context.Context, scope Scope, calls []llm.ToolCall) []Outcome {
	out := make([]Outcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out[i] = Outcome{CallID: call.ID, Name: call.Function.Name, Result: x.Dispatch(gctx, scope, call)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func displayPath(clean string) string {
	return "workspace/" + clean
}

func (x *Executor) authorize(ctx context.Context, project, filename string) (string, *Result) {
	if !domain.ValidID(project) {
		r := failure(fmt.Sprintf("%v: %q", workspace.ErrInvalidProject, project), "")
		return "", &r
	}
	clean, err := workspace.Normalize(filename)
	if err != nil {
		r := failure(err.Error(), "")
		return "", &r
	}
	decision, err := x.Gate.CheckWrite(ctx, project, clean)
	if err != nil {
		r := failure(err.Error(), displayPath(clean))
		return "", &r
	}
	if !decision.Allowed {
		r := failure(decision.Reason, displayPath(clean))
		return "", &r
	}
	return clean, nil
}

func (x *Executor) CreateFile(ctx context.Context, project, filename, content string) Result {
	clean, denied := x.authorize(ctx, project, filename)
	if denied != nil {
		return *denied
	}
	n, err := x.Workspace.Write(project, clean, content)
	if err != nil {
		return failure(err.Error(), displayPath(clean))
	}
	return Result{OK: true, Path: displayPath(clean), Bytes: &n}
}

func (x *Executor) ReadFile(project, filename string) Result {
	clean, err := workspace.Normalize(filename)
	if err != nil {
		return failure(err.Error(), "")
	}
	res, err := x.Workspace.Read(project, clean)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return failure(msgFileNotFound, displayPath(clean))
		}
		return failure(err.Error(), displayPath(clean))
	}
	return Result{OK: true, Path: displayPath(clean), Content: &res.Content, Truncated: res.Truncated}
}

func (x *Executor) PatchFile(ctx context.Context, project, filename, find, replace string, count int) Result {
	clean, denied := x.authorize(ctx, project, filename)
	if denied != nil {
		return *denied
	}
	res, err := x.Workspace.Patch(project, clean, find, replace, count)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return failure(msgFileNotFound, displayPath(clean))
		}
		return failure(err.Error(), displayPath(clean))
	}
	if !res.Applied {
		return failure(msgFindNotFound, displayPath(clean))
	}
	return Result{OK: true, Path: displayPath(clean), Patched: true, Replaced: res.Replaced, Diff: &res.Diff}
}

func (x *Executor) ListWorkspace(project string) Result {
	files, err := x.Workspace.List(project)
	if err != nil {
		return failure(err.Error(), "")
	}
	return Result{OK: true, Files: &files}
}

func (x *Executor) DeleteFile(ctx context.Context, project, filename string) Result {
	clean, denied := x.authorize(ctx, project, filename)
	if denied != nil {
		return *denied
	}
	if err := x.Workspace.Delete(project, clean); err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return failure(msgFileNotFound, displayPath(clean))
		}
		return failure(err.Error(), displayPath(clean))
	}
	return Result{OK: true, Path: displayPath(clean)}
}

// DescribeVisuals asks the model to describe the rendered preview page.
func (x *Executor) DescribeVisuals(ctx context.Context, scope Scope) Result {
	x.emit(ctx, scope, "Analyzing UI code to describe visuals...", "info", "Working")
	html := x.readOptional(scope.Project, "preview/index.html")
	css := x.readOptional(scope.Project, "preview/styles.css")
	if strings.TrimSpace(html) == "" {
		desc := msgEmptyPreview
		return Result{OK: true, Description: &desc}
	}
	if x.Model == nil {
		return failure("Failed to describe visuals: no model configured", "")
	}
	payload, _ := json.Marshal(map[string]string{"html": html, "css": css})
	resp, err := x.Model.Complete(ctx, llm.Request{
		Model:       scope.Model,
		Messages:    []llm.Message{llm.System(visualizerPrompt), llm.User(string(payload))},
		Temperature: llm.Temperature(0.1),
	})
	if err != nil {
		x.emit(ctx, scope, "Visual description failed.", "error", "Failed")
		return failure("Failed to describe visuals: "+err.Error(), "")
	}
	desc := resp.Message.Content
	x.emit(ctx, scope, "Visual description generated.", "info", "Done")
	return Result{OK: true, Description: &desc}
}

func (x *Executor) readOptional(project, rel string) string {
	res, err := x.Workspace.Read(project, rel)
	if err != nil {
		return ""
	}
	return res.Content
}

func (x *Executor) emit(ctx context.Context, scope Scope, text, level, status string) {
	if x.Events == nil || scope.Run == "" {
		return
	}
	_ = x.Events.Emit(ctx, events.Entry{
		Project: scope.Project,
		Run:     scope.Run,
		Agent:   visualizerAgent,
		Text:    text,
		Level:   level,
		Status:  &status,
	})
}

// WebSearch is a simulated collaborator; it never touches the network.
func (x *Executor) WebSearch(query string) Result {
	return Result{OK: true, Results: []SearchResult{{
		Title:   "Simulated Search Result",
		URL:     "https://example.com",
		Snippet: "This is a simulated search result for your query.",
	}}}
}

// decodeArgs accepts an object, an object encoded as a JSON string, or
// nothing at all.
func decodeArgs(arguments string, out any) error {
	raw := strings.TrimSpace(arguments)
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	err := json.Unmarshal([]byte(raw), out)
	if err == nil {
		return nil
	}
	var inner string
	if json.Unmarshal([]byte(raw), &inner) == nil {
		if json.Unmarshal([]byte(inner), out) == nil {
			return nil
		}
	}
	return fmt.Errorf("invalid tool arguments: %w", err)
}

func missing(names ...string) error {
	return fmt.Errorf("missing required arguments: %s", strings.Join(names, ", "))
}
