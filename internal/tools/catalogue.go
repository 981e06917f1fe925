package tools

import (
	"encoding/json"

	"sitewright/internal/llm"
)

const (
	CreateFile      = "create_file"
	ReadFile        = "read_file"
	PatchFile       = "patch_file"
	ListWorkspace   = "list_workspace"
	DescribeVisuals = "describe_visuals"
	DeleteFile      = "delete_file"
	WebSearch       = "web_search"
)

var catalogue = []llm.Tool{
	function(CreateFile,
		"Create/overwrite a file in workspace/. For UI use 'preview/index.html', 'preview/styles.css', etc.",
		`{"type":"object","properties":{"filename":{"type":"string"},"content":{"type":"string"}},"required":["filename","content"]}`),
	function(ReadFile,
		"Read a file from workspace/ (use before editing).",
		`{"type":"object","properties":{"filename":{"type":"string"}},"required":["filename"]}`),
	function(PatchFile,
		"Patch an existing file by replacing a matching text snippet (string replace). Use read_file first.",
		`{"type":"object","properties":{"filename":{"type":"string"},"find":{"type":"string"},"replace":{"type":"string"},"count":{"type":"integer","default":1}},"required":["filename","find","replace"]}`),
	function(ListWorkspace,
		"List all files in workspace/.",
		`{"type":"object","properties":{},"required":[]}`),
	function(DescribeVisuals,
		"CRITICAL: To 'see' the current UI, call this tool. It analyzes HTML/CSS and returns a detailed text description of the visual appearance.",
		`{"type":"object","properties":{},"required":[]}`),
	function(DeleteFile,
		"Deletes a file from the workspace.",
		`{"type":"object","properties":{"filename":{"type":"string"}},"required":["filename"]}`),
	function(WebSearch,
		"Performs a web search and returns the results.",
		`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
}

func function(name, description, schema string) llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(schema),
		},
	}
}

// Catalogue returns the tool definitions sent with every agent step.
func Catalogue() []llm.Tool {
	out := make([]llm.Tool, len(catalogue))
	copy(out, catalogue)
	return out
}

// Known reports whether name is in the catalogue.
func Known(name string) bool {
	for _, t := range catalogue {
		if t.Function.Name == name {
			return true
		}
	}
	return false
}
