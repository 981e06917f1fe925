package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Project struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether s is usable as a project or run identifier, i.e. a
// single URL-safe path segment.
func ValidID(s string) bool {
	if len(s) > 128 || s == "." || s == ".." {
		return false
	}
	return idPattern.MatchString(s)
}

// Permissions is the per-project capability record.
type Permissions struct {
	SelfModify bool `json:"self_modify"`
	FileWrite  bool `json:"file_write"`
	Shell      bool `json:"shell"`
	Web        bool `json:"web"`
}

func DefaultPermissions() Permissions {
	return Permissions{FileWrite: true}
}

// PermissionPatch carries only the keys a caller wants to change.
type PermissionPatch struct {
	SelfModify *bool `json:"self_modify,omitempty"`
	FileWrite  *bool `json:"file_write,omitempty"`
	Shell      *bool `json:"shell,omitempty"`
	Web        *bool `json:"web,omitempty"`
}

func (p PermissionPatch) Empty() bool {
	return p.SelfModify == nil && p.FileWrite == nil && p.Shell == nil && p.Web == nil
}

// Apply merges the set keys of patch over p.
func (p Permissions) Apply(patch PermissionPatch) Permissions {
	if patch.SelfModify != nil {
		p.SelfModify = *patch.SelfModify
	}
	if patch.FileWrite != nil {
		p.FileWrite = *patch.FileWrite
	}
	if patch.Shell != nil {
		p.Shell = *patch.Shell
	}
	if patch.Web != nil {
		p.Web = *patch.Web
	}
	return p
}

// OrchestratorState is the persisted approval gate for one project.
type OrchestratorState struct {
	PendingExecution bool    `json:"pending_execution"`
	ProposedGoal     *string `json:"proposed_goal"`
	ProposedPlan     *Plan   `json:"proposed_plan"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Plan is the execution plan proposed to the user before a run.
type Plan struct {
	Steps                 StringList             `json:"steps"`
	FilesToModify         StringList             `json:"files_to_modify,omitempty"`
	FilesToCreate         StringList             `json:"files_to_create,omitempty"`
	TechnicalRequirements *TechnicalRequirements `json:"technical_requirements,omitempty"`
	EstimatedSteps        FlexInt                `json:"estimated_steps,omitempty"`
	QualityRequirements   StringList             `json:"quality_requirements,omitempty"`
	SuccessCriteria       StringList             `json:"success_criteria,omitempty"`
	Fallback              bool                   `json:"fallback,omitempty"`
}

type TechnicalRequirements struct {
	Frameworks    StringList `json:"frameworks,omitempty"`
	DesignSystems StringList `json:"design_systems,omitempty"`
	Accessibility StringList `json:"accessibility,omitempty"`
}

// FallbackPlan is substituted when the planner output cannot be parsed.
func FallbackPlan() Plan {
	return Plan{
		Steps:          []string{"Plan generation failed, will proceed with direct execution"},
		FilesToCreate:  StringList{"preview/index.html", "preview/styles.css"},
		EstimatedSteps: 5,
		Fallback:       true,
	}
}

// ImprovedPlan is the architect's refinement produced at the start of a run.
type ImprovedPlan struct {
	Files        []PlannedFile `json:"files,omitempty"`
	Steps        StringList    `json:"steps,omitempty"`
	TechStack    StringList    `json:"tech_stack,omitempty"`
	Dependencies StringList    `json:"dependencies,omitempty"`
}

func (p ImprovedPlan) Empty() bool {
	return len(p.Files) == 0 && len(p.Steps) == 0 && len(p.TechStack) == 0 && len(p.Dependencies) == 0
}

type PlannedFile struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose,omitempty"`
}

// StringList decodes either a JSON string or an array of scalars.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*l = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make(StringList, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case nil:
		default:
			b, _ := json.Marshal(v)
			out = append(out, string(b))
		}
	}
	*l = out
	return nil
}

// FlexInt decodes a JSON number or a numeric string.
type FlexInt int

func (n *FlexInt) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if trimmed == "" || trimmed == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return err
	}
	*n = FlexInt(f)
	return nil
}

// FlexFloat decodes a JSON number or a numeric string. Unlike FlexInt an
// empty string is an error.
type FlexFloat float64

func (n *FlexFloat) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(strings.Trim(trimmed, `"`)), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", trimmed)
	}
	*n = FlexFloat(f)
	return nil
}

type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunComplete    RunStatus = "complete"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// Event is one entry of a run's event log. TS is milliseconds since epoch.
type Event struct {
	TS    float64 `json:"ts"`
	Agent string  `json:"agent"`
	Text  string  `json:"text"`
	Kind  string  `json:"kind"`
	Level string  `json:"level"`
}

type AgentSummary struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Mission string `json:"mission"`
}

// Run is the catalog row for one agent loop invocation.
type Run struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Goal       string    `json:"goal"`
	Model      string    `json:"model"`
	Status     RunStatus `json:"status" enum:"running,complete,interrupted,failed"`
	UsedSteps  int       `json:"used_steps"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  string    `json:"created_at" format:"date-time"`
	FinishedAt string    `json:"finished_at,omitempty" format:"date-time"`
}

// RunPayload is the terminal result of a run.
type RunPayload struct {
	OK           bool          `json:"ok"`
	TraceID      string        `json:"trace_id"`
	ProjectID    string        `json:"project_id"`
	Status       RunStatus     `json:"status"`
	Walkthrough  string        `json:"walkthrough"`
	Files        []string      `json:"files"`
	UsedSteps    int           `json:"used_steps"`
	ImprovedPlan *ImprovedPlan `json:"improved_plan"`
	State        string        `json:"state"`
	Postprocess  *Compaction   `json:"postprocess,omitempty"`
}

// Compaction holds the post-run summary artifacts.
type Compaction struct {
	Architect json.RawMessage `json:"architect"`
	NotesMD   string          `json:"notes_md"`
	Meta      json.RawMessage `json:"meta"`
	Degraded  bool            `json:"degraded,omitempty"`
}

// BadExample is a run remembered because its review reported issues.
type BadExample struct {
	TraceID   string          `json:"trace_id"`
	Goal      string          `json:"goal"`
	Architect json.RawMessage `json:"architect"`
	NotesMD   string          `json:"notes_md"`
	Meta      json.RawMessage `json:"meta"`
}
