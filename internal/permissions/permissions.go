// Package permissions holds the per-project capability record and decides
// whether a workspace mutation is allowed.
package permissions

import (
	"context"
	"encoding/json"
	"strings"

	"sitewright/internal/domain"
	"sitewright/internal/registry"
)

const (
	ReasonFileWriteOff  = "blocked: file_write permission is OFF"
	ReasonSelfModifyOff = "blocked: self_modify permission is OFF for non-preview writes"
)

// Decision is the outcome of a write check. Denials are values, not errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Gate reads and writes permissions_runtime.json.
type Gate struct {
	file *registry.File
}

func NewGate(file *registry.File) *Gate {
	return &Gate{file: file}
}

// record mirrors the stored entry; missing keys fall back to defaults.
type record struct {
	SelfModify *bool `json:"self_modify"`
	FileWrite  *bool `json:"file_write"`
	Shell      *bool `json:"shell"`
	Web        *bool `json:"web"`
}

func (r record) permissions() domain.Permissions {
	return domain.DefaultPermissions().Apply(domain.PermissionPatch(r))
}

func decode(raw json.RawMessage) (domain.Permissions, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.DefaultPermissions(), false, nil
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Permissions{}, false, err
	}
	complete := r.SelfModify != nil && r.FileWrite != nil && r.Shell != nil && r.Web != nil
	return r.permissions(), complete, nil
}

// Get returns the record for project, persisting the defaults on first access.
func (g *Gate) Get(ctx context.Context, project string) (domain.Permissions, error) {
	if err := ctx.Err(); err != nil {
		return domain.Permissions{}, err
	}
	var out domain.Permissions
	err := g.file.Update(project, func(current json.RawMessage) (any, error) {
		perms, complete, err := decode(current)
		if err != nil {
			return nil, err
		}
		out = perms
		if complete {
			return nil, nil
		}
		return perms, nil
	})
	return out, err
}

// Set merges the provided keys over the stored record.
func (g *Gate) Set(ctx context.Context, project string, patch domain.PermissionPatch) (domain.Permissions, error) {
	if err := ctx.Err(); err != nil {
		return domain.Permissions{}, err
	}
	var out domain.Permissions
	err := g.file.Update(project, func(current json.RawMessage) (any, error) {
		perms, _, err := decode(current)
		if err != nil {
			return nil, err
		}
		out = perms.Apply(patch)
		return out, nil
	})
	return out, err
}

// CheckWrite applies the write policy: preview/ needs file_write, anything
// else also needs self_modify.
func (g *Gate) CheckWrite(ctx context.Context, project, rel string) (Decision, error) {
	perms, err := g.Get(ctx, project)
	if err != nil {
		return Decision{}, err
	}
	return Check(perms, rel), nil
}

// Check evaluates the policy against an already loaded record.
func Check(perms domain.Permissions, rel string) Decision {
	if !perms.FileWrite {
		return Decision{Reason: ReasonFileWriteOff}
	}
	if strings.HasPrefix(rel, "preview/") {
		return Decision{Allowed: true, Reason: "ok"}
	}
	if !perms.SelfModify {
		return Decision{Reason: ReasonSelfModifyOff}
	}
	return Decision{Allowed: true, Reason: "ok"}
}
