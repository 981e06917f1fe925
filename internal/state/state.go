// Package state persists per-project orchestrator memory in
// project_memory.json: the pending approval gate and remembered bad runs.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sitewright/internal/domain"
	"sitewright/internal/registry"
)

const (
	keyState       = "state"
	keyBadExamples = "bad_examples"
	MaxBadExamples = 50
)

type Store struct {
	file *registry.File
	Now  func() time.Time
}

func NewStore(file *registry.File) *Store {
	return &Store{file: file, Now: time.Now}
}

func (s *Store) now() string {
	if s.Now == nil {
		s.Now = time.Now
	}
	return s.Now().UTC().Format(time.RFC3339)
}

type bucket map[string]json.RawMessage

func decodeBucket(raw json.RawMessage) (bucket, error) {
	b := bucket{}
	if len(raw) == 0 || string(raw) == "null" {
		return b, nil
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode project memory: %w", err)
	}
	return b, nil
}

// Load returns the project's orchestrator state; a project with none is idle.
func (s *Store) Load(ctx context.Context, project string) (domain.OrchestratorState, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrchestratorState{}, err
	}
	var b bucket
	if _, err := s.file.Get(project, &b); err != nil {
		return domain.OrchestratorState{}, err
	}
	var st domain.OrchestratorState
	raw, ok := b[keyState]
	if !ok {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.OrchestratorState{}, fmt.Errorf("decode orchestrator state: %w", err)
	}
	return st, nil
}

func (s *Store) Save(ctx context.Context, project string, st domain.OrchestratorState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.UpdatedAt = s.now()
	return s.mutate(project, func(b bucket) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		b[keyState] = data
		return nil
	})
}

// Reset returns the project to idle.
func (s *Store) Reset(ctx context.Context, project string) error {
	return s.Save(ctx, project, domain.OrchestratorState{})
}

// AppendBadExample remembers a run whose review reported issues, keeping the
// newest MaxBadExamples entries.
func (s *Store) AppendBadExample(ctx context.Context, project string, ex domain.BadExample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(project, func(b bucket) error {
		var list []domain.BadExample
		if raw, ok := b[keyBadExamples]; ok {
			if err := json.Unmarshal(raw, &list); err != nil {
				list = nil
			}
		}
		list = append(list, ex)
		if len(list) > MaxBadExamples {
			list = list[len(list)-MaxBadExamples:]
		}
		data, err := json.Marshal(list)
		if err != nil {
			return err
		}
		b[keyBadExamples] = data
		return nil
	})
}

func (s *Store) BadExamples(ctx context.Context, project string) ([]domain.BadExample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b bucket
	if _, err := s.file.Get(project, &b); err != nil {
		return nil, err
	}
	var list []domain.BadExample
	if raw, ok := b[keyBadExamples]; ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode bad examples: %w", err)
		}
	}
	return list, nil
}

// Snapshot returns the raw memory document.
func (s *Store) Snapshot() (registry.Document, error) {
	return s.file.Snapshot()
}

func (s *Store) mutate(project string, fn func(bucket) error) error {
	return s.file.Update(project, func(current json.RawMessage) (any, error) {
		b, err := decodeBucket(current)
		if err != nil {
			return nil, err
		}
		if err := fn(b); err != nil {
			return nil, err
		}
		return b, nil
	})
}
