// Package runs stores terminal run payloads and post-run artifacts under
// <Dir>/<project>/<run>/.
package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"sitewright/internal/domain"
)

const (
	PayloadFile   = "run.json"
	ArchitectFile = "architect_summary.json"
	NotesFile     = "notes.md"
	MetaFile      = "meta_review.json"

	// ListLimit caps how many run ids List returns.
	ListLimit = 100
)

var ErrNotFound = errors.New("run not found")

type Archive struct {
	Dir string
}

// Artifacts is everything recorded for one run. Missing files are nil.
type Artifacts struct {
	Run              json.RawMessage `json:"run"`
	ArchitectSummary json.RawMessage `json:"architect_summary"`
	Notes            *string         `json:"notes"`
	MetaReview       json.RawMessage `json:"meta_review"`
}

func (a Archive) RunDir(project, run string) (string, error) {
	if !domain.ValidID(project) || !domain.ValidID(run) {
		return "", fmt.Errorf("%w: %q/%q", ErrNotFound, project, run)
	}
	return filepath.Join(a.Dir, project, run), nil
}

func (a Archive) SavePayload(p domain.RunPayload) error {
	dir, err := a.RunDir(p.ProjectID, p.TraceID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, PayloadFile), p)
}

// SaveCompaction writes the three post-run artifacts.
func (a Archive) SaveCompaction(project, run string, c domain.Compaction) error {
	dir, err := a.RunDir(project, run)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, ArchitectFile), c.Architect); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, NotesFile), []byte(c.NotesMD+"\n"), 0o644); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, MetaFile), c.Meta)
}

// Load reads the payload and artifacts of a run.
func (a Archive) Load(project, run string) (Artifacts, error) {
	dir, err := a.RunDir(project, run)
	if err != nil {
		return Artifacts{}, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Artifacts{}, ErrNotFound
	}
	var out Artifacts
	if out.Run, err = readJSON(filepath.Join(dir, PayloadFile)); err != nil {
		return Artifacts{}, err
	}
	if out.ArchitectSummary, err = readJSON(filepath.Join(dir, ArchitectFile)); err != nil {
		return Artifacts{}, err
	}
	if out.MetaReview, err = readJSON(filepath.Join(dir, MetaFile)); err != nil {
		return Artifacts{}, err
	}
	notes, err := os.ReadFile(filepath.Join(dir, NotesFile))
	switch {
	case err == nil:
		s := string(notes)
		out.Notes = &s
	case !errors.Is(err, fs.ErrNotExist):
		return Artifacts{}, err
	}
	return out, nil
}

// List returns the newest ListLimit run ids of a project in name order.
func (a Archive) List(project string) ([]string, error) {
	if !domain.ValidID(project) {
		return []string{}, nil
	}
	entries, err := os.ReadDir(filepath.Join(a.Dir, project))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := []string{}
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	if len(ids) > ListLimit {
		ids = ids[len(ids)-ListLimit:]
	}
	return ids, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: invalid json", filepath.Base(path))
	}
	return json.RawMessage(data), nil
}
