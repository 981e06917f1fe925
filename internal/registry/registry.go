// Package registry persists small JSON documents of the form
// {"version": ..., "projects": {<id>: {...}}} with whole-file atomic replace.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const Version = "1.0.0"

type Document struct {
	Version  string                     `json:"version"`
	Projects map[string]json.RawMessage `json:"projects"`
}

func emptyDocument() Document {
	return Document{Version: Version, Projects: map[string]json.RawMessage{}}
}

// File is one registry document on disk. All mutations go through Update,
// which holds the file lock for the whole read-modify-write.
type File struct {
	path string
	mu   sync.Mutex
}

func Open(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Ensure writes an empty document if none exists yet.
func (f *File) Ensure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return f.write(emptyDocument())
}

// Snapshot returns the whole document. A missing or unreadable file reads as
// an empty document.
func (f *File) Snapshot() (Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Get decodes the entry for project into out. It reports false when the
// project has no entry.
func (f *File) Get(project string, out any) (bool, error) {
	doc, err := f.Snapshot()
	if err != nil {
		return false, err
	}
	raw, ok := doc.Projects[project]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode registry entry %s: %w", project, err)
	}
	return true, nil
}

// Update replaces the entry for project with the value returned by fn. fn
// receives nil when the project has no entry. Returning a nil value from fn
// leaves the document untouched.
func (f *File) Update(project string, fn func(current json.RawMessage) (any, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	next, err := fn(doc.Projects[project])
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode registry entry %s: %w", project, err)
	}
	doc.Projects[project] = data
	return f.write(doc)
}

func (f *File) read() (Document, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptyDocument(), nil
		}
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return emptyDocument(), nil
	}
	if doc.Version == "" {
		doc.Version = Version
	}
	if doc.Projects == nil {
		doc.Projects = map[string]json.RawMessage{}
	}
	return doc, nil
}

// write replaces the file through a temp file in the same directory so a
// concurrent reader sees either the old or the new document.
func (f *File) write(doc Document) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
