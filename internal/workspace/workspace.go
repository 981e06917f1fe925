// Package workspace is the per-project file sandbox the agent writes into.
// Every path is normalized and checked against the project root before the
// filesystem is touched.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"sitewright/internal/domain"
)

const (
	PreviewDir      = "preview"
	MaxReadChars    = 200_000
	TruncatedSuffix = "\n\n[TRUNCATED]"
)

var (
	ErrNotFound       = errors.New("file not found")
	ErrPathTraversal  = errors.New("invalid filename (path traversal blocked)")
	ErrInvalidProject = errors.New("invalid project id")
)

// Store roots every project under Dir/<project>.
type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

type ReadResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

type DiffSummary struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

type PatchResult struct {
	Path     string      `json:"path"`
	Applied  bool        `json:"applied"`
	Replaced int         `json:"replaced"`
	Diff     DiffSummary `json:"diff"`
}

// Normalize turns a model-supplied filename into a clean relative path.
// Absolute paths, empty paths and any ".." segment are rejected.
func Normalize(rel string) (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrPathTraversal
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return "", ErrPathTraversal
	}
	return clean, nil
}

// ProjectRoot returns the directory of a project without creating it.
func (s *Store) ProjectRoot(project string) (string, error) {
	if !domain.ValidID(project) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProject, project)
	}
	return filepath.Join(s.Dir, project), nil
}

// EnsureProject provisions the project root and its preview directory.
func (s *Store) EnsureProject(project string) (string, error) {
	root, err := s.ProjectRoot(project)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(root, PreviewDir), 0o755); err != nil {
		return "", err
	}
	return root, nil
}

// Exists reports whether the project directory is present.
func (s *Store) Exists(project string) bool {
	root, err := s.ProjectRoot(project)
	if err != nil {
		return false
	}
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}

// Resolve maps a relative path to its physical location inside the project.
// It performs no filesystem access.
func (s *Store) Resolve(project, rel string) (string, error) {
	root, err := s.ProjectRoot(project)
	if err != nil {
		return "", err
	}
	clean, err := Normalize(rel)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(clean))
	if !inside(root, full) {
		return "", ErrPathTraversal
	}
	return full, nil
}

func inside(root, p string) bool {
	within, err := filepath.Rel(root, p)
	return err == nil && within != ".." && !strings.HasPrefix(within, ".."+string(filepath.Separator))
}

// confine resolves symlinks on the deepest existing ancestor of full and
// rejects paths that end up outside root. A dangling link is rejected since
// writing through it would create its target.
func confine(root, full string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	for p := full; ; {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			if !inside(realRoot, real) {
				return ErrPathTraversal
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if _, lerr := os.Lstat(p); lerr == nil {
			return ErrPathTraversal
		}
		parent := filepath.Dir(p)
		if parent == p || !inside(root, parent) {
			return nil
		}
		p = parent
	}
}

func (s *Store) resolveProvisioned(project, rel string) (string, string, error) {
	clean, err := Normalize(rel)
	if err != nil {
		return "", "", err
	}
	full, err := s.Resolve(project, clean)
	if err != nil {
		return "", "", err
	}
	root, err := s.EnsureProject(project)
	if err != nil {
		return "", "", err
	}
	if err := confine(root, full); err != nil {
		return "", "", err
	}
	return full, clean, nil
}

// Write creates or overwrites a file and returns the number of bytes written.
func (s *Store) Write(project, rel, content string) (int, error) {
	full, _, err := s.resolveProvisioned(project, rel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return len(content), nil
}

func (s *Store) Read(project, rel string) (ReadResult, error) {
	full, clean, err := s.resolveProvisioned(project, rel)
	if err != nil {
		return ReadResult{}, err
	}
	data, err := readFile(full)
	if err != nil {
		return ReadResult{}, err
	}
	content := string(data)
	res := ReadResult{Path: clean, Content: content}
	if utf8.RuneCountInString(content) > MaxReadChars {
		res.Content = string([]rune(content)[:MaxReadChars]) + TruncatedSuffix
		res.Truncated = true
	}
	return res, nil
}

// Patch replaces the first occurrences matches of find with replace. A find
// text that is not present yields Applied=false and leaves the file as is.
func (s *Store) Patch(project, rel, find, replace string, occurrences int) (PatchResult, error) {
	full, clean, err := s.resolveProvisioned(project, rel)
	if err != nil {
		return PatchResult{}, err
	}
	data, err := readFile(full)
	if err != nil {
		return PatchResult{}, err
	}
	before := string(data)
	res := PatchResult{Path: clean}
	if find == "" || !strings.Contains(before, find) {
		return res, nil
	}
	if occurrences <= 0 {
		occurrences = 1
	}
	after := strings.Replace(before, find, replace, occurrences)
	if err := os.WriteFile(full, []byte(after), 0o644); err != nil {
		return PatchResult{}, err
	}
	res.Applied = true
	res.Replaced = min(strings.Count(before, find), occurrences)
	res.Diff = lineDiff(before, after)
	return res, nil
}

func (s *Store) Delete(project, rel string) error {
	full, _, err := s.resolveProvisioned(project, rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if info.IsDir() {
		return ErrNotFound
	}
	return os.Remove(full)
}

// List returns every file under the project root as sorted slash paths.
func (s *Store) List(project string) ([]string, error) {
	root, err := s.EnsureProject(project)
	if err != nil {
		return nil, err
	}
	files := []string{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// CreateProject derives a project id from a display name and provisions it.
// Names are lowercased with spaces turned into dashes; an empty name gets a
// random id and an id whose directory already exists gets a random suffix.
func (s *Store) CreateProject(name string) (string, error) {
	id := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
	if id == "" {
		id = "proj_" + randomHex(8)
	}
	if !domain.ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProject, id)
	}
	if s.Exists(id) {
		id = id + "_" + randomHex(4)
	}
	if _, err := s.EnsureProject(id); err != nil {
		return "", err
	}
	return id, nil
}

func randomHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func readFile(full string) ([]byte, error) {
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	return os.ReadFile(full)
}

func lineDiff(before, after string) DiffSummary {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(beforeChars, afterChars, false), lineArray)
	var sum DiffSummary
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			sum.Added += n
		case diffmatchpatch.DiffDelete:
			sum.Removed += n
		}
	}
	return sum
}
