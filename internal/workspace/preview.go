package workspace

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// BestEffort is the outcome of a housekeeping step that callers may ignore.
// Err is set when the step was attempted and failed.
type BestEffort struct {
	Op      string
	Applied bool
	Skipped string
	Err     error
}

func (b BestEffort) Failed() bool { return b.Err != nil }

const placeholderPage = `<!doctype html>
<html><head><meta charset="utf-8"/><meta name="viewport" content="width=device-width,initial-scale=1"/>
<title>Preview</title>
<style>body{font-family:system-ui,Arial;padding:24px;background:#0b1220;color:#e8eefc}
.card{max-width:820px;background:rgba(255,255,255,0.06);padding:18px;border-radius:14px}
code{background:rgba(255,255,255,0.08);padding:2px 6px;border-radius:6px}</style></head>
<body><div class="card">
<h1>Live Preview is ready</h1>
<p>Ask the builder to create files in <code>preview/</code> (e.g. <code>preview/index.html</code>).</p>
<p>This page refreshes after each run.</p>
</div></body></html>
`

// SeedPreview writes a placeholder preview/index.html when the project's
// preview directory is empty.
func (s *Store) SeedPreview(project string) BestEffort {
	out := BestEffort{Op: "seed_preview"}
	root, err := s.EnsureProject(project)
	if err != nil {
		out.Err = err
		return out
	}
	previewDir := filepath.Join(root, PreviewDir)
	empty, err := dirEmpty(previewDir)
	if err != nil {
		out.Err = err
		return out
	}
	if !empty {
		out.Skipped = "preview not empty"
		return out
	}
	if err := os.WriteFile(filepath.Join(previewDir, "index.html"), []byte(placeholderPage), 0o644); err != nil {
		out.Err = err
		return out
	}
	out.Applied = true
	return out
}

// MigrateLegacyPreview copies a shared legacy preview tree into project's
// preview directory when the latter is still empty. Existing files are never
// overwritten.
func (s *Store) MigrateLegacyPreview(legacyDir, project string) BestEffort {
	out := BestEffort{Op: "migrate_legacy_preview"}
	info, err := os.Stat(legacyDir)
	if err != nil || !info.IsDir() {
		out.Skipped = "no legacy preview"
		return out
	}
	root, err := s.EnsureProject(project)
	if err != nil {
		out.Err = err
		return out
	}
	target := filepath.Join(root, PreviewDir)
	targetEmpty, err := dirEmpty(target)
	if err != nil {
		out.Err = err
		return out
	}
	legacyEmpty, err := dirEmpty(legacyDir)
	if err != nil {
		out.Err = err
		return out
	}
	if !targetEmpty || legacyEmpty {
		out.Skipped = "nothing to migrate"
		return out
	}
	err = filepath.WalkDir(legacyDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(legacyDir, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
		return copyFile(p, dst)
	})
	if err != nil {
		out.Err = err
		return out
	}
	out.Applied = true
	return out
}

func dirEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
