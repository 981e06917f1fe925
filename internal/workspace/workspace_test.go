package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "projects"))
}

func TestTraversalRejectedBeforeTouchingDisk(t *testing.T) {
	s := newStore(t)
	for _, p := range []string{"../x", "/etc/passwd", "a/../../b", "preview/..", `..\evil.txt`, "", "   ", "/preview/index.html"} {
		_, err := s.Resolve("demo", p)
		assert.ErrorIs(t, err, ErrPathTraversal, p)

		_, err = s.Write("demo", p, "pwned")
		assert.ErrorIs(t, err, ErrPathTraversal, p)
	}
	_, err := os.Stat(s.Dir)
	assert.True(t, os.IsNotExist(err), "rejected writes must not provision anything")
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(` preview\css\site.css `)
	require.NoError(t, err)
	assert.Equal(t, "preview/css/site.css", got)

	got, err = Normalize("notes/./a..b.md")
	require.NoError(t, err)
	assert.Equal(t, "notes/a..b.md", got)
}

func TestInvalidProjectID(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("../other", "preview/index.html", "x")
	assert.ErrorIs(t, err, ErrInvalidProject)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newStore(t)
	n, err := s.Write("demo", "a.txt", "hello")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	res, err := s.Read("demo", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.False(t, res.Truncated)
	assert.DirExists(t, filepath.Join(s.Dir, "demo", "preview"))
}

func TestReadMissing(t *testing.T) {
	_, err := newStore(t).Read("demo", "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadTruncates(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("demo", "big.txt", strings.Repeat("é", MaxReadChars+10))
	require.NoError(t, err)

	res, err := s.Read("demo", "big.txt")
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasSuffix(res.Content, TruncatedSuffix))
	assert.Equal(t, strings.Repeat("é", MaxReadChars)+TruncatedSuffix, res.Content)
}

func TestPatchApplied(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("demo", "a.txt", "hello")
	require.NoError(t, err)

	res, err := s.Patch("demo", "a.txt", "hello", "world", 0)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, DiffSummary{Added: 1, Removed: 1}, res.Diff)

	got, err := s.Read("demo", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "world", got.Content)
}

func TestPatchOccurrences(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("demo", "a.txt", "x x x")
	require.NoError(t, err)

	res, err := s.Patch("demo", "a.txt", "x", "y", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replaced)

	got, err := s.Read("demo", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "y y x", got.Content)
}

func TestPatchFindAbsentLeavesFileIdentical(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("demo", "a.txt", "hello")
	require.NoError(t, err)
	full, err := s.Resolve("demo", "a.txt")
	require.NoError(t, err)
	before, err := os.ReadFile(full)
	require.NoError(t, err)

	res, err := s.Patch("demo", "a.txt", "absent", "world", 1)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	after, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatchMissingFile(t *testing.T) {
	_, err := newStore(t).Patch("demo", "nope.txt", "a", "b", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteThenRead(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("demo", "preview/x.html", "x")
	require.NoError(t, err)

	require.NoError(t, s.Delete("demo", "preview/x.html"))
	_, err = s.Read("demo", "preview/x.html")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete("demo", "preview/x.html"), ErrNotFound)

	files, err := s.List("demo")
	require.NoError(t, err)
	assert.NotContains(t, files, "preview/x.html")
}

func TestSymlinkEscapeRejected(t *testing.T) {
	s := newStore(t)
	root, err := s.EnsureProject("demo")
	require.NoError(t, err)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "preview", "out")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "new.txt"), filepath.Join(root, "preview", "dangling.txt")))

	_, err = s.Write("demo", "preview/out/pwned.txt", "pwned")
	assert.ErrorIs(t, err, ErrPathTraversal)
	_, err = s.Write("demo", "preview/dangling.txt", "pwned")
	assert.ErrorIs(t, err, ErrPathTraversal)
	_, err = s.Read("demo", "preview/out/pwned.txt")
	assert.ErrorIs(t, err, ErrPathTraversal)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSymlinkInsideProjectAllowed(t *testing.T) {
	s := newStore(t)
	root, err := s.EnsureProject("demo")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "assets"), filepath.Join(root, "preview", "assets")))

	_, err = s.Write("demo", "preview/assets/logo.svg", "<svg/>")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "assets", "logo.svg"))
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(data))
}

func TestListSorted(t *testing.T) {
	s := newStore(t)
	for _, p := range []string{"preview/styles.css", "b.txt", "preview/index.html", "a/z.txt"} {
		_, err := s.Write("demo", p, p)
		require.NoError(t, err)
	}
	files, err := s.List("demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/z.txt", "b.txt", "preview/index.html", "preview/styles.css"}, files)
}

func TestListEmptyProject(t *testing.T) {
	files, err := newStore(t).List("fresh")
	require.NoError(t, err)
	assert.NotNil(t, files)
	assert.Empty(t, files)
}

func TestCreateProject(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateProject("My Site")
	require.NoError(t, err)
	assert.Equal(t, "my-site", id)

	again, err := s.CreateProject("My Site")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(again, "my-site_"))
	assert.Len(t, again, len("my-site_")+4)

	anon, err := s.CreateProject("  ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(anon, "proj_"))
	assert.Len(t, anon, len("proj_")+8)
}

func TestSeedPreview(t *testing.T) {
	s := newStore(t)
	out := s.SeedPreview("demo")
	require.NoError(t, out.Err)
	assert.True(t, out.Applied)

	out = s.SeedPreview("demo")
	assert.False(t, out.Applied)
	assert.Equal(t, "preview not empty", out.Skipped)
}

func TestMigrateLegacyPreview(t *testing.T) {
	s := newStore(t)
	legacy := filepath.Join(t.TempDir(), "preview")
	require.NoError(t, os.MkdirAll(filepath.Join(legacy, "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "index.html"), []byte("<h1>old</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "img", "a.svg"), []byte("<svg/>"), 0o644))

	out := s.MigrateLegacyPreview(legacy, "default")
	require.NoError(t, out.Err)
	assert.True(t, out.Applied)

	files, err := s.List("default")
	require.NoError(t, err)
	assert.Equal(t, []string{"preview/img/a.svg", "preview/index.html"}, files)

	out = s.MigrateLegacyPreview(legacy, "default")
	assert.False(t, out.Applied)

	missing := s.MigrateLegacyPreview(filepath.Join(t.TempDir(), "none"), "default")
	assert.False(t, missing.Failed())
	assert.Equal(t, "no legacy preview", missing.Skipped)
}
