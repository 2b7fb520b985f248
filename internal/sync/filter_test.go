package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Resolve_Accepted(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFilter(root, nil)

	tests := []struct {
		name string
		rel  string
		want string
	}{
		{"top-level file", "notes.txt", "notes.txt"},
		{"nested file", "case_A/notes.txt", "case_A/notes.txt"},
		{"deeply nested", "a/b/c/d.pdf", "a/b/c/d.pdf"},
		{"no extension", "case_A/README", "case_A/README"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			abs := writeTestFile(t, root, tt.rel, "x")

			rel, reason := f.Resolve(abs)
			assert.Equal(t, RejectNone, reason)
			assert.Equal(t, tt.want, rel)
		})
	}
}

func TestFilter_Resolve_Rejections(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFilter(root, nil)

	tests := []struct {
		name string
		rel  string
		want RejectReason
	}{
		{"dot-file", "case_A/.DS_Store", RejectExcludedName},
		{"hidden file", ".hidden", RejectExcludedName},
		{"office lock", "case_A/~$brief.docx", RejectExcludedName},
		{"thumbs db", "case_A/Thumbs.db", RejectExcludedName},
		{"tmp suffix", "case_A/draft.tmp", RejectExcludedName},
		{"swp suffix", "case_A/notes.txt.swp", RejectExcludedName},
		{"uppercase tmp suffix", "case_A/draft.TMP", RejectExcludedName},
		{"git component", ".git/config", RejectExcludedName},
		{"nested git component", "case_A/.git/HEAD", RejectExcludedName},
		{"node_modules component", "case_A/node_modules/pkg/index.js", RejectExcludedName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			abs := writeTestFile(t, root, tt.rel, "x")

			_, reason := f.Resolve(abs)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestFilter_Resolve_OutsideRoot(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "watched")
	require.NoError(t, os.MkdirAll(root, 0o755))

	f := NewFilter(root, nil)

	outside := writeTestFile(t, base, "elsewhere.txt", "x")

	_, reason := f.Resolve(outside)
	assert.Equal(t, RejectOutsideRoot, reason)

	_, reason = f.Resolve(root)
	assert.Equal(t, RejectOutsideRoot, reason, "the root itself is not a syncable file")

	_, reason = f.Resolve("relative/path.txt")
	assert.Equal(t, RejectOutsideRoot, reason)
}

func TestFilter_Resolve_Directory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFilter(root, nil)

	dir := filepath.Join(root, "case_A")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	_, reason := f.Resolve(dir)
	assert.Equal(t, RejectIsDirectory, reason)
}

func TestFilter_Resolve_Symlinks(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "watched")
	require.NoError(t, os.MkdirAll(root, 0o755))

	f := NewFilter(root, nil)

	outsideTarget := writeTestFile(t, base, "target.txt", "x")
	escape := filepath.Join(root, "escape.txt")
	require.NoError(t, os.Symlink(outsideTarget, escape))

	_, reason := f.Resolve(escape)
	assert.Equal(t, RejectSymlinkEscape, reason)

	insideTarget := writeTestFile(t, root, "real.txt", "x")
	internal := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(insideTarget, internal))

	_, reason = f.Resolve(internal)
	assert.NotEqual(t, RejectNone, reason, "symlinks are never synced")

	broken := filepath.Join(root, "broken.txt")
	require.NoError(t, os.Symlink(filepath.Join(base, "gone.txt"), broken))

	_, reason = f.Resolve(broken)
	assert.Equal(t, RejectSymlinkEscape, reason)
}

func TestFilter_Resolve_Extensions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFilter(root, []string{".pdf", ".docx", ".txt"})

	allowed := writeTestFile(t, root, "case_A/brief.PDF", "x")
	rel, reason := f.Resolve(allowed)
	assert.Equal(t, RejectNone, reason, "extension match is case-insensitive")
	assert.Equal(t, "case_A/brief.PDF", rel)

	denied := writeTestFile(t, root, "case_A/photo.jpg", "x")
	_, reason = f.Resolve(denied)
	assert.Equal(t, RejectExcludedExtension, reason)

	noExt := writeTestFile(t, root, "case_A/README", "x")
	_, reason = f.Resolve(noExt)
	assert.Equal(t, RejectExcludedExtension, reason)
}

func TestFilter_Resolve_EmptyExtensionListAllowsAll(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFilter(root, []string{})

	abs := writeTestFile(t, root, "case_A/photo.jpg", "x")
	_, reason := f.Resolve(abs)
	assert.Equal(t, RejectNone, reason)
}

// Filtering the same path twice gives the same answer: the decision has no
// hidden state.
func TestFilter_Resolve_Idempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFilter(root, []string{".txt"})

	abs := writeTestFile(t, root, "case_A/notes.txt", "x")

	rel1, reason1 := f.Resolve(abs)
	rel2, reason2 := f.Resolve(abs)
	assert.Equal(t, rel1, rel2)
	assert.Equal(t, reason1, reason2)
}

// Emitted RelativePaths are wire-safe: forward slashes, no "..", never
// absolute.
func TestFilter_Resolve_PathSafety(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFilter(root, nil)

	abs := writeTestFile(t, root, "a/b/c.txt", "x")

	rel, reason := f.Resolve(abs)
	require.Equal(t, RejectNone, reason)
	assert.False(t, filepath.IsAbs(rel))
	assert.NotContains(t, rel, "..")
	assert.Equal(t, "a/b/c.txt", rel)

	// A traversal attempt normalizes outside the root and is rejected.
	_, reason = f.Resolve(filepath.Join(root, "a", "..", "..", "evil.txt"))
	assert.Equal(t, RejectOutsideRoot, reason)
}

func TestFilter_ExcludedDir(t *testing.T) {
	t.Parallel()

	f := NewFilter(t.TempDir(), nil)

	assert.True(t, f.ExcludedDir(".git"))
	assert.True(t, f.ExcludedDir("node_modules"))
	assert.True(t, f.ExcludedDir(".hidden"))
	assert.False(t, f.ExcludedDir("case_A"))
}
