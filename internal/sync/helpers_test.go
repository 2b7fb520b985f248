package sync

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger writing to stderr.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestStore opens a Store backed by a temp state file.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "state.json"), testLogger(t))
	require.NoError(t, err)

	return store
}

// writeTestFile creates a file (and its parents) under root with the given
// relative path and contents, returning the absolute path.
func writeTestFile(t *testing.T, root, rel, contents string) string {
	t.Helper()

	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(contents), 0o644))

	return abs
}

// backdate pushes a file's mtime far enough into the past that the
// reconciler's racily-clean guard does not force a hash.
func backdate(t *testing.T, path string) {
	t.Helper()

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
}

// uploadedRecord builds a FileRecord in state uploaded matching the file on
// disk at abs.
func uploadedRecord(t *testing.T, abs, rel string) *FileRecord {
	t.Helper()

	info, err := os.Stat(abs)
	require.NoError(t, err)

	hash, err := hashFile(abs)
	require.NoError(t, err)

	return &FileRecord{
		RelativePath: rel,
		Size:         info.Size(),
		Mtime:        info.ModTime().UnixNano(),
		Fingerprint:  hash,
		State:        StateUploaded,
		LastSuccess:  NowNano(),
	}
}
