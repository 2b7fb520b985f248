package sync

import (
	"context"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFsWatcher is a scriptable FsWatcher for tests. Add is called from the
// watcher goroutine, so the added list is mutex-guarded.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errors chan error
	addErr error

	mu    stdsync.Mutex
	added []string
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 64),
		errors: make(chan error, 8),
	}
}

func (m *mockFsWatcher) Add(name string) error {
	if m.addErr != nil {
		return m.addErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockFsWatcher) addedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.added...)
}

func (m *mockFsWatcher) Close() error                  { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errors }

// newTestWatcher wires a Watcher to a mock and a fresh queue with a short
// debounce.
func newTestWatcher(t *testing.T, root string) (*Watcher, *mockFsWatcher, *Queue) {
	t.Helper()

	queue := NewQueue(0, testLogger(t))
	w := NewWatcher(NewFilter(root, nil), queue, testLogger(t))

	mock := newMockFsWatcher()
	w.factory = func() (FsWatcher, error) { return mock, nil }
	w.debounce = 10 * time.Millisecond

	return w, mock, queue
}

// runWatcher starts w and returns a stop function that waits for exit.
func runWatcher(t *testing.T, w *Watcher) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = w.Run(ctx)
	}()

	return func() {
		cancel()
		<-done
	}
}

// popWithin fails the test unless a change arrives within the deadline.
func popWithin(t *testing.T, q *Queue, d time.Duration) PendingChange {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	ch, err := q.Pop(ctx)
	require.NoError(t, err, "expected a pending change")
	q.Done(ch.RelativePath)

	return ch
}

func TestWatcher_AddsInitialWatches(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "case_A", "exhibits"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755))

	w, mock, _ := newTestWatcher(t, root)
	stop := runWatcher(t, w)
	defer stop()

	require.Eventually(t, func() bool { return len(mock.addedPaths()) >= 3 },
		time.Second, 10*time.Millisecond)

	added := mock.addedPaths()
	assert.Contains(t, added, root)
	assert.Contains(t, added, filepath.Join(root, "case_A"))
	assert.Contains(t, added, filepath.Join(root, "case_A", "exhibits"))
	assert.NotContains(t, added, filepath.Join(root, ".git"),
		"excluded directories are not watched")
	assert.NotContains(t, added, filepath.Join(root, ".git", "objects"))
}

func TestWatcher_TranslatesEvents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	abs := writeTestFile(t, root, "case_A/notes.txt", "hi\n")

	w, mock, queue := newTestWatcher(t, root)
	stop := runWatcher(t, w)
	defer stop()

	mock.events <- fsnotify.Event{Name: abs, Op: fsnotify.Write}

	ch := popWithin(t, queue, time.Second)
	assert.Equal(t, "case_A/notes.txt", ch.RelativePath)
	assert.Equal(t, ChangeUpsert, ch.Kind)

	require.NoError(t, os.Remove(abs))
	mock.events <- fsnotify.Event{Name: abs, Op: fsnotify.Remove}

	ch = popWithin(t, queue, time.Second)
	assert.Equal(t, "case_A/notes.txt", ch.RelativePath)
	assert.Equal(t, ChangeDelete, ch.Kind)
}

func TestWatcher_DebouncesDuplicateEvents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	abs := writeTestFile(t, root, "case_A/notes.txt", "hi\n")

	w, mock, queue := newTestWatcher(t, root)
	stop := runWatcher(t, w)
	defer stop()

	for i := 0; i < 5; i++ {
		mock.events <- fsnotify.Event{Name: abs, Op: fsnotify.Write}
	}

	popWithin(t, queue, time.Second)

	// The burst coalesced into a single change.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, queue.Depth())
}

func TestWatcher_FilteredEventsDropped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	abs := writeTestFile(t, root, "case_A/.DS_Store", "junk")

	w, mock, queue := newTestWatcher(t, root)
	stop := runWatcher(t, w)
	defer stop()

	mock.events <- fsnotify.Event{Name: abs, Op: fsnotify.Create}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, queue.Depth())
}

// Creating a directory adds its watch and rescans its contents, so files
// that landed before the watch was registered still sync.
func TestWatcher_NewDirectoryWatchedAndRescanned(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	w, mock, queue := newTestWatcher(t, root)
	stop := runWatcher(t, w)
	defer stop()

	newDir := filepath.Join(root, "case_B")
	writeTestFile(t, root, "case_B/brief.pdf", "pdf bytes")

	mock.events <- fsnotify.Event{Name: newDir, Op: fsnotify.Create}

	ch := popWithin(t, queue, time.Second)
	assert.Equal(t, "case_B/brief.pdf", ch.RelativePath)
	assert.Equal(t, ChangeUpsert, ch.Kind)

	require.Eventually(t, func() bool {
		for _, added := range mock.addedPaths() {
			if added == newDir {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestWatcher_WatchExhaustionDegrades(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	w, mock, _ := newTestWatcher(t, root)
	mock.addErr = os.ErrInvalid

	stop := runWatcher(t, w)
	defer stop()

	require.Eventually(t, w.Degraded, time.Second, 10*time.Millisecond)
}

func TestWatcher_FactoryFailureReturnsError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	queue := NewQueue(0, testLogger(t))
	w := NewWatcher(NewFilter(root, nil), queue, testLogger(t))
	w.factory = func() (FsWatcher, error) { return nil, os.ErrPermission }

	err := w.Run(context.Background())
	assert.Error(t, err)
}
