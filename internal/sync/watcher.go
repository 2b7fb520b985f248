package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces duplicate OS events for the same path.
const debounceWindow = 250 * time.Millisecond

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a mock implementation.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher to the FsWatcher interface.
// fsnotify exposes Events and Errors as public fields, not methods.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Watcher turns OS file events under the watched root into deduplicated
// PendingChanges. It is a latency optimization: the reconciler remains the
// source of truth, so every failure here degrades to polling rather than
// stopping the daemon.
type Watcher struct {
	root   string
	filter *Filter
	queue  *Queue
	logger *slog.Logger

	factory  func() (FsWatcher, error)
	debounce time.Duration
	degraded atomic.Bool

	mu      stdsync.Mutex
	pending map[string]*pendingEvent
}

// pendingEvent is a debounced event awaiting its timer.
type pendingEvent struct {
	kind  ChangeKind
	timer *time.Timer
}

// NewWatcher creates a Watcher feeding queue with changes accepted by
// filter.
func NewWatcher(filter *Filter, queue *Queue, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:   filter.Root(),
		filter: filter,
		queue:  queue,
		logger: logger,
		factory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}
			return &fsnotifyWrapper{w: w}, nil
		},
		debounce: debounceWindow,
		pending:  make(map[string]*pendingEvent),
	}
}

// Degraded reports whether the watcher hit watch exhaustion and the system
// is effectively polling-only.
func (w *Watcher) Degraded() bool {
	return w.degraded.Load()
}

// Run watches the root until ctx ends. It returns an error only when the
// watcher could not start at all; the engine logs it and continues in
// reconciler-only mode.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := w.factory()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()
	defer w.cancelPending()

	w.addWatchesRecursive(watcher, w.root, false)

	w.logger.Info("filesystem watcher started", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				w.markDegraded("event channel closed")
				return nil
			}

			w.handleEvent(watcher, ev)
		case watchErr, ok := <-watcher.Errors():
			if !ok {
				w.markDegraded("error channel closed")
				return nil
			}

			w.logger.Warn("watcher error", "error", watchErr)
		}
	}
}

// handleEvent classifies one OS event. Directory creation adds watches for
// the new subtree before rescanning it, so files landing in a
// rapidly-populated directory are never missed.
func (w *Watcher) handleEvent(watcher FsWatcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			w.addWatchesRecursive(watcher, ev.Name, true)
			return
		}

		w.schedule(ev.Name, ChangeUpsert)
	case ev.Op.Has(fsnotify.Write):
		w.schedule(ev.Name, ChangeUpsert)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// A rename surfaces as remove-then-create; this is the remove half.
		w.schedule(ev.Name, ChangeDelete)
	}
}

// addWatchesRecursive walks dir adding a watch on every non-excluded
// directory. Each directory is watched before its entries are visited; with
// enqueueFiles set, files already present are enqueued as upserts, which
// closes the race for content created between mkdir and watch registration.
func (w *Watcher) addWatchesRecursive(watcher FsWatcher, dir string, enqueueFiles bool) {
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("walk error during watch setup", "path", path, "error", err)
			return nil
		}

		if !d.IsDir() {
			if enqueueFiles {
				w.schedule(path, ChangeUpsert)
			}

			return nil
		}

		if path != w.root && w.filter.ExcludedDir(d.Name()) {
			return filepath.SkipDir
		}

		if addErr := watcher.Add(path); addErr != nil {
			w.markDegraded(fmt.Sprintf("adding watch on %s: %v", path, addErr))
		}

		return nil
	})
	if walkErr != nil {
		w.logger.Warn("watch setup walk failed", "dir", dir, "error", walkErr)
	}
}

// markDegraded flips the watcher into degraded mode, once. The reconciler's
// periodic walk keeps the system correct without OS events.
func (w *Watcher) markDegraded(reason string) {
	if w.degraded.CompareAndSwap(false, true) {
		w.logger.Warn("watcher degraded, falling back to polling-only", "reason", reason)
	}
}

// schedule records the newest kind for a path and (re)arms its debounce
// timer. When the timer fires the event is translated through the filter
// and enqueued.
func (w *Watcher) schedule(absPath string, kind ChangeKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.pending[absPath]; ok {
		entry.kind = kind
		entry.timer.Reset(w.debounce)

		return
	}

	entry := &pendingEvent{kind: kind}
	entry.timer = time.AfterFunc(w.debounce, func() {
		w.emit(absPath)
	})
	w.pending[absPath] = entry
}

// emit fires one debounced event into the queue.
func (w *Watcher) emit(absPath string) {
	w.mu.Lock()
	entry, ok := w.pending[absPath]
	delete(w.pending, absPath)
	w.mu.Unlock()

	if !ok {
		return
	}

	rel, reason := w.filter.Resolve(absPath)
	if reason != RejectNone {
		w.logger.Debug("event rejected by filter",
			"path", absPath, "reason", string(reason))

		return
	}

	w.queue.Enqueue(PendingChange{
		RelativePath: rel,
		Kind:         entry.kind,
		DiscoveredAt: time.Now(),
	})

	w.logger.Debug("change enqueued from watcher",
		"relative_path", rel, "kind", string(entry.kind))
}

// cancelPending stops all debounce timers on shutdown.
func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, entry := range w.pending {
		entry.timer.Stop()
		delete(w.pending, path)
	}
}
