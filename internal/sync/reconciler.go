package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// nanosPerSecond converts the racily-clean window to nanoseconds.
const nanosPerSecond = int64(time.Second)

// Reconciler periodically walks the watched root and enqueues changes for
// every file whose state disagrees with the store. It is the source of
// truth for correctness; the watcher only lowers latency. The system stays
// correct with the watcher disabled as long as the reconciler runs.
type Reconciler struct {
	root     string
	filter   *Filter
	store    *Store
	queue    *Queue
	logger   *slog.Logger
	interval time.Duration

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewReconciler creates a Reconciler ticking every interval.
func NewReconciler(filter *Filter, store *Store, queue *Queue, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		root:     filter.Root(),
		filter:   filter,
		store:    store,
		queue:    queue,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Run performs a startup walk and then one walk per tick until ctx ends.
// Before each tick the reconciler honors queue backpressure: when depth
// exceeds the soft limit the tick is delayed until it drops below half.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Backpressure: a queue past the soft limit delays this tick
			// until the uploaders have drained it to half.
			if r.queue.Depth() > r.queue.SoftLimit() {
				if err := r.queue.WaitBelow(ctx, r.queue.SoftLimit()/2); err != nil {
					return nil
				}
			}

			if err := r.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce performs a single reconciler tick: a complete walk of the root
// plus a deletion pass over store records the walk did not visit. A root
// that is unavailable (cloud mount unmounted) skips the tick entirely —
// records are never deleted and no delete changes are emitted while the
// root is gone.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !rootAvailable(r.root) {
		r.logger.Warn("watched root unavailable, waiting for it to return", "root", r.root)
		return nil
	}

	scanID := uuid.NewString()
	start := r.now()
	visited := make(map[string]bool)

	upserts, walkErr := r.walk(ctx, visited, start.UnixNano())
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil
		}

		// An interrupted walk has not seen every file; running the deletion
		// pass over it would emit deletes for files that still exist.
		r.logger.Warn("scan aborted, skipping deletion pass",
			"scan_id", scanID, "error", walkErr)

		return nil
	}

	deletes := r.deletionPass(visited)

	r.logger.Info("reconcile tick complete",
		"scan_id", scanID,
		"visited", len(visited),
		"upserts", upserts,
		"deletes", deletes,
		"duration_ms", r.now().Sub(start).Milliseconds(),
	)

	return nil
}

// walk traverses the root, recording visited RelativePaths and enqueueing
// upserts. Returns the number of upserts enqueued.
func (r *Reconciler) walk(ctx context.Context, visited map[string]bool, scanStartNano int64) (int, error) {
	upserts := 0

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == r.root {
				return fmt.Errorf("sync: walking %s: %w", r.root, walkErr)
			}

			// Entries can vanish mid-walk on a cloud mount.
			r.logger.Debug("walk error, skipping entry", "path", path, "error", walkErr)

			return skipEntry(d)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if path != r.root && r.filter.ExcludedDir(d.Name()) {
				return filepath.SkipDir
			}

			return nil
		}

		rel, reason := r.filter.Resolve(path)
		if reason != RejectNone {
			return nil
		}

		visited[rel] = true

		if r.needsUpload(path, rel, d, scanStartNano) {
			r.queue.Enqueue(PendingChange{
				RelativePath: rel,
				Kind:         ChangeUpsert,
				DiscoveredAt: r.now(),
			})

			upserts++
		}

		return nil
	})

	return upserts, err
}

// needsUpload decides whether a file's current content disagrees with its
// record. The (size, mtime) shortcut applies only to records that are
// uploaded with a zero attempt count; failed or previously-retried records
// always get a full hash. Unchanged files are never read, so cloud-drive
// placeholders are not forced to materialize.
func (r *Reconciler) needsUpload(path, rel string, d fs.DirEntry, scanStartNano int64) bool {
	rec := r.store.Get(rel)
	if rec == nil {
		return true
	}

	info, err := d.Info()
	if err != nil {
		r.logger.Debug("stat failed, deferring to next tick", "path", rel, "error", err)
		return false
	}

	mtime := info.ModTime().UnixNano()

	if rec.State == StateUploaded && rec.AttemptCount == 0 &&
		rec.Size == info.Size() && rec.Mtime == mtime &&
		scanStartNano-mtime >= nanosPerSecond {
		return false
	}

	hash, err := hashFile(path)
	if err != nil {
		// ENOENT here usually means a placeholder was evicted or the file
		// vanished mid-scan; the next tick retries.
		r.logger.Debug("hash failed, deferring to next tick", "path", rel, "error", err)
		return false
	}

	if hash != rec.Fingerprint {
		return true
	}

	// Content unchanged. Pending records still need their first successful
	// upload; failed records wait for a content change.
	return rec.State == StatePending
}

// deletionPass enqueues a delete for every store record whose path was not
// visited by the walk. Returns the number of deletes enqueued.
func (r *Reconciler) deletionPass(visited map[string]bool) int {
	deletes := 0

	for _, rec := range r.store.Snapshot() {
		if visited[rec.RelativePath] {
			continue
		}

		r.queue.Enqueue(PendingChange{
			RelativePath: rec.RelativePath,
			Kind:         ChangeDelete,
			DiscoveredAt: r.now(),
		})

		deletes++
	}

	return deletes
}

// rootAvailable reports whether the watched root currently exists and is a
// directory.
func rootAvailable(root string) bool {
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}

// skipEntry returns filepath.SkipDir for directories (to skip the subtree)
// or nil for files (to continue with the next entry).
func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}
