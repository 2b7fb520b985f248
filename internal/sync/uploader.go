package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/adestefa/tm-isync-adapter/internal/api"
)

// authWarnInterval rate-limits the "check api_key" warning emitted on
// 401/403 responses.
const authWarnInterval = 5 * time.Minute

// fsRetryDelay is the re-queue delay when a file turns unreadable between
// discovery and upload (cloud-drive placeholder eviction, transient EACCES).
const fsRetryDelay = 2 * time.Second

// Endpoint is the capability the uploader needs from the HTTP layer.
// Satisfied by *api.Client; tests substitute a recording fake.
type Endpoint interface {
	Upload(ctx context.Context, relPath string, body io.Reader) error
	Delete(ctx context.Context, relPath string) error
}

// Uploader drains the pending queue with a bounded worker pool. It is the
// only component that mutates FileRecords; the per-path claim discipline of
// the queue serializes uploads for the same path.
type Uploader struct {
	root             string
	store            *Store
	queue            *Queue
	endpoint         Endpoint
	logger           *slog.Logger
	workers          int
	propagateDeletes bool

	// schedule and now are injectable for deterministic tests.
	schedule func(d time.Duration, f func())
	now      func() time.Time

	// retryAt gates backoff: an upsert arriving before its path's retry
	// time is re-queued for the remainder instead of hitting the server.
	// In-memory only — a restart retries immediately, which is safe.
	retryMu stdsync.Mutex
	retryAt map[string]time.Time

	lastAuthWarn time.Time

	wg   stdsync.WaitGroup
	done chan struct{}
}

// NewUploader creates an Uploader with the given worker count.
func NewUploader(
	root string,
	store *Store,
	queue *Queue,
	endpoint Endpoint,
	workers int,
	propagateDeletes bool,
	logger *slog.Logger,
) *Uploader {
	return &Uploader{
		root:             root,
		store:            store,
		queue:            queue,
		endpoint:         endpoint,
		logger:           logger,
		workers:          workers,
		propagateDeletes: propagateDeletes,
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		now:     time.Now,
		retryAt: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
}

// Start spawns the worker pool. claimCtx gates claiming new work: once it
// is canceled no new uploads begin. ioCtx gates in-flight HTTP requests and
// is canceled by the engine when the drain window expires.
func (u *Uploader) Start(claimCtx, ioCtx context.Context) {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)

		go u.worker(claimCtx, ioCtx)
	}

	go func() {
		u.wg.Wait()
		close(u.done)
	}()

	u.logger.Info("upload workers started", "workers", u.workers)
}

// Done is closed when every worker has exited.
func (u *Uploader) Done() <-chan struct{} {
	return u.done
}

// worker claims changes until claimCtx ends, finishing its current item
// before exiting.
func (u *Uploader) worker(claimCtx, ioCtx context.Context) {
	defer u.wg.Done()

	for {
		change, err := u.queue.Pop(claimCtx)
		if err != nil {
			return
		}

		u.safeProcess(ioCtx, change)
		u.queue.Done(change.RelativePath)
	}
}

// safeProcess wraps process with panic recovery so one bad item never takes
// down peer workers.
func (u *Uploader) safeProcess(ctx context.Context, change PendingChange) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("panic processing change",
				"relative_path", change.RelativePath, "panic", fmt.Sprint(r))
		}
	}()

	switch change.Kind {
	case ChangeUpsert:
		u.processUpsert(ctx, change)
	case ChangeDelete:
		u.processDelete(ctx, change)
	}
}

// processUpsert uploads one file and commits the result.
func (u *Uploader) processUpsert(ctx context.Context, change PendingChange) {
	rel := change.RelativePath
	absPath := filepath.Join(u.root, filepath.FromSlash(rel))

	preHash, err := hashFile(absPath)
	if err != nil {
		u.handleReadFailure(rel, change, err)
		return
	}

	rec := u.store.Get(rel)
	if rec == nil {
		rec = &FileRecord{RelativePath: rel, State: StatePending}
	}

	// At-most-once guard: the watcher and reconciler may both have
	// enqueued this change.
	if rec.State == StateUploaded && rec.Fingerprint == preHash {
		u.logger.Debug("already uploaded, skipping", "relative_path", rel)
		return
	}

	// A permanent failure is parked until the content changes; spurious
	// events for the same bytes must not hit the server again.
	if rec.State == StateFailed && rec.Fingerprint == preHash {
		u.logger.Debug("failed record unchanged, not retrying", "relative_path", rel)
		return
	}

	if rec.Fingerprint != preHash {
		// New content: restart the attempt counter and forget any backoff.
		rec.Fingerprint = preHash
		rec.AttemptCount = 0
		u.clearRetryGate(rel)
	}

	if remaining, gated := u.retryGateRemaining(rel); gated {
		u.logger.Debug("retry gate active, re-queueing",
			"relative_path", rel, "remaining", remaining)
		u.requeueAfter(change, remaining)

		return
	}

	u.attemptUpload(ctx, rec, absPath, change)
}

// attemptUpload performs one upload attempt for rec and commits the
// outcome.
func (u *Uploader) attemptUpload(ctx context.Context, rec *FileRecord, absPath string, change PendingChange) {
	rel := rec.RelativePath

	info, err := os.Stat(absPath)
	if err != nil {
		u.handleReadFailure(rel, change, err)
		return
	}

	f, err := os.Open(absPath)
	if err != nil {
		u.handleReadFailure(rel, change, err)
		return
	}
	defer f.Close()

	rec.State = StatePending
	rec.LastAttempt = u.now().UnixNano()

	// Hash while streaming: the committed fingerprint is the hash of
	// exactly the bytes sent, even if the file changes mid-upload.
	hasher := sha256.New()
	uploadErr := u.endpoint.Upload(ctx, rel, io.TeeReader(f, hasher))

	if uploadErr == nil {
		u.commitSuccess(rec, info, hex.EncodeToString(hasher.Sum(nil)))
		return
	}

	if ctx.Err() != nil {
		// Shutdown: leave the record as it was; the change is retried on
		// the next startup's reconcile.
		u.logger.Debug("upload canceled by shutdown", "relative_path", rel)
		return
	}

	u.commitFailure(rec, change, uploadErr)
}

// commitSuccess moves rec to uploaded. The attempt counter is preserved —
// it records how many failures this content needed — and resets only when
// the content next changes.
func (u *Uploader) commitSuccess(rec *FileRecord, info os.FileInfo, sentHash string) {
	rec.State = StateUploaded
	rec.Fingerprint = sentHash
	rec.Size = info.Size()
	rec.Mtime = info.ModTime().UnixNano()
	rec.LastSuccess = u.now().UnixNano()
	rec.LastError = ""

	u.store.Put(rec)
	u.clearRetryGate(rec.RelativePath)

	u.logger.Info("uploaded",
		"relative_path", rec.RelativePath,
		"size", rec.Size,
		"attempts", rec.AttemptCount,
	)
}

// commitFailure classifies the error, updates the record, and schedules a
// retry for transient failures.
func (u *Uploader) commitFailure(rec *FileRecord, change PendingChange, err error) {
	rel := rec.RelativePath
	rec.AttemptCount++
	rec.LastError = err.Error()

	if api.IsTransient(err) {
		rec.State = StatePending
		u.store.Put(rec)

		delay := backoffDelay(rec.AttemptCount)
		u.setRetryGate(rel, delay)
		u.requeueAfter(change, delay)

		u.logger.Warn("upload failed, will retry",
			"relative_path", rel,
			"attempt", rec.AttemptCount,
			"backoff", delay,
			"error", err.Error(),
		)

		return
	}

	// Permanent: parked until the file's content changes.
	rec.State = StateFailed
	u.store.Put(rec)
	u.clearRetryGate(rel)

	u.logger.Error("upload failed permanently",
		"relative_path", rel,
		"error", err.Error(),
	)

	if api.IsAuth(err) {
		u.warnAuth()
	}
}

// processDelete propagates a local deletion, or just forgets the record
// when delete propagation is disabled.
func (u *Uploader) processDelete(ctx context.Context, change PendingChange) {
	rel := change.RelativePath

	if !u.propagateDeletes {
		u.store.Delete(rel)
		u.clearRetryGate(rel)
		u.logger.Debug("file removed locally, record forgotten", "relative_path", rel)

		return
	}

	err := u.endpoint.Delete(ctx, rel)
	if err == nil {
		u.store.Delete(rel)
		u.clearRetryGate(rel)
		u.logger.Info("delete propagated", "relative_path", rel)

		return
	}

	if ctx.Err() != nil {
		return
	}

	if api.IsTransient(err) {
		delay := u.deleteRetryDelay(rel)
		u.requeueAfter(change, delay)
		u.logger.Warn("delete failed, will retry",
			"relative_path", rel, "backoff", delay, "error", err.Error())

		return
	}

	u.logger.Error("delete failed permanently", "relative_path", rel, "error", err.Error())

	if rec := u.store.Get(rel); rec != nil {
		rec.State = StateFailed
		rec.LastError = err.Error()
		rec.LastAttempt = u.now().UnixNano()
		u.store.Put(rec)
	}

	if api.IsAuth(err) {
		u.warnAuth()
	}
}

// deleteRetryDelay advances the record's attempt counter (when one exists)
// and derives the backoff from it.
func (u *Uploader) deleteRetryDelay(rel string) time.Duration {
	attempt := 1

	if rec := u.store.Get(rel); rec != nil {
		rec.AttemptCount++
		rec.LastAttempt = u.now().UnixNano()
		u.store.Put(rec)
		attempt = rec.AttemptCount
	}

	return backoffDelay(attempt)
}

// handleReadFailure deals with a file that could not be read at upload
// time. A vanished file is left to the deletion pass; anything else is
// re-queued with a short delay. ENOENT on a cloud mount is normal, so both
// log at debug.
func (u *Uploader) handleReadFailure(rel string, change PendingChange, err error) {
	if errors.Is(err, os.ErrNotExist) {
		u.logger.Debug("file vanished before upload", "relative_path", rel)
		return
	}

	u.logger.Debug("file unreadable, re-queueing",
		"relative_path", rel, "error", err.Error())
	u.requeueAfter(change, fsRetryDelay)
}

// requeueAfter re-enqueues change after delay. The path is typically still
// claimed when the timer is armed; if the timer fires first the queue
// records the change as a follow-up.
func (u *Uploader) requeueAfter(change PendingChange, delay time.Duration) {
	u.schedule(delay, func() {
		u.queue.Enqueue(change)
	})
}

func (u *Uploader) setRetryGate(rel string, delay time.Duration) {
	u.retryMu.Lock()
	defer u.retryMu.Unlock()

	u.retryAt[rel] = u.now().Add(delay)
}

func (u *Uploader) clearRetryGate(rel string) {
	u.retryMu.Lock()
	defer u.retryMu.Unlock()

	delete(u.retryAt, rel)
}

// retryGateRemaining returns how long until the path may retry, when a
// gate is active.
func (u *Uploader) retryGateRemaining(rel string) (time.Duration, bool) {
	u.retryMu.Lock()
	defer u.retryMu.Unlock()

	at, ok := u.retryAt[rel]
	if !ok {
		return 0, false
	}

	remaining := at.Sub(u.now())
	if remaining <= 0 {
		delete(u.retryAt, rel)
		return 0, false
	}

	return remaining, true
}

// warnAuth emits the rate-limited "check api_key" warning for 401/403.
func (u *Uploader) warnAuth() {
	u.retryMu.Lock()
	defer u.retryMu.Unlock()

	now := u.now()
	if now.Sub(u.lastAuthWarn) < authWarnInterval {
		return
	}

	u.lastAuthWarn = now
	u.logger.Warn("server rejected credentials, check api_key in config.json")
}
