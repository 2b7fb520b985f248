// Package sync implements the adapter's sync engine: a deduplicated
// pending-change queue fed by a filesystem watcher and a periodic
// reconciler, drained by a bounded pool of upload workers that commit
// results to a crash-safe state store.
package sync

import (
	"time"
)

// UploadState is the lifecycle state of a FileRecord.
type UploadState string

const (
	// StatePending — observed locally, not yet confirmed on the server.
	StatePending UploadState = "pending"
	// StateUploaded — the stored fingerprint matches the server's copy.
	StateUploaded UploadState = "uploaded"
	// StateFailed — last attempt hit a permanent error; retried only when
	// the file's content changes.
	StateFailed UploadState = "failed"
)

// FileRecord is the persistent per-file state, keyed by RelativePath.
// Timestamps are Unix nanoseconds. Only upload workers mutate records;
// the watcher and reconciler read them.
type FileRecord struct {
	RelativePath string      `json:"relative_path"`
	Size         int64       `json:"size"`
	Mtime        int64       `json:"mtime"`
	Fingerprint  string      `json:"content_fingerprint"`
	State        UploadState `json:"upload_state"`
	LastAttempt  int64       `json:"last_upload_attempt,omitempty"`
	LastSuccess  int64       `json:"last_upload_success,omitempty"`
	AttemptCount int         `json:"attempt_count"`
	LastError    string      `json:"last_error,omitempty"`
}

// Clone returns an independent copy, so store snapshots never alias the
// caller's record.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}

	cp := *r

	return &cp
}

// ChangeKind classifies a PendingChange.
type ChangeKind string

const (
	// ChangeUpsert — the file exists locally and needs uploading.
	ChangeUpsert ChangeKind = "upsert"
	// ChangeDelete — the file disappeared locally.
	ChangeDelete ChangeKind = "delete"
)

// PendingChange is an in-memory work item. Deduplicated by RelativePath in
// the queue: a newer change for the same path supersedes the queued one,
// kind included.
type PendingChange struct {
	RelativePath string
	Kind         ChangeKind
	DiscoveredAt time.Time
}

// NowNano returns the current time in Unix nanoseconds, the timestamp
// format used throughout the state store.
func NowNano() int64 {
	return time.Now().UnixNano()
}
