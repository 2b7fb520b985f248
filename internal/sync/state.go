package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrStateStore is the sentinel wrapped by unrecoverable state-store
// failures. main() maps it to exit code 2.
var ErrStateStore = errors.New("sync: state store failure")

// stateSchemaVersion is the state.json schema this build reads and writes.
const stateSchemaVersion = 1

// Flush retry schedule: a failed write is retried with capped exponential
// backoff before the failure is treated as persistent.
const (
	flushRetryBase = 500 * time.Millisecond
	flushRetryCap  = 10 * time.Second
	flushRetryMax  = 5

	stateFilePerm = 0o600
)

// stateDocument is the on-disk shape of state.json.
type stateDocument struct {
	SchemaVersion int                    `json:"schema_version"`
	Records       map[string]*FileRecord `json:"records"`
}

// Store is a single-writer, many-reader persistent map from RelativePath to
// FileRecord, backed by a single JSON document written atomically
// (write-temp-then-rename). Readers get copies; the map is never shared.
type Store struct {
	path   string
	logger *slog.Logger

	mu      stdsync.RWMutex
	records map[string]*FileRecord
	dirty   bool
}

// OpenStore loads the state document at path. A missing file yields an
// empty store. A corrupt or unreadable document is renamed aside
// (path + ".corrupt"), logged at warning, and treated as empty — every file
// then becomes a fresh upsert on the next reconcile.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger,
		records: make(map[string]*FileRecord),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no state file, starting empty", "path", path)
		return s, nil
	}

	if err != nil {
		s.recoverCorrupt(path, fmt.Sprintf("read error: %v", err))
		return s, nil
	}

	doc := stateDocument{}
	if decodeErr := json.Unmarshal(data, &doc); decodeErr != nil {
		s.recoverCorrupt(path, fmt.Sprintf("parse error: %v", decodeErr))
		return s, nil
	}

	if doc.SchemaVersion != stateSchemaVersion {
		s.recoverCorrupt(path, fmt.Sprintf("unsupported schema_version %d", doc.SchemaVersion))
		return s, nil
	}

	for rel, rec := range doc.Records {
		if rec == nil {
			continue
		}

		rec.RelativePath = rel
		s.records[rel] = rec
	}

	logger.Info("state store loaded", "path", path, "records", len(s.records))

	return s, nil
}

// recoverCorrupt preserves the damaged document under a .corrupt suffix and
// leaves the store empty. One-time recovery: the reconciler re-discovers
// every file as a fresh upsert.
func (s *Store) recoverCorrupt(path, reason string) {
	backup := path + ".corrupt"
	if err := os.Rename(path, backup); err != nil {
		s.logger.Warn("could not preserve corrupt state file",
			"path", path, "error", err)
		backup = ""
	}

	s.logger.Warn("state file unusable, starting empty",
		"path", path, "reason", reason, "backup", backup)
}

// Get returns a copy of the record for path, or nil when absent.
func (s *Store) Get(path string) *FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.records[path].Clone()
}

// Put upserts a copy of rec, keyed by its RelativePath.
func (s *Store) Put(rec *FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.RelativePath] = rec.Clone()
	s.dirty = true
}

// Delete removes the record for path. Removing an absent path is a no-op.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[path]; !ok {
		return
	}

	delete(s.records, path)
	s.dirty = true
}

// Snapshot returns copies of all records. Iteration over the result never
// blocks writers; writes after the snapshot are not observed.
func (s *Store) Snapshot() []*FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}

	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Flush persists all prior Put/Delete operations and returns only after the
// document is durable. A clean store returns immediately. Write failures
// are retried with capped exponential backoff; a persistent failure wraps
// ErrStateStore and the caller should treat the daemon as unrecoverable.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()

	if !dirty {
		return nil
	}

	data, err := s.marshal()
	if err != nil {
		return fmt.Errorf("%w: encoding state: %v", ErrStateStore, err)
	}

	backoff := retry.WithMaxRetries(flushRetryMax,
		retry.WithCappedDuration(flushRetryCap, retry.NewExponential(flushRetryBase)))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if writeErr := writeFileAtomic(s.path, data); writeErr != nil {
			s.logger.Warn("state flush failed, retrying", "path", s.path, "error", writeErr)
			return retry.RetryableError(writeErr)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrStateStore, s.path, err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	s.logger.Debug("state store flushed", "path", s.path)

	return nil
}

// marshal encodes the current records under a read lock.
func (s *Store) marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := stateDocument{
		SchemaVersion: stateSchemaVersion,
		Records:       s.records,
	}

	return json.MarshalIndent(doc, "", "  ")
}

// writeFileAtomic writes data to a temp file in the target's directory,
// fsyncs it, renames it over the target, and fsyncs the directory. A crash
// at any point leaves either the old document or the new one, never a
// partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Chmod(stateFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting temp file mode: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	return syncDir(dir)
}

// syncDir fsyncs a directory so the rename itself is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory: %w", err)
	}

	return nil
}

// ReadRecords loads the records from a state document without opening it
// for writing or attempting recovery. Used by the status command.
func ReadRecords(path string) ([]*FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStateStore, path, err)
	}

	doc := stateDocument{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrStateStore, path, err)
	}

	if doc.SchemaVersion != stateSchemaVersion {
		return nil, fmt.Errorf("%w: %s has unsupported schema_version %d",
			ErrStateStore, path, doc.SchemaVersion)
	}

	records := make([]*FileRecord, 0, len(doc.Records))

	for rel, rec := range doc.Records {
		if rec == nil {
			continue
		}

		rec.RelativePath = rel
		records = append(records, rec)
	}

	return records, nil
}

// hashFile computes the streaming SHA-256 fingerprint of the file at path,
// hex-encoded. Constant memory regardless of file size.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sync: hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
