// Package config loads and validates the adapter's config.json and resolves
// the on-disk layout (data directory, state store, log files) and the
// watched cloud-mount root.
package config

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalid is the sentinel wrapped by every configuration error. main()
// maps it to exit code 1.
var ErrInvalid = errors.New("config: invalid configuration")

// SchemaVersion is the config.json schema this build reads and writes.
const SchemaVersion = 1

// Log level names accepted in config.json. "warning" is the on-disk
// spelling; slog calls the same level Warn.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Config is the decoded and validated contents of config.json.
type Config struct {
	SchemaVersion        int      `json:"schema_version"`
	ParentFolder         string   `json:"parent_folder"`
	APIEndpoint          string   `json:"api_endpoint"`
	APIKey               string   `json:"api_key"`
	SyncIntervalSeconds  int      `json:"sync_interval_seconds"`
	LogLevel             string   `json:"log_level"`
	FileExtensions       []string `json:"file_extensions"`
	MaxConcurrentUploads int      `json:"max_concurrent_uploads"`
	UploadTimeoutSeconds int      `json:"upload_timeout_seconds"`
	PropagateDeletes     bool     `json:"propagate_deletes"`
}

// DefaultConfig returns a Config with every optional field at its default.
// Load decodes the file on top of this value, so absent keys keep defaults.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion:        SchemaVersion,
		SyncIntervalSeconds:  defaultSyncIntervalSeconds,
		LogLevel:             LevelInfo,
		MaxConcurrentUploads: defaultMaxConcurrentUploads,
		UploadTimeoutSeconds: defaultUploadTimeoutSeconds,
	}
}

// SyncInterval returns the reconciliation tick period.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// UploadTimeout returns the per-attempt upload timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// NormalizedExtensions returns file_extensions lower-cased with a leading
// dot, or nil when the list is absent or empty (all extensions eligible).
func (c *Config) NormalizedExtensions() []string {
	if len(c.FileExtensions) == 0 {
		return nil
	}

	exts := make([]string, 0, len(c.FileExtensions))

	for _, e := range c.FileExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}

		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}

		exts = append(exts, e)
	}

	if len(exts) == 0 {
		return nil
	}

	return exts
}
