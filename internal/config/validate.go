package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validation range constants.
const (
	defaultSyncIntervalSeconds  = 30
	defaultMaxConcurrentUploads = 4
	defaultUploadTimeoutSeconds = 60

	minSyncIntervalSeconds  = 5
	maxSyncIntervalSeconds  = 3600
	minConcurrentUploads    = 1
	maxConcurrentUploads    = 32
	minUploadTimeoutSeconds = 5
	maxUploadTimeoutSeconds = 600
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so a user
// can fix the whole file in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Errorf("schema_version: expected %d, got %d",
			SchemaVersion, cfg.SchemaVersion))
	}

	errs = append(errs, validateParentFolder(cfg.ParentFolder)...)
	errs = append(errs, validateEndpoint(cfg.APIEndpoint)...)

	if cfg.APIKey == "" {
		errs = append(errs, errors.New("api_key: required"))
	}

	errs = append(errs, validateRanges(cfg)...)
	errs = append(errs, validateLogLevel(cfg.LogLevel)...)

	return errors.Join(errs...)
}

func validateParentFolder(folder string) []error {
	var errs []error

	switch {
	case folder == "":
		errs = append(errs, errors.New("parent_folder: required"))
	case strings.ContainsAny(folder, `/\`):
		errs = append(errs, fmt.Errorf("parent_folder: must be a single folder name, got %q", folder))
	case folder == "." || folder == "..":
		errs = append(errs, fmt.Errorf("parent_folder: invalid name %q", folder))
	}

	return errs
}

// validateEndpoint requires an absolute https URL; plain http is permitted
// for loopback hosts only.
func validateEndpoint(endpoint string) []error {
	if endpoint == "" {
		return []error{errors.New("api_endpoint: required")}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return []error{fmt.Errorf("api_endpoint: %w", err)}
	}

	switch u.Scheme {
	case "https":
		// Always permitted.
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return []error{fmt.Errorf(
				"api_endpoint: http only permitted for loopback, got host %q", u.Hostname())}
		}
	default:
		return []error{fmt.Errorf("api_endpoint: scheme must be https (or http for loopback), got %q", u.Scheme)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("api_endpoint: must be an absolute URL, got %q", endpoint)}
	}

	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

func validateRanges(cfg *Config) []error {
	var errs []error

	if cfg.SyncIntervalSeconds < minSyncIntervalSeconds || cfg.SyncIntervalSeconds > maxSyncIntervalSeconds {
		errs = append(errs, fmt.Errorf("sync_interval_seconds: must be between %d and %d, got %d",
			minSyncIntervalSeconds, maxSyncIntervalSeconds, cfg.SyncIntervalSeconds))
	}

	if cfg.MaxConcurrentUploads < minConcurrentUploads || cfg.MaxConcurrentUploads > maxConcurrentUploads {
		errs = append(errs, fmt.Errorf("max_concurrent_uploads: must be between %d and %d, got %d",
			minConcurrentUploads, maxConcurrentUploads, cfg.MaxConcurrentUploads))
	}

	if cfg.UploadTimeoutSeconds < minUploadTimeoutSeconds || cfg.UploadTimeoutSeconds > maxUploadTimeoutSeconds {
		errs = append(errs, fmt.Errorf("upload_timeout_seconds: must be between %d and %d, got %d",
			minUploadTimeoutSeconds, maxUploadTimeoutSeconds, cfg.UploadTimeoutSeconds))
	}

	return errs
}

func validateLogLevel(level string) []error {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return nil
	default:
		return []error{fmt.Errorf(
			"log_level: must be one of debug, info, warning, error; got %q", level)}
	}
}
