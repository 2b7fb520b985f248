package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// knownKeys is the exhaustive set of recognized top-level config.json keys.
// Anything else is a fatal configuration error — a typo in a key would
// otherwise silently fall back to a default.
var knownKeys = map[string]bool{
	"schema_version":         true,
	"parent_folder":          true,
	"api_endpoint":           true,
	"api_key":                true,
	"sync_interval_seconds":  true,
	"log_level":              true,
	"file_extensions":        true,
	"max_concurrent_uploads": true,
	"upload_timeout_seconds": true,
	"propagate_deletes":      true,
}

// Load reads and parses config.json at path, applies defaults for absent
// keys, rejects unknown keys, and validates the result. Every failure wraps
// ErrInvalid and names the offending field.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
	}

	if err := checkUnknownKeys(data); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	logger.Debug("config file parsed successfully",
		"path", path,
		"parent_folder", cfg.ParentFolder,
		"sync_interval_seconds", cfg.SyncIntervalSeconds,
	)

	return cfg, nil
}

// checkUnknownKeys decodes the raw document into a map and rejects keys
// outside the recognized set, sorted for a stable error message.
func checkUnknownKeys(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parsing config: %v", ErrInvalid, err)
	}

	var unknown []string

	for key := range raw {
		if !knownKeys[key] {
			unknown = append(unknown, key)
		}
	}

	if len(unknown) == 0 {
		return nil
	}

	sort.Strings(unknown)

	return fmt.Errorf("%w: unknown key(s): %s", ErrInvalid, strings.Join(unknown, ", "))
}
