package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// EnvHome overrides the data directory root. Set by the installer; unset in
// a normal install, where the layout lives alongside the binary.
const EnvHome = "TM_ISYNC_HOME"

// Layout is the on-disk layout owned by the daemon inside its data
// directory.
type Layout struct {
	DataDir string
}

// ResolveLayout determines the data directory: $TM_ISYNC_HOME when set,
// otherwise the directory containing the running executable.
func ResolveLayout() (Layout, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return Layout{DataDir: home}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return Layout{}, fmt.Errorf("%w: locating executable: %v", ErrInvalid, err)
	}

	return Layout{DataDir: filepath.Dir(exe)}, nil
}

// ConfigPath is the default config file location inside the layout.
func (l Layout) ConfigPath() string { return filepath.Join(l.DataDir, "config.json") }

// StatePath is the state store document.
func (l Layout) StatePath() string { return filepath.Join(l.DataDir, "state.json") }

// LogsDir holds the rotating log files.
func (l Layout) LogsDir() string { return filepath.Join(l.DataDir, "logs") }

// LogPath is the primary structured log.
func (l Layout) LogPath() string { return filepath.Join(l.LogsDir(), "adapter.log") }

// ErrorLogPath receives a copy of every error-level record.
func (l Layout) ErrorLogPath() string { return filepath.Join(l.LogsDir(), "adapter.error.log") }

// PIDPath is the single-instance lock file.
func (l Layout) PIDPath() string { return filepath.Join(l.DataDir, "adapter.pid") }

// CloudMountRoot returns the locally-mounted cloud-drive root for this
// platform. On darwin this is the iCloud Drive mount; elsewhere a home
// subdirectory stands in (development and test hosts).
func CloudMountRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolving home directory: %v", ErrInvalid, err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Mobile Documents", "com~apple~CloudDocs"), nil
	}

	return filepath.Join(home, "CloudDocs"), nil
}

// ResolveWatchedRoot joins the cloud mount root with parent_folder and
// verifies the result exists and is a directory. Non-existence at startup is
// a fatal configuration error; disappearance later is handled by the
// reconciler's wait-and-retry loop, not here.
func ResolveWatchedRoot(parentFolder string) (string, error) {
	mount, err := CloudMountRoot()
	if err != nil {
		return "", err
	}

	root := filepath.Join(mount, parentFolder)

	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("%w: watched root %s: %v", ErrInvalid, root, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: watched root %s is not a directory", ErrInvalid, root)
	}

	return root, nil
}
