package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLayout_EnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)

	layout, err := ResolveLayout()
	require.NoError(t, err)

	assert.Equal(t, home, layout.DataDir)
	assert.Equal(t, filepath.Join(home, "config.json"), layout.ConfigPath())
	assert.Equal(t, filepath.Join(home, "state.json"), layout.StatePath())
	assert.Equal(t, filepath.Join(home, "logs", "adapter.log"), layout.LogPath())
	assert.Equal(t, filepath.Join(home, "logs", "adapter.error.log"), layout.ErrorLogPath())
	assert.Equal(t, filepath.Join(home, "adapter.pid"), layout.PIDPath())
}

func TestResolveLayout_DefaultsToExecutableDir(t *testing.T) {
	t.Setenv(EnvHome, "")

	layout, err := ResolveLayout()
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(exe), layout.DataDir)
}

func TestCloudMountRoot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	mount, err := CloudMountRoot()
	require.NoError(t, err)

	if runtime.GOOS == "darwin" {
		assert.Equal(t,
			filepath.Join(home, "Library", "Mobile Documents", "com~apple~CloudDocs"),
			mount)
	} else {
		assert.Equal(t, filepath.Join(home, "CloudDocs"), mount)
	}
}

func TestResolveWatchedRoot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	mount, err := CloudMountRoot()
	require.NoError(t, err)

	t.Run("missing parent folder is fatal", func(t *testing.T) {
		_, err := ResolveWatchedRoot("CASES")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("existing directory resolves", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(mount, "CASES"), 0o755))

		root, err := ResolveWatchedRoot("CASES")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(mount, "CASES"), root)
	})

	t.Run("file in place of directory is fatal", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(mount, "NOTDIR"), []byte("x"), 0o644))

		_, err := ResolveWatchedRoot("NOTDIR")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}
