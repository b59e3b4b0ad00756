package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks required fields and format validations for Settings.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Missing socket.
	settings := new(Config)

	err := Validate(settings)
	require.Error(t, err)

	// Bad socket.
	settings = &Config{
		ServerAddress: "bad:address",
	}

	err = Validate(settings)
	require.Error(t, err)

	// Negative workers.
	settings = &Config{
		ServerAddress:   "127.0.0.1:0",
		DownloadWorkers: -1,
	}

	err = Validate(settings)
	require.ErrorIs(t, err, errInvalidWorkers)

	// Bad apps list.
	settings = &Config{
		ServerAddress: "127.0.0.1:0",
		AppsListURL:   "not a url",
	}

	err = Validate(settings)
	require.Error(t, err)

	// Okay with apps list.
	settings = &Config{
		ServerAddress: "127.0.0.1:0",
		AppsListURL:   "https://example.com/apps.json",
	}

	err = Validate(settings)
	require.NoError(t, err)
}

// TestValidate_AppliesDefaults fills every empty setting.
func TestValidate_AppliesDefaults(t *testing.T) {
	t.Parallel()

	settings := &Config{ServerAddress: "127.0.0.1:0"}
	require.NoError(t, Validate(settings))

	require.Equal(t, DefaultNamespace, settings.Namespace)
	require.Equal(t, DefaultTimeout, settings.Timeout)
	require.Equal(t, 120*time.Second, settings.DownloadTimeout)
	require.Equal(t, DefaultDownloadDir, settings.DownloadDir)
	require.Equal(t, DefaultDownloadDB, settings.DownloadDB)
	require.Equal(t, DefaultDownloadWorkers, settings.DownloadWorkers)
	require.Equal(t, DefaultInstallRoot, settings.InstallRoot)
	require.Equal(t, DefaultStagingDir, settings.StagingDir)
	require.Equal(t, DefaultRegistryFile, settings.RegistryFile)
	require.Equal(t, DefaultHostAPILevel, settings.HostAPILevel)
	require.Equal(t, 10*time.Second, settings.InstallWait)

	require.Equal(t, settings, func() *Config {
		cfg := Default()
		cfg.ServerAddress = "127.0.0.1:0"

		return cfg
	}())
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	settings := &Config{
		Namespace:       "com.example",
		ServerAddress:   "127.0.0.1:50551",
		AppsListURL:     "https://updates.local/apps.json",
		DownloadTimeout: 30 * time.Second,
		HostAPILevel:    21,
		StopRunning:     true,
	}

	require.NoError(t, Save(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, settings, loaded)

	// File exists.
	_, err = os.Stat(path)
	require.NoError(t, err)
}

// TestLoad_Missing reports a read error.
func TestLoad_Missing(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

// TestSave_Nil rejects a nil configuration.
func TestSave_Nil(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Save(filepath.Join(t.TempDir(), "x.yaml"), nil), errConfigIsNotSet)
}
