package integration

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/service/packager"
)

// TestPackager_WritesAppsList hashes two artifacts and verifies the written apps list.
func TestPackager_WritesAppsList(t *testing.T) {
	// Setup test directory and change working directory.
	dir := t.TempDir()
	t.Chdir(dir)

	artifacts := map[string][]byte{
		"kiosk.apk":    []byte("kiosk-build"),
		"launcher.apk": []byte("launcher-build"),
	}

	for name, body := range artifacts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), body, 0o600))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	options := &packager.Options{
		Output:  "apps.yaml",
		BaseURL: "https://cdn.example.com/apps/",
		Packages: []string{
			"com.example.kiosk=kiosk.apk@7",
			"com.example.launcher=" + filepath.Join(dir, "launcher.apk") + "@2",
		},
	}

	require.NoError(t, packager.Run(ctx, options))

	contents, err := os.ReadFile(filepath.Join(dir, "apps.yaml"))
	require.NoError(t, err)

	var list deploy.AppsList
	require.NoError(t, yaml.Unmarshal(contents, &list))
	require.Len(t, list.Apps, 2)

	kioskSum := sha512.Sum512(artifacts["kiosk.apk"])

	require.Equal(t, deploy.AppPackage{
		PackageName:  "com.example.kiosk",
		DownloadLink: "https://cdn.example.com/apps/kiosk.apk",
		VersionCode:  7,
		Checksum:     base64.StdEncoding.EncodeToString(kioskSum[:]),
	}, list.Apps[0])

	require.Equal(t, "https://cdn.example.com/apps/launcher.apk", list.Apps[1].DownloadLink)
	require.Equal(t, int64(2), list.Apps[1].VersionCode)
}

// TestPackager_MissingArtifact fails without writing a list.
func TestPackager_MissingArtifact(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	err := packager.Run(context.Background(), &packager.Options{
		BaseURL:  "https://cdn.example.com/apps/",
		Packages: []string{"com.example.kiosk=missing.apk@1"},
	})
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(filepath.Join(dir, packager.DefaultOutput))
	require.ErrorIs(t, err, os.ErrNotExist)
}
