// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/lockmgr"
	"github.com/omnipkg/omnipkg/pkg/registry"
)

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	locks, err := lockmgr.New(root)
	require.NoError(t, err)
	reg := registry.Open(root, locks)

	_, ok, err := reg.GetBubblePath("requests", "2.31.0")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.Register("requests", "2.31.0", "/bubbles/requests-2.31.0"))
	path, ok, err := reg.GetBubblePath("requests", "2.31.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/bubbles/requests-2.31.0", path)
}

func TestUnregisterPrunesEmptyPackage(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	locks, err := lockmgr.New(root)
	require.NoError(t, err)
	reg := registry.Open(root, locks)

	require.NoError(t, reg.Register("requests", "2.31.0", "/bubbles/requests-2.31.0"))
	require.NoError(t, reg.Unregister("requests", "2.31.0"))

	all, err := reg.All()
	require.NoError(t, err)
	assert.NotContains(t, all, "requests")
}

func TestRegistryPersistsAcrossOpens(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	locks, err := lockmgr.New(root)
	require.NoError(t, err)

	require.NoError(t, registry.Open(root, locks).Register("numpy", "1.26.0", "/bubbles/numpy-1.26.0"))

	reopened := registry.Open(root, locks)
	path, ok, err := reopened.GetBubblePath("numpy", "1.26.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/bubbles/numpy-1.26.0", path)
}

func TestFailedVersionsTTL(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	locks, err := lockmgr.New(root)
	require.NoError(t, err)
	fv := registry.OpenFailedVersions(root, locks)

	recentlyFailed, _, err := fv.IsRecentlyFailed("broken-pkg", "1.0")
	require.NoError(t, err)
	assert.False(t, recentlyFailed)

	require.NoError(t, fv.MarkFailed("broken-pkg", "1.0", "build failed: missing compiler"))

	recentlyFailed, reason, err := fv.IsRecentlyFailed("broken-pkg", "1.0")
	require.NoError(t, err)
	require.True(t, recentlyFailed)
	assert.Equal(t, "build failed: missing compiler", reason)
}

func TestFailedVersionExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	assert.Greater(t, registry.FailedVersionTTL, time.Hour)

	root := t.TempDir()
	locks, err := lockmgr.New(root)
	require.NoError(t, err)
	stale := time.Now().Add(-registry.FailedVersionTTL - time.Hour).Format(time.RFC3339)
	doc := `{"old-pkg": {"1.0": {"reason": "build failed", "timestamp": "` + stale + `"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "failed_versions.json"), []byte(doc), 0o644))

	recentlyFailed, _, err := registry.OpenFailedVersions(root, locks).IsRecentlyFailed("old-pkg", "1.0")
	require.NoError(t, err)
	assert.False(t, recentlyFailed)
}
