// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package kb_test

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/kb"
	"github.com/omnipkg/omnipkg/pkg/lockmgr"
)

func newTestKB(t *testing.T) *kb.KB {
	t.Helper()
	root := t.TempDir()
	locks, err := lockmgr.New(root)
	require.NoError(t, err)
	return kb.Open(root, "omnipkg", "env_deadbeef:py3.11", locks)
}

func TestPutGetVersion(t *testing.T) {
	t.Parallel()
	store := newTestKB(t)

	err := store.PutVersion("requests", kb.DistMeta{
		Version:  "2.31.0",
		Requires: []string{"urllib3", "idna", "certifi"},
		Summary:  "Python HTTP for Humans.",
		Checksum: "abc123",
	})
	require.NoError(t, err)

	got, found, err := store.GetVersion("requests", "2.31.0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2.31.0", got.Version)
	assert.ElementsMatch(t, []string{"urllib3", "idna", "certifi"}, got.Requires)

	_, found, err = store.GetVersion("requests", "9.9.9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompressedLargeField(t *testing.T) {
	t.Parallel()
	store := newTestKB(t)

	longSummary := strings.Repeat("x", 1000)
	err := store.PutVersion("bigpkg", kb.DistMeta{Version: "1.0", Summary: longSummary})
	require.NoError(t, err)

	got, found, err := store.GetVersion("bigpkg", "1.0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, longSummary, got.Summary, "large summary should round-trip through zlib compression")
}

func TestActiveVersionAndBubblePresence(t *testing.T) {
	t.Parallel()
	store := newTestKB(t)

	_, ok, err := store.ActiveVersion("numpy")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetActiveVersion("numpy", "1.26.0"))
	version, ok, err := store.ActiveVersion("numpy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.26.0", version)

	require.NoError(t, store.SetBubblePresence("numpy", "1.24.0", true))
}

func TestIndexAccumulates(t *testing.T) {
	t.Parallel()
	store := newTestKB(t)

	require.NoError(t, store.PutVersion("alpha", kb.DistMeta{Version: "1.0"}))
	require.NoError(t, store.PutVersion("beta", kb.DistMeta{Version: "2.0"}))
	require.NoError(t, store.PutVersion("alpha", kb.DistMeta{Version: "1.1"}))

	idx, err := store.Index()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, idx)

	versions, err := store.InstalledVersions("alpha")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.0", "1.1"}, versions)
}

func TestMainEnvSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestKB(t)

	snapshot := map[string]string{"requests": "2.31.0", "numpy": "1.26.0"}
	require.NoError(t, store.SaveMainEnvSnapshot(snapshot))

	got, err := store.MainEnvSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)
}

func TestCorruptDocSelfHeals(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	locks, err := lockmgr.New(root)
	require.NoError(t, err)

	kbDir := root + "/.kb"
	require.NoError(t, os.MkdirAll(kbDir, 0o755))
	require.NoError(t, os.WriteFile(kbDir+"/garbage-context.json", []byte("{not valid json"), 0o644))

	garbage := kb.Open(root, "omnipkg", "garbage-context", locks)
	idx, err := garbage.Index()
	require.NoError(t, err, "a corrupt KB document should self-heal to empty, not error")
	assert.Empty(t, idx)

	require.NoError(t, garbage.PutVersion("fresh", kb.DistMeta{Version: "1.0"}))
	idx, err = garbage.Index()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, idx)
}
