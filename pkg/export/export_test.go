// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package export_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/export"
	"github.com/omnipkg/omnipkg/pkg/fsutil"
)

func writeBubble(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	bubbleDir := filepath.Join(t.TempDir(), "numpy-1.24.0")
	writeBubble(t, bubbleDir, map[string]string{
		"numpy/__init__.py":             "# numpy\n",
		"numpy-1.24.0.dist-info/RECORD": "numpy/__init__.py\n",
	})

	layer, err := export.Export(bubbleDir)
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, export.Import(layer, destDir))

	content, err := os.ReadFile(filepath.Join(destDir, "numpy/__init__.py"))
	require.NoError(t, err)
	assert.Equal(t, "# numpy\n", string(content))

	record, err := os.ReadFile(filepath.Join(destDir, "numpy-1.24.0.dist-info/RECORD"))
	require.NoError(t, err)
	assert.Equal(t, "numpy/__init__.py\n", string(record))
}

func TestExportIncrementalAppliesBothLayers(t *testing.T) {
	t.Parallel()
	oldBubble := filepath.Join(t.TempDir(), "numpy-1.23.0")
	writeBubble(t, oldBubble, map[string]string{
		"numpy/__init__.py": "# v1.23\n",
		"numpy/old_only.py": "# untouched by the 1.24 bubble\n",
	})
	oldLayer, err := export.Export(oldBubble)
	require.NoError(t, err)

	newBubble := filepath.Join(t.TempDir(), "numpy-1.24.0")
	writeBubble(t, newBubble, map[string]string{
		"numpy/__init__.py": "# v1.24\n",
		"numpy/new_file.py": "# added in 1.24\n",
	})

	squashed, err := export.ExportIncremental(oldLayer, newBubble)
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, export.Import(squashed, destDir))

	// The new bubble's content at the shared path must win over the old
	// bubble's: both layers are rooted at the same tar prefix, so the squash
	// overwrites rather than merely appending a second copy alongside it.
	content, err := os.ReadFile(filepath.Join(destDir, "numpy/__init__.py"))
	require.NoError(t, err)
	assert.Equal(t, "# v1.24\n", string(content))

	newOnly, err := os.ReadFile(filepath.Join(destDir, "numpy/new_file.py"))
	require.NoError(t, err)
	assert.Equal(t, "# added in 1.24\n", string(newOnly))

	oldOnly, err := os.ReadFile(filepath.Join(destDir, "numpy/old_only.py"))
	require.NoError(t, err)
	assert.Equal(t, "# untouched by the 1.24 bubble\n", string(oldOnly))
}

func TestExportIsReproducibleUnderSourceDateEpoch(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")

	bubbleDir := filepath.Join(t.TempDir(), "requests-2.31.0")
	writeBubble(t, bubbleDir, map[string]string{
		"requests/__init__.py": "# requests\n",
	})

	first, err := export.Export(bubbleDir)
	require.NoError(t, err)
	second, err := export.Export(bubbleDir)
	require.NoError(t, err)

	// reproducible.Now() memoizes SOURCE_DATE_EPOCH for the process, so two
	// exports of the same tree produce byte-identical layers regardless of
	// how much wall-clock time elapses between them.
	equal, err := fsutil.LayersEqualExceptTimestamps(first, second)
	require.NoError(t, err)
	assert.True(t, equal)
}
