// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBubbleExportImportRoundTrip(t *testing.T) {
	bubbleDir := filepath.Join(t.TempDir(), "numpy-1.24.0")
	require.NoError(t, os.MkdirAll(filepath.Join(bubbleDir, "numpy"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bubbleDir, "numpy", "__init__.py"), []byte("# numpy\n"), 0o644))

	layerFile := filepath.Join(t.TempDir(), "layer.tar")
	f, err := os.Create(layerFile)
	require.NoError(t, err)
	argparser.SetOut(f)
	argparser.SetErr(f)
	argparser.SetArgs([]string{"bubble", "export", bubbleDir})
	err = argparser.ExecuteContext(context.Background())
	require.NoError(t, f.Close())
	require.NoError(t, err)

	destDir := filepath.Join(t.TempDir(), "restored")
	argparser.SetArgs([]string{"bubble", "import", layerFile, destDir})
	require.NoError(t, argparser.ExecuteContext(context.Background()))

	content, err := os.ReadFile(filepath.Join(destDir, "numpy", "__init__.py"))
	require.NoError(t, err)
	assert.Equal(t, "# numpy\n", string(content))
}
