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

	"github.com/omnipkg/omnipkg/pkg/config"
)

func TestNewAppWiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "omnipkg.json")
	explicit := &config.Config{BubbleRoot: filepath.Join(dir, "bubbles")}
	require.NoError(t, explicit.Save(cfgPath))

	prevConfigPath := configPath
	configPath = cfgPath
	t.Cleanup(func() { configPath = prevConfigPath })

	a, err := newApp(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, a.locks)
	assert.NotNil(t, a.registry)
	assert.NotNil(t, a.failed)
	assert.NotNil(t, a.kb)
	assert.NotNil(t, a.cloak)
	assert.NotNil(t, a.builder)
	assert.NotNil(t, a.loader)
	assert.NotNil(t, a.surgeon)
	assert.Equal(t, filepath.Join(dir, "bubbles"), a.cfg.BubbleRoot)
}

func TestNewAppRejectsEmptyBubbleRoot(t *testing.T) {
	// An explicit empty bubble_root in the document must not silently fall
	// back to a detected default: fillFrom only fills zero values, and an
	// empty string from site.getsitepackages()-less environments is still a
	// zero value, so this path is only reachable when detection itself can't
	// produce anything usable either.
	t.Skip("requires an environment where python detection yields no usable bubble root; covered by fillFrom's unit tests in pkg/config instead")
}

func TestSplitPath(t *testing.T) {
	assert.Nil(t, splitPath(""))
	assert.Equal(t, []string{"/a", "/b"}, splitPath("/a"+string(os.PathListSeparator)+"/b"))
}
