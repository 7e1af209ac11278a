// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package kb_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/kb"
)

const sampleMetadata = `Metadata-Version: 2.1
Name: requests
Version: 2.31.0
Summary: Python HTTP for Humans.
Home-page: https://requests.readthedocs.io
Author: Kenneth Reitz
License: Apache 2.0
Requires-Python: >=3.7
Requires-Dist: charset-normalizer (<4,>=2)
Requires-Dist: idna (<4,>=2.5)
Requires-Dist: urllib3 (<3,>=1.21.1)
Requires-Dist: certifi (>=2017.4.17)

This is the long description body, which ReadMIMEHeader should not
try to parse as headers.
`

func TestParseMetadata(t *testing.T) {
	t.Parallel()
	parsed, err := kb.ParseMetadata(strings.NewReader(sampleMetadata))
	require.NoError(t, err)

	assert.Equal(t, "requests", parsed.Name)
	assert.Equal(t, "2.31.0", parsed.Version)
	assert.Equal(t, ">=3.7", parsed.RequiresPython)
	require.Len(t, parsed.RequiresDist, 4)
	assert.Contains(t, parsed.RequiresDist, "urllib3 (<3,>=1.21.1)")
}

func TestParseMetadataNoBody(t *testing.T) {
	t.Parallel()
	parsed, err := kb.ParseMetadata(strings.NewReader("Name: onlyheader\nVersion: 1.0"))
	require.NoError(t, err)
	assert.Equal(t, "onlyheader", parsed.Name)
	assert.Equal(t, "1.0", parsed.Version)
}

const sampleSetupCfg = `[metadata]
name = legacy-pkg

[options]
install_requires =
    six>=1.10
    enum34; python_version<"3.4"
`

func TestRequiresFromSetupCfg(t *testing.T) {
	t.Parallel()
	reqs, err := kb.RequiresFromSetupCfg(strings.NewReader(sampleSetupCfg))
	require.NoError(t, err)
	assert.Equal(t, []string{"six>=1.10", `enum34; python_version<"3.4"`}, reqs)
}

func TestEffectiveRequiresPrefersMetadata(t *testing.T) {
	t.Parallel()
	parsed := kb.ParsedMetadata{RequiresDist: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, kb.EffectiveRequires(parsed, []string{"fallback"}))

	empty := kb.ParsedMetadata{}
	assert.Equal(t, []string{"fallback"}, kb.EffectiveRequires(empty, []string{"fallback"}))
}
