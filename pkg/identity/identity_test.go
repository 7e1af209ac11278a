// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/identity"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Friendly-Bard":    "friendly-bard",
		"friendly_bard":    "friendly-bard",
		"FriEndly.Bard":    "friendly-bard",
		"Friendly--Bard":   "friendly-bard",
		"  already-norm  ": "already-norm",
	}
	for in, want := range cases {
		assert.Equal(t, want, identity.Canonicalize(in), "input %q", in)
	}
}

func TestNewAndString(t *testing.T) {
	t.Parallel()
	id, err := identity.New("Requests", "2.31.0")
	require.NoError(t, err)
	assert.Equal(t, "requests", id.Name)
	assert.Equal(t, "requests-2.31.0", id.String())
	assert.Equal(t, "requests-2.31.0", id.BubbleDirName())
}

func TestNewRejectsInvalidVersion(t *testing.T) {
	t.Parallel()
	_, err := identity.New("requests", "not-a-version")
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	t.Parallel()
	a, err := identity.New("requests", "2.31.0")
	require.NoError(t, err)
	b, err := identity.New("Requests", "2.31.0")
	require.NoError(t, err)
	c, err := identity.New("requests", "2.30.0")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	id, err := identity.ParseSpec("NumPy==1.26.0")
	require.NoError(t, err)
	assert.Equal(t, "numpy", id.Name)
	assert.Equal(t, "1.26.0", id.Version.String())

	_, err = identity.ParseSpec("numpy-1.26.0")
	assert.Error(t, err)
}
