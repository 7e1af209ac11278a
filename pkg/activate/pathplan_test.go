// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package activate_test

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omnipkg/omnipkg/pkg/activate"
)

func TestComputePathPlanStrictExcludesMainSitePackages(t *testing.T) {
	t.Parallel()
	plan := activate.ComputePathPlan(activate.Strict, "/bubbles/numpy-1.24.0", "/env/site-packages",
		[]string{"/env/site-packages", "/usr/lib/python3.11"})

	assert.Equal(t, []string{"/bubbles/numpy-1.24.0", "/usr/lib/python3.11"}, plan.Entries)
}

func TestComputePathPlanOverlayKeepsMainSitePackages(t *testing.T) {
	t.Parallel()
	plan := activate.ComputePathPlan(activate.Overlay, "/bubbles/numpy-1.24.0", "/env/site-packages",
		[]string{"/env/site-packages", "/usr/lib/python3.11"})

	assert.Equal(t, []string{"/bubbles/numpy-1.24.0", "/env/site-packages", "/usr/lib/python3.11"}, plan.Entries)
}

func TestComputePathPlanOverlayAddsMainIfAbsent(t *testing.T) {
	t.Parallel()
	plan := activate.ComputePathPlan(activate.Overlay, "/bubbles/numpy-1.24.0", "/env/site-packages",
		[]string{"/usr/lib/python3.11"})

	assert.Equal(t, []string{"/bubbles/numpy-1.24.0", "/usr/lib/python3.11", "/env/site-packages"}, plan.Entries)
}

func TestPathPlanEnvironReplacesExistingPYTHONPATH(t *testing.T) {
	t.Parallel()
	plan := activate.PathPlan{Entries: []string{"/a", "/b"}}
	base := []string{"HOME=/root", "PYTHONPATH=/stale"}

	env := plan.Environ(base)
	assert.Contains(t, env, "HOME=/root")

	var pythonPath string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PYTHONPATH=") {
			pythonPath = kv
		}
	}
	assert.Equal(t, "PYTHONPATH=/a"+string(os.PathListSeparator)+"/b", pythonPath)
}
