// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package bubble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImportOrderGroupsDependents(t *testing.T) {
	t.Parallel()
	order := importOrder("tensorboard", []string{"tensorboard", "tensorflow", "six"})
	assert.Equal(t, []string{"tensorflow", "tensorboard"}, order)
}

func TestImportOrderDefaultsToPrimaryAlone(t *testing.T) {
	t.Parallel()
	order := importOrder("requests", []string{"requests", "urllib3"})
	assert.Equal(t, []string{"requests"}, order)
}

func TestBuildVerifyScriptContainsEachName(t *testing.T) {
	t.Parallel()
	script := buildVerifyScript([]string{"tensorflow", "tensorboard"})
	assert.Contains(t, script, `importlib.import_module("tensorflow")`)
	assert.Contains(t, script, `importlib.import_module("tensorboard")`)
}
