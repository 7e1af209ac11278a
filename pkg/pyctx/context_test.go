// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package pyctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omnipkg/omnipkg/pkg/pyctx"
)

func TestNewIsDeterministic(t *testing.T) {
	t.Parallel()
	a := pyctx.New("/opt/venvs/app/lib/python3.11/site-packages", "3.11")
	b := pyctx.New("/opt/venvs/app/lib/python3.11/site-packages", "3.11")
	assert.Equal(t, a, b)
	assert.Equal(t, a.String(), b.String())
}

func TestNewDistinguishesEnvs(t *testing.T) {
	t.Parallel()
	a := pyctx.New("/opt/venvs/app-one/lib/python3.11/site-packages", "3.11")
	b := pyctx.New("/opt/venvs/app-two/lib/python3.11/site-packages", "3.11")
	assert.NotEqual(t, a.EnvID, b.EnvID)
}

func TestStringFormat(t *testing.T) {
	t.Parallel()
	ctx := pyctx.New("/opt/venvs/app/lib/python3.11/site-packages", "3.11")
	assert.Regexp(t, `^env_[0-9a-f]{16}:py3\.11$`, ctx.String())
}
