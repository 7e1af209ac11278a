// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUmbrellaMember(t *testing.T) {
	t.Parallel()
	assert.True(t, isUmbrellaMember("/site-packages/zope.interface-5.4.dist-info"))
	assert.True(t, isUmbrellaMember("google.cloud.storage-2.0.dist-info"))
	assert.False(t, isUmbrellaMember("/site-packages/requests-2.31.0.dist-info"))
}
