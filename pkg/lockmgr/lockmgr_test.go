// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package lockmgr_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/lockmgr"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	m, err := lockmgr.New(t.TempDir())
	require.NoError(t, err)

	release, err := m.Acquire(lockmgr.CloakLockKey("requests"))
	require.NoError(t, err)
	release()

	// Re-acquiring after release must succeed promptly.
	release2, err := m.Acquire(lockmgr.CloakLockKey("requests"))
	require.NoError(t, err)
	release2()
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	t.Parallel()
	m, err := lockmgr.New(t.TempDir())
	require.NoError(t, err)

	releaseA, err := m.Acquire(lockmgr.CloakLockKey("numpy"))
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := m.Acquire(lockmgr.CloakLockKey("scipy"))
	require.NoError(t, err)
	defer releaseB()
}

func TestGlobalActivationReentrant(t *testing.T) {
	t.Parallel()
	m, err := lockmgr.New(t.TempDir())
	require.NoError(t, err)

	owner := "caller-a"
	unlock1 := m.GlobalActivation().Lock(owner)
	unlock2 := m.GlobalActivation().Lock(owner)

	unlock2()
	unlock1()

	// A different owner can now acquire without deadlocking.
	done := make(chan struct{})
	go func() {
		unlock := m.GlobalActivation().Lock("caller-b")
		unlock()
		close(done)
	}()
	<-done
}

func TestGlobalActivationExcludesOtherOwners(t *testing.T) {
	t.Parallel()
	m, err := lockmgr.New(t.TempDir())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string

	unlockA := m.GlobalActivation().Lock("A")
	mu.Lock()
	order = append(order, "A-acquired")
	mu.Unlock()

	bDone := make(chan struct{})
	go func() {
		unlockB := m.GlobalActivation().Lock("B")
		mu.Lock()
		order = append(order, "B-acquired")
		mu.Unlock()
		unlockB()
		close(bDone)
	}()

	mu.Lock()
	order = append(order, "A-releasing")
	mu.Unlock()
	unlockA()
	<-bDone

	assert.Equal(t, []string{"A-acquired", "A-releasing", "B-acquired"}, order)
}
