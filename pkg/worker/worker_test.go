// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package worker_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/worker"
)

func TestWorkerExecuteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := worker.Start(ctx, "python3", os.Environ(), "")
	require.NoError(t, err)
	defer func() { _ = w.Shutdown(5 * time.Second) }()

	stdout, stderr, err := w.Execute(ctx, "print('hello from worker')")
	require.NoError(t, err)
	assert.Equal(t, "hello from worker\n", stdout)
	assert.Empty(t, stderr)
}

func TestWorkerExecuteReportsPythonException(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := worker.Start(ctx, "python3", os.Environ(), "")
	require.NoError(t, err)
	defer func() { _ = w.Shutdown(5 * time.Second) }()

	_, _, err = w.Execute(ctx, "raise ValueError('boom')")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote execution failed")
}

func TestWorkerSurvivesAcrossMultipleExecuteCalls(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := worker.Start(ctx, "python3", os.Environ(), "")
	require.NoError(t, err)
	defer func() { _ = w.Shutdown(5 * time.Second) }()

	_, _, err = w.Execute(ctx, "x = 41")
	require.NoError(t, err)

	// A fresh globals dict is used per call (spec.md §6): state from the
	// first call does not leak into the second.
	_, _, err = w.Execute(ctx, "print(x)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NameError")
}

func TestWorkerStartFailsForUnknownPackage(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := worker.Start(ctx, "python3", os.Environ(), "this_package_does_not_exist_anywhere==1.0")
	require.Error(t, err)
}

func TestPoolAcquireReusesWorkerForSameSpec(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := worker.NewPool("python3", time.Minute)
	defer pool.CloseAll()

	w1, err := pool.Acquire(ctx, "numpy==1.24.0", os.Environ())
	require.NoError(t, err)
	w2, err := pool.Acquire(ctx, "numpy==1.24.0", os.Environ())
	require.NoError(t, err)

	assert.Same(t, w1, w2)
}

func TestPoolAcquireGivesDistinctWorkersForDifferentSpecs(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := worker.NewPool("python3", time.Minute)
	defer pool.CloseAll()

	w1, err := pool.Acquire(ctx, "json", os.Environ())
	require.NoError(t, err)
	w2, err := pool.Acquire(ctx, "csv", os.Environ())
	require.NoError(t, err)

	assert.NotSame(t, w1, w2)
}

func TestPoolEvictIdleRemovesStaleWorkers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := worker.NewPool("python3", time.Millisecond)
	defer pool.CloseAll()

	_, err := pool.Acquire(ctx, "textwrap", os.Environ())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	pool.EvictIdle(ctx)

	w2, err := pool.Acquire(ctx, "textwrap", os.Environ())
	require.NoError(t, err)
	require.NotNil(t, w2)
}

func TestWorkerShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := worker.Start(ctx, "python3", os.Environ(), "")
	require.NoError(t, err)

	require.NoError(t, w.Shutdown(5*time.Second))
	require.NoError(t, w.Shutdown(5*time.Second))

	_, _, err = w.Execute(ctx, "print(1)")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Shutdown"))
}
