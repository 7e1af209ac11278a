// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package activate

import (
	"context"
	"errors"
	"fmt"

	"github.com/omnipkg/omnipkg/pkg/identity"
)

// UnreloadableNativeCores lists packages known to load C++ backend state
// that cannot be swapped out in-process once initialized — the "PyTorch
// exception" of spec.md §4.7. In-process version switching for these is
// never attempted once loaded; the loader instead answers with a subprocess
// health check, and if even that's insufficient, delegates to the Worker
// Fallback.
//
//nolint:gochecknoglobals // fixed policy table, same shape as cloak.CriticalDeps
var UnreloadableNativeCores = map[string]bool{
	"torch": true,
}

// HasUnreloadableCore reports whether name is in UnreloadableNativeCores.
func HasUnreloadableCore(name string) bool {
	return UnreloadableNativeCores[identity.Canonicalize(name)]
}

// ErrProcessCorrupted is raised when a second, sterile-subprocess smoke
// import succeeds after an in-process one failed: the only explanation is
// that this process's own state (module cache, a loaded C++ backend) has
// been corrupted by a prior activation (spec.md §4.7 step 9).
var ErrProcessCorrupted = errors.New("activate: process state corrupted by a native-extension collision")

// ErrWorkerUnavailable is raised when the Worker Fallback subprocess itself
// fails to start (spec.md §7: "Worker startup failure" is not locally
// recoverable).
var ErrWorkerUnavailable = errors.New("activate: worker fallback subprocess unavailable")

// ErrBubbleActivationFailed wraps a validation failure that survived one
// auto-heal retry (spec.md §7).
type ErrBubbleActivationFailed struct {
	Name, Version string
	Cause         error
}

func (e *ErrBubbleActivationFailed) Error() string {
	return fmt.Sprintf("activate: failed to activate %s==%s: %v", e.Name, e.Version, e.Cause)
}

func (e *ErrBubbleActivationFailed) Unwrap() error { return e.Cause }

// DiagnoseCollision runs smokeImport (typically bubble.Verify against a
// sterile subprocess) and interprets the result per spec.md §4.7 step 9: if
// the in-process probe already failed and the subprocess probe succeeds,
// the caller's own process state is corrupted, not the bubble.
func DiagnoseCollision(ctx context.Context, inProcessFailed bool, subprocessSmokeImport func(context.Context) (bool, error)) error {
	if !inProcessFailed {
		return nil
	}
	ok, err := subprocessSmokeImport(ctx)
	if err != nil {
		return fmt.Errorf("activate: collision-diagnosis subprocess failed: %w", err)
	}
	if ok {
		return ErrProcessCorrupted
	}
	return nil // genuinely broken bubble, not a collision
}
