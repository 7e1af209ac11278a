// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package lockmgr implements the Lock Manager (C3): cross-process file
// locks for cloak and install critical sections, plus a re-entrant
// in-process lock for cloak-list mutation.
//
// File locking uses github.com/gofrs/flock, the same cross-process
// advisory-lock library the baaaaaaaka-codex-helper TUI already depends on
// for serializing access to its own on-disk state.
package lockmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Kind distinguishes the three lock families of spec.md §4.3.
type Kind int

const (
	// KindCloak locks are one per canonical package name, 5s default timeout.
	KindCloak Kind = iota
	// KindInstall locks are one per "<name>-<version>", 5m default timeout.
	KindInstall
	// KindDocument locks guard a single registry/failed-version JSON file.
	KindDocument
)

const (
	// CloakTimeout is the default wait before a cloak-lock acquisition
	// gives up and the caller skips that one artifact (spec.md §5).
	CloakTimeout = 5 * time.Second
	// InstallTimeout is the wait before an install-lock acquisition is a
	// hard failure (spec.md §5).
	InstallTimeout = 300 * time.Second
	// DocumentTimeout guards the small, fast registry/cache JSON writes.
	DocumentTimeout = 10 * time.Second
)

// Key identifies one lock within a Manager.
type Key struct {
	kind Kind
	name string
}

// CloakLockKey is the per-package-name cloak lock.
func CloakLockKey(canonicalName string) Key { return Key{KindCloak, canonicalName} }

// InstallLockKey is the per-identity install lock.
func InstallLockKey(bubbleDirName string) Key { return Key{KindInstall, bubbleDirName} }

// DocumentLock is the per-JSON-document lock used by package registry.
func DocumentLock(docName string) Key { return Key{KindDocument, docName} }

func (k Key) filename() string {
	prefix := map[Kind]string{
		KindCloak:    "cloak",
		KindInstall:  "install",
		KindDocument: "doc",
	}[k.kind]
	return prefix + "-" + k.name + ".lock"
}

func (k Key) timeout() time.Duration {
	switch k.kind {
	case KindInstall:
		return InstallTimeout
	case KindDocument:
		return DocumentTimeout
	default:
		return CloakTimeout
	}
}

// Manager owns the dedicated lock-file subdirectory and every flock handle
// opened against it, plus the single re-entrant Global Activation Lock.
type Manager struct {
	dir string

	mu    sync.Mutex
	flocks map[string]*flock.Flock

	global *reentrant
}

// New creates a Manager rooted at <bubbleRoot>/.locks.
func New(bubbleRoot string) (*Manager, error) {
	dir := filepath.Join(bubbleRoot, ".locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockmgr: creating lock directory: %w", err)
	}
	return &Manager{
		dir:    dir,
		flocks: make(map[string]*flock.Flock),
		global: newReentrant(),
	}, nil
}

func (m *Manager) handle(k Key) *flock.Flock {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn := k.filename()
	if fl, ok := m.flocks[fn]; ok {
		return fl
	}
	fl := flock.New(filepath.Join(m.dir, fn))
	m.flocks[fn] = fl
	return fl
}

// ErrTimeout is returned when a lock could not be acquired within its
// family's timeout; per spec.md §7 this is always a recoverable error, not
// a panic.
type ErrTimeout struct {
	Key     Key
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("lockmgr: timed out after %s waiting for lock %q", e.Timeout, e.Key.filename())
}

// Acquire takes the named file lock, blocking up to the lock family's
// timeout, and returns a function that releases it.
func (m *Manager) Acquire(k Key) (release func(), err error) {
	fl := m.handle(k)
	timeout := k.timeout()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil || !locked {
		return nil, &ErrTimeout{Key: k, Timeout: timeout}
	}
	return func() {
		_ = fl.Unlock()
	}, nil
}

// GlobalActivation returns the process-wide re-entrant lock used to
// serialize cloak-list mutation within one interpreter (spec.md §4.3,
// §4.7's "Concurrency model inside one interpreter").
func (m *Manager) GlobalActivation() *reentrant {
	return m.global
}

// reentrant is a re-entrant mutex identified by an opaque owner token: the
// same owner may re-acquire without deadlocking, mirroring the single
// re-entrant in-process lock the spec calls for. No corpus library models
// in-process reentrant locking, so this one primitive is hand-rolled on top
// of stdlib sync (see DESIGN.md).
type reentrant struct {
	mu    sync.Mutex
	owner any
	depth int
	gate  sync.Mutex
}

func newReentrant() *reentrant {
	return &reentrant{}
}

// Lock acquires the lock on behalf of owner, allowing re-entrant calls from
// the same owner.
func (r *reentrant) Lock(owner any) func() {
	r.mu.Lock()
	if r.owner == owner && r.depth > 0 {
		r.depth++
		r.mu.Unlock()
		return func() { r.unlock(owner) }
	}
	r.mu.Unlock()

	r.gate.Lock()
	r.mu.Lock()
	r.owner = owner
	r.depth = 1
	r.mu.Unlock()

	return func() { r.unlock(owner) }
}

func (r *reentrant) unlock(owner any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner != owner {
		return
	}
	r.depth--
	if r.depth <= 0 {
		r.owner = nil
		r.depth = 0
		r.gate.Unlock()
	}
}
