// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package cloak implements the Cloaking Subsystem (C6): renaming main-env
// package artifacts out of the way with a loader-tagged suffix so that
// `import P` no longer resolves to them, without ever deleting anything.
package cloak

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/omnipkg/omnipkg/pkg/identity"
	"github.com/omnipkg/omnipkg/pkg/lockmgr"
)

// CriticalDeps is the immortality allow-list: packages that are never
// cloaked under any circumstance because the activator itself, or its
// network/cache essentials, depend on them. Grounded verbatim on
// omnipkgLoader._CRITICAL_DEPS.
//
//nolint:gochecknoglobals // a fixed policy table, not mutated at runtime
var CriticalDeps = map[string]bool{
	"omnipkg": true, "click": true, "rich": true, "toml": true, "packaging": true,
	"filelock": true, "colorama": true, "tabulate": true, "psutil": true, "distro": true,
	"pydantic": true, "pydantic-core": true, "ruamel.yaml": true, "safety-schemas": true,
	"typing-extensions": true, "mypy-extensions": true,

	"requests": true, "urllib3": true, "charset-normalizer": true, "idna": true, "certifi": true,

	"aiohttp": true, "aiosignal": true, "aiohappyeyeballs": true, "attrs": true,
	"frozenlist": true, "multidict": true, "yarl": true,

	"redis": true,
}

// IsCritical reports whether name is immortal (never cloaked).
func IsCritical(name string) bool {
	return CriticalDeps[identity.Canonicalize(name)]
}

const suffixMarker = "_omnipkg_cloaked"

// Entry is one recorded cloak: the original path and where it was renamed
// to, plus whether the rename actually succeeded.
type Entry struct {
	Original string
	Cloaked  string
	Success  bool
}

// Loader identifies the process-local loader performing cloaking; embedded
// in the cloak suffix so recovery can distinguish "our" cloaks from other
// loaders' (spec.md §4.6).
type Loader struct {
	ID    string
	Locks *lockmgr.Manager

	mu      sync.Mutex
	entries []Entry
}

// NewLoader creates a Loader with a fresh, process-unique ID.
func NewLoader(locks *lockmgr.Manager) *Loader {
	return &Loader{
		ID:    strconv.FormatInt(time.Now().UnixNano(), 36),
		Locks: locks,
	}
}

// suffixFor renders the cloak suffix for path, preserving its extension so
// a renamed file still round-trips through tools that sniff extensions.
func (l *Loader) suffixFor(path string) string {
	ts := time.Now().UnixMicro()
	ext := filepath.Ext(path)
	return fmt.Sprintf(".%d_%s%s%s", ts, l.ID, suffixMarker, ext)
}

// Cloak renames each path in paths to `<path><suffix>`, skipping any path
// that's gone (another loader already cloaked it) or that names a critical
// dependency. Failures for one path don't abort the others — every
// disposition is recorded in the Loader's cloak list so Uncloak can reverse
// exactly what succeeded.
func (l *Loader) Cloak(ctx context.Context, canonicalName string, paths []string) error {
	if IsCritical(canonicalName) {
		dlog.Debugf(ctx, "cloak: skipping immortal package %q", canonicalName)
		return nil
	}

	release, err := l.Locks.Acquire(lockmgr.CloakLockKey(canonicalName))
	if err != nil {
		dlog.Warnf(ctx, "cloak: lock timeout for %q, skipping cloak of this artifact set", canonicalName)
		return nil //nolint:nilerr // per spec.md §7, a cloak-lock timeout is recoverable: skip, don't fail
	}
	defer release()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, path := range paths {
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			continue // already cloaked by another loader
		}
		cloaked := path + l.suffixFor(path)
		if err := os.Rename(path, cloaked); err != nil {
			l.entries = append(l.entries, Entry{Original: path, Cloaked: cloaked, Success: false})
			dlog.Warnf(ctx, "cloak: failed to cloak %q: %v", path, err)
			continue
		}
		l.entries = append(l.entries, Entry{Original: path, Cloaked: cloaked, Success: true})
	}
	return nil
}

// Uncloak reverses every successful cloak this Loader recorded, in reverse
// order, then clears the recorded list.
func (l *Loader) Uncloak(ctx context.Context, canonicalName string) error {
	release, err := l.Locks.Acquire(lockmgr.CloakLockKey(canonicalName))
	if err != nil {
		return fmt.Errorf("cloak: uncloak lock timeout for %q: %w", canonicalName, err)
	}
	defer release()

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.entries[:0]
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !e.Success {
			continue
		}
		if _, err := os.Lstat(e.Cloaked); os.IsNotExist(err) {
			continue // another loader already restored it
		}
		if _, err := os.Lstat(e.Original); err == nil {
			// Race: something else recreated the original. The cloak is
			// the loser here; remove it rather than clobber live state.
			_ = os.RemoveAll(e.Original)
		}
		if err := os.Rename(e.Cloaked, e.Original); err != nil {
			dlog.Warnf(ctx, "cloak: failed to uncloak %q: %v", e.Original, err)
			continue
		}
	}
	l.entries = remaining
	return nil
}

// PanicRestore runs Uncloak for every recorded cloak, then scans the
// directory for orphaned cloaks of the same package (cloaks whose owning
// Loader crashed before it could restore them) and restores the newest one
// matching this loader's ID, falling back to the newest overall. Older
// orphans encountered during the scan are deleted (spec.md §4.6 "Panic
// recovery").
func (l *Loader) PanicRestore(ctx context.Context, canonicalName, dir string) error {
	if err := l.Uncloak(ctx, canonicalName); err != nil {
		dlog.Errorf(ctx, "cloak: panic-restore's own-entry uncloak failed: %v", err)
	}
	return l.RestoreOrphans(ctx, canonicalName, dir)
}

// orphan is one cloaked artifact discovered by scanning a directory rather
// than recalled from in-memory bookkeeping.
type orphan struct {
	path      string
	original  string
	loaderID  string
	timestamp int64
}

// RestoreOrphans scans dir for cloaks of canonicalName left behind by any
// loader (including this one, after a crash), restoring the newest one
// whose loader-id matches l.ID if any, else the newest overall, and
// deleting every older orphan it finds.
func (l *Loader) RestoreOrphans(ctx context.Context, canonicalName, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cloak: scanning %q for orphaned cloaks: %w", dir, err)
	}

	prefix := canonicalName
	var found []orphan
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, prefix) || !strings.Contains(name, suffixMarker) {
			continue
		}
		o, ok := parseOrphan(filepath.Join(dir, name))
		if !ok {
			continue
		}
		found = append(found, o)
	}
	if len(found) == 0 {
		return nil
	}

	sort.Slice(found, func(i, j int) bool { return found[i].timestamp > found[j].timestamp })

	var toRestore *orphan
	for i := range found {
		if found[i].loaderID == l.ID {
			toRestore = &found[i]
			break
		}
	}
	if toRestore == nil {
		toRestore = &found[0]
	}

	for i := range found {
		o := found[i]
		if o.path == toRestore.path {
			continue
		}
		if err := os.RemoveAll(o.path); err != nil {
			dlog.Warnf(ctx, "cloak: failed to delete stale orphan %q: %v", o.path, err)
		}
	}

	release, err := l.Locks.Acquire(lockmgr.CloakLockKey(canonicalName))
	if err != nil {
		return fmt.Errorf("cloak: orphan-restore lock timeout for %q: %w", canonicalName, err)
	}
	defer release()

	if _, err := os.Lstat(toRestore.original); err == nil {
		return nil // something else already restored it
	}
	return os.Rename(toRestore.path, toRestore.original)
}

// cloakSuffixRE matches "<original>.<timestamp_us>_<loader_id>_omnipkg_cloaked[<ext>]",
// capturing the original path, timestamp, and loader-id.
var cloakSuffixRE = regexp.MustCompile(`^(.*)\.(\d+)_([0-9a-z]+)_omnipkg_cloaked(?:\.[^.]+)?$`)

// parseOrphan extracts the original path and loader-id encoded in a cloaked
// artifact's name.
func parseOrphan(cloakedPath string) (orphan, bool) {
	m := cloakSuffixRE.FindStringSubmatch(cloakedPath)
	if m == nil {
		return orphan{}, false
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return orphan{}, false
	}
	return orphan{
		path:      cloakedPath,
		original:  m[1],
		loaderID:  m[3],
		timestamp: ts,
	}, true
}

// RestoreCriticalOnStartup auto-restores any cloak matching a critical
// dependency, before dependency scanning begins (spec.md §4.6's
// "Concurrency invariants" / §7's "Missing critical dependency on
// startup").
func (l *Loader) RestoreCriticalOnStartup(ctx context.Context, dir string) error {
	for dep := range CriticalDeps {
		if err := l.RestoreOrphans(ctx, dep, dir); err != nil {
			dlog.Warnf(ctx, "cloak: startup restore of critical dep %q failed: %v", dep, err)
		}
	}
	return nil
}
