// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the Path Registry and Failed-Version Cache
// (C2): two atomically-written JSON documents living alongside the bubble
// root, each guarded by its own file lock.
//
// https://pkg.go.dev/github.com/google/renameio provides the atomic
// temp-file-then-rename write primitive, the same way distr1/distri uses it
// for its own on-disk package-path documents.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/omnipkg/omnipkg/pkg/lockmgr"
)

// FailedVersionTTL is how long a failed-version cache entry remains
// authoritative (spec.md §3).
const FailedVersionTTL = 24 * time.Hour

// Registry is the Path Registry: { canonical_name -> { version -> absolute
// bubble path } }, persisted as package_paths.json.
type Registry struct {
	path  string
	locks *lockmgr.Manager
}

// Open attaches a Registry to package_paths.json under root, creating the
// file on first write. locks supplies the per-document file lock.
func Open(root string, locks *lockmgr.Manager) *Registry {
	return &Registry{path: filepath.Join(root, "package_paths.json"), locks: locks}
}

type registryDoc map[string]map[string]string // name -> version -> path

func (r *Registry) read() (registryDoc, error) {
	doc := make(registryDoc)
	bs, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	if len(bs) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(bs, &doc); err != nil {
		// Corrupt JSON persisted doc: treat as empty, rebuild (spec.md §7).
		return make(registryDoc), nil
	}
	return doc, nil
}

func (r *Registry) write(doc registryDoc) error {
	bs, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(r.path, bs, 0o644)
}

// GetBubblePath answers "(package, version) -> bubble path", the registry's
// role as an accelerator in front of the filesystem's directory-name
// source-of-truth.
func (r *Registry) GetBubblePath(name, version string) (string, bool, error) {
	unlock, err := r.locks.Acquire(lockmgr.DocumentLock("package_paths"))
	if err != nil {
		return "", false, err
	}
	defer unlock()

	doc, err := r.read()
	if err != nil {
		return "", false, err
	}
	versions, ok := doc[name]
	if !ok {
		return "", false, nil
	}
	path, ok := versions[version]
	return path, ok, nil
}

// Register records that (name, version) lives at bubblePath.
func (r *Registry) Register(name, version, bubblePath string) error {
	unlock, err := r.locks.Acquire(lockmgr.DocumentLock("package_paths"))
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := r.read()
	if err != nil {
		return err
	}
	if doc[name] == nil {
		doc[name] = make(map[string]string)
	}
	doc[name][version] = bubblePath
	return r.write(doc)
}

// Unregister removes a (name, version) entry, used when a bubble is pruned.
func (r *Registry) Unregister(name, version string) error {
	unlock, err := r.locks.Acquire(lockmgr.DocumentLock("package_paths"))
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := r.read()
	if err != nil {
		return err
	}
	if versions, ok := doc[name]; ok {
		delete(versions, version)
		if len(versions) == 0 {
			delete(doc, name)
		}
	}
	return r.write(doc)
}

// All returns every registered (name, version, path) triple; used by prune
// and by diagnostics.
func (r *Registry) All() (map[string]map[string]string, error) {
	unlock, err := r.locks.Acquire(lockmgr.DocumentLock("package_paths"))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.read()
}

// FailedVersions is the Failed-Version Cache: { canonical_name -> { version
// -> { reason, timestamp } } }, persisted as failed_versions.json. Entries
// older than FailedVersionTTL are ignored (and lazily pruned on next write).
type FailedVersions struct {
	path  string
	locks *lockmgr.Manager
}

func OpenFailedVersions(root string, locks *lockmgr.Manager) *FailedVersions {
	return &FailedVersions{path: filepath.Join(root, "failed_versions.json"), locks: locks}
}

type failedEntry struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type failedDoc map[string]map[string]failedEntry

func (f *FailedVersions) read() (failedDoc, error) {
	doc := make(failedDoc)
	bs, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	if len(bs) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(bs, &doc); err != nil {
		return make(failedDoc), nil
	}
	return doc, nil
}

func (f *FailedVersions) write(doc failedDoc) error {
	bs, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(f.path, bs, 0o644)
}

// MarkFailed records that (name, version) is known-bad, with reason.
func (f *FailedVersions) MarkFailed(name, version, reason string) error {
	unlock, err := f.locks.Acquire(lockmgr.DocumentLock("failed_versions"))
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	for n, versions := range doc {
		for v, entry := range versions {
			if time.Since(entry.Timestamp) > FailedVersionTTL {
				delete(versions, v)
			}
		}
		if len(versions) == 0 {
			delete(doc, n)
		}
	}
	if doc[name] == nil {
		doc[name] = make(map[string]failedEntry)
	}
	doc[name][version] = failedEntry{Reason: reason, Timestamp: time.Now()}
	return f.write(doc)
}

// IsRecentlyFailed reports whether (name, version) failed within
// FailedVersionTTL, short-circuiting a known-bad install attempt.
func (f *FailedVersions) IsRecentlyFailed(name, version string) (bool, string, error) {
	unlock, err := f.locks.Acquire(lockmgr.DocumentLock("failed_versions"))
	if err != nil {
		return false, "", err
	}
	defer unlock()

	doc, err := f.read()
	if err != nil {
		return false, "", err
	}
	versions, ok := doc[name]
	if !ok {
		return false, "", nil
	}
	entry, ok := versions[version]
	if !ok {
		return false, "", nil
	}
	if time.Since(entry.Timestamp) > FailedVersionTTL {
		return false, "", nil
	}
	return true, entry.Reason, nil
}
