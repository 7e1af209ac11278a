// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package store implements the Content-Addressed File Store (C1): streaming
// SHA-256 hashing of main-env files, a set-valued hash index kept in the
// Knowledge Base, and the dedup policy that the Bubble Builder (C5)
// consults before copying a file in to a bubble.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/datawire/dlib/dlog"
)

// NativeSuffixes are the file suffixes that must always be copied in to a
// bubble in full, never deduplicated against the main env.
//
//nolint:gochecknoglobals // a fixed lookup table, not mutated at runtime
var NativeSuffixes = map[string]bool{
	".so":  true,
	".pyd": true,
	".dll": true,
}

// IsNative reports whether path names a native (non-dedup-eligible) file.
func IsNative(path string) bool {
	return NativeSuffixes[filepath.Ext(path)]
}

// Index is the set of hex SHA-256 digests of every (non-native) file in a
// main site-packages tree, keyed in the KB under
// "<prefix>main_env:file_hashes".
type Index struct {
	mu     sync.RWMutex
	hashes map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{hashes: make(map[string]struct{})}
}

// Has answers set-membership in O(1).
func (idx *Index) Has(hexDigest string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.hashes[hexDigest]
	return ok
}

// Add is the equivalent of Redis SADD: add hexDigest to the index.
func (idx *Index) Add(hexDigest string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.hashes[hexDigest] = struct{}{}
}

// Remove is the equivalent of Redis SREM.
func (idx *Index) Remove(hexDigest string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.hashes, hexDigest)
}

// Len returns the number of distinct hashes currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.hashes)
}

// Snapshot returns a sorted-free copy of the member set, for persistence.
func (idx *Index) Snapshot() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.hashes))
	for h := range idx.hashes {
		out = append(out, h)
	}
	return out
}

// LoadSnapshot replaces the index's contents, used when restoring a
// persisted KB field.
func (idx *Index) LoadSnapshot(hashes []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.hashes = make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		idx.hashes[h] = struct{}{}
	}
}

// memo is a per-process cache of path -> hash, since a hash is computed
// once per file path per process (spec.md §4.1).
type memo struct {
	mu sync.Mutex
	m  map[string]string
}

//nolint:gochecknoglobals // explicitly permitted per-process memo, spec.md §4.1
var pathMemo = &memo{m: make(map[string]string)}

// HashFile streams path through SHA-256 and returns its lowercase hex
// digest. File read errors are the caller's to interpret as "not dedup'd"
// per the Content-Addressed File Store's failure semantics; HashFile itself
// just returns the error.
func HashFile(ctx context.Context, path string) (string, error) {
	pathMemo.mu.Lock()
	if h, ok := pathMemo.m[path]; ok {
		pathMemo.mu.Unlock()
		return h, nil
	}
	pathMemo.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("store: hashing %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("store: hashing %q: %w", path, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	pathMemo.mu.Lock()
	pathMemo.m[path] = digest
	pathMemo.mu.Unlock()

	return digest, nil
}

// BuildIndex walks root and hashes every regular, non-native file in to a
// fresh Index. Per spec.md §4.1's failure semantics, a file that can't be
// read is logged and skipped (treated as "not dedup'd"), not fatal.
func BuildIndex(ctx context.Context, root string) (*Index, error) {
	idx := NewIndex()
	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			dlog.Warnf(ctx, "store: walking %q: %v", path, walkErr)
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() || IsNative(path) {
			return nil
		}
		digest, err := HashFile(ctx, path)
		if err != nil {
			dlog.Warnf(ctx, "store: skipping undedup-able file %q: %v", path, err)
			return nil
		}
		idx.Add(digest)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: building index under %q: %w", root, err)
	}
	return idx, nil
}

// UpdateIncremental applies the delta between a distribution's file list
// before and after an install to idx, mirroring Redis SREM/SADD semantics
// (spec.md §4.1's "Incremental update on install").
func UpdateIncremental(ctx context.Context, idx *Index, removed, added []string) {
	for _, path := range removed {
		if IsNative(path) {
			continue
		}
		if digest, err := HashFile(ctx, path); err == nil {
			idx.Remove(digest)
		}
	}
	for _, path := range added {
		if IsNative(path) {
			continue
		}
		digest, err := HashFile(ctx, path)
		if err != nil {
			dlog.Warnf(ctx, "store: incremental update: skipping %q: %v", path, err)
			continue
		}
		idx.Add(digest)
	}
}

// ShouldDedup decides, per spec.md §4.5 step 6, whether a staged file can be
// omitted from a bubble because an identical copy already lives in the main
// env. Native files are never eligible.
func ShouldDedup(ctx context.Context, idx *Index, path string) bool {
	if IsNative(path) {
		return false
	}
	digest, err := HashFile(ctx, path)
	if err != nil {
		return false
	}
	return idx.Has(digest)
}
