// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package kb implements the Knowledge Base (C4): an index keyed by
// (env_id, python_version, package) describing every discovered
// distribution, plus the hyper-isolated discovery process that populates
// it.
//
// The original backs this with Redis; the corpus carries no Redis (or other
// KV-store) client to ground that on, and spec.md §4.4 redefines the KB as
// file-system <-> index reconciliation rather than a networked cache. So the
// HSET/SADD-shaped key grammar below is kept, but realized over the same
// atomic temp-file-then-rename JSON technique pkg/registry already uses for
// its two documents — one JSON file per Context, holding every key's value.
// See DESIGN.md's C4 entry ("no KV-store client") for the full justification.
package kb

import (
	"fmt"

	"github.com/omnipkg/omnipkg/pkg/pyctx"
)

// BasePrefix is the configurable key-prefix component of the grammar
// "<base_prefix>:env_<env_id>:py<major.minor>:<suffix>" (spec.md §6).
const DefaultBasePrefix = "omnipkg"

// KeyPrefix renders the "<base_prefix>:<context>:" prefix that scopes every
// key below to one (env_id, python_version) pair.
func KeyPrefix(basePrefix string, ctx pyctx.Context) string {
	if basePrefix == "" {
		basePrefix = DefaultBasePrefix
	}
	return fmt.Sprintf("%s:%s:", basePrefix, ctx.String())
}

// PackageKey is "<prefix><name>": active version, installed versions,
// per-bubble presence flags.
func PackageKey(prefix, name string) string { return prefix + name }

// VersionKey is "<prefix><name>:<version>": flattened metadata.
func VersionKey(prefix, name, version string) string { return prefix + name + ":" + version }

// InstalledVersionsKey is "<prefix><name>:installed_versions".
func InstalledVersionsKey(prefix, name string) string { return prefix + name + ":installed_versions" }

// IndexKey is "<prefix>index": the set of every canonical package name known
// in this context.
func IndexKey(prefix string) string { return prefix + "index" }

// MainEnvHashesKey is "<prefix>main_env:file_hashes".
func MainEnvHashesKey(prefix string) string { return prefix + "main_env:file_hashes" }

// MainEnvSnapshotKey is "<prefix>main_env:last_known_good": the snapshot C8
// saves after a successful install, consulted by revert.
func MainEnvSnapshotKey(prefix string) string { return prefix + "main_env:last_known_good" }
