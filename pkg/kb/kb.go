// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package kb

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio"

	"github.com/omnipkg/omnipkg/pkg/lockmgr"
	"github.com/omnipkg/omnipkg/pkg/pyctx"
)

// compressThreshold: large text fields (help text, license, description)
// above this many bytes are zlib-compressed and hex-encoded, with a sibling
// "<field>_compressed = true" marker, per spec.md §4.4.
const compressThreshold = 256

// DistMeta is the flattened metadata hash stored at a VersionKey.
type DistMeta struct {
	Version      string            `json:"version"`
	Requires     []string          `json:"requires,omitempty"`
	RequiresPy   string            `json:"requires_python,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Author       string            `json:"author,omitempty"`
	License      string            `json:"license,omitempty"`
	HomePage     string            `json:"home_page,omitempty"`
	DistInfoDir  string            `json:"dist_info_dir,omitempty"`
	Files        []string          `json:"files,omitempty"`
	Health       string            `json:"health,omitempty"` // "", "vulnerable", "clean"
	Checksum     string            `json:"checksum"`
	Compressed   map[string]bool   `json:"compressed,omitempty"`
	ExtraFields  map[string]string `json:"extra_fields,omitempty"`
}

// PackageRecord is the hash stored at a PackageKey.
type PackageRecord struct {
	ActiveVersion      string          `json:"active_version"`
	InstalledVersions   []string       `json:"installed_versions"`
	BubblePresence     map[string]bool `json:"bubble_presence"` // version -> has bubble
}

// doc is the single JSON file that backs one Context's worth of keys. It
// holds separate maps per record kind, keyed by canonical name or by
// "name:version"; the prefixed key grammar in keys.go is not used as a map
// key here.
type doc struct {
	Packages          map[string]PackageRecord  `json:"packages"`
	Versions          map[string]DistMeta       `json:"versions"`
	InstalledVersions map[string][]string       `json:"installed_versions_sets"`
	Index             []string                  `json:"index"`
	MainEnvHashes     []string                  `json:"main_env_hashes,omitempty"`
	MainEnvSnapshot   map[string]string         `json:"main_env_snapshot,omitempty"` // name -> version
}

func emptyDoc() *doc {
	return &doc{
		Packages:          make(map[string]PackageRecord),
		Versions:          make(map[string]DistMeta),
		InstalledVersions: make(map[string][]string),
	}
}

// KB is a single-writer, many-reader store for one Context, backed by a
// JSON document on disk (see package doc comment for why).
type KB struct {
	path       string
	basePrefix string
	locks      *lockmgr.Manager

	mu sync.Mutex
}

// Open attaches a KB to <root>/.kb/<context>.json.
func Open(root, basePrefix, contextKey string, locks *lockmgr.Manager) *KB {
	return &KB{
		path:       filepath.Join(root, ".kb", contextKey+".json"),
		basePrefix: basePrefix,
		locks:      locks,
	}
}

func (k *KB) lockKey() lockmgr.Key {
	return lockmgr.DocumentLock("kb-" + filepath.Base(k.path))
}

func (k *KB) read() (*doc, error) {
	bs, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDoc(), nil
		}
		return nil, err
	}
	if len(bs) == 0 {
		return emptyDoc(), nil
	}
	d := emptyDoc()
	if err := json.Unmarshal(bs, d); err != nil {
		// Corrupt KB entry: self-heal by treating the whole doc as empty
		// and letting discovery rebuild it (spec.md §7).
		return emptyDoc(), nil
	}
	if d.Packages == nil {
		d.Packages = make(map[string]PackageRecord)
	}
	if d.Versions == nil {
		d.Versions = make(map[string]DistMeta)
	}
	if d.InstalledVersions == nil {
		d.InstalledVersions = make(map[string][]string)
	}
	return d, nil
}

func (k *KB) write(d *doc) error {
	bs, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(k.path, bs, 0o644)
}

// withDoc serializes read-modify-write against both the file lock (for
// cross-process writers) and the in-process mutex (for same-process
// concurrent callers), matching "KB index is owned by a single writer at a
// time... readable by many" (spec.md §3).
func (k *KB) withDoc(fn func(*doc) error) error {
	unlock, err := k.locks.Acquire(k.lockKey())
	if err != nil {
		return err
	}
	defer unlock()

	k.mu.Lock()
	defer k.mu.Unlock()

	d, err := k.read()
	if err != nil {
		return err
	}
	if err := fn(d); err != nil {
		return err
	}
	return k.write(d)
}

// Prefix returns this KB's key prefix for the given context, matching
// KeyPrefix.
func (k *KB) Prefix(ctx pyctx.Context) string {
	return KeyPrefix(k.basePrefix, ctx)
}

// compress zlib-compresses and hex-encodes a large text field, returning the
// encoded value and whether compression was applied.
func compress(s string) (string, bool) {
	if len(s) <= compressThreshold {
		return s, false
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = io.WriteString(w, s)
	_ = w.Close()
	return hex.EncodeToString(buf.Bytes()), true
}

func decompress(s string, compressed bool) string {
	if !compressed {
		return s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return s
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return s
	}
	return string(out)
}

// PutVersion writes the flattened metadata for name@version, compressing
// large text fields per spec.md §4.4.
func (k *KB) PutVersion(name string, meta DistMeta) error {
	return k.withDoc(func(d *doc) error {
		meta.Compressed = map[string]bool{}
		if enc, wasCompressed := compress(meta.Summary); wasCompressed {
			meta.Summary = enc
			meta.Compressed["summary"] = true
		}
		if enc, wasCompressed := compress(meta.License); wasCompressed {
			meta.License = enc
			meta.Compressed["license"] = true
		}
		key := name + ":" + meta.Version
		d.Versions[key] = meta

		versions := d.InstalledVersions[name]
		if !containsStr(versions, meta.Version) {
			versions = append(versions, meta.Version)
			sort.Strings(versions)
			d.InstalledVersions[name] = versions
		}
		if !containsStr(d.Index, name) {
			d.Index = append(d.Index, name)
			sort.Strings(d.Index)
		}
		return nil
	})
}

// GetVersion reads back name@version's metadata, decompressing any
// compressed fields.
func (k *KB) GetVersion(name, version string) (DistMeta, bool, error) {
	var out DistMeta
	var found bool
	err := k.withDoc(func(d *doc) error {
		meta, ok := d.Versions[name+":"+version]
		if !ok {
			return nil
		}
		meta.Summary = decompress(meta.Summary, meta.Compressed["summary"])
		meta.License = decompress(meta.License, meta.Compressed["license"])
		out, found = meta, true
		return nil
	})
	return out, found, err
}

// SetActiveVersion records the package's currently-active (main-env)
// version, consulted by the Activation Loader's sub-microsecond fast path.
func (k *KB) SetActiveVersion(name, version string) error {
	return k.withDoc(func(d *doc) error {
		rec := d.Packages[name]
		rec.ActiveVersion = version
		d.Packages[name] = rec
		return nil
	})
}

// ActiveVersion returns the last-recorded active version for name, if any.
func (k *KB) ActiveVersion(name string) (string, bool, error) {
	var version string
	var ok bool
	err := k.withDoc(func(d *doc) error {
		rec, present := d.Packages[name]
		if present && rec.ActiveVersion != "" {
			version, ok = rec.ActiveVersion, true
		}
		return nil
	})
	return version, ok, err
}

// SetBubblePresence flags whether name@version has a bubble on disk.
func (k *KB) SetBubblePresence(name, version string, present bool) error {
	return k.withDoc(func(d *doc) error {
		rec := d.Packages[name]
		if rec.BubblePresence == nil {
			rec.BubblePresence = make(map[string]bool)
		}
		rec.BubblePresence[version] = present
		d.Packages[name] = rec
		return nil
	})
}

// InstalledVersions returns the full installed_versions set for name.
func (k *KB) InstalledVersions(name string) ([]string, error) {
	var out []string
	err := k.withDoc(func(d *doc) error {
		out = append(out, d.InstalledVersions[name]...)
		return nil
	})
	return out, err
}

// Index returns every canonical package name known in this context.
func (k *KB) Index() ([]string, error) {
	var out []string
	err := k.withDoc(func(d *doc) error {
		out = append(out, d.Index...)
		return nil
	})
	return out, err
}

// SetMainEnvHashes overwrites the main-env hash-index snapshot.
func (k *KB) SetMainEnvHashes(hashes []string) error {
	return k.withDoc(func(d *doc) error {
		d.MainEnvHashes = hashes
		return nil
	})
}

// MainEnvHashes returns the persisted main-env hash-index snapshot.
func (k *KB) MainEnvHashes() ([]string, error) {
	var out []string
	err := k.withDoc(func(d *doc) error {
		out = append(out, d.MainEnvHashes...)
		return nil
	})
	return out, err
}

// SetHealth records a security-scan verdict for name@version.
func (k *KB) SetHealth(name, version, health string) error {
	return k.withDoc(func(d *doc) error {
		key := name + ":" + version
		meta := d.Versions[key]
		meta.Version = version
		meta.Health = health
		d.Versions[key] = meta
		return nil
	})
}

// SaveMainEnvSnapshot records the "last known good" main-env package set,
// consulted by the Installer Surgeon's revert operation.
func (k *KB) SaveMainEnvSnapshot(snapshot map[string]string) error {
	return k.withDoc(func(d *doc) error {
		d.MainEnvSnapshot = snapshot
		return nil
	})
}

// MainEnvSnapshot returns the last-saved "last known good" snapshot.
func (k *KB) MainEnvSnapshot() (map[string]string, error) {
	var out map[string]string
	err := k.withDoc(func(d *doc) error {
		out = make(map[string]string, len(d.MainEnvSnapshot))
		for k, v := range d.MainEnvSnapshot {
			out[k] = v
		}
		return nil
	})
	return out, err
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
