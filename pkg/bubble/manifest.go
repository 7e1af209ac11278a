// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package bubble

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
)

// PackageKind classifies a bubble member for the manifest's "type" field.
type PackageKind string

const (
	KindPurePython PackageKind = "pure_python"
	KindNative     PackageKind = "native"
	KindMixed      PackageKind = "mixed"
)

// ManifestPackage is one entry of .omnipkg_manifest.json's "packages" map.
type ManifestPackage struct {
	Version  string      `json:"version"`
	Type     PackageKind `json:"type"`
	Summary  string      `json:"summary,omitempty"`
	License  string      `json:"license,omitempty"`
	HomePage string      `json:"home_page,omitempty"`
}

// ManifestStats is the manifest's "stats" field.
type ManifestStats struct {
	BubbleSizeMB  float64 `json:"bubble_size_mb"`
	PackageCount  int     `json:"package_count"`
}

// Manifest is the full schema of <bubble_root>/<name>-<version>/.omnipkg_manifest.json
// (spec.md §6).
type Manifest struct {
	CreatedAt time.Time                  `json:"created_at"`
	Packages  map[string]ManifestPackage `json:"packages"`
	Stats     ManifestStats              `json:"stats"`
}

// WriteManifest atomically writes m to <bubbleDir>/.omnipkg_manifest.json.
func WriteManifest(bubbleDir string, m Manifest) error {
	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(bubbleDir, ".omnipkg_manifest.json")
	return renameio.WriteFile(path, bs, 0o644)
}

// ReadManifest reads back a bubble's manifest, used by the Activation Loader
// to enumerate a bubble's packages (spec.md §4.7 "_activate_bubble" step 1).
func ReadManifest(bubbleDir string) (Manifest, error) {
	bs, err := os.ReadFile(filepath.Join(bubbleDir, ".omnipkg_manifest.json"))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// DirSizeMB walks dir and sums regular file sizes, for ManifestStats.
func DirSizeMB(dir string) (float64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return float64(total) / (1024 * 1024), nil
}
