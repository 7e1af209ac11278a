// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package bubble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"

	"github.com/omnipkg/omnipkg/pkg/identity"
	"github.com/omnipkg/omnipkg/pkg/kb"
	"github.com/omnipkg/omnipkg/pkg/lockmgr"
	"github.com/omnipkg/omnipkg/pkg/registry"
	"github.com/omnipkg/omnipkg/pkg/store"
)

// InstallTimeout bounds the external installer invocation (spec.md §5).
const InstallTimeout = 600 * time.Second

// Builder builds a single version bubble: time-travel resolve its
// dependencies, stage an install, verify it, and promote the deduplicated
// result into the bubble root.
type Builder struct {
	BubbleRoot string
	PythonExe  string
	Registry   *registry.Registry
	Failed     *registry.FailedVersions
	Locks      *lockmgr.Manager
	KB         *kb.KB
	MainIndex  *store.Index
	Release    ReleaseIndex

	// EssentialHostPaths are appended to a verification sys.path so the
	// interpreter's own stdlib remains importable (spec.md §4.5).
	EssentialHostPaths []string
}

// Result is what Build reports back to a caller (typically C7's
// "activate on-demand" path).
type Result struct {
	BubbleDir string
	Manifest  Manifest
}

// Build runs the full C5 algorithm for (name, targetVersion). On any
// recoverable failure it records a failed-version cache entry and returns
// an error; it never leaves a half-built directory at the final bubble path
// because every intermediate artifact lives under a staging directory
// outside BubbleRoot.
func (b *Builder) Build(ctx context.Context, name, targetVersion string) (*Result, error) {
	id, err := identity.New(name, targetVersion)
	if err != nil {
		return nil, err
	}

	release, err := b.Locks.Acquire(lockmgr.InstallLockKey(id.BubbleDirName()))
	if err != nil {
		return nil, fmt.Errorf("bubble: acquiring install lock for %s: %w", id, err)
	}
	defer release()

	// The loser of a concurrent build race sees the winner's directory
	// here and returns it without redoing any work (spec.md §4.5
	// "Concurrency").
	bubbleDir := filepath.Join(b.BubbleRoot, id.BubbleDirName())
	if _, err := os.Stat(filepath.Join(bubbleDir, ".omnipkg_manifest.json")); err == nil {
		m, err := ReadManifest(bubbleDir)
		if err != nil {
			return nil, err
		}
		return &Result{BubbleDir: bubbleDir, Manifest: m}, nil
	}

	if recent, reason, err := b.Failed.IsRecentlyFailed(id.Name, targetVersion); err == nil && recent {
		return nil, fmt.Errorf("bubble: %s is in the failed-version cache: %s", id, reason)
	}

	staging, err := os.MkdirTemp("", "omnipkg-staging-*")
	if err != nil {
		return nil, fmt.Errorf("bubble: creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	shoppingList, err := b.shoppingList(ctx, id.Name, targetVersion, staging)
	if err != nil {
		_ = b.Failed.MarkFailed(id.Name, targetVersion, err.Error())
		return nil, err
	}

	pins, err := b.timeTravelPins(ctx, id.Name, targetVersion, shoppingList)
	if err != nil {
		dlog.Warnf(ctx, "bubble: time-travel resolution for %s failed, proceeding without historical pins: %v", id, err)
	}

	if err := b.stagedInstall(ctx, id.Name, targetVersion, pins, staging); err != nil {
		_ = b.Failed.MarkFailed(id.Name, targetVersion, err.Error())
		return nil, fmt.Errorf("bubble: staged install of %s failed: %w", id, err)
	}

	dists, err := kb.Discover(ctx, b.PythonExe, []string{staging})
	if err != nil {
		_ = b.Failed.MarkFailed(id.Name, targetVersion, err.Error())
		return nil, fmt.Errorf("bubble: enumerating staged dist-infos: %w", err)
	}
	if len(dists) == 0 {
		err := fmt.Errorf("no distributions found in staging directory")
		_ = b.Failed.MarkFailed(id.Name, targetVersion, err.Error())
		return nil, err
	}

	importNames := make([]string, 0, len(dists))
	for _, d := range dists {
		importNames = append(importNames, importNameFor(d.Name))
	}
	verifyResult, err := Verify(ctx, b.PythonExe, importNameFor(id.Name), importNames, staging, nil, b.EssentialHostPaths)
	if err != nil || !verifyResult.PrimaryOK {
		reason := "primary package failed sterile-subprocess smoke import"
		if err != nil {
			reason = err.Error()
		}
		_ = b.Failed.MarkFailed(id.Name, targetVersion, reason)
		return nil, fmt.Errorf("bubble: verification failed for %s: %s", id, reason)
	}

	if err := os.MkdirAll(bubbleDir, 0o755); err != nil {
		return nil, fmt.Errorf("bubble: creating bubble directory: %w", err)
	}
	if err := b.promote(ctx, staging, bubbleDir); err != nil {
		os.RemoveAll(bubbleDir)
		_ = b.Failed.MarkFailed(id.Name, targetVersion, err.Error())
		return nil, fmt.Errorf("bubble: promoting staged files for %s: %w", id, err)
	}

	manifest, err := b.writeManifest(bubbleDir, dists)
	if err != nil {
		return nil, err
	}

	if err := b.Registry.Register(id.Name, targetVersion, bubbleDir); err != nil {
		return nil, fmt.Errorf("bubble: registering %s: %w", id, err)
	}

	return &Result{BubbleDir: bubbleDir, Manifest: manifest}, nil
}

// shoppingList installs target with dependency installation disabled into a
// scratch directory, purely to read its declared Requires-Dist names,
// matching step 2's "In a fresh throwaway virtual environment..." (spec.md
// §4.5). On dependency-metadata read failure, treats the package as having
// no dependencies rather than failing the build (spec.md §7).
func (b *Builder) shoppingList(ctx context.Context, name, version, staging string) ([]string, error) {
	scratch := filepath.Join(staging, ".shopping")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, err
	}

	installCtx, cancel := context.WithTimeout(ctx, InstallTimeout)
	defer cancel()

	cmd := dexec.CommandContext(installCtx, b.PythonExe, "-m", "pip", "install",
		"--no-deps", "--target", scratch, fmt.Sprintf("%s==%s", name, version))
	if _, err := cmd.Output(); err != nil {
		return nil, fmt.Errorf("installing %s==%s without dependencies: %w", name, version, describeExitErr(err))
	}

	dists, err := kb.Discover(ctx, b.PythonExe, []string{scratch})
	if err != nil || len(dists) == 0 {
		dlog.Warnf(ctx, "bubble: could not read dependency metadata for %s==%s, treating as no deps: %v", name, version, err)
		return nil, nil
	}

	var deps []string
	for _, d := range dists {
		if identity.Canonicalize(d.Name) == identity.Canonicalize(name) {
			deps = append(deps, d.Requires...)
		}
	}
	return deps, nil
}

// timeTravelPins resolves every dependency name in shoppingList to the
// latest version released on or before target's release date (spec.md §4.5
// steps 1 and 3).
func (b *Builder) timeTravelPins(ctx context.Context, name, targetVersion string, shoppingList []string) ([]string, error) {
	if b.Release == nil || len(shoppingList) == 0 {
		return nil, nil
	}

	cutoff, err := b.Release.ReleaseDate(ctx, name, targetVersion)
	if err != nil {
		return nil, fmt.Errorf("looking up release date of %s==%s: %w", name, targetVersion, err)
	}

	var pins []string
	for _, depSpec := range shoppingList {
		depName := strings.FieldsFunc(depSpec, func(r rune) bool {
			return r == ' ' || r == '<' || r == '>' || r == '=' || r == '!' || r == ';' || r == '['
		})[0]

		candidates, err := b.Release.VersionsReleasedBefore(ctx, depName, cutoff)
		if err != nil || len(candidates) == 0 {
			dlog.Warnf(ctx, "bubble: no historical release of %s found before %s, leaving unpinned", depName, cutoff)
			continue
		}
		historical, err := SelectHistorical(candidates)
		if err != nil {
			continue
		}
		pins = append(pins, fmt.Sprintf("%s==%s", depName, historical))
	}
	return pins, nil
}

// stagedInstall installs target plus pins into staging using the external
// installer's --target mode (spec.md §4.5 step 4).
func (b *Builder) stagedInstall(ctx context.Context, name, version string, pins []string, staging string) error {
	installCtx, cancel := context.WithTimeout(ctx, InstallTimeout)
	defer cancel()

	args := []string{"-m", "pip", "install", "--target", staging, fmt.Sprintf("%s==%s", name, version)}
	args = append(args, pins...)

	cmd := dexec.CommandContext(installCtx, b.PythonExe, args...)
	if _, err := cmd.Output(); err != nil {
		return describeExitErr(err)
	}
	return nil
}

// promote walks staging and, for each file, either copies it in full
// (native suffix) or skips it as a main-env duplicate, implementing step 6.
func (b *Builder) promote(ctx context.Context, staging, bubbleDir string) error {
	return filepath.Walk(staging, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if strings.HasPrefix(path, filepath.Join(staging, ".shopping")) {
			return nil
		}
		rel, err := filepath.Rel(staging, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(filepath.Join(bubbleDir, rel), 0o755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if !store.IsNative(path) && b.MainIndex != nil && store.ShouldDedup(ctx, b.MainIndex, path) {
			return nil
		}
		return copyFile(path, filepath.Join(bubbleDir, rel), info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

func (b *Builder) writeManifest(bubbleDir string, dists []kb.DiscoveredDist) (Manifest, error) {
	packages := make(map[string]ManifestPackage, len(dists))
	for _, d := range dists {
		kind := KindPurePython
		hasNative := false
		for _, f := range d.Files {
			if store.IsNative(f) {
				hasNative = true
				break
			}
		}
		if hasNative {
			kind = KindNative
		}
		packages[d.Name] = ManifestPackage{
			Version:  d.Version,
			Type:     kind,
			Summary:  d.Summary,
			License:  d.License,
			HomePage: d.HomePage,
		}
	}

	sizeMB, err := DirSizeMB(bubbleDir)
	if err != nil {
		return Manifest{}, fmt.Errorf("bubble: computing bubble size: %w", err)
	}

	m := Manifest{
		CreatedAt: time.Now().UTC(),
		Packages:  packages,
		Stats: ManifestStats{
			BubbleSizeMB: sizeMB,
			PackageCount: len(packages),
		},
	}
	if err := WriteManifest(bubbleDir, m); err != nil {
		return Manifest{}, fmt.Errorf("bubble: writing manifest: %w", err)
	}
	return m, nil
}

// importNameFor approximates a distribution's true top-level import name
// from its canonical name; the Activation Loader's validate step instead
// reads the authoritative name from top_level.txt (spec.md §4.7 step 8) —
// this helper is only used here to pick a plausible name for verification
// grouping before a bubble has a top_level.txt of its own.
func importNameFor(distName string) string {
	return strings.ReplaceAll(identity.Canonicalize(distName), "-", "_")
}

func describeExitErr(err error) error {
	var exitErr *dexec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w:\n > %s", err, strings.Join(strings.Split(string(exitErr.Stderr), "\n"), "\n > "))
	}
	return err
}
