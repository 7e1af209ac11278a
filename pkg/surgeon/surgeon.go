// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package surgeon implements the Installer Surgeon (C8): it wraps the
// external installer (pip) so that an install or uninstall that would
// otherwise silently downgrade an already-active package instead diverts the
// downgrade into a bubble, grounded on the same before/after snapshot-diff
// idiom the teacher's testutil package uses to compare OCI layer listings.
package surgeon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/omnipkg/omnipkg/pkg/bubble"
	"github.com/omnipkg/omnipkg/pkg/identity"
	"github.com/omnipkg/omnipkg/pkg/kb"
	"github.com/omnipkg/omnipkg/pkg/python/pep440"
	"github.com/omnipkg/omnipkg/pkg/registry"
)

// removeBubble deletes a bubble directory entirely, used by SmartUninstall
// when a bubbled (not active) version is removed.
func removeBubble(path string) error {
	return os.RemoveAll(path)
}

// InstallTimeout bounds one external-installer invocation (spec.md §5).
const InstallTimeout = 600 * time.Second

// Surgeon wraps the external installer per spec.md §4.8.
type Surgeon struct {
	PythonExe        string
	MainSitePackages string
	Builder          *bubble.Builder
	Registry         *registry.Registry
	KB               *kb.KB
}

// Snapshot is a name -> version map of everything installed into the main
// environment at a point in time.
type Snapshot map[string]string

// snapshot runs kb.Discover against MainSitePackages and flattens it to a
// name -> version map, the same discovery primitive C4 uses for its own
// sync, reused here purely as a point-in-time read with no KB side effects.
func (s *Surgeon) snapshot(ctx context.Context) (Snapshot, error) {
	dists, err := kb.Discover(ctx, s.PythonExe, []string{s.MainSitePackages})
	if err != nil {
		return nil, fmt.Errorf("surgeon: snapshotting main env: %w", err)
	}
	snap := make(Snapshot, len(dists))
	for _, d := range dists {
		if d.MissingName {
			continue
		}
		snap[identity.Canonicalize(d.Name)] = d.Version
	}
	return snap, nil
}

// Downgrade describes one package whose version decreased between two
// snapshots.
type Downgrade struct {
	Name        string
	FromVersion string
	ToVersion   string
}

// diffDowngrades compares two snapshots and reports every package whose
// version strictly decreased under PEP 440 ordering.
func diffDowngrades(before, after Snapshot) []Downgrade {
	var out []Downgrade
	for name, afterVer := range after {
		beforeVer, existed := before[name]
		if !existed {
			continue
		}
		if beforeVer == afterVer {
			continue
		}
		av, aerr := pep440.ParseVersion(afterVer)
		bv, berr := pep440.ParseVersion(beforeVer)
		if aerr != nil || berr != nil {
			continue
		}
		if av.Cmp(*bv) < 0 {
			out = append(out, Downgrade{Name: name, FromVersion: beforeVer, ToVersion: afterVer})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// unifiedDiff renders before/after as a unified diff of sorted "name==version"
// lines, exactly the shape testutil.AssertEqualLayers renders for layer
// listings, for the log line accompanying a collateral downgrade.
func unifiedDiff(before, after Snapshot) string {
	renderLines := func(s Snapshot) []string {
		lines := make([]string, 0, len(s))
		for name, ver := range s {
			lines = append(lines, fmt.Sprintf("%s==%s", name, ver))
		}
		sort.Strings(lines)
		return lines
	}
	diff := difflib.UnifiedDiff{
		A:        renderLines(before),
		B:        renderLines(after),
		FromFile: "main-env (before)",
		ToFile:   "main-env (after)",
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

// InstallResult reports what smart_install actually did.
type InstallResult struct {
	Installed  []string // specs that went through the external installer
	Bubbled    []string // specs that were built straight into a bubble
	Downgrades []Downgrade
}

// SmartInstall implements spec.md §4.8's algorithm.
func (s *Surgeon) SmartInstall(ctx context.Context, specs []string) (*InstallResult, error) {
	ids, err := parseAndSortNewestFirst(specs)
	if err != nil {
		return nil, err
	}

	result := &InstallResult{}

	for _, id := range ids {
		satisfied, err := s.alreadySatisfied(ctx, id)
		if err != nil {
			return nil, err
		}
		if satisfied {
			dlog.Infof(ctx, "surgeon: %s already satisfied, skipping", id)
			continue
		}

		activeVersion, hasActive, err := s.KB.ActiveVersion(id.Name)
		if err != nil {
			return nil, err
		}
		if hasActive {
			active, aerr := pep440.ParseVersion(activeVersion)
			if aerr == nil && id.Version.Cmp(*active) < 0 {
				// Requested version is older than what's active: go straight
				// to a bubble, never touching the main env (spec.md §4.8
				// step 2).
				if _, err := s.Builder.Build(ctx, id.Name, id.Version.String()); err != nil {
					return nil, fmt.Errorf("surgeon: bubbling older-than-active %s: %w", id, err)
				}
				result.Bubbled = append(result.Bubbled, id.String())
				continue
			}
		}

		before, err := s.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.runInstaller(ctx, id.Name+"=="+id.Version.String()); err != nil {
			return nil, fmt.Errorf("surgeon: installing %s: %w", id, err)
		}
		after, err := s.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		result.Installed = append(result.Installed, id.String())

		downgrades := diffDowngrades(before, after)
		if len(downgrades) > 0 {
			dlog.Warnf(ctx, "surgeon: installing %s caused collateral downgrades:\n%s", id, unifiedDiff(before, after))
		}
		for _, dg := range downgrades {
			if err := s.repairDowngrade(ctx, dg); err != nil {
				return nil, fmt.Errorf("surgeon: repairing collateral downgrade of %s: %w", dg.Name, err)
			}
			result.Downgrades = append(result.Downgrades, dg)
		}

		if err := s.KB.Sync(ctx, s.PythonExe, []string{s.MainSitePackages}, nil); err != nil {
			dlog.Warnf(ctx, "surgeon: KB resync after installing %s failed: %v", id, err)
		}
		for name, ver := range after {
			if err := s.KB.SetActiveVersion(name, ver); err != nil {
				dlog.Warnf(ctx, "surgeon: recording active version of %s: %v", name, err)
			}
		}
	}

	finalSnapshot, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.KB.SaveMainEnvSnapshot(finalSnapshot); err != nil {
		return nil, fmt.Errorf("surgeon: saving last-known-good snapshot: %w", err)
	}

	return result, nil
}

// repairDowngrade builds a bubble at the downgraded version, then reinstalls
// the version that should remain active in the main env (spec.md §4.8 step
// 3).
func (s *Surgeon) repairDowngrade(ctx context.Context, dg Downgrade) error {
	if _, err := s.Builder.Build(ctx, dg.Name, dg.ToVersion); err != nil {
		return fmt.Errorf("bubbling downgraded version %s==%s: %w", dg.Name, dg.ToVersion, err)
	}
	if err := s.runInstaller(ctx, dg.Name+"=="+dg.FromVersion); err != nil {
		return fmt.Errorf("restoring prior version %s==%s in main env: %w", dg.Name, dg.FromVersion, err)
	}
	return nil
}

// alreadySatisfied reports whether id is already present either as the main
// env's active version or as an existing bubble.
func (s *Surgeon) alreadySatisfied(ctx context.Context, id identity.ID) (bool, error) {
	active, ok, err := s.KB.ActiveVersion(id.Name)
	if err != nil {
		return false, err
	}
	if ok && active == id.Version.String() {
		return true, nil
	}
	_, ok, err = s.Registry.GetBubblePath(id.Name, id.Version.String())
	if err != nil {
		return false, err
	}
	return ok, nil
}

// runInstaller invokes pip install for spec against the main environment.
func (s *Surgeon) runInstaller(ctx context.Context, spec string) error {
	installCtx, cancel := context.WithTimeout(ctx, InstallTimeout)
	defer cancel()

	cmd := dexec.CommandContext(installCtx, s.PythonExe, "-m", "pip", "install", spec)
	if _, err := cmd.Output(); err != nil {
		return describeExitErr(err)
	}
	return nil
}

// UninstallResult reports what smart_uninstall did.
type UninstallResult struct {
	Uninstalled []string // went through the external uninstaller
	Debubbled   []string // bubble directories removed
}

// SmartUninstall mirrors SmartInstall per spec.md §4.8: active installations
// go through the external uninstaller and have their recorded active version
// cleared in the KB; bubbled installations are removed by deleting the
// bubble directory, unregistering it, and marking the bubble absent in the
// KB. The version's metadata entry and its place in the installed-versions
// set stay in the KB.
func (s *Surgeon) SmartUninstall(ctx context.Context, specs []string) (*UninstallResult, error) {
	ids, err := parseAndSortNewestFirst(specs)
	if err != nil {
		return nil, err
	}

	result := &UninstallResult{}
	for _, id := range ids {
		active, hasActive, err := s.KB.ActiveVersion(id.Name)
		if err != nil {
			return nil, err
		}
		if hasActive && active == id.Version.String() {
			uninstallCtx, cancel := context.WithTimeout(ctx, InstallTimeout)
			cmd := dexec.CommandContext(uninstallCtx, s.PythonExe, "-m", "pip", "uninstall", "-y", id.Name)
			_, err := cmd.Output()
			cancel()
			if err != nil {
				return nil, fmt.Errorf("surgeon: uninstalling %s from main env: %w", id, describeExitErr(err))
			}
			if err := s.KB.SetActiveVersion(id.Name, ""); err != nil {
				return nil, fmt.Errorf("surgeon: clearing active version of %s: %w", id, err)
			}
			result.Uninstalled = append(result.Uninstalled, id.String())
			continue
		}

		bubblePath, hasBubble, err := s.Registry.GetBubblePath(id.Name, id.Version.String())
		if err != nil {
			return nil, err
		}
		if hasBubble {
			if err := removeBubble(bubblePath); err != nil {
				return nil, fmt.Errorf("surgeon: removing bubble directory for %s: %w", id, err)
			}
			if err := s.Registry.Unregister(id.Name, id.Version.String()); err != nil {
				return nil, fmt.Errorf("surgeon: unregistering %s: %w", id, err)
			}
			if err := s.KB.SetBubblePresence(id.Name, id.Version.String(), false); err != nil {
				return nil, fmt.Errorf("surgeon: clearing bubble presence of %s: %w", id, err)
			}
			result.Debubbled = append(result.Debubbled, id.String())
		}
	}
	return result, nil
}

// RevertResult describes the plan a revert would execute.
type RevertResult struct {
	ToInstall   []string // name==version to install to match the snapshot
	ToUninstall []string // names present now but absent from the snapshot
}

// Revert diffs the live main env against the last-known-good KB snapshot and
// composes an uninstall/install plan (spec.md §4.8's "revert").
func (s *Surgeon) Revert(ctx context.Context) (*RevertResult, error) {
	lastGood, err := s.KB.MainEnvSnapshot()
	if err != nil {
		return nil, err
	}
	live, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	plan := &RevertResult{}
	for name, wantVer := range lastGood {
		if haveVer, ok := live[name]; !ok || haveVer != wantVer {
			plan.ToInstall = append(plan.ToInstall, fmt.Sprintf("%s==%s", name, wantVer))
		}
	}
	for name := range live {
		if _, ok := lastGood[name]; !ok {
			plan.ToUninstall = append(plan.ToUninstall, name)
		}
	}
	sort.Strings(plan.ToInstall)
	sort.Strings(plan.ToUninstall)

	for _, spec := range plan.ToInstall {
		if err := s.runInstaller(ctx, spec); err != nil {
			return plan, fmt.Errorf("surgeon: revert installing %s: %w", spec, err)
		}
	}
	for _, name := range plan.ToUninstall {
		uninstallCtx, cancel := context.WithTimeout(ctx, InstallTimeout)
		cmd := dexec.CommandContext(uninstallCtx, s.PythonExe, "-m", "pip", "uninstall", "-y", name)
		_, err := cmd.Output()
		cancel()
		if err != nil {
			return plan, fmt.Errorf("surgeon: revert uninstalling %s: %w", name, describeExitErr(err))
		}
	}

	return plan, nil
}

func parseAndSortNewestFirst(specs []string) ([]identity.ID, error) {
	ids := make([]identity.ID, 0, len(specs))
	for _, spec := range specs {
		id, err := identity.ParseSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("surgeon: invalid spec %q: %w", spec, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Version.Cmp(ids[j].Version) > 0
	})
	return ids, nil
}

func describeExitErr(err error) error {
	var exitErr *dexec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w:\n > %s", err, strings.Join(strings.Split(string(exitErr.Stderr), "\n"), "\n > "))
	}
	return err
}
