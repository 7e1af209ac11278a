// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package activate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/omnipkg/omnipkg/pkg/bubble"
	"github.com/omnipkg/omnipkg/pkg/cloak"
	"github.com/omnipkg/omnipkg/pkg/identity"
	"github.com/omnipkg/omnipkg/pkg/kb"
	"github.com/omnipkg/omnipkg/pkg/lockmgr"
	"github.com/omnipkg/omnipkg/pkg/registry"
	"github.com/omnipkg/omnipkg/pkg/worker"
)

// Config is the slice of the JSON configuration document (A1) the
// Activation Loader needs.
type Config struct {
	BubbleRoot       string
	PythonExe        string
	MainSitePackages string
	OriginalPYTHONPATH []string
	OriginalPATH     string
}

// Loader is the context-managed heart of the system (spec.md §4.7).
type Loader struct {
	Config   Config
	Registry *registry.Registry
	Failed   *registry.FailedVersions
	Locks    *lockmgr.Manager
	KB       *kb.KB
	Builder  *bubble.Builder
	Cloak    *cloak.Loader

	// Workers is optional; when set, activations of a package listed in
	// UnreloadableNativeCores are handed a persistent Worker instead of
	// running in-process, sidestepping native-extension collisions
	// entirely rather than detecting them after the fact.
	Workers *worker.Pool
}

// Session is what Activate returns: a handle whose Exit restores prior
// state, and whose Execute runs code in the activated context (in-process
// subprocess by default, or forwarded to a Worker Fallback if one is
// attached).
type Session struct {
	loader        *Loader
	id            identity.ID
	mode          IsolationMode
	plan          PathPlan
	usedBubble    bool
	mainEnvOwned  bool
	enteredAt     time.Time
	worker        CodeExecutor

	ActivationDuration time.Duration
}

// CodeExecutor runs Python source and reports its stdout/stderr, satisfied
// both by an in-process subprocess runner and by pkg/worker's persistent
// Worker Fallback.
type CodeExecutor interface {
	Execute(ctx context.Context, code string) (stdout, stderr string, err error)
}

// Activate implements the public contract of spec.md §4.7:
// activate(spec, config, isolation_mode, force_activation).
func (l *Loader) Activate(ctx context.Context, spec string, mode IsolationMode, forceActivation bool) (*Session, error) {
	start := time.Now()
	id, err := identity.ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	// 1. Version already active?
	if !forceActivation {
		if active, ok, err := l.KB.ActiveVersion(id.Name); err == nil && ok && active == id.Version.String() {
			dlog.Debugf(ctx, "activate: %s already active, nothing to do", spec)
			return &Session{loader: l, id: id, enteredAt: start, ActivationDuration: time.Since(start)}, nil
		}
	}

	// 2. Bubble present?
	bubbleDir := filepath.Join(l.Config.BubbleRoot, id.BubbleDirName())
	if _, err := os.Stat(filepath.Join(bubbleDir, ".omnipkg_manifest.json")); err == nil {
		return l.activateBubble(ctx, id, bubbleDir, mode, start)
	}

	// 3. Main env has the requested version, possibly cloaked?
	if restored, err := l.tryUncloakMainEnv(ctx, id); err != nil {
		dlog.Warnf(ctx, "activate: scanning for a cloaked main-env match of %s failed: %v", spec, err)
	} else if restored {
		return &Session{loader: l, id: id, mainEnvOwned: true, enteredAt: start, ActivationDuration: time.Since(start)}, nil
	}

	// 4. Neither present: build on demand.
	release, err := l.Locks.Acquire(lockmgr.InstallLockKey(id.BubbleDirName()))
	if err != nil {
		return nil, fmt.Errorf("activate: install lock timeout for %s: %w", spec, err)
	}
	// Re-check: a racer may have finished building while we waited.
	if _, statErr := os.Stat(filepath.Join(bubbleDir, ".omnipkg_manifest.json")); statErr == nil {
		release()
		return l.activateBubble(ctx, id, bubbleDir, mode, start)
	}
	release()

	if l.Builder == nil {
		return nil, fmt.Errorf("activate: %s has no bubble and no Builder is configured to build one", spec)
	}
	if _, err := l.Builder.Build(ctx, id.Name, id.Version.String()); err != nil {
		return nil, fmt.Errorf("activate: building bubble for %s on demand: %w", spec, err)
	}
	return l.activateBubble(ctx, id, bubbleDir, mode, start)
}

// tryUncloakMainEnv scans for a cloaked dist-info of id in the main
// site-packages directory and, if found, uncloaks it and registers this
// loader as the main-env owner (spec.md §4.7 step 3).
func (l *Loader) tryUncloakMainEnv(ctx context.Context, id identity.ID) (bool, error) {
	entries, err := os.ReadDir(l.Config.MainSitePackages)
	if err != nil {
		return false, err
	}
	wantRE := regexp.MustCompile(`^` + regexp.QuoteMeta(id.Name) + `-` + regexp.QuoteMeta(id.Version.String()) + `\.dist-info\.\d+_[0-9a-z]+_omnipkg_cloaked(?:\.dist-info)?$`)
	for _, de := range entries {
		if wantRE.MatchString(de.Name()) {
			if err := l.Cloak.RestoreOrphans(ctx, id.Name, l.Config.MainSitePackages); err != nil {
				return false, err
			}
			if err := l.KB.SetActiveVersion(id.Name, id.Version.String()); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// activateBubble implements spec.md §4.7's "_activate_bubble" algorithm.
func (l *Loader) activateBubble(ctx context.Context, id identity.ID, bubbleDir string, mode IsolationMode, start time.Time) (*Session, error) {
	manifest, err := bubble.ReadManifest(bubbleDir)
	if err != nil {
		return nil, fmt.Errorf("activate: reading manifest for %s: %w", id, err)
	}

	conflictSet, err := l.computeConflictSet(manifest)
	if err != nil {
		return nil, err
	}

	// id.String() (not id itself) is the owner token: pep440.Version embeds
	// a []int release segment, so ID is not comparable with ==.
	unlockGlobal := l.Locks.GlobalActivation().Lock(id.String()) // serialize cloak-list mutation within this process
	defer unlockGlobal()

	for name := range conflictSet {
		paths, err := l.mainEnvArtifactsOf(name)
		if err != nil {
			dlog.Warnf(ctx, "activate: locating main-env artifacts of %q: %v", name, err)
			continue
		}
		if err := l.Cloak.Cloak(ctx, name, paths); err != nil {
			dlog.Warnf(ctx, "activate: cloaking %q failed: %v", name, err)
		}
	}

	plan := ComputePathPlan(mode, bubbleDir, l.Config.MainSitePackages, l.Config.OriginalPYTHONPATH)

	importName := topLevelImportName(bubbleDir, id.Name)
	ok, err := l.smokeImport(ctx, importName, plan)
	attempts := 1
	for !ok && attempts < 3 {
		attempts++
		ok, err = l.smokeImport(ctx, importName, plan)
	}

	if !ok {
		if diagErr := DiagnoseCollision(ctx, true, func(dctx context.Context) (bool, error) {
			result, verr := bubble.Verify(dctx, l.Config.PythonExe, importName, []string{importName}, bubbleDir, nil, nil)
			return result.PrimaryOK, verr
		}); diagErr != nil {
			if diagErr == ErrProcessCorrupted {
				return nil, diagErr
			}
		}

		// One auto-heal attempt: rebuild the bubble, retry once.
		if l.Builder != nil {
			_ = os.RemoveAll(bubbleDir)
			if _, berr := l.Builder.Build(ctx, id.Name, id.Version.String()); berr == nil {
				ok, err = l.smokeImport(ctx, importName, plan)
			}
		}
	}

	if !ok {
		for name := range conflictSet {
			_ = l.Cloak.Uncloak(ctx, name)
		}
		return nil, &ErrBubbleActivationFailed{Name: id.Name, Version: id.Version.String(), Cause: err}
	}

	session := &Session{
		loader:             l,
		id:                 id,
		mode:               mode,
		plan:               plan,
		usedBubble:         true,
		enteredAt:          start,
		ActivationDuration: time.Since(start),
	}

	if HasUnreloadableCore(id.Name) && l.Workers != nil {
		packageSpec := id.Name + "==" + id.Version.String()
		w, werr := l.Workers.Acquire(ctx, packageSpec, plan.Environ(os.Environ()))
		if werr != nil {
			// Not locally recoverable (spec.md §7): a native core without a
			// worker would otherwise silently fall back to in-process
			// execution and risk the exact collision this path exists to avoid.
			return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, werr)
		}
		session.worker = w
	}

	return session, nil
}

// computeConflictSet is step 2: main-env packages at a version different
// from what the bubble declares.
func (l *Loader) computeConflictSet(m bubble.Manifest) (map[string]bool, error) {
	conflicts := make(map[string]bool)
	for name, pkg := range m.Packages {
		active, ok, err := l.KB.ActiveVersion(name)
		if err != nil {
			return nil, err
		}
		if ok && active != pkg.Version {
			conflicts[identity.Canonicalize(name)] = true
		}
	}
	return conflicts, nil
}

// mainEnvArtifactsOf returns the package directory and dist-info directory
// for name under MainSitePackages, the candidates for cloaking.
func (l *Loader) mainEnvArtifactsOf(canonicalName string) ([]string, error) {
	entries, err := os.ReadDir(l.Config.MainSitePackages)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, de := range entries {
		base := de.Name()
		if identity.Canonicalize(strings.SplitN(base, "-", 2)[0]) != canonicalName &&
			identity.Canonicalize(base) != canonicalName {
			continue
		}
		paths = append(paths, filepath.Join(l.Config.MainSitePackages, base))
	}
	return paths, nil
}

// smokeImport validates the bubble per spec.md §4.7 step 8.
func (l *Loader) smokeImport(ctx context.Context, importName string, plan PathPlan) (bool, error) {
	result, err := bubble.Verify(ctx, l.Config.PythonExe, importName, []string{importName}, plan.Entries[0], plan.Entries[1:], nil)
	if err != nil {
		return false, err
	}
	return result.PrimaryOK, nil
}

// topLevelImportName reads <name>-<version>.dist-info/top_level.txt inside
// bubbleDir for distName's true import name, falling back to a
// canonicalized transform if it's missing (spec.md §4.7 step 8).
func topLevelImportName(bubbleDir, distName string) string {
	matches, _ := filepath.Glob(filepath.Join(bubbleDir, distName+"-*.dist-info", "top_level.txt"))
	if len(matches) == 0 {
		matches, _ = filepath.Glob(filepath.Join(bubbleDir, strings.ReplaceAll(distName, "-", "_")+"-*.dist-info", "top_level.txt"))
	}
	for _, m := range matches {
		bs, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		lines := strings.Fields(string(bs))
		if len(lines) > 0 {
			return lines[0]
		}
	}
	return strings.ReplaceAll(identity.Canonicalize(distName), "-", "_")
}

// Exit implements spec.md §4.7's "On exit" sequence.
func (s *Session) Exit(ctx context.Context) error {
	if s.mainEnvOwned {
		// Nothing to uncloak; the main env is the true state. No
		// ownership record is released here: the active version recorded
		// in the KB stays as set.
		return nil
	}
	if !s.usedBubble {
		return nil
	}

	manifest, err := bubble.ReadManifest(filepath.Join(s.loader.Config.BubbleRoot, s.id.BubbleDirName()))
	if err != nil {
		return fmt.Errorf("activate: re-reading manifest on exit: %w", err)
	}
	conflictSet, err := s.loader.computeConflictSet(manifest)
	if err != nil {
		return err
	}
	for name := range conflictSet {
		if err := s.loader.Cloak.Uncloak(ctx, name); err != nil {
			dlog.Warnf(ctx, "activate: uncloak on exit failed for %q: %v", name, err)
		}
	}
	return nil
}

// Execute runs code in the activated context: via the attached worker if
// present (the PyTorch-class fallback path), else as a one-shot subprocess
// using the session's path plan.
func (s *Session) Execute(ctx context.Context, code string) (stdout, stderr string, err error) {
	if s.worker != nil {
		return s.worker.Execute(ctx, code)
	}
	return subprocessExecute(ctx, s.loader.Config.PythonExe, s.plan, code)
}
