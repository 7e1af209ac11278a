// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package activate implements the Activation Loader (C7): choosing between
// main-env, bubble, and build-on-demand; splicing the Python search path for
// the duration of a scope; validating the import; and falling back to a
// Worker Fallback subprocess when an in-process C-extension collision makes
// that impossible.
//
// Because the activated interpreter is always a Python child process this
// package spawns (never the Go process itself), "splicing sys.path" here
// means composing the PYTHONPATH environment variable that subprocess
// inherits; "purging the module cache" is moot for a freshly-started
// subprocess and only matters for the long-lived Worker Fallback, which
// pkg/worker owns.
package activate

import (
	"os"
	"strings"
)

// IsolationMode selects how a bubble's path is combined with the original
// search path (spec.md §4.7 step 5).
type IsolationMode string

const (
	// Strict replaces the search path entirely: bubble + everything except
	// the main site-packages directory.
	Strict IsolationMode = "strict"
	// Overlay prepends the bubble path, keeping main site-packages visible
	// for dependency fallthrough.
	Overlay IsolationMode = "overlay"
)

// PathPlan is the computed PYTHONPATH for an activated subprocess.
type PathPlan struct {
	Entries []string
	Mode    IsolationMode
}

// ComputePathPlan implements spec.md §4.7 step 5's two modes.
func ComputePathPlan(mode IsolationMode, bubblePath, mainSitePackages string, originalPath []string) PathPlan {
	switch mode {
	case Strict:
		entries := make([]string, 0, len(originalPath)+1)
		entries = append(entries, bubblePath)
		for _, p := range originalPath {
			if p != mainSitePackages {
				entries = append(entries, p)
			}
		}
		return PathPlan{Entries: entries, Mode: mode}
	default: // Overlay
		entries := make([]string, 0, len(originalPath)+2)
		entries = append(entries, bubblePath)
		hasMain := false
		for _, p := range originalPath {
			entries = append(entries, p)
			if p == mainSitePackages {
				hasMain = true
			}
		}
		if !hasMain {
			entries = append(entries, mainSitePackages)
		}
		return PathPlan{Entries: entries, Mode: Overlay}
	}
}

// Environ renders the plan as a PYTHONPATH-augmented copy of base.
func (p PathPlan) Environ(base []string) []string {
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if !strings.HasPrefix(kv, "PYTHONPATH=") {
			env = append(env, kv)
		}
	}
	return append(env, "PYTHONPATH="+strings.Join(p.Entries, string(os.PathListSeparator)))
}
