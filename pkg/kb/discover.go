// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
)

// UmbrellaPrefixes lists dist-info name prefixes known to be sub-components
// of a larger umbrella distribution (spec.md §4.4's "targeted mode"); these
// are skipped during discovery so a plugin distribution shipped inside a
// bigger package isn't mistaken for a standalone one.
//
//nolint:gochecknoglobals // grounded on the fixed table shape of store.NativeSuffixes
var UmbrellaPrefixes = []string{
	"ruamel.yaml.clib-",
	"google.cloud.",
	"zope.interface-",
}

// DiscoveredDist is one distribution as reported by the hyper-isolated child.
type DiscoveredDist struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	DistInfoDir  string   `json:"dist_info_dir"`
	Requires     []string `json:"requires"`
	RequiresPy   string   `json:"requires_python"`
	Summary      string   `json:"summary"`
	Author       string   `json:"author"`
	License      string   `json:"license"`
	HomePage     string   `json:"home_page"`
	Files        []string `json:"files"`
	MissingName  bool     `json:"missing_name"`
}

type discoveryResult struct {
	Dists []DiscoveredDist `json:"dists"`
}

// discoveryScript enumerates every dist-info/egg-info directory below each
// given search path using importlib.metadata, deliberately avoiding any
// import of the distributions themselves so that the parent's already
// loaded modules cannot bias what's found (spec.md §4.4 "Discovery").
const discoveryScript = `
import json
import sys
from importlib import metadata as im

search_paths = sys.argv[1:]
out = []
seen = set()
for dist in im.distributions(path=search_paths):
    try:
        name = dist.metadata.get("Name")
    except Exception:
        name = None
    version = dist.version or ""
    key = (name, version, str(dist._path))
    if key in seen:
        continue
    seen.add(key)
    files = []
    try:
        if dist.files:
            files = [str(dist.locate_file(f)) for f in dist.files]
    except Exception:
        files = []
    requires = list(dist.requires or [])
    meta = dist.metadata
    out.append({
        "name": name or "",
        "version": version,
        "dist_info_dir": str(dist._path),
        "requires": requires,
        "requires_python": meta.get("Requires-Python", ""),
        "summary": meta.get("Summary", ""),
        "author": meta.get("Author", ""),
        "license": meta.get("License", ""),
        "home_page": meta.get("Home-page", ""),
        "files": files,
        "missing_name": name is None,
    })
json.dump({"dists": out}, sys.stdout)
`

// Discover runs the discovery child process against searchPaths and returns
// every distribution it found. It is the only place in this package that
// spawns Python; everything else operates purely on the JSON it returns.
func Discover(ctx context.Context, pythonExe string, searchPaths []string) ([]DiscoveredDist, error) {
	args := append([]string{"-c", discoveryScript}, searchPaths...)
	cmd := dexec.CommandContext(ctx, pythonExe, args...)
	cmd.DisableLogging = true

	bs, err := cmd.Output()
	if err != nil {
		var exitErr *dexec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("kb: discovery subprocess failed: %w:\n > %s", err,
				strings.Join(strings.Split(string(exitErr.Stderr), "\n"), "\n > "))
		}
		return nil, fmt.Errorf("kb: running discovery subprocess: %w", err)
	}

	var result discoveryResult
	if err := json.Unmarshal(bs, &result); err != nil {
		return nil, fmt.Errorf("kb: parsing discovery output: %w", err)
	}

	filtered := result.Dists[:0]
	for _, d := range result.Dists {
		if isUmbrellaMember(d.DistInfoDir) {
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered, nil
}

func isUmbrellaMember(distInfoDir string) bool {
	base := distInfoDir
	if idx := strings.LastIndexByte(distInfoDir, '/'); idx >= 0 {
		base = distInfoDir[idx+1:]
	}
	for _, prefix := range UmbrellaPrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

// Sync runs discovery over searchPaths and writes every result into k,
// self-healing any dist whose Name metadata was missing by reinstalling it
// at the version parsed from its dist-info directory name (spec.md §4.4
// "Failure semantics").
func (k *KB) Sync(ctx context.Context, pythonExe string, searchPaths []string, heal func(ctx context.Context, distInfoDir, fallbackVersion string) error) error {
	dists, err := Discover(ctx, pythonExe, searchPaths)
	if err != nil {
		return err
	}

	for _, d := range dists {
		if d.MissingName {
			dlog.Warnf(ctx, "kb: dist-info %q is missing Name metadata, self-healing", d.DistInfoDir)
			if heal != nil {
				if herr := heal(ctx, d.DistInfoDir, d.Version); herr != nil {
					dlog.Errorf(ctx, "kb: self-heal of %q failed: %v", d.DistInfoDir, herr)
				}
			}
			continue
		}
		meta := DistMeta{
			Version:     d.Version,
			Requires:    d.Requires,
			RequiresPy:  d.RequiresPy,
			Summary:     d.Summary,
			Author:      d.Author,
			License:     d.License,
			HomePage:    d.HomePage,
			DistInfoDir: d.DistInfoDir,
			Files:       d.Files,
		}
		if err := k.PutVersion(d.Name, meta); err != nil {
			return fmt.Errorf("kb: recording %s %s: %w", d.Name, d.Version, err)
		}
	}
	return nil
}
