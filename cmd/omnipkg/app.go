// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/datawire/dlib/dexec"

	"github.com/omnipkg/omnipkg/pkg/activate"
	"github.com/omnipkg/omnipkg/pkg/bubble"
	"github.com/omnipkg/omnipkg/pkg/cloak"
	"github.com/omnipkg/omnipkg/pkg/config"
	"github.com/omnipkg/omnipkg/pkg/kb"
	"github.com/omnipkg/omnipkg/pkg/lockmgr"
	"github.com/omnipkg/omnipkg/pkg/pyctx"
	"github.com/omnipkg/omnipkg/pkg/registry"
	"github.com/omnipkg/omnipkg/pkg/store"
	"github.com/omnipkg/omnipkg/pkg/surgeon"
	"github.com/omnipkg/omnipkg/pkg/worker"
)

// app bundles every component cmd_*.go's RunE functions need, built once
// from the resolved Config the same way main.go's argparser is built once
// from flags.
type app struct {
	cfg      *config.Config
	locks    *lockmgr.Manager
	registry *registry.Registry
	failed   *registry.FailedVersions
	kb       *kb.KB
	cloak    *cloak.Loader
	builder  *bubble.Builder
	loader   *activate.Loader
	surgeon  *surgeon.Surgeon
}

// configPath is where the JSON configuration document lives; overridable
// with --config on the root command.
var configPath string

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "omnipkg.json"
	}
	return home + "/.omnipkg/omnipkg.json"
}

// newApp loads the configuration document (auto-filling detected defaults,
// per A1) and wires every package's component against it, mirroring the way
// main.go's teacher builds one shared OpenImage/OpenLayer helper set rather
// than re-deriving state in every subcommand.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("omnipkg: loading config: %w", err)
	}
	if cfg.BubbleRoot == "" {
		return nil, fmt.Errorf("omnipkg: no bubble_root configured or detected")
	}

	locks, err := lockmgr.New(cfg.BubbleRoot)
	if err != nil {
		return nil, fmt.Errorf("omnipkg: initializing lock manager: %w", err)
	}

	reg := registry.Open(cfg.BubbleRoot, locks)
	failed := registry.OpenFailedVersions(cfg.BubbleRoot, locks)

	pyVersion := "0.0"
	if out, verr := pythonVersion(ctx, cfg.PythonExe); verr == nil {
		pyVersion = out
	}
	envCtx := pyctx.New(cfg.SitePackages, pyVersion)
	kbase := kb.Open(cfg.BubbleRoot, cfg.KeyPrefix, envCtx.String(), locks)

	mainIndex, err := store.BuildIndex(ctx, cfg.SitePackages)
	if err != nil {
		return nil, fmt.Errorf("omnipkg: indexing main site-packages: %w", err)
	}

	cloakLoader := cloak.NewLoader(locks)

	builder := &bubble.Builder{
		BubbleRoot: cfg.BubbleRoot,
		PythonExe:  cfg.PythonExe,
		Registry:   reg,
		Failed:     failed,
		Locks:      locks,
		KB:         kbase,
		MainIndex:  mainIndex,
		Release:    &bubble.PyPIIndex{},
	}

	workers := worker.NewPool(cfg.PythonExe, 10*time.Minute)

	loader := &activate.Loader{
		Config: activate.Config{
			BubbleRoot:         cfg.BubbleRoot,
			PythonExe:          cfg.PythonExe,
			MainSitePackages:   cfg.SitePackages,
			OriginalPYTHONPATH: splitPath(os.Getenv("PYTHONPATH")),
			OriginalPATH:       os.Getenv("PATH"),
		},
		Registry: reg,
		Failed:   failed,
		Locks:    locks,
		KB:       kbase,
		Builder:  builder,
		Cloak:    cloakLoader,
		Workers:  workers,
	}

	surg := &surgeon.Surgeon{
		PythonExe:        cfg.PythonExe,
		MainSitePackages: cfg.SitePackages,
		Builder:          builder,
		Registry:         reg,
		KB:               kbase,
	}

	return &app{
		cfg:      cfg,
		locks:    locks,
		registry: reg,
		failed:   failed,
		kb:       kbase,
		cloak:    cloakLoader,
		builder:  builder,
		loader:   loader,
		surgeon:  surg,
	}, nil
}

func splitPath(pathValue string) []string {
	if pathValue == "" {
		return nil
	}
	return strings.Split(pathValue, string(os.PathListSeparator))
}

// pythonVersion shells out for "major.minor", the same detail
// config.detectScript already extracts during DetectDefaults; kept separate
// here since an explicitly configured python_executable may differ from the
// one DetectDefaults ran against.
func pythonVersion(ctx context.Context, pythonExe string) (string, error) {
	cmd := dexec.CommandContext(ctx, pythonExe, "-c", "import sys; print('%d.%d' % sys.version_info[:2])")
	cmd.DisableLogging = true
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
