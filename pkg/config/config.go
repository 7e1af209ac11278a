// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package config implements the Config & Platform Loader (A1): a JSON
// configuration document with auto-filled defaults (spec.md §6), and YAML
// interpreter-platform descriptors decoded into python.Platform through
// sigs.k8s.io/yaml.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dexec"
	"github.com/google/renameio"
	"sigs.k8s.io/yaml"

	"github.com/omnipkg/omnipkg/pkg/python"
)

// InstallStrategy chooses how the Activation Loader decides what "active"
// means when nothing has activated a package yet.
type InstallStrategy string

const (
	StableMain   InstallStrategy = "stable-main"
	LatestActive InstallStrategy = "latest-active"
)

// Config is the on-disk configuration document (spec.md §6).
type Config struct {
	SitePackages        string            `json:"site_packages"`
	BubbleRoot          string            `json:"bubble_root"`
	PythonExe           string            `json:"python_executable"`
	KeyPrefix           string            `json:"kb_key_prefix"`
	ScannerVersion      string            `json:"vulnerability_scanner_version"`
	InstallStrategy     InstallStrategy   `json:"install_strategy"`
	InterpreterRegistry map[string]string `json:"interpreter_registry"` // name -> platform descriptor file path
}

// defaultKeyPrefix matches the teacher's repo-default-ish convention of a
// short, memorable namespace prefix.
const defaultKeyPrefix = "omnipkg"

const defaultScannerVersion = "latest"

// Load reads path and fills any missing field from DetectDefaults(ctx). A
// missing file is not an error: Load then returns pure detected defaults, so
// a first run never requires hand-authoring a config file (spec.md §6:
// "Missing keys are auto-filled with detected defaults").
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := &Config{}
	bs, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err == nil {
		if jsonErr := json.Unmarshal(bs, cfg); jsonErr != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, jsonErr)
		}
	}

	defaults, err := DetectDefaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: detecting defaults: %w", err)
	}
	cfg.fillFrom(defaults)

	return cfg, nil
}

// fillFrom copies any zero-valued field of c from d.
func (c *Config) fillFrom(d *Config) {
	if c.SitePackages == "" {
		c.SitePackages = d.SitePackages
	}
	if c.BubbleRoot == "" {
		c.BubbleRoot = d.BubbleRoot
	}
	if c.PythonExe == "" {
		c.PythonExe = d.PythonExe
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.ScannerVersion == "" {
		c.ScannerVersion = d.ScannerVersion
	}
	if c.InstallStrategy == "" {
		c.InstallStrategy = d.InstallStrategy
	}
	if c.InterpreterRegistry == nil {
		c.InterpreterRegistry = d.InterpreterRegistry
	}
}

// Save writes c to path as indented JSON via an atomic rename, the same
// durability guarantee every other on-disk document in this repo uses.
func (c *Config) Save(path string) error {
	bs, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, bs, 0o644)
}

// detectScript prints the one piece of information DetectDefaults cannot get
// any other way: the running interpreter's own site-packages directory.
// Everything else (python executable path itself) is resolved via
// dexec.LookPath.
const detectScript = `
import json
import site
import sys

paths = site.getsitepackages() if hasattr(site, "getsitepackages") else []
if not paths and hasattr(site, "getusersitepackages"):
    paths = [site.getusersitepackages()]
json.dump({"site_packages": paths[0] if paths else "", "version": "%d.%d" % sys.version_info[:2]}, sys.stdout)
`

type detectResult struct {
	SitePackages string `json:"site_packages"`
	Version      string `json:"version"`
}

// DetectDefaults auto-fills the config fields spec.md §6 says must be
// detected: python executable (via PATH lookup), its site-packages
// directory, and a conventional bubble root beside it.
func DetectDefaults(ctx context.Context) (*Config, error) {
	pythonExe, err := dexec.LookPath("python3")
	if err != nil {
		pythonExe, err = dexec.LookPath("python")
		if err != nil {
			return nil, fmt.Errorf("config: no python3/python found on PATH: %w", err)
		}
	}

	cmd := dexec.CommandContext(ctx, pythonExe, "-c", detectScript)
	cmd.DisableLogging = true
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("config: detecting site-packages: %w", err)
	}
	var detected detectResult
	if err := json.Unmarshal(out, &detected); err != nil {
		return nil, fmt.Errorf("config: parsing detection output: %w", err)
	}

	bubbleRoot := filepath.Join(filepath.Dir(detected.SitePackages), ".omnipkg", "bubbles")
	if detected.SitePackages == "" {
		home, herr := os.UserHomeDir()
		if herr == nil {
			bubbleRoot = filepath.Join(home, ".omnipkg", "bubbles")
		}
	}

	return &Config{
		SitePackages:        detected.SitePackages,
		BubbleRoot:          bubbleRoot,
		PythonExe:           pythonExe,
		KeyPrefix:           defaultKeyPrefix,
		ScannerVersion:      defaultScannerVersion,
		InstallStrategy:     StableMain,
		InterpreterRegistry: map[string]string{},
	}, nil
}

// LoadPlatform reads one interpreter-registry entry's YAML platform
// descriptor and parses it with sigs.k8s.io/yaml.
func LoadPlatform(path string) (*python.Platform, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading platform descriptor %s: %w", path, err)
	}
	var plat python.Platform
	if err := yaml.Unmarshal(bs, &plat, yaml.DisallowUnknownFields); err != nil {
		return nil, fmt.Errorf("config: parsing platform descriptor %s: %w", path, err)
	}
	if err := plat.Init(); err != nil {
		return nil, fmt.Errorf("config: invalid platform descriptor %s: %w", path, err)
	}
	return &plat, nil
}

// PlatformFor resolves name through the config's interpreter registry and
// loads its platform descriptor.
func (c *Config) PlatformFor(name string) (*python.Platform, error) {
	descriptorPath, ok := c.InterpreterRegistry[name]
	if !ok {
		return nil, fmt.Errorf("config: no interpreter registered under name %q", name)
	}
	return LoadPlatform(descriptorPath)
}
